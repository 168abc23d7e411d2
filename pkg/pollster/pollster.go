// Package pollster turns inspector readings into samples, one poll cycle at a
// time.
//
// A poll cycle hands every enabled Pollster the same instances and the same
// pollcache.Cache. Pollsters of one metric family share the cached Aggregate
// of an instance, so the inspector is queried once per instance and family no
// matter how many meters derive from it. A failing instance is logged and
// skipped; it never stops the cycle.
package pollster

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

// Outcome is the terminal state of one instance in one pollster run.
type Outcome int

const (
	// Emitted means samples were derived, possibly zero of them.
	Emitted Outcome = iota
	// SkippedGone means the instance vanished before it could be inspected.
	SkippedGone
	// SkippedUnsupported means the inspector cannot provide the measurement.
	SkippedUnsupported
	// SkippedFailed means any other error.
	SkippedFailed
)

func (o Outcome) String() string {
	switch o {
	case Emitted:
		return "emitted"
	case SkippedGone:
		return "gone"
	case SkippedUnsupported:
		return "unsupported"
	case SkippedFailed:
		return "failed"
	}
	return "unknown"
}

// Classify maps an inspection error onto the outcome it leads to.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Emitted
	case errors.Is(err, inspector.ErrInstanceNotFound):
		return SkippedGone
	case errors.Is(err, inspector.ErrNotImplemented):
		return SkippedUnsupported
	}
	return SkippedFailed
}

// Observer is told about every skipped instance.
type Observer func(pollster string, outcome Outcome)

// Manager carries what pollsters need from the host process.
type Manager struct {
	Inspector inspector.Inspector
	Logger    log.Logger
	// Observer is optional.
	Observer Observer
}

func (m Manager) logger() log.Logger {
	if m.Logger == nil {
		return log.NewNopLogger()
	}
	return m.Logger
}

// handleError logs err at the level its outcome calls for and reports the
// outcome to the observer.
func (m Manager) handleError(pollster string, inst inspector.Instance, err error) {
	outcome := Classify(err)
	switch outcome {
	case SkippedGone:
		_ = level.Debug(m.logger()).Log("debug", "instance deleted while getting samples", "pollster", pollster, "instance_id", inst.ID, "msg", err)
	case SkippedUnsupported:
		_ = level.Debug(m.logger()).Log("debug", "inspector does not provide data", "pollster", pollster, "instance_id", inst.ID, "msg", err)
	default:
		_ = level.Error(m.logger()).Log("err", "ignoring instance", "pollster", pollster, "instance_id", inst.ID, "instance_name", inst.Name, "msg", err)
	}
	m.observe(pollster, outcome)
}

func (m Manager) observe(pollster string, outcome Outcome) {
	if m.Observer != nil {
		m.Observer(pollster, outcome)
	}
}

// Pollster produces the samples of one or more meters for a poll cycle.
type Pollster interface {
	Name() string
	Meters() []sample.Meter
	// GetSamples returns a lazy sequence over resources. Errors are handled
	// per instance and never end the sequence early.
	GetSamples(ctx context.Context, m Manager, cache *pollcache.Cache, resources []inspector.Instance) iter.Seq[sample.Sample]
}

// Family is a cache namespace together with the inspector query that fills it.
type Family struct {
	Name  string
	Query func(ctx context.Context, m Manager, inst inspector.Instance, duration time.Duration) (*pollcache.Aggregate, error)
	// Timed families are queried with the time since the pollster's previous
	// poll.
	Timed bool
}

// aggregatePollster derives one meter from the cached aggregate of a family.
type aggregatePollster struct {
	family  Family
	deriver Deriver
	clock   pollClock
}

// NewAggregate returns a Pollster deriving d from the aggregates of family.
func NewAggregate(family Family, d Deriver) Pollster {
	return &aggregatePollster{family: family, deriver: d}
}

func (p *aggregatePollster) Name() string {
	return p.deriver.Meter().Name
}

func (p *aggregatePollster) Meters() []sample.Meter {
	return []sample.Meter{p.deriver.Meter()}
}

func (p *aggregatePollster) GetSamples(ctx context.Context, m Manager, cache *pollcache.Cache, resources []inspector.Instance) iter.Seq[sample.Sample] {
	return func(yield func(sample.Sample) bool) {
		var duration time.Duration
		if p.family.Timed {
			duration = p.clock.record()
		}
		for _, inst := range resources {
			if err := ctx.Err(); err != nil {
				_ = level.Debug(m.logger()).Log("debug", "poll cycle canceled", "pollster", p.Name(), "msg", err)
				return
			}
			agg, err := cache.GetOrCompute(p.family.Name, inst.ID, func() (*pollcache.Aggregate, error) {
				return p.family.Query(ctx, m, inst, duration)
			})
			if err != nil {
				m.handleError(p.Name(), inst, err)
				continue
			}
			for _, s := range p.deriver.Derive(inst, agg) {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// Filter keeps the pollsters whose name starts with one of prefixes. No
// prefixes keeps them all.
func Filter(pollsters []Pollster, prefixes []string) []Pollster {
	if len(prefixes) == 0 {
		return pollsters
	}
	var kept []Pollster
	for _, p := range pollsters {
		for _, prefix := range prefixes {
			if strings.HasPrefix(p.Name(), prefix) {
				kept = append(kept, p)
				break
			}
		}
	}
	return kept
}
