package pollster

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/go-kit/log/level"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

type memoryInspectFunc func(ctx context.Context, insp inspector.Inspector, inst inspector.Instance, duration time.Duration) (float64, error)

// memoryPollster reads one memory figure per instance straight from the
// inspector. It does not use the cache.
type memoryPollster struct {
	meter   sample.Meter
	inspect memoryInspectFunc
	clock   pollClock
}

// MemoryUsage returns the pollster of the memory used by the guest. An
// instance without usable statistics is reported as using zero.
func MemoryUsage() Pollster {
	return &memoryPollster{
		meter:   sample.Meter{Name: "memory.usage", Type: sample.Gauge, Unit: "MB"},
		inspect: inspectMemoryUsage,
	}
}

// MemoryResident returns the pollster of the resident memory of instances.
func MemoryResident() Pollster {
	return &memoryPollster{
		meter:   sample.Meter{Name: "memory.resident", Type: sample.Gauge, Unit: "MB"},
		inspect: inspectMemoryResident,
	}
}

func inspectMemoryUsage(ctx context.Context, insp inspector.Inspector, inst inspector.Instance, duration time.Duration) (float64, error) {
	stats, err := insp.InspectMemoryUsage(ctx, inst, duration)
	if err != nil {
		return 0, err
	}
	if stats == nil {
		return 0, nil
	}
	return stats.Usage, nil
}

func inspectMemoryResident(ctx context.Context, insp inspector.Inspector, inst inspector.Instance, duration time.Duration) (float64, error) {
	stats, err := insp.InspectMemoryResident(ctx, inst, duration)
	if err != nil {
		return 0, err
	}
	if stats == nil {
		return 0, fmt.Errorf("no resident memory statistics for instance %s", inst.ID)
	}
	return stats.Resident, nil
}

func (p *memoryPollster) Name() string { return p.meter.Name }

func (p *memoryPollster) Meters() []sample.Meter { return []sample.Meter{p.meter} }

func (p *memoryPollster) GetSamples(ctx context.Context, m Manager, _ *pollcache.Cache, resources []inspector.Instance) iter.Seq[sample.Sample] {
	return func(yield func(sample.Sample) bool) {
		duration := p.clock.record()
		for _, inst := range resources {
			if ctx.Err() != nil {
				return
			}
			value, err := p.inspect(ctx, m.Inspector, inst, duration)
			if err != nil {
				m.handleError(p.Name(), inst, err)
				continue
			}
			_ = level.Debug(m.logger()).Log("debug", "memory reading", "pollster", p.Name(), "instance_id", inst.ID, "value", value)
			if !yield(fromInstance(inst, p.meter, value, inst.ID)) {
				return
			}
		}
	}
}
