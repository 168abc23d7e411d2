package pollster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

// fakeInspector serves canned readings keyed by instance ID and counts calls.
type fakeInspector struct {
	disks     map[string][]inspector.DiskStats
	rates     map[string][]inspector.DiskRateStats
	infos     map[string][]inspector.DiskInfo
	usage     map[string]*inspector.MemoryUsageStats
	resident  map[string]*inspector.MemoryResidentStats
	errs      map[string]error
	durations []time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeInspector) record(method string, inst inspector.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	return f.errs[inst.ID]
}

func (f *fakeInspector) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeInspector) InspectDisks(_ context.Context, inst inspector.Instance) ([]inspector.DiskStats, error) {
	if err := f.record("InspectDisks", inst); err != nil {
		return nil, err
	}
	return f.disks[inst.ID], nil
}

func (f *fakeInspector) InspectDiskRates(_ context.Context, inst inspector.Instance, duration time.Duration) ([]inspector.DiskRateStats, error) {
	if err := f.record("InspectDiskRates", inst); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.durations = append(f.durations, duration)
	f.mu.Unlock()
	return f.rates[inst.ID], nil
}

func (f *fakeInspector) InspectDiskInfo(_ context.Context, inst inspector.Instance) ([]inspector.DiskInfo, error) {
	if err := f.record("InspectDiskInfo", inst); err != nil {
		return nil, err
	}
	return f.infos[inst.ID], nil
}

func (f *fakeInspector) InspectMemoryUsage(_ context.Context, inst inspector.Instance, _ time.Duration) (*inspector.MemoryUsageStats, error) {
	if err := f.record("InspectMemoryUsage", inst); err != nil {
		return nil, err
	}
	return f.usage[inst.ID], nil
}

func (f *fakeInspector) InspectMemoryResident(_ context.Context, inst inspector.Instance, _ time.Duration) (*inspector.MemoryResidentStats, error) {
	if err := f.record("InspectMemoryResident", inst); err != nil {
		return nil, err
	}
	return f.resident[inst.ID], nil
}

// observed collects the outcomes reported to a Manager's Observer.
type observed struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *observed) observe(pollster string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, fmt.Sprintf("%s/%s", pollster, outcome))
}

// find returns the pollster called name.
func find(pollsters []Pollster, name string) Pollster {
	i := slices.IndexFunc(pollsters, func(p Pollster) bool { return p.Name() == name })
	if i < 0 {
		panic("no pollster " + name)
	}
	return pollsters[i]
}

// collect drains one pollster run.
func collect(p Pollster, m Manager, cache *pollcache.Cache, resources ...inspector.Instance) []sample.Sample {
	return slices.Collect(p.GetSamples(context.Background(), m, cache, resources))
}

func resourceIDs(samples []sample.Sample) []string {
	ids := make([]string, 0, len(samples))
	for _, s := range samples {
		ids = append(ids, s.ResourceID)
	}
	return ids
}
