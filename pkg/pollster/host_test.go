package pollster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
)

type fakeHost struct {
	rows []inspector.HostResources
	err  error
}

func (f fakeHost) HostResources(context.Context) ([]inspector.HostResources, error) {
	return f.rows, f.err
}

func TestHostPollster(t *testing.T) {
	p := NewHost(fakeHost{rows: []inspector.HostResources{
		{MemoryMB: 8192, DiskGB: 100, CPU: 16},
		{MemoryMB: 1024, DiskGB: 40, CPU: 2},
		{MemoryMB: 3072, DiskGB: 30, CPU: 3},
	}}, "compute-1", "node-1")

	samples := collect(p, Manager{}, pollcache.New(), vm1)
	require.Len(t, samples, 9)

	got := make(map[string]float64)
	for _, s := range samples {
		got[s.Name] = s.Volume
		assert.Equal(t, "compute-1_node-1", s.ResourceID)
		assert.Empty(t, s.ResourceMetadata)
		assert.Empty(t, s.ProjectID)
	}
	assert.Equal(t, map[string]float64{
		"compute.node.ram.tot": 8192, "compute.node.disk.tot": 100, "compute.node.cpu.tot": 16,
		"compute.node.ram.now": 1024, "compute.node.disk.now": 40, "compute.node.cpu.now": 2,
		"compute.node.ram.max": 3072, "compute.node.disk.max": 30, "compute.node.cpu.max": 3,
	}, got)

	assert.Equal(t, "GB", samples[1].Unit)
	assert.Equal(t, "cpu", samples[2].Unit)
	assert.Len(t, p.Meters(), 9)
}

func TestHostPollsterIncompleteRows(t *testing.T) {
	p := NewHost(fakeHost{rows: []inspector.HostResources{{MemoryMB: 1}}}, "compute-1", "compute-1")
	assert.Empty(t, collect(p, Manager{}, pollcache.New()))
}

func TestHostPollsterError(t *testing.T) {
	obs := &observed{}
	p := NewHost(fakeHost{err: errors.New("libvirt unreachable")}, "compute-1", "compute-1")

	assert.Empty(t, collect(p, Manager{Observer: obs.observe}, pollcache.New()))
	assert.Equal(t, []string{"compute.node/failed"}, obs.outcomes)
}
