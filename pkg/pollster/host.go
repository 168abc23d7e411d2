package pollster

import (
	"context"
	"fmt"
	"iter"

	"github.com/go-kit/log/level"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

// hostRows names the rows of inspector.HostSource in the order it returns them.
var hostRows = []string{"tot", "now", "max"}

// hostPollster reports the capacity of the compute host.
type hostPollster struct {
	source   inspector.HostSource
	host     string
	nodename string
}

// NewHost returns the pollster of the compute.node.* meters of host. It
// ignores the instances of the cycle.
func NewHost(source inspector.HostSource, host, nodename string) Pollster {
	return &hostPollster{source: source, host: host, nodename: nodename}
}

func (p *hostPollster) Name() string { return "compute.node" }

func (p *hostPollster) Meters() []sample.Meter {
	meters := make([]sample.Meter, 0, 3*len(hostRows))
	for _, row := range hostRows {
		meters = append(meters,
			sample.Meter{Name: "compute.node.ram." + row, Type: sample.Gauge, Unit: "MB"},
			sample.Meter{Name: "compute.node.disk." + row, Type: sample.Gauge, Unit: "GB"},
			sample.Meter{Name: "compute.node.cpu." + row, Type: sample.Gauge, Unit: "cpu"})
	}
	return meters
}

func (p *hostPollster) GetSamples(ctx context.Context, m Manager, _ *pollcache.Cache, _ []inspector.Instance) iter.Seq[sample.Sample] {
	return func(yield func(sample.Sample) bool) {
		_ = level.Debug(m.logger()).Log("debug", "checking host", "host", p.host)
		rows, err := p.source.HostResources(ctx)
		if err != nil {
			_ = level.Error(m.logger()).Log("err", "could not get info for host", "host", p.host, "msg", err)
			m.observe(p.Name(), SkippedFailed)
			return
		}
		if len(rows) < len(hostRows) {
			_ = level.Debug(m.logger()).Log("debug", "incomplete host resources", "host", p.host, "rows", len(rows))
			return
		}

		resourceID := fmt.Sprintf("%s_%s", p.host, p.nodename)
		ts := now()
		meters := p.Meters()
		for i := range hostRows {
			for j, volume := range []float64{rows[i].MemoryMB, rows[i].DiskGB, rows[i].CPU} {
				if !yield(sample.New(meters[3*i+j], volume, resourceID, ts)) {
					return
				}
			}
		}
	}
}
