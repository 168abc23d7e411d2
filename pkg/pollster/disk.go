package pollster

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

// Aggregate fields of the disk families.
const (
	FieldReadBytes     = "read_bytes"
	FieldReadRequests  = "read_requests"
	FieldWriteBytes    = "write_bytes"
	FieldWriteRequests = "write_requests"

	FieldReadBytesRate     = "read_bytes_rate"
	FieldReadRequestsRate  = "read_requests_rate"
	FieldWriteBytesRate    = "write_bytes_rate"
	FieldWriteRequestsRate = "write_requests_rate"

	FieldCapacity   = "capacity"
	FieldAllocation = "allocation"
	FieldPhysical   = "physical"
)

// DiskIO is the family of disk I/O counters.
var DiskIO = Family{Name: "diskio", Query: queryDiskIO}

// DiskRate is the family of disk I/O rates.
var DiskRate = Family{Name: "diskio-rate", Query: queryDiskRate, Timed: true}

// DiskInfo is the family of disk sizes.
var DiskInfo = Family{Name: "diskinfo", Query: queryDiskInfo}

func queryDiskIO(ctx context.Context, m Manager, inst inspector.Instance, _ time.Duration) (*pollcache.Aggregate, error) {
	stats, err := m.Inspector.InspectDisks(ctx, inst)
	if err != nil {
		return nil, err
	}
	b := pollcache.NewBuilder()
	for _, s := range stats {
		_ = level.Debug(m.logger()).Log("debug", "disk io usage", "instance_id", inst.ID, "device", s.Device,
			"read_requests", s.ReadRequests, "read_bytes", s.ReadBytes,
			"write_requests", s.WriteRequests, "write_bytes", s.WriteBytes, "errors", s.Errors)
		b.AddCount(s.Device, FieldReadBytes, counter(s.ReadBytes)).
			AddCount(s.Device, FieldReadRequests, counter(s.ReadRequests)).
			AddCount(s.Device, FieldWriteBytes, counter(s.WriteBytes)).
			AddCount(s.Device, FieldWriteRequests, counter(s.WriteRequests))
	}
	return b.Build(), nil
}

// counter converts a block stats counter. libvirt reports -1 for counters the
// driver does not track; those read as zero.
func counter(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func queryDiskRate(ctx context.Context, m Manager, inst inspector.Instance, duration time.Duration) (*pollcache.Aggregate, error) {
	rates, err := m.Inspector.InspectDiskRates(ctx, inst, duration)
	if err != nil {
		return nil, err
	}
	b := pollcache.NewBuilder()
	for _, r := range rates {
		b.Add(r.Device, FieldReadBytesRate, r.ReadBytesRate).
			Add(r.Device, FieldReadRequestsRate, r.ReadRequestsRate).
			Add(r.Device, FieldWriteBytesRate, r.WriteBytesRate).
			Add(r.Device, FieldWriteRequestsRate, r.WriteRequestsRate)
	}
	return b.Build(), nil
}

func queryDiskInfo(ctx context.Context, m Manager, inst inspector.Instance, _ time.Duration) (*pollcache.Aggregate, error) {
	infos, err := m.Inspector.InspectDiskInfo(ctx, inst)
	if err != nil {
		return nil, err
	}
	b := pollcache.NewBuilder()
	for _, info := range infos {
		b.AddCount(info.Device, FieldCapacity, info.Capacity).
			AddCount(info.Device, FieldAllocation, info.Allocation).
			AddCount(info.Device, FieldPhysical, info.Physical)
	}
	return b.Build(), nil
}

// diskMeter pairs a field with its instance-wide and per-device meters.
type diskMeter struct {
	field     string
	total     sample.Meter
	perDevice sample.Meter
}

var (
	diskIOMeters = []diskMeter{
		{FieldReadBytes, sample.Meter{Name: "disk.read.bytes", Type: sample.Cumulative, Unit: "B"}, sample.Meter{Name: "disk.device.read.bytes", Type: sample.Cumulative, Unit: "B"}},
		{FieldReadRequests, sample.Meter{Name: "disk.read.requests", Type: sample.Cumulative, Unit: "request"}, sample.Meter{Name: "disk.device.read.requests", Type: sample.Cumulative, Unit: "request"}},
		{FieldWriteBytes, sample.Meter{Name: "disk.write.bytes", Type: sample.Cumulative, Unit: "B"}, sample.Meter{Name: "disk.device.write.bytes", Type: sample.Cumulative, Unit: "B"}},
		{FieldWriteRequests, sample.Meter{Name: "disk.write.requests", Type: sample.Cumulative, Unit: "request"}, sample.Meter{Name: "disk.device.write.requests", Type: sample.Cumulative, Unit: "request"}},
	}

	diskRateMeters = []diskMeter{
		{FieldReadBytesRate, sample.Meter{Name: "disk.read.bytes.rate", Type: sample.Gauge, Unit: "B/s"}, sample.Meter{Name: "disk.device.read.bytes.rate", Type: sample.Gauge, Unit: "B/s"}},
		{FieldReadRequestsRate, sample.Meter{Name: "disk.read.requests.rate", Type: sample.Gauge, Unit: "requests/s"}, sample.Meter{Name: "disk.device.read.requests.rate", Type: sample.Gauge, Unit: "requests/s"}},
		{FieldWriteBytesRate, sample.Meter{Name: "disk.write.bytes.rate", Type: sample.Gauge, Unit: "B/s"}, sample.Meter{Name: "disk.device.write.bytes.rate", Type: sample.Gauge, Unit: "B/s"}},
		{FieldWriteRequestsRate, sample.Meter{Name: "disk.write.requests.rate", Type: sample.Gauge, Unit: "requests/s"}, sample.Meter{Name: "disk.device.write.requests.rate", Type: sample.Gauge, Unit: "requests/s"}},
	}

	diskInfoMeters = []diskMeter{
		{FieldCapacity, sample.Meter{Name: "disk.capacity", Type: sample.Gauge, Unit: "B"}, sample.Meter{Name: "disk.device.capacity", Type: sample.Gauge, Unit: "B"}},
		{FieldAllocation, sample.Meter{Name: "disk.allocation", Type: sample.Gauge, Unit: "B"}, sample.Meter{Name: "disk.device.allocation", Type: sample.Gauge, Unit: "B"}},
		{FieldPhysical, sample.Meter{Name: "disk.usage", Type: sample.Gauge, Unit: "B"}, sample.Meter{Name: "disk.device.usage", Type: sample.Gauge, Unit: "B"}},
	}
)

func diskPollsters(family Family, meters []diskMeter) []Pollster {
	pollsters := make([]Pollster, 0, 2*len(meters))
	for _, dm := range meters {
		pollsters = append(pollsters,
			NewAggregate(family, Total(dm.total, dm.field)),
			NewAggregate(family, PerDevice(dm.perDevice, dm.field)))
	}
	return pollsters
}

// DiskIOPollsters returns the pollsters of the disk I/O counters.
func DiskIOPollsters() []Pollster {
	return diskPollsters(DiskIO, diskIOMeters)
}

// DiskRatePollsters returns the pollsters of the disk I/O rates.
func DiskRatePollsters() []Pollster {
	return diskPollsters(DiskRate, diskRateMeters)
}

// DiskInfoPollsters returns the pollsters of the disk sizes.
func DiskInfoPollsters() []Pollster {
	return diskPollsters(DiskInfo, diskInfoMeters)
}
