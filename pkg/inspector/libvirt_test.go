package inspector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector/libvirttest"
)

const vm1UUID = "6f1a3b1e-2c43-4a5e-9a55-0d1f7f6c1a01"

func vm1Domain() *libvirttest.Domain {
	return &libvirttest.Domain{
		Name:   "instance-00000001",
		UUID:   libvirttest.UUID(vm1UUID),
		Active: true,
		State:  libvirt.DomainRunning,
		XML: libvirttest.DomainXML(libvirttest.DomainSpec{
			Name:        "instance-00000001",
			UUID:        vm1UUID,
			DisplayName: "web-1",
			Flavor:      "m1.small",
			ProjectID:   "p-1",
			ProjectName: "demo",
			UserID:      "u-1",
			UserName:    "alice",
			Disks: []libvirttest.Disk{
				{Device: "disk", Target: "vda"},
				{Device: "disk", Target: "vdb"},
				{Device: "cdrom", Target: "hdc"},
			},
			MACs: []string{"52:54:00:AA:BB:01"},
		}),
		MaxMemKiB: 2 * 1024 * 1024,
		MemKiB:    1024 * 1024,
		VCPUs:     2,
		BlockStats: map[string]libvirttest.BlockStats{
			"vda": {RdReq: 5, RdBytes: 100, WrReq: 3, WrBytes: 30},
			"vdb": {RdReq: 2, RdBytes: 50, WrReq: 1, WrBytes: 10},
		},
		BlockInfo: map[string]libvirttest.BlockInfo{
			"vda": {Allocation: 10, Capacity: 20, Physical: 15},
			"vdb": {Allocation: 1, Capacity: 2, Physical: 2},
		},
		MemoryStats: []libvirt.DomainMemoryStat{
			{Tag: int32(libvirt.DomainMemoryStatAvailable), Val: 4096 * 1024},
			{Tag: int32(libvirt.DomainMemoryStatUnused), Val: 1024 * 1024},
			{Tag: int32(libvirt.DomainMemoryStatRss), Val: 512 * 1024},
		},
	}
}

func vm1Instance() Instance {
	return Instance{ID: vm1UUID, Name: "instance-00000001"}
}

func newTestInspector(conn Conn) *Libvirt {
	return NewLibvirt(conn, NewBaselines(time.Hour), log.NewNopLogger())
}

// stepClock returns a clock that starts at a fixed time and moves forward by
// the returned advance func.
func stepClock() (func() time.Time, func(time.Duration)) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return current }, func(d time.Duration) { current = current.Add(d) }
}

func TestInspectDisksSkipsOpticalDrives(t *testing.T) {
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{vm1Domain()}}

	stats, err := newTestInspector(conn).InspectDisks(context.Background(), vm1Instance())
	require.NoError(t, err)

	assert.ElementsMatch(t, []DiskStats{
		{Device: "vda", ReadBytes: 100, ReadRequests: 5, WriteBytes: 30, WriteRequests: 3},
		{Device: "vdb", ReadBytes: 50, ReadRequests: 2, WriteBytes: 10, WriteRequests: 1},
	}, stats)
	assert.Equal(t, 2, conn.Calls("DomainBlockStats"))
}

func TestInspectDisksUnknownDomain(t *testing.T) {
	conn := &libvirttest.Conn{}

	_, err := newTestInspector(conn).InspectDisks(context.Background(), vm1Instance())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	var lverr libvirt.Error
	assert.True(t, errors.As(err, &lverr), "libvirt error kept in chain")
}

func TestInspectDisksShutOffDomain(t *testing.T) {
	dom := vm1Domain()
	dom.Active = false
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{dom}}

	_, err := newTestInspector(conn).InspectDisks(context.Background(), vm1Instance())
	assert.ErrorIs(t, err, ErrInstanceShutOff)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.Equal(t, 0, conn.Calls("DomainBlockStats"))
}

func TestInspectDisksUnsupported(t *testing.T) {
	conn := &libvirttest.Conn{
		Domains: []*libvirttest.Domain{vm1Domain()},
		Errors:  map[string]error{"DomainBlockStats": libvirttest.ErrUnsupported},
	}

	_, err := newTestInspector(conn).InspectDisks(context.Background(), vm1Instance())
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestInspectDisksCanceledContext(t *testing.T) {
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{vm1Domain()}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestInspector(conn).InspectDisks(ctx, vm1Instance())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, conn.Calls("DomainLookupByName"))
}

func TestInspectDiskRates(t *testing.T) {
	dom := vm1Domain()
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{dom}}
	insp := newTestInspector(conn)
	clock, advance := stepClock()
	insp.now = clock
	ctx := context.Background()

	rates, err := insp.InspectDiskRates(ctx, vm1Instance(), 0)
	require.NoError(t, err)
	assert.Empty(t, rates, "first poll only records baselines")

	advance(10 * time.Second)
	dom.BlockStats["vda"] = libvirttest.BlockStats{RdReq: 25, RdBytes: 1100, WrReq: 13, WrBytes: 530}
	rates, err = insp.InspectDiskRates(ctx, vm1Instance(), 10*time.Second)
	require.NoError(t, err)

	assert.ElementsMatch(t, []DiskRateStats{
		{Device: "vda", ReadBytesRate: 100, ReadRequestsRate: 2, WriteBytesRate: 50, WriteRequestsRate: 1},
		{Device: "vdb"},
	}, rates)
}

func TestInspectDiskRatesCounterReset(t *testing.T) {
	dom := vm1Domain()
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{dom}}
	insp := newTestInspector(conn)
	clock, advance := stepClock()
	insp.now = clock
	ctx := context.Background()

	_, err := insp.InspectDiskRates(ctx, vm1Instance(), 0)
	require.NoError(t, err)

	advance(time.Second)
	dom.BlockStats["vda"] = libvirttest.BlockStats{}
	rates, err := insp.InspectDiskRates(ctx, vm1Instance(), time.Second)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "vdb", rates[0].Device)
}

func TestInspectDiskRatesAfterFailedPoll(t *testing.T) {
	dom := vm1Domain()
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{dom}}
	insp := newTestInspector(conn)
	clock, advance := stepClock()
	insp.now = clock
	ctx := context.Background()

	_, err := insp.InspectDiskRates(ctx, vm1Instance(), 0)
	require.NoError(t, err)

	advance(30 * time.Second)
	conn.Errors = map[string]error{"DomainBlockStats": errors.New("connection reset")}
	_, err = insp.InspectDiskRates(ctx, vm1Instance(), 30*time.Second)
	require.Error(t, err)

	advance(30 * time.Second)
	conn.Errors = nil
	dom.BlockStats["vda"] = libvirttest.BlockStats{RdReq: 5, RdBytes: 3100, WrReq: 3, WrBytes: 30}
	rates, err := insp.InspectDiskRates(ctx, vm1Instance(), 30*time.Second)
	require.NoError(t, err)

	assert.ElementsMatch(t, []DiskRateStats{
		{Device: "vda", ReadBytesRate: 50},
		{Device: "vdb"},
	}, rates)
}

func TestInspectDiskInfo(t *testing.T) {
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{vm1Domain()}}

	infos, err := newTestInspector(conn).InspectDiskInfo(context.Background(), vm1Instance())
	require.NoError(t, err)

	assert.ElementsMatch(t, []DiskInfo{
		{Device: "vda", Capacity: 20, Allocation: 10, Physical: 15},
		{Device: "vdb", Capacity: 2, Allocation: 1, Physical: 2},
	}, infos)
}

func TestInspectMemory(t *testing.T) {
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{vm1Domain()}}
	insp := newTestInspector(conn)

	usage, err := insp.InspectMemoryUsage(context.Background(), vm1Instance(), 0)
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, float64(3072), usage.Usage)

	resident, err := insp.InspectMemoryResident(context.Background(), vm1Instance(), 0)
	require.NoError(t, err)
	assert.Equal(t, float64(512), resident.Resident)
}

func TestInspectMemoryWithoutBalloonStats(t *testing.T) {
	dom := vm1Domain()
	dom.MemoryStats = nil
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{dom}}
	insp := newTestInspector(conn)

	usage, err := insp.InspectMemoryUsage(context.Background(), vm1Instance(), 0)
	require.NoError(t, err)
	assert.Nil(t, usage)

	_, err = insp.InspectMemoryResident(context.Background(), vm1Instance(), 0)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestDiscover(t *testing.T) {
	stopped := &libvirttest.Domain{Name: "instance-00000002", UUID: libvirttest.UUID("6f1a3b1e-2c43-4a5e-9a55-0d1f7f6c1a02")}
	broken := &libvirttest.Domain{Name: "instance-00000003", Active: true, XML: "<domain"}
	conn := &libvirttest.Conn{Domains: []*libvirttest.Domain{vm1Domain(), stopped, broken}}

	instances, err := Discover(conn, log.NewNopLogger())
	require.NoError(t, err)
	require.Len(t, instances, 1)

	inst := instances[0]
	assert.Equal(t, vm1UUID, inst.ID)
	assert.Equal(t, "instance-00000001", inst.Name)
	assert.Equal(t, "web-1", inst.DisplayName)
	assert.Equal(t, "m1.small", inst.FlavorName)
	assert.Equal(t, "p-1", inst.ProjectID)
	assert.Equal(t, "u-1", inst.UserID)
}

func TestDiscoverListError(t *testing.T) {
	boom := errors.New("connection reset")
	conn := &libvirttest.Conn{Errors: map[string]error{"ConnectListAllDomains": boom}}

	_, err := Discover(conn, log.NewNopLogger())
	assert.ErrorIs(t, err, boom)
}
