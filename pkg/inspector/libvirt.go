package inspector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/digitalocean/go-libvirt"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/inovex/prometheus-libvirt-exporter/libvirt_schema"
)

// Conn is the part of the libvirt RPC client used by this package.
type Conn interface {
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	DomainIsActive(Dom libvirt.Domain) (int32, error)
	DomainGetInfo(Dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	DomainBlockStats(Dom libvirt.Domain, Path string) (int64, int64, int64, int64, int64, error)
	DomainGetBlockInfo(Dom libvirt.Domain, Path string, Flags uint32) (uint64, uint64, uint64, error)
	DomainMemoryStats(Dom libvirt.Domain, MaxStats uint32, Flags uint32) ([]libvirt.DomainMemoryStat, error)
	NodeGetInfo() ([32]int8, uint64, int32, int32, int32, int32, int32, int32, error)
	ConnectListAllStoragePools(NeedResults int32, Flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error)
	StoragePoolGetInfo(Pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error)
	ConnectListAllNetworks(NeedResults int32, Flags libvirt.ConnectListAllNetworksFlags) ([]libvirt.Network, uint32, error)
	NetworkGetXMLDesc(Net libvirt.Network, Flags uint32) (string, error)
	NetworkGetDhcpLeases(Net libvirt.Network, Mac libvirt.OptString, NeedResults int32, Flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error)
}

var _ Conn = (*libvirt.Libvirt)(nil)

// wrapError maps libvirt error codes onto the inspector error kinds, keeping
// the original error in the chain.
func wrapError(domain string, err error) error {
	var lverr libvirt.Error
	if errors.As(err, &lverr) {
		switch libvirt.ErrorNumber(lverr.Code) {
		case libvirt.ErrNoDomain:
			return fmt.Errorf("domain %s: %w: %w", domain, ErrInstanceNotFound, err)
		case libvirt.ErrOperationUnsupported, libvirt.ErrNoSupport:
			return fmt.Errorf("domain %s: %w: %w", domain, ErrNotImplemented, err)
		}
	}
	return fmt.Errorf("domain %s: %w", domain, err)
}

// diskCounters is the last DomainBlockStats reading of one disk.
type diskCounters struct {
	readBytes, readRequests, writeBytes, writeRequests int64
	readAt                                             time.Time
}

// Baselines keeps the previous disk counters of every inspected disk so rates
// can be derived from deltas. It outlives a single libvirt connection;
// entries of disks that stop being inspected expire after the TTL.
type Baselines struct {
	store *cache.Cache[string, diskCounters]
	ttl   time.Duration
}

// NewBaselines returns an empty baseline store whose entries live for ttl.
func NewBaselines(ttl time.Duration) *Baselines {
	return &Baselines{store: cache.New[string, diskCounters](), ttl: ttl}
}

// swap stores cur for key and returns the value it replaced.
func (b *Baselines) swap(key string, cur diskCounters) (diskCounters, bool) {
	prev, ok := b.store.Get(key)
	b.store.Set(key, cur, cache.WithExpiration(b.ttl))
	return prev, ok
}

// Libvirt inspects domains through a libvirt connection.
type Libvirt struct {
	conn      Conn
	baselines *Baselines
	logger    log.Logger
	now       func() time.Time
}

var _ Inspector = (*Libvirt)(nil)

// NewLibvirt returns an Inspector backed by conn.
func NewLibvirt(conn Conn, baselines *Baselines, logger log.Logger) *Libvirt {
	return &Libvirt{conn: conn, baselines: baselines, logger: logger, now: time.Now}
}

// lookup resolves the running domain of inst and its parsed XML description.
func (l *Libvirt) lookup(ctx context.Context, inst Instance) (libvirt.Domain, libvirt_schema.Domain, error) {
	var schema libvirt_schema.Domain
	if err := ctx.Err(); err != nil {
		return libvirt.Domain{}, schema, err
	}

	dom, err := l.conn.DomainLookupByName(inst.Name)
	if err != nil {
		return dom, schema, wrapError(inst.Name, err)
	}
	active, err := l.conn.DomainIsActive(dom)
	if err != nil {
		return dom, schema, wrapError(inst.Name, err)
	}
	if active != 1 {
		return dom, schema, fmt.Errorf("domain %s: %w", inst.Name, ErrInstanceShutOff)
	}

	xmlDesc, err := l.conn.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return dom, schema, wrapError(inst.Name, err)
	}
	if err = xml.Unmarshal([]byte(xmlDesc), &schema); err != nil {
		return dom, schema, fmt.Errorf("domain %s: failed to unmarshal domain: %w", inst.Name, err)
	}
	return dom, schema, nil
}

// diskTargets lists the target devices of the block disks of a domain.
// Optical and floppy drives are skipped.
func diskTargets(schema libvirt_schema.Domain) []string {
	var targets []string
	for _, disk := range schema.Devices.Disks {
		if disk.Device == "cdrom" || disk.Device == "fd" || disk.Device == "floppy" {
			continue
		}
		if disk.Target.Device == "" {
			continue
		}
		targets = append(targets, disk.Target.Device)
	}
	return targets
}

func (l *Libvirt) InspectDisks(ctx context.Context, inst Instance) ([]DiskStats, error) {
	dom, schema, err := l.lookup(ctx, inst)
	if err != nil {
		return nil, err
	}

	var stats []DiskStats
	for _, device := range diskTargets(schema) {
		rRdReq, rRdBytes, rWrReq, rWrBytes, rErrs, err := l.conn.DomainBlockStats(dom, device)
		if err != nil {
			return nil, wrapError(inst.Name, err)
		}
		stats = append(stats, DiskStats{
			Device:        device,
			ReadBytes:     rRdBytes,
			ReadRequests:  rRdReq,
			WriteBytes:    rWrBytes,
			WriteRequests: rWrReq,
			Errors:        rErrs,
		})
	}
	return stats, nil
}

// InspectDiskRates divides the counter deltas by the time elapsed since the
// baseline was read, which spans any polls that failed in between.
func (l *Libvirt) InspectDiskRates(ctx context.Context, inst Instance, _ time.Duration) ([]DiskRateStats, error) {
	stats, err := l.InspectDisks(ctx, inst)
	if err != nil {
		return nil, err
	}
	readAt := l.now()

	var rates []DiskRateStats
	for _, s := range stats {
		cur := diskCounters{
			readBytes:     s.ReadBytes,
			readRequests:  s.ReadRequests,
			writeBytes:    s.WriteBytes,
			writeRequests: s.WriteRequests,
			readAt:        readAt,
		}
		prev, ok := l.baselines.swap(inst.ID+"/"+s.Device, cur)
		if !ok {
			continue
		}
		elapsed := cur.readAt.Sub(prev.readAt)
		if elapsed <= 0 {
			continue
		}
		if cur.readBytes < prev.readBytes || cur.readRequests < prev.readRequests ||
			cur.writeBytes < prev.writeBytes || cur.writeRequests < prev.writeRequests {
			_ = level.Debug(l.logger).Log("debug", "disk counters went backwards, skipping rate", "domain", inst.Name, "target_device", s.Device)
			continue
		}

		seconds := elapsed.Seconds()
		rates = append(rates, DiskRateStats{
			Device:            s.Device,
			ReadBytesRate:     float64(cur.readBytes-prev.readBytes) / seconds,
			ReadRequestsRate:  float64(cur.readRequests-prev.readRequests) / seconds,
			WriteBytesRate:    float64(cur.writeBytes-prev.writeBytes) / seconds,
			WriteRequestsRate: float64(cur.writeRequests-prev.writeRequests) / seconds,
		})
	}
	return rates, nil
}

func (l *Libvirt) InspectDiskInfo(ctx context.Context, inst Instance) ([]DiskInfo, error) {
	dom, schema, err := l.lookup(ctx, inst)
	if err != nil {
		return nil, err
	}

	var infos []DiskInfo
	for _, device := range diskTargets(schema) {
		rAllocation, rCapacity, rPhysical, err := l.conn.DomainGetBlockInfo(dom, device, 0)
		if err != nil {
			return nil, wrapError(inst.Name, err)
		}
		infos = append(infos, DiskInfo{
			Device:     device,
			Capacity:   rCapacity,
			Allocation: rAllocation,
			Physical:   rPhysical,
		})
	}
	return infos, nil
}

// memoryStats returns the balloon statistics of inst keyed by tag, in KiB.
func (l *Libvirt) memoryStats(ctx context.Context, inst Instance) (map[int32]uint64, error) {
	dom, _, err := l.lookup(ctx, inst)
	if err != nil {
		return nil, err
	}
	rStats, err := l.conn.DomainMemoryStats(dom, uint32(libvirt.DomainMemoryStatNr), 0)
	if err != nil {
		return nil, wrapError(inst.Name, err)
	}
	stats := make(map[int32]uint64, len(rStats))
	for _, stat := range rStats {
		stats[stat.Tag] = stat.Val
	}
	return stats, nil
}

func (l *Libvirt) InspectMemoryUsage(ctx context.Context, inst Instance, _ time.Duration) (*MemoryUsageStats, error) {
	stats, err := l.memoryStats(ctx, inst)
	if err != nil {
		return nil, err
	}
	available, okAvailable := stats[int32(libvirt.DomainMemoryStatAvailable)]
	unused, okUnused := stats[int32(libvirt.DomainMemoryStatUnused)]
	if !okAvailable || !okUnused {
		_ = level.Debug(l.logger).Log("debug", "no balloon memory statistics for domain", "domain", inst.Name)
		return nil, nil
	}
	return &MemoryUsageStats{Usage: (float64(available) - float64(unused)) / 1024}, nil
}

func (l *Libvirt) InspectMemoryResident(ctx context.Context, inst Instance, _ time.Duration) (*MemoryResidentStats, error) {
	stats, err := l.memoryStats(ctx, inst)
	if err != nil {
		return nil, err
	}
	rss, ok := stats[int32(libvirt.DomainMemoryStatRss)]
	if !ok {
		return nil, fmt.Errorf("domain %s: rss statistic: %w", inst.Name, ErrNotImplemented)
	}
	return &MemoryResidentStats{Resident: float64(rss) / 1024}, nil
}
