package pollster

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"

	"github.com/go-kit/log/level"
	"inet.af/netaddr"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

// Region describes the region whose address usage is reported.
type Region struct {
	Name      string
	Location  string
	Latitude  float64
	Longitude float64
	// Netlist names the networks whose subnets make up the public pools.
	Netlist            []string
	RAMAllocationRatio float64
	CPUAllocationRatio float64
}

// metadata returns a fresh copy of the region description. Unset optional
// values are nil.
func (r Region) metadata() map[string]interface{} {
	optional := func(v interface{}, set bool) interface{} {
		if !set {
			return nil
		}
		return v
	}
	return map[string]interface{}{
		"name":                 optional(r.Name, r.Name != ""),
		"location":             optional(r.Location, r.Location != ""),
		"latitude":             r.Latitude,
		"longitude":            r.Longitude,
		"ram_allocation_ratio": optional(r.RAMAllocationRatio, r.RAMAllocationRatio != 0),
		"cpu_allocation_ratio": optional(r.CPUAllocationRatio, r.CPUAllocationRatio != 0),
	}
}

var (
	regionPoolMeter      = sample.Meter{Name: "region.pool_ip", Type: sample.Gauge, Unit: "#"}
	regionAllocatedMeter = sample.Meter{Name: "region.allocated_ip", Type: sample.Gauge, Unit: "#"}
	regionUsedMeter      = sample.Meter{Name: "region.used_ip", Type: sample.Gauge, Unit: "#"}
)

// regionPollster reports how much of the public address pools of a region is
// handed out.
type regionPollster struct {
	source inspector.NetworkSource
	region Region
}

// NewRegion returns the pollster of the region.* meters. It ignores the
// instances of the cycle.
func NewRegion(source inspector.NetworkSource, region Region) Pollster {
	return &regionPollster{source: source, region: region}
}

func (p *regionPollster) Name() string { return "region" }

func (p *regionPollster) Meters() []sample.Meter {
	return []sample.Meter{regionPoolMeter, regionAllocatedMeter, regionUsedMeter}
}

// ipUsage is the address usage of the pools of a region.
type ipUsage struct {
	pool, allocated, used float64
}

func (p *regionPollster) GetSamples(ctx context.Context, m Manager, _ *pollcache.Cache, _ []inspector.Instance) iter.Seq[sample.Sample] {
	return func(yield func(sample.Sample) bool) {
		usage, err := p.usage(ctx)
		if err != nil {
			_ = level.Error(m.logger()).Log("err", "could not get address usage for region", "region", p.region.Name, "msg", err)
			m.observe(p.Name(), SkippedFailed)
			return
		}

		ts := now()
		for _, s := range []struct {
			meter  sample.Meter
			volume float64
		}{
			{regionPoolMeter, usage.pool},
			{regionAllocatedMeter, usage.allocated},
			{regionUsedMeter, usage.used},
		} {
			smp := sample.New(s.meter, s.volume, p.region.Name, ts)
			smp.ResourceMetadata = p.region.metadata()
			if !yield(smp) {
				return
			}
		}
	}
}

func (p *regionPollster) usage(ctx context.Context) (ipUsage, error) {
	var usage ipUsage

	networks, err := p.source.ListNetworks(ctx)
	if err != nil {
		return usage, fmt.Errorf("list networks: %w", err)
	}
	var pools []netaddr.IPRange
	subnetIDs := make(map[string]bool)
	for _, network := range networks {
		if !slices.Contains(p.region.Netlist, network.Name) {
			continue
		}
		for _, id := range network.Subnets {
			subnet, err := p.source.ShowSubnet(ctx, id)
			if err != nil {
				return usage, fmt.Errorf("show subnet %s: %w", id, err)
			}
			if subnet.CIDR == "" {
				continue
			}
			subnetIDs[subnet.ID] = true
			for _, ap := range subnet.AllocationPools {
				r, err := parseRange(ap)
				if err != nil {
					return usage, fmt.Errorf("subnet %s: %w", subnet.ID, err)
				}
				pools = append(pools, r)
				usage.pool += rangeSize(r)
			}
		}
	}

	fips, err := p.source.ListFloatingIPs(ctx)
	if err != nil {
		return usage, fmt.Errorf("list floating ips: %w", err)
	}
	for _, fip := range fips {
		ip, err := netaddr.ParseIP(fip.FloatingIPAddress)
		if err != nil {
			continue
		}
		for _, r := range pools {
			if r.Contains(ip) {
				usage.allocated++
				if fip.FixedIPAddress != "" {
					usage.used++
				}
				break
			}
		}
	}

	routers, err := p.source.ListRouters(ctx)
	if err != nil {
		return usage, fmt.Errorf("list routers: %w", err)
	}
	for _, router := range routers {
		for _, fixed := range router.ExternalFixedIPs {
			if subnetIDs[fixed.SubnetID] {
				usage.allocated++
				usage.used++
			}
		}
	}
	return usage, nil
}

func parseRange(ap inspector.AllocationPool) (netaddr.IPRange, error) {
	start, err := netaddr.ParseIP(ap.Start)
	if err != nil {
		return netaddr.IPRange{}, err
	}
	end, err := netaddr.ParseIP(ap.End)
	if err != nil {
		return netaddr.IPRange{}, err
	}
	r := netaddr.IPRangeFrom(start, end)
	if !r.Valid() {
		return netaddr.IPRange{}, fmt.Errorf("invalid allocation pool %s-%s", ap.Start, ap.End)
	}
	return r, nil
}

// rangeSize counts the addresses of r, both ends included.
func rangeSize(r netaddr.IPRange) float64 {
	var size float64
	for _, prefix := range r.Prefixes() {
		size += math.Ldexp(1, int(prefix.IP().BitLen())-int(prefix.Bits()))
	}
	return size
}
