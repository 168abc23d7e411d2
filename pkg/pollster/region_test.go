package pollster

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
)

type fakeNetworks struct {
	networks []inspector.Network
	subnets  map[string]inspector.Subnet
	fips     []inspector.FloatingIP
	routers  []inspector.Router
	err      error
}

func (f *fakeNetworks) ListNetworks(context.Context) ([]inspector.Network, error) {
	return f.networks, f.err
}

func (f *fakeNetworks) ShowSubnet(_ context.Context, id string) (inspector.Subnet, error) {
	s, ok := f.subnets[id]
	if !ok {
		return inspector.Subnet{}, fmt.Errorf("subnet %s not found", id)
	}
	return s, nil
}

func (f *fakeNetworks) ListFloatingIPs(context.Context) ([]inspector.FloatingIP, error) {
	return f.fips, nil
}

func (f *fakeNetworks) ListRouters(context.Context) ([]inspector.Router, error) {
	return f.routers, nil
}

func regionNetworks() *fakeNetworks {
	return &fakeNetworks{
		networks: []inspector.Network{
			{ID: "n1", Name: "public", Subnets: []string{"s1", "s2"}},
			{ID: "n2", Name: "private", Subnets: []string{"s3"}},
		},
		subnets: map[string]inspector.Subnet{
			"s1": {ID: "s1", CIDR: "203.0.113.0/24", AllocationPools: []inspector.AllocationPool{
				{Start: "203.0.113.10", End: "203.0.113.19"},
				{Start: "203.0.113.100", End: "203.0.113.100"},
			}},
			"s2": {ID: "s2", CIDR: "198.51.100.0/24", AllocationPools: []inspector.AllocationPool{
				{Start: "198.51.100.0", End: "198.51.100.255"},
			}},
			"s3": {ID: "s3", CIDR: "10.0.0.0/24", AllocationPools: []inspector.AllocationPool{
				{Start: "10.0.0.2", End: "10.0.0.254"},
			}},
		},
		fips: []inspector.FloatingIP{
			{FloatingIPAddress: "203.0.113.11", FixedIPAddress: "10.0.0.5"},
			{FloatingIPAddress: "203.0.113.12"},
			{FloatingIPAddress: "198.51.100.7", FixedIPAddress: "10.0.0.6"},
			{FloatingIPAddress: "10.0.0.9", FixedIPAddress: "10.0.0.9"},
			{FloatingIPAddress: "garbage"},
		},
		routers: []inspector.Router{
			{ID: "r1", ExternalFixedIPs: []inspector.ExternalFixedIP{{SubnetID: "s1", IPAddress: "203.0.113.1"}}},
			{ID: "r2", ExternalFixedIPs: []inspector.ExternalFixedIP{{SubnetID: "s3", IPAddress: "10.0.0.1"}}},
		},
	}
}

func TestRegionPollster(t *testing.T) {
	region := Region{Name: "RegionOne", Location: "Trento", Latitude: 46.07, Netlist: []string{"public"}, CPUAllocationRatio: 16}
	p := NewRegion(regionNetworks(), region)

	samples := collect(p, Manager{}, pollcache.New(), vm1)
	require.Len(t, samples, 3)

	got := make(map[string]float64)
	for _, s := range samples {
		got[s.Name] = s.Volume
		assert.Equal(t, "RegionOne", s.ResourceID)
		assert.Equal(t, "#", s.Unit)
	}
	assert.Equal(t, map[string]float64{
		"region.pool_ip":      10 + 1 + 256,
		"region.allocated_ip": 3 + 1,
		"region.used_ip":      2 + 1,
	}, got)

	md := samples[0].ResourceMetadata
	assert.Equal(t, "RegionOne", md["name"])
	assert.Equal(t, "Trento", md["location"])
	assert.Equal(t, 46.07, md["latitude"])
	assert.Equal(t, 0.0, md["longitude"])
	assert.Nil(t, md["ram_allocation_ratio"])
	assert.Equal(t, float64(16), md["cpu_allocation_ratio"])

	md["name"] = "changed"
	assert.Equal(t, "RegionOne", samples[1].ResourceMetadata["name"])
}

func TestRegionPollsterEmptyNetlist(t *testing.T) {
	p := NewRegion(regionNetworks(), Region{Name: "RegionOne"})

	samples := collect(p, Manager{}, pollcache.New())
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.Zero(t, s.Volume, s.Name)
	}
}

func TestRegionPollsterError(t *testing.T) {
	nets := regionNetworks()
	nets.err = errors.New("neutron unavailable")
	obs := &observed{}

	samples := collect(NewRegion(nets, Region{Name: "RegionOne", Netlist: []string{"public"}}), Manager{Observer: obs.observe}, pollcache.New())
	assert.Empty(t, samples)
	assert.Equal(t, []string{"region/failed"}, obs.outcomes)
}

func TestRegionPollsterMissingSubnet(t *testing.T) {
	nets := regionNetworks()
	delete(nets.subnets, "s2")

	samples := collect(NewRegion(nets, Region{Name: "RegionOne", Netlist: []string{"public"}}), Manager{}, pollcache.New())
	assert.Empty(t, samples)
}
