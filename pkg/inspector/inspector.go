// Package inspector defines the collaborators pollsters read from and their
// libvirt-backed implementations.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInstanceNotFound reports an instance that vanished between discovery
	// and inspection.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrInstanceShutOff reports an instance that exists but is not running.
	// It is a kind of ErrInstanceNotFound.
	ErrInstanceShutOff = fmt.Errorf("instance shut off: %w", ErrInstanceNotFound)
	// ErrNotImplemented reports a measurement the inspector cannot provide.
	ErrNotImplemented = errors.New("not implemented by inspector")
)

// Instance is a virtual machine as enumerated for a poll cycle.
type Instance struct {
	// ID is the Nova instance UUID.
	ID string
	// Name is the hypervisor domain name, e.g. instance-0000002a.
	Name string

	DisplayName string
	FlavorName  string
	ProjectID   string
	ProjectName string
	UserID      string
	UserName    string
	OSType      string
	Arch        string
}

// DiskStats holds the I/O counters of one disk.
type DiskStats struct {
	Device        string
	ReadBytes     int64
	ReadRequests  int64
	WriteBytes    int64
	WriteRequests int64
	Errors        int64
}

// DiskRateStats holds per-second I/O rates of one disk.
type DiskRateStats struct {
	Device            string
	ReadBytesRate     float64
	ReadRequestsRate  float64
	WriteBytesRate    float64
	WriteRequestsRate float64
}

// DiskInfo holds the sizes of one disk, in bytes.
type DiskInfo struct {
	Device     string
	Capacity   uint64
	Allocation uint64
	Physical   uint64
}

// MemoryUsageStats is the memory used by the guest, in MB.
type MemoryUsageStats struct {
	Usage float64
}

// MemoryResidentStats is the resident set size of the instance process, in MB.
type MemoryResidentStats struct {
	Resident float64
}

// Inspector reads per-instance statistics from the hypervisor.
//
// Implementations return errors that match ErrInstanceNotFound or
// ErrNotImplemented through errors.Is when those conditions apply.
type Inspector interface {
	InspectDisks(ctx context.Context, inst Instance) ([]DiskStats, error)
	// InspectDiskRates returns the rates observed since the previous reading of
	// each disk. duration is the time since the caller's previous poll;
	// implementations that timestamp their readings measure the interval
	// themselves. Disks without a usable previous reading are left out.
	InspectDiskRates(ctx context.Context, inst Instance, duration time.Duration) ([]DiskRateStats, error)
	InspectDiskInfo(ctx context.Context, inst Instance) ([]DiskInfo, error)
	// InspectMemoryUsage returns nil stats when the guest reports no usable
	// memory statistics.
	InspectMemoryUsage(ctx context.Context, inst Instance, duration time.Duration) (*MemoryUsageStats, error)
	InspectMemoryResident(ctx context.Context, inst Instance, duration time.Duration) (*MemoryResidentStats, error)
}

// HostResources is one row of host capacity figures.
type HostResources struct {
	MemoryMB float64
	DiskGB   float64
	CPU      float64
}

// HostSource reports the aggregate resources of the compute host.
type HostSource interface {
	// HostResources returns the total, currently used and maximum assigned
	// rows, in that order.
	HostResources(ctx context.Context) ([]HostResources, error)
}

// Network is a tenant or provider network.
type Network struct {
	ID      string
	Name    string
	Subnets []string
}

// AllocationPool is an inclusive range of addresses handed out on a subnet.
type AllocationPool struct {
	Start string
	End   string
}

// Subnet is an address block of a network.
type Subnet struct {
	ID              string
	CIDR            string
	AllocationPools []AllocationPool
}

// FloatingIP is an address taken from a pool. FixedIPAddress is empty when
// the address is not bound to an instance.
type FloatingIP struct {
	FloatingIPAddress string
	FixedIPAddress    string
}

// ExternalFixedIP is an address a router holds on an external subnet.
type ExternalFixedIP struct {
	SubnetID  string
	IPAddress string
}

// Router is a virtual router with its external gateway addresses.
type Router struct {
	ID               string
	ExternalFixedIPs []ExternalFixedIP
}

// NetworkSource lists the networking objects of a region.
type NetworkSource interface {
	ListNetworks(ctx context.Context) ([]Network, error)
	ShowSubnet(ctx context.Context, id string) (Subnet, error)
	ListFloatingIPs(ctx context.Context) ([]FloatingIP, error)
	ListRouters(ctx context.Context) ([]Router, error)
}
