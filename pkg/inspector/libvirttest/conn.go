// Package libvirttest provides an in-memory libvirt connection for tests.
package libvirttest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// ErrNoDomain is the error libvirt returns for an unknown domain.
var ErrNoDomain = libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found"}

// ErrUnsupported is the error libvirt returns for an unsupported operation.
var ErrUnsupported = libvirt.Error{Code: uint32(libvirt.ErrOperationUnsupported), Message: "Operation not supported"}

// BlockStats are the counters DomainBlockStats returns for a disk.
type BlockStats struct {
	RdReq, RdBytes, WrReq, WrBytes, Errs int64
}

// BlockInfo is what DomainGetBlockInfo returns for a disk.
type BlockInfo struct {
	Allocation, Capacity, Physical uint64
}

// Domain is a fake libvirt domain.
type Domain struct {
	Name   string
	UUID   libvirt.UUID
	XML    string
	Active bool
	State  libvirt.DomainState

	MaxMemKiB uint64
	MemKiB    uint64
	VCPUs     uint16

	BlockStats  map[string]BlockStats
	BlockInfo   map[string]BlockInfo
	MemoryStats []libvirt.DomainMemoryStat
}

// Pool is a fake storage pool.
type Pool struct {
	Name                            string
	Capacity, Allocation, Available uint64
}

// Network is a fake virtual network.
type Network struct {
	Name   string
	UUID   libvirt.UUID
	XML    string
	Leases []libvirt.NetworkDhcpLease
}

// Conn is an in-memory stand-in for *libvirt.Libvirt. Errors set in Errors,
// keyed by method name, are returned by that method.
type Conn struct {
	Domains  []*Domain
	Pools    []Pool
	Networks []Network

	NodeMemoryKiB uint64
	NodeCPUs      int32

	Errors map[string]error

	mu    sync.Mutex
	calls map[string]int
}

// Calls returns how often method was called.
func (c *Conn) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Conn) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[method]++
	return c.Errors[method]
}

func (c *Conn) domain(dom libvirt.Domain) (*Domain, error) {
	for _, d := range c.Domains {
		if d.Name == dom.Name {
			return d, nil
		}
	}
	return nil, ErrNoDomain
}

func (c *Conn) ConnectListAllDomains(_ int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	if err := c.record("ConnectListAllDomains"); err != nil {
		return nil, 0, err
	}
	var domains []libvirt.Domain
	for _, d := range c.Domains {
		if flags&libvirt.ConnectListDomainsActive != 0 && !d.Active {
			continue
		}
		domains = append(domains, libvirt.Domain{Name: d.Name, UUID: d.UUID})
	}
	return domains, uint32(len(domains)), nil
}

func (c *Conn) DomainLookupByName(name string) (libvirt.Domain, error) {
	if err := c.record("DomainLookupByName"); err != nil {
		return libvirt.Domain{}, err
	}
	d, err := c.domain(libvirt.Domain{Name: name})
	if err != nil {
		return libvirt.Domain{}, err
	}
	return libvirt.Domain{Name: d.Name, UUID: d.UUID}, nil
}

func (c *Conn) DomainGetXMLDesc(dom libvirt.Domain, _ libvirt.DomainXMLFlags) (string, error) {
	if err := c.record("DomainGetXMLDesc"); err != nil {
		return "", err
	}
	d, err := c.domain(dom)
	if err != nil {
		return "", err
	}
	return d.XML, nil
}

func (c *Conn) DomainIsActive(dom libvirt.Domain) (int32, error) {
	if err := c.record("DomainIsActive"); err != nil {
		return 0, err
	}
	d, err := c.domain(dom)
	if err != nil {
		return 0, err
	}
	if d.Active {
		return 1, nil
	}
	return 0, nil
}

func (c *Conn) DomainGetInfo(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
	if err := c.record("DomainGetInfo"); err != nil {
		return 0, 0, 0, 0, 0, err
	}
	d, err := c.domain(dom)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	return uint8(d.State), d.MaxMemKiB, d.MemKiB, d.VCPUs, 0, nil
}

func (c *Conn) DomainBlockStats(dom libvirt.Domain, path string) (int64, int64, int64, int64, int64, error) {
	if err := c.record("DomainBlockStats"); err != nil {
		return 0, 0, 0, 0, 0, err
	}
	d, err := c.domain(dom)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	s, ok := d.BlockStats[path]
	if !ok {
		return 0, 0, 0, 0, 0, libvirt.Error{Code: uint32(libvirt.ErrInvalidArg), Message: "invalid path " + path}
	}
	return s.RdReq, s.RdBytes, s.WrReq, s.WrBytes, s.Errs, nil
}

func (c *Conn) DomainGetBlockInfo(dom libvirt.Domain, path string, _ uint32) (uint64, uint64, uint64, error) {
	if err := c.record("DomainGetBlockInfo"); err != nil {
		return 0, 0, 0, err
	}
	d, err := c.domain(dom)
	if err != nil {
		return 0, 0, 0, err
	}
	info, ok := d.BlockInfo[path]
	if !ok {
		return 0, 0, 0, libvirt.Error{Code: uint32(libvirt.ErrInvalidArg), Message: "invalid path " + path}
	}
	return info.Allocation, info.Capacity, info.Physical, nil
}

func (c *Conn) DomainMemoryStats(dom libvirt.Domain, _ uint32, _ uint32) ([]libvirt.DomainMemoryStat, error) {
	if err := c.record("DomainMemoryStats"); err != nil {
		return nil, err
	}
	d, err := c.domain(dom)
	if err != nil {
		return nil, err
	}
	return d.MemoryStats, nil
}

func (c *Conn) NodeGetInfo() ([32]int8, uint64, int32, int32, int32, int32, int32, int32, error) {
	var model [32]int8
	if err := c.record("NodeGetInfo"); err != nil {
		return model, 0, 0, 0, 0, 0, 0, 0, err
	}
	return model, c.NodeMemoryKiB, c.NodeCPUs, 0, 1, 1, c.NodeCPUs, 1, nil
}

func (c *Conn) ConnectListAllStoragePools(_ int32, _ libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	if err := c.record("ConnectListAllStoragePools"); err != nil {
		return nil, 0, err
	}
	pools := make([]libvirt.StoragePool, 0, len(c.Pools))
	for _, p := range c.Pools {
		pools = append(pools, libvirt.StoragePool{Name: p.Name})
	}
	return pools, uint32(len(pools)), nil
}

func (c *Conn) StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	if err := c.record("StoragePoolGetInfo"); err != nil {
		return 0, 0, 0, 0, err
	}
	for _, p := range c.Pools {
		if p.Name == pool.Name {
			return 2, p.Capacity, p.Allocation, p.Available, nil
		}
	}
	return 0, 0, 0, 0, libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "Storage pool not found"}
}

func (c *Conn) ConnectListAllNetworks(_ int32, _ libvirt.ConnectListAllNetworksFlags) ([]libvirt.Network, uint32, error) {
	if err := c.record("ConnectListAllNetworks"); err != nil {
		return nil, 0, err
	}
	nets := make([]libvirt.Network, 0, len(c.Networks))
	for _, n := range c.Networks {
		nets = append(nets, libvirt.Network{Name: n.Name, UUID: n.UUID})
	}
	return nets, uint32(len(nets)), nil
}

func (c *Conn) network(net libvirt.Network) (Network, error) {
	for _, n := range c.Networks {
		if n.Name == net.Name {
			return n, nil
		}
	}
	return Network{}, libvirt.Error{Code: uint32(libvirt.ErrNoNetwork), Message: "Network not found"}
}

func (c *Conn) NetworkGetXMLDesc(net libvirt.Network, _ uint32) (string, error) {
	if err := c.record("NetworkGetXMLDesc"); err != nil {
		return "", err
	}
	n, err := c.network(net)
	if err != nil {
		return "", err
	}
	return n.XML, nil
}

func (c *Conn) NetworkGetDhcpLeases(net libvirt.Network, _ libvirt.OptString, _ int32, _ uint32) ([]libvirt.NetworkDhcpLease, uint32, error) {
	if err := c.record("NetworkGetDhcpLeases"); err != nil {
		return nil, 0, err
	}
	n, err := c.network(net)
	if err != nil {
		return nil, 0, err
	}
	return n.Leases, uint32(len(n.Leases)), nil
}

// UUID parses s into a libvirt UUID and panics on malformed input.
func UUID(s string) libvirt.UUID {
	return libvirt.UUID(uuid.MustParse(s))
}

// Disk is a disk of a DomainSpec.
type Disk struct {
	Device string // disk, cdrom
	Target string
}

// DomainSpec describes the XML of a fake domain.
type DomainSpec struct {
	Name        string
	UUID        string
	DisplayName string
	Flavor      string
	ProjectID   string
	ProjectName string
	UserID      string
	UserName    string
	Disks       []Disk
	MACs        []string
}

// DomainXML renders spec as a libvirt domain description with Nova metadata.
func DomainXML(spec DomainSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<domain type='kvm'>\n  <name>%s</name>\n  <uuid>%s</uuid>\n", spec.Name, spec.UUID)
	b.WriteString("  <metadata>\n    <nova:instance xmlns:nova=\"http://openstack.org/xmlns/libvirt/nova/1.0\">\n")
	fmt.Fprintf(&b, "      <nova:name>%s</nova:name>\n", spec.DisplayName)
	fmt.Fprintf(&b, "      <nova:flavor name=\"%s\"/>\n", spec.Flavor)
	b.WriteString("      <nova:owner>\n")
	fmt.Fprintf(&b, "        <nova:user uuid=\"%s\">%s</nova:user>\n", spec.UserID, spec.UserName)
	fmt.Fprintf(&b, "        <nova:project uuid=\"%s\">%s</nova:project>\n", spec.ProjectID, spec.ProjectName)
	b.WriteString("      </nova:owner>\n    </nova:instance>\n  </metadata>\n")
	b.WriteString("  <os>\n    <type arch='x86_64' machine='pc-i440fx'>hvm</type>\n  </os>\n  <devices>\n")
	for _, disk := range spec.Disks {
		fmt.Fprintf(&b, "    <disk type='file' device='%s'>\n      <target dev='%s' bus='virtio'/>\n    </disk>\n", disk.Device, disk.Target)
	}
	for _, mac := range spec.MACs {
		fmt.Fprintf(&b, "    <interface type='network'>\n      <mac address='%s'/>\n    </interface>\n", mac)
	}
	b.WriteString("  </devices>\n</domain>\n")
	return b.String()
}
