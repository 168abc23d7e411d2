package inspector

import (
	"context"
	"encoding/xml"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/inovex/prometheus-libvirt-exporter/libvirt_schema"
)

const (
	kib = 1024
	gib = 1024 * 1024 * 1024
)

// LibvirtHost reports host capacity from libvirt node, domain and storage pool
// information.
//
// The total row is the node memory, its CPUs and the capacity of all storage
// pools. The now row is what running domains use plus the pool allocation.
// The max row is what all defined domains are assigned, with disk being the
// sum of their disk capacities.
type LibvirtHost struct {
	conn   Conn
	logger log.Logger
}

var _ HostSource = (*LibvirtHost)(nil)

// NewLibvirtHost returns a HostSource backed by conn.
func NewLibvirtHost(conn Conn, logger log.Logger) *LibvirtHost {
	return &LibvirtHost{conn: conn, logger: logger}
}

func (h *LibvirtHost) HostResources(ctx context.Context) ([]HostResources, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, rMemory, rCpus, _, _, _, _, _, err := h.conn.NodeGetInfo()
	if err != nil {
		return nil, err
	}
	total := HostResources{MemoryMB: float64(rMemory) / kib, CPU: float64(rCpus)}
	var now, assigned HostResources

	pools, _, err := h.conn.ConnectListAllStoragePools(1, 0)
	if err != nil {
		return nil, err
	}
	for _, pool := range pools {
		_, rCapacity, rAllocation, _, err := h.conn.StoragePoolGetInfo(pool)
		if err != nil {
			_ = level.Warn(h.logger).Log("warn", "failed to get StoragePoolInfo for pool", "pool", pool.Name, "msg", err)
			continue
		}
		total.DiskGB += float64(rCapacity) / gib
		now.DiskGB += float64(rAllocation) / gib
	}

	domains, _, err := h.conn.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, err
	}
	for _, domain := range domains {
		rState, rMaxMem, rMemory, rNrVirtCPU, _, err := h.conn.DomainGetInfo(domain)
		if err != nil {
			_ = level.Warn(h.logger).Log("warn", "failed to get domainInfo", "domain", domain.Name, "msg", err)
			continue
		}
		assigned.MemoryMB += float64(rMaxMem) / kib
		assigned.CPU += float64(rNrVirtCPU)
		if libvirt.DomainState(rState) == libvirt.DomainRunning {
			now.MemoryMB += float64(rMemory) / kib
			now.CPU += float64(rNrVirtCPU)
		}
		assigned.DiskGB += h.domainDiskCapacity(domain) / gib
	}

	return []HostResources{total, now, assigned}, nil
}

// domainDiskCapacity sums the logical size of the disks of domain, in bytes.
func (h *LibvirtHost) domainDiskCapacity(domain libvirt.Domain) float64 {
	xmlDesc, err := h.conn.DomainGetXMLDesc(domain, 0)
	if err != nil {
		_ = level.Warn(h.logger).Log("warn", "failed to DomainGetXMLDesc", "domain", domain.Name, "msg", err)
		return 0
	}
	var schema libvirt_schema.Domain
	if err = xml.Unmarshal([]byte(xmlDesc), &schema); err != nil {
		_ = level.Warn(h.logger).Log("warn", "failed to unmarshal domain", "domain", domain.Name, "msg", err)
		return 0
	}

	var capacity float64
	for _, device := range diskTargets(schema) {
		_, rCapacity, _, err := h.conn.DomainGetBlockInfo(domain, device, 0)
		if err != nil {
			_ = level.Warn(h.logger).Log("warn", "failed to get BlockInfo", "domain", domain.Name, "target_device", device, "msg", err)
			continue
		}
		capacity += float64(rCapacity)
	}
	return capacity
}
