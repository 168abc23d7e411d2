package inspector

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/inovex/prometheus-libvirt-exporter/libvirt_schema"
	"inet.af/netaddr"
)

// networkSchema is the part of a libvirt network XML description we read.
type networkSchema struct {
	Name string      `xml:"name"`
	UUID string      `xml:"uuid"`
	IPs  []networkIP `xml:"ip"`
}

type networkIP struct {
	Address string `xml:"address,attr"`
	Netmask string `xml:"netmask,attr"`
	Prefix  string `xml:"prefix,attr"`
	DHCP    struct {
		Ranges []struct {
			Start string `xml:"start,attr"`
			End   string `xml:"end,attr"`
		} `xml:"range"`
	} `xml:"dhcp"`
}

// cidr returns the network block of ip in CIDR notation.
func (ip networkIP) cidr() (string, error) {
	addr, err := netaddr.ParseIP(ip.Address)
	if err != nil {
		return "", err
	}

	var bits int
	switch {
	case ip.Prefix != "":
		if bits, err = strconv.Atoi(ip.Prefix); err != nil {
			return "", fmt.Errorf("invalid prefix %q: %w", ip.Prefix, err)
		}
	case ip.Netmask != "":
		mask := net.ParseIP(ip.Netmask).To4()
		if mask == nil {
			return "", fmt.Errorf("invalid netmask %q", ip.Netmask)
		}
		bits, _ = net.IPMask(mask).Size()
	default:
		bits = int(addr.BitLen())
	}
	if bits < 0 || bits > int(addr.BitLen()) {
		return "", fmt.Errorf("invalid prefix length %d for %s", bits, ip.Address)
	}

	prefix, err := addr.Prefix(uint8(bits))
	if err != nil {
		return "", err
	}
	return prefix.String(), nil
}

// LibvirtNetworks exposes libvirt virtual networks as a NetworkSource.
//
// Each <ip> element of a network is a subnet whose allocation pools are its
// DHCP ranges. DHCP leases are the addresses taken from those pools; a lease
// counts as bound when its MAC belongs to an interface of a running domain.
// libvirt has no routers.
type LibvirtNetworks struct {
	conn   Conn
	logger log.Logger

	mu      sync.Mutex
	subnets map[string]Subnet
}

var _ NetworkSource = (*LibvirtNetworks)(nil)

// NewLibvirtNetworks returns a NetworkSource backed by conn.
func NewLibvirtNetworks(conn Conn, logger log.Logger) *LibvirtNetworks {
	return &LibvirtNetworks{conn: conn, logger: logger, subnets: make(map[string]Subnet)}
}

func (n *LibvirtNetworks) ListNetworks(ctx context.Context) ([]Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nets, _, err := n.conn.ConnectListAllNetworks(1, 0)
	if err != nil {
		return nil, err
	}

	networks := make([]Network, 0, len(nets))
	for _, lvnet := range nets {
		xmlDesc, err := n.conn.NetworkGetXMLDesc(lvnet, 0)
		if err != nil {
			_ = level.Warn(n.logger).Log("warn", "failed to NetworkGetXMLDesc", "network", lvnet.Name, "msg", err)
			continue
		}
		var schema networkSchema
		if err = xml.Unmarshal([]byte(xmlDesc), &schema); err != nil {
			_ = level.Warn(n.logger).Log("warn", "failed to unmarshal network", "network", lvnet.Name, "msg", err)
			continue
		}

		network := Network{ID: uuid.UUID(lvnet.UUID).String(), Name: lvnet.Name}
		for idx, ip := range schema.IPs {
			subnet := Subnet{ID: fmt.Sprintf("%s/%d", lvnet.Name, idx)}
			if subnet.CIDR, err = ip.cidr(); err != nil {
				_ = level.Warn(n.logger).Log("warn", "failed to read network address", "network", lvnet.Name, "msg", err)
				continue
			}
			for _, r := range ip.DHCP.Ranges {
				subnet.AllocationPools = append(subnet.AllocationPools, AllocationPool{Start: r.Start, End: r.End})
			}
			n.mu.Lock()
			n.subnets[subnet.ID] = subnet
			n.mu.Unlock()
			network.Subnets = append(network.Subnets, subnet.ID)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// ShowSubnet returns a subnet seen by the last ListNetworks call.
func (n *LibvirtNetworks) ShowSubnet(_ context.Context, id string) (Subnet, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subnet, ok := n.subnets[id]
	if !ok {
		return Subnet{}, fmt.Errorf("subnet %s not found", id)
	}
	return subnet, nil
}

func (n *LibvirtNetworks) ListFloatingIPs(ctx context.Context) ([]FloatingIP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bound, err := n.activeMACs()
	if err != nil {
		return nil, err
	}

	nets, _, err := n.conn.ConnectListAllNetworks(1, 0)
	if err != nil {
		return nil, err
	}
	var ips []FloatingIP
	for _, lvnet := range nets {
		leases, _, err := n.conn.NetworkGetDhcpLeases(lvnet, nil, 1, 0)
		if err != nil {
			_ = level.Warn(n.logger).Log("warn", "failed to NetworkGetDhcpLeases", "network", lvnet.Name, "msg", err)
			continue
		}
		for _, lease := range leases {
			ip := FloatingIP{FloatingIPAddress: lease.Ipaddr}
			if len(lease.Mac) > 0 && bound[strings.ToLower(lease.Mac[0])] {
				ip.FixedIPAddress = lease.Ipaddr
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (n *LibvirtNetworks) ListRouters(context.Context) ([]Router, error) {
	return nil, nil
}

// activeMACs returns the MAC addresses of the interfaces of running domains.
func (n *LibvirtNetworks) activeMACs() (map[string]bool, error) {
	domains, _, err := n.conn.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return nil, err
	}
	macs := make(map[string]bool)
	for _, domain := range domains {
		xmlDesc, err := n.conn.DomainGetXMLDesc(domain, 0)
		if err != nil {
			_ = level.Warn(n.logger).Log("warn", "failed to DomainGetXMLDesc", "domain", domain.Name, "msg", err)
			continue
		}
		var schema libvirt_schema.Domain
		if err = xml.Unmarshal([]byte(xmlDesc), &schema); err != nil {
			_ = level.Warn(n.logger).Log("warn", "failed to unmarshal domain", "domain", domain.Name, "msg", err)
			continue
		}
		for _, iface := range schema.Devices.Interfaces {
			if iface.MAC.Address != "" {
				macs[strings.ToLower(iface.MAC.Address)] = true
			}
		}
	}
	return macs, nil
}
