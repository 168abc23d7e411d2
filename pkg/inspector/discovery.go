package inspector

import (
	"encoding/xml"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/inovex/prometheus-libvirt-exporter/libvirt_schema"
)

// Discover lists the running domains of a libvirt host as instances enriched
// with their Nova metadata. Domains whose description cannot be read are
// logged and left out.
func Discover(conn Conn, logger log.Logger) ([]Instance, error) {
	domains, _, err := conn.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		_ = level.Error(logger).Log("err", "failed to load domains", "msg", err)
		return nil, err
	}

	instances := make([]Instance, 0, len(domains))
	for _, domain := range domains {
		xmlDesc, err := conn.DomainGetXMLDesc(domain, 0)
		if err != nil {
			_ = level.Error(logger).Log("err", "failed to DomainGetXMLDesc", "domain", domain.Name, "msg", err)
			continue
		}
		var schema libvirt_schema.Domain
		if err = xml.Unmarshal([]byte(xmlDesc), &schema); err != nil {
			_ = level.Error(logger).Log("err", "failed to unmarshal domain", "domain", domain.Name, "msg", err)
			continue
		}
		instances = append(instances, instanceFromSchema(domain, schema))
	}
	return instances, nil
}

func instanceFromSchema(domain libvirt.Domain, schema libvirt_schema.Domain) Instance {
	nova := schema.Metadata.NovaInstance
	return Instance{
		ID:          uuid.UUID(domain.UUID).String(),
		Name:        domain.Name,
		DisplayName: nova.Name,
		FlavorName:  nova.Flavor.FlavorName,
		ProjectID:   nova.Owner.Project.ProjectId,
		ProjectName: nova.Owner.Project.ProjectName,
		UserID:      nova.Owner.User.UserId,
		UserName:    nova.Owner.User.UserName,
		OSType:      schema.OSMetadata.Type.Value,
		Arch:        schema.OSMetadata.Type.Arch,
	}
}
