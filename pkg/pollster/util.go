package pollster

import (
	"sync"
	"time"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

// now is replaced in tests.
var now = time.Now

// fromInstance builds a sample owned by inst.
func fromInstance(inst inspector.Instance, m sample.Meter, volume float64, resourceID string) sample.Sample {
	s := sample.New(m, volume, resourceID, now())
	s.UserID = inst.UserID
	s.ProjectID = inst.ProjectID
	s.ResourceMetadata["instance_id"] = inst.ID
	s.ResourceMetadata["name"] = inst.Name
	s.ResourceMetadata["display_name"] = inst.DisplayName
	s.ResourceMetadata["flavor"] = inst.FlavorName
	s.ResourceMetadata["project_name"] = inst.ProjectName
	s.ResourceMetadata["user_name"] = inst.UserName
	if inst.OSType != "" {
		s.ResourceMetadata["os_type"] = inst.OSType
	}
	if inst.Arch != "" {
		s.ResourceMetadata["architecture"] = inst.Arch
	}
	return s
}

// pollClock remembers when a pollster last polled.
type pollClock struct {
	mu   sync.Mutex
	last time.Time
}

// record returns the time since the previous call, zero on the first, and
// remembers the current time.
func (c *pollClock) record() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := now()
	var d time.Duration
	if !c.last.IsZero() {
		d = t.Sub(c.last)
	}
	c.last = t
	return d
}
