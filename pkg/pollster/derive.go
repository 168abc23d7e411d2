package pollster

import (
	"fmt"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

// Deriver turns one field of an aggregate into the samples of one meter.
// Derive must not modify agg.
type Deriver interface {
	Meter() sample.Meter
	Derive(inst inspector.Instance, agg *pollcache.Aggregate) []sample.Sample
}

type totalDeriver struct {
	meter sample.Meter
	field string
}

// Total returns a Deriver emitting one sample per instance with the sum of
// field over all devices. The sample lists the contributing devices in its
// "device" metadata.
func Total(meter sample.Meter, field string) Deriver {
	return totalDeriver{meter: meter, field: field}
}

func (d totalDeriver) Meter() sample.Meter { return d.meter }

func (d totalDeriver) Derive(inst inspector.Instance, agg *pollcache.Aggregate) []sample.Sample {
	s := fromInstance(inst, d.meter, agg.Total(d.field), inst.ID)
	s.ResourceMetadata["device"] = agg.Devices(d.field)
	return []sample.Sample{s}
}

type perDeviceDeriver struct {
	meter sample.Meter
	field string
}

// PerDevice returns a Deriver emitting one sample per device reading of
// field, with resource id "{instance id}-{device}".
func PerDevice(meter sample.Meter, field string) Deriver {
	return perDeviceDeriver{meter: meter, field: field}
}

func (d perDeviceDeriver) Meter() sample.Meter { return d.meter }

func (d perDeviceDeriver) Derive(inst inspector.Instance, agg *pollcache.Aggregate) []sample.Sample {
	values := agg.PerDevice(d.field)
	samples := make([]sample.Sample, 0, len(values))
	for _, v := range values {
		samples = append(samples, fromInstance(inst, d.meter, v.Value, fmt.Sprintf("%s-%s", inst.ID, v.Device)))
	}
	return samples
}
