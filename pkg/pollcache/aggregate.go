package pollcache

// DeviceValue is the raw reading of one device for one field.
type DeviceValue struct {
	Device string
	Value  float64
}

// Aggregate is the rollup of one entity's per-device readings for one metric
// family. It is immutable once built: totals are computed in Build and never
// recomputed.
type Aggregate struct {
	fields    []string
	totals    map[string]float64
	perDevice map[string][]DeviceValue
}

// Total returns the sum of every device reading for field. Fields whose
// readings were all added with AddCount are summed as integers and converted
// once.
func (a *Aggregate) Total(field string) float64 {
	return a.totals[field]
}

// PerDevice returns the readings for field in the order they were added.
func (a *Aggregate) PerDevice(field string) []DeviceValue {
	values := a.perDevice[field]
	out := make([]DeviceValue, len(values))
	copy(out, values)
	return out
}

// Devices returns a snapshot of the device names contributing to field.
func (a *Aggregate) Devices(field string) []string {
	values := a.perDevice[field]
	devices := make([]string, 0, len(values))
	for _, v := range values {
		devices = append(devices, v.Device)
	}
	return devices
}

// fieldNames returns the fields that received at least one reading.
func (a *Aggregate) fieldNames() []string {
	out := make([]string, len(a.fields))
	copy(out, a.fields)
	return out
}

type reading struct {
	device string
	value  float64
	count  uint64
	// integral readings are summed in count
	integral bool
}

// Builder folds per-device readings into an Aggregate. A reading that is never
// added does not contribute; an explicit zero does.
type Builder struct {
	fields   []string
	readings map[string][]reading
	index    map[string]map[string]int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		readings: make(map[string][]reading),
		index:    make(map[string]map[string]int),
	}
}

// Add records the reading of device for field. A second reading for the same
// device and field replaces the first.
func (b *Builder) Add(device, field string, value float64) *Builder {
	return b.set(field, reading{device: device, value: value})
}

// AddCount records an integer counter reading of device for field.
func (b *Builder) AddCount(device, field string, count uint64) *Builder {
	return b.set(field, reading{device: device, value: float64(count), count: count, integral: true})
}

func (b *Builder) set(field string, r reading) *Builder {
	idx, ok := b.index[field]
	if !ok {
		idx = make(map[string]int)
		b.index[field] = idx
		b.fields = append(b.fields, field)
	}
	if i, seen := idx[r.device]; seen {
		b.readings[field][i] = r
		return b
	}
	idx[r.device] = len(b.readings[field])
	b.readings[field] = append(b.readings[field], r)
	return b
}

// Build computes the totals and returns the resulting Aggregate. The Builder
// must not be reused afterwards.
func (b *Builder) Build() *Aggregate {
	totals := make(map[string]float64, len(b.readings))
	perDevice := make(map[string][]DeviceValue, len(b.readings))
	for field, readings := range b.readings {
		values := make([]DeviceValue, 0, len(readings))
		integral := true
		var sum float64
		var count uint64
		for _, r := range readings {
			values = append(values, DeviceValue{Device: r.device, Value: r.value})
			integral = integral && r.integral
			sum += r.value
			count += r.count
		}
		if integral {
			sum = float64(count)
		}
		totals[field] = sum
		perDevice[field] = values
	}
	return &Aggregate{
		fields:    b.fields,
		totals:    totals,
		perDevice: perDevice,
	}
}
