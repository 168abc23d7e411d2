// Package sample defines the normalized metric record produced by pollsters.
package sample

import "time"

// Type tells whether a sample is a counter or a point-in-time value.
type Type string

const (
	// Cumulative samples increase monotonically since some epoch.
	Cumulative Type = "cumulative"
	// Gauge samples are instantaneous values that may rise or fall.
	Gauge Type = "gauge"
)

// Meter is the fixed part of a sample: what is measured and how.
type Meter struct {
	Name string
	Type Type
	Unit string
}

// Sample is one emitted metric data point.
type Sample struct {
	Name       string
	Type       Type
	Unit       string
	Volume     float64
	UserID     string
	ProjectID  string
	ResourceID string
	Timestamp  time.Time

	// ResourceMetadata describes the measured resource. It is built per
	// sample and never shared with the cache.
	ResourceMetadata map[string]interface{}
}

// New builds a sample for meter m.
func New(m Meter, volume float64, resourceID string, ts time.Time) Sample {
	return Sample{
		Name:             m.Name,
		Type:             m.Type,
		Unit:             m.Unit,
		Volume:           volume,
		ResourceID:       resourceID,
		Timestamp:        ts,
		ResourceMetadata: map[string]interface{}{},
	}
}

// Meter returns the meter the sample was built for.
func (s Sample) Meter() Meter {
	return Meter{Name: s.Name, Type: s.Type, Unit: s.Unit}
}
