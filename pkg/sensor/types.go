package sensor

import (
	"math"
	"time"
)

// Flag classifies a single sample.
type Flag string

const (
	FlagGood    Flag = "good"
	FlagSuspect Flag = "suspect" // calibrated value outside the type's valid range
	FlagBad     Flag = "bad"     // payload present but not numeric
	FlagMissing Flag = "missing" // no value for the channel
)

// Valid reports whether samples with this flag contribute to statistics.
func (f Flag) Valid() bool {
	return f == FlagGood || f == FlagSuspect
}

// Type describes a physical quantity: unit, valid range and display precision.
type Type struct {
	Code     string   `json:"code" yaml:"code"`
	Name     string   `json:"name" yaml:"name"`
	Unit     string   `json:"unit" yaml:"unit"`
	Min      *float64 `json:"min_value,omitempty" yaml:"min"`
	Max      *float64 `json:"max_value,omitempty" yaml:"max"`
	Decimals int      `json:"decimal_places" yaml:"decimals"`
}

// LightFluxCode is the type code integrated into a Daily Light Integral.
const LightFluxCode = "ppfd"

// IsLightFlux reports whether daily roll-ups should carry a DLI total.
func (t Type) IsLightFlux() bool {
	return t.Code == LightFluxCode
}

// InRange reports whether v lies within [Min, Max]. Open bounds always pass.
func (t Type) InRange(v float64) bool {
	if t.Min != nil && v < *t.Min {
		return false
	}
	if t.Max != nil && v > *t.Max {
		return false
	}
	return true
}

// Round rounds v to the type's decimal places.
func (t Type) Round(v float64) float64 {
	p := math.Pow(10, float64(t.Decimals))
	return math.Round(v*p) / p
}

// Sensor is one physical channel: an upstream sensor id plus the key used to
// pull its scalar out of a composite payload.
type Sensor struct {
	ID                    string    `json:"sensor_id"`
	Name                  string    `json:"name,omitempty"`
	Type                  Type      `json:"type"`
	Farm                  int       `json:"farm"`
	Location              string    `json:"location,omitempty"`
	Zone                  string    `json:"zone,omitempty"`
	APISensorID           string    `json:"api_sensor_id"`
	APIValueKey           string    `json:"api_value_key"`
	CalibrationOffset     float64   `json:"calibration_offset"`
	CalibrationMultiplier float64   `json:"calibration_multiplier"`
	Active                bool      `json:"is_active"`
	LastSeen              time.Time `json:"last_seen,omitzero"`
}

// Calibrate applies the linear calibration to a raw reading.
func (s Sensor) Calibrate(raw float64) float64 {
	return raw*s.CalibrationMultiplier + s.CalibrationOffset
}

type channel struct {
	apiSensorID string
	valueKey    string
}

func (s Sensor) channel() channel {
	return channel{apiSensorID: s.APISensorID, valueKey: s.APIValueKey}
}
