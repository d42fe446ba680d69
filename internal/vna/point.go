package vna

import (
	"fmt"
	"strings"
)

// MeasurementPoint is one requested acquisition: a stimulus frequency with
// its power level and IF bandwidth.
type MeasurementPoint struct {
	FrequencyHz   float64 `json:"frequencyHz"`
	PowerLevelDbm float64 `json:"powerLevelDbm"`
	BandwidthHz   float64 `json:"bandwidthHz"`
}

// Parameter names one of the four two-port scattering parameters.
type Parameter int

const (
	S11 Parameter = iota
	S21
	S12
	S22
)

// Parameters lists all scattering parameters in Touchstone column order.
var Parameters = []Parameter{S11, S21, S12, S22}

func (p Parameter) String() string {
	switch p {
	case S11:
		return "S11"
	case S21:
		return "S21"
	case S12:
		return "S12"
	case S22:
		return "S22"
	default:
		return fmt.Sprintf("Parameter(%d)", int(p))
	}
}

// ParseParameter converts "S21"/"s21" style names to a Parameter.
func ParseParameter(s string) (Parameter, error) {
	for _, p := range Parameters {
		if strings.EqualFold(strings.TrimSpace(s), p.String()) {
			return p, nil
		}
	}
	return 0, invalidf("unknown S-parameter %q", s)
}

// SParameterPoint is the measured result for one plan point.
type SParameterPoint struct {
	FrequencyHz float64
	S11         complex128
	S21         complex128
	S12         complex128
	S22         complex128
}

// Value returns the requested scattering parameter.
func (p SParameterPoint) Value(param Parameter) complex128 {
	switch param {
	case S11:
		return p.S11
	case S21:
		return p.S21
	case S12:
		return p.S12
	default:
		return p.S22
	}
}

// SweepResult holds one measured point per plan point, in plan order.
type SweepResult struct {
	Points []SParameterPoint
}

// Len returns the number of measured points.
func (r SweepResult) Len() int { return len(r.Points) }

// Frequencies returns the realized measurement frequencies.
func (r SweepResult) Frequencies() []float64 {
	out := make([]float64, len(r.Points))
	for i, p := range r.Points {
		out[i] = p.FrequencyHz
	}
	return out
}

// Parameter extracts one S-parameter trace.
func (r SweepResult) Parameter(param Parameter) []complex128 {
	out := make([]complex128, len(r.Points))
	for i, p := range r.Points {
		out[i] = p.Value(param)
	}
	return out
}

// CalibrationMetadata describes the stimulus a correction set was captured with.
type CalibrationMetadata struct {
	StartFreqHz   float64 `json:"startFreqHz"`
	StopFreqHz    float64 `json:"stopFreqHz"`
	NumPoints     int     `json:"numPoints"`
	PowerLevelDbm float64 `json:"powerLevelDbm"`
	BandwidthHz   float64 `json:"bandwidthHz"`
}

// DeviceInfo carries the static capabilities of an opened instrument.
type DeviceInfo struct {
	Serial              string  `json:"serial"`
	Model               string  `json:"model"`
	MinSweepFrequencyHz float64 `json:"minSweepFrequencyHz"`
	MaxSweepFrequencyHz float64 `json:"maxSweepFrequencyHz"`
	MaxPoints           int     `json:"maxPoints"`
}
