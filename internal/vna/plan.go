package vna

import (
	"math"
)

// MaxPoints is the largest number of points a single sweep may contain.
const MaxPoints = 10001

// TriggerMode selects when a sweep starts acquiring.
type TriggerMode int

const (
	// TriggerFreeRun starts acquisition immediately.
	TriggerFreeRun TriggerMode = iota
	// TriggerRisingEdge waits for a rising edge on the external trigger input.
	TriggerRisingEdge
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerRisingEdge:
		return "rising-edge"
	default:
		return "free-run"
	}
}

// MeasurementPlan is an ordered, validated list of measurement points.
// Plans are values: every method returns copies and never mutates the receiver.
type MeasurementPlan struct {
	points  []MeasurementPoint
	trigger TriggerMode
}

// Len returns the number of points in the plan.
func (p MeasurementPlan) Len() int { return len(p.points) }

// Points returns a copy of the plan's points in acquisition order.
func (p MeasurementPlan) Points() []MeasurementPoint {
	out := make([]MeasurementPoint, len(p.points))
	copy(out, p.points)
	return out
}

// Point returns the i-th point.
func (p MeasurementPlan) Point(i int) MeasurementPoint { return p.points[i] }

// Trigger returns the plan's trigger mode.
func (p MeasurementPlan) Trigger() TriggerMode { return p.trigger }

// WithTrigger returns a copy of the plan using the given trigger mode.
func (p MeasurementPlan) WithTrigger(mode TriggerMode) MeasurementPlan {
	return MeasurementPlan{points: p.points, trigger: mode}
}

// IsUniform reports whether the plan is a linear sweep at a single power
// level and bandwidth, i.e. whether it can be expressed as start/stop/points.
func (p MeasurementPlan) IsUniform() bool {
	n := len(p.points)
	if n == 0 {
		return false
	}
	first := p.points[0]
	if n == 1 {
		return true
	}
	last := p.points[n-1]
	step := (last.FrequencyHz - first.FrequencyHz) / float64(n-1)
	tol := 1e-9 * math.Max(math.Abs(last.FrequencyHz), 1)
	for i, pt := range p.points {
		if pt.PowerLevelDbm != first.PowerLevelDbm || pt.BandwidthHz != first.BandwidthHz {
			return false
		}
		if math.Abs(pt.FrequencyHz-(first.FrequencyHz+float64(i)*step)) > tol {
			return false
		}
	}
	return true
}

// BuildUniformPlan returns pointCount points linearly spaced between startHz
// and stopHz inclusive. The last point is exactly stopHz.
func BuildUniformPlan(pointCount int, startHz, stopHz, powerDbm, bandwidthHz float64) (MeasurementPlan, error) {
	if pointCount <= 0 {
		return MeasurementPlan{}, invalidf("point count must be positive, got %d", pointCount)
	}
	if err := checkSpan(startHz, stopHz); err != nil {
		return MeasurementPlan{}, err
	}
	if err := checkStimulus(powerDbm, bandwidthHz); err != nil {
		return MeasurementPlan{}, err
	}
	if pointCount > MaxPoints {
		return MeasurementPlan{}, tooLarge(pointCount, MaxPoints)
	}

	points := make([]MeasurementPoint, pointCount)
	step := 0.0
	if pointCount > 1 {
		step = (stopHz - startHz) / float64(pointCount-1)
	}
	for i := range points {
		points[i] = MeasurementPoint{
			FrequencyHz:   startHz + float64(i)*step,
			PowerLevelDbm: powerDbm,
			BandwidthHz:   bandwidthHz,
		}
	}
	if pointCount > 1 {
		points[pointCount-1].FrequencyHz = stopHz
	}
	return MeasurementPlan{points: points}, nil
}

// BuildGeometricPlan returns points starting at startHz where each frequency
// is the previous one multiplied by stepRatio, stopping before the first
// frequency above stopHz. Construction stops one point past MaxPoints so an
// oversized plan is rejected without materialising it in full.
func BuildGeometricPlan(startHz, stopHz, stepRatio, powerDbm, bandwidthHz float64) (MeasurementPlan, error) {
	if err := checkSpan(startHz, stopHz); err != nil {
		return MeasurementPlan{}, err
	}
	if math.IsNaN(stepRatio) || math.IsInf(stepRatio, 0) || stepRatio <= 1 {
		return MeasurementPlan{}, invalidf("step ratio must be greater than 1, got %g", stepRatio)
	}
	if err := checkStimulus(powerDbm, bandwidthHz); err != nil {
		return MeasurementPlan{}, err
	}

	var points []MeasurementPoint
	for f := startHz; f <= stopHz && len(points) <= MaxPoints; f *= stepRatio {
		points = append(points, MeasurementPoint{
			FrequencyHz:   f,
			PowerLevelDbm: powerDbm,
			BandwidthHz:   bandwidthHz,
		})
	}
	if len(points) > MaxPoints {
		return MeasurementPlan{}, tooLarge(len(points), MaxPoints)
	}
	return MeasurementPlan{points: points}, nil
}

// BuildPlanFromCalibration returns a uniform plan with exactly the stimulus
// the calibration was captured with, so no correction interpolation is needed.
func BuildPlanFromCalibration(meta CalibrationMetadata) (MeasurementPlan, error) {
	return BuildUniformPlan(meta.NumPoints, meta.StartFreqHz, meta.StopFreqHz, meta.PowerLevelDbm, meta.BandwidthHz)
}

// BuildCustomPlan returns a plan measuring exactly the given points in order.
// Points may differ in frequency, power and bandwidth.
func BuildCustomPlan(points ...MeasurementPoint) (MeasurementPlan, error) {
	if len(points) == 0 {
		return MeasurementPlan{}, invalidf("plan needs at least one point")
	}
	for i, pt := range points {
		if !finite(pt.FrequencyHz) || pt.FrequencyHz <= 0 {
			return MeasurementPlan{}, invalidf("point %d: frequency must be positive, got %g", i, pt.FrequencyHz)
		}
		if err := checkStimulus(pt.PowerLevelDbm, pt.BandwidthHz); err != nil {
			return MeasurementPlan{}, err
		}
	}
	if len(points) > MaxPoints {
		return MeasurementPlan{}, tooLarge(len(points), MaxPoints)
	}
	cp := make([]MeasurementPoint, len(points))
	copy(cp, points)
	return MeasurementPlan{points: cp}, nil
}

func checkSpan(startHz, stopHz float64) error {
	if !finite(startHz) || !finite(stopHz) {
		return invalidf("frequencies must be finite")
	}
	if startHz <= 0 {
		return invalidf("start frequency must be positive, got %g", startHz)
	}
	if startHz > stopHz {
		return invalidf("start frequency %g above stop frequency %g", startHz, stopHz)
	}
	return nil
}

func checkStimulus(powerDbm, bandwidthHz float64) error {
	if !finite(powerDbm) {
		return invalidf("power level must be finite")
	}
	if !finite(bandwidthHz) || bandwidthHz <= 0 {
		return invalidf("bandwidth must be positive, got %g", bandwidthHz)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
