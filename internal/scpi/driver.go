package scpi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/vna"
)

// DriverOptions describes what the SCPI link cannot report itself.
type DriverOptions struct {
	MinFrequencyHz float64
	MaxFrequencyHz float64
	MaxPoints      int
	Logger         logging.Logger
}

func (o DriverOptions) withDefaults() DriverOptions {
	if o.MinFrequencyHz == 0 {
		o.MinFrequencyHz = 300e3
	}
	if o.MaxFrequencyHz == 0 {
		o.MaxFrequencyHz = 8.5e9
	}
	if o.MaxPoints == 0 {
		o.MaxPoints = vna.MaxPoints
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Driver runs sweeps on a SCPI analyzer. The instrument sweeps a linear span
// set by start, stop and point count, so only uniform free-running plans
// are accepted.
type Driver struct {
	in     *Instrument
	opts   DriverOptions
	logger logging.Logger

	mu sync.Mutex
	// setup is the stimulus the instrument is known to hold, nil when unknown.
	setup *stimulus
}

type stimulus struct {
	startHz     float64
	stopHz      float64
	points      int
	powerDbm    float64
	bandwidthHz float64
}

func planStimulus(plan vna.MeasurementPlan) stimulus {
	first := plan.Point(0)
	return stimulus{
		startHz:     first.FrequencyHz,
		stopHz:      plan.Point(plan.Len() - 1).FrequencyHz,
		points:      plan.Len(),
		powerDbm:    first.PowerLevelDbm,
		bandwidthHz: first.BandwidthHz,
	}
}

// NewDriver wraps an instrument connection.
func NewDriver(in *Instrument, opts DriverOptions) *Driver {
	opts = opts.withDefaults()
	return &Driver{
		in:     in,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Opener connects to the target when a session needs a real instrument.
func Opener(t Target, connOpts Options, opts DriverOptions) vna.Opener {
	return func(ctx context.Context) (vna.Driver, error) {
		conn, err := Connect(ctx, t, connOpts)
		if err != nil {
			return nil, err
		}
		return NewDriver(NewInstrument(conn), opts), nil
	}
}

func (d *Driver) Info(ctx context.Context) (vna.DeviceInfo, error) {
	id, err := d.in.Identify(ctx)
	if err != nil {
		return vna.DeviceInfo{}, err
	}
	model := id.Model
	if model == "" {
		model = id.Manufacturer
	}
	return vna.DeviceInfo{
		Serial:              id.Serial,
		Model:               model,
		MinSweepFrequencyHz: d.opts.MinFrequencyHz,
		MaxSweepFrequencyHz: d.opts.MaxFrequencyHz,
		MaxPoints:           d.opts.MaxPoints,
	}, nil
}

func (d *Driver) PerformMeasurement(ctx context.Context, plan vna.MeasurementPlan) ([]vna.SParameterPoint, error) {
	if err := checkPlan(plan); err != nil {
		return nil, err
	}
	if err := d.configure(ctx, plan); err != nil {
		return nil, err
	}
	if _, err := d.in.Init(ctx); err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	return d.fetch(ctx, plan)
}

// StartMeasurement runs the sweep in the background. The protocol returns
// whole traces, so points become available together once the sweep ends.
func (d *Driver) StartMeasurement(ctx context.Context, plan vna.MeasurementPlan) (vna.Stream, error) {
	if err := checkPlan(plan); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &traceStream{total: plan.Len(), done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(s.done)
		s.points, s.err = d.PerformMeasurement(runCtx, plan)
	}()
	return s, nil
}

// ApplyCalibrationFromFile changes to the file's directory and applies it.
// The calibration replaces the sweep setup, so the cached stimulus is dropped.
func (d *Driver) ApplyCalibrationFromFile(ctx context.Context, file string) error {
	dir, name := SplitInstrumentPath(file)
	if name == "" {
		return fmt.Errorf("%w: calibration path %q has no file name", vna.ErrInvalidParameter, file)
	}
	d.mu.Lock()
	d.setup = nil
	d.mu.Unlock()
	if dir != "" {
		if err := d.in.ChangeDirectory(ctx, dir); err != nil {
			return err
		}
	}
	return d.in.ApplyCalibration(ctx, name)
}

// CalibrationMetadata reads the stimulus of the active calibration back from
// the instrument. A plan built from it runs without touching the setup.
func (d *Driver) CalibrationMetadata(ctx context.Context) (vna.CalibrationMetadata, error) {
	start, err := d.in.StartFrequency(ctx)
	if err != nil {
		return vna.CalibrationMetadata{}, err
	}
	stop, err := d.in.StopFrequency(ctx)
	if err != nil {
		return vna.CalibrationMetadata{}, err
	}
	n, err := d.in.SweepPoints(ctx)
	if err != nil {
		return vna.CalibrationMetadata{}, err
	}
	if n <= 0 || start <= 0 || stop < start {
		return vna.CalibrationMetadata{}, fmt.Errorf("%w: instrument reports %d points over %g..%g Hz",
			vna.ErrCalibrationMismatch, n, start, stop)
	}
	power, err := d.in.PowerLevel(ctx)
	if err != nil {
		return vna.CalibrationMetadata{}, err
	}
	bw, err := d.in.Bandwidth(ctx)
	if err != nil {
		return vna.CalibrationMetadata{}, err
	}
	d.mu.Lock()
	d.setup = &stimulus{startHz: start, stopHz: stop, points: n, powerDbm: power, bandwidthHz: bw}
	d.mu.Unlock()
	return vna.CalibrationMetadata{
		StartFreqHz:   start,
		StopFreqHz:    stop,
		NumPoints:     n,
		PowerLevelDbm: power,
		BandwidthHz:   bw,
	}, nil
}

func (d *Driver) Close() error { return d.in.Close() }

// SplitInstrumentPath splits an instrument file path into directory and name.
// Both separators are accepted; the instrument host may be Windows.
func SplitInstrumentPath(p string) (dir, name string) {
	i := strings.LastIndexAny(p, `/\`)
	if i < 0 {
		return "", p
	}
	dir = p[:i]
	if dir == "" {
		dir = p[:1]
	}
	return dir, p[i+1:]
}

func checkPlan(plan vna.MeasurementPlan) error {
	if plan.Len() == 0 {
		return fmt.Errorf("%w: plan has no points", vna.ErrInvalidParameter)
	}
	if plan.Trigger() != vna.TriggerFreeRun {
		return fmt.Errorf("%w: %s trigger is not available over SCPI", vna.ErrInvalidParameter, plan.Trigger())
	}
	if !plan.IsUniform() {
		return fmt.Errorf("%w: SCPI sweeps need a uniform plan", vna.ErrInvalidParameter)
	}
	return nil
}

// configure selects ASCII traces and programs the stimulus. Setters are
// skipped when the instrument already holds the plan's stimulus, which keeps
// a freshly applied calibration intact.
func (d *Driver) configure(ctx context.Context, plan vna.MeasurementPlan) error {
	if err := d.in.SetASCIIFormat(ctx); err != nil {
		return fmt.Errorf("configure sweep: %w", err)
	}
	want := planStimulus(plan)
	d.mu.Lock()
	unchanged := d.setup != nil && *d.setup == want
	d.mu.Unlock()
	if unchanged {
		d.logger.Debug("sweep setup unchanged", logging.F("points", want.points))
		return nil
	}

	steps := []func() error{
		func() error { return d.in.SetStartFrequency(ctx, want.startHz) },
		func() error { return d.in.SetStopFrequency(ctx, want.stopHz) },
		func() error { return d.in.SetSweepPoints(ctx, want.points) },
		func() error { return d.in.SetPowerLevel(ctx, want.powerDbm) },
		func() error { return d.in.SetBandwidth(ctx, want.bandwidthHz) },
	}
	d.mu.Lock()
	d.setup = nil
	d.mu.Unlock()
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("configure sweep: %w", err)
		}
	}
	d.mu.Lock()
	d.setup = &want
	d.mu.Unlock()
	d.logger.Debug("sweep configured",
		logging.F("start_hz", want.startHz),
		logging.F("stop_hz", want.stopHz),
		logging.F("points", want.points),
	)
	return nil
}

func (d *Driver) fetch(ctx context.Context, plan vna.MeasurementPlan) ([]vna.SParameterPoint, error) {
	n := plan.Len()
	out := make([]vna.SParameterPoint, n)
	for i := range out {
		out[i].FrequencyHz = plan.Point(i).FrequencyHz
	}
	for _, param := range vna.Parameters {
		re, err := d.in.TraceData(ctx, param, FormatReal)
		if err != nil {
			return nil, err
		}
		im, err := d.in.TraceData(ctx, param, FormatImag)
		if err != nil {
			return nil, err
		}
		if len(re) != n || len(im) != n {
			return nil, fmt.Errorf("%s trace has %d/%d values for %d points", param, len(re), len(im), n)
		}
		for i := range out {
			v := complex(re[i], im[i])
			switch param {
			case vna.S11:
				out[i].S11 = v
			case vna.S21:
				out[i].S21 = v
			case vna.S12:
				out[i].S12 = v
			case vna.S22:
				out[i].S22 = v
			}
		}
	}
	return out, nil
}

type traceStream struct {
	total  int
	next   int
	done   chan struct{}
	cancel context.CancelFunc
	points []vna.SParameterPoint
	err    error
}

func (s *traceStream) HasMorePoints() bool { return s.next < s.total }

func (s *traceStream) NextPoint(ctx context.Context) (vna.SParameterPoint, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return vna.SParameterPoint{}, ctx.Err()
	}
	if s.err != nil {
		return vna.SParameterPoint{}, s.err
	}
	if s.next >= len(s.points) {
		return vna.SParameterPoint{}, fmt.Errorf("trace ended after %d points", len(s.points))
	}
	pt := s.points[s.next]
	s.next++
	return pt, nil
}

func (s *traceStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
