package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"sync"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/vna"
)

// ErrDisconnected is returned once the simulated link has dropped.
var ErrDisconnected = errors.New("sim: device disconnected")

// Options configures the simulated analyzer.
type Options struct {
	Serial         string
	Model          string
	MinFrequencyHz float64
	MaxFrequencyHz float64
	MaxPoints      int
	// PointDelay is the simulated acquisition time per point.
	PointDelay time.Duration
	// DisconnectAfter drops the link after this many acquired points (0 = never).
	DisconnectAfter int
	// Network replays a recorded response instead of the built-in resonator.
	Network *vna.SweepResult
	Logger  logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Serial == "" {
		o.Serial = "DEMO-0000"
	}
	if o.Model == "" {
		o.Model = "Simulated VNA"
	}
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

// Device synthesises two-port S-parameters for a band-pass resonator behind
// a short line. Responses are a pure function of frequency, so repeated
// sweeps of the same plan return identical values.
type Device struct {
	mu           sync.RWMutex
	opts         Options
	acquired     int
	disconnected bool
	closed       bool
	calibrations map[string]vna.CalibrationMetadata
	active       *vna.CalibrationMetadata
	trigger      chan struct{}
	replay       *replay
}

// Open returns a ready simulated device.
func Open(opts Options) *Device {
	opts = opts.withDefaults()
	d := &Device{
		opts:         opts,
		calibrations: make(map[string]vna.CalibrationMetadata),
		trigger:      make(chan struct{}, 1),
	}
	if opts.Network != nil && opts.Network.Len() > 0 {
		d.replay = newReplay(*opts.Network)
	}
	return d
}

// Opener adapts Open to the vna.Opener signature.
func Opener(opts Options) vna.Opener {
	return func(context.Context) (vna.Driver, error) {
		return Open(opts), nil
	}
}

// RegisterCalibration makes a correction set loadable under path.
func (d *Device) RegisterCalibration(path string, meta vna.CalibrationMetadata) {
	d.mu.Lock()
	d.calibrations[path] = meta
	d.mu.Unlock()
}

// Trigger delivers a rising edge on the external trigger input. An edge
// that arrives while no sweep is armed is latched for the next one.
func (d *Device) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Device) Info(context.Context) (vna.DeviceInfo, error) {
	if err := d.check(); err != nil {
		return vna.DeviceInfo{}, err
	}
	return vna.DeviceInfo{
		Serial:              d.opts.Serial,
		Model:               d.opts.Model,
		MinSweepFrequencyHz: d.opts.MinFrequencyHz,
		MaxSweepFrequencyHz: d.opts.MaxFrequencyHz,
		MaxPoints:           d.opts.MaxPoints,
	}, nil
}

func (d *Device) ApplyCalibrationFromFile(_ context.Context, path string) error {
	if err := d.check(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	meta, ok := d.calibrations[path]
	if !ok {
		return fmt.Errorf("%w: no calibration at %s", vna.ErrCalibrationMismatch, path)
	}
	d.active = &meta
	return nil
}

func (d *Device) CalibrationMetadata(context.Context) (vna.CalibrationMetadata, error) {
	if err := d.check(); err != nil {
		return vna.CalibrationMetadata{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.active == nil {
		return vna.CalibrationMetadata{}, fmt.Errorf("%w: no user calibration applied", vna.ErrCalibrationMismatch)
	}
	return *d.active, nil
}

func (d *Device) PerformMeasurement(ctx context.Context, plan vna.MeasurementPlan) ([]vna.SParameterPoint, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := d.arm(ctx, plan); err != nil {
		return nil, err
	}
	out := make([]vna.SParameterPoint, 0, plan.Len())
	for i := 0; i < plan.Len(); i++ {
		pt, err := d.acquire(ctx, plan.Point(i))
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, nil
}

func (d *Device) StartMeasurement(_ context.Context, plan vna.MeasurementPlan) (vna.Stream, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		total:  plan.Len(),
		items:  make(chan item, plan.Len()),
		cancel: cancel,
	}
	go d.run(ctx, plan, s.items)
	return s, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *Device) run(ctx context.Context, plan vna.MeasurementPlan, out chan<- item) {
	defer close(out)
	if err := d.arm(ctx, plan); err != nil {
		out <- item{err: err}
		return
	}
	for i := 0; i < plan.Len(); i++ {
		pt, err := d.acquire(ctx, plan.Point(i))
		if err != nil {
			out <- item{err: err}
			return
		}
		out <- item{pt: pt}
	}
}

// arm waits for the external trigger when the plan asks for one. There is
// no timeout; only ctx ends the wait.
func (d *Device) arm(ctx context.Context, plan vna.MeasurementPlan) error {
	if plan.Trigger() != vna.TriggerRisingEdge {
		return nil
	}
	d.opts.Logger.Debug("waiting for trigger", logging.F("serial", d.opts.Serial))
	select {
	case <-d.trigger:
		if err := ctx.Err(); err != nil {
			// hand the edge to the next armed sweep
			d.Trigger()
			return err
		}
		d.opts.Logger.Debug("trigger received", logging.F("serial", d.opts.Serial))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) acquire(ctx context.Context, mp vna.MeasurementPoint) (vna.SParameterPoint, error) {
	if d.opts.PointDelay > 0 {
		t := time.NewTimer(d.opts.PointDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return vna.SParameterPoint{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return vna.SParameterPoint{}, err
	}

	d.mu.Lock()
	if d.closed || d.disconnected {
		d.mu.Unlock()
		return vna.SParameterPoint{}, ErrDisconnected
	}
	if d.opts.DisconnectAfter > 0 && d.acquired >= d.opts.DisconnectAfter {
		d.disconnected = true
		d.mu.Unlock()
		return vna.SParameterPoint{}, ErrDisconnected
	}
	d.acquired++
	d.mu.Unlock()

	if d.replay != nil {
		return d.replay.at(mp.FrequencyHz), nil
	}
	return resonator(mp.FrequencyHz), nil
}

func (d *Device) check() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.disconnected {
		return ErrDisconnected
	}
	return nil
}

const (
	centerHz   = 1e9
	quality    = 20.0
	lineDelayS = 0.5e-9
	lineLossDb = -0.5
)

// resonator models a series band-pass filter between two matched lines.
func resonator(f float64) vna.SParameterPoint {
	detune := quality * (f/centerHz - centerHz/f)
	h := 1 / complex(1, detune)
	loss := math.Pow(10, lineLossDb/20)
	thru := cmplx.Rect(loss, -2*math.Pi*f*lineDelayS)
	refl := cmplx.Rect(loss*loss, -4*math.Pi*f*lineDelayS)
	return vna.SParameterPoint{
		FrequencyHz: f,
		S11:         (1 - h) * refl,
		S21:         h * thru,
		S12:         h * thru,
		S22:         (1 - h) * refl,
	}
}

type item struct {
	pt  vna.SParameterPoint
	err error
}

type stream struct {
	total     int
	delivered int
	items     chan item
	cancel    context.CancelFunc
	failed    bool
}

func (s *stream) HasMorePoints() bool { return !s.failed && s.delivered < s.total }

func (s *stream) NextPoint(ctx context.Context) (vna.SParameterPoint, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			s.failed = true
			return vna.SParameterPoint{}, ErrDisconnected
		}
		if it.err != nil {
			s.failed = true
			return vna.SParameterPoint{}, it.err
		}
		s.delivered++
		return it.pt, nil
	case <-ctx.Done():
		return vna.SParameterPoint{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

// replay interpolates a recorded network linearly in frequency.
type replay struct {
	freqs  []float64
	points []vna.SParameterPoint
}

func newReplay(res vna.SweepResult) *replay {
	pts := make([]vna.SParameterPoint, len(res.Points))
	copy(pts, res.Points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].FrequencyHz < pts[j].FrequencyHz })
	freqs := make([]float64, len(pts))
	for i, p := range pts {
		freqs[i] = p.FrequencyHz
	}
	return &replay{freqs: freqs, points: pts}
}

func (r *replay) at(f float64) vna.SParameterPoint {
	n := len(r.points)
	i := sort.SearchFloat64s(r.freqs, f)
	switch {
	case i == 0:
		pt := r.points[0]
		pt.FrequencyHz = f
		return pt
	case i >= n:
		pt := r.points[n-1]
		pt.FrequencyHz = f
		return pt
	}
	lo, hi := r.points[i-1], r.points[i]
	t := complex((f-lo.FrequencyHz)/(hi.FrequencyHz-lo.FrequencyHz), 0)
	lerp := func(a, b complex128) complex128 { return a + (b-a)*t }
	return vna.SParameterPoint{
		FrequencyHz: f,
		S11:         lerp(lo.S11, hi.S11),
		S21:         lerp(lo.S21, hi.S21),
		S12:         lerp(lo.S12, hi.S12),
		S22:         lerp(lo.S22, hi.S22),
	}
}
