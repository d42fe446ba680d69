package vna

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/GoVNA/internal/logging"
)

// Mode identifies how a sweep was acquired.
type Mode string

const (
	ModeSynchronous Mode = "sync"
	ModeStreaming   Mode = "stream"
)

// SweepInfo identifies one sweep run by a Session.
type SweepInfo struct {
	Session string
	Sweep   int
	Mode    Mode
	Points  int
	Trigger TriggerMode
	Started time.Time
}

// Observer receives sweep progress. Implementations must not block.
type Observer interface {
	SweepStarted(info SweepInfo)
	PointAcquired(info SweepInfo, index int, pt SParameterPoint)
	SweepFinished(info SweepInfo, err error)
}

// MultiObserver fans progress out to several observers.
type MultiObserver []Observer

func (m MultiObserver) SweepStarted(info SweepInfo) {
	for _, o := range m {
		if o != nil {
			o.SweepStarted(info)
		}
	}
}

func (m MultiObserver) PointAcquired(info SweepInfo, index int, pt SParameterPoint) {
	for _, o := range m {
		if o != nil {
			o.PointAcquired(info, index, pt)
		}
	}
}

func (m MultiObserver) SweepFinished(info SweepInfo, err error) {
	for _, o := range m {
		if o != nil {
			o.SweepFinished(info, err)
		}
	}
}

type nopObserver struct{}

func (nopObserver) SweepStarted(SweepInfo)                       {}
func (nopObserver) PointAcquired(SweepInfo, int, SParameterPoint) {}
func (nopObserver) SweepFinished(SweepInfo, error)               {}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// Session sequences sweeps on one driver. It owns the plan and in-flight
// result of at most one sweep at a time.
type Session struct {
	id       string
	driver   Driver
	logger   logging.Logger
	observer Observer

	mu     sync.Mutex
	busy   bool
	sweeps int
	info   *DeviceInfo
}

// NewSession wraps a driver. The session does not take ownership of closing it.
func NewSession(driver Driver, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		driver:   driver,
		logger:   logging.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.F("session", s.id))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Info returns the instrument capabilities, queried once and cached.
func (s *Session) Info(ctx context.Context) (DeviceInfo, error) {
	s.mu.Lock()
	cached := s.info
	s.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	info, err := s.driver.Info(ctx)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("query device info: %w", err)
	}
	s.mu.Lock()
	s.info = &info
	s.mu.Unlock()
	return info, nil
}

// RunSynchronous acquires the whole plan and returns the result in plan
// order. On failure no partial result is returned.
func (s *Session) RunSynchronous(ctx context.Context, plan MeasurementPlan) (SweepResult, error) {
	info, err := s.begin(ctx, plan, ModeSynchronous)
	if err != nil {
		return SweepResult{}, err
	}
	defer s.release()

	points, err := s.driver.PerformMeasurement(ctx, plan)
	if err == nil && len(points) != plan.Len() {
		err = fmt.Errorf("driver returned %d points for a %d point plan", len(points), plan.Len())
	}
	if err != nil {
		err = acquisitionErr("perform measurement", -1, err)
		s.finish(info, err)
		return SweepResult{}, err
	}

	for i, pt := range points {
		s.observer.PointAcquired(info, i, pt)
	}
	s.finish(info, nil)
	return SweepResult{Points: points}, nil
}

// RunStreaming starts the plan and returns a cursor immediately. The session
// stays busy until the cursor completes, fails or is closed.
func (s *Session) RunStreaming(ctx context.Context, plan MeasurementPlan) (*Cursor, error) {
	info, err := s.begin(ctx, plan, ModeStreaming)
	if err != nil {
		return nil, err
	}

	stream, err := s.driver.StartMeasurement(ctx, plan)
	if err != nil {
		err = acquisitionErr("start measurement", -1, err)
		s.finish(info, err)
		s.release()
		return nil, err
	}
	return &Cursor{session: s, stream: stream, total: plan.Len(), info: info}, nil
}

// ApplyCalibrationFromFile loads a correction set on the instrument and
// returns its stimulus metadata.
func (s *Session) ApplyCalibrationFromFile(ctx context.Context, path string) (CalibrationMetadata, error) {
	if err := s.driver.ApplyCalibrationFromFile(ctx, path); err != nil {
		return CalibrationMetadata{}, fmt.Errorf("apply calibration %s: %w", path, err)
	}
	meta, err := s.driver.CalibrationMetadata(ctx)
	if err != nil {
		return CalibrationMetadata{}, fmt.Errorf("read calibration metadata: %w", err)
	}
	s.logger.Info("calibration applied",
		logging.F("path", path),
		logging.F("points", meta.NumPoints),
		logging.F("start_hz", meta.StartFreqHz),
		logging.F("stop_hz", meta.StopFreqHz),
	)
	return meta, nil
}

func (s *Session) begin(ctx context.Context, plan MeasurementPlan, mode Mode) (SweepInfo, error) {
	if plan.Len() == 0 {
		return SweepInfo{}, invalidf("plan has no points")
	}
	if plan.Len() > MaxPoints {
		return SweepInfo{}, tooLarge(plan.Len(), MaxPoints)
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return SweepInfo{}, ErrSessionBusy
	}
	s.busy = true
	s.sweeps++
	sweep := s.sweeps
	s.mu.Unlock()

	devInfo, err := s.Info(ctx)
	if err != nil {
		s.release()
		return SweepInfo{}, acquisitionErr("query device info", -1, err)
	}
	if devInfo.MaxPoints > 0 && plan.Len() > devInfo.MaxPoints {
		s.release()
		return SweepInfo{}, tooLarge(plan.Len(), devInfo.MaxPoints)
	}
	s.warnOutOfRange(plan, devInfo)

	info := SweepInfo{
		Session: s.id,
		Sweep:   sweep,
		Mode:    mode,
		Points:  plan.Len(),
		Trigger: plan.Trigger(),
		Started: time.Now(),
	}
	s.logger.Debug("sweep started",
		logging.F("sweep", sweep),
		logging.F("mode", string(mode)),
		logging.F("points", plan.Len()),
		logging.F("trigger", plan.Trigger()),
	)
	s.observer.SweepStarted(info)
	return info, nil
}

func (s *Session) warnOutOfRange(plan MeasurementPlan, info DeviceInfo) {
	if info.MaxSweepFrequencyHz <= 0 {
		return
	}
	first := plan.Point(0).FrequencyHz
	last := plan.Point(plan.Len() - 1).FrequencyHz
	if first < info.MinSweepFrequencyHz || last > info.MaxSweepFrequencyHz {
		s.logger.Warn("plan extends outside instrument range",
			logging.F("plan_start_hz", first),
			logging.F("plan_stop_hz", last),
			logging.F("min_hz", info.MinSweepFrequencyHz),
			logging.F("max_hz", info.MaxSweepFrequencyHz),
		)
	}
}

func (s *Session) finish(info SweepInfo, err error) {
	fields := []logging.Field{
		logging.F("sweep", info.Sweep),
		logging.F("mode", string(info.Mode)),
		logging.F("elapsed", time.Since(info.Started)),
	}
	if err != nil {
		s.logger.Error("sweep failed", append(fields, logging.F("error", err))...)
	} else {
		s.logger.Info("sweep complete", append(fields, logging.F("points", info.Points))...)
	}
	s.observer.SweepFinished(info, err)
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}
