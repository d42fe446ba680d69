package vna

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnplugged = errors.New("usb: device unplugged")

// scriptedDriver answers every point with a value derived from its frequency
// and can be told to fail at a given plan index.
type scriptedDriver struct {
	mu           sync.Mutex
	info         DeviceInfo
	infoErr      error
	failAt       int
	shortBy      int
	performCalls int
	startCalls   int
	closed       bool
}

func newScriptedDriver() *scriptedDriver {
	return &scriptedDriver{
		info:   DeviceInfo{Serial: "T-1", MinSweepFrequencyHz: 300e3, MaxSweepFrequencyHz: 8.5e9, MaxPoints: MaxPoints},
		failAt: -1,
	}
}

func pointFor(mp MeasurementPoint) SParameterPoint {
	f := mp.FrequencyHz / 1e9
	return SParameterPoint{
		FrequencyHz: mp.FrequencyHz,
		S11:         complex(f, -f),
		S21:         complex(1-f, f/2),
		S12:         complex(1-f, f/3),
		S22:         complex(-f, f),
	}
}

func (d *scriptedDriver) Info(context.Context) (DeviceInfo, error) { return d.info, d.infoErr }

func (d *scriptedDriver) PerformMeasurement(_ context.Context, plan MeasurementPlan) ([]SParameterPoint, error) {
	d.mu.Lock()
	d.performCalls++
	d.mu.Unlock()
	out := make([]SParameterPoint, 0, plan.Len())
	for i, mp := range plan.Points() {
		if i == d.failAt {
			return nil, errUnplugged
		}
		out = append(out, pointFor(mp))
	}
	return out[:len(out)-d.shortBy], nil
}

func (d *scriptedDriver) StartMeasurement(_ context.Context, plan MeasurementPlan) (Stream, error) {
	d.mu.Lock()
	d.startCalls++
	d.mu.Unlock()
	return &scriptedStream{plan: plan.Points(), failAt: d.failAt, end: plan.Len() - d.shortBy}, nil
}

func (d *scriptedDriver) ApplyCalibrationFromFile(_ context.Context, path string) error {
	if path != "good.cal" {
		return ErrCalibrationMismatch
	}
	return nil
}

func (d *scriptedDriver) CalibrationMetadata(context.Context) (CalibrationMetadata, error) {
	return CalibrationMetadata{StartFreqHz: 1e6, StopFreqHz: 1e9, NumPoints: 201, BandwidthHz: 1000}, nil
}

func (d *scriptedDriver) Close() error {
	d.closed = true
	return nil
}

type scriptedStream struct {
	plan   []MeasurementPoint
	next   int
	failAt int
	end    int
	closed bool
}

func (s *scriptedStream) HasMorePoints() bool { return s.next < s.end }

func (s *scriptedStream) NextPoint(ctx context.Context) (SParameterPoint, error) {
	if s.next == s.failAt {
		return SParameterPoint{}, errUnplugged
	}
	if err := ctx.Err(); err != nil {
		return SParameterPoint{}, err
	}
	pt := pointFor(s.plan[s.next])
	s.next++
	return pt, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type recordingObserver struct {
	started  int
	points   []int
	finished []error
}

func (o *recordingObserver) SweepStarted(SweepInfo) { o.started++ }
func (o *recordingObserver) PointAcquired(_ SweepInfo, index int, _ SParameterPoint) {
	o.points = append(o.points, index)
}
func (o *recordingObserver) SweepFinished(_ SweepInfo, err error) { o.finished = append(o.finished, err) }

func mustUniform(t *testing.T, n int) MeasurementPlan {
	t.Helper()
	plan, err := BuildUniformPlan(n, 1e6, 3e9, 0, 1000)
	require.NoError(t, err)
	return plan
}

func TestRunSynchronousReturnsPlanOrder(t *testing.T) {
	drv := newScriptedDriver()
	obs := &recordingObserver{}
	s := NewSession(drv, WithObserver(obs))

	plan := mustUniform(t, 11)
	res, err := s.RunSynchronous(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, plan.Len(), res.Len())
	for i, mp := range plan.Points() {
		assert.Equal(t, mp.FrequencyHz, res.Points[i].FrequencyHz)
	}
	assert.Equal(t, 1, obs.started)
	assert.Len(t, obs.points, 11)
	assert.Equal(t, []error{nil}, obs.finished)
}

func TestRunSynchronousDisconnectLeavesNoPartialResult(t *testing.T) {
	drv := newScriptedDriver()
	drv.failAt = 4
	s := NewSession(drv)

	res, err := s.RunSynchronous(context.Background(), mustUniform(t, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquisition)
	assert.ErrorIs(t, err, errUnplugged)
	assert.Zero(t, res.Len())

	var ae *AcquisitionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "perform measurement", ae.Op)
}

func TestRunSynchronousRejectsShortDriverResult(t *testing.T) {
	drv := newScriptedDriver()
	drv.shortBy = 1
	s := NewSession(drv)

	_, err := s.RunSynchronous(context.Background(), mustUniform(t, 5))
	assert.ErrorIs(t, err, ErrAcquisition)
}

func TestSyncAndStreamingAgree(t *testing.T) {
	drv := newScriptedDriver()
	s := NewSession(drv)
	plan := mustUniform(t, 25)

	syncRes, err := s.RunSynchronous(context.Background(), plan)
	require.NoError(t, err)

	cur, err := s.RunStreaming(context.Background(), plan)
	require.NoError(t, err)
	streamRes, err := cur.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, syncRes, streamRes)
	assert.False(t, cur.HasMore())
	assert.NoError(t, cur.Err())
}

func TestStreamingCursorDeliversInOrder(t *testing.T) {
	drv := newScriptedDriver()
	obs := &recordingObserver{}
	s := NewSession(drv, WithObserver(obs))
	plan := mustUniform(t, 4)

	cur, err := s.RunStreaming(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 4, cur.Len())

	var got []float64
	for cur.HasMore() {
		pt, err := cur.Next(context.Background())
		require.NoError(t, err)
		got = append(got, pt.FrequencyHz)
	}
	var want []float64
	for _, mp := range plan.Points() {
		want = append(want, mp.FrequencyHz)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, []int{0, 1, 2, 3}, obs.points)

	_, err = cur.Next(context.Background())
	assert.ErrorIs(t, err, ErrCursorExhausted)
}

func TestStreamingFailureIsTerminal(t *testing.T) {
	drv := newScriptedDriver()
	drv.failAt = 2
	obs := &recordingObserver{}
	s := NewSession(drv, WithObserver(obs))

	cur, err := s.RunStreaming(context.Background(), mustUniform(t, 6))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := cur.Next(context.Background())
		require.NoError(t, err)
	}
	_, err = cur.Next(context.Background())
	require.ErrorIs(t, err, ErrAcquisition)
	var ae *AcquisitionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 2, ae.Index)

	assert.False(t, cur.HasMore())
	_, again := cur.Next(context.Background())
	assert.Equal(t, err, again)
	require.Len(t, obs.finished, 1)
	assert.ErrorIs(t, obs.finished[0], errUnplugged)
}

func TestStreamingEarlyEndIsSignalled(t *testing.T) {
	drv := newScriptedDriver()
	drv.shortBy = 2
	s := NewSession(drv)

	cur, err := s.RunStreaming(context.Background(), mustUniform(t, 5))
	require.NoError(t, err)
	res, err := cur.Collect(context.Background())
	assert.ErrorIs(t, err, ErrAcquisition)
	assert.Zero(t, res.Len())
}

func TestStreamingCancellationLeavesTerminalError(t *testing.T) {
	s := NewSession(newScriptedDriver())
	cur, err := s.RunStreaming(context.Background(), mustUniform(t, 5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cur.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrAcquisition)

	_, err = cur.Next(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionBusyWhileCursorOpen(t *testing.T) {
	s := NewSession(newScriptedDriver())
	plan := mustUniform(t, 3)

	cur, err := s.RunStreaming(context.Background(), plan)
	require.NoError(t, err)

	_, err = s.RunSynchronous(context.Background(), plan)
	assert.ErrorIs(t, err, ErrSessionBusy)

	require.NoError(t, cur.Close())
	_, err = cur.Next(context.Background())
	assert.ErrorIs(t, err, ErrCursorClosed)

	_, err = s.RunSynchronous(context.Background(), plan)
	assert.NoError(t, err)
}

func TestDeviceLimitCheckedBeforeAcquisition(t *testing.T) {
	drv := newScriptedDriver()
	drv.info.MaxPoints = 4
	s := NewSession(drv)

	_, err := s.RunSynchronous(context.Background(), mustUniform(t, 5))
	assert.ErrorIs(t, err, ErrPlanTooLarge)
	_, err = s.RunStreaming(context.Background(), mustUniform(t, 5))
	assert.ErrorIs(t, err, ErrPlanTooLarge)
	assert.Zero(t, drv.performCalls)
	assert.Zero(t, drv.startCalls)
}

func TestEmptyPlanRejected(t *testing.T) {
	s := NewSession(newScriptedDriver())
	_, err := s.RunSynchronous(context.Background(), MeasurementPlan{})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestInfoIsCached(t *testing.T) {
	drv := newScriptedDriver()
	s := NewSession(drv)
	first, err := s.Info(context.Background())
	require.NoError(t, err)
	drv.info.Serial = "changed"
	second, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApplyCalibration(t *testing.T) {
	s := NewSession(newScriptedDriver())
	meta, err := s.ApplyCalibrationFromFile(context.Background(), "good.cal")
	require.NoError(t, err)
	assert.Equal(t, 201, meta.NumPoints)

	_, err = s.ApplyCalibrationFromFile(context.Background(), "missing.cal")
	assert.ErrorIs(t, err, ErrCalibrationMismatch)
}

func TestOpenSelection(t *testing.T) {
	openReal := func(context.Context) (Driver, error) { return nil, ErrDeviceNotFound }
	demo := func(context.Context) (Driver, error) { return newScriptedDriver(), nil }

	d, err := Open(context.Background(), SelectAuto, openReal, demo, nil)
	require.NoError(t, err)
	assert.NotNil(t, d)

	_, err = Open(context.Background(), SelectReal, openReal, demo, nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	broken := func(context.Context) (Driver, error) { return nil, errors.New("connection refused") }
	_, err = Open(context.Background(), SelectSimulated, openReal, broken, nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	d, err = Open(context.Background(), SelectAuto, broken, demo, nil)
	require.NoError(t, err, "auto falls back on any opener error")
	assert.NotNil(t, d)

	sel, err := ParseDeviceSelection("demo")
	require.NoError(t, err)
	assert.Equal(t, SelectSimulated, sel)
	_, err = ParseDeviceSelection("maybe")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestCursorCollectHonoursDeadline(t *testing.T) {
	s := NewSession(newScriptedDriver())
	cur, err := s.RunStreaming(context.Background(), mustUniform(t, 3))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err = cur.Collect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
