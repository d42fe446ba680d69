package vna

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rjboer/GoVNA/internal/logging"
)

// Driver is the instrument boundary a Session sequences calls into. A Driver
// represents exclusive access to one instrument or simulator.
type Driver interface {
	Info(ctx context.Context) (DeviceInfo, error)
	// PerformMeasurement blocks until every point of the plan is acquired.
	PerformMeasurement(ctx context.Context, plan MeasurementPlan) ([]SParameterPoint, error)
	// StartMeasurement starts the sweep and returns without waiting for data.
	StartMeasurement(ctx context.Context, plan MeasurementPlan) (Stream, error)
	ApplyCalibrationFromFile(ctx context.Context, path string) error
	CalibrationMetadata(ctx context.Context) (CalibrationMetadata, error)
	Close() error
}

// Stream delivers the points of a started sweep in plan order.
type Stream interface {
	HasMorePoints() bool
	// NextPoint blocks until the next point is available.
	NextPoint(ctx context.Context) (SParameterPoint, error)
	Close() error
}

// Opener opens a driver.
type Opener func(ctx context.Context) (Driver, error)

// DeviceSelection decides which kind of instrument a program opens.
type DeviceSelection string

const (
	SelectReal      DeviceSelection = "real"
	SelectSimulated DeviceSelection = "simulated"
	SelectAuto      DeviceSelection = "auto"
)

// ParseDeviceSelection converts a configuration string to a DeviceSelection.
func ParseDeviceSelection(s string) (DeviceSelection, error) {
	switch DeviceSelection(strings.ToLower(strings.TrimSpace(s))) {
	case SelectReal:
		return SelectReal, nil
	case SelectSimulated, "sim", "demo":
		return SelectSimulated, nil
	case SelectAuto, "":
		return SelectAuto, nil
	default:
		return "", invalidf("unknown device selection %q", s)
	}
}

// Open resolves a device selection to a driver. Auto tries the real opener
// first and falls back to the simulator on any opener error, including a
// refused connection to an instrument that was found.
func Open(ctx context.Context, sel DeviceSelection, openReal, openDemo Opener, logger logging.Logger) (Driver, error) {
	if logger == nil {
		logger = logging.Default()
	}
	switch sel {
	case SelectReal:
		return open(ctx, openReal)
	case SelectSimulated:
		return open(ctx, openDemo)
	case SelectAuto:
		d, err := open(ctx, openReal)
		if err == nil {
			return d, nil
		}
		logger.Warn("real instrument unavailable, opening simulated device", logging.F("cause", err))
		return open(ctx, openDemo)
	default:
		return nil, invalidf("unknown device selection %q", sel)
	}
}

func open(ctx context.Context, opener Opener) (Driver, error) {
	if opener == nil {
		return nil, ErrDeviceNotFound
	}
	d, err := opener(ctx)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return d, nil
}
