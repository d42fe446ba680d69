package vna

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when neither a real instrument nor an
	// accepted simulator could be opened.
	ErrDeviceNotFound = errors.New("vna: device not found")
	// ErrInvalidParameter marks malformed plan inputs.
	ErrInvalidParameter = errors.New("vna: invalid parameter")
	// ErrPlanTooLarge marks plans longer than the instrument supports.
	ErrPlanTooLarge = errors.New("vna: plan exceeds maximum point count")
	// ErrAcquisition marks a failure while a sweep was in progress.
	ErrAcquisition = errors.New("vna: acquisition failed")
	// ErrCalibrationMismatch marks a missing or incompatible calibration.
	ErrCalibrationMismatch = errors.New("vna: calibration mismatch")
	// ErrSessionBusy is returned when a session already has a sweep in flight.
	ErrSessionBusy = errors.New("vna: session busy")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func tooLarge(n, limit int) error {
	return fmt.Errorf("%w: %d points, limit %d", ErrPlanTooLarge, n, limit)
}

// AcquisitionError reports where a sweep broke off. Index is the plan index
// of the point being acquired, or -1 when the failure was not tied to a point.
type AcquisitionError struct {
	Op    string
	Index int
	Err   error
}

func (e *AcquisitionError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("vna: %s failed at point %d: %v", e.Op, e.Index, e.Err)
	}
	return fmt.Sprintf("vna: %s failed: %v", e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAcquisition) match.
func (e *AcquisitionError) Is(target error) bool { return target == ErrAcquisition }

func acquisitionErr(op string, index int, err error) error {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return err
	}
	return &AcquisitionError{Op: op, Index: index, Err: err}
}
