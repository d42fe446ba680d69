package vna

import (
	"math"
	"math/cmplx"
)

// LogMagnitudeDb returns 20·log10(|z|). An exact zero yields -Inf.
func LogMagnitudeDb(z complex128) float64 {
	mag := cmplx.Abs(z)
	if mag == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(mag)
}

// PhaseDegrees returns arg(z) in degrees, in the range (-180, 180].
// Zero has no defined phase and maps to 0.
func PhaseDegrees(z complex128) float64 {
	if z == 0 {
		return 0
	}
	rad := cmplx.Phase(z)
	if rad <= -math.Pi {
		rad = math.Pi
	}
	return rad * 180 / math.Pi
}

// ToReal returns the real part of z.
func ToReal(z complex128) float64 { return real(z) }

// ToImaginary returns the imaginary part of z.
func ToImaginary(z complex128) float64 { return imag(z) }

// FromLogMagPhase builds a complex value from dB magnitude and degrees.
func FromLogMagPhase(db, deg float64) complex128 {
	mag := math.Pow(10, db/20)
	return cmplx.Rect(mag, deg*math.Pi/180)
}
