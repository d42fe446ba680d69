package dsp

import (
	"fmt"
	"math"
	"strings"
)

// WindowFunc selects the taper applied before a transform.
type WindowFunc int

const (
	Rectangular WindowFunc = iota
	Hann
	Hamming
)

func (w WindowFunc) String() string {
	switch w {
	case Rectangular:
		return "rectangular"
	case Hann:
		return "hann"
	case Hamming:
		return "hamming"
	default:
		return fmt.Sprintf("WindowFunc(%d)", int(w))
	}
}

// ParseWindow accepts the names printed by String; "hanning" is an alias of hann.
func ParseWindow(s string) (WindowFunc, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rectangular", "rect", "none":
		return Rectangular, nil
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	default:
		return 0, fmt.Errorf("unknown window %q", s)
	}
}

// Window returns a symmetric window of length n.
// If n is zero or negative, an empty slice is returned.
func Window(w WindowFunc, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	if n == 1 {
		win[0] = 1
		return win
	}
	for i := 0; i < n; i++ {
		x := 2 * math.Pi * float64(i) / float64(n-1)
		switch w {
		case Hann:
			win[i] = 0.5 - 0.5*math.Cos(x)
		case Hamming:
			win[i] = 0.54 - 0.46*math.Cos(x)
		default:
			win[i] = 1
		}
	}
	return win
}

// HalfWindow returns the right half of a symmetric window of length 2n-1,
// starting at its peak. It tapers a one-sided spectrum of n bins.
func HalfWindow(w WindowFunc, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	full := Window(w, 2*n-1)
	return full[n-1:]
}

// ApplyWindow multiplies the input samples with the provided window.
// The window length must match the input length.
func ApplyWindow(samples []complex128, window []float64) []complex128 {
	if len(samples) != len(window) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(real(v)*window[i], imag(v)*window[i])
	}
	return out
}
