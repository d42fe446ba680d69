package dsp

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/rjboer/GoVNA/internal/vna"
)

// Response selects the time-domain quantity returned by Transform.
type Response int

const (
	StepResponse Response = iota
	ImpulseResponse
)

func (r Response) String() string {
	if r == ImpulseResponse {
		return "impulse"
	}
	return "step"
}

// ParseResponse converts "step" or "impulse".
func ParseResponse(s string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "step":
		return StepResponse, nil
	case "impulse":
		return ImpulseResponse, nil
	default:
		return 0, fmt.Errorf("unknown response %q", s)
	}
}

// TimeDomainOptions configures a low-pass time-domain transform.
// The zero value is a rectangular-window step response.
type TimeDomainOptions struct {
	Window   WindowFunc
	Response Response
}

// TimeDomainSample is one output sample.
type TimeDomainSample struct {
	Time   float64 `json:"time"`
	Sample float64 `json:"sample"`
}

var ErrTooFewPoints = errors.New("dsp: time-domain transform needs at least two points")

// Transform converts one S-parameter trace to the time domain in low-pass
// mode. The sweep should sit on a harmonic grid (f_k = k·Δf); when it does
// not, the data is interpolated onto one first. The DC term is extrapolated
// from the magnitude of the two lowest bins.
func Transform(opts TimeDomainOptions, param vna.Parameter, points []vna.SParameterPoint) ([]TimeDomainSample, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}
	pts := make([]vna.SParameterPoint, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].FrequencyHz < pts[j].FrequencyHz })

	n := len(pts)
	freqs := make([]float64, n)
	data := make([]complex128, n)
	for i, p := range pts {
		freqs[i] = p.FrequencyHz
		data[i] = p.Value(param)
	}
	if freqs[0] <= 0 || freqs[n-1] <= freqs[0] {
		return nil, fmt.Errorf("dsp: sweep %g..%g Hz cannot be transformed", freqs[0], freqs[n-1])
	}

	df := freqs[n-1] / float64(n)
	if !harmonic(freqs) {
		data = resample(freqs, data, df)
	} else {
		df = freqs[0]
	}

	// one-sided spectrum: DC plus n harmonics
	spectrum := make([]complex128, n+1)
	spectrum[0] = complex(dcEstimate(data[0], data[1]), 0)
	copy(spectrum[1:], data)
	win := HalfWindow(opts.Window, n+1)
	spectrum = ApplyWindow(spectrum, win)
	// the Nyquist bin of a real sequence is real
	spectrum[n] = complex(real(spectrum[n]), 0)

	m := 2 * n
	seq := plans.get(m).Sequence(nil, spectrum)
	scale := 1 / float64(m)
	dt := 1 / (float64(m) * df)

	out := make([]TimeDomainSample, n)
	acc := 0.0
	for i := range out {
		v := seq[i] * scale
		if opts.Response == StepResponse {
			acc += v
			v = acc
		}
		out[i] = TimeDomainSample{Time: float64(i) * dt, Sample: v}
	}
	return out, nil
}

// dcEstimate extrapolates |H| to 0 Hz and takes the sign of the first bin's
// real part, which keeps a pure delay or a thru exact.
func dcEstimate(h1, h2 complex128) float64 {
	mag := 2*cmplx.Abs(h1) - cmplx.Abs(h2)
	if mag < 0 {
		mag = 0
	}
	if real(h1) < 0 {
		return -mag
	}
	return mag
}

// harmonic reports whether freqs are k·f0 for k = 1..n.
func harmonic(freqs []float64) bool {
	f0 := freqs[0]
	for i, f := range freqs {
		want := float64(i+1) * f0
		if math.Abs(f-want) > 1e-6*f0 {
			return false
		}
	}
	return true
}

// resample interpolates data linearly onto k·df for k = 1..len(data).
// Bins below the first measured frequency take the first value.
func resample(freqs []float64, data []complex128, df float64) []complex128 {
	n := len(data)
	out := make([]complex128, n)
	j := 0
	for k := 1; k <= n; k++ {
		f := float64(k) * df
		for j < n-2 && freqs[j+1] < f {
			j++
		}
		switch {
		case f <= freqs[0]:
			out[k-1] = data[0]
		case f >= freqs[n-1]:
			out[k-1] = data[n-1]
		default:
			t := (f - freqs[j]) / (freqs[j+1] - freqs[j])
			out[k-1] = data[j] + (data[j+1]-data[j])*complex(t, 0)
		}
	}
	return out
}

// planCache keeps the real FFT plan for the most recent length only;
// repeated sweeps reuse it and a new point count replaces it. Plans are not
// safe for concurrent use, so each is guarded by its own lock.
type planCache struct {
	mu   sync.Mutex
	plan *lockedFFT
}

type lockedFFT struct {
	mu  sync.Mutex
	fft *fourier.FFT
}

// Sequence computes the unscaled inverse transform of a one-sided spectrum.
func (l *lockedFFT) Sequence(dst []float64, coeff []complex128) []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fft.Sequence(dst, coeff)
}

var plans = &planCache{}

func (c *planCache) get(n int) *lockedFFT {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil || c.plan.fft.Len() != n {
		c.plan = &lockedFFT{fft: fourier.NewFFT(n)}
	}
	return c.plan
}
