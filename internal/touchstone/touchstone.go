// Package touchstone reads and writes Touchstone v1 network files (.s1p, .s2p).
package touchstone

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rjboer/GoVNA/internal/vna"
)

// Format is the number pair used for each parameter.
type Format string

const (
	RI Format = "RI" // real, imaginary
	DB Format = "DB" // dB magnitude, angle in degrees
	MA Format = "MA" // linear magnitude, angle in degrees
)

// ParseFormat accepts RI, DB or MA in any case, plus the instrument's
// RIAN and DBANG spellings.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RI", "RIAN":
		return RI, nil
	case "DB", "DBANG":
		return DB, nil
	case "MA":
		return MA, nil
	default:
		return "", fmt.Errorf("unknown touchstone format %q", s)
	}
}

// minDb replaces -Inf when a zero magnitude is written in DB format.
const minDb = -400

var ErrMalformed = errors.New("touchstone: malformed file")

// Options controls Write.
type Options struct {
	// Ports is 1 or 2; 0 means 2.
	Ports  int
	Format Format
	// Parameter is the reflection written by one-port files (S11 or S22).
	Parameter vna.Parameter
	// Reference impedance in ohms; 0 means 50.
	Reference float64
	Comments  []string
}

func (o Options) withDefaults() (Options, error) {
	if o.Ports == 0 {
		o.Ports = 2
	}
	if o.Ports != 1 && o.Ports != 2 {
		return o, fmt.Errorf("%w: touchstone ports %d", vna.ErrInvalidParameter, o.Ports)
	}
	if o.Format == "" {
		o.Format = RI
	}
	if _, err := ParseFormat(string(o.Format)); err != nil {
		return o, fmt.Errorf("%w: %v", vna.ErrInvalidParameter, err)
	}
	if o.Ports == 1 && o.Parameter != vna.S11 && o.Parameter != vna.S22 {
		return o, fmt.Errorf("%w: one-port file cannot hold %s", vna.ErrInvalidParameter, o.Parameter)
	}
	if o.Reference == 0 {
		o.Reference = 50
	}
	return o, nil
}

// Extension returns ".s1p" or ".s2p" for the configured port count.
func (o Options) Extension() string {
	if o.Ports == 1 {
		return ".s1p"
	}
	return ".s2p"
}

// Write emits res as a Touchstone v1 file with frequencies in Hz.
func Write(w io.Writer, res vna.SweepResult, opts Options) error {
	opts, err := opts.withDefaults()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, c := range opts.Comments {
		fmt.Fprintf(bw, "! %s\n", c)
	}
	fmt.Fprintf(bw, "# HZ S %s R %s\n", opts.Format, num(opts.Reference))

	params := vna.Parameters
	if opts.Ports == 1 {
		params = []vna.Parameter{opts.Parameter}
	}
	for _, pt := range res.Points {
		bw.WriteString(num(pt.FrequencyHz))
		for _, p := range params {
			a, b := pair(opts.Format, pt.Value(p))
			bw.WriteByte(' ')
			bw.WriteString(num(a))
			bw.WriteByte(' ')
			bw.WriteString(num(b))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func pair(f Format, z complex128) (float64, float64) {
	switch f {
	case DB:
		return math.Max(vna.LogMagnitudeDb(z), minDb), vna.PhaseDegrees(z)
	case MA:
		return math.Hypot(real(z), imag(z)), vna.PhaseDegrees(z)
	default:
		return real(z), imag(z)
	}
}

func unpair(f Format, a, b float64) complex128 {
	switch f {
	case DB:
		return vna.FromLogMagPhase(a, b)
	case MA:
		rad := b * math.Pi / 180
		return complex(a*math.Cos(rad), a*math.Sin(rad))
	default:
		return complex(a, b)
	}
}

func num(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// Header describes the option line of a parsed file.
type Header struct {
	Ports     int
	Format    Format
	Reference float64
}

// Read parses a one- or two-port Touchstone v1 file. One-port data is
// stored as S11. Frequencies are converted to Hz.
func Read(r io.Reader) (vna.SweepResult, Header, error) {
	hdr := Header{Format: MA, Reference: 50}
	scale := 1e9 // v1 default unit is GHz
	sawOptions := false

	var res vna.SweepResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '!'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if sawOptions {
				continue
			}
			sawOptions = true
			var err error
			scale, err = parseOptions(text, &hdr)
			if err != nil {
				return vna.SweepResult{}, Header{}, fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}

		fields := strings.Fields(text)
		vals := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return vna.SweepResult{}, Header{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
			}
			vals[i] = v
		}

		ports := 0
		switch len(vals) {
		case 3:
			ports = 1
		case 9:
			ports = 2
		default:
			return vna.SweepResult{}, Header{}, fmt.Errorf("%w: line %d has %d values", ErrMalformed, line, len(vals))
		}
		if hdr.Ports == 0 {
			hdr.Ports = ports
		} else if hdr.Ports != ports {
			return vna.SweepResult{}, Header{}, fmt.Errorf("%w: line %d mixes port counts", ErrMalformed, line)
		}

		pt := vna.SParameterPoint{FrequencyHz: vals[0] * scale}
		pt.S11 = unpair(hdr.Format, vals[1], vals[2])
		if ports == 2 {
			pt.S21 = unpair(hdr.Format, vals[3], vals[4])
			pt.S12 = unpair(hdr.Format, vals[5], vals[6])
			pt.S22 = unpair(hdr.Format, vals[7], vals[8])
		}
		res.Points = append(res.Points, pt)
	}
	if err := sc.Err(); err != nil {
		return vna.SweepResult{}, Header{}, err
	}
	if res.Len() == 0 {
		return vna.SweepResult{}, Header{}, fmt.Errorf("%w: no data", ErrMalformed)
	}
	return res, hdr, nil
}

// parseOptions reads "# <unit> <param> <format> R <ohms>" in any order.
func parseOptions(text string, hdr *Header) (float64, error) {
	scale := 1e9
	fields := strings.Fields(strings.TrimPrefix(text, "#"))
	for i := 0; i < len(fields); i++ {
		switch tok := strings.ToUpper(fields[i]); tok {
		case "HZ":
			scale = 1
		case "KHZ":
			scale = 1e3
		case "MHZ":
			scale = 1e6
		case "GHZ":
			scale = 1e9
		case "S":
		case "Y", "Z", "H", "G":
			return 0, fmt.Errorf("%w: %s parameters are not supported", ErrMalformed, tok)
		case "RI", "DB", "MA":
			hdr.Format = Format(tok)
		case "R":
			if i+1 >= len(fields) {
				return 0, fmt.Errorf("%w: missing reference impedance", ErrMalformed)
			}
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return 0, fmt.Errorf("%w: reference impedance: %v", ErrMalformed, err)
			}
			hdr.Reference = v
			i++
		default:
			return 0, fmt.Errorf("%w: unknown option %q", ErrMalformed, fields[i])
		}
	}
	return scale, nil
}
