package scpi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/GoVNA/internal/vna"
)

// TraceFormat selects the representation CALC:DATA returns.
type TraceFormat string

const (
	FormatReal   TraceFormat = "REAL"
	FormatImag   TraceFormat = "IMAG"
	FormatLogMag TraceFormat = "LOGMAG"
	FormatPhase  TraceFormat = "PHASE"
)

// TouchstoneFormat selects the number pair written by MMEM:STOR:TRAC.
type TouchstoneFormat string

const (
	TouchstoneDBAngle  TouchstoneFormat = "DBANG"
	TouchstoneRealImag TouchstoneFormat = "RIAN"
)

// Identity is the parsed *IDN? reply.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

// ParseIdentity splits an IEEE 488.2 identification string.
func ParseIdentity(s string) Identity {
	parts := strings.SplitN(s, ",", 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return Identity{
		Manufacturer: strings.TrimSpace(parts[0]),
		Model:        strings.TrimSpace(parts[1]),
		Serial:       strings.TrimSpace(parts[2]),
		Firmware:     strings.TrimSpace(parts[3]),
	}
}

// Instrument wraps a Conn with the analyzer's command set.
type Instrument struct {
	conn         *Conn
	sweepTimeout time.Duration
}

// NewInstrument binds the command set to conn. The sweep timeout is taken
// from the connection options.
func NewInstrument(conn *Conn) *Instrument {
	return &Instrument{conn: conn, sweepTimeout: conn.opts.SweepTimeout}
}

func (in *Instrument) Close() error { return in.conn.Close() }

func (in *Instrument) Identify(ctx context.Context) (Identity, error) {
	reply, err := in.conn.Query(ctx, "*IDN?")
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentity(reply), nil
}

// SetASCIIFormat makes trace queries return ASCII number lists.
func (in *Instrument) SetASCIIFormat(ctx context.Context) error {
	return in.conn.Exec(ctx, "FORMAT ASCII")
}

// Init starts a sweep and blocks until the instrument reports completion.
func (in *Instrument) Init(ctx context.Context) (string, error) {
	return in.conn.QueryTimeout(ctx, "INIT", in.sweepTimeout)
}

// TraceData reads one S-parameter trace of the last sweep.
func (in *Instrument) TraceData(ctx context.Context, param vna.Parameter, format TraceFormat) ([]float64, error) {
	return in.conn.QueryFloats(ctx, fmt.Sprintf("CALC:DATA %s,%s", param, format))
}

func (in *Instrument) StartFrequency(ctx context.Context) (float64, error) {
	return in.conn.QueryFloat(ctx, "SENSE:FREQUENCY:START?")
}

func (in *Instrument) StopFrequency(ctx context.Context) (float64, error) {
	return in.conn.QueryFloat(ctx, "SENSE:FREQUENCY:STOP?")
}

func (in *Instrument) SweepPoints(ctx context.Context) (int, error) {
	v, err := in.conn.QueryFloat(ctx, "SENSE:SWEEP:POINTS?")
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func (in *Instrument) PowerLevel(ctx context.Context) (float64, error) {
	return in.conn.QueryFloat(ctx, "SOURCE:POWER:LEVEL?")
}

func (in *Instrument) Bandwidth(ctx context.Context) (float64, error) {
	return in.conn.QueryFloat(ctx, "SENSE:BANDWIDTH?")
}

func (in *Instrument) SetStartFrequency(ctx context.Context, hz float64) error {
	return in.conn.Exec(ctx, "SENSE:FREQUENCY:START "+formatNumber(hz))
}

func (in *Instrument) SetStopFrequency(ctx context.Context, hz float64) error {
	return in.conn.Exec(ctx, "SENSE:FREQUENCY:STOP "+formatNumber(hz))
}

func (in *Instrument) SetSweepPoints(ctx context.Context, n int) error {
	return in.conn.Exec(ctx, "SENSE:SWEEP:POINTS "+strconv.Itoa(n))
}

func (in *Instrument) SetPowerLevel(ctx context.Context, dbm float64) error {
	return in.conn.Exec(ctx, "SOURCE:POWER:LEVEL "+formatNumber(dbm))
}

func (in *Instrument) SetBandwidth(ctx context.Context, hz float64) error {
	return in.conn.Exec(ctx, "SENSE:BANDWIDTH "+formatNumber(hz))
}

// ChangeDirectory sets the instrument's working directory for MMEM commands.
func (in *Instrument) ChangeDirectory(ctx context.Context, dir string) error {
	return in.conn.Exec(ctx, "MMEM:CD "+dir)
}

// ApplyCalibration loads a calibration file from the working directory.
func (in *Instrument) ApplyCalibration(ctx context.Context, name string) error {
	return in.conn.Exec(ctx, "MMEM:APPLY:CAL "+name)
}

func (in *Instrument) SetTouchstoneFormat(ctx context.Context, f TouchstoneFormat) error {
	return in.conn.Exec(ctx, "MMEMory:STORe:TRACe:OPTion:TOUCHSTONEDATAFORMAT "+string(f))
}

// StoreTrace writes the last sweep to a Touchstone file on the instrument.
// kind is S1P or S2P; ports selects the port (0 for both).
func (in *Instrument) StoreTrace(ctx context.Context, ports int, kind, file string) error {
	kind = strings.ToUpper(kind)
	if kind != "S1P" && kind != "S2P" {
		return fmt.Errorf("%w: touchstone kind %q", vna.ErrInvalidParameter, kind)
	}
	return in.conn.Exec(ctx, fmt.Sprintf("MMEMory:STORe:TRACe %d,%s,%s", ports, kind, file))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
