// Package archive persists completed sweeps and exports result files.
package archive

import (
	"time"

	"github.com/rjboer/GoVNA/internal/vna"
)

// Record is one archived sweep.
type Record struct {
	ID      string                 `json:"id"`
	Session string                 `json:"session"`
	Sweep   int                    `json:"sweep"`
	Mode    string                 `json:"mode"`
	Trigger string                 `json:"trigger"`
	Created time.Time              `json:"created"`
	Device  vna.DeviceInfo         `json:"device"`
	Plan    []vna.MeasurementPoint `json:"plan"`
	Points  []Point                `json:"points"`
	Labels  map[string]string      `json:"labels,omitempty"`
}

// Point stores a measured point as real/imaginary pairs in S11, S21, S12,
// S22 order.
type Point struct {
	FrequencyHz float64    `json:"f"`
	S           [8]float64 `json:"s"`
}

// Summary is the index entry kept for each record.
type Summary struct {
	ID      string    `json:"id"`
	Session string    `json:"session"`
	Created time.Time `json:"created"`
	Points  int       `json:"points"`
	StartHz float64   `json:"startHz"`
	StopHz  float64   `json:"stopHz"`
}

// NewRecord captures a finished sweep.
func NewRecord(info vna.SweepInfo, dev vna.DeviceInfo, plan vna.MeasurementPlan, res vna.SweepResult) Record {
	rec := Record{
		Session: info.Session,
		Sweep:   info.Sweep,
		Mode:    string(info.Mode),
		Trigger: info.Trigger.String(),
		Created: info.Started,
		Device:  dev,
		Plan:    plan.Points(),
		Points:  make([]Point, len(res.Points)),
	}
	for i, p := range res.Points {
		rec.Points[i] = Point{
			FrequencyHz: p.FrequencyHz,
			S: [8]float64{
				real(p.S11), imag(p.S11),
				real(p.S21), imag(p.S21),
				real(p.S12), imag(p.S12),
				real(p.S22), imag(p.S22),
			},
		}
	}
	return rec
}

// Result rebuilds the measured sweep.
func (r Record) Result() vna.SweepResult {
	out := vna.SweepResult{Points: make([]vna.SParameterPoint, len(r.Points))}
	for i, p := range r.Points {
		out.Points[i] = vna.SParameterPoint{
			FrequencyHz: p.FrequencyHz,
			S11:         complex(p.S[0], p.S[1]),
			S21:         complex(p.S[2], p.S[3]),
			S12:         complex(p.S[4], p.S[5]),
			S22:         complex(p.S[6], p.S[7]),
		}
	}
	return out
}

func (r Record) summary() Summary {
	s := Summary{ID: r.ID, Session: r.Session, Created: r.Created, Points: len(r.Points)}
	if n := len(r.Points); n > 0 {
		s.StartHz = r.Points[0].FrequencyHz
		s.StopHz = r.Points[n-1].FrequencyHz
	}
	return s
}
