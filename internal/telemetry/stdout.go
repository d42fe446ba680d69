package telemetry

import (
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/vna"
)

// LogReporter writes sweep progress to a logger. Points are logged at debug
// level, sweep start and end at info.
type LogReporter struct {
	logger logging.Logger
}

// NewLogReporter builds a reporter with the provided logger.
func NewLogReporter(logger logging.Logger) LogReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return LogReporter{logger: logger.With(logging.F("subsystem", "telemetry"))}
}

func (r LogReporter) SweepStarted(info vna.SweepInfo) {
	r.logger.Info("sweep started",
		logging.F("sweep", info.Sweep),
		logging.F("mode", string(info.Mode)),
		logging.F("trigger", info.Trigger),
		logging.F("points", info.Points),
	)
}

func (r LogReporter) PointAcquired(info vna.SweepInfo, index int, pt vna.SParameterPoint) {
	r.logger.Debug("point acquired",
		logging.F("sweep", info.Sweep),
		logging.F("index", index),
		logging.F("frequency_hz", pt.FrequencyHz),
		logging.F("s11_db", vna.LogMagnitudeDb(pt.S11)),
		logging.F("s21_db", vna.LogMagnitudeDb(pt.S21)),
	)
}

func (r LogReporter) SweepFinished(info vna.SweepInfo, err error) {
	if err != nil {
		r.logger.Error("sweep failed", logging.F("sweep", info.Sweep), logging.F("error", err))
		return
	}
	r.logger.Info("sweep finished", logging.F("sweep", info.Sweep), logging.F("points", info.Points))
}
