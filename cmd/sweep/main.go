// Command sweep runs frequency sweeps on a network analyzer, or on the
// simulated instrument when none is reachable, and prints the results.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rjboer/GoVNA/internal/config"
	"github.com/rjboer/GoVNA/internal/logging"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stdout, logger); err != nil {
		logger.Error("sweep failed", logging.F("error", err))
		os.Exit(1)
	}
}

// Modes follow the classic analyzer examples: uniform sweeps read back
// synchronously or point by point, a logarithmic sweep, a sweep matching a
// user calibration, a triggered sweep, arbitrary points, and a time-domain
// transform.
const (
	modeSync       = "sync"
	modeStream     = "stream"
	modeLog        = "log"
	modeCal        = "cal"
	modeTrigger    = "trigger"
	modeCustom     = "custom"
	modeTimeDomain = "timedomain"
)

var modes = []string{modeSync, modeStream, modeLog, modeCal, modeTrigger, modeCustom, modeTimeDomain}

type cliConfig struct {
	config.Config

	mode         string
	points       int
	startHz      float64
	stopHz       float64
	ratio        float64
	calFile      string
	customPoints []string
	window       string
	response     string
	parameter    string
	triggerAfter time.Duration
	ports        int
	name         string
	sweeps       int
	list         bool
}

func parseConfig(args []string) (cliConfig, error) {
	l := config.NewLoader("sweep")
	fs := l.Flags()
	fs.String("mode", modeSync, "Sweep mode (sync|stream|log|cal|trigger|custom|timedomain)")
	fs.Int("points", 201, "Number of points for uniform sweeps")
	fs.Float64("start", 0, "Start frequency in Hz (0 uses the instrument minimum)")
	fs.Float64("stop", 0, "Stop frequency in Hz (0 uses the instrument maximum)")
	fs.Float64("ratio", 1.01, "Frequency step ratio for log sweeps")
	fs.String("cal", "", "Calibration file applied in cal mode")
	fs.StringSlice("point", nil, "Custom point as freq[:power[:bandwidth]] (repeatable)")
	fs.String("window", "hann", "Time-domain window (rect|hann|hamming)")
	fs.String("response", "step", "Time-domain response (step|impulse)")
	fs.String("parameter", "S21", "Parameter for the time-domain transform")
	fs.Duration("trigger-after", time.Second, "Fire the simulated external trigger after this delay")
	fs.Int("ports", 2, "Touchstone export port count (1|2)")
	fs.String("name", "sweep", "Export file base name")
	fs.Int("sweeps", 1, "Number of sweeps to run (0 repeats until interrupted)")
	fs.Bool("list", false, "List the sweeps archived in --store and exit")

	base, err := l.Load(args)
	if err != nil {
		return cliConfig{}, err
	}
	v := l.Viper()
	cfg := cliConfig{
		Config:       base,
		mode:         v.GetString("mode"),
		points:       v.GetInt("points"),
		startHz:      v.GetFloat64("start"),
		stopHz:       v.GetFloat64("stop"),
		ratio:        v.GetFloat64("ratio"),
		calFile:      v.GetString("cal"),
		customPoints: v.GetStringSlice("point"),
		window:       v.GetString("window"),
		response:     v.GetString("response"),
		parameter:    v.GetString("parameter"),
		triggerAfter: v.GetDuration("trigger-after"),
		ports:        v.GetInt("ports"),
		name:         v.GetString("name"),
		sweeps:       v.GetInt("sweeps"),
		list:         v.GetBool("list"),
	}
	if !validMode(cfg.mode) {
		return cliConfig{}, fmt.Errorf("unknown mode %q (want one of %v)", cfg.mode, modes)
	}
	if cfg.sweeps < 0 {
		return cliConfig{}, errors.New("sweeps must not be negative")
	}
	if cfg.list && cfg.Store.Path == "" {
		return cliConfig{}, errors.New("--list needs --store")
	}
	if cfg.mode == modeCal && cfg.calFile == "" {
		return cliConfig{}, errors.New("cal mode needs --cal")
	}
	if cfg.mode == modeCustom && len(cfg.customPoints) == 0 {
		return cliConfig{}, errors.New("custom mode needs at least one --point")
	}
	return cfg, nil
}

func validMode(m string) bool {
	for _, known := range modes {
		if m == known {
			return true
		}
	}
	return false
}
