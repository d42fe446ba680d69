package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/GoVNA/internal/dsp"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/scpi"
	"github.com/rjboer/GoVNA/internal/sim"
	"github.com/rjboer/GoVNA/internal/telemetry"
	"github.com/rjboer/GoVNA/internal/touchstone"
	"github.com/rjboer/GoVNA/internal/vna"
)

func run(ctx context.Context, cfg cliConfig, out io.Writer, logger logging.Logger) error {
	if cfg.list {
		return listArchive(ctx, cfg, out, logger)
	}
	openReal, openDemo, err := openers(cfg, logger)
	if err != nil {
		return err
	}
	driver, err := vna.Open(ctx, cfg.Device, openReal, openDemo, logger)
	if err != nil {
		return err
	}
	defer driver.Close()
	return execute(ctx, cfg, driver, out, logger)
}

func openers(cfg cliConfig, logger logging.Logger) (vna.Opener, vna.Opener, error) {
	target := scpi.Target{Addr: cfg.SCPI.Address, DiscoverTimeout: cfg.SCPI.DiscoverTimeout}
	if cfg.SSH.Host != "" {
		target.SSH = &scpi.SSHConfig{
			Host:          cfg.SSH.Host,
			Port:          cfg.SSH.Port,
			User:          cfg.SSH.User,
			Password:      cfg.SSH.Password,
			KeyPath:       cfg.SSH.KeyPath,
			KnownHostsKey: cfg.SSH.HostKey,
		}
	}
	openReal := scpi.Opener(target, scpi.Options{
		DialTimeout:  cfg.SCPI.DialTimeout,
		ReadTimeout:  cfg.SCPI.ReadTimeout,
		SweepTimeout: cfg.SCPI.SweepTimeout,
		DialRetries:  uint64(cfg.SCPI.DialRetries),
		Logger:       logger,
	}, scpi.DriverOptions{Logger: logger})

	simOpts := sim.Options{PointDelay: cfg.Sim.PointDelay, Logger: logger}
	if cfg.Sim.Replay != "" {
		network, err := loadNetwork(cfg.Sim.Replay)
		if err != nil {
			return nil, nil, err
		}
		simOpts.Network = &network
	}
	return openReal, sim.Opener(simOpts), nil
}

func loadNetwork(path string) (vna.SweepResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return vna.SweepResult{}, err
	}
	defer f.Close()
	res, _, err := touchstone.Read(f)
	if err != nil {
		return vna.SweepResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	return res, nil
}

func execute(ctx context.Context, cfg cliConfig, driver vna.Driver, out io.Writer, logger logging.Logger) error {
	rec := &sweepRecorder{}
	observers := vna.MultiObserver{telemetry.NewLogReporter(logger), rec}
	if cfg.Web.Addr != "" {
		hub := telemetry.NewHub(cfg.Web.HistoryLimit, logger)
		observers = append(observers, hub)
		srv := telemetry.NewWebServer(cfg.Web.Addr, hub, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("web telemetry server", logging.F("error", err))
			}
		}()
	}

	session := vna.NewSession(driver, vna.WithLogger(logger), vna.WithObserver(observers))
	info, err := session.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Instrument connected: %s\n", info.Serial)

	plan, err := buildPlan(ctx, cfg, session, info)
	if err != nil {
		return err
	}

	exporter, err := newExporter(ctx, cfg, info, logger)
	if err != nil {
		return err
	}
	defer exporter.Close()

	for n := 0; cfg.sweeps == 0 || n < cfg.sweeps; n++ {
		res, err := acquire(ctx, cfg, session, driver, plan, out)
		if err != nil {
			if cfg.sweeps == 0 && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if cfg.mode == modeTimeDomain {
			if err := printTimeDomain(out, cfg, res); err != nil {
				return err
			}
		}
		if err := exporter.Save(ctx, rec.last(), plan, res, out); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, banner("Done"))
	return nil
}

func buildPlan(ctx context.Context, cfg cliConfig, session *vna.Session, info vna.DeviceInfo) (vna.MeasurementPlan, error) {
	start, stop := cfg.startHz, cfg.stopHz
	if start == 0 {
		start = info.MinSweepFrequencyHz
	}
	if stop == 0 {
		stop = info.MaxSweepFrequencyHz
	}
	power, bw := cfg.SCPI.PowerDbm, cfg.SCPI.BandwidthHz

	switch cfg.mode {
	case modeLog:
		return vna.BuildGeometricPlan(start, stop, cfg.ratio, power, bw)
	case modeCal:
		meta, err := session.ApplyCalibrationFromFile(ctx, cfg.calFile)
		if err != nil {
			return vna.MeasurementPlan{}, err
		}
		return vna.BuildPlanFromCalibration(meta)
	case modeTrigger:
		plan, err := vna.BuildUniformPlan(cfg.points, start, stop, power, bw)
		return plan.WithTrigger(vna.TriggerRisingEdge), err
	case modeCustom:
		points := make([]vna.MeasurementPoint, 0, len(cfg.customPoints))
		for _, s := range cfg.customPoints {
			mp, err := parsePoint(s, power, bw)
			if err != nil {
				return vna.MeasurementPlan{}, err
			}
			points = append(points, mp)
		}
		return vna.BuildCustomPlan(points...)
	case modeTimeDomain:
		// A span of points·start puts every point on the harmonic grid k·start.
		if cfg.stopHz == 0 {
			stop = start * float64(cfg.points)
		}
		return vna.BuildUniformPlan(cfg.points, start, stop, power, bw)
	default:
		return vna.BuildUniformPlan(cfg.points, start, stop, power, bw)
	}
}

// parsePoint reads freq[:power[:bandwidth]].
func parsePoint(s string, power, bw float64) (vna.MeasurementPoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return vna.MeasurementPoint{}, fmt.Errorf("%w: point %q", vna.ErrInvalidParameter, s)
	}
	vals := []float64{0, power, bw}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return vna.MeasurementPoint{}, fmt.Errorf("%w: point %q: %v", vna.ErrInvalidParameter, s, err)
		}
		vals[i] = v
	}
	return vna.MeasurementPoint{FrequencyHz: vals[0], PowerLevelDbm: vals[1], BandwidthHz: vals[2]}, nil
}

func acquire(ctx context.Context, cfg cliConfig, session *vna.Session, driver vna.Driver, plan vna.MeasurementPlan, out io.Writer) (vna.SweepResult, error) {
	switch cfg.mode {
	case modeStream:
		fmt.Fprintln(out, banner("Sweep (Async)"))
		return stream(ctx, session, plan, out, printRI, nil)
	case modeCal:
		fmt.Fprintln(out, banner("Asynchronous sweep"))
		return stream(ctx, session, plan, out, printLogMag, nil)
	case modeTrigger:
		if dev, ok := driver.(*sim.Device); ok {
			fire := time.AfterFunc(cfg.triggerAfter, dev.Trigger)
			defer fire.Stop()
		}
		fmt.Fprintln(out, banner("Waiting for trigger"))
		return stream(ctx, session, plan, out, printRI, func() {
			fmt.Fprintln(out, "Trigger event occurred")
			fmt.Fprintln(out, banner("Sweeping"))
		})
	case modeTimeDomain:
		fmt.Fprintln(out, banner("Sweeping"))
		return session.RunSynchronous(ctx, plan)
	case modeCustom:
		fmt.Fprintln(out, banner("Sweep (Sync)"))
		res, err := session.RunSynchronous(ctx, plan)
		if err == nil {
			for _, pt := range res.Points {
				printLogMag(out, pt)
			}
		}
		return res, err
	default:
		fmt.Fprintln(out, banner("Sweep (Sync)"))
		res, err := session.RunSynchronous(ctx, plan)
		if err == nil {
			for _, pt := range res.Points {
				printRI(out, pt)
			}
		}
		return res, err
	}
}

func stream(ctx context.Context, session *vna.Session, plan vna.MeasurementPlan, out io.Writer,
	show func(io.Writer, vna.SParameterPoint), first func()) (vna.SweepResult, error) {
	cur, err := session.RunStreaming(ctx, plan)
	if err != nil {
		return vna.SweepResult{}, err
	}
	defer cur.Close()

	res := vna.SweepResult{Points: make([]vna.SParameterPoint, 0, cur.Len())}
	for cur.HasMore() {
		pt, err := cur.Next(ctx)
		if err != nil {
			return vna.SweepResult{}, err
		}
		if first != nil && len(res.Points) == 0 {
			first()
		}
		show(out, pt)
		res.Points = append(res.Points, pt)
	}
	if err := cur.Err(); err != nil {
		return vna.SweepResult{}, err
	}
	return res, nil
}

func printTimeDomain(out io.Writer, cfg cliConfig, res vna.SweepResult) error {
	window, err := dsp.ParseWindow(cfg.window)
	if err != nil {
		return err
	}
	response, err := dsp.ParseResponse(cfg.response)
	if err != nil {
		return err
	}
	param, err := vna.ParseParameter(cfg.parameter)
	if err != nil {
		return err
	}
	samples, err := dsp.Transform(dsp.TimeDomainOptions{Window: window, Response: response}, param, res.Points)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Time / s\t\t Sample / U")
	for _, s := range samples {
		fmt.Fprintf(out, "%g\t\t%g\n", s.Time, s.Sample)
	}
	return nil
}

func printRI(out io.Writer, pt vna.SParameterPoint) {
	fmt.Fprintf(out, "%g Hz:", pt.FrequencyHz)
	for _, p := range vna.Parameters {
		z := pt.Value(p)
		fmt.Fprintf(out, " %s: %g%+gj", strings.ToLower(p.String()), vna.ToReal(z), vna.ToImaginary(z))
	}
	fmt.Fprintln(out)
}

func printLogMag(out io.Writer, pt vna.SParameterPoint) {
	fmt.Fprintf(out, "%g Hz:", pt.FrequencyHz)
	for _, p := range vna.Parameters {
		z := pt.Value(p)
		fmt.Fprintf(out, "  %s Mag (dB): %.3f  %s Phase (deg): %.2f", p, vna.LogMagnitudeDb(z), p, vna.PhaseDegrees(z))
	}
	fmt.Fprintln(out)
}

func banner(title string) string {
	const width = 72
	pad := width - len(title) - 2
	if pad < 2 {
		return " " + title + " "
	}
	left := strings.Repeat("-", pad/2)
	return left + " " + title + " " + strings.Repeat("-", pad-pad/2)
}

// sweepRecorder remembers the most recently started sweep.
type sweepRecorder struct {
	mu   sync.Mutex
	info vna.SweepInfo
}

func (r *sweepRecorder) SweepStarted(info vna.SweepInfo) {
	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
}

func (r *sweepRecorder) PointAcquired(vna.SweepInfo, int, vna.SParameterPoint) {}
func (r *sweepRecorder) SweepFinished(vna.SweepInfo, error)                   {}

func (r *sweepRecorder) last() vna.SweepInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}
