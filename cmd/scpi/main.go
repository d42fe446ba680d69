// Command scpi is a wire-level diagnostic for SCPI network analyzers. It
// identifies the instrument, reads back the sweep setup and optionally runs a
// sweep, applies a stored calibration or saves a Touchstone file on the
// instrument.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rjboer/GoVNA/internal/config"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/scpi"
	"github.com/rjboer/GoVNA/internal/vna"
)

type cliConfig struct {
	config.Config

	wire        bool
	sweep       bool
	cal         string
	store       string
	storeFormat string
	storePorts  int
	storeKind   string
}

func parseConfig(args []string) (cliConfig, error) {
	l := config.NewLoader("scpi")
	fs := l.Flags()
	fs.Bool("wire", false, "Hex dump every byte on the connection (needs --scpi-addr)")
	fs.Bool("run-sweep", false, "Trigger a sweep and read back S11 and S21")
	fs.String("apply-cal", "", "Apply a calibration stored on the instrument (dir/name)")
	fs.String("store-trace", "", "Store the last sweep as Touchstone on the instrument")
	fs.String("store-format", "ri", "Touchstone number format on the instrument (ri|db)")
	fs.Int("store-ports", 0, "Port selection for --store-trace (0 for both)")
	fs.String("store-kind", "S2P", "Touchstone kind for --store-trace (S1P|S2P)")

	base, err := l.Load(args)
	if err != nil {
		return cliConfig{}, err
	}
	v := l.Viper()
	cfg := cliConfig{
		Config:      base,
		wire:        v.GetBool("wire"),
		sweep:       v.GetBool("run-sweep"),
		cal:         v.GetString("apply-cal"),
		store:       v.GetString("store-trace"),
		storeFormat: v.GetString("store-format"),
		storePorts:  v.GetInt("store-ports"),
		storeKind:   v.GetString("store-kind"),
	}
	if cfg.wire && cfg.SCPI.Address == "" {
		return cliConfig{}, errors.New("--wire needs --scpi-addr")
	}
	if _, err := touchstoneFormat(cfg.storeFormat); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func touchstoneFormat(s string) (scpi.TouchstoneFormat, error) {
	switch s {
	case "ri", "RI":
		return scpi.TouchstoneRealImag, nil
	case "db", "DB":
		return scpi.TouchstoneDBAngle, nil
	default:
		return "", fmt.Errorf("unknown store format %q (want ri or db)", s)
	}
}

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

	conn, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect failed", logging.F("error", err))
		os.Exit(1)
	}
	in := scpi.NewInstrument(conn)
	defer in.Close()

	if err := diagnose(ctx, cfg, in, os.Stdout); err != nil {
		logger.Error("diagnostic failed", logging.F("error", err))
		os.Exit(1)
	}
}

func connectOptions(cfg cliConfig, logger logging.Logger) scpi.Options {
	return scpi.Options{
		DialTimeout:  cfg.SCPI.DialTimeout,
		ReadTimeout:  cfg.SCPI.ReadTimeout,
		SweepTimeout: cfg.SCPI.SweepTimeout,
		DialRetries:  uint64(cfg.SCPI.DialRetries),
		Logger:       logger,
	}
}

func connect(ctx context.Context, cfg cliConfig, logger logging.Logger) (*scpi.Conn, error) {
	opts := connectOptions(cfg, logger)
	if cfg.wire {
		addr := cfg.SCPI.Address
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, strconv.Itoa(scpi.DefaultPort))
		}
		d := net.Dialer{Timeout: cfg.SCPI.DialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return scpi.NewConn(&loggingConn{Conn: c, logger: logger}, opts), nil
	}

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
	return scpi.Connect(ctx, target, opts)
}

func diagnose(ctx context.Context, cfg cliConfig, in *scpi.Instrument, out io.Writer) error {
	id, err := in.Identify(ctx)
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	fmt.Fprintln(out, "===============================================================")
	fmt.Fprintf(out, " Manufacturer : %s\n", id.Manufacturer)
	fmt.Fprintf(out, " Model        : %s\n", id.Model)
	fmt.Fprintf(out, " Serial       : %s\n", id.Serial)
	fmt.Fprintf(out, " Firmware     : %s\n", id.Firmware)
	fmt.Fprintln(out, "---------------------------------------------------------------")

	start, err := in.StartFrequency(ctx)
	if err != nil {
		return fmt.Errorf("read start frequency: %w", err)
	}
	stop, err := in.StopFrequency(ctx)
	if err != nil {
		return fmt.Errorf("read stop frequency: %w", err)
	}
	points, err := in.SweepPoints(ctx)
	if err != nil {
		return fmt.Errorf("read sweep points: %w", err)
	}
	fmt.Fprintf(out, " Sweep        : %g Hz .. %g Hz, %d points\n", start, stop, points)

	if cfg.cal != "" {
		dir, name := scpi.SplitInstrumentPath(cfg.cal)
		if dir != "" {
			if err := in.ChangeDirectory(ctx, dir); err != nil {
				return fmt.Errorf("change directory: %w", err)
			}
		}
		if err := in.ApplyCalibration(ctx, name); err != nil {
			return fmt.Errorf("apply calibration: %w", err)
		}
		fmt.Fprintf(out, " Calibration  : %s applied\n", cfg.cal)
	}

	if cfg.sweep {
		if err := sweep(ctx, in, out); err != nil {
			return err
		}
	}

	if cfg.store != "" {
		format, err := touchstoneFormat(cfg.storeFormat)
		if err != nil {
			return err
		}
		if err := in.SetTouchstoneFormat(ctx, format); err != nil {
			return fmt.Errorf("set touchstone format: %w", err)
		}
		if err := in.StoreTrace(ctx, cfg.storePorts, cfg.storeKind, cfg.store); err != nil {
			return fmt.Errorf("store trace: %w", err)
		}
		fmt.Fprintf(out, " Stored       : %s\n", cfg.store)
	}
	fmt.Fprintln(out, "===============================================================")
	return nil
}

func sweep(ctx context.Context, in *scpi.Instrument, out io.Writer) error {
	if err := in.SetASCIIFormat(ctx); err != nil {
		return fmt.Errorf("set ascii format: %w", err)
	}
	reply, err := in.Init(ctx)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	fmt.Fprintf(out, " INIT reply   : %q\n", reply)
	for _, p := range []vna.Parameter{vna.S11, vna.S21} {
		re, err := in.TraceData(ctx, p, scpi.FormatReal)
		if err != nil {
			return fmt.Errorf("read %s real: %w", p, err)
		}
		im, err := in.TraceData(ctx, p, scpi.FormatImag)
		if err != nil {
			return fmt.Errorf("read %s imag: %w", p, err)
		}
		if len(re) != len(im) {
			return fmt.Errorf("%w: %s has %d real and %d imaginary values", vna.ErrAcquisition, p, len(re), len(im))
		}
		fmt.Fprintf(out, " %s          : %d values", p, len(re))
		if len(re) > 0 {
			fmt.Fprintf(out, ", first %v", complex(re[0], im[0]))
		}
		fmt.Fprintln(out)
	}
	return nil
}

// loggingConn dumps every byte that crosses the wire at debug level.
type loggingConn struct {
	net.Conn
	logger logging.Logger
}

func (c *loggingConn) dump(dir string, data []byte) {
	if len(data) == 0 {
		return
	}
	c.logger.Debug("wire", logging.F("dir", dir), logging.F("bytes", len(data)), logging.F("dump", hex.Dump(data)))
}

func (c *loggingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.dump("in", p[:n])
	}
	return n, err
}

func (c *loggingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.dump("out", p[:n])
	}
	return n, err
}
