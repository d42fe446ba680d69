package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rjboer/GoVNA/internal/archive"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/touchstone"
	"github.com/rjboer/GoVNA/internal/vna"
)

// exporter archives finished sweeps and writes Touchstone files to the
// configured sinks.
type exporter struct {
	store  *archive.Store
	sinks  []archive.Sink
	opts   touchstone.Options
	name   string
	device vna.DeviceInfo
	logger logging.Logger
}

func newExporter(ctx context.Context, cfg cliConfig, device vna.DeviceInfo, logger logging.Logger) (*exporter, error) {
	format, err := touchstone.ParseFormat(cfg.Export.Format)
	if err != nil {
		return nil, err
	}
	e := &exporter{
		opts:   touchstone.Options{Ports: cfg.ports, Format: format, Parameter: vna.S11},
		name:   cfg.name,
		device: device,
		logger: logger,
	}

	if cfg.Export.Dir != "" {
		e.sinks = append(e.sinks, archive.DirSink{Dir: cfg.Export.Dir, Compress: cfg.Export.Compress})
	}
	if m := cfg.Export.Minio; m.Endpoint != "" {
		sink, err := archive.NewMinioSink(ctx, archive.MinioConfig{
			Endpoint:  m.Endpoint,
			Bucket:    m.Bucket,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
			Prefix:    m.Prefix,
		})
		if err != nil {
			return nil, err
		}
		e.sinks = append(e.sinks, sink)
	}
	if cfg.Store.Path != "" {
		store, err := archive.Open(archive.Config{
			Path:             cfg.Store.Path,
			CompressionLevel: cfg.Store.Compression,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		e.store = store
	}
	return e, nil
}

// Save archives and exports one sweep.
func (e *exporter) Save(ctx context.Context, info vna.SweepInfo, plan vna.MeasurementPlan, res vna.SweepResult, out io.Writer) error {
	if e.store != nil {
		id, err := e.store.Put(ctx, archive.NewRecord(info, e.device, plan, res))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Archived as %s\n", id)
	}
	if len(e.sinks) == 0 {
		return nil
	}

	opts := e.opts
	opts.Comments = []string{
		fmt.Sprintf("%s %s", e.device.Model, e.device.Serial),
		fmt.Sprintf("session %s sweep %d", info.Session, info.Sweep),
		"measured " + info.Started.UTC().Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := touchstone.Write(&buf, res, opts); err != nil {
		return err
	}
	name := e.name + opts.Extension()
	if info.Sweep > 1 {
		name = fmt.Sprintf("%s-%d%s", e.name, info.Sweep, opts.Extension())
	}
	for _, sink := range e.sinks {
		loc, err := sink.Put(ctx, name, buf.Bytes())
		if err != nil {
			return err
		}
		e.logger.Debug("sweep exported", logging.F("location", loc), logging.F("bytes", buf.Len()))
		fmt.Fprintf(out, "Exported %s\n", loc)
	}
	return nil
}

func (e *exporter) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func listArchive(ctx context.Context, cfg cliConfig, out io.Writer, logger logging.Logger) error {
	store, err := archive.Open(archive.Config{Path: cfg.Store.Path, CompressionLevel: cfg.Store.Compression, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	sums, err := store.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, banner(fmt.Sprintf("%d archived sweep(s)", len(sums))))
	for _, s := range sums {
		fmt.Fprintf(out, "%s  %s  %5d points  %g Hz .. %g Hz\n",
			s.ID, s.Created.UTC().Format(time.RFC3339), s.Points, s.StartHz, s.StopHz)
	}
	return nil
}
