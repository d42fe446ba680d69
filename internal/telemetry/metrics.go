package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSweepsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govna_sweeps_started_total",
		Help: "The total number of sweeps started",
	}, []string{"mode"})

	metricSweepsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govna_sweeps_finished_total",
		Help: "The total number of sweeps finished",
	}, []string{"mode", "result"})

	metricPointsAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govna_points_acquired_total",
		Help: "The total number of measurement points acquired",
	})

	metricSweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "govna_sweep_duration_seconds",
		Help:    "Duration of sweeps from start to completion",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"mode"})

	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govna_live_subscribers",
		Help: "The number of connected live feed subscribers",
	})

	metricSamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govna_live_samples_dropped_total",
		Help: "Samples not delivered to a slow live subscriber",
	})

	metricHttpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govna_http_requests_total",
		Help: "Count of all HTTP requests",
	}, []string{"code", "method"})

	metricHttpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "govna_http_request_duration_seconds",
		Help: "Duration of all HTTP requests",
	}, []string{"code", "method"})
)
