// Package metrics provides Prometheus metrics for tapstripe.
//
// # Overview
//
// All collectors are registered on the default registry at package init
// through promauto, so importing the package is enough for them to appear on
// the /metrics endpoint served by internal/http.
//
// # Basic Usage
//
//	metrics.RecordsEmitted.WithLabelValues("charges", "INCREMENTAL").Inc()
//
//	timer := metrics.NewTimer("charges")
//	runResource()
//	metrics.RunDuration.WithLabelValues("charges").Observe(timer.Stop().Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsEmitted counts records handed to the output boundary.
	// Labels: resource, mode
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstripe_records_emitted_total",
			Help: "Total number of records emitted",
		},
		[]string{"resource", "mode"},
	)

	// PagesFetched counts pages returned by the provider.
	// Labels: entity
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstripe_pages_fetched_total",
			Help: "Total number of pages fetched",
		},
		[]string{"entity"},
	)

	// FetchRetries counts page requests repeated after a transient failure.
	// Labels: entity
	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstripe_fetch_retries_total",
			Help: "Total number of retried page requests",
		},
		[]string{"entity"},
	)

	// RequestDuration tracks provider request latency in seconds.
	// Labels: entity, status (HTTP status code or "error")
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tapstripe_request_duration_seconds",
			Help: "Provider request latency in seconds",
			Buckets: []float64{
				0.05, // 50ms - cached or tiny pages
				0.1,
				0.25,
				0.5,
				1, // 1s - full page of expanded objects
				2.5,
				5,
				10, // 10s - near the client timeout
			},
		},
		[]string{"entity", "status"},
	)

	// WindowsCommitted counts windows whose watermark was persisted.
	// Labels: resource
	WindowsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstripe_windows_committed_total",
			Help: "Total number of committed windows",
		},
		[]string{"resource"},
	)

	// Watermark is the last committed watermark per resource, in epoch seconds.
	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapstripe_watermark_seconds",
			Help: "Last committed watermark in epoch seconds",
		},
		[]string{"resource"},
	)

	// ResourceRuns counts finished resource runs by terminal state.
	// Labels: resource, state (DONE/FAILED)
	ResourceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstripe_resource_runs_total",
			Help: "Total number of resource runs by terminal state",
		},
		[]string{"resource", "state"},
	)

	// RunDuration tracks how long one resource run takes in seconds.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tapstripe_run_duration_seconds",
			Help:    "Resource run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"resource"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the label the timer was created with.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It can be called
// repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
