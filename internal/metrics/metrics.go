// Package metrics exposes collection counters and latencies as Prometheus
// metrics. Every Recorder method is safe on a nil receiver, so components can
// take an optional *Recorder without guarding each call.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the collector's Prometheus metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	requestsSubmitted *prometheus.CounterVec
	requestsFinished  *prometheus.CounterVec
	barsReceived      *prometheus.CounterVec
	rowsWritten       *prometheus.CounterVec
	validationIssues  *prometheus.CounterVec
	connectionEvents  *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// New creates a recorder with a fresh registry that also carries the Go and
// process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requestsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxc_requests_submitted_total",
				Help: "Historical data requests submitted to the gateway",
			},
			[]string{"timeframe"},
		),
		requestsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxc_requests_finished_total",
				Help: "Historical data requests by terminal state",
			},
			[]string{"state"},
		),
		barsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxc_bars_received_total",
				Help: "Bars received from the gateway",
			},
			[]string{"instrument", "timeframe"},
		),
		rowsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxc_rows_written_total",
				Help: "Rows inserted or updated in the bar table",
			},
			[]string{"instrument", "timeframe"},
		),
		validationIssues: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxc_validation_issues_total",
				Help: "Consistency issues found in stored bars",
			},
			[]string{"kind"},
		),
		connectionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxc_connection_events_total",
				Help: "Gateway connection state changes",
			},
			[]string{"connected"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxc_request_duration_seconds",
				Help:    "Time from request registration to terminal state",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"timeframe"},
		),
	}
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RequestSubmitted counts one submitted request.
func (r *Recorder) RequestSubmitted(timeframe string) {
	if r == nil {
		return
	}
	r.requestsSubmitted.WithLabelValues(timeframe).Inc()
}

// RequestFinished counts a request reaching state and observes its duration.
func (r *Recorder) RequestFinished(timeframe, state string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requestsFinished.WithLabelValues(state).Inc()
	r.requestDuration.WithLabelValues(timeframe).Observe(elapsed.Seconds())
}

// BarsReceived adds n bars received for one key.
func (r *Recorder) BarsReceived(instrument, timeframe string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.barsReceived.WithLabelValues(instrument, timeframe).Add(float64(n))
}

// RowsWritten adds n stored rows.
func (r *Recorder) RowsWritten(instrument, timeframe string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.rowsWritten.WithLabelValues(instrument, timeframe).Add(float64(n))
}

// ValidationIssues adds n issues of kind.
func (r *Recorder) ValidationIssues(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.validationIssues.WithLabelValues(kind).Add(float64(n))
}

// ConnectionEvent counts a connection state change.
func (r *Recorder) ConnectionEvent(connected bool) {
	if r == nil {
		return
	}
	r.connectionEvents.WithLabelValues(strconv.FormatBool(connected)).Inc()
}
