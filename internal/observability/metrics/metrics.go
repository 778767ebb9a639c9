package metrics

import (
	"net/http"
	"strconv"
	"time"

	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects flow execution and HTTP metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	runScore     prometheus.Histogram
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	recoveries   *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	inFlight     prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates a Recorder and registers every collector.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_runs_total",
			Help: "Finished flow runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerflow_run_duration_seconds",
			Help:    "Wall time of finished flow runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		runScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerflow_run_score",
			Help:    "Final score of finished flow runs.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_steps_total",
			Help: "Step outcomes.",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerflow_step_duration_seconds",
			Help:    "Duration of steps including recovery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_recovery_decisions_total",
			Help: "Recovery engine decisions by kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerflow_queue_depth",
			Help: "Runs waiting in the local queue.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerflow_runs_in_flight",
			Help: "Runs currently executing.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_http_requests_total",
			Help: "HTTP requests by handler, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerflow_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	r.registry.MustRegister(
		r.runs, r.runDuration, r.runScore,
		r.steps, r.stepDuration, r.recoveries,
		r.queueDepth, r.inFlight,
		r.httpRequests, r.httpLatency,
	)
	for _, status := range []flow.FinalStatus{flow.FinalStatusSucceeded, flow.FinalStatusFailed} {
		r.runs.WithLabelValues(string(status))
	}
	return r
}

// StepCompleted records a step outcome.
func (r *Recorder) StepCompleted(_, _ string, outcome string, d time.Duration) {
	r.steps.WithLabelValues(outcome).Inc()
	r.stepDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecoveryDecided records a recovery decision.
func (r *Recorder) RecoveryDecided(kind recovery.Kind) {
	r.recoveries.WithLabelValues(string(kind)).Inc()
}

// RunCompleted records a finished run.
func (r *Recorder) RunCompleted(status flow.FinalStatus, score float64, d time.Duration) {
	r.runs.WithLabelValues(string(status)).Inc()
	r.runDuration.Observe(d.Seconds())
	r.runScore.Observe(score)
}

// SetQueueDepth reports the number of queued runs.
func (r *Recorder) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// RunStarted and RunStopped track executing runs.
func (r *Recorder) RunStarted() { r.inFlight.Inc() }
func (r *Recorder) RunStopped() { r.inFlight.Dec() }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
