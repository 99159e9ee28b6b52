package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	// Token Metrics
	RefreshTotal     *prometheus.CounterVec
	RefreshAttempts  prometheus.Histogram
	RefreshDuration  *prometheus.HistogramVec
	RevocationsTotal *prometheus.CounterVec

	// Recovery Metrics
	RecoveryTotal *prometheus.CounterVec

	// Provider API Metrics
	APICallsTotal   *prometheus.CounterVec
	APICallDuration *prometheus.HistogramVec

	// Circuit Breaker Metrics
	BreakerTransitionsTotal *prometheus.CounterVec
	BreakerOpen             *prometheus.GaugeVec

	// Coordination Metrics
	RefreshWaitDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on registry. A nil registry gets a fresh one
// with the Go and process collectors attached.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_keeper_refresh_total",
				Help: "Total number of terminal token refresh outcomes",
			},
			[]string{"outcome"}, // success, or the failure kind
		),
		RefreshAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "token_keeper_refresh_attempts",
				Help:    "Provider exchanges made per refresh",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		RefreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_keeper_refresh_duration_seconds",
				Help:    "Wall time of a refresh including backoff",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		),
		RevocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_keeper_revocations_total",
				Help: "Total number of soft revocations",
			},
			[]string{"reason"},
		),
		RecoveryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_keeper_recovery_total",
				Help: "Recovery strategy executions",
			},
			[]string{"strategy", "result"},
		),
		APICallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_keeper_api_calls_total",
				Help: "Provider resource API calls",
			},
			[]string{"method", "status"},
		),
		APICallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_keeper_api_call_duration_seconds",
				Help:    "Provider resource API call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		BreakerTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_keeper_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "token_keeper_breaker_open",
				Help: "1 while the breaker is not closed",
			},
			[]string{"breaker"},
		),
		RefreshWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_keeper_refresh_wait_duration_seconds",
				Help:    "Time callers spent waiting on another caller's refresh",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"}, // completed, timeout, cancelled
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRefresh(outcome string, attempts int, duration time.Duration) {
	m.RefreshTotal.WithLabelValues(outcome).Inc()
	m.RefreshAttempts.Observe(float64(attempts))
	m.RefreshDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordRevocation(reason string) {
	m.RevocationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRecovery(strategy string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.RecoveryTotal.WithLabelValues(strategy, result).Inc()
}

// RecordAPICall records a resource API call. Status 0 means no response was received.
func (m *Metrics) RecordAPICall(method string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.APICallsTotal.WithLabelValues(method, label).Inc()
	m.APICallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) RecordBreakerTransition(name, from, to string) {
	m.BreakerTransitionsTotal.WithLabelValues(name, from, to).Inc()
	open := 0.0
	if to != "closed" {
		open = 1
	}
	m.BreakerOpen.WithLabelValues(name).Set(open)
}

func (m *Metrics) RecordRefreshWait(outcome string, duration time.Duration) {
	m.RefreshWaitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
