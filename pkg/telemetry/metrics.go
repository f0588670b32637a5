package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the ParcelSat pipeline.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Feature metrics
	featuresProcessed *prometheus.CounterVec
	featureDuration   *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	pollTicks        *prometheus.CounterVec

	// Recovery metrics
	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec

	// Payload metrics
	offloadedPayloads prometheus.Counter
	offloadedBytes    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of processing runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of processing runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of currently executing runs",
			},
		),

		featuresProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_processed_total",
				Help:      "Total number of features reaching a terminal status",
			},
			[]string{"status"},
		),
		featureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feature_duration_seconds",
				Help:      "Duration of per-feature processing in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of imagery provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of imagery provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of imagery provider errors",
			},
			[]string{"provider", "operation", "class"},
		),
		pollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Total number of order status checks",
			},
			[]string{"provider"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried operations",
			},
			[]string{"stage"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Total number of features quarantined after exhausting recovery",
			},
			[]string{"stage"},
		),

		offloadedPayloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offloaded_payloads_total",
				Help:      "Total number of intermediate payloads offloaded to storage",
			},
		),
		offloadedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offloaded_bytes_total",
				Help:      "Total bytes of intermediate payloads offloaded to storage",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.featuresProcessed,
		m.featureDuration,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.pollTicks,
		m.retries,
		m.deadLetters,
		m.offloadedPayloads,
		m.offloadedBytes,
	)

	return m, nil
}

// RunStarted records a run start.
func (m *Metrics) RunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunCompleted records a run completion with its terminal status.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// FeatureProcessed records a feature reaching a terminal status.
func (m *Metrics) FeatureProcessed(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.featuresProcessed.WithLabelValues(status).Inc()
	m.featureDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ProviderCall records an imagery provider call and its outcome.
func (m *Metrics) ProviderCall(provider, operation string, duration time.Duration, errClass string) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if errClass != "" {
		m.providerErrors.WithLabelValues(provider, operation, errClass).Inc()
	}
}

// PollTick records a single order status check.
func (m *Metrics) PollTick(provider string) {
	if m.registry == nil {
		return
	}
	m.pollTicks.WithLabelValues(provider).Inc()
}

// Retry records a retried operation at the given stage.
func (m *Metrics) Retry(stage string) {
	if m.registry == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

// DeadLetter records a quarantined feature at the given stage.
func (m *Metrics) DeadLetter(stage string) {
	if m.registry == nil {
		return
	}
	m.deadLetters.WithLabelValues(stage).Inc()
}

// PayloadOffloaded records one offloaded payload of the given size.
func (m *Metrics) PayloadOffloaded(sizeBytes int64) {
	if m.registry == nil {
		return
	}
	m.offloadedPayloads.Inc()
	m.offloadedBytes.Add(float64(sizeBytes))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
