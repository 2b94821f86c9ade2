package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the unit control plane. A disabled
// Metrics is safe to use; every recorder becomes a no-op.
type Metrics struct {
	config MetricsConfig

	errorsReported *prometheus.CounterVec

	busRequests        *prometheus.CounterVec
	busRequestDuration *prometheus.HistogramVec

	hwConfigReloads *prometheus.CounterVec
	hwConfigLoaded  prometheus.Gauge

	operationMode *prometheus.GaugeVec

	lifecycleState   prometheus.Gauge
	startupStepDelay *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		errorsReported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors reported, by category, extent and level",
			},
			[]string{"category", "extent", "level"},
		),

		busRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_requests_total",
				Help:      "Addressed requests handled, by address, command and status",
			},
			[]string{"address", "command", "status"},
		),
		busRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bus_request_duration_seconds",
				Help:      "Round-trip time of addressed requests",
				Buckets:   buckets,
			},
			[]string{"address", "command"},
		),

		hwConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hwconfig_reloads_total",
				Help:      "Hardware config reload attempts, by status",
			},
			[]string{"status"},
		),
		hwConfigLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hwconfig_cache_loaded",
				Help:      "1 once the hardware config cache holds a document",
			},
		),

		operationMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operation_mode",
				Help:      "Last observed operation mode per scope (1 for the active mode)",
			},
			[]string{"scope", "mode"},
		),

		lifecycleState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lifecycle_state",
				Help:      "Unit lifecycle state (0 not-started .. 4 stopped)",
			},
		),
		startupStepDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "startup_step_duration_seconds",
				Help:      "Time taken by each startup step",
				Buckets:   buckets,
			},
			[]string{"step", "status"},
		),
	}

	registry.MustRegister(
		m.errorsReported,
		m.busRequests,
		m.busRequestDuration,
		m.hwConfigReloads,
		m.hwConfigLoaded,
		m.operationMode,
		m.lifecycleState,
		m.startupStepDelay,
	)

	return m, nil
}

// RecordError counts a reported error.
func (m *Metrics) RecordError(category, extent, level string) {
	if m == nil || m.errorsReported == nil {
		return
	}
	m.errorsReported.WithLabelValues(category, extent, level).Inc()
}

// RecordBusRequest records one addressed request round trip.
func (m *Metrics) RecordBusRequest(address, command, status string, duration time.Duration) {
	if m == nil || m.busRequests == nil {
		return
	}
	m.busRequests.WithLabelValues(address, command, status).Inc()
	m.busRequestDuration.WithLabelValues(address, command).Observe(duration.Seconds())
}

// RecordHwConfigReload records a reload attempt.
func (m *Metrics) RecordHwConfigReload(ok bool) {
	if m == nil || m.hwConfigReloads == nil {
		return
	}
	if ok {
		m.hwConfigReloads.WithLabelValues("success").Inc()
		m.hwConfigLoaded.Set(1)
		return
	}
	m.hwConfigReloads.WithLabelValues("failure").Inc()
}

// SetOperationMode marks mode as the active one for scope, clearing the others.
func (m *Metrics) SetOperationMode(scope, mode string, all []string) {
	if m == nil || m.operationMode == nil {
		return
	}
	for _, candidate := range all {
		value := 0.0
		if candidate == mode {
			value = 1.0
		}
		m.operationMode.WithLabelValues(scope, candidate).Set(value)
	}
}

// SetLifecycleState records the ordinal of the unit lifecycle state.
func (m *Metrics) SetLifecycleState(ordinal int) {
	if m == nil || m.lifecycleState == nil {
		return
	}
	m.lifecycleState.Set(float64(ordinal))
}

// RecordStartupStep records the duration of one supervisor step.
func (m *Metrics) RecordStartupStep(step string, ok bool, duration time.Duration) {
	if m == nil || m.startupStepDelay == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.startupStepDelay.WithLabelValues(step, status).Observe(duration.Seconds())
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
