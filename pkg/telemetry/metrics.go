package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the transfer process manager.
// All methods are safe on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// State machine metrics
	transitions     *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	terminations    *prometheus.CounterVec
	leased          *prometheus.CounterVec
	processes       *prometheus.GaugeVec

	// Collaborator metrics
	dispatches     *prometheus.CounterVec
	provisionCalls *prometheus.CounterVec
	commands       *prometheus.CounterVec
	listenerErrors *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
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

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_transitions_total",
				Help:      "Total number of transfer process state transitions",
			},
			[]string{"type", "from", "to"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_handler_duration_seconds",
				Help:      "Duration of state handler invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"state", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_retries_total",
				Help:      "Total number of failed attempts scheduled for retry",
			},
			[]string{"state"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_failures_total",
				Help:      "Total number of transfer processes failed by the engine",
			},
			[]string{"state", "reason"},
		),
		leased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_leased_total",
				Help:      "Total number of transfer processes leased for processing",
			},
			[]string{"state"},
		),
		processes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transfer_processes",
				Help:      "Current number of transfer processes per state",
			},
			[]string{"state"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_messages_total",
				Help:      "Total number of protocol messages sent to counterparties",
			},
			[]string{"protocol", "message", "result"},
		),
		provisionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_responses_total",
				Help:      "Total number of provisioning responses by outcome",
			},
			[]string{"operation", "outcome"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of commands applied",
			},
			[]string{"type", "result"},
		),
		listenerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listener_errors_total",
				Help:      "Total number of failed listener notifications",
			},
			[]string{"listener"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.handlerDuration,
		m.retries,
		m.terminations,
		m.leased,
		m.processes,
		m.dispatches,
		m.provisionCalls,
		m.commands,
		m.listenerErrors,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTransition counts a state transition.
func (m *Metrics) RecordTransition(processType, from, to string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(processType, from, to).Inc()
}

// RecordHandler records a state handler invocation.
func (m *Metrics) RecordHandler(state, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.handlerDuration.WithLabelValues(state, outcome).Observe(duration.Seconds())
}

// RecordRetry counts a failed attempt that will be retried.
func (m *Metrics) RecordRetry(state string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(state).Inc()
}

// RecordFailure counts a process failed by the engine.
func (m *Metrics) RecordFailure(state, reason string) {
	if !m.enabled() {
		return
	}
	m.terminations.WithLabelValues(state, reason).Inc()
}

// RecordLeased counts processes leased in one batch.
func (m *Metrics) RecordLeased(state string, count int) {
	if !m.enabled() || count == 0 {
		return
	}
	m.leased.WithLabelValues(state).Add(float64(count))
}

// SetProcessCount sets the number of processes in a state.
func (m *Metrics) SetProcessCount(state string, count int) {
	if !m.enabled() {
		return
	}
	m.processes.WithLabelValues(state).Set(float64(count))
}

// RecordDispatch counts a protocol message send.
func (m *Metrics) RecordDispatch(protocol, message, result string) {
	if !m.enabled() {
		return
	}
	m.dispatches.WithLabelValues(protocol, message, result).Inc()
}

// RecordProvisionResponse counts a provisioning or deprovisioning response.
func (m *Metrics) RecordProvisionResponse(operation, outcome string) {
	if !m.enabled() {
		return
	}
	m.provisionCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordCommand counts an applied command.
func (m *Metrics) RecordCommand(commandType, result string) {
	if !m.enabled() {
		return
	}
	m.commands.WithLabelValues(commandType, result).Inc()
}

// RecordListenerError counts a failed listener notification.
func (m *Metrics) RecordListenerError(listener string) {
	if !m.enabled() {
		return
	}
	m.listenerErrors.WithLabelValues(listener).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
