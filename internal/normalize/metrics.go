package normalize

import (
	"strconv"
	"time"

	"github.com/CZERTAINLY/normalizer/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives the observable events of a Runner.
type MetricsCollector interface {
	// StateTransition records a runner state change
	StateTransition(from, to State)

	// ProcessExited records the exit code and run time of a process
	ProcessExited(exitCode int, duration time.Duration)

	// TraceMessage records a captured diagnostic record
	TraceMessage(source model.TraceSource)

	// LogLine records a line forwarded to the log sink
	LogLine(stream string)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) StateTransition(State, State) {}
func (noopMetricsCollector) ProcessExited(int, time.Duration) {}
func (noopMetricsCollector) TraceMessage(model.TraceSource) {}
func (noopMetricsCollector) LogLine(string) {}

// NewNoopMetricsCollector creates a collector which drops everything.
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

// PrometheusMetricsCollector implements MetricsCollector on its own registry.
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	exits            *prometheus.CounterVec
	duration         prometheus.Histogram
	traceMessages    *prometheus.CounterVec
	logLines         *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "normalizer"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_state_transitions_total",
			Help:      "Total number of runner state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Total number of normalization process exits by exit code",
		},
		[]string{"exit_code"},
	)

	pmc.duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Run time of normalization processes",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	pmc.traceMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_messages_total",
			Help:      "Total number of diagnostic records captured by source",
		},
		[]string{"source"},
	)

	pmc.logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Total number of forwarded log lines by stream",
		},
		[]string{"stream"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.exits,
		pmc.duration,
		pmc.traceMessages,
		pmc.logLines,
	)

	return pmc
}

func (p *PrometheusMetricsCollector) StateTransition(from, to State) {
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (p *PrometheusMetricsCollector) ProcessExited(exitCode int, duration time.Duration) {
	p.exits.WithLabelValues(strconv.Itoa(exitCode)).Inc()
	p.duration.Observe(duration.Seconds())
}

func (p *PrometheusMetricsCollector) TraceMessage(source model.TraceSource) {
	p.traceMessages.WithLabelValues(source.String()).Inc()
}

func (p *PrometheusMetricsCollector) LogLine(stream string) {
	p.logLines.WithLabelValues(stream).Inc()
}

// Registry returns the registry holding the collector metrics.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// WriteTextfile dumps the metrics in the node exporter textfile format.
func (p *PrometheusMetricsCollector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
