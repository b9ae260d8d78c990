// Package metrics provides Prometheus metrics collection for the plugin executor.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics exposed by an executor and the
// components that supervise it.
type Metrics struct {
	// Execution metrics, sourced from ExecutorStats snapshots.
	ExecutionsTotal          *prometheus.CounterVec
	ExecutionDuration        *prometheus.HistogramVec
	CurrentInstanceExecution prometheus.Gauge
	RestartsTotal            prometheus.Counter
	ChannelDepth             prometheus.Gauge
	ChannelCapacity          prometheus.Gauge

	// Findings emitted by scripts via emit_finding.
	FindingsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_executions_total",
				Help: "Total number of plugin invocations (scan_transaction and invoke_tool), by operation and outcome",
			},
			[]string{"plugin_id", "operation", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugin_execution_duration_seconds",
				Help:    "Plugin invocation duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"plugin_id", "operation"},
		),
		CurrentInstanceExecution: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugin_current_instance_executions",
				Help: "Number of executions served by the currently running engine instance, since its last restart",
			},
		),
		RestartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugin_restarts_total",
				Help: "Total number of times the plugin executor has been restarted",
			},
		),
		ChannelDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugin_command_channel_depth",
				Help: "Number of commands currently queued on the executor's command channel",
			},
		),
		ChannelCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugin_command_channel_capacity",
				Help: "Configured bound of the executor's command channel",
			},
		),
		FindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_findings_emitted_total",
				Help: "Total number of findings emitted by plugin scripts, by severity",
			},
			[]string{"plugin_id", "severity"},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.CurrentInstanceExecution,
			m.RestartsTotal,
			m.ChannelDepth,
			m.ChannelCapacity,
			m.FindingsTotal,
			m.ErrorsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordExecution records a completed plugin invocation.
func (m *Metrics) RecordExecution(pluginID, operation, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(pluginID, operation, status).Inc()
	m.ExecutionDuration.WithLabelValues(pluginID, operation).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordFinding records a finding emitted by a plugin script.
func (m *Metrics) RecordFinding(pluginID, severity string) {
	m.FindingsTotal.WithLabelValues(pluginID, severity).Inc()
}

// RecordRestart records a completed executor restart and resets the
// current-instance execution gauge to zero for the freshly spawned worker.
func (m *Metrics) RecordRestart() {
	m.RestartsTotal.Inc()
	m.CurrentInstanceExecution.Set(0)
}

// SetCurrentInstanceExecutions sets the execution count of the current
// engine instance, as reported by ExecutorStats.
func (m *Metrics) SetCurrentInstanceExecutions(count uint64) {
	m.CurrentInstanceExecution.Set(float64(count))
}

// SetChannelDepth records the observed depth and capacity of the command channel.
func (m *Metrics) SetChannelDepth(depth, capacity int) {
	m.ChannelDepth.Set(float64(depth))
	m.ChannelCapacity.Set(float64(capacity))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
