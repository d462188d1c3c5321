// Package telemetry exposes deployment, polling, health and agent metrics in
// Prometheus format.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Deployments        *prometheus.CounterVec
	DeploymentDuration *prometheus.HistogramVec
	PollErrors         *prometheus.CounterVec
	HealthTargets      *prometheus.GaugeVec

	AgentInvocations *prometheus.CounterVec
	AgentRunning     prometheus.Gauge
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetroll_deployments_total",
				Help: "Host deployments by final state",
			},
			[]string{"host", "state"},
		),
		DeploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetroll_deployment_duration_seconds",
				Help:    "Time from submit to final state per host",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"host"},
		),
		PollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetroll_poll_errors_total",
				Help: "Errors returned while polling command or health state",
			},
			[]string{"transport", "kind"},
		),
		HealthTargets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetroll_health_targets",
				Help: "Targets of a health group by state",
			},
			[]string{"group", "state"},
		),
		AgentInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetroll_agent_invocations_total",
				Help: "Command batches finished by the agent",
			},
			[]string{"state"},
		),
		AgentRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetroll_agent_running_invocations",
				Help: "Command batches currently running on the agent",
			},
		),
	}
	m.Registry.MustRegister(
		m.Deployments,
		m.DeploymentDuration,
		m.PollErrors,
		m.HealthTargets,
		m.AgentInvocations,
		m.AgentRunning,
	)
	return m
}

// WithRuntimeCollectors adds the Go and process collectors, for long-running
// processes.
func (m *Metrics) WithRuntimeCollectors() *Metrics {
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDeployment records a host's final result.
func (m *Metrics) ObserveDeployment(res api.DeploymentResult) {
	m.Deployments.WithLabelValues(res.Host, string(res.State)).Inc()
	if res.State != api.DeploySubmitted && res.Duration > 0 {
		m.DeploymentDuration.WithLabelValues(res.Host).Observe(res.Duration.Seconds())
	}
}

// PollError counts a poll failure of the given kind.
func (m *Metrics) PollError(transport, kind string) {
	m.PollErrors.WithLabelValues(transport, kind).Inc()
}

// SetHealth replaces the per-state target counts of group.
func (m *Metrics) SetHealth(group string, targets []api.HealthTarget) {
	counts := map[api.HealthState]float64{
		api.HealthInitial:   0,
		api.HealthHealthy:   0,
		api.HealthUnhealthy: 0,
	}
	for _, t := range targets {
		counts[t.State]++
	}
	for state, n := range counts {
		m.HealthTargets.WithLabelValues(group, string(state)).Set(n)
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// WriteTextfile writes the current values for the node_exporter textfile
// collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

var (
	globalMu sync.Mutex
	global   *Metrics
)

// Global returns the process-wide metrics, creating them on first use.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewMetrics()
	}
	return global
}
