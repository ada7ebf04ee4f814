// Package telemetry holds the prometheus metrics and otel tracing helpers
// shared by the runner, the streaming pipeline and the HTTP surface.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	// Labels: agent, status (success|error)
	Invocations *prometheus.CounterVec
	// Labels: agent
	InvocationDuration *prometheus.HistogramVec
	// Labels: agent, kind (depth|calls|cycle|not-allowed|timeout|validation)
	Rejections *prometheus.CounterVec
	// Labels: agent, status
	PipelineRuns *prometheus.CounterVec
	// Labels: provider, model, type (input|output)
	Tokens *prometheus.CounterVec
	// Labels: block source (script)
	ScriptFailures *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_agent_invocations_total",
			Help: "Agent invocations by agent and outcome.",
		}, []string{"agent", "status"}),
		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storyforge_agent_invocation_duration_seconds",
			Help:    "Agent invocation latency.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"agent"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_agent_rejections_total",
			Help: "Invocations rejected by a runner limit.",
		}, []string{"agent", "kind"}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_pipeline_runs_total",
			Help: "Streaming pipeline runs by agent and outcome.",
		}, []string{"agent", "status"}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_tokens_total",
			Help: "Model tokens reported by providers.",
		}, []string{"provider", "model", "type"}),
		ScriptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_script_block_failures_total",
			Help: "Script blocks that degraded to a placeholder.",
		}, []string{"agent"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveInvocation(agent, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(agent, status).Inc()
	m.InvocationDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) Rejected(agent, kind string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(agent, kind).Inc()
}

func (m *Metrics) PipelineRun(agent, status string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(agent, status).Inc()
}

func (m *Metrics) AddTokens(provider, model string, input, output int) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(provider, model, "input").Add(float64(input))
	m.Tokens.WithLabelValues(provider, model, "output").Add(float64(output))
}

func (m *Metrics) ScriptFailed(agent string) {
	if m == nil {
		return
	}
	m.ScriptFailures.WithLabelValues(agent).Inc()
}
