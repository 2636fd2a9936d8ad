// Package metrics instruments the daemon's hot paths on a dedicated
// Prometheus registry, served at GET /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the daemon's metric families.
type Collector struct {
	registry *prometheus.Registry

	hookEvents    *prometheus.CounterVec
	hookDecisions *prometheus.CounterVec
	hookDuration  *prometheus.HistogramVec

	mcpCalls    *prometheus.CounterVec
	mcpDuration *prometheus.HistogramVec

	workflowActions *prometheus.CounterVec

	webhookDeliveries *prometheus.CounterVec
	wsClients         prometheus.Gauge
	sessionsActive    prometheus.Gauge
}

// New builds the collector and registers everything, including the standard
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		hookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_hook_events_total",
			Help: "Hook events received, by event type.",
		}, []string{"event_type"}),
		hookDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_hook_decisions_total",
			Help: "Hook pipeline decisions, by event type and decision.",
		}, []string{"event_type", "decision"}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gobby_hook_duration_seconds",
			Help:    "Hook pipeline latency, by event type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		mcpCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_mcp_tool_calls_total",
			Help: "MCP tool calls, by server and outcome.",
		}, []string{"server", "outcome"}),
		mcpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gobby_mcp_tool_duration_seconds",
			Help:    "MCP tool call latency, by server.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"server"}),
		workflowActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_workflow_actions_total",
			Help: "Workflow actions executed, by action and outcome.",
		}, []string{"action", "outcome"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_webhook_deliveries_total",
			Help: "Webhook deliveries, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gobby_websocket_clients",
			Help: "Currently connected WebSocket clients.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gobby_sessions_active",
			Help: "Sessions currently in the active status.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.hookEvents, c.hookDecisions, c.hookDuration,
		c.mcpCalls, c.mcpDuration, c.workflowActions,
		c.webhookDeliveries, c.wsClients, c.sessionsActive,
	)
	return c
}

// ObserveHook records one pipeline pass.
func (c *Collector) ObserveHook(eventType, decision string, elapsed time.Duration) {
	c.hookEvents.WithLabelValues(eventType).Inc()
	c.hookDecisions.WithLabelValues(eventType, decision).Inc()
	c.hookDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// ObserveMCPCall records one proxied tool call.
func (c *Collector) ObserveMCPCall(server string, success bool, elapsed time.Duration) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	c.mcpCalls.WithLabelValues(server, outcome).Inc()
	c.mcpDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

// ObserveWorkflowAction records one executed workflow action.
func (c *Collector) ObserveWorkflowAction(action string, success bool) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	c.workflowActions.WithLabelValues(action, outcome).Inc()
}

// ObserveWebhook records one endpoint delivery outcome.
func (c *Collector) ObserveWebhook(endpoint string, success bool) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	c.webhookDeliveries.WithLabelValues(endpoint, outcome).Inc()
}

// SetWSClients updates the connected-client gauge.
func (c *Collector) SetWSClients(n int) { c.wsClients.Set(float64(n)) }

// SetActiveSessions updates the active-session gauge.
func (c *Collector) SetActiveSessions(n int64) { c.sessionsActive.Set(float64(n)) }

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
