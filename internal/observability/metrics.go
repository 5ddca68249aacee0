package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the counters both service roles report.
type Metrics struct {
	// EventsReceived counts normalized automation events.
	// Labels: source (callback|webhook|scan|sync|init|delay), outcome (accepted|duplicate|rejected)
	EventsReceived *prometheus.CounterVec

	// RulesMatched counts rule evaluations. Labels: table_id, result
	RulesMatched *prometheus.CounterVec

	// ActionsExecuted counts pipeline steps. Labels: type, status (success|error)
	ActionsExecuted *prometheus.CounterVec

	// ActionDuration measures action execution time in seconds. Labels: type
	ActionDuration *prometheus.HistogramVec

	// DeadLetters counts dead-lettered actions. Labels: type
	DeadLetters *prometheus.CounterVec

	// MessagesHandled counts orchestrator turns. Labels: skill, status (ok|error)
	MessagesHandled *prometheus.CounterVec

	// LLMRequests counts LLM calls. Labels: route (task|chat), status
	LLMRequests *prometheus.CounterVec

	// ToolCalls counts MCP tool invocations. Labels: tool, status
	ToolCalls *prometheus.CounterVec
}

// NewMetrics registers the bitflow metric set on a fresh registry and
// returns it together with the registry's HTTP handler.
func NewMetrics() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitflow_events_received_total",
			Help: "Normalized automation events by source and outcome.",
		}, []string{"source", "outcome"}),
		RulesMatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitflow_rules_evaluated_total",
			Help: "Rule evaluations by table and result.",
		}, []string{"table_id", "result"}),
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitflow_actions_executed_total",
			Help: "Pipeline actions by type and status.",
		}, []string{"type", "status"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bitflow_action_duration_seconds",
			Help:    "Action execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitflow_dead_letters_total",
			Help: "Actions that exhausted retries.",
		}, []string{"type"}),
		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitflow_messages_handled_total",
			Help: "Conversation turns by skill and status.",
		}, []string{"skill", "status"}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitflow_llm_requests_total",
			Help: "LLM calls by route and status.",
		}, []string{"route", "status"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitflow_tool_calls_total",
			Help: "MCP tool invocations by tool and status.",
		}, []string{"tool", "status"}),
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
