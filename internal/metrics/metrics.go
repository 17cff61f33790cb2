// Package metrics exposes the Prometheus counters and histograms of the
// orchestration engine on a dedicated registry.
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

// Registry holds every Switchboard collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	gateRejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_gate_rejections_total",
			Help: "Inbound events rejected by the security gate",
		},
		[]string{"reason"},
	)

	turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_turns_total",
			Help: "Conversation turns by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	turnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_turn_duration_seconds",
			Help:    "End-to-end turn latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 4, 6, 8, 12},
		},
		[]string{"channel"},
	)

	breakerTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_tool_calls_total",
			Help: "Tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	retrievalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_retrievals_total",
			Help: "Knowledge retrievals by status",
		},
		[]string{"status"},
	)

	retrievalDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_retrieval_duration_seconds",
			Help:    "Knowledge retrieval duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	promptCacheTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_prompt_cache_total",
			Help: "Prompt cache lookups by result",
		},
		[]string{"result"},
	)

	modelRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_model_requests_total",
			Help: "Model backend requests by provider and status",
		},
		[]string{"provider", "status"},
	)

	queueWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_queue_wait_seconds",
			Help:    "Time a turn waited for its conversation slot and a worker",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	queueInflight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_queue_inflight",
			Help: "Turns currently holding a worker slot",
		},
	)

	conversationsArchived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_conversations_archived_total",
			Help: "Idle conversations archived by backend and status",
		},
		[]string{"backend", "status"},
	)

	modelTokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_model_tokens_total",
			Help: "Model tokens by provider and direction",
		},
		[]string{"provider", "direction"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordGateRejection(reason string) {
	gateRejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordTurn(channel, outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(channel, outcome).Inc()
	turnDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func RecordBreakerTransition(from, to string) {
	breakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordRetrieval(status string, duration time.Duration) {
	retrievalsTotal.WithLabelValues(status).Inc()
	retrievalDuration.Observe(duration.Seconds())
}

func RecordPromptCache(result string) {
	promptCacheTotal.WithLabelValues(result).Inc()
}

func RecordModelRequest(provider, status string, inputTokens, outputTokens int64) {
	modelRequestsTotal.WithLabelValues(provider, status).Inc()
	if inputTokens > 0 {
		modelTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		modelTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func RecordQueueWait(d time.Duration) {
	queueWait.Observe(d.Seconds())
}

func QueueInflight(delta float64) {
	queueInflight.Add(delta)
}

func RecordArchived(backend, status string, n int) {
	conversationsArchived.WithLabelValues(backend, status).Add(float64(n))
}
