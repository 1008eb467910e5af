package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestration core.
// A single instance is created at startup and shared by injection.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	MessageDuration   *prometheus.HistogramVec
	ToolCalls         *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	LLMRequests       *prometheus.CounterVec
	LLMTokens         *prometheus.CounterVec
	EmbeddingLookups  *prometheus.CounterVec
	RemindersSent     prometheus.Counter
	AnalysisRounds    prometheus.Histogram
}

// NewMetrics registers the collectors with the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh
// prometheus.NewRegistry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "faa_messages_processed_total",
			Help: "Messages processed by the orchestrator, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		MessageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faa_message_duration_seconds",
			Help:    "End-to-end message processing duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"channel"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "faa_tool_calls_total",
			Help: "Tool invocations, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faa_tool_duration_seconds",
			Help:    "Tool call duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"tool"}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "faa_llm_requests_total",
			Help: "LLM requests, by provider, kind (text/json/embed), and outcome.",
		}, []string{"provider", "kind", "outcome"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "faa_llm_tokens_total",
			Help: "LLM token usage, by provider and direction.",
		}, []string{"provider", "direction"}),
		EmbeddingLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "faa_embedding_lookups_total",
			Help: "Embedding cache lookups, by layer and result.",
		}, []string{"layer", "result"}),
		RemindersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "faa_reminders_sent_total",
			Help: "Reminders successfully dispatched.",
		}),
		AnalysisRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "faa_analysis_rounds",
			Help:    "Thinking loop rounds per message.",
			Buckets: []float64{1, 2, 3},
		}),
	}
}
