package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guanpeibj/family-ai-assistant/internal/embeddings"
	"github.com/guanpeibj/family-ai-assistant/internal/experiments"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/prompts"
)

// Defaults for orchestrator knobs.
const (
	DefaultMessageDeadline   = 20 * time.Second
	DefaultSummaryEveryTurns = 12
)

// Reply is what the ingress layer returns to the caller.
type Reply struct {
	Response  string `json:"response"`
	TraceID   string `json:"trace_id"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Orchestrator runs the per-message flow end to end. Process never
// returns an error: every failure becomes a user-readable reply.
type Orchestrator struct {
	contexts  *ContextManager
	analyzer  *Analyzer
	executor  *Executor
	responder *Responder
	prompts   *prompts.Manager
	assigner  *experiments.Assigner
	tools     ToolCaller
	embedding *embeddings.Cache
	logger    *observability.Logger
	metrics   *observability.Metrics

	deadline          time.Duration
	summaryEveryTurns int
}

// OrchestratorConfig carries the orchestrator knobs.
type OrchestratorConfig struct {
	MessageDeadline   time.Duration
	SummaryEveryTurns int
}

// NewOrchestrator wires the per-message flow.
func NewOrchestrator(
	cm *ContextManager,
	analyzer *Analyzer,
	executor *Executor,
	responder *Responder,
	pm *prompts.Manager,
	assigner *experiments.Assigner,
	tools ToolCaller,
	embedding *embeddings.Cache,
	cfg OrchestratorConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if cfg.MessageDeadline <= 0 {
		cfg.MessageDeadline = DefaultMessageDeadline
	}
	if cfg.SummaryEveryTurns <= 0 {
		cfg.SummaryEveryTurns = DefaultSummaryEveryTurns
	}
	return &Orchestrator{
		contexts:          cm,
		analyzer:          analyzer,
		executor:          executor,
		responder:         responder,
		prompts:           pm,
		assigner:          assigner,
		tools:             tools,
		embedding:         embedding,
		logger:            logger,
		metrics:           metrics,
		deadline:          cfg.MessageDeadline,
		summaryEveryTurns: cfg.SummaryEveryTurns,
	}
}

// Process handles one inbound message. The reply is always user-facing;
// errors are logged with the trace ID and converted per kind.
func (o *Orchestrator) Process(ctx context.Context, msg *Message) *Reply {
	start := time.Now()
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()
	ctx = observability.WithTraceID(ctx, msg.TraceID)
	ctx = observability.WithPrincipal(ctx, msg.Principal)
	ctx = observability.WithChannel(ctx, msg.Channel)
	if msg.ThreadID != "" {
		ctx = observability.WithThreadID(ctx, msg.ThreadID)
	}
	ctx, span := observability.StartSpan(ctx, "message.process")

	response, err := o.process(ctx, msg)
	observability.EndSpan(span, err)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		response = FriendlyReply(err)
		o.logger.Error(ctx, "message.process.error",
			"kind", outcome, "elapsed_ms", elapsed.Milliseconds(), "error", err.Error())
	}
	if o.metrics != nil {
		o.metrics.MessagesProcessed.WithLabelValues(msg.Channel, outcome).Inc()
		o.metrics.MessageDuration.WithLabelValues(msg.Channel).Observe(elapsed.Seconds())
	}

	return &Reply{Response: response, TraceID: msg.TraceID, ElapsedMS: elapsed.Milliseconds()}
}

func (o *Orchestrator) process(ctx context.Context, msg *Message) (string, error) {
	// Preprocess: fold pre-extracted media text into the content.
	content := msg.Content
	for _, att := range msg.Attachments {
		if att.Text != "" {
			content += fmt.Sprintf("\n[%s] %s", att.Kind, att.Text)
		}
	}
	msg.Content = content

	assignment := o.assigner.Assign(msg.Principal, msg.Channel, o.prompts.CurrentVariant())
	variant := assignment.Variant
	if !o.prompts.HasVariant(variant) {
		variant = o.prompts.CurrentVariant()
	}

	embedder := embeddings.NewTraceCache(o.embedding)

	view, basic, err := o.contexts.Basic(ctx, msg)
	if err != nil {
		o.recordOutcome(ctx, assignment, true)
		return "", err
	}

	analysis, contextPayload, err := o.analyzer.Analyze(ctx, msg, view, basic, variant, embedder)
	if err != nil {
		o.recordOutcome(ctx, assignment, true)
		return "", err
	}

	if analysis.Understanding.NeedClarification {
		reply, err := o.responder.Clarify(ctx, msg, analysis, variant)
		if err != nil {
			o.recordOutcome(ctx, assignment, true)
			return "", err
		}
		o.persistClarificationTurn(ctx, msg, analysis)
		o.recordOutcome(ctx, assignment, false)
		return reply, nil
	}

	execution := o.executor.Execute(ctx, msg, analysis, view, contextPayload, embedder)

	reply, err := o.responder.Respond(ctx, msg, analysis, execution, contextPayload, variant)
	if err != nil {
		o.recordOutcome(ctx, assignment, true)
		return "", err
	}

	o.persistChatTurns(ctx, msg, analysis, reply)
	o.maybeSummarizeThread(ctx, msg, variant)
	o.recordOutcome(ctx, assignment, execution.Failed())
	return reply, nil
}

func (o *Orchestrator) recordOutcome(ctx context.Context, assignment experiments.Assignment, failed bool) {
	o.assigner.RecordOutcome(ctx, assignment, failed)
}

// persistChatTurns stores the user+assistant pair for this turn, with
// the full understanding echoed in. Persistence failures are logged and
// swallowed: the user already has their reply.
func (o *Orchestrator) persistChatTurns(ctx context.Context, msg *Message, analysis *Analysis, reply string) {
	now := time.Now().UTC().Format(time.RFC3339)
	understanding := map[string]any{
		"type":        "chat_turn",
		"role":        "user",
		"intent":      analysis.Understanding.Intent,
		"entities":    analysis.Understanding.Entities,
		"thread_id":   msg.ThreadID,
		"trace_id":    msg.TraceID,
		"channel":     msg.Channel,
		"occurred_at": now,
	}
	assistant := map[string]any{
		"type":        "chat_turn",
		"role":        "assistant",
		"thread_id":   msg.ThreadID,
		"trace_id":    msg.TraceID,
		"channel":     msg.Channel,
		"occurred_at": now,
	}

	_, err := o.tools.Call(ctx, "batch_store", map[string]any{
		"items": []map[string]any{
			{"user_id": msg.Principal, "content": msg.Content, "ai_data": understanding},
			{"user_id": msg.Principal, "content": reply, "ai_data": assistant},
		},
	})
	if err != nil {
		o.logger.Warn(ctx, "orchestrator.persist_turns.failed", "error", err.Error())
	}
}

func (o *Orchestrator) persistClarificationTurn(ctx context.Context, msg *Message, analysis *Analysis) {
	_, err := o.tools.Call(ctx, "store", map[string]any{
		"user_id": msg.Principal,
		"content": msg.Content,
		"ai_data": map[string]any{
			"type":           "clarification_turn",
			"intent":         analysis.Understanding.Intent,
			"missing_fields": analysis.Understanding.MissingFields,
			"thread_id":      msg.ThreadID,
			"trace_id":       msg.TraceID,
			"channel":        msg.Channel,
		},
	})
	if err != nil {
		o.logger.Warn(ctx, "orchestrator.persist_clarification.failed", "error", err.Error())
	}
}

// maybeSummarizeThread issues a plain-text summary once enough turns
// have accumulated since the last one, upserting it under a stable
// external_id so each thread keeps exactly one rolling summary.
func (o *Orchestrator) maybeSummarizeThread(ctx context.Context, msg *Message, variant string) {
	if msg.ThreadID == "" {
		return
	}

	turns, since := o.turnsSinceLastSummary(ctx, msg)
	if turns < o.summaryEveryTurns {
		return
	}

	transcript := make([]string, 0, len(since))
	for _, turn := range since {
		if content, ok := turn["content"].(string); ok {
			transcript = append(transcript, content)
		}
	}

	system, err := o.prompts.Assemble(variant, prompts.PhaseResponse, msg.Channel, nil)
	if err != nil {
		return
	}
	summary, err := o.analyzer.llm.ChatText(ctx, system,
		"请用三五句话总结以下对话的要点，保留事实与数字：\n"+strings.Join(transcript, "\n"))
	if err != nil {
		o.logger.Warn(ctx, "orchestrator.summarize.failed", "error", err.Error())
		return
	}

	// The executor's soft-upsert discipline is for planned steps; this
	// internal write goes through store with the same external_id
	// convention and relies on the same search-then-update sequence.
	o.upsertSummary(ctx, msg, summary)
}

func (o *Orchestrator) upsertSummary(ctx context.Context, msg *Message, summary string) {
	externalID := "thread_summary:" + msg.ThreadID
	aiData := map[string]any{
		"type":        "thread_summary",
		"thread_id":   msg.ThreadID,
		"external_id": externalID,
	}

	raw, err := o.tools.Call(ctx, "search", map[string]any{
		"user_id": msg.Principal,
		"filters": map[string]any{
			"jsonb_equals": map[string]any{"external_id": externalID, "type": "thread_summary"},
			"limit":        1,
		},
	})
	if err == nil {
		var out struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		}
		if json.Unmarshal(raw, &out) == nil && len(out.Results) > 0 {
			aiData["summary_updated_at"] = time.Now().UTC().Format(time.RFC3339)
			if _, err := o.tools.Call(ctx, "update_memory_fields", map[string]any{
				"memory_id": out.Results[0].ID,
				"fields":    aiData,
			}); err != nil {
				o.logger.Warn(ctx, "orchestrator.summary_update.failed", "error", err.Error())
			}
			return
		}
	}

	if _, err := o.tools.Call(ctx, "store", map[string]any{
		"user_id": msg.Principal,
		"content": summary,
		"ai_data": aiData,
	}); err != nil {
		o.logger.Warn(ctx, "orchestrator.summary_store.failed", "error", err.Error())
	}
}

// turnsSinceLastSummary counts chat turns on the thread newer than the
// last summary, returning them oldest-first for the transcript.
func (o *Orchestrator) turnsSinceLastSummary(ctx context.Context, msg *Message) (int, []map[string]any) {
	filters := map[string]any{
		"type":      "chat_turn",
		"thread_id": msg.ThreadID,
		"limit":     o.summaryEveryTurns * 2,
	}

	raw, err := o.tools.Call(ctx, "search", map[string]any{
		"user_id": msg.Principal,
		"filters": map[string]any{
			"jsonb_equals": map[string]any{"external_id": "thread_summary:" + msg.ThreadID},
			"limit":        1,
		},
	})
	if err == nil {
		var out struct {
			Results []struct {
				UpdatedAt string `json:"updated_at"`
			} `json:"results"`
		}
		if json.Unmarshal(raw, &out) == nil && len(out.Results) > 0 && out.Results[0].UpdatedAt != "" {
			filters["date_from"] = out.Results[0].UpdatedAt
		}
	}

	raw, err = o.tools.Call(ctx, "search", map[string]any{
		"user_id": msg.Principal,
		"filters": filters,
	})
	if err != nil {
		return 0, nil
	}
	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, nil
	}
	reverse(out.Results)
	return len(out.Results), out.Results
}
