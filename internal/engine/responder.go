package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/prompts"
)

// channelReplyCaps are per-channel hard caps on reply length, in runes.
// Zero means unlimited.
var channelReplyCaps = map[string]int{
	"telegram": 4096,
	"threema":  3500,
}

// Responder turns the execution outcome into the final reply text.
type Responder struct {
	llm     LLMClient
	prompts *prompts.Manager
	tools   ToolCaller
	logger  *observability.Logger
}

// NewResponder creates a responder.
func NewResponder(llmc LLMClient, pm *prompts.Manager, tools ToolCaller, logger *observability.Logger) *Responder {
	return &Responder{llm: llmc, prompts: pm, tools: tools, logger: logger}
}

// responsePayload is the user message for the response call. The
// understanding is echoed verbatim so the reply grounds in what the
// model itself extracted, including any captured tool errors.
type responsePayload struct {
	Understanding      *Understanding   `json:"understanding"`
	ExecutionResult    *ExecutionResult `json:"execution_result"`
	Context            map[string]any   `json:"context,omitempty"`
	ResponseDirectives map[string]any   `json:"response_directives,omitempty"`
}

// Respond generates the reply for an executed plan.
func (r *Responder) Respond(ctx context.Context, msg *Message, analysis *Analysis, execution *ExecutionResult, contextPayload map[string]any, variant string) (string, error) {
	specs, err := r.tools.Tools(ctx)
	if err != nil {
		// Response prompts rarely reference the tool list; keep going.
		specs = nil
	}
	system, err := r.prompts.Assemble(variant, prompts.PhaseResponse, msg.Channel, specs)
	if err != nil {
		return "", newError(KindAnalysis, err, "assemble response prompt")
	}

	payload, err := json.Marshal(responsePayload{
		Understanding:      &analysis.Understanding,
		ExecutionResult:    execution,
		Context:            contextPayload,
		ResponseDirectives: analysis.ResponseDirectives,
	})
	if err != nil {
		return "", newError(KindAnalysis, err, "encode response payload")
	}

	start := time.Now()
	reply, err := r.llm.ChatText(ctx, system, string(payload))
	if err != nil {
		return "", newError(KindLLM, err, "generate response")
	}
	r.logger.Step(ctx, "response.generate", start, "chars", len(reply))

	return TruncateForChannel(reply, msg.Channel), nil
}

// Clarify generates the clarification reply without running any tools.
func (r *Responder) Clarify(ctx context.Context, msg *Message, analysis *Analysis, variant string) (string, error) {
	if analysis.Understanding.SuggestedReply != "" {
		return TruncateForChannel(analysis.Understanding.SuggestedReply, msg.Channel), nil
	}

	system, err := r.prompts.Assemble(variant, prompts.PhaseResponse, msg.Channel, nil)
	if err != nil {
		return "", newError(KindAnalysis, err, "assemble clarification prompt")
	}

	payload, err := json.Marshal(map[string]any{
		"understanding":           &analysis.Understanding,
		"missing_fields":          analysis.Understanding.MissingFields,
		"clarification_questions": analysis.Understanding.ClarificationQuestions,
		"ask_clarification":       true,
	})
	if err != nil {
		return "", newError(KindAnalysis, err, "encode clarification payload")
	}

	reply, err := r.llm.ChatText(ctx, system, string(payload))
	if err != nil {
		return "", newError(KindLLM, err, "generate clarification")
	}
	return TruncateForChannel(reply, msg.Channel), nil
}

// TruncateForChannel enforces the per-channel hard cap with an ellipsis.
func TruncateForChannel(reply, channel string) string {
	limit, ok := channelReplyCaps[strings.ToLower(channel)]
	if !ok || limit <= 0 {
		return reply
	}
	runes := []rune(reply)
	if len(runes) <= limit {
		return reply
	}
	return string(runes[:limit-1]) + "…"
}
