package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/household"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/prompts"
	"github.com/guanpeibj/family-ai-assistant/internal/scope"
)

// LLMClient is the model surface the analyzer depends on. *llm.Client is
// the production implementation.
type LLMClient interface {
	ChatJSON(ctx context.Context, system, user string) ([]byte, error)
	ChatText(ctx context.Context, system, user string) (string, error)
}

// DefaultMaxThinkingRounds bounds the analysis loop.
const DefaultMaxThinkingRounds = 3

// Analyzer runs the bounded thinking loop: analyze, optionally fetch the
// context the model asked for, analyze again with the enriched context.
type Analyzer struct {
	llm      LLMClient
	prompts  *prompts.Manager
	contexts *ContextManager
	tools    ToolCaller
	logger   *observability.Logger
	metrics  *observability.Metrics

	maxRounds int
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(llmc LLMClient, pm *prompts.Manager, cm *ContextManager, tools ToolCaller, maxRounds int, logger *observability.Logger, metrics *observability.Metrics) *Analyzer {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxThinkingRounds
	}
	return &Analyzer{
		llm:       llmc,
		prompts:   pm,
		contexts:  cm,
		tools:     tools,
		logger:    logger,
		metrics:   metrics,
		maxRounds: maxRounds,
	}
}

// analysisPayload is the user message sent to the model each round.
type analysisPayload struct {
	Message string         `json:"message"`
	User    payloadUser    `json:"user"`
	Context map[string]any `json:"context"`
}

type payloadUser struct {
	Principal string `json:"principal"`
	Channel   string `json:"channel"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Analyze produces the final Analysis for one message, plus the context
// payload accumulated across rounds (referenced later by tool arguments
// via use_context).
func (a *Analyzer) Analyze(ctx context.Context, msg *Message, view *household.View, basic map[string]any, variant string, embedder Embedder) (*Analysis, map[string]any, error) {
	specs, err := a.tools.Tools(ctx)
	if err != nil {
		return nil, nil, newError(KindAnalysis, err, "fetch tool specs")
	}
	system, err := a.prompts.Assemble(variant, prompts.PhaseUnderstanding, msg.Channel, specs)
	if err != nil {
		return nil, nil, newError(KindAnalysis, err, "assemble understanding prompt")
	}

	accumulated := map[string]any{}
	enriched := basic

	var analysis *Analysis
	for round := 1; round <= a.maxRounds; round++ {
		start := time.Now()
		payload, err := json.Marshal(analysisPayload{
			Message: msg.Content,
			User:    payloadUser{Principal: msg.Principal, Channel: msg.Channel, ThreadID: msg.ThreadID},
			Context: enriched,
		})
		if err != nil {
			return nil, nil, newError(KindAnalysis, err, "encode analysis payload")
		}

		raw, err := a.llm.ChatJSON(ctx, system, string(payload))
		if err != nil {
			return nil, nil, newError(KindLLM, err, "analysis round %d", round)
		}
		analysis, err = ParseAnalysis(raw)
		if err != nil {
			return nil, nil, newError(KindAnalysis, err, "analysis round %d: %s", round, snippet(raw))
		}
		analysis.Understanding.ThinkingDepth = round
		a.logger.Step(ctx, "analysis.round", start,
			"round", round, "needs_deeper", analysis.Understanding.NeedsDeeperAnalysis)

		if !analysis.Understanding.NeedsDeeperAnalysis || len(analysis.ContextRequests) == 0 || round == a.maxRounds {
			break
		}

		// The model asked for more context. Resolution failures fail
		// soft here: person scope falls back to the current principal
		// and the hard failure is left to the executor.
		res := scope.Resolve(scope.Request{
			Scope:            analysis.Understanding.Scope(),
			PersonOrKey:      analysis.Understanding.PersonKey(),
			CurrentPrincipal: msg.Principal,
			ThreadID:         msg.ThreadID,
			View:             view,
		})
		if !res.Resolved {
			res.UserIDs = []string{msg.Principal}
		}

		fetched, err := a.contexts.Resolve(ctx, msg, res, analysis.ContextRequests, embedder)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range fetched {
			accumulated[k] = v
		}

		enriched = map[string]any{}
		for k, v := range basic {
			enriched[k] = v
		}
		enriched["accumulated"] = accumulated
	}

	if a.metrics != nil {
		a.metrics.AnalysisRounds.Observe(float64(analysis.Understanding.ThinkingDepth))
	}
	return analysis, accumulated, nil
}
