package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/household"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/scope"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

// lastStoreIDRef is the cross-step placeholder for the id of the most
// recent successful store.
const lastStoreIDRef = "$LAST_STORE_ID"

// DefaultMaxPlanSteps caps one tool plan.
const DefaultMaxPlanSteps = 10

// DefaultVerifyMaxRounds bounds retrieval refinement after the plan.
const DefaultVerifyMaxRounds = 2

// StepResult is the outcome of one executed step. Exactly one of Result
// and Error is set; errors are captured here, never propagated.
type StepResult struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *StepError      `json:"error,omitempty"`
}

// StepError is a captured step failure the responder must acknowledge.
type StepError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ExecutionResult is what the responder sees after the plan ran.
type ExecutionResult struct {
	Results     []StepResult `json:"results"`
	LastStoreID string       `json:"last_store_id,omitempty"`

	// Verified counts refinement searches issued after the plan.
	Verified int `json:"verified,omitempty"`
}

// Failed reports whether any step errored.
func (r *ExecutionResult) Failed() bool {
	for _, res := range r.Results {
		if res.Error != nil {
			return true
		}
	}
	return false
}

// Executor runs tool plans step by step: resolving cross-step
// references, injecting scope, enforcing soft-upsert discipline, and
// attaching embeddings before each dispatch.
type Executor struct {
	tools   ToolCaller
	logger  *observability.Logger
	metrics *observability.Metrics

	maxPlanSteps    int
	verifyMaxRounds int
}

// NewExecutor creates an executor.
func NewExecutor(tools ToolCaller, maxPlanSteps, verifyMaxRounds int, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if maxPlanSteps <= 0 {
		maxPlanSteps = DefaultMaxPlanSteps
	}
	if verifyMaxRounds < 0 {
		verifyMaxRounds = DefaultVerifyMaxRounds
	}
	return &Executor{
		tools:           tools,
		logger:          logger,
		metrics:         metrics,
		maxPlanSteps:    maxPlanSteps,
		verifyMaxRounds: verifyMaxRounds,
	}
}

// execState threads per-message state through the step pipeline.
type execState struct {
	msg            *Message
	view           *household.View
	understanding  *Understanding
	contextPayload map[string]any
	embedder       Embedder

	results     []StepResult
	lastStoreID string
}

// Execute runs the plan sequentially. A failed step is recorded and the
// plan continues; only an expired message deadline stops execution.
func (e *Executor) Execute(ctx context.Context, msg *Message, analysis *Analysis, view *household.View, contextPayload map[string]any, embedder Embedder) *ExecutionResult {
	state := &execState{
		msg:            msg,
		view:           view,
		understanding:  &analysis.Understanding,
		contextPayload: contextPayload,
		embedder:       embedder,
	}

	steps := analysis.ToolPlan.Steps
	if len(steps) > e.maxPlanSteps {
		e.logger.Warn(ctx, "executor.plan.truncated",
			"planned", len(steps), "cap", e.maxPlanSteps)
		steps = steps[:e.maxPlanSteps]
	}

	start := time.Now()
	for _, step := range steps {
		if ctx.Err() != nil {
			state.results = append(state.results, StepResult{
				Tool:  step.Tool,
				Error: &StepError{Kind: KindToolTimeout, Message: "message deadline expired before step ran"},
			})
			continue
		}
		state.results = append(state.results, e.runStep(ctx, state, step))
	}

	result := &ExecutionResult{Results: state.results, LastStoreID: state.lastStoreID}
	e.verify(ctx, state, steps, result)
	e.logger.Step(ctx, "executor.plan", start,
		"steps", len(steps), "failed", result.Failed())
	return result
}

func (e *Executor) runStep(ctx context.Context, state *execState, step ToolStep) StepResult {
	args, err := e.prepareArgs(ctx, state, step)
	if err != nil {
		return StepResult{Tool: step.Tool, Error: captureError(err)}
	}

	// Soft upsert: a store carrying an external_id becomes an update of
	// the existing record when one matches (user_id, external_id, type).
	tool := step.Tool
	if tool == "store" {
		if rewritten, rewrittenArgs, ok := e.softUpsert(ctx, state, args); ok {
			tool, args = rewritten, rewrittenArgs
		}
	}

	raw, err := e.tools.Call(ctx, tool, args)
	if err != nil {
		return StepResult{Tool: tool, Error: captureError(err)}
	}

	if tool == "store" {
		var out struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &out) == nil && out.ID != "" {
			state.lastStoreID = out.ID
		}
	}
	return StepResult{Tool: tool, Result: raw}
}

// prepareArgs resolves cross-step references, injects scope, and
// attaches embeddings.
func (e *Executor) prepareArgs(ctx context.Context, state *execState, step ToolStep) (map[string]any, error) {
	resolved, err := resolveRefs(step.Args, state)
	if err != nil {
		return nil, err
	}
	args, ok := resolved.(map[string]any)
	if !ok {
		args = map[string]any{}
	}

	if err := e.injectScope(state, step.Tool, args); err != nil {
		return nil, err
	}
	e.attachEmbeddings(ctx, state, step.Tool, args)
	return args, nil
}

// resolveRefs walks the argument tree replacing $LAST_STORE_ID,
// use_context and arg_from_step references.
func resolveRefs(value any, state *execState) (any, error) {
	switch v := value.(type) {
	case string:
		if v == lastStoreIDRef {
			if state.lastStoreID == "" {
				return nil, newError(KindToolPlanning, nil, "no prior store for %s", lastStoreIDRef)
			}
			return state.lastStoreID, nil
		}
		if strings.Contains(v, lastStoreIDRef) {
			if state.lastStoreID == "" {
				return nil, newError(KindToolPlanning, nil, "no prior store for %s", lastStoreIDRef)
			}
			return strings.ReplaceAll(v, lastStoreIDRef, state.lastStoreID), nil
		}
		return v, nil

	case map[string]any:
		if name, ok := v["use_context"].(string); ok && len(v) == 1 {
			payload, found := state.contextPayload[name]
			if !found {
				return nil, newError(KindToolPlanning, nil, "use_context %q is not in the context payload", name)
			}
			return payload, nil
		}
		if rawIdx, ok := v["arg_from_step"]; ok {
			return pickFromStep(v, rawIdx, state)
		}

		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := resolveRefs(item, state)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveRefs(item, state)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return value, nil
	}
}

func pickFromStep(ref map[string]any, rawIdx any, state *execState) (any, error) {
	idx, ok := asInt(rawIdx)
	if !ok || idx < 0 || idx >= len(state.results) {
		return nil, newError(KindToolPlanning, nil, "arg_from_step %v is out of range", rawIdx)
	}
	prior := state.results[idx]
	if prior.Error != nil {
		return nil, newError(KindToolPlanning, nil, "arg_from_step %d references a failed step", idx)
	}

	var doc any
	if err := json.Unmarshal(prior.Result, &doc); err != nil {
		return nil, newError(KindToolPlanning, err, "arg_from_step %d: decode prior result", idx)
	}
	path, _ := ref["path"].(string)
	value, err := walkPath(doc, path)
	if err != nil {
		return nil, newError(KindToolPlanning, err, "arg_from_step %d", idx)
	}
	return value, nil
}

func walkPath(doc any, path string) (any, error) {
	if path == "" {
		return doc, nil
	}
	current := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: segment %q is not an object", path, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("path %q: missing key %q", path, part)
		}
	}
	return current, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// scopedTools accept user_id and participate in scope injection.
var scopedTools = map[string]bool{
	"store":             true,
	"search":            true,
	"aggregate":         true,
	"schedule_reminder": true,
}

// injectScope fills user_id from the understanding's scope when the
// model left it unset. Personal scope that names an unknown person fails
// hard here.
func (e *Executor) injectScope(state *execState, tool string, args map[string]any) error {
	if !scopedTools[tool] {
		return nil
	}

	// Reminders deliver on the channel the request came from unless the
	// plan names one; a channel-less reminder would never leave the queue.
	if tool == "schedule_reminder" && args["channel"] == nil && state.msg.Channel != "" {
		args["channel"] = state.msg.Channel
	}

	if args["user_id"] != nil {
		return nil
	}

	res := scope.Resolve(scope.Request{
		Scope:            state.understanding.Scope(),
		PersonOrKey:      state.understanding.PersonKey(),
		CurrentPrincipal: state.msg.Principal,
		ThreadID:         state.msg.ThreadID,
		View:             state.view,
	})
	if !res.Resolved {
		return newError(KindToolPlanning, nil,
			"cannot resolve person %q in this household", state.understanding.PersonKey())
	}

	// Writes go to a single principal; reads may span the family set.
	switch tool {
	case "store", "schedule_reminder":
		args["user_id"] = res.UserIDs[0]
	default:
		if len(res.UserIDs) == 1 {
			args["user_id"] = res.UserIDs[0]
		} else {
			args["user_id"] = res.UserIDs
		}
	}

	if res.ThreadID != "" && (tool == "search" || tool == "aggregate") {
		filters, _ := args["filters"].(map[string]any)
		if filters == nil {
			filters = map[string]any{}
		}
		if filters["thread_id"] == nil {
			filters["thread_id"] = res.ThreadID
		}
		args["filters"] = filters
	}
	if res.SharedThread && tool == "search" {
		args["shared_thread"] = true
	}
	return nil
}

// softUpsert rewrites a store carrying ai_data.external_id into an
// update of the matching record, keeping (user_id, external_id, type)
// unique.
func (e *Executor) softUpsert(ctx context.Context, state *execState, args map[string]any) (string, map[string]any, bool) {
	aiData, _ := args["ai_data"].(map[string]any)
	externalID, _ := aiData["external_id"].(string)
	if externalID == "" {
		return "", nil, false
	}

	match := map[string]any{"external_id": externalID}
	if typ, ok := aiData["type"].(string); ok && typ != "" {
		match["type"] = typ
	}
	raw, err := e.tools.Call(ctx, "search", map[string]any{
		"user_id": args["user_id"],
		"filters": map[string]any{"jsonb_equals": match, "limit": 1},
	})
	if err != nil {
		// The store itself still holds the partial unique index; fall
		// through and let the insert surface any conflict.
		return "", nil, false
	}

	var out struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if json.Unmarshal(raw, &out) != nil || len(out.Results) == 0 {
		return "", nil, false
	}

	e.logger.Debug(ctx, "executor.soft_upsert",
		"external_id", externalID, "memory_id", out.Results[0].ID)
	return "update_memory_fields", map[string]any{
		"memory_id": out.Results[0].ID,
		"fields":    aiData,
	}, true
}

// attachEmbeddings embeds store content and search queries, cache first.
// Embedding failure degrades to predicate-only retrieval.
func (e *Executor) attachEmbeddings(ctx context.Context, state *execState, tool string, args map[string]any) {
	if state.embedder == nil {
		return
	}

	switch tool {
	case "store":
		content, _ := args["content"].(string)
		if content == "" || args["embedding"] != nil {
			return
		}
		if vec, err := state.embedder.Embed(ctx, content); err == nil {
			args["embedding"] = vec
		}
	case "search":
		query, _ := args["query"].(string)
		if query == "" || args["query_embedding"] != nil {
			return
		}
		if vec, err := state.embedder.Embed(ctx, query); err == nil {
			args["query_embedding"] = vec
		}
	}
}

// verify re-runs empty retrievals with progressively broader filters:
// first dropping the predicate filters, then dropping the vector for a
// plain time-ordered scan.
func (e *Executor) verify(ctx context.Context, state *execState, steps []ToolStep, result *ExecutionResult) {
	if !state.understanding.NeedAction || e.verifyMaxRounds == 0 {
		return
	}

	retrievalIdx := -1
	for i, step := range steps {
		if step.Tool == "search" || step.Tool == "aggregate" {
			retrievalIdx = i
			break
		}
	}
	if retrievalIdx < 0 || retrievalIdx >= len(result.Results) {
		return
	}
	prior := result.Results[retrievalIdx]
	if prior.Error != nil || !emptyRetrieval(prior.Result) {
		return
	}

	args, err := e.prepareArgs(ctx, state, steps[retrievalIdx])
	if err != nil {
		return
	}

	for round := 1; round <= e.verifyMaxRounds; round++ {
		broadened := broadenSearch(args, round)
		if broadened == nil {
			return
		}
		raw, err := e.tools.Call(ctx, "search", broadened)
		result.Verified++
		if err != nil {
			return
		}
		if !emptyRetrieval(raw) {
			result.Results = append(result.Results, StepResult{Tool: "search", Result: raw})
			return
		}
	}
}

// broadenSearch relaxes a search: round 1 keeps only the scope and
// query, round 2 drops the query too, for a recency scan.
func broadenSearch(args map[string]any, round int) map[string]any {
	out := map[string]any{"user_id": args["user_id"]}
	if filters, ok := args["filters"].(map[string]any); ok {
		kept := map[string]any{}
		if limit, ok := filters["limit"]; ok {
			kept["limit"] = limit
		}
		if threadID, ok := filters["thread_id"]; ok && round == 1 {
			kept["thread_id"] = threadID
		}
		out["filters"] = kept
	}
	if round == 1 {
		if q, ok := args["query"].(string); ok && q != "" {
			out["query"] = q
		}
	}
	return out
}

func emptyRetrieval(raw json.RawMessage) bool {
	var out struct {
		Results []json.RawMessage `json:"results"`
		Total   *int              `json:"total"`
		Value   *float64          `json:"value"`
		Groups  []json.RawMessage `json:"groups"`
	}
	if json.Unmarshal(raw, &out) != nil {
		return false
	}
	if out.Total != nil {
		return *out.Total == 0
	}
	if out.Value != nil || len(out.Groups) > 0 {
		return false
	}
	return len(out.Results) == 0
}

// captureError folds tool and engine errors into a step error entry.
func captureError(err error) *StepError {
	var ee *Error
	if errors.As(err, &ee) {
		return &StepError{Kind: ee.Kind, Message: ee.Message}
	}
	var te *toolservice.Error
	if errors.As(err, &te) {
		kind := KindMCPTool
		if te.Kind == toolservice.KindTimeout {
			kind = KindToolTimeout
		}
		return &StepError{Kind: kind, Message: te.Message}
	}
	return &StepError{Kind: KindToolExecution, Message: err.Error()}
}
