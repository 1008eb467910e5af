package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guanpeibj/family-ai-assistant/internal/household"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/scope"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

// ToolCaller is the tool service surface the engine depends on.
// *toolclient.Client is the production implementation.
type ToolCaller interface {
	Call(ctx context.Context, name string, params any) (json.RawMessage, error)
	Tools(ctx context.Context) ([]toolservice.Spec, error)
}

// HouseholdSource provides household views for scope resolution.
type HouseholdSource interface {
	ViewFor(ctx context.Context, principalID string) (*household.View, error)
}

// Embedder produces vectors, normally the per-message trace cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultLightContextSize is how many recent memories seed round one.
const DefaultLightContextSize = 4

// threadSummariesLimit bounds the thread_summaries context kind.
const threadSummariesLimit = 3

// ContextManager assembles basic context before round one and resolves
// the model's on-demand context requests between rounds.
type ContextManager struct {
	tools      ToolCaller
	households HouseholdSource
	logger     *observability.Logger

	lightContextSize int
}

// NewContextManager creates a context manager.
func NewContextManager(tools ToolCaller, households HouseholdSource, lightContextSize int, logger *observability.Logger) *ContextManager {
	if lightContextSize <= 0 {
		lightContextSize = DefaultLightContextSize
	}
	return &ContextManager{
		tools:            tools,
		households:       households,
		logger:           logger,
		lightContextSize: lightContextSize,
	}
}

// Basic fetches the round-one context: the last few memories on the
// thread (or globally) plus the household view.
func (cm *ContextManager) Basic(ctx context.Context, msg *Message) (*household.View, map[string]any, error) {
	start := time.Now()

	view, err := cm.households.ViewFor(ctx, msg.Principal)
	if err != nil {
		return nil, nil, newError(KindContextResolution, err, "load household view")
	}

	filters := map[string]any{"limit": cm.lightContextSize}
	if msg.ThreadID != "" {
		filters["thread_id"] = msg.ThreadID
	}
	recent, err := cm.searchMemories(ctx, map[string]any{
		"user_id": msg.Principal,
		"filters": filters,
	})
	if err != nil {
		return nil, nil, newError(KindContextResolution, err, "fetch light context")
	}

	// Newest-first from the store, emitted chronologically.
	reverse(recent)

	basic := map[string]any{
		"light_context": recent,
		"household":     view,
	}
	cm.logger.Step(ctx, "context.basic", start, "light_context", len(recent))
	return view, basic, nil
}

// Resolve executes the declared context requests in parallel and returns
// the payload keyed by request name. Any failure aborts the round with a
// context resolution error.
func (cm *ContextManager) Resolve(ctx context.Context, msg *Message, res scope.Resolution, reqs []ContextRequest, embedder Embedder) (map[string]any, error) {
	if len(reqs) == 0 {
		return map[string]any{}, nil
	}

	start := time.Now()
	payload := make(map[string]any, len(reqs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range reqs {
		g.Go(func() error {
			value, err := cm.resolveOne(gctx, msg, res, req, embedder)
			if err != nil {
				return err
			}
			mu.Lock()
			payload[req.Name] = value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cm.logger.Step(ctx, "context.resolve", start, "requests", len(reqs))
	return payload, nil
}

func (cm *ContextManager) resolveOne(ctx context.Context, msg *Message, res scope.Resolution, req ContextRequest, embedder Embedder) (any, error) {
	userIDs := res.UserIDs
	if len(userIDs) == 0 {
		userIDs = []string{msg.Principal}
	}

	filters := map[string]any{}
	for k, v := range req.Filters {
		filters[k] = v
	}
	if res.ThreadID != "" && filters["thread_id"] == nil {
		filters["thread_id"] = res.ThreadID
	}
	if req.Limit > 0 {
		filters["limit"] = req.Limit
	}

	params := map[string]any{
		"user_id": userIDs,
		"filters": filters,
	}
	if res.SharedThread {
		params["shared_thread"] = true
	}

	switch req.Kind {
	case "recent_memories", "direct_search":
		// Predicate-only retrieval, occurred_at desc.

	case "semantic_search":
		if req.Query == "" {
			return nil, newError(KindContextResolution, nil, "context request %q: semantic_search needs a query", req.Name)
		}
		params["query"] = req.Query
		if embedder != nil {
			// Degraded path: without a vector the search falls back to
			// trigram ranking on the query text.
			if vec, err := embedder.Embed(ctx, req.Query); err == nil {
				params["query_embedding"] = vec
			}
		}

	case "thread_summaries":
		if msg.ThreadID == "" {
			return []map[string]any{}, nil
		}
		params["user_id"] = msg.Principal
		params["filters"] = map[string]any{
			"type":      "thread_summary",
			"thread_id": msg.ThreadID,
			"limit":     threadSummariesLimit,
		}

	default:
		return nil, newError(KindContextResolution, nil, "context request %q: unsupported kind %q", req.Name, req.Kind)
	}

	memories, err := cm.searchMemories(ctx, params)
	if err != nil {
		return nil, newError(KindContextResolution, err, "context request %q", req.Name)
	}
	return memories, nil
}

func (cm *ContextManager) searchMemories(ctx context.Context, params map[string]any) ([]map[string]any, error) {
	raw, err := cm.tools.Call(ctx, "search", params)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func reverse(items []map[string]any) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
