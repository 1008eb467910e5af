package toolservice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// SearchTool returns memories ranked by vector cosine, trigram
// similarity, or recency, per the filter grammar.
type SearchTool struct {
	store *store.Store
}

// NewSearchTool creates the search tool.
func NewSearchTool(s *store.Store) *SearchTool { return &SearchTool{store: s} }

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search memories. Ranking: cosine when query_embedding is given, text similarity when query is given, newest-first otherwise. filters supports type/thread_id/category/person equality, date_from/date_to, amount_min/amount_max, jsonb_equals, limit."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"user_id": {"description": "Principal ID or list of IDs"},
			"query": {"type": "string"},
			"query_embedding": {"type": "array", "items": {"type": "number"}},
			"filters": {"type": "object"},
			"shared_thread": {"type": "boolean"}
		},
		"required": ["user_id"]
	}`)
}

func (t *SearchTool) TimeBudget() time.Duration { return 3 * time.Second }

// SearchInput is the input for the search tool.
type SearchInput struct {
	UserID         UserIDs       `json:"user_id"`
	Query          string        `json:"query,omitempty"`
	QueryEmbedding []float32     `json:"query_embedding,omitempty"`
	Filters        store.Filters `json:"filters,omitempty"`
	SharedThread   bool          `json:"shared_thread,omitempty"`
}

// Execute runs the search.
func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input SearchInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if len(input.UserID) == 0 {
		return nil, Errf(KindValidation, "user_id is required")
	}

	results, err := t.store.SearchMemories(ctx, store.SearchQuery{
		UserIDs:        input.UserID,
		Query:          input.Query,
		QueryEmbedding: input.QueryEmbedding,
		Filters:        input.Filters,
		SharedThread:   input.SharedThread,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	if results == nil {
		results = []*store.Memory{}
	}
	return map[string]any{"results": results, "total": len(results)}, nil
}
