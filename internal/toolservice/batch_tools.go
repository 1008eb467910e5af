package toolservice

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// BatchStoreTool inserts several memories in one transaction. Either
// every item is stored or none is.
type BatchStoreTool struct {
	store *store.Store
}

// NewBatchStoreTool creates the batch_store tool.
func NewBatchStoreTool(s *store.Store) *BatchStoreTool { return &BatchStoreTool{store: s} }

func (t *BatchStoreTool) Name() string { return "batch_store" }

func (t *BatchStoreTool) Description() string {
	return "Store several memories atomically. Items use the same shape as the store tool; the whole batch rolls back if any item fails."
}

func (t *BatchStoreTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"user_id": {"type": "string"},
						"content": {"type": "string"},
						"ai_data": {"type": "object"},
						"embedding": {"type": "array", "items": {"type": "number"}}
					},
					"required": ["user_id", "content"]
				},
				"minItems": 1
			}
		},
		"required": ["items"]
	}`)
}

func (t *BatchStoreTool) TimeBudget() time.Duration { return 5 * time.Second }

// Execute stores the batch.
func (t *BatchStoreTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		Items []StoreInput `json:"items"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if len(input.Items) == 0 {
		return nil, Errf(KindValidation, "items must not be empty")
	}

	ms := make([]*store.Memory, 0, len(input.Items))
	for i, item := range input.Items {
		if strings.TrimSpace(item.Content) == "" {
			return nil, Errf(KindValidation, "items[%d]: content must not be empty", i)
		}
		if item.UserID == "" {
			return nil, Errf(KindValidation, "items[%d]: user_id is required", i)
		}
		ms = append(ms, &store.Memory{
			UserID:          item.UserID,
			Content:         item.Content,
			AIUnderstanding: item.AIData,
			Embedding:       item.Embedding,
		})
	}

	ids, err := t.store.InsertMemories(ctx, ms)
	if err != nil {
		return nil, storeErr(err)
	}
	return map[string]any{"success": true, "ids": ids, "total": len(ids)}, nil
}

// BatchSearchTool runs several searches in one call. Queries fail or
// succeed independently; each result slot mirrors its query.
type BatchSearchTool struct {
	search *SearchTool
}

// NewBatchSearchTool creates the batch_search tool.
func NewBatchSearchTool(s *store.Store) *BatchSearchTool {
	return &BatchSearchTool{search: NewSearchTool(s)}
}

func (t *BatchSearchTool) Name() string { return "batch_search" }

func (t *BatchSearchTool) Description() string {
	return "Run several search queries in one call. Each slot in results corresponds to the query at the same index; a failed query yields an error object in its slot."
}

func (t *BatchSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"queries": {
				"type": "array",
				"items": {"type": "object"},
				"minItems": 1
			}
		},
		"required": ["queries"]
	}`)
}

func (t *BatchSearchTool) TimeBudget() time.Duration { return 5 * time.Second }

// Execute runs the searches in order.
func (t *BatchSearchTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		Queries []json.RawMessage `json:"queries"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if len(input.Queries) == 0 {
		return nil, Errf(KindValidation, "queries must not be empty")
	}

	results := make([]any, len(input.Queries))
	for i, q := range input.Queries {
		res, err := t.search.Execute(ctx, q)
		if err != nil {
			results[i] = map[string]any{"error": AsError(err)}
			continue
		}
		results[i] = res
	}
	return map[string]any{"results": results, "total": len(results)}, nil
}

// BatchAggregateTool runs several aggregates in one call.
type BatchAggregateTool struct {
	aggregate *AggregateTool
}

// NewBatchAggregateTool creates the batch_aggregate tool.
func NewBatchAggregateTool(s *store.Store) *BatchAggregateTool {
	return &BatchAggregateTool{aggregate: NewAggregateTool(s)}
}

func (t *BatchAggregateTool) Name() string { return "batch_aggregate" }

func (t *BatchAggregateTool) Description() string {
	return "Run several aggregate queries in one call. Each slot in results corresponds to the query at the same index; a failed query yields an error object in its slot."
}

func (t *BatchAggregateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"queries": {
				"type": "array",
				"items": {"type": "object"},
				"minItems": 1
			}
		},
		"required": ["queries"]
	}`)
}

func (t *BatchAggregateTool) TimeBudget() time.Duration { return 5 * time.Second }

// Execute runs the aggregates in order.
func (t *BatchAggregateTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		Queries []json.RawMessage `json:"queries"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if len(input.Queries) == 0 {
		return nil, Errf(KindValidation, "queries must not be empty")
	}

	results := make([]any, len(input.Queries))
	for i, q := range input.Queries {
		res, err := t.aggregate.Execute(ctx, q)
		if err != nil {
			results[i] = map[string]any{"error": AsError(err)}
			continue
		}
		results[i] = res
	}
	return map[string]any{"results": results, "total": len(results)}, nil
}
