package toolservice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// AggregateTool computes numeric aggregates over memories, optionally
// bucketed by occurred_at period or an ai_understanding field.
type AggregateTool struct {
	store *store.Store
}

// NewAggregateTool creates the aggregate tool.
func NewAggregateTool(s *store.Store) *AggregateTool { return &AggregateTool{store: s} }

func (t *AggregateTool) Name() string { return "aggregate" }

func (t *AggregateTool) Description() string {
	return "Compute sum/avg/min/max/count over matching memories. field is a physicalized column (amount, value) or a dotted JSONB path. group_by buckets by day/week/month; group_by_ai_field buckets by an ai_data key."
}

func (t *AggregateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"user_id": {"description": "Principal ID or list of IDs"},
			"operation": {"type": "string", "enum": ["sum", "avg", "min", "max", "count"]},
			"field": {"type": "string"},
			"filters": {"type": "object"},
			"group_by": {"type": "string", "enum": ["day", "week", "month"]},
			"group_by_ai_field": {"type": "string"}
		},
		"required": ["user_id", "operation"]
	}`)
}

func (t *AggregateTool) TimeBudget() time.Duration { return 3 * time.Second }

// AggregateInput is the input for the aggregate tool.
type AggregateInput struct {
	UserID         UserIDs       `json:"user_id"`
	Operation      string        `json:"operation"`
	Field          string        `json:"field,omitempty"`
	Filters        store.Filters `json:"filters,omitempty"`
	GroupBy        string        `json:"group_by,omitempty"`
	GroupByAIField string        `json:"group_by_ai_field,omitempty"`
}

// Execute runs the aggregate.
func (t *AggregateTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input AggregateInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if len(input.UserID) == 0 {
		return nil, Errf(KindValidation, "user_id is required")
	}
	if input.Operation == "" {
		return nil, Errf(KindValidation, "operation is required")
	}

	result, err := t.store.Aggregate(ctx, store.AggregateQuery{
		UserIDs:        input.UserID,
		Operation:      input.Operation,
		Field:          input.Field,
		Filters:        input.Filters,
		GroupBy:        input.GroupBy,
		GroupByAIField: input.GroupByAIField,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, storeErr(err)
		}
		// Query-shape problems (bad operation, bad field, conflicting
		// group_by) are the caller's fault.
		return nil, Errf(KindValidation, "%v", err)
	}
	return result, nil
}
