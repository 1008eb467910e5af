package toolservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// StoreTool inserts a memory. Everything about the record's shape comes
// from the caller's ai_data; amount and occurred_at are extracted from
// its top level or entities block and physicalized best-effort.
type StoreTool struct {
	store *store.Store
}

// NewStoreTool creates the store tool.
func NewStoreTool(s *store.Store) *StoreTool { return &StoreTool{store: s} }

func (t *StoreTool) Name() string { return "store" }

func (t *StoreTool) Description() string {
	return "Store one observation as a memory. ai_data is an open object; recognized fields (type, thread_id, category, amount, occurred_at, external_id, ...) become indexed columns."
}

func (t *StoreTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"user_id": {"type": "string", "description": "Owning principal ID"},
			"content": {"type": "string", "description": "Canonical textual representation"},
			"ai_data": {"type": "object", "description": "Open structured understanding"},
			"embedding": {"type": "array", "items": {"type": "number"}, "description": "Optional embedding over content"}
		},
		"required": ["user_id", "content"]
	}`)
}

func (t *StoreTool) TimeBudget() time.Duration { return 2 * time.Second }

// StoreInput is the input for the store tool.
type StoreInput struct {
	UserID    string         `json:"user_id"`
	Content   string         `json:"content"`
	AIData    map[string]any `json:"ai_data"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Execute inserts the memory and returns its ID.
func (t *StoreTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input StoreInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, Errf(KindValidation, "content must not be empty")
	}
	if input.UserID == "" {
		return nil, Errf(KindValidation, "user_id is required")
	}

	m := &store.Memory{
		UserID:          input.UserID,
		Content:         input.Content,
		AIUnderstanding: input.AIData,
		Embedding:       input.Embedding,
	}
	id, err := t.store.InsertMemory(ctx, m)
	if err != nil {
		return nil, storeErr(err)
	}
	return map[string]any{"success": true, "id": id}, nil
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return Errf(KindNotFound, "%v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Errf(KindTimeout, "%v", err)
	}
	return Errf(KindInternal, "%v", err)
}
