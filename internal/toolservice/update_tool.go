package toolservice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// UpdateMemoryFieldsTool merges fields into a memory's ai_understanding
// and refreshes the physicalized columns.
type UpdateMemoryFieldsTool struct {
	store *store.Store
}

// NewUpdateMemoryFieldsTool creates the update_memory_fields tool.
func NewUpdateMemoryFieldsTool(s *store.Store) *UpdateMemoryFieldsTool {
	return &UpdateMemoryFieldsTool{store: s}
}

func (t *UpdateMemoryFieldsTool) Name() string { return "update_memory_fields" }

func (t *UpdateMemoryFieldsTool) Description() string {
	return "Merge the given fields into an existing memory's ai_data. Unnamed fields are preserved; recognized fields refresh their indexed columns."
}

func (t *UpdateMemoryFieldsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"memory_id": {"type": "string"},
			"fields": {"type": "object"}
		},
		"required": ["memory_id", "fields"]
	}`)
}

func (t *UpdateMemoryFieldsTool) TimeBudget() time.Duration { return 2 * time.Second }

// UpdateMemoryFieldsInput is the input for update_memory_fields.
type UpdateMemoryFieldsInput struct {
	MemoryID string         `json:"memory_id"`
	Fields   map[string]any `json:"fields"`
}

// Execute merges the fields.
func (t *UpdateMemoryFieldsTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input UpdateMemoryFieldsInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if input.MemoryID == "" {
		return nil, Errf(KindValidation, "memory_id is required")
	}
	if len(input.Fields) == 0 {
		return nil, Errf(KindValidation, "fields must not be empty")
	}

	if err := t.store.UpdateMemoryFields(ctx, input.MemoryID, input.Fields); err != nil {
		return nil, storeErr(err)
	}
	return map[string]any{"success": true, "id": input.MemoryID}, nil
}

// SoftDeleteTool marks a memory deleted without removing the row.
type SoftDeleteTool struct {
	store *store.Store
}

// NewSoftDeleteTool creates the soft_delete tool.
func NewSoftDeleteTool(s *store.Store) *SoftDeleteTool { return &SoftDeleteTool{store: s} }

func (t *SoftDeleteTool) Name() string { return "soft_delete" }

func (t *SoftDeleteTool) Description() string {
	return "Mark a memory as deleted. Deleted memories are excluded from search and aggregate unless filters ask for them."
}

func (t *SoftDeleteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"memory_id": {"type": "string"}
		},
		"required": ["memory_id"]
	}`)
}

func (t *SoftDeleteTool) TimeBudget() time.Duration { return 2 * time.Second }

// Execute marks the memory deleted.
func (t *SoftDeleteTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		MemoryID string `json:"memory_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if input.MemoryID == "" {
		return nil, Errf(KindValidation, "memory_id is required")
	}

	if err := t.store.SoftDeleteMemory(ctx, input.MemoryID); err != nil {
		return nil, storeErr(err)
	}
	return map[string]any{"success": true, "id": input.MemoryID}, nil
}
