package toolservice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// ScheduleReminderTool schedules a future outbound notification.
type ScheduleReminderTool struct {
	store *store.Store
}

// NewScheduleReminderTool creates the schedule_reminder tool.
func NewScheduleReminderTool(s *store.Store) *ScheduleReminderTool {
	return &ScheduleReminderTool{store: s}
}

func (t *ScheduleReminderTool) Name() string { return "schedule_reminder" }

func (t *ScheduleReminderTool) Description() string {
	return "Schedule a reminder for a principal at an absolute time. payload is the message to deliver; channel selects the delivery channel."
}

func (t *ScheduleReminderTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"user_id": {"type": "string"},
			"memory_id": {"type": "string"},
			"remind_at": {"type": "string", "format": "date-time"},
			"payload": {"type": "string"},
			"channel": {"type": "string"}
		},
		"required": ["user_id", "remind_at", "payload"]
	}`)
}

func (t *ScheduleReminderTool) TimeBudget() time.Duration { return 2 * time.Second }

// ScheduleReminderInput is the input for schedule_reminder.
type ScheduleReminderInput struct {
	UserID   string    `json:"user_id"`
	MemoryID string    `json:"memory_id,omitempty"`
	RemindAt time.Time `json:"remind_at"`
	Payload  string    `json:"payload"`
	Channel  string    `json:"channel,omitempty"`
}

// Execute schedules the reminder.
func (t *ScheduleReminderTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input ScheduleReminderInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if input.UserID == "" {
		return nil, Errf(KindValidation, "user_id is required")
	}
	if input.RemindAt.IsZero() {
		return nil, Errf(KindValidation, "remind_at is required")
	}
	if input.Payload == "" {
		return nil, Errf(KindValidation, "payload is required")
	}

	id, err := t.store.InsertReminder(ctx, &store.Reminder{
		UserID:   input.UserID,
		MemoryID: input.MemoryID,
		RemindAt: input.RemindAt,
		Payload:  input.Payload,
		Channel:  input.Channel,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return map[string]any{"success": true, "id": id}, nil
}

// GetPendingRemindersTool lists due, unsent reminders.
type GetPendingRemindersTool struct {
	store *store.Store
}

// NewGetPendingRemindersTool creates the get_pending_reminders tool.
func NewGetPendingRemindersTool(s *store.Store) *GetPendingRemindersTool {
	return &GetPendingRemindersTool{store: s}
}

func (t *GetPendingRemindersTool) Name() string { return "get_pending_reminders" }

func (t *GetPendingRemindersTool) Description() string {
	return "List reminders that are due (remind_at <= before, default now) and not yet sent. user_id narrows to one principal."
}

func (t *GetPendingRemindersTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"user_id": {"type": "string"},
			"before": {"type": "string", "format": "date-time"}
		}
	}`)
}

func (t *GetPendingRemindersTool) TimeBudget() time.Duration { return 2 * time.Second }

// Execute lists due reminders.
func (t *GetPendingRemindersTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		UserID string    `json:"user_id"`
		Before time.Time `json:"before"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}

	reminders, err := t.store.PendingReminders(ctx, input.UserID, input.Before)
	if err != nil {
		return nil, storeErr(err)
	}
	if reminders == nil {
		reminders = []*store.Reminder{}
	}
	return map[string]any{"reminders": reminders, "total": len(reminders)}, nil
}

// MarkReminderSentTool marks a reminder delivered. Marking an already
// sent reminder is a no-op so delivery can be retried safely.
type MarkReminderSentTool struct {
	store *store.Store
}

// NewMarkReminderSentTool creates the mark_reminder_sent tool.
func NewMarkReminderSentTool(s *store.Store) *MarkReminderSentTool {
	return &MarkReminderSentTool{store: s}
}

func (t *MarkReminderSentTool) Name() string { return "mark_reminder_sent" }

func (t *MarkReminderSentTool) Description() string {
	return "Mark a reminder as sent. Idempotent: marking twice succeeds without changing sent_at."
}

func (t *MarkReminderSentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"reminder_id": {"type": "string"}
		},
		"required": ["reminder_id"]
	}`)
}

func (t *MarkReminderSentTool) TimeBudget() time.Duration { return 2 * time.Second }

// Execute marks the reminder sent.
func (t *MarkReminderSentTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		ReminderID string `json:"reminder_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	if input.ReminderID == "" {
		return nil, Errf(KindValidation, "reminder_id is required")
	}

	if err := t.store.MarkReminderSent(ctx, input.ReminderID); err != nil {
		return nil, storeErr(err)
	}
	return map[string]any{"success": true, "id": input.ReminderID}, nil
}
