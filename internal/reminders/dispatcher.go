// Package reminders polls for due reminders and hands them to the
// outbound channel sender. Delivery is at-least-once; the idempotent
// mark_reminder_sent call is the deduplication fence.
package reminders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// DefaultPollSchedule is the cron spec for the poll loop.
const DefaultPollSchedule = "@every 30s"

// DefaultChannel receives reminders stored without a channel. Rows
// written before channel capture existed still have to go somewhere.
const DefaultChannel = "threema"

// ToolCaller is the tool service surface the dispatcher uses.
type ToolCaller interface {
	Call(ctx context.Context, name string, params any) (json.RawMessage, error)
}

// Sender delivers one reminder payload to a principal over a channel.
// The gateway's outbound adapter set implements it.
type Sender interface {
	Send(ctx context.Context, userID, channel, payload string) error
}

// Reminder mirrors the tool service's reminder shape.
type Reminder struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	MemoryID string    `json:"memory_id,omitempty"`
	RemindAt time.Time `json:"remind_at"`
	Payload  string    `json:"payload"`
	Channel  string    `json:"channel,omitempty"`
}

// Dispatcher is the single background poller. It is the sole writer of
// sent_at in the whole system.
type Dispatcher struct {
	tools   ToolCaller
	sender  Sender
	logger  *observability.Logger
	metrics *observability.Metrics

	schedule       string
	defaultChannel string
	cron           *cron.Cron
}

// NewDispatcher creates a dispatcher polling on the given cron schedule.
// Empty schedule and defaultChannel fall back to the package defaults.
func NewDispatcher(tools ToolCaller, sender Sender, schedule, defaultChannel string, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if schedule == "" {
		schedule = DefaultPollSchedule
	}
	if defaultChannel == "" {
		defaultChannel = DefaultChannel
	}
	return &Dispatcher{
		tools:          tools,
		sender:         sender,
		logger:         logger,
		metrics:        metrics,
		schedule:       schedule,
		defaultChannel: defaultChannel,
	}
}

// Start begins polling until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.cron = cron.New()
	_, err := d.cron.AddFunc(d.schedule, func() {
		d.Poll(ctx)
	})
	if err != nil {
		return err
	}
	d.cron.Start()

	go func() {
		<-ctx.Done()
		d.cron.Stop()
	}()
	return nil
}

// Poll runs one dispatch cycle. Failures are logged and left for the
// next poll to re-discover; nothing retries inline.
func (d *Dispatcher) Poll(ctx context.Context) {
	start := time.Now()

	raw, err := d.tools.Call(ctx, "get_pending_reminders", map[string]any{})
	if err != nil {
		d.logger.Warn(ctx, "reminders.poll.failed", "error", err.Error())
		return
	}
	var out struct {
		Reminders []Reminder `json:"reminders"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		d.logger.Warn(ctx, "reminders.poll.decode_failed", "error", err.Error())
		return
	}
	if len(out.Reminders) == 0 {
		return
	}

	sent := 0
	for _, r := range out.Reminders {
		if ctx.Err() != nil {
			return
		}
		if err := d.dispatch(ctx, r); err != nil {
			d.logger.Warn(ctx, "reminders.dispatch.failed",
				"reminder_id", r.ID, "error", err.Error())
			continue
		}
		sent++
	}
	d.logger.Step(ctx, "reminders.poll", start, "due", len(out.Reminders), "sent", sent)
}

// dispatch delivers one reminder, then marks it sent. A delivery that
// succeeds but fails to mark will be re-delivered next poll; mark_sent
// idempotence keeps sent_at stable.
func (d *Dispatcher) dispatch(ctx context.Context, r Reminder) error {
	channel := r.Channel
	if channel == "" {
		channel = d.defaultChannel
	}
	if err := d.sender.Send(ctx, r.UserID, channel, r.Payload); err != nil {
		return err
	}
	if _, err := d.tools.Call(ctx, "mark_reminder_sent", map[string]any{"reminder_id": r.ID}); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.RemindersSent.Inc()
	}
	return nil
}
