package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

type scriptedTools struct {
	pending []Reminder
	markErr error

	marked []string
}

func (s *scriptedTools) Call(ctx context.Context, name string, params any) (json.RawMessage, error) {
	switch name {
	case "get_pending_reminders":
		return json.Marshal(map[string]any{"reminders": s.pending, "total": len(s.pending)})
	case "mark_reminder_sent":
		if s.markErr != nil {
			return nil, s.markErr
		}
		m := params.(map[string]any)
		s.marked = append(s.marked, m["reminder_id"].(string))
		return json.Marshal(map[string]any{"success": true})
	}
	return nil, errors.New("unexpected tool " + name)
}

type recordingSender struct {
	failFor  map[string]bool
	sent     []string
	channels []string
}

func (r *recordingSender) Send(ctx context.Context, userID, channel, payload string) error {
	if r.failFor[payload] {
		return errors.New("channel down")
	}
	r.sent = append(r.sent, payload)
	r.channels = append(r.channels, channel)
	return nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func due(id, payload string) Reminder {
	return Reminder{
		ID:       id,
		UserID:   "p1",
		RemindAt: time.Now().Add(-time.Minute),
		Payload:  payload,
		Channel:  "telegram",
	}
}

func TestPollDeliversAndMarksSent(t *testing.T) {
	tools := &scriptedTools{pending: []Reminder{due("r1", "打疫苗"), due("r2", "交房租")}}
	sender := &recordingSender{}
	d := NewDispatcher(tools, sender, "", "", testLogger(), nil)

	d.Poll(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("sent = %v, want 2 deliveries", sender.sent)
	}
	if len(tools.marked) != 2 || tools.marked[0] != "r1" || tools.marked[1] != "r2" {
		t.Errorf("marked = %v", tools.marked)
	}
}

func TestDeliveryFailureSkipsMarkAndContinues(t *testing.T) {
	tools := &scriptedTools{pending: []Reminder{due("r1", "打疫苗"), due("r2", "交房租")}}
	sender := &recordingSender{failFor: map[string]bool{"打疫苗": true}}
	d := NewDispatcher(tools, sender, "", "", testLogger(), nil)

	d.Poll(context.Background())

	// The failed reminder stays unsent for the next poll to find.
	if len(tools.marked) != 1 || tools.marked[0] != "r2" {
		t.Errorf("marked = %v, want only r2", tools.marked)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestMarkFailureLeavesRedeliveryToNextPoll(t *testing.T) {
	tools := &scriptedTools{pending: []Reminder{due("r1", "打疫苗")}, markErr: errors.New("db down")}
	sender := &recordingSender{}
	d := NewDispatcher(tools, sender, "", "", testLogger(), nil)

	d.Poll(context.Background())
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v", sender.sent)
	}

	// Next poll re-discovers the row; the idempotent mark is the fence.
	tools.markErr = nil
	d.Poll(context.Background())
	if len(sender.sent) != 2 {
		t.Errorf("redelivery expected, sent = %v", sender.sent)
	}
	if len(tools.marked) != 1 {
		t.Errorf("marked = %v", tools.marked)
	}
}

func TestChannellessReminderFallsBackToDefaultChannel(t *testing.T) {
	old := due("r1", "打疫苗")
	old.Channel = ""
	tools := &scriptedTools{pending: []Reminder{old}}
	sender := &recordingSender{}
	d := NewDispatcher(tools, sender, "", "", testLogger(), nil)

	d.Poll(context.Background())

	// A row without a channel must still be delivered and marked, not
	// re-polled forever.
	if len(sender.channels) != 1 || sender.channels[0] != DefaultChannel {
		t.Fatalf("channels = %v, want [%s]", sender.channels, DefaultChannel)
	}
	if len(tools.marked) != 1 || tools.marked[0] != "r1" {
		t.Errorf("marked = %v", tools.marked)
	}
}

func TestConfiguredDefaultChannelWins(t *testing.T) {
	old := due("r1", "交房租")
	old.Channel = ""
	tools := &scriptedTools{pending: []Reminder{old}}
	sender := &recordingSender{}
	d := NewDispatcher(tools, sender, "", "telegram", testLogger(), nil)

	d.Poll(context.Background())
	if len(sender.channels) != 1 || sender.channels[0] != "telegram" {
		t.Errorf("channels = %v, want [telegram]", sender.channels)
	}
}

func TestEmptyPollIsQuiet(t *testing.T) {
	tools := &scriptedTools{}
	sender := &recordingSender{}
	d := NewDispatcher(tools, sender, "", "", testLogger(), nil)

	d.Poll(context.Background())
	if len(sender.sent) != 0 || len(tools.marked) != 0 {
		t.Errorf("unexpected activity: sent=%v marked=%v", sender.sent, tools.marked)
	}
}
