package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reminder is a scheduled outbound notification.
type Reminder struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	MemoryID  string     `json:"memory_id,omitempty"`
	RemindAt  time.Time  `json:"remind_at"`
	Payload   string     `json:"payload"`
	Channel   string     `json:"channel,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// InsertReminder schedules a reminder and returns its ID.
func (s *Store) InsertReminder(ctx context.Context, r *Reminder) (string, error) {
	if r.UserID == "" {
		return "", fmt.Errorf("reminder user_id must not be empty")
	}
	if r.RemindAt.IsZero() {
		return "", fmt.Errorf("reminder remind_at must be set")
	}
	if r.ID == "" {
		r.ID = newID()
	}

	var memoryID any
	if r.MemoryID != "" {
		memoryID = r.MemoryID
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (id, user_id, memory_id, remind_at, payload, channel, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.UserID, memoryID, r.RemindAt.UTC(), r.Payload, r.Channel, now)
	if err != nil {
		return "", fmt.Errorf("insert reminder: %w", err)
	}
	r.CreatedAt = now
	return r.ID, nil
}

// PendingReminders returns due, unsent reminders: remind_at <= before and
// sent_at is null. A zero before means "now". userID narrows to one
// principal when non-empty.
func (s *Store) PendingReminders(ctx context.Context, userID string, before time.Time) ([]*Reminder, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	query := `
		SELECT id, user_id, COALESCE(memory_id::text, ''), remind_at, payload, channel, sent_at, created_at
		FROM reminders
		WHERE sent_at IS NULL AND remind_at <= $1`
	args := []any{before.UTC()}
	if userID != "" {
		query += " AND user_id = $2"
		args = append(args, userID)
	}
	query += " ORDER BY remind_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		var (
			r      Reminder
			sentAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.MemoryID, &r.RemindAt, &r.Payload, &r.Channel, &sentAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		if sentAt.Valid {
			t := sentAt.Time
			r.SentAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkReminderSent sets sent_at exactly once. Repeat calls are no-ops
// that leave the original timestamp, making dispatch idempotent.
func (s *Store) MarkReminderSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET sent_at = now() WHERE id = $1 AND sent_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	if affected == 0 {
		// Either already sent (fine, idempotent) or unknown ID.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM reminders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("mark reminder sent: %w", err)
		}
		if !exists {
			return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
		}
	}
	return nil
}
