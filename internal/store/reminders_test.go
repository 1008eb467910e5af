package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestMarkReminderSentFirstCall(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE reminders SET sent_at = now\(\) WHERE id = \$1 AND sent_at IS NULL`).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkReminderSent(context.Background(), "r-1"); err != nil {
		t.Errorf("mark sent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkReminderSentIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	// Second call matches no rows; the row exists so this is a no-op.
	mock.ExpectExec(`UPDATE reminders SET sent_at`).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM reminders WHERE id = \$1\)`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := s.MarkReminderSent(context.Background(), "r-1"); err != nil {
		t.Errorf("repeat mark sent should be a no-op, got %v", err)
	}
}

func TestMarkReminderSentUnknownID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE reminders SET sent_at`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.MarkReminderSent(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingRemindersQuery(t *testing.T) {
	s, mock := newMockStore(t)

	remindAt := time.Date(2025, 10, 18, 1, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "memory_id", "remind_at", "payload", "channel", "sent_at", "created_at"}).
		AddRow("r-1", "u-1", "", remindAt, "打疫苗", "threema", nil, remindAt.Add(-17*time.Hour))

	mock.ExpectQuery(`WHERE sent_at IS NULL AND remind_at <= \$1`).
		WillReturnRows(rows)

	got, err := s.PendingReminders(context.Background(), "", time.Now())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(got) != 1 || got[0].Payload != "打疫苗" || got[0].SentAt != nil {
		t.Errorf("pending = %+v", got[0])
	}
}

func TestInsertReminderValidation(t *testing.T) {
	s, _ := newMockStore(t)

	if _, err := s.InsertReminder(context.Background(), &Reminder{RemindAt: time.Now()}); err == nil {
		t.Error("expected error without user_id")
	}
	if _, err := s.InsertReminder(context.Background(), &Reminder{UserID: "u-1"}); err == nil {
		t.Error("expected error without remind_at")
	}
}
