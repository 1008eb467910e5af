package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// principalNamespace seeds UUIDv5 derivation so the same principal key
// always maps to the same ID across processes.
var principalNamespace = uuid.MustParse("8f6f3a52-9c2e-5b1d-a0e4-c1b2d3e4f5a6")

// PrincipalID derives the stable principal UUID for a principal key.
// Synthetic principals like "family_default" derive the same way.
func PrincipalID(principalKey string) string {
	return uuid.NewSHA1(principalNamespace, []byte(principalKey)).String()
}

// ChannelBinding links a channel address to a principal.
type ChannelBinding struct {
	UserID        string
	Channel       string
	ChannelUserID string
	ChannelData   map[string]any
	IsPrimary     bool
	CreatedAt     time.Time
}

// EnsurePrincipal creates the principal row for a key if absent and
// returns its ID. Safe to call on every message.
func (s *Store) EnsurePrincipal(ctx context.Context, principalKey string) (string, error) {
	id := PrincipalID(principalKey)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return "", fmt.Errorf("ensure principal: %w", err)
	}
	return id, nil
}

// BindChannel records a (channel, channel_user_id) → principal binding.
// Re-binding the same address updates the principal.
func (s *Store) BindChannel(ctx context.Context, b *ChannelBinding) error {
	if b.Channel == "" || b.ChannelUserID == "" || b.UserID == "" {
		return fmt.Errorf("channel binding requires channel, channel_user_id, and user_id")
	}

	data := b.ChannelData
	if data == nil {
		data = map[string]any{}
	}
	doc, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal channel_data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_channels (user_id, channel, channel_user_id, channel_data, is_primary)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (channel, channel_user_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			channel_data = EXCLUDED.channel_data,
			is_primary = EXCLUDED.is_primary
	`, b.UserID, b.Channel, b.ChannelUserID, string(doc), b.IsPrimary)
	if err != nil {
		return fmt.Errorf("bind channel: %w", err)
	}
	return nil
}

// ChannelAddress maps a principal back to its address on a channel,
// preferring the primary binding. Returns ErrNotFound when the
// principal has no binding there.
func (s *Store) ChannelAddress(ctx context.Context, userID, channel string) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_user_id FROM user_channels
		WHERE user_id = $1 AND channel = $2
		ORDER BY is_primary DESC, created_at ASC
		LIMIT 1
	`, userID, channel).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no %s binding for %s: %w", channel, userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("channel address: %w", err)
	}
	return addr, nil
}

// ResolveChannelUser maps a channel address to its principal ID.
// Returns ErrNotFound when no binding exists.
func (s *Store) ResolveChannelUser(ctx context.Context, channel, channelUserID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM user_channels WHERE channel = $1 AND channel_user_id = $2
	`, channel, channelUserID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("channel user %s/%s: %w", channel, channelUserID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve channel user: %w", err)
	}
	return userID, nil
}
