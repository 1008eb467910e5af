// Package channels holds the messenger adapters: inbound message intake
// handed to the engine, and outbound delivery for replies and reminders.
// Webhook payload decryption happens upstream; adapters consume plaintext.
package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// Attachment is pre-extracted attachment content riding along with a
// message. Kind is "image", "audio", or "document"; Text carries the
// upstream OCR/transcription output.
type Attachment struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Inbound is one message arriving from a channel, before principal
// resolution.
type Inbound struct {
	Channel       string
	ChannelUserID string
	DisplayName   string
	ThreadID      string
	Content       string
	Attachments   []Attachment
}

// InboundHandler processes one inbound message and returns the reply
// text to deliver back on the same channel. The gateway supplies it.
type InboundHandler func(ctx context.Context, in *Inbound) (string, error)

// Adapter is one messenger integration.
type Adapter interface {
	// Name is the channel identifier stored in bindings ("telegram",
	// "threema").
	Name() string

	// Start runs the adapter's inbound loop until ctx is cancelled.
	// Webhook-driven adapters return immediately.
	Start(ctx context.Context) error

	// Send delivers text to a channel address.
	Send(ctx context.Context, channelUserID, text string) error
}

// AddressLookup maps a principal to its address on a channel. The store
// binding table backs it.
type AddressLookup func(ctx context.Context, userID, channel string) (string, error)

// SenderSet routes outbound deliveries to the adapter for each channel,
// resolving principal IDs to channel addresses first. It is the
// reminder dispatcher's sender.
type SenderSet struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	lookup   AddressLookup
	logger   *observability.Logger
}

// NewSenderSet creates an empty sender set.
func NewSenderSet(lookup AddressLookup, logger *observability.Logger) *SenderSet {
	return &SenderSet{
		adapters: make(map[string]Adapter),
		lookup:   lookup,
		logger:   logger,
	}
}

// Register adds an adapter. Later registrations for the same name win.
func (s *SenderSet) Register(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Name()] = a
}

// Adapter returns the adapter for a channel name.
func (s *SenderSet) Adapter(name string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[name]
	return a, ok
}

// Send delivers payload to the principal's address on channel.
func (s *SenderSet) Send(ctx context.Context, userID, channel, payload string) error {
	adapter, ok := s.Adapter(channel)
	if !ok {
		return fmt.Errorf("no adapter for channel %q", channel)
	}
	addr, err := s.lookup(ctx, userID, channel)
	if err != nil {
		return fmt.Errorf("resolve %s address: %w", channel, err)
	}
	if err := adapter.Send(ctx, addr, payload); err != nil {
		return fmt.Errorf("send via %s: %w", channel, err)
	}
	s.logger.Debug(ctx, "channel.sent", "channel", channel, "user_id", userID)
	return nil
}
