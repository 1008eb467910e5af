package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/guanpeibj/family-ai-assistant/internal/channels"
	"github.com/guanpeibj/family-ai-assistant/internal/engine"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// IdentityStore resolves channel addresses to principals, creating the
// binding on first contact.
type IdentityStore interface {
	ResolveChannelUser(ctx context.Context, channel, channelUserID string) (string, error)
	EnsurePrincipal(ctx context.Context, principalKey string) (string, error)
	BindChannel(ctx context.Context, b *store.ChannelBinding) error
}

// NewInboundHandler builds the channel adapters' inbound handler:
// resolve (or create) the principal, run the engine, hand back the
// reply text.
func NewInboundHandler(ids IdentityStore, proc Processor, logger *observability.Logger) channels.InboundHandler {
	return func(ctx context.Context, in *channels.Inbound) (string, error) {
		principal, err := resolvePrincipal(ctx, ids, in)
		if err != nil {
			return "", err
		}

		attachments := make([]engine.Attachment, 0, len(in.Attachments))
		for _, a := range in.Attachments {
			attachments = append(attachments, engine.Attachment{Kind: a.Kind, Text: a.Text})
		}

		reply := proc.Process(ctx, &engine.Message{
			Content:     in.Content,
			Principal:   principal,
			Channel:     in.Channel,
			ThreadID:    in.ThreadID,
			Attachments: attachments,
		})
		logger.Debug(ctx, "webhook.processed",
			"channel", in.Channel, "trace_id", reply.TraceID)
		return reply.Response, nil
	}
}

// resolvePrincipal maps a channel address to its principal, binding a
// fresh principal on first contact.
func resolvePrincipal(ctx context.Context, ids IdentityStore, in *channels.Inbound) (string, error) {
	principal, err := ids.ResolveChannelUser(ctx, in.Channel, in.ChannelUserID)
	if err == nil {
		return principal, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("resolve principal: %w", err)
	}

	principalKey := in.Channel + ":" + in.ChannelUserID
	principal, err = ids.EnsurePrincipal(ctx, principalKey)
	if err != nil {
		return "", fmt.Errorf("create principal: %w", err)
	}
	binding := &store.ChannelBinding{
		UserID:        principal,
		Channel:       in.Channel,
		ChannelUserID: in.ChannelUserID,
		IsPrimary:     true,
	}
	if in.DisplayName != "" {
		binding.ChannelData = map[string]any{"display_name": in.DisplayName}
	}
	if err := ids.BindChannel(ctx, binding); err != nil {
		return "", fmt.Errorf("bind channel: %w", err)
	}
	return principal, nil
}
