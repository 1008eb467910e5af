package channels

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/guanpeibj/family-ai-assistant/internal/cache"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// Telegram is the Telegram adapter, long-polling for updates and
// replying in the originating chat.
type Telegram struct {
	bot     *bot.Bot
	handler InboundHandler
	dedupe  *cache.Dedupe
	logger  *observability.Logger

	// send is swapped out in tests.
	send func(ctx context.Context, chatID, text string) error
}

// NewTelegram creates the adapter. The token is validated on Start, not
// here; bot.New only parses it.
func NewTelegram(token string, handler InboundHandler, logger *observability.Logger) (*Telegram, error) {
	t := &Telegram{
		handler: handler,
		dedupe:  cache.NewDedupe(10*time.Minute, 10000),
		logger:  logger,
	}
	b, err := bot.New(token, bot.WithDefaultHandler(t.onUpdate))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = b
	t.send = func(ctx context.Context, chatID, text string) error {
		_, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
		return err
	}
	return t, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Start long-polls until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	t.logger.Info(ctx, "telegram.start")
	t.bot.Start(ctx)
	return nil
}

// Send delivers text to a chat. For direct chats the channel address is
// the chat ID.
func (t *Telegram) Send(ctx context.Context, channelUserID, text string) error {
	return t.send(ctx, channelUserID, text)
}

func (t *Telegram) onUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if t.dedupe.Seen(fmt.Sprintf("telegram:%d", update.ID)) {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	in := &Inbound{
		Channel:       "telegram",
		ChannelUserID: strconv.FormatInt(msg.From.ID, 10),
		DisplayName:   msg.From.FirstName,
		ThreadID:      chatID,
		Content:       content,
	}

	reply, err := t.handler(ctx, in)
	if err != nil {
		t.logger.Error(ctx, "telegram.handle.failed", "error", err.Error())
		return
	}
	if reply == "" {
		return
	}
	if err := t.send(ctx, chatID, reply); err != nil {
		t.logger.Error(ctx, "telegram.send.failed", "chat_id", chatID, "error", err.Error())
	}
}
