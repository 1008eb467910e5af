package channels

import (
	"context"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/guanpeibj/family-ai-assistant/internal/cache"
)

func testTelegram(handler InboundHandler) (*Telegram, *[]string) {
	var sent []string
	t := &Telegram{
		handler: handler,
		dedupe:  cache.NewDedupe(time.Minute, 100),
		logger:  testLogger(),
	}
	t.send = func(ctx context.Context, chatID, text string) error {
		sent = append(sent, chatID+":"+text)
		return nil
	}
	return t, &sent
}

func textUpdate(id int64, text string) *models.Update {
	return &models.Update{
		ID: id,
		Message: &models.Message{
			From: &models.User{ID: 10001, FirstName: "爸爸"},
			Chat: models.Chat{ID: 20002},
			Text: text,
		},
	}
}

func TestTelegramUpdateBecomesInboundAndReplyGoesToChat(t *testing.T) {
	var got *Inbound
	tg, sent := testTelegram(func(ctx context.Context, in *Inbound) (string, error) {
		got = in
		return "已记录", nil
	})

	tg.onUpdate(context.Background(), nil, textUpdate(1, "今天体重21.5kg"))

	if got == nil || got.Channel != "telegram" || got.ChannelUserID != "10001" {
		t.Fatalf("inbound = %+v", got)
	}
	if got.ThreadID != "20002" || got.Content != "今天体重21.5kg" {
		t.Errorf("inbound = %+v", got)
	}
	if len(*sent) != 1 || (*sent)[0] != "20002:已记录" {
		t.Errorf("sent = %v", *sent)
	}
}

func TestTelegramDuplicateUpdateDropped(t *testing.T) {
	calls := 0
	tg, _ := testTelegram(func(ctx context.Context, in *Inbound) (string, error) {
		calls++
		return "", nil
	})

	tg.onUpdate(context.Background(), nil, textUpdate(7, "hi"))
	tg.onUpdate(context.Background(), nil, textUpdate(7, "hi"))

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestTelegramCaptionFallbackAndEmptySkip(t *testing.T) {
	calls := 0
	var content string
	tg, _ := testTelegram(func(ctx context.Context, in *Inbound) (string, error) {
		calls++
		content = in.Content
		return "", nil
	})

	u := textUpdate(1, "")
	u.Message.Caption = "宝宝第一次走路"
	tg.onUpdate(context.Background(), nil, u)
	tg.onUpdate(context.Background(), nil, textUpdate(2, ""))

	if calls != 1 || content != "宝宝第一次走路" {
		t.Errorf("calls = %d, content = %q", calls, content)
	}
}
