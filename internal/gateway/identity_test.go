package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/guanpeibj/family-ai-assistant/internal/channels"
	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

type fakeIdentityStore struct {
	bindings map[string]string
	ensured  []string
	bound    []*store.ChannelBinding
	fail     error
}

func (f *fakeIdentityStore) ResolveChannelUser(ctx context.Context, channel, channelUserID string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	if id, ok := f.bindings[channel+"/"+channelUserID]; ok {
		return id, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeIdentityStore) EnsurePrincipal(ctx context.Context, principalKey string) (string, error) {
	f.ensured = append(f.ensured, principalKey)
	return "p-new", nil
}

func (f *fakeIdentityStore) BindChannel(ctx context.Context, b *store.ChannelBinding) error {
	f.bound = append(f.bound, b)
	return nil
}

func TestInboundHandlerUsesExistingBinding(t *testing.T) {
	ids := &fakeIdentityStore{bindings: map[string]string{"threema/ECHOECHO": "p-dad"}}
	proc := &echoProcessor{}
	handler := NewInboundHandler(ids, proc, testLogger())

	reply, err := handler(context.Background(), &channels.Inbound{
		Channel:       "threema",
		ChannelUserID: "ECHOECHO",
		ThreadID:      "ECHOECHO",
		Content:       "你好",
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if reply != "收到：你好" {
		t.Errorf("reply = %q", reply)
	}
	if proc.last.Principal != "p-dad" || proc.last.Channel != "threema" {
		t.Errorf("message = %+v", proc.last)
	}
	if len(ids.ensured) != 0 {
		t.Errorf("principal created despite existing binding: %v", ids.ensured)
	}
}

func TestInboundHandlerBindsFirstContact(t *testing.T) {
	ids := &fakeIdentityStore{bindings: map[string]string{}}
	proc := &echoProcessor{}
	handler := NewInboundHandler(ids, proc, testLogger())

	_, err := handler(context.Background(), &channels.Inbound{
		Channel:       "telegram",
		ChannelUserID: "10001",
		DisplayName:   "爸爸",
		Content:       "hi",
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(ids.ensured) != 1 || ids.ensured[0] != "telegram:10001" {
		t.Errorf("ensured = %v", ids.ensured)
	}
	if len(ids.bound) != 1 {
		t.Fatalf("bound = %v", ids.bound)
	}
	b := ids.bound[0]
	if b.UserID != "p-new" || b.Channel != "telegram" || !b.IsPrimary {
		t.Errorf("binding = %+v", b)
	}
	if b.ChannelData["display_name"] != "爸爸" {
		t.Errorf("channel_data = %v", b.ChannelData)
	}
	if proc.last.Principal != "p-new" {
		t.Errorf("principal = %q", proc.last.Principal)
	}
}

func TestInboundHandlerPropagatesStoreFailure(t *testing.T) {
	ids := &fakeIdentityStore{fail: errors.New("db down")}
	handler := NewInboundHandler(ids, &echoProcessor{}, testLogger())

	if _, err := handler(context.Background(), &channels.Inbound{
		Channel:       "threema",
		ChannelUserID: "ECHOECHO",
		Content:       "hi",
	}); err == nil {
		t.Error("store failure not propagated")
	}
}

func TestInboundHandlerConvertsAttachments(t *testing.T) {
	ids := &fakeIdentityStore{bindings: map[string]string{"threema/ECHOECHO": "p-dad"}}
	proc := &echoProcessor{}
	handler := NewInboundHandler(ids, proc, testLogger())

	handler(context.Background(), &channels.Inbound{
		Channel:       "threema",
		ChannelUserID: "ECHOECHO",
		Content:       "看一下这张收据",
		Attachments:   []channels.Attachment{{Kind: "image", Text: "超市小票 合计 86.5 元"}},
	})

	if len(proc.last.Attachments) != 1 || proc.last.Attachments[0].Text != "超市小票 合计 86.5 元" {
		t.Errorf("attachments = %+v", proc.last.Attachments)
	}
}
