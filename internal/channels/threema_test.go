package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func postWebhook(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/threema",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestThreemaWebhookDeliversInboundAndReplies(t *testing.T) {
	var gatewayForm url.Values
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gatewayForm = r.PostForm
	}))
	defer gateway.Close()

	var got *Inbound
	th := NewThreema(ThreemaConfig{
		GatewayID:     "*FAMILYB",
		APISecret:     "api-secret",
		WebhookSecret: "hook-secret",
		SendURL:       gateway.URL,
	}, func(ctx context.Context, in *Inbound) (string, error) {
		got = in
		return "好的，已记下", nil
	}, testLogger())

	rec := postWebhook(t, th.Webhook(), url.Values{
		"secret":     {"hook-secret"},
		"from":       {"ECHOECHO"},
		"message_id": {"m-1"},
		"text":       {"小明今天花了50元买文具"},
		"nickname":   {"爸爸"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got == nil || got.Channel != "threema" || got.ChannelUserID != "ECHOECHO" {
		t.Fatalf("inbound = %+v", got)
	}
	if got.Content != "小明今天花了50元买文具" || got.DisplayName != "爸爸" {
		t.Errorf("inbound = %+v", got)
	}
	if gatewayForm.Get("to") != "ECHOECHO" || gatewayForm.Get("text") != "好的，已记下" {
		t.Errorf("outbound form = %v", gatewayForm)
	}
	if gatewayForm.Get("from") != "*FAMILYB" || gatewayForm.Get("secret") != "api-secret" {
		t.Errorf("outbound credentials = %v", gatewayForm)
	}
}

func TestThreemaWebhookRejectsBadSecret(t *testing.T) {
	called := false
	th := NewThreema(ThreemaConfig{WebhookSecret: "hook-secret"},
		func(ctx context.Context, in *Inbound) (string, error) {
			called = true
			return "", nil
		}, testLogger())

	rec := postWebhook(t, th.Webhook(), url.Values{
		"secret": {"wrong"},
		"from":   {"ECHOECHO"},
		"text":   {"hi"},
	})

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
	if called {
		t.Error("handler ran with bad secret")
	}
}

func TestThreemaWebhookDropsRedelivery(t *testing.T) {
	calls := 0
	th := NewThreema(ThreemaConfig{WebhookSecret: "s"},
		func(ctx context.Context, in *Inbound) (string, error) {
			calls++
			return "", nil
		}, testLogger())

	form := url.Values{
		"secret":     {"s"},
		"from":       {"ECHOECHO"},
		"message_id": {"m-1"},
		"text":       {"hi"},
	}
	postWebhook(t, th.Webhook(), form)
	rec := postWebhook(t, th.Webhook(), form)

	if rec.Code != http.StatusOK {
		t.Errorf("redelivery status = %d", rec.Code)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestThreemaWebhookAcksHandlerFailure(t *testing.T) {
	th := NewThreema(ThreemaConfig{WebhookSecret: "s"},
		func(ctx context.Context, in *Inbound) (string, error) {
			return "", context.DeadlineExceeded
		}, testLogger())

	rec := postWebhook(t, th.Webhook(), url.Values{
		"secret": {"s"},
		"from":   {"ECHOECHO"},
		"text":   {"hi"},
	})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 to stop gateway retries", rec.Code)
	}
}
