package channels

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/cache"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// DefaultThreemaSendURL is the Threema gateway simple-send endpoint.
const DefaultThreemaSendURL = "https://msgapi.threema.ch/send_simple"

// ThreemaConfig configures the Threema gateway adapter. Inbound payloads
// arrive already decrypted; the webhook consumes plaintext form fields.
type ThreemaConfig struct {
	GatewayID     string
	APISecret     string
	WebhookSecret string

	// SendURL overrides the gateway endpoint, mainly for tests.
	SendURL string
}

// Threema is the Threema gateway adapter: inbound via webhook, outbound
// via the gateway send API.
type Threema struct {
	cfg     ThreemaConfig
	handler InboundHandler
	dedupe  *cache.Dedupe
	httpc   *http.Client
	logger  *observability.Logger
}

// NewThreema creates the adapter.
func NewThreema(cfg ThreemaConfig, handler InboundHandler, logger *observability.Logger) *Threema {
	if cfg.SendURL == "" {
		cfg.SendURL = DefaultThreemaSendURL
	}
	return &Threema{
		cfg:     cfg,
		handler: handler,
		dedupe:  cache.NewDedupe(10*time.Minute, 10000),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (t *Threema) Name() string { return "threema" }

// Start is a no-op; inbound traffic arrives on the webhook.
func (t *Threema) Start(ctx context.Context) error { return nil }

// Send delivers text to a Threema ID through the gateway.
func (t *Threema) Send(ctx context.Context, channelUserID, text string) error {
	form := url.Values{
		"from":   {t.cfg.GatewayID},
		"to":     {channelUserID},
		"text":   {text},
		"secret": {t.cfg.APISecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.SendURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("threema send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("threema send: gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Webhook handles inbound messages. Fields: from (sender Threema ID),
// message_id, text (plaintext), nickname, secret (shared webhook
// secret). Redeliveries of the same message_id are dropped.
func (t *Threema) Webhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if subtle.ConstantTimeCompare(
			[]byte(r.PostForm.Get("secret")), []byte(t.cfg.WebhookSecret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		from := r.PostForm.Get("from")
		text := r.PostForm.Get("text")
		if from == "" || text == "" {
			http.Error(w, "from and text are required", http.StatusBadRequest)
			return
		}
		if id := r.PostForm.Get("message_id"); id != "" && t.dedupe.Seen("threema:"+id) {
			w.WriteHeader(http.StatusOK)
			return
		}

		in := &Inbound{
			Channel:       "threema",
			ChannelUserID: from,
			DisplayName:   r.PostForm.Get("nickname"),
			ThreadID:      from,
			Content:       text,
		}
		reply, err := t.handler(r.Context(), in)
		if err != nil {
			// Acknowledge anyway so the gateway does not retry-storm.
			t.logger.Error(r.Context(), "threema.handle.failed", "error", err.Error())
			w.WriteHeader(http.StatusOK)
			return
		}
		if reply != "" {
			if err := t.Send(r.Context(), from, reply); err != nil {
				t.logger.Error(r.Context(), "threema.send.failed", "to", from, "error", err.Error())
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}
