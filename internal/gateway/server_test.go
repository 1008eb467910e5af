package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guanpeibj/family-ai-assistant/internal/engine"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

type echoProcessor struct {
	last *engine.Message
}

func (p *echoProcessor) Process(ctx context.Context, msg *engine.Message) *engine.Reply {
	p.last = msg
	return &engine.Reply{Response: "收到：" + msg.Content, TraceID: "t-1", ElapsedMS: 5}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func newTestServer(proc Processor, cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	return NewServer(proc, nil, nil, cfg, testLogger())
}

func postMessage(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMessageEndpointProcessesAndReplies(t *testing.T) {
	proc := &echoProcessor{}
	h := newTestServer(proc, Config{}).Handler()

	rec := postMessage(t, h, map[string]any{
		"content":   "记一下小明打了疫苗",
		"user_id":   "p-dad",
		"thread_id": "t9",
		"channel":   "threema",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var reply engine.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Response != "收到：记一下小明打了疫苗" || reply.TraceID != "t-1" {
		t.Errorf("reply = %+v", reply)
	}
	if proc.last.Principal != "p-dad" || proc.last.ThreadID != "t9" || proc.last.Channel != "threema" {
		t.Errorf("message = %+v", proc.last)
	}
}

func TestMessageEndpointDefaultsChannelToAPI(t *testing.T) {
	proc := &echoProcessor{}
	h := newTestServer(proc, Config{}).Handler()

	postMessage(t, h, map[string]any{"content": "hi", "user_id": "p-dad"})
	if proc.last.Channel != "api" {
		t.Errorf("channel = %q", proc.last.Channel)
	}
}

func TestMessageEndpointValidation(t *testing.T) {
	proc := &echoProcessor{}
	h := newTestServer(proc, Config{}).Handler()

	rec := postMessage(t, h, map[string]any{"content": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d", rec.Code)
	}
	if proc.last != nil {
		t.Error("processor ran on invalid input")
	}
}

func TestEmptyContentReachesTheEngine(t *testing.T) {
	proc := &echoProcessor{}
	h := newTestServer(proc, Config{}).Handler()

	// Empty content is a real message: analysis answers it with a
	// clarification ask, not the gateway with a 400.
	rec := postMessage(t, h, map[string]any{"user_id": "p-dad"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if proc.last == nil {
		t.Fatal("empty content never reached the processor")
	}
	if proc.last.Content != "" || proc.last.Principal != "p-dad" {
		t.Errorf("message = %+v", proc.last)
	}
}

func TestOversizedContentGetsFriendlyReply(t *testing.T) {
	proc := &echoProcessor{}
	h := newTestServer(proc, Config{MaxContentBytes: 64}).Handler()

	rec := postMessage(t, h, map[string]any{
		"content": strings.Repeat("长", 64),
		"user_id": "p-dad",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var reply engine.Reply
	json.Unmarshal(rec.Body.Bytes(), &reply)
	if reply.Response != contentTooLongReply {
		t.Errorf("response = %q", reply.Response)
	}
	if proc.last != nil {
		t.Error("oversized content reached the engine")
	}
}

func TestWebhookRouting(t *testing.T) {
	hit := false
	webhooks := map[string]http.Handler{
		"threema": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = true
		}),
	}
	srv := NewServer(&echoProcessor{}, webhooks, nil,
		Config{Gatherer: prometheus.NewRegistry()}, testLogger())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook/threema", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !hit {
		t.Error("threema webhook not routed")
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/signal", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown channel: status = %d", rec.Code)
	}
}

func TestHealthReportsComponents(t *testing.T) {
	ok := pingFunc(func(ctx context.Context) error { return nil })
	h := newTestServer(&echoProcessor{}, Config{
		DB:          ok,
		ToolService: ok,
		LLMProvider: "openai",
	}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out healthResponse
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Status != "healthy" || out.Components["db"] != "ok" || out.Components["llm"] != "openai" {
		t.Errorf("health = %+v", out)
	}
}

func TestHealthDegradesOnProbeFailure(t *testing.T) {
	h := newTestServer(&echoProcessor{}, Config{
		DB:          pingFunc(func(ctx context.Context) error { return nil }),
		ToolService: pingFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var out healthResponse
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Status != "degraded" || out.Components["db"] != "ok" {
		t.Errorf("health = %+v", out)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.NewMetrics(reg)
	h := newTestServer(&echoProcessor{}, Config{Gatherer: reg}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
