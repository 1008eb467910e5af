// Package gateway is the ingress HTTP surface: message intake, channel
// webhooks, media serving, health, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guanpeibj/family-ai-assistant/internal/engine"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// DefaultMaxContentBytes rejects inbound content above this size.
const DefaultMaxContentBytes = 1 << 20

// contentTooLongReply is the user-facing rejection for oversized input.
const contentTooLongReply = "这条消息太长了，我处理不了。可以分成几条短一点的发给我吗？"

// Processor handles one resolved message end to end.
type Processor interface {
	Process(ctx context.Context, msg *engine.Message) *engine.Reply
}

// Pinger is a dependency health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config carries the server knobs and probes.
type Config struct {
	MaxContentBytes int

	// DB and ToolService are health probes; nil skips the component.
	DB          Pinger
	ToolService Pinger

	// LLMProvider is reported in health output.
	LLMProvider string

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the ingress HTTP server.
type Server struct {
	proc     Processor
	cfg      Config
	webhooks map[string]http.Handler
	media    http.Handler
	logger   *observability.Logger
}

// NewServer creates the server. webhooks maps channel names to their
// inbound handlers; media serves signed chart URLs (nil disables it).
func NewServer(proc Processor, webhooks map[string]http.Handler, media http.Handler, cfg Config, logger *observability.Logger) *Server {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if webhooks == nil {
		webhooks = map[string]http.Handler{}
	}
	return &Server{proc: proc, cfg: cfg, webhooks: webhooks, media: media, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("POST /webhook/{channel}", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	if s.media != nil {
		mux.Handle("GET /media/{id}", s.media)
	}
	return mux
}

type messageRequest struct {
	Content     string              `json:"content"`
	UserID      string              `json:"user_id"`
	ThreadID    string              `json:"thread_id,omitempty"`
	Channel     string              `json:"channel,omitempty"`
	Attachments []engine.Attachment `json:"attachments,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	// Leave headroom over the content cap for the JSON envelope.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxContentBytes)*2)

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	// Empty content is not rejected here: the analysis phase turns it
	// into a clarification ask, which is the reply the user should see.
	if len(req.Content) >= s.cfg.MaxContentBytes {
		// Oversized input gets a normal friendly reply, not an API
		// error, so channel callers can forward it verbatim.
		writeJSON(w, http.StatusOK, &engine.Reply{Response: contentTooLongReply})
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = "api"
	}
	reply := s.proc.Process(r.Context(), &engine.Message{
		Content:     req.Content,
		Principal:   req.UserID,
		Channel:     channel,
		ThreadID:    req.ThreadID,
		Attachments: req.Attachments,
	})
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	h, ok := s.webhooks[r.PathValue("channel")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out := healthResponse{Status: "healthy", Components: map[string]string{}}
	probe := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			out.Status = "degraded"
			out.Components[name] = err.Error()
			return
		}
		out.Components[name] = "ok"
	}
	probe("db", s.cfg.DB)
	probe("tool_service", s.cfg.ToolService)
	if s.cfg.LLMProvider != "" {
		out.Components["llm"] = s.cfg.LLMProvider
	}

	code := http.StatusOK
	if out.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
