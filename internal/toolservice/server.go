package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// maxRequestBytes bounds tool request bodies.
const maxRequestBytes = 4 << 20

// Server exposes the registry over HTTP. Tool failures are reported in
// the response body as {error:{kind,message}} with status 200; non-200
// is reserved for transport-level problems (unknown tool, bad route).
type Server struct {
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics

	// strict validates params against each tool's schema before
	// execution instead of letting the tool reject them.
	strict bool

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStrictMode turns on schema validation of tool parameters.
func WithStrictMode(strict bool) ServerOption {
	return func(s *Server) { s.strict = strict }
}

// WithMetrics attaches metrics collection.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a tool service server over the given registry.
func NewServer(registry *Registry, logger *observability.Logger, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		logger:   logger,
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the tool service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /tool/{name}", s.handleCallTool)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.Specs()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tool, ok := s.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorEnvelope(Errf(KindNotFound, "unknown tool %q", name)))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeJSON(w, http.StatusOK, errorEnvelope(Errf(KindValidation, "read body: %v", err)))
		return
	}
	if len(body) > maxRequestBytes {
		writeJSON(w, http.StatusOK, errorEnvelope(Errf(KindValidation, "request body exceeds %d bytes", maxRequestBytes)))
		return
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	if s.strict {
		if verr := s.validateParams(tool, body); verr != nil {
			writeJSON(w, http.StatusOK, errorEnvelope(verr))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), tool.TimeBudget())
	defer cancel()

	start := time.Now()
	result, err := tool.Execute(ctx, body)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = AsError(err).Kind
	}
	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(name, status).Inc()
		s.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	s.logger.Step(r.Context(), "tool."+name, start, "status", status)

	if err != nil {
		writeJSON(w, http.StatusOK, errorEnvelope(AsError(err)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// validateParams checks the params against the tool's published schema.
func (s *Server) validateParams(tool Tool, params []byte) *Error {
	schema, err := s.compiledSchema(tool)
	if err != nil {
		// A broken schema is our bug, not the caller's.
		return Errf(KindInternal, "compile schema for %s: %v", tool.Name(), err)
	}

	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return Errf(KindValidation, "parse params: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Errf(KindValidation, "params do not match schema: %s", compactValidationError(err))
	}
	return nil
}

func (s *Server) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	if schema, ok := s.schemas[tool.Name()]; ok {
		return schema, nil
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("tool://%s/schema.json", tool.Name())
	if err := compiler.AddResource(url, strings.NewReader(string(tool.Schema()))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	s.schemas[tool.Name()] = schema
	return schema, nil
}

func compactValidationError(err error) string {
	var verr *jsonschema.ValidationError
	if ok := asValidationError(err, &verr); ok {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
		}
		return leaf.Message
	}
	return err.Error()
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = verr
	}
	return ok
}

func errorEnvelope(e *Error) map[string]any {
	return map[string]any{"error": e}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RegisterDefaultTools registers the full generic tool set over the
// given store. The chart renderer may be nil, in which case
// render_chart is not registered.
func RegisterDefaultTools(registry *Registry, st *store.Store, renderer ChartRenderer) {
	registry.Register(NewStoreTool(st))
	registry.Register(NewSearchTool(st))
	registry.Register(NewAggregateTool(st))
	registry.Register(NewUpdateMemoryFieldsTool(st))
	registry.Register(NewSoftDeleteTool(st))
	registry.Register(NewScheduleReminderTool(st))
	registry.Register(NewGetPendingRemindersTool(st))
	registry.Register(NewMarkReminderSentTool(st))
	registry.Register(NewBatchStoreTool(st))
	registry.Register(NewBatchSearchTool(st))
	registry.Register(NewBatchAggregateTool(st))
	if renderer != nil {
		registry.Register(NewRenderChartTool(renderer))
	}
}
