// Package toolservice implements the generic, domain-agnostic tool set
// over the persistent store and serves it over HTTP. Tools encode no
// business vocabulary; the AI decides what to store and how to query.
package toolservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Error kinds surfaced by tools.
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindTimeout    = "timeout"
	KindInternal   = "internal"
)

// Error is a kinded tool failure, serialized as {error:{kind,message}}.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Errf builds a kinded error.
func Errf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a tool *Error, classifying unknown errors as internal.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Errf(KindTimeout, "%v", err)
	}
	return Errf(KindInternal, "%v", err)
}

// Tool is one callable operation. Implementations parse their own
// parameters and return a JSON-marshalable result.
type Tool interface {
	// Name returns the tool name used in tool plans.
	Name() string

	// Description tells the LLM what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// TimeBudget is the per-call deadline for this tool.
	TimeBudget() time.Duration

	// Execute runs the tool with the given JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (any, error)
}

// Spec is the published description of a tool.
type Spec struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	XCapabilities []string        `json:"x_capabilities,omitempty"`
	XTimeBudgetMS int64           `json:"x_time_budget_ms"`
	XLatencyHint  string          `json:"x_latency_hint"`
}

// Capabilities lets a tool advertise extra traits in its spec.
type Capabilities interface {
	Capabilities() []string
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Specs returns the published specs, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, tool := range r.tools {
		spec := Spec{
			Name:          tool.Name(),
			Description:   tool.Description(),
			InputSchema:   tool.Schema(),
			XTimeBudgetMS: tool.TimeBudget().Milliseconds(),
			XLatencyHint:  latencyHint(tool.TimeBudget()),
		}
		if c, ok := tool.(Capabilities); ok {
			spec.XCapabilities = c.Capabilities()
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func latencyHint(budget time.Duration) string {
	switch {
	case budget <= 2*time.Second:
		return "fast"
	case budget <= 4*time.Second:
		return "medium"
	default:
		return "slow"
	}
}

// UserIDs accepts a single principal ID or a list in JSON.
type UserIDs []string

// UnmarshalJSON accepts "id" or ["id", ...].
func (u *UserIDs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*u = nil
			return nil
		}
		*u = UserIDs{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("user_id must be a string or list of strings")
	}
	*u = UserIDs(list)
	return nil
}
