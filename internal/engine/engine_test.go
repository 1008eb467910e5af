package engine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/guanpeibj/family-ai-assistant/internal/household"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

// recordedCall is one tool invocation seen by the fake tool caller.
type recordedCall struct {
	Name   string
	Params map[string]any
}

// fakeTools scripts tool responses by name and records every call.
type fakeTools struct {
	handler func(name string, params map[string]any) (any, error)
	calls   []recordedCall
}

func (f *fakeTools) Call(ctx context.Context, name string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, recordedCall{Name: name, Params: decoded})

	result, err := f.handler(name, decoded)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (f *fakeTools) Tools(ctx context.Context) ([]toolservice.Spec, error) {
	return []toolservice.Spec{
		{Name: "store", Description: "Store a memory.", InputSchema: json.RawMessage(`{}`), XTimeBudgetMS: 2000, XLatencyHint: "fast"},
		{Name: "search", Description: "Search memories.", InputSchema: json.RawMessage(`{}`), XTimeBudgetMS: 3000, XLatencyHint: "medium"},
	}, nil
}

// callsTo filters the recorded calls by tool name.
func (f *fakeTools) callsTo(name string) []recordedCall {
	var out []recordedCall
	for _, c := range f.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// fakeLLM serves scripted JSON analyses and text replies in order.
type fakeLLM struct {
	jsonResponses []string
	jsonCalls     int
	textResponse  string
	textErr       error
}

func (f *fakeLLM) ChatJSON(ctx context.Context, system, user string) ([]byte, error) {
	if f.jsonCalls >= len(f.jsonResponses) {
		return []byte(`{}`), nil
	}
	raw := f.jsonResponses[f.jsonCalls]
	f.jsonCalls++
	return []byte(raw), nil
}

func (f *fakeLLM) ChatText(ctx context.Context, system, user string) (string, error) {
	if f.textErr != nil {
		return "", f.textErr
	}
	if f.textResponse == "" {
		return "好的，已经记下了。", nil
	}
	return f.textResponse, nil
}

// fakeHouseholds serves one fixed view.
type fakeHouseholds struct {
	view *household.View
}

func (f *fakeHouseholds) ViewFor(ctx context.Context, principalID string) (*household.View, error) {
	return f.view, nil
}

// fakeEmbedder returns a fixed vector.
type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func familyView() *household.View {
	jack := &household.Member{MemberKey: "son", DisplayName: "Jack", PrincipalID: "p-jack"}
	return &household.View{
		HouseholdID:      "h1",
		Members:          []*household.Member{jack},
		MembersIndex:     map[string]*household.Member{"son": jack},
		FamilyPrincipals: []string{"family_default", "p-dad", "p-mom", "p-jack"},
	}
}

func testMessage() *Message {
	return &Message{
		Content:   "本月预算是多少？",
		Principal: "p-dad",
		Channel:   "threema",
		ThreadID:  "t1",
		TraceID:   "trace-1",
	}
}

// emptySearch is the canonical empty search result.
func emptySearch() map[string]any {
	return map[string]any{"results": []any{}, "total": 0}
}

func searchHit(id string) map[string]any {
	return map[string]any{
		"results": []any{map[string]any{"id": id, "content": "hit"}},
		"total":   1,
	}
}

const enginePromptCatalog = `
blocks:
  understand: "Extract intent as JSON. Tools:\n{{DYNAMIC_TOOLS}}"
  respond: "Reply warmly and mention any failed actions."

prompts:
  default:
    system_blocks: [understand]
    understanding_blocks: [understand]
    tool_planning_blocks: [understand]
    response_blocks: [respond]

current: default
`

func writeEngineCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte(enginePromptCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}
