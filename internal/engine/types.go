// Package engine is the orchestration core: per-message analysis, context
// assembly, tool-plan execution, and response generation. The engine
// encodes no domain vocabulary; what to store and how to query is decided
// by the model and expressed through the generic tool set.
package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is one inbound user message, already resolved to a principal.
type Message struct {
	Content     string
	Principal   string
	Channel     string
	ThreadID    string
	TraceID     string
	Attachments []Attachment
}

// Attachment carries media with pre-extracted text (OCR, transcript,
// vision caption). The engine only consumes the text.
type Attachment struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Understanding is the model's reading of the message.
type Understanding struct {
	Intent                 string         `json:"intent"`
	Entities               map[string]any `json:"entities,omitempty"`
	NeedAction             bool           `json:"need_action"`
	NeedClarification      bool           `json:"need_clarification"`
	MissingFields          []string       `json:"missing_fields,omitempty"`
	ClarificationQuestions []string       `json:"clarification_questions,omitempty"`
	SuggestedReply         string         `json:"suggested_reply,omitempty"`
	ThinkingDepth          int            `json:"thinking_depth"`
	NeedsDeeperAnalysis    bool           `json:"needs_deeper_analysis"`
	AnalysisReasoning      string         `json:"analysis_reasoning,omitempty"`
	NextExplorationAreas   []string       `json:"next_exploration_areas,omitempty"`
}

// Scope reads the conventional scope entity; empty when unset.
func (u *Understanding) Scope() string {
	if s, ok := u.Entities["scope"].(string); ok {
		return s
	}
	return ""
}

// PersonKey reads the conventional person reference, preferring the
// stable key over the display form.
func (u *Understanding) PersonKey() string {
	if s, ok := u.Entities["person_key"].(string); ok && s != "" {
		return s
	}
	if s, ok := u.Entities["person"].(string); ok {
		return s
	}
	return ""
}

// ContextRequest is one on-demand context fetch declared by the model.
type ContextRequest struct {
	Name    string         `json:"name"`
	Kind    string         `json:"kind"`
	Query   string         `json:"query,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

// ToolStep is one planned tool call. Args may carry cross-step
// references resolved by the executor before dispatch.
type ToolStep struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Mandatory bool           `json:"mandatory,omitempty"`
}

// ToolPlan is the ordered list of steps for one message.
type ToolPlan struct {
	Steps []ToolStep `json:"steps"`
}

// UnmarshalJSON accepts both the declared {"steps": [...]} object and a
// bare step array, which models still emit now and then.
func (p *ToolPlan) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &p.Steps)
	}
	type plain ToolPlan
	return json.Unmarshal(raw, (*plain)(p))
}

// Analysis is the full output of one thinking round.
type Analysis struct {
	Understanding      Understanding    `json:"understanding"`
	ContextRequests    []ContextRequest `json:"context_requests,omitempty"`
	ToolPlan           ToolPlan         `json:"tool_plan"`
	ResponseDirectives map[string]any   `json:"response_directives,omitempty"`
}

// ParseAnalysis decodes and sanity-checks one model response.
func ParseAnalysis(raw []byte) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if a.Understanding.Intent == "" && !a.Understanding.NeedClarification {
		return nil, fmt.Errorf("analysis carries neither intent nor clarification")
	}
	return &a, nil
}

// snippet trims a raw response for error reporting.
func snippet(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
