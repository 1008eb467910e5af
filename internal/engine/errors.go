package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Tool-level kinds are captured into
// step results; analysis and context kinds abort the round.
type Kind string

const (
	KindAnalysis          Kind = "analysis"
	KindContextResolution Kind = "context_resolution"
	KindToolPlanning      Kind = "tool_planning"
	KindMCPTool           Kind = "mcp_tool"
	KindToolTimeout       Kind = "tool_timeout"
	KindToolExecution     Kind = "tool_execution"
	KindLLM               Kind = "llm"
)

// Error is a kinded engine failure. Errors are values here: clarification
// and failed steps are expected outcomes, never panics.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds a kinded error wrapping a cause.
func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind of an error, defaulting to tool execution.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindToolExecution
}

// FriendlyReply maps an error to the user-facing reply for it. The raw
// cause never reaches the user; the trace ID is logged for support.
func FriendlyReply(err error) string {
	switch KindOf(err) {
	case KindAnalysis, KindLLM:
		return "抱歉，我没太理解你的意思，能换个说法再试一次吗？"
	case KindContextResolution:
		return "抱歉，我查找相关记录时出了点问题，请稍后再试。"
	case KindToolPlanning:
		return "抱歉，我不确定你指的是谁或哪件事，能说得具体一点吗？"
	case KindToolTimeout:
		return "抱歉，这个操作花的时间比预期长，请稍后再试一次。"
	default:
		return "抱歉，我没能完成这个操作，请稍后再试。"
	}
}
