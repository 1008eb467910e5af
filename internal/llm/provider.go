// Package llm provides the chat LLM client: per-provider HTTP clients
// behind a uniform interface, with rate limiting, a short-TTL response
// cache, retries for transport failures, and usage accounting.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Provider is one chat backend.
type Provider interface {
	// Name identifies the provider for metrics and logs.
	Name() string

	// ChatText sends a system+user prompt pair and returns plain text.
	ChatText(ctx context.Context, system, user string) (string, Usage, error)

	// ChatJSON requests a JSON object response and returns the raw bytes.
	// Implementations enable the provider's JSON mode when available.
	ChatJSON(ctx context.Context, system, user string) ([]byte, Usage, error)
}

// ErrTransport tags provider failures at the HTTP/connection level.
// Only these are retried.
var ErrTransport = errors.New("llm transport error")

func transportErr(err error) error {
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
