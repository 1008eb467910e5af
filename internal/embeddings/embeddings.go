// Package embeddings provides the embedding provider interface and the
// two-layer cache (per-trace and process-wide) in front of it.
package embeddings

import (
	"context"
)

// Provider produces fixed-dimension vectors for texts.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int
}
