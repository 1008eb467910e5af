package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider generates embeddings via an OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dimension int
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// Dimension declares the vector width (defaults to 1536 for
	// text-embedding-3-small).
	Dimension int
}

// NewOpenAIProvider creates an embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 1536
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		dimension: dimension,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Dimension returns the embedding width.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// Embed generates one embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}
