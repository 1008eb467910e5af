package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to OpenAI or any OpenAI-compatible endpoint
// (the common denominator for kimi/qwen/deepseek style providers).
type OpenAIProvider struct {
	client *openai.Client
	model  string
	name   string
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// Name overrides the provider name (e.g. "qwen" for a compatible
	// endpoint); defaults to "openai".
	Name string
}

// NewOpenAIProvider creates an OpenAI-compatible chat provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		name:   name,
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return p.name }

// ChatText performs a plain-text completion.
func (p *OpenAIProvider) ChatText(ctx context.Context, system, user string) (string, Usage, error) {
	return p.chat(ctx, system, user, nil)
}

// ChatJSON performs a completion in JSON mode.
func (p *OpenAIProvider) ChatJSON(ctx context.Context, system, user string) ([]byte, Usage, error) {
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	text, usage, err := p.chat(ctx, system, user, format)
	return []byte(text), usage, err
}

func (p *OpenAIProvider) chat(ctx context.Context, system, user string, format *openai.ChatCompletionResponseFormat) (string, Usage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: format,
	})
	if err != nil {
		return "", Usage{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("openai: empty choices")
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return transportErr(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transportErr(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return transportErr(err)
}
