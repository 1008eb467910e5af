package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures the provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewAnthropicProvider creates an Anthropic chat provider.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-7-sonnet-latest"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		model:  model,
	}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// ChatText performs a plain-text completion.
func (p *AnthropicProvider) ChatText(ctx context.Context, system, user string) (string, Usage, error) {
	return p.chat(ctx, system, user)
}

// ChatJSON performs a completion expected to contain a JSON object.
// Anthropic has no JSON mode; the system prompt must demand JSON and the
// response is trimmed to the outermost object.
func (p *AnthropicProvider) ChatJSON(ctx context.Context, system, user string) ([]byte, Usage, error) {
	text, usage, err := p.chat(ctx, system, user)
	if err != nil {
		return nil, usage, err
	}
	return []byte(extractJSONObject(text)), usage, nil
}

func (p *AnthropicProvider) chat(ctx context.Context, system, user string) (string, Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: defaultAnthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		return "", Usage{}, transportErr(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", Usage{}, fmt.Errorf("anthropic: empty response")
	}

	usage := Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return sb.String(), usage, nil
}

// extractJSONObject strips markdown fences and surrounding prose,
// returning the outermost {...} span when present.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if fenced := strings.TrimPrefix(text, "```json"); fenced != text {
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(fenced), "```"))
	} else if fenced := strings.TrimPrefix(text, "```"); fenced != text {
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(fenced), "```"))
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
