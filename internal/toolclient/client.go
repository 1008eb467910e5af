// Package toolclient is the HTTP client side of the tool service. The
// engine never touches the database directly; every read and write goes
// through this client.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

// specsTTL bounds how long a fetched tool list is reused.
const specsTTL = 60 * time.Second

// defaultBudget applies to tools whose spec carries no budget.
const defaultBudget = 2 * time.Second

// Client calls tools over HTTP, honoring each tool's published time
// budget as the request deadline.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *observability.Logger

	mu        sync.Mutex
	specs     []toolservice.Spec
	budgets   map[string]time.Duration
	fetchedAt time.Time
}

// New creates a tool client against the given base URL.
func New(baseURL string, logger *observability.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{},
		logger:  logger,
		budgets: make(map[string]time.Duration),
	}
}

// Tools returns the published tool specs, refreshed at most once per
// minute. The specs feed prompt assembly, so callers see the same list
// the service advertises.
func (c *Client) Tools(ctx context.Context) ([]toolservice.Spec, error) {
	c.mu.Lock()
	if c.specs != nil && time.Since(c.fetchedAt) < specsTTL {
		specs := c.specs
		c.mu.Unlock()
		return specs, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tools: status %d", resp.StatusCode)
	}

	var out struct {
		Tools []toolservice.Spec `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}

	c.mu.Lock()
	c.specs = out.Tools
	c.fetchedAt = time.Now()
	c.budgets = make(map[string]time.Duration, len(out.Tools))
	for _, spec := range out.Tools {
		if spec.XTimeBudgetMS > 0 {
			c.budgets[spec.Name] = time.Duration(spec.XTimeBudgetMS) * time.Millisecond
		}
	}
	c.mu.Unlock()

	return out.Tools, nil
}

// Budget returns the deadline for one tool call.
func (c *Client) Budget(name string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if budget, ok := c.budgets[name]; ok {
		return budget
	}
	return defaultBudget
}

// Call invokes a tool and returns the raw result. Tool-level failures
// come back as *toolservice.Error; an exceeded budget is a timeout-kind
// error so callers can tell slowness from breakage.
func (c *Client) Call(ctx context.Context, name string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, toolservice.Errf(toolservice.KindValidation, "encode params for %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Budget(name))
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "toolcall."+name)
	result, err := c.post(ctx, name, body)
	observability.EndSpan(span, err)
	return result, err
}

// post runs the HTTP round trip and unwraps the result envelope.
func (c *Client) post(ctx context.Context, name string, body []byte) (json.RawMessage, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tool/"+name, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, toolservice.Errf(toolservice.KindTimeout, "tool %s exceeded its %s budget", name, c.Budget(name))
		}
		return nil, toolservice.Errf(toolservice.KindInternal, "call tool %s: %v", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, toolservice.Errf(toolservice.KindInternal, "read tool %s response: %v", name, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, toolservice.Errf(toolservice.KindNotFound, "unknown tool %s", name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, toolservice.Errf(toolservice.KindInternal, "tool %s: status %d", name, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage    `json:"result"`
		Error  *toolservice.Error `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, toolservice.Errf(toolservice.KindInternal, "decode tool %s response: %v", name, err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}

	c.logger.Step(ctx, "toolcall."+name, start)
	return envelope.Result, nil
}

// Ping checks the tool service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool service health: status %d", resp.StatusCode)
	}
	return nil
}
