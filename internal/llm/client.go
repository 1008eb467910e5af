package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/infra"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// Client wraps a Provider with RPM and concurrency limits, a short-TTL
// response cache for identical requests, bounded retries on transport
// failures, and usage accounting.
type Client struct {
	provider Provider
	limiter  *infra.TokenBucket
	sem      *infra.Semaphore
	cache    *infra.TTLCache[string, []byte]
	retry    infra.RetryConfig
	metrics  *observability.Metrics
}

// ClientConfig configures the client.
type ClientConfig struct {
	// RPMLimit caps requests per minute (0 = 60).
	RPMLimit int

	// Concurrency caps in-flight requests (0 = 4).
	Concurrency int

	// MaxRetries bounds retries of transport-level failures.
	MaxRetries int

	// CacheTTL enables the response cache when positive.
	CacheTTL time.Duration

	// CacheMaxItems bounds the cache (0 = 512).
	CacheMaxItems int

	// Metrics is optional.
	Metrics *observability.Metrics
}

// NewClient wraps the provider.
func NewClient(provider Provider, cfg ClientConfig) *Client {
	rpm := cfg.RPMLimit
	if rpm <= 0 {
		rpm = 60
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	maxItems := cfg.CacheMaxItems
	if maxItems <= 0 {
		maxItems = 512
	}

	c := &Client{
		provider: provider,
		limiter:  infra.PerMinute(rpm),
		sem:      infra.NewSemaphore(concurrency),
		retry: infra.RetryConfig{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			RetryIf:      isTransport,
		},
		metrics: cfg.Metrics,
	}
	if cfg.CacheTTL > 0 {
		c.cache = infra.NewTTLCache[string, []byte](infra.CacheConfig{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    maxItems,
		})
	}
	return c
}

// Provider returns the wrapped provider's name.
func (c *Client) Provider() string { return c.provider.Name() }

// ChatText sends a system+user prompt and returns plain text.
func (c *Client) ChatText(ctx context.Context, system, user string) (string, error) {
	out, err := c.do(ctx, "text", system, user, func(ctx context.Context) ([]byte, Usage, error) {
		text, usage, err := c.provider.ChatText(ctx, system, user)
		return []byte(text), usage, err
	})
	return string(out), err
}

// ChatJSON sends a system+user prompt and returns the raw JSON bytes.
func (c *Client) ChatJSON(ctx context.Context, system, user string) ([]byte, error) {
	return c.do(ctx, "json", system, user, func(ctx context.Context) ([]byte, Usage, error) {
		return c.provider.ChatJSON(ctx, system, user)
	})
}

func (c *Client) do(ctx context.Context, kind, system, user string, call func(context.Context) ([]byte, Usage, error)) ([]byte, error) {
	key := cacheKey(kind, system, user)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			c.count(kind, "cache_hit")
			return cached, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release()

	var (
		out   []byte
		usage Usage
	)
	err := infra.Retry(ctx, c.retry, func() error {
		var callErr error
		out, usage, callErr = call(ctx)
		return callErr
	})
	if err != nil {
		c.count(kind, "error")
		return nil, err
	}

	c.count(kind, "ok")
	c.account(usage)
	if c.cache != nil {
		c.cache.Set(key, out)
	}
	return out, nil
}

func (c *Client) count(kind, outcome string) {
	if c.metrics != nil {
		c.metrics.LLMRequests.WithLabelValues(c.provider.Name(), kind, outcome).Inc()
	}
}

func (c *Client) account(usage Usage) {
	if c.metrics == nil {
		return
	}
	c.metrics.LLMTokens.WithLabelValues(c.provider.Name(), "prompt").Add(float64(usage.PromptTokens))
	c.metrics.LLMTokens.WithLabelValues(c.provider.Name(), "completion").Add(float64(usage.CompletionTokens))
}

func isTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

func cacheKey(kind, system, user string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	return hex.EncodeToString(h.Sum(nil))
}
