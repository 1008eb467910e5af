package embeddings

import (
	"context"
	"sync"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/infra"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// Cache is the process-wide embedding cache: an LRU with TTL keyed by the
// exact text. It is the only shared mutable state of the embedding path
// and has a single owner constructed at startup.
type Cache struct {
	provider Provider
	global   *infra.TTLCache[string, []float32]
	metrics  *observability.Metrics
}

// CacheConfig configures the global layer.
type CacheConfig struct {
	// MaxItems bounds the LRU (0 = 1000 texts).
	MaxItems int

	// TTL expires entries (0 = 3600 s).
	TTL time.Duration

	// Metrics is optional.
	Metrics *observability.Metrics
}

// NewCache wraps the provider with the global cache layer.
func NewCache(provider Provider, cfg CacheConfig) *Cache {
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 1000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		provider: provider,
		global: infra.NewTTLCache[string, []float32](infra.CacheConfig{
			DefaultTTL: ttl,
			MaxSize:    maxItems,
		}),
		metrics: cfg.Metrics,
	}
}

// Provider returns the wrapped provider.
func (c *Cache) Provider() Provider { return c.provider }

// Embed returns the vector for text, consulting the global cache first.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.global.Get(text); ok {
		c.count("global", "hit")
		return vec, nil
	}
	c.count("global", "miss")

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.global.Set(text, vec)
	return vec, nil
}

// Flush drops all cached vectors.
func (c *Cache) Flush() { c.global.Flush() }

func (c *Cache) count(layer, result string) {
	if c.metrics != nil {
		c.metrics.EmbeddingLookups.WithLabelValues(layer, result).Inc()
	}
}

// TraceCache dedupes embeddings within one message. It is created when a
// message begins and discarded when it ends, so the same text embedded
// twice in a message costs one provider call at most.
type TraceCache struct {
	mu      sync.Mutex
	local   map[string][]float32
	backing *Cache
	metrics *observability.Metrics
}

// NewTraceCache creates the per-message layer over the global cache.
func NewTraceCache(backing *Cache) *TraceCache {
	return &TraceCache{
		local:   make(map[string][]float32),
		backing: backing,
		metrics: backing.metrics,
	}
}

// Embed returns the vector for text, trace layer first, then global.
func (t *TraceCache) Embed(ctx context.Context, text string) ([]float32, error) {
	t.mu.Lock()
	if vec, ok := t.local[text]; ok {
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.EmbeddingLookups.WithLabelValues("trace", "hit").Inc()
		}
		return vec, nil
	}
	t.mu.Unlock()

	vec, err := t.backing.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.local[text] = vec
	t.mu.Unlock()
	return vec, nil
}
