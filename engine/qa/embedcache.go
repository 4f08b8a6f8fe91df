package qa

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/WessleyAI/wessley-qa/pkg/metrics"
)

// CachedEmbedder memoizes vectors by exact text. Failures are not cached.
type CachedEmbedder struct {
	next    Embedder
	cache   *expirable.LRU[string, []float32]
	metrics *metrics.Metrics
}

// NewCachedEmbedder wraps next with an LRU of size entries expiring after ttl.
func NewCachedEmbedder(next Embedder, size int, ttl time.Duration, m *metrics.Metrics) *CachedEmbedder {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedEmbedder{
		next:    next,
		cache:   expirable.NewLRU[string, []float32](size, nil, ttl),
		metrics: m,
	}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		c.metrics.EmbedCacheLookup(true)
		return slices.Clone(v), nil
	}
	c.metrics.EmbedCacheLookup(false)
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, slices.Clone(v))
	return v, nil
}

// Unwrap returns the wrapped embedder.
func (c *CachedEmbedder) Unwrap() Embedder { return c.next }

// Len is the number of cached vectors.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }
