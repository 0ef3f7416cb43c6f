// Package embed turns query text into vectors and caches the results.
package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"

	"github.com/askben/askben/internal/pkg/hash"
	"github.com/askben/askben/internal/pkg/logger"
)

// Embedder produces embeddings. langchaingo's embeddings.Embedder satisfies it.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrEmptyEmbedding is returned when the model returns no vector.
var ErrEmptyEmbedding = errors.New("embed: empty embedding")

// LangchainEmbedder wraps a langchaingo embedder.
type LangchainEmbedder struct {
	embedder embeddings.Embedder
}

// NewLangchainEmbedder creates an embedder from a langchaingo client such as
// *openai.LLM; any embeddings.EmbedderClient works.
func NewLangchainEmbedder(client embeddings.EmbedderClient, opts ...embeddings.Option) (*LangchainEmbedder, error) {
	e, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return &LangchainEmbedder{embedder: e}, nil
}

// EmbedQuery embeds a single query.
func (l *LangchainEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := l.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vec) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return vec, nil
}

// EmbedDocuments embeds texts in one batch.
func (l *LangchainEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := l.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// Cache stores embeddings by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
	Name() string
}

// CacheMetrics is the interface for recording cache metrics.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// CachedEmbedder consults a Cache before calling the wrapped embedder.
// Cache failures are logged and never fail the embedding.
type CachedEmbedder struct {
	inner   Embedder
	cache   Cache
	model   string
	log     *logger.Logger
	metrics CacheMetrics
}

// NewCachedEmbedder wraps inner. model is part of the cache key so switching
// embedding models never returns stale vectors. metrics may be nil.
func NewCachedEmbedder(inner Embedder, cache Cache, model string, log *logger.Logger, metrics CacheMetrics) *CachedEmbedder {
	return &CachedEmbedder{
		inner:   inner,
		cache:   cache,
		model:   model,
		log:     log.WithComponent("embed"),
		metrics: metrics,
	}
}

// Key returns the cache key for text.
func (c *CachedEmbedder) Key(text string) string {
	return hash.Key(c.model, text)
}

// EmbedQuery returns a cached vector or computes and stores one.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.Key(text)

	vec, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.WithError(err).Warn("Embedding cache read failed", "cache", c.cache.Name())
	}
	if ok {
		c.record(true)
		return vec, nil
	}
	c.record(false)

	vec, err = c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, vec); err != nil {
		c.log.WithError(err).Warn("Embedding cache write failed", "cache", c.cache.Name())
	}
	return vec, nil
}

// EmbedDocuments bypasses the cache; document batches are only embedded during sync.
func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedDocuments(ctx, texts)
}

func (c *CachedEmbedder) record(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit(c.cache.Name())
	} else {
		c.metrics.RecordCacheMiss(c.cache.Name())
	}
}
