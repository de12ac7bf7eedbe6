package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const queryCacheTTL = 10 * time.Minute

// modelNamer is implemented by embedders whose vectors may be cached.
type modelNamer interface {
	Model() string
}

var queryCache = sync.OnceValues(func() (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
})

// CachedEmbedder memoizes EmbedQuery results in a process-wide cache keyed
// by model and text. Embed is passed through: documents are embedded once.
type CachedEmbedder struct {
	Embedder
	model string
	cache *ristretto.Cache
}

// WithQueryCache wraps e when it names its model; other embedders are
// returned as is.
func WithQueryCache(e Embedder) (Embedder, error) {
	named, ok := e.(modelNamer)
	if !ok {
		return e, nil
	}
	cache, err := queryCache()
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &CachedEmbedder{Embedder: e, model: named.Model(), cache: cache}, nil
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.model + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	v, err := c.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, v, int64(len(v)*4), queryCacheTTL)
	c.cache.Wait()
	return v, nil
}
