package retrieval

import (
	"context"
	"fmt"
)

// QueryEmbedder embeds a search query. Providers with asymmetric embeddings
// embed queries differently from documents.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever combines query embedding and vector search.
type Retriever struct {
	embedder QueryEmbedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given embedder and VectorStore.
func NewRetriever(embedder QueryEmbedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the k closest records within filter.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter *TimeRange) ([]ScoredRecord, error) {
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	results, err := r.store.Query(ctx, vec, k, filter)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	return results, nil
}

// Relevant returns the prefix of results whose distance does not exceed
// threshold. Results must be sorted closest first.
func Relevant(results []ScoredRecord, threshold float32) []ScoredRecord {
	for i, r := range results {
		if r.Distance > threshold {
			return results[:i]
		}
	}
	return results
}
