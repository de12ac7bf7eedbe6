package engine

import (
	"context"
	"testing"
)

type countingEmbedder struct {
	model string
	calls int
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{float32(len(text))}, nil
}

func (c *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.Embed(ctx, text)
}

func (c *countingEmbedder) Model() string { return c.model }

func TestCachedEmbedder_EmbedQuery(t *testing.T) {
	inner := &countingEmbedder{model: "test/cache-query"}
	e, err := WithQueryCache(inner)
	if err != nil {
		t.Fatalf("WithQueryCache: %v", err)
	}
	ctx := context.Background()

	for range 3 {
		v, err := e.EmbedQuery(ctx, "what was I writing?")
		if err != nil {
			t.Fatalf("EmbedQuery: %v", err)
		}
		if v[0] != float32(len("what was I writing?")) {
			t.Errorf("v = %v", v)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestCachedEmbedder_EmbedPassesThrough(t *testing.T) {
	inner := &countingEmbedder{model: "test/cache-embed"}
	e, _ := WithQueryCache(inner)
	ctx := context.Background()
	e.Embed(ctx, "doc")
	e.Embed(ctx, "doc")
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestCachedEmbedder_KeyedByModel(t *testing.T) {
	a := &countingEmbedder{model: "test/model-a"}
	b := &countingEmbedder{model: "test/model-b"}
	ea, _ := WithQueryCache(a)
	eb, _ := WithQueryCache(b)
	ctx := context.Background()
	ea.EmbedQuery(ctx, "same text")
	eb.EmbedQuery(ctx, "same text")
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls a = %d, b = %d, want 1 each", a.calls, b.calls)
	}
}

type plainEmbedder struct{}

func (plainEmbedder) Embed(context.Context, string) ([]float32, error)      { return []float32{1}, nil }
func (plainEmbedder) EmbedQuery(context.Context, string) ([]float32, error) { return []float32{1}, nil }

func TestWithQueryCache_Unnamed(t *testing.T) {
	got, err := WithQueryCache(plainEmbedder{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(plainEmbedder); !ok {
		t.Errorf("WithQueryCache = %T, want the embedder unchanged", got)
	}
}
