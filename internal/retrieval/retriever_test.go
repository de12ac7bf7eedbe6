package retrieval

import (
	"context"
	"errors"
	"testing"
)

// mockVectorStore implements VectorStore for testing.
type mockVectorStore struct {
	queryFn  func(vector []float32, k int, filter *TimeRange) ([]ScoredRecord, error)
	upsertFn func(r Record) error
	records  []Record
}

func (m *mockVectorStore) Upsert(_ context.Context, r Record) error {
	if m.upsertFn != nil {
		return m.upsertFn(r)
	}
	m.records = append(m.records, r)
	return nil
}
func (m *mockVectorStore) Query(_ context.Context, v []float32, k int, f *TimeRange) ([]ScoredRecord, error) {
	return m.queryFn(v, k, f)
}
func (m *mockVectorStore) GetAll(context.Context) ([]Record, error) { return m.records, nil }
func (m *mockVectorStore) Count(context.Context) (int, error)      { return len(m.records), nil }
func (m *mockVectorStore) Close() error                             { return nil }

type mockQueryEmbedder struct {
	fn func(text string) ([]float32, error)
}

func (m mockQueryEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return m.fn(text)
}

func TestRetrieve(t *testing.T) {
	var gotText string
	emb := mockQueryEmbedder{fn: func(text string) ([]float32, error) {
		gotText = text
		return []float32{1, 0}, nil
	}}

	var gotK int
	var gotFilter *TimeRange
	store := &mockVectorStore{queryFn: func(_ []float32, k int, f *TimeRange) ([]ScoredRecord, error) {
		gotK, gotFilter = k, f
		return []ScoredRecord{{Record: Record{ID: "a"}, Distance: 0.1}}, nil
	}}

	filter := &TimeRange{}
	results, err := NewRetriever(emb, store).Retrieve(context.Background(), "what was I writing?", 5, filter)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if gotText != "what was I writing?" {
		t.Errorf("embedded %q", gotText)
	}
	if gotK != 5 || gotFilter != filter {
		t.Errorf("Query called with k=%d filter=%p", gotK, gotFilter)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("results = %+v", results)
	}
}

func TestRetrieve_EmbedError(t *testing.T) {
	boom := errors.New("boom")
	emb := mockQueryEmbedder{fn: func(string) ([]float32, error) { return nil, boom }}
	store := &mockVectorStore{queryFn: func([]float32, int, *TimeRange) ([]ScoredRecord, error) {
		t.Fatal("Query should not be called")
		return nil, nil
	}}

	_, err := NewRetriever(emb, store).Retrieve(context.Background(), "q", 5, nil)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped boom", err)
	}
}

func TestRelevant(t *testing.T) {
	results := []ScoredRecord{
		{Record: Record{ID: "a"}, Distance: 0.2},
		{Record: Record{ID: "b"}, Distance: 0.4},
		{Record: Record{ID: "c"}, Distance: 0.6},
		{Record: Record{ID: "d"}, Distance: 0.9},
	}
	got := Relevant(results, 0.5)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("Relevant = %+v, want [a b]", got)
	}

	if got := Relevant(results, 0.1); len(got) != 0 {
		t.Errorf("Relevant(0.1) = %+v, want empty", got)
	}
	if got := Relevant([]ScoredRecord{{Distance: 0.5}}, 0.5); len(got) != 1 {
		t.Error("distance equal to threshold should survive")
	}
}

func TestCopy(t *testing.T) {
	src := &mockVectorStore{records: []Record{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{0, 1}},
	}}
	dst := &mockVectorStore{}

	n, err := Copy(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 2 || len(dst.records) != 2 {
		t.Errorf("copied %d, dst has %d, want 2", n, len(dst.records))
	}
}
