package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/philippgille/chromem-go"
)

var _ VectorStore = (*ChromemStore)(nil)

const (
	metaCreatedAt     = "created_at"
	metaScreenshotRef = "screenshot_ref"
	metaActiveWindow  = "active_window"
)

// ChromemStore keeps the index in an embedded, file-persisted chromem-go
// collection. chromem-go only supports equality filters, so the time range is
// applied after ranking.
type ChromemStore struct {
	db  *chromem.DB
	col *chromem.Collection
	dim *dimension
}

type chromemMeta struct {
	Dimension int `json:"dimension"`
}

// OpenChromem opens (or creates) a persistent chromem-go database under dir
// holding a single collection.
func OpenChromem(dir, collection string, dim int) (*ChromemStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "chromem"), true)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("opening collection %q: %w", collection, err)
	}

	metaPath := filepath.Join(dir, "chromem_meta.json")
	s := &ChromemStore{db: db, col: col}
	s.dim = &dimension{persist: func(n int) error {
		data, err := json.Marshal(chromemMeta{Dimension: n})
		if err != nil {
			return err
		}
		return os.WriteFile(metaPath, data, 0o600)
	}}

	var meta chromemMeta
	data, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", metaPath, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", metaPath, err)
	}
	switch {
	case meta.Dimension != 0 && dim != 0 && meta.Dimension != dim:
		return nil, fmt.Errorf("index has dimension %d, configured %d: %w", meta.Dimension, dim, ErrDimensionMismatch)
	case meta.Dimension != 0:
		s.dim.n = meta.Dimension
	case dim != 0:
		if err := s.dim.check(dim); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Upsert adds the document; an existing document with the same ID is replaced.
func (s *ChromemStore) Upsert(ctx context.Context, r Record) error {
	if err := s.dim.check(len(r.Embedding)); err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        r.ID,
		Content:   r.Document,
		Embedding: r.Embedding,
		Metadata: map[string]string{
			metaCreatedAt:     strconv.FormatInt(r.Metadata.CreatedAt, 10),
			metaScreenshotRef: r.Metadata.ScreenshotRef,
			metaActiveWindow:  r.Metadata.ActiveWindow,
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("adding document %s: %w", r.ID, err)
	}
	return nil
}

// Query ranks the collection by cosine similarity. chromem-go rejects
// nResults larger than the collection, so k is clamped to Count.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int, filter *TimeRange) ([]ScoredRecord, error) {
	if d := s.dim.get(); d != 0 && len(vector) != d {
		return nil, fmt.Errorf("query has %d, index has %d: %w", len(vector), d, ErrDimensionMismatch)
	}
	count := s.col.Count()
	if k <= 0 || count == 0 || norm(vector) == 0 {
		return nil, nil
	}
	n := min(k, count)
	if filter != nil {
		n = count
	}

	results, err := s.col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]ScoredRecord, 0, min(k, len(results)))
	for _, res := range results {
		rec := recordFromChromem(res.ID, res.Content, res.Embedding, res.Metadata)
		if !filter.Contains(rec.Metadata.CreatedAt) {
			continue
		}
		out = append(out, ScoredRecord{Record: rec, Distance: 1 - res.Similarity})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// GetAll returns every document. chromem-go has no scan API, so this ranks
// the whole collection against a unit vector and drops the scores.
// Embeddings come back unit-normalized.
func (s *ChromemStore) GetAll(ctx context.Context) ([]Record, error) {
	count := s.col.Count()
	d := s.dim.get()
	if count == 0 || d == 0 {
		return nil, nil
	}
	probe := make([]float32, d)
	probe[0] = 1
	results, err := s.col.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem scan: %w", err)
	}
	records := make([]Record, len(results))
	for i, res := range results {
		records[i] = recordFromChromem(res.ID, res.Content, res.Embedding, res.Metadata)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Metadata.CreatedAt != records[j].Metadata.CreatedAt {
			return records[i].Metadata.CreatedAt < records[j].Metadata.CreatedAt
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Count returns the number of documents in the collection.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	return s.col.Count(), nil
}

// Close is a no-op; chromem-go persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

func recordFromChromem(id, content string, embedding []float32, meta map[string]string) Record {
	createdAt, _ := strconv.ParseInt(meta[metaCreatedAt], 10, 64)
	return Record{
		ID:        id,
		Embedding: embedding,
		Document:  content,
		Metadata: Metadata{
			CreatedAt:     createdAt,
			ScreenshotRef: meta[metaScreenshotRef],
			ActiveWindow:  meta[metaActiveWindow],
		},
	}
}
