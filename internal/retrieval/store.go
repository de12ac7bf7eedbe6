package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kalambet/localrecall/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by its own SQLite database. This is the default VectorStore.
//
// When the vector count exceeds ~100K and query latency becomes noticeable,
// switch index.backend to qdrant and Copy the records over.
type SQLiteStore struct {
	db  *sql.DB
	dim *dimension
}

const vectorSchema = `
CREATE TABLE IF NOT EXISTS vectors (
	id             TEXT PRIMARY KEY,
	embedding      BLOB NOT NULL,
	document       TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	screenshot_ref TEXT NOT NULL DEFAULT '',
	active_window  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_vectors_created ON vectors(created_at);
CREATE TABLE IF NOT EXISTS index_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// OpenSQLite opens the index database under dir. Pass ":memory:" for tests.
// A non-zero dim pins the dimension up front; otherwise the first upsert does.
func OpenSQLite(dir string, dim int) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
		dsn = filepath.Join(dir, "vectors.db")
	}
	db, err := storage.OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db, dim)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing *sql.DB, creating the vectors table if needed.
func NewSQLiteStore(db *sql.DB, dim int) (*SQLiteStore, error) {
	if _, err := db.Exec(vectorSchema); err != nil {
		return nil, fmt.Errorf("creating vectors table: %w", err)
	}
	s := &SQLiteStore{db: db}
	s.dim = &dimension{persist: s.saveDimension}

	stored, err := s.loadDimension()
	if err != nil {
		return nil, err
	}
	switch {
	case stored != 0 && dim != 0 && stored != dim:
		return nil, fmt.Errorf("index has dimension %d, configured %d: %w", stored, dim, ErrDimensionMismatch)
	case stored != 0:
		s.dim.n = stored
	case dim != 0:
		if err := s.dim.check(dim); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLiteStore) loadDimension() (int, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM index_meta WHERE key = 'dimension'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading dimension: %w", err)
	}
	return strconv.Atoi(v)
}

func (s *SQLiteStore) saveDimension(n int) error {
	_, err := s.db.Exec(`INSERT INTO index_meta (key, value) VALUES ('dimension', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(n))
	return err
}

// Upsert inserts or replaces a record.
func (s *SQLiteStore) Upsert(ctx context.Context, r Record) error {
	if err := s.dim.check(len(r.Embedding)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vectors (id, embedding, document, created_at, screenshot_ref, active_window)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			document = excluded.document,
			created_at = excluded.created_at,
			screenshot_ref = excluded.screenshot_ref,
			active_window = excluded.active_window`,
		r.ID, encodeFloat32s(r.Embedding), r.Document,
		r.Metadata.CreatedAt, r.Metadata.ScreenshotRef, r.Metadata.ActiveWindow,
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", r.ID, err)
	}
	return nil
}

// idScore holds only the ID and similarity during the scan phase of Query.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query performs brute-force cosine similarity search over all vectors in the
// time range, returning the k closest records in ascending distance.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, k int, filter *TimeRange) ([]ScoredRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	if d := s.dim.get(); d != 0 && len(vector) != d {
		return nil, fmt.Errorf("query has %d, index has %d: %w", len(vector), d, ErrDimensionMismatch)
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	lo, hi := filter.bounds()
	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM vectors WHERE created_at BETWEEN ? AND ?`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs. Popping the
	// min-heap from the back yields best-first order.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	records, err := s.getByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	results := make([]ScoredRecord, 0, len(topIDs))
	for _, id := range topIDs {
		r, ok := byID[id]
		if !ok {
			continue
		}
		results = append(results, ScoredRecord{Record: r, Distance: 1 - scores[id]})
	}
	return results, nil
}

func (s *SQLiteStore) getByIDs(ctx context.Context, ids []string) ([]Record, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, document, created_at, screenshot_ref, active_window
		FROM vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetAll returns all records ordered by creation time.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, document, created_at, screenshot_ref, active_window
		FROM vectors ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying all vectors: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		if err := rows.Scan(&r.ID, &blob, &r.Document, &r.Metadata.CreatedAt, &r.Metadata.ScreenshotRef, &r.Metadata.ActiveWindow); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = embedding
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of records in the index.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&count)
	return count, err
}

// Close closes the index database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm of a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return -1
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
