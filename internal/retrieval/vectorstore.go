package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDimensionMismatch is returned when an embedding's length differs from
// the dimension the index was created with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// VectorStore is a persistent nearest-neighbor index of captioned activities.
// Implementations: SQLiteStore (default, brute-force cosine), ChromemStore
// (embedded chromem-go collection) and QdrantStore (remote Qdrant).
//
// Migration notes:
//   - All backends share the Record/ScoredRecord types.
//   - To move between backends, read GetAll() from the old store and Upsert
//     each record into the new one (see Copy).
type VectorStore interface {
	// Upsert inserts rec or replaces the record with the same ID.
	Upsert(ctx context.Context, rec Record) error

	// Query returns up to k nearest records by cosine distance, closest
	// first. A non-nil filter restricts candidates to its time range.
	Query(ctx context.Context, embedding []float32, k int, filter *TimeRange) ([]ScoredRecord, error)

	// GetAll returns every record, unranked.
	GetAll(ctx context.Context) ([]Record, error)

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Metadata is the structured context stored next to each embedding.
type Metadata struct {
	CreatedAt     int64  `json:"created_at"` // epoch seconds
	ScreenshotRef string `json:"screenshot_ref"`
	ActiveWindow  string `json:"active_window"` // JSON of the active window, "" if unknown
}

// Record is one indexed activity. ID is the activity timestamp key.
type Record struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Metadata  Metadata  `json:"metadata"`
	Document  string    `json:"document"`
}

// ScoredRecord is a Record with its cosine distance to the query (1 - similarity).
type ScoredRecord struct {
	Record
	Distance float32 `json:"distance"`
}

// TimeRange is a closed interval on Metadata.CreatedAt. A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the epoch-second timestamp falls inside the range.
func (r *TimeRange) Contains(epoch int64) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && epoch < r.Start.Unix() {
		return false
	}
	if !r.End.IsZero() && epoch > r.End.Unix() {
		return false
	}
	return true
}

// bounds returns the range as epoch seconds, widening open ends.
func (r *TimeRange) bounds() (int64, int64) {
	lo, hi := int64(-1<<63), int64(1<<63-1)
	if r == nil {
		return lo, hi
	}
	if !r.Start.IsZero() {
		lo = r.Start.Unix()
	}
	if !r.End.IsZero() {
		hi = r.End.Unix()
	}
	return lo, hi
}

// dimension pins the embedding length of an index. Zero means unpinned:
// the first checked embedding decides.
type dimension struct {
	mu      sync.Mutex
	n       int
	persist func(n int) error
}

func (d *dimension) check(n int) error {
	if n == 0 {
		return fmt.Errorf("empty embedding: %w", ErrDimensionMismatch)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 {
		if d.persist != nil {
			if err := d.persist(n); err != nil {
				return fmt.Errorf("pinning dimension: %w", err)
			}
		}
		d.n = n
		return nil
	}
	if d.n != n {
		return fmt.Errorf("got %d, index has %d: %w", n, d.n, ErrDimensionMismatch)
	}
	return nil
}

func (d *dimension) get() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}
