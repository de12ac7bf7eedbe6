// Package ingest turns captured activities into searchable index entries.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/events"
	"github.com/kalambet/localrecall/internal/retrieval"
	"github.com/kalambet/localrecall/internal/storage"
)

// minYield separates sweeps when the interval is zero.
const minYield = 100 * time.Millisecond

// ActivityStore is the part of the activity store the worker needs.
type ActivityStore interface {
	ListUnprocessed(ctx context.Context, limit int) ([]storage.Activity, error)
	CompleteActivity(ctx context.Context, ts, analysis string) error
}

// Upserter writes index records.
type Upserter interface {
	Upsert(ctx context.Context, rec retrieval.Record) error
}

// Decrypter restores an encrypted screenshot to a temporary plaintext file.
type Decrypter interface {
	DecryptFile(path, dest string) (string, error)
}

// State is the lifecycle state of the worker loop.
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// Options configures a Worker.
type Options struct {
	// Interval is the delay between sweeps; zero re-sweeps almost at once.
	Interval time.Duration
	// Batch caps the records handled per sweep; <= 0 takes all.
	Batch  int
	Events events.Publisher
	Log    *slog.Logger
}

// SweepResult counts the outcome of one sweep.
type SweepResult struct {
	Processed int
	Failed    int
}

// Worker captions, embeds and indexes unprocessed activities.
type Worker struct {
	store ActivityStore
	index Upserter
	set   *engine.Set
	vault Decrypter
	opts  Options
	state atomic.Int32
}

func NewWorker(store ActivityStore, index Upserter, set *engine.Set, vault Decrypter, opts Options) *Worker {
	if opts.Interval < 0 {
		opts.Interval = 0
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Worker{store: store, index: index, set: set, vault: vault, opts: opts}
}

// State reports whether Run is active.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Run sweeps until ctx is cancelled, waiting Interval between sweeps.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(Stopped), int32(Running)) {
		return errors.New("indexing worker already running")
	}
	defer w.state.Store(int32(Stopped))

	delay := max(w.opts.Interval, minYield)
	w.opts.Log.Info("indexing worker started", "strategy", w.set.Strategy, "interval", w.opts.Interval)
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.opts.Log.Error("sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			w.opts.Log.Info("indexing worker stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// RunOnce performs a single sweep and logs its outcome.
func (w *Worker) RunOnce(ctx context.Context) (SweepResult, error) {
	res, err := w.Sweep(ctx)
	if err != nil {
		return res, err
	}
	if res.Processed+res.Failed > 0 {
		w.opts.Log.Info("sweep done", "processed", res.Processed, "failed", res.Failed)
	}
	return res, nil
}

// Sweep indexes every unprocessed activity. Records are handled one at a
// time and a failure only skips that record, which stays unprocessed for the
// next sweep. The returned error covers listing the records only.
func (w *Worker) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	pending, err := w.store.ListUnprocessed(ctx, w.opts.Batch)
	if err != nil {
		return res, fmt.Errorf("listing unprocessed activities: %w", err)
	}

	for _, a := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := w.index1(ctx, a); err != nil {
			res.Failed++
			w.opts.Log.Warn("indexing activity failed", "timestamp", a.Timestamp, "error", err)
			continue
		}
		res.Processed++
	}
	return res, nil
}

// Analysis is the indexed document of an activity: its window title followed
// by the caption.
func Analysis(title, caption string) string {
	return "Current Activity Title: " + title + "\n" + caption
}

func (w *Worker) index1(ctx context.Context, a storage.Activity) error {
	if a.Err != nil {
		return a.Err
	}
	plain, err := w.vault.DecryptFile(a.ScreenshotRef, "")
	if err != nil {
		return fmt.Errorf("decrypting screenshot: %w", err)
	}
	defer os.Remove(plain)

	prompt := w.set.Captioner.GeneratePrompt(a)
	caption, err := w.set.Captioner.Caption(ctx, plain, prompt)
	if err != nil {
		return fmt.Errorf("captioning: %w", err)
	}
	analysis := Analysis(a.Title(), caption)

	vec, err := w.set.Embedder.Embed(ctx, analysis)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	var window string
	if a.ActiveWindow != nil {
		b, err := json.Marshal(a.ActiveWindow)
		if err != nil {
			return fmt.Errorf("encoding window: %w", err)
		}
		window = string(b)
	}
	rec := retrieval.Record{
		ID:        a.Timestamp,
		Embedding: vec,
		Document:  analysis,
		Metadata: retrieval.Metadata{
			CreatedAt:     a.CreatedAt.Unix(),
			ScreenshotRef: a.ScreenshotRef,
			ActiveWindow:  window,
		},
	}
	// The processed flag is set only once the index holds the record.
	if err := w.index.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("indexing: %w", err)
	}
	if err := w.store.CompleteActivity(ctx, a.Timestamp, analysis); err != nil {
		return fmt.Errorf("marking processed: %w", err)
	}

	ev := events.Event{Type: events.ActivityIndexed, Timestamp: a.Timestamp, ScreenshotRef: a.ScreenshotRef, Title: a.Title(), At: time.Now()}
	if err := w.opts.Events.Publish(ctx, ev); err != nil {
		w.opts.Log.Warn("event publish failed", "type", ev.Type, "error", err)
	}
	return nil
}
