// Package chat answers questions about past activity by retrieving the
// closest captioned captures and streaming a grounded answer.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/localrecall/internal/composer"
	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/retrieval"
)

const (
	defaultTopN      = 5
	defaultThreshold = 0.5
)

// State is the stage a request has reached.
type State int32

const (
	Idle State = iota
	Retrieve
	Filter
	BuildPrompt
	Stream
	Done
	Failed
)

var stateNames = [...]string{"IDLE", "RETRIEVE", "FILTER", "BUILD_PROMPT", "STREAM", "DONE", "FAILED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Request is one chat question.
type Request struct {
	Question string
	History  []engine.Turn
	Filter   *retrieval.TimeRange
}

// ChunkKind tells image chunks from text chunks.
type ChunkKind int

const (
	ImagesChunk ChunkKind = iota
	TextChunk
)

// Chunk is one piece of a streamed answer. The first chunk of every answer
// is an ImagesChunk; the rest are TextChunks.
type Chunk struct {
	Kind   ChunkKind
	Images []string // decrypted screenshot paths, may be empty
	Text   string
}

// Trace records how a request went.
type Trace struct {
	States    []State
	Retrieved int
	Relevant  []string // activity keys that passed the threshold
	Images    []string
	Duration  time.Duration
}

// Decrypter restores an encrypted screenshot to a scratch file.
type Decrypter interface {
	DecryptFile(path, dest string) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	TopN      int     // default 5
	Threshold float32 // maximum cosine distance kept, default 0.5
	Log       *slog.Logger
}

// Orchestrator runs the retrieve, filter, prompt and stream stages for one
// backend set. It holds no per-request state beyond the current stage.
type Orchestrator struct {
	set       *engine.Set
	retriever *retrieval.Retriever
	vault     Decrypter
	opts      Options
	state     atomic.Int32
}

func New(set *engine.Set, index retrieval.VectorStore, vault Decrypter, opts Options) *Orchestrator {
	if opts.TopN <= 0 {
		opts.TopN = defaultTopN
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Orchestrator{
		set:       set,
		retriever: retrieval.NewRetriever(set.Embedder, index),
		vault:     vault,
		opts:      opts,
	}
}

// State returns the stage of the request in flight, or the last one reached.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Answer streams the answer to req through emit. An error from emit stops
// the stream and is returned. The caller owns the decrypted files named in
// the images chunk.
func (o *Orchestrator) Answer(ctx context.Context, req Request, emit func(Chunk) error) (*Trace, error) {
	start := time.Now()
	tr := &Trace{}
	defer func() { tr.Duration = time.Since(start) }()

	enter := func(s State) {
		o.state.Store(int32(s))
		tr.States = append(tr.States, s)
	}
	fail := func(err error) (*Trace, error) {
		enter(Failed)
		return tr, err
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return fail(fmt.Errorf("empty question: %w", engine.ErrValidation))
	}

	enter(Retrieve)
	results, err := o.retriever.Retrieve(ctx, question, o.opts.TopN, req.Filter)
	if err != nil {
		return fail(err)
	}
	tr.Retrieved = len(results)

	enter(Filter)
	relevant := retrieval.Relevant(results, o.opts.Threshold)
	docs := make([]string, len(relevant))
	for i, r := range relevant {
		docs[i] = r.Document
		tr.Relevant = append(tr.Relevant, r.ID)
	}

	enter(BuildPrompt)
	genReq := composer.Build(question, docs, req.History)
	o.opts.Log.Debug("chat prompt built",
		"retrieved", tr.Retrieved,
		"relevant", len(relevant),
		"prompt_tokens", composer.EstimateTokens(genReq.Prompt),
	)

	enter(Stream)
	tr.Images = o.images(relevant)
	if err := emit(Chunk{Kind: ImagesChunk, Images: tr.Images}); err != nil {
		return fail(err)
	}
	err = o.set.Generator.Stream(ctx, genReq, func(text string) error {
		return emit(Chunk{Kind: TextChunk, Text: text})
	})
	if err != nil {
		return fail(err)
	}

	enter(Done)
	return tr, nil
}

// images decrypts the screenshot of the closest relevant record.
func (o *Orchestrator) images(relevant []retrieval.ScoredRecord) []string {
	images := []string{}
	if len(relevant) == 0 || relevant[0].Metadata.ScreenshotRef == "" {
		return images
	}
	ref := relevant[0].Metadata.ScreenshotRef
	plain, err := o.vault.DecryptFile(ref, "")
	if err != nil {
		o.opts.Log.Warn("decrypting screenshot for chat failed", "ref", ref, "error", err)
		return images
	}
	return append(images, plain)
}
