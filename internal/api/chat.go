package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/localrecall/internal/chat"
	"github.com/kalambet/localrecall/internal/config"
	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/retrieval"
)

// ChatRequest is the body of POST /chat and of each /chat/ws message.
type ChatRequest struct {
	Question string        `json:"question"`
	History  []engine.Turn `json:"history"`
	Filters  *ChatFilters  `json:"filters"`
	Strategy string        `json:"strategy"`
}

// ChatFilters bounds retrieval by capture time. Either end may be omitted.
type ChatFilters struct {
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

func (f *ChatFilters) timeRange() (*retrieval.TimeRange, error) {
	if f == nil || (f.StartTime == nil && f.EndTime == nil) {
		return nil, nil
	}
	var tr retrieval.TimeRange
	if f.StartTime != nil {
		tr.Start = *f.StartTime
	}
	if f.EndTime != nil {
		tr.End = *f.EndTime
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return nil, fmt.Errorf("end_time before start_time: %w", engine.ErrValidation)
	}
	return &tr, nil
}

// prepare validates req and builds its orchestrator.
func (d Deps) prepare(ctx context.Context, req ChatRequest) (*chat.Orchestrator, chat.Request, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, chat.Request{}, fmt.Errorf("question is required: %w", engine.ErrValidation)
	}
	tr, err := req.Filters.timeRange()
	if err != nil {
		return nil, chat.Request{}, err
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = d.DefaultStrategy
	}
	set, err := d.NewSet(ctx, strategy)
	if err != nil {
		return nil, chat.Request{}, err
	}
	o := chat.New(set, d.Index, d.Vault, chat.Options{TopN: d.TopN, Threshold: d.Threshold, Log: d.Log})
	return o, chat.Request{Question: req.Question, History: req.History, Filter: tr}, nil
}

// errorStatus maps a chat failure to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrValidation), errors.Is(err, retrieval.ErrDimensionMismatch):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, engine.ErrConnectivity), errors.Is(err, config.ErrMissingSecret):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, engine.ErrMalformedResponse):
		return http.StatusBadGateway, "backend_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// FormatImages renders image paths the way clients parse list chunks:
// list_['a', 'b']. Each path is quoted like a Python string literal.
func FormatImages(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = quotePath(p)
	}
	return "list_[" + strings.Join(quoted, ", ") + "]"
}

// quotePath single-quotes p, switching to double quotes when p holds a
// single quote and no double quote. Backslashes and the chosen quote are
// escaped with a backslash.
func quotePath(p string) string {
	q := byte('\'')
	if strings.IndexByte(p, '\'') >= 0 && strings.IndexByte(p, '"') < 0 {
		q = '"'
	}
	var sb strings.Builder
	sb.WriteByte(q)
	for i := 0; i < len(p); i++ {
		if p[i] == '\\' || p[i] == q {
			sb.WriteByte('\\')
		}
		sb.WriteByte(p[i])
	}
	sb.WriteByte(q)
	return sb.String()
}

// sseWriter commits the event-stream headers on the first chunk, so errors
// before it can still be answered with a status code.
type sseWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	committed bool
}

func (s *sseWriter) commit() {
	if s.committed {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.committed = true
}

// data writes one event; each line of payload becomes a data: line.
func (s *sseWriter) data(payload string) error {
	s.commit()
	var sb strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	if _, err := io.WriteString(s.w, sb.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) event(name, payload string) {
	s.commit()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, strings.ReplaceAll(payload, "\n", " "))
	s.flusher.Flush()
}

func (s *sseWriter) emit(c chat.Chunk) error {
	if c.Kind == chat.ImagesChunk {
		return s.data(FormatImages(c.Images))
	}
	return s.data(c.Text)
}

func handleChat(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		log := d.Log.With("request_id", RequestID(r.Context()))
		o, creq, err := d.prepare(r.Context(), req)
		if err != nil {
			code, typ := errorStatus(err)
			log.Warn("chat request rejected", "status", code, "error", err)
			httpError(w, code, typ, "%v", err)
			return
		}

		sse := &sseWriter{w: w, flusher: flusher}
		tr, err := o.Answer(r.Context(), creq, sse.emit)
		if err != nil {
			if r.Context().Err() != nil {
				log.Info("chat client disconnected", "state", o.State())
				return
			}
			log.Error("chat failed", "state", o.State(), "error", err)
			if !sse.committed {
				code, typ := errorStatus(err)
				httpError(w, code, typ, "%v", err)
				return
			}
			sse.event("error", err.Error())
			return
		}
		log.Info("chat answered",
			"strategy", req.Strategy,
			"retrieved", tr.Retrieved,
			"relevant", len(tr.Relevant),
			"duration_ms", tr.Duration.Milliseconds(),
		)
	}
}
