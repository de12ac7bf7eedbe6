// Package api is the HTTP gateway: streaming chat, health and index export,
// plus the MCP tool server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/kalambet/localrecall/internal/chat"
	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/events"
	"github.com/kalambet/localrecall/internal/retrieval"
	"github.com/kalambet/localrecall/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ActivityCounter reports the state of the activity store.
type ActivityCounter interface {
	CountActivities(ctx context.Context) (total, processed int, err error)
	LatestTimestamp(ctx context.Context) (string, error)
}

// SetFactory builds the backend triple for a named strategy.
type SetFactory func(ctx context.Context, strategy string) (*engine.Set, error)

// Deps holds what the gateway needs. Every /chat request builds its own
// backend set through NewSet.
type Deps struct {
	Store           ActivityCounter
	Index           retrieval.VectorStore
	Vault           chat.Decrypter
	NewSet          SetFactory
	DefaultStrategy string
	TopN            int
	Threshold       float32
	Token           string               // guards /index when set
	EventStats      func() events.Stats  // optional
	Log             *slog.Logger
}

// NewHandler returns the gateway router.
func NewHandler(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(d))
	r.Post("/chat", handleChat(d))
	r.Get("/chat/ws", handleChatWS(d))
	r.Group(func(r chi.Router) {
		if d.Token != "" {
			r.Use(BearerAuth(d.Token))
		}
		r.Get("/index", handleIndex(d))
	})
	return r
}

type ctxKey struct{}

// requestID tags each request with a UUID, echoed in X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestID returns the ID assigned by the gateway, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type healthResponse struct {
	Status     string        `json:"status"`
	Activities activityStats `json:"activities"`
	Vectors    int           `json:"vectors"`
	Events     *events.Stats `json:"events,omitempty"`
}

type activityStats struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Pending   int    `json:"pending"`
	Latest    string `json:"latest,omitempty"`
}

func handleHealth(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		total, processed, err := d.Store.CountActivities(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting activities: %v", err)
			return
		}
		resp.Activities = activityStats{Total: total, Processed: processed, Pending: total - processed}
		if resp.Activities.Latest, err = latestActivity(r.Context(), d.Store); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading latest activity: %v", err)
			return
		}
		if resp.Vectors, err = d.Index.Count(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting vectors: %v", err)
			return
		}
		if d.EventStats != nil {
			s := d.EventStats()
			resp.Events = &s
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// latestActivity returns the newest activity key, or "" for an empty store.
func latestActivity(ctx context.Context, s ActivityCounter) (string, error) {
	ts, err := s.LatestTimestamp(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return ts, err
}

func handleIndex(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := d.Index.GetAll(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading index: %v", err)
			return
		}
		if records == nil {
			records = []retrieval.Record{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// Serve runs h on addr until ctx is cancelled, then shuts down gracefully.
// maxConns > 0 caps concurrent connections.
func Serve(ctx context.Context, addr string, maxConns int, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", ln.Addr().String(), "max_conns", maxConns)
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
