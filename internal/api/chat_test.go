package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/localrecall/internal/config"
	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/retrieval"
)

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// dataEvents splits an SSE body into events, joining multi-line data.
func dataEvents(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	var cur []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur != nil {
				out = append(out, strings.Join(cur, "\n"))
				cur = nil
			}
		case strings.HasPrefix(line, "data: "):
			cur = append(cur, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return body.Error.Type
}

func TestChat_StreamsImagesThenText(t *testing.T) {
	env := newTestEnv(t)
	env.addRecord(t, "20261018_093000", []float32{1, 0})

	rec := postChat(t, env.handler(), `{"question":"what was I writing?","history":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := dataEvents(t, rec.Body.String())
	want := []string{"list_['/scratch/20261018_093000.png']", "Hello", " there"}
	if len(events) != len(want) {
		t.Fatalf("events = %q, want %q", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
	if len(env.strategies) != 1 || env.strategies[0] != "remote" {
		t.Errorf("strategies = %v, want the default", env.strategies)
	}
}

func TestChat_NoRelevantDocumentsSendsEmptyList(t *testing.T) {
	env := newTestEnv(t)
	env.addRecord(t, "far", []float32{0, 1})

	rec := postChat(t, env.handler(), `{"question":"q"}`)
	events := dataEvents(t, rec.Body.String())
	if len(events) == 0 || events[0] != "list_[]" {
		t.Errorf("first event = %q, want list_[]", events)
	}
}

func TestChat_MultilineText(t *testing.T) {
	env := newTestEnv(t)
	env.gen.chunks = []string{"line one\nline two"}

	rec := postChat(t, env.handler(), `{"question":"q"}`)
	if !strings.Contains(rec.Body.String(), "data: line one\ndata: line two\n\n") {
		t.Errorf("body = %q", rec.Body.String())
	}
	events := dataEvents(t, rec.Body.String())
	if events[len(events)-1] != "line one\nline two" {
		t.Errorf("last event = %q", events[len(events)-1])
	}
}

func TestChat_StrategyPassedThrough(t *testing.T) {
	env := newTestEnv(t)
	postChat(t, env.handler(), `{"question":"q","strategy":"local"}`)
	if len(env.strategies) != 1 || env.strategies[0] != "local" {
		t.Errorf("strategies = %v, want [local]", env.strategies)
	}
}

func TestChat_ErrorsBeforeFirstChunk(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		setup    func(t *testing.T, env *testEnv)
		wantCode int
		wantType string
	}{
		{
			name:     "invalid json",
			body:     `{"question":`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "empty question",
			body:     `{"question":"   "}`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "unknown strategy",
			body:     `{"question":"q","strategy":"quantum"}`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "inverted time range",
			body:     `{"question":"q","filters":{"start_time":"2026-10-18T10:00:00Z","end_time":"2026-10-18T09:00:00Z"}}`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "dimension mismatch",
			body:     `{"question":"q"}`,
			setup:    func(t *testing.T, env *testEnv) { env.addRecord(t, "a", []float32{1, 0}); env.emb.vec = []float32{1, 0, 0} },
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "backend unreachable",
			body:     `{"question":"q"}`,
			setup:    func(t *testing.T, env *testEnv) { env.emb.err = fmt.Errorf("embed: %w", engine.ErrConnectivity) },
			wantCode: http.StatusServiceUnavailable,
			wantType: "backend_unavailable",
		},
		{
			name:     "missing secret",
			body:     `{"question":"q"}`,
			setup:    func(t *testing.T, env *testEnv) { env.setErr = config.MissingSecret("anthropic.api_key") },
			wantCode: http.StatusServiceUnavailable,
			wantType: "backend_unavailable",
		},
		{
			name:     "malformed backend response",
			body:     `{"question":"q"}`,
			setup:    func(t *testing.T, env *testEnv) { env.emb.err = engine.ErrMalformedResponse },
			wantCode: http.StatusBadGateway,
			wantType: "backend_error",
		},
		{
			name:     "other",
			body:     `{"question":"q"}`,
			setup:    func(t *testing.T, env *testEnv) { env.emb.err = io.ErrUnexpectedEOF },
			wantCode: http.StatusInternalServerError,
			wantType: "api_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(t, env)
			}
			rec := postChat(t, env.handler(), tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if got := errorType(t, rec); got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestChat_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	big := `{"question":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rec := postChat(t, env.handler(), big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestChat_MidStreamError(t *testing.T) {
	env := newTestEnv(t)
	env.gen.chunks = []string{"partial"}
	env.gen.err = fmt.Errorf("stream: %w", engine.ErrConnectivity)

	rec := postChat(t, env.handler(), `{"question":"q"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 once streaming started", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: partial\n\n") {
		t.Errorf("body missing partial text: %q", body)
	}
	if !strings.Contains(body, "event: error\ndata: stream: backend unreachable\n\n") {
		t.Errorf("body missing error event: %q", body)
	}
}

func TestChat_TimeFilter(t *testing.T) {
	env := newTestEnv(t)
	env.addRecord(t, "a", []float32{1, 0})

	// The only record is at 09:30 UTC, outside the range.
	rec := postChat(t, env.handler(), `{"question":"q","filters":{"start_time":"2026-10-18T10:00:00Z"}}`)
	events := dataEvents(t, rec.Body.String())
	if len(events) == 0 || events[0] != "list_[]" {
		t.Errorf("first event = %q, want list_[]", events)
	}
}

func TestFormatImages(t *testing.T) {
	tests := []struct {
		paths []string
		want  string
	}{
		{nil, "list_[]"},
		{[]string{"/tmp/a.png"}, "list_['/tmp/a.png']"},
		{[]string{"a", "b"}, "list_['a', 'b']"},
		{[]string{"/home/o'brien/a.png"}, `list_["/home/o'brien/a.png"]`},
		{[]string{`/x/it's "b".png`}, `list_['/x/it\'s "b".png']`},
		{[]string{`C:\shots\a.png`}, `list_['C:\\shots\\a.png']`},
	}
	for _, tt := range tests {
		if got := FormatImages(tt.paths); got != tt.want {
			t.Errorf("FormatImages(%v) = %q, want %q", tt.paths, got, tt.want)
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrUnknownStrategy, http.StatusBadRequest},
		{fmt.Errorf("x: %w", retrieval.ErrDimensionMismatch), http.StatusBadRequest},
		{engine.ErrConnectivity, http.StatusServiceUnavailable},
		{engine.ErrMalformedResponse, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
