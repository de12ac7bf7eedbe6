package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/localrecall/internal/api"
	"github.com/kalambet/localrecall/internal/config"
	"github.com/kalambet/localrecall/internal/retrieval"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys with canned bodies. Bodies
// starting with "data:" or "event:" are sent as an event stream.
func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "data:") || strings.HasPrefix(resp, "event:") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAsk_StreamsText(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": "data: list_['/scratch/a.png']\n\n" +
			"data: You were \n\n" +
			"data: editing notes.\n\n",
	})

	var out bytes.Buffer
	req := api.ChatRequest{Question: "what was I doing?", Strategy: "local"}
	if err := ask(ctx, ts.client(), req, &out); err != nil {
		t.Fatalf("ask: %v", err)
	}

	if got := out.String(); got != "You were editing notes.\n" {
		t.Errorf("output = %q, want %q", got, "You were editing notes.\n")
	}

	if len(ts.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want %q", r.Auth, "Bearer test-token")
	}
	var sent api.ChatRequest
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if sent.Question != "what was I doing?" || sent.Strategy != "local" {
		t.Errorf("body = %+v", sent)
	}
}

func TestAsk_OnlyFirstEventIsImages(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": "data: list_[]\n\ndata: list_['x']\n\n",
	})

	var out bytes.Buffer
	if err := ask(ctx, ts.client(), api.ChatRequest{Question: "q"}, &out); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := out.String(); got != "list_['x']\n" {
		t.Errorf("output = %q, want the second event printed as text", got)
	}
}

func TestAsk_ErrorEvent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": "data: list_[]\n\ndata: partial\n\nevent: error\ndata: generation failed\n\n",
	})

	var out bytes.Buffer
	err := ask(ctx, ts.client(), api.ChatRequest{Question: "q"}, &out)
	if err == nil || !strings.Contains(err.Error(), "generation failed") {
		t.Fatalf("err = %v, want generation failed", err)
	}
	if !strings.HasPrefix(out.String(), "partial") {
		t.Errorf("output = %q, want partial text kept", out.String())
	}
}

func TestAsk_HTTPError(t *testing.T) {
	ts := newTestServer(t, nil)

	err := ask(ctx, ts.client(), api.ChatRequest{Question: "q"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestReadEvents_Multiline(t *testing.T) {
	in := "data: line one\ndata: line two\n\n: comment\n\nevent: error\ndata: boom\n\n"

	var got []streamEvent
	err := readEvents(strings.NewReader(in), func(ev streamEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	want := []streamEvent{
		{Data: "line one\nline two"},
		{Name: "error", Data: "boom"},
	}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestReadEvents_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := readEvents(strings.NewReader("data: a\n\ndata: b\n\n"), func(streamEvent) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestParseImages(t *testing.T) {
	tests := []struct {
		payload string
		want    []string
		ok      bool
	}{
		{"list_[]", []string{}, true},
		{"list_['/a.png']", []string{"/a.png"}, true},
		{"list_['/a.png', '/b.png']", []string{"/a.png", "/b.png"}, true},
		{"hello", nil, false},
		{"list_['x'", nil, false},
	}
	for _, tt := range tests {
		got, ok := parseImages(tt.payload)
		if ok != tt.ok {
			t.Errorf("parseImages(%q) ok = %v, want %v", tt.payload, ok, tt.ok)
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("parseImages(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestParseImages_RoundTrip(t *testing.T) {
	for _, paths := range [][]string{
		{"/scratch/20261018_093000-1.png", "/scratch/b.png"},
		{"/home/o'brien/a.png"},
		{`/x/it's "b".png`, `C:\shots\a.png`},
		{"/x/a, b.png"},
	} {
		got, ok := parseImages(api.FormatImages(paths))
		if !ok || fmt.Sprintf("%q", got) != fmt.Sprintf("%q", paths) {
			t.Errorf("parseImages(FormatImages(%q)) = %q, %v", paths, got, ok)
		}
	}
}

func TestShowStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok","activities":{"total":5,"processed":3,"pending":2,"latest":"20261018_093000"},"vectors":3}`,
	})

	cfg := config.Config{}
	cfg.Server.Port = 4100
	if err := showStatus(ctx, ts.client(), cfg); err != nil {
		t.Fatalf("showStatus: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/health" {
		t.Errorf("requests = %+v, want GET /health", ts.requests)
	}
}

func TestShowStatus_ServerDown(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.client()
	ts.server.Close()

	if err := showStatus(ctx, client, config.Config{}); err != nil {
		t.Errorf("showStatus = %v, want nil when the server is down", err)
	}
}

func TestExport(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /index": `[{"id":"20261018_093000","document":"Current Activity Title: Notes","metadata":{"created_at":1792315800,"screenshot_ref":"/shots/20261018_093000.png.enc","active_window":""}}]`,
	})

	var out bytes.Buffer
	if err := export(ctx, ts.client(), &out); err != nil {
		t.Fatalf("export: %v", err)
	}

	var records []retrieval.Record
	if err := json.Unmarshal(out.Bytes(), &records); err != nil {
		t.Fatalf("decoding export: %v\n%s", err, out.String())
	}
	if len(records) != 1 || records[0].ID != "20261018_093000" {
		t.Errorf("records = %+v", records)
	}
}

func TestExport_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid bearer token","type":"authentication_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	err := export(ctx, client, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want 401", err)
	}
}

func TestRunJanitor_FinalPurge(t *testing.T) {
	var mu sync.Mutex
	var ages []time.Duration
	purge := func(d time.Duration) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		ages = append(ages, d)
		return 0, nil
	}

	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		runJanitor(jctx, purge)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runJanitor did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ages) != 1 || ages[0] != 0 {
		t.Errorf("purge calls = %v, want a single purge(0)", ages)
	}
}

func TestEnsureLocalModels_RemoteSkips(t *testing.T) {
	// An unreachable base URL proves nothing is contacted.
	if err := ensureLocalModels(ctx, "remote", "http://127.0.0.1:1", "http://127.0.0.1:1", "llama", "nomic"); err != nil {
		t.Errorf("ensureLocalModels(remote) = %v, want nil", err)
	}
}

func TestEnsureLocalModels_UnknownStrategy(t *testing.T) {
	if err := ensureLocalModels(ctx, "bogus", "", "", "", ""); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestCommands_Args(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"ask without question", []string{"ask"}},
		{"config set missing value", []string{"config", "set", "chat.top_n"}},
		{"vault decrypt missing file", []string{"vault", "decrypt"}},
		{"index copy missing backend", []string{"index", "copy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rootCmd.SetArgs(tt.args)
			rootCmd.SetOut(&bytes.Buffer{})
			rootCmd.SetErr(&bytes.Buffer{})
			if err := rootCmd.Execute(); err == nil {
				t.Errorf("%v: expected argument error", tt.args)
			}
		})
	}
}

func TestEnsureLocalModels_CaptionDownIsNotFatal(t *testing.T) {
	captionSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	captionURL := captionSrv.URL
	captionSrv.Close()

	ollamaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ollama is running"))
	}))
	defer ollamaSrv.Close()

	if msg := captionServiceWarning(ctx, captionURL); !strings.Contains(msg, captionURL) {
		t.Errorf("warning = %q, want it to name %s", msg, captionURL)
	}
	// Offline needs neither an embedding model nor, here, a chat model.
	if err := ensureLocalModels(ctx, "offline", captionURL, ollamaSrv.URL, "", ""); err != nil {
		t.Errorf("ensureLocalModels(offline) = %v, want nil with the caption service down", err)
	}
}

func TestCaptionServiceWarning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if msg := captionServiceWarning(ctx, srv.URL); msg != "" {
		t.Errorf("warning = %q, want none for a running service", msg)
	}
}
