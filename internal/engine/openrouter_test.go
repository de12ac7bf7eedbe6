package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/localrecall/internal/proxy"
)

func fakeOpenRouter(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			fmt.Fprint(w, `{"object":"list","data":[]}`)
		case "/embeddings":
			fmt.Fprint(w, `{"data":[{"embedding":[0.6,0.8]}]}`)
		case "/chat/completions":
			var req proxy.ChatRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Stream {
				fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Notes\"}}]}\n\ndata: [DONE]\n\n")
				return
			}
			fmt.Fprint(w, `{"choices":[{"message":{"content":"A notes app"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenRouterBackends(t *testing.T) {
	srv := fakeOpenRouter(t)
	client := proxy.NewClientWithBaseURL("or-key", srv.URL)
	ctx := context.Background()

	emb, err := NewOpenRouterEmbedder(ctx, client, "openai/text-embedding-3-small")
	if err != nil {
		t.Fatalf("NewOpenRouterEmbedder: %v", err)
	}
	v, err := emb.EmbedQuery(ctx, "notes")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(v) != 2 {
		t.Errorf("len = %d, want 2", len(v))
	}

	img := filepath.Join(t.TempDir(), "shot.png")
	os.WriteFile(img, []byte("png"), 0o600)
	c := NewOpenRouterCaptioner(client, "vision")
	text, err := c.Caption(ctx, img, "describe")
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
	if text != "A notes app" {
		t.Errorf("Caption = %q, want %q", text, "A notes app")
	}

	var got string
	g := NewOpenRouterGenerator(client, "chat")
	if err := g.Stream(ctx, GenerateRequest{Prompt: "q"}, func(s string) error { got += s; return nil }); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got != "Notes" {
		t.Errorf("streamed %q, want %q", got, "Notes")
	}
}

func TestOpenRouterEmbedder_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewOpenRouterEmbedder(context.Background(), proxy.NewClientWithBaseURL("k", srv.URL), "m")
	if !errors.Is(err, ErrConnectivity) {
		t.Errorf("err = %v, want ErrConnectivity", err)
	}
}
