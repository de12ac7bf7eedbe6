package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/localrecall/internal/ollama"
)

// OllamaEmbedder embeds through an Ollama-compatible /api/embeddings endpoint.
type OllamaEmbedder struct {
	client *ollama.Client
	model  string
}

// NewOllamaEmbedder returns ErrConnectivity when the service does not answer.
func NewOllamaEmbedder(ctx context.Context, client *ollama.Client, model string) (*OllamaEmbedder, error) {
	if !client.IsRunning(ctx) {
		return nil, fmt.Errorf("embedding service at %s: %w", client.BaseURL(), ErrConnectivity)
	}
	return &OllamaEmbedder{client: client, model: model}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkText(text); err != nil {
		return nil, err
	}
	v, err := e.client.Embeddings(ctx, e.model, text)
	return v, classify("ollama embed", err)
}

// EmbedQuery is Embed: the local models use one representation for both.
func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.Embed(ctx, text)
}

// Model names the embedding model, for cache keys.
func (e *OllamaEmbedder) Model() string { return "ollama/" + e.model }

// OllamaGenerator streams answers from Ollama's /api/chat.
type OllamaGenerator struct {
	client *ollama.Client
	model  string
}

func NewOllamaGenerator(client *ollama.Client, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

func (g *OllamaGenerator) Stream(ctx context.Context, req GenerateRequest, onChunk func(string) error) error {
	msgs := make([]ollama.Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	for _, t := range req.History {
		if role, ok := openAIRole(t.Role); ok {
			msgs = append(msgs, ollama.Message{Role: role, Content: t.Content})
		}
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.Prompt})

	var cbErr error
	err := g.client.ChatStream(ctx, g.model, msgs, func(s string) error {
		cbErr = onChunk(s)
		return cbErr
	})
	if err != nil && err == cbErr {
		return err
	}
	return classify("ollama chat", err)
}

// openAIRole keeps the three roles OpenAI-style APIs accept and drops the rest.
func openAIRole(role string) (string, bool) {
	switch role {
	case "system", "user", "assistant":
		return role, true
	}
	return "", false
}
