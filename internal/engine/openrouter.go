package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/localrecall/internal/proxy"
	"github.com/kalambet/localrecall/internal/storage"
)

// OpenRouterEmbedder embeds through OpenRouter's /embeddings endpoint.
type OpenRouterEmbedder struct {
	client *proxy.Client
	model  string
}

// NewOpenRouterEmbedder probes the API and returns ErrConnectivity when it
// cannot be reached.
func NewOpenRouterEmbedder(ctx context.Context, client *proxy.Client, model string) (*OpenRouterEmbedder, error) {
	if _, err := client.ListModels(ctx); err != nil {
		return nil, fmt.Errorf("openrouter: %w: %w", ErrConnectivity, err)
	}
	return &OpenRouterEmbedder{client: client, model: model}, nil
}

func (e *OpenRouterEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkText(text); err != nil {
		return nil, err
	}
	v, err := e.client.Embeddings(ctx, e.model, text)
	return v, classify("openrouter embed", err)
}

func (e *OpenRouterEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.Embed(ctx, text)
}

func (e *OpenRouterEmbedder) Model() string { return "openrouter/" + e.model }

// OpenRouterCaptioner captions with a vision model behind OpenRouter.
type OpenRouterCaptioner struct {
	client *proxy.Client
	model  string
}

func NewOpenRouterCaptioner(client *proxy.Client, model string) *OpenRouterCaptioner {
	return &OpenRouterCaptioner{client: client, model: model}
}

func (c *OpenRouterCaptioner) Caption(ctx context.Context, imagePath, prompt string) (string, error) {
	mediaType, data, err := readImage(imagePath)
	if err != nil {
		return "", err
	}
	text, err := c.client.Complete(ctx, proxy.ChatRequest{
		Model:     c.model,
		MaxTokens: captionMaxTokens,
		Messages: []proxy.Message{{
			Role: "user",
			Content: []proxy.ContentPart{
				proxy.ImagePart("data:" + mediaType + ";base64," + data),
				proxy.TextPart(prompt),
			},
		}},
	})
	if err != nil {
		return "", classify("openrouter caption", err)
	}
	if text == "" {
		return "", fmt.Errorf("openrouter caption: empty reply: %w", ErrMalformedResponse)
	}
	return text, nil
}

func (c *OpenRouterCaptioner) GeneratePrompt(a storage.Activity) string {
	return GeneratePrompt(a)
}

// OpenRouterGenerator streams answers over OpenRouter's SSE chat completions.
type OpenRouterGenerator struct {
	client *proxy.Client
	model  string
}

func NewOpenRouterGenerator(client *proxy.Client, model string) *OpenRouterGenerator {
	return &OpenRouterGenerator{client: client, model: model}
}

func (g *OpenRouterGenerator) Stream(ctx context.Context, req GenerateRequest, onChunk func(string) error) error {
	msgs := make([]proxy.Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, proxy.Message{Role: "system", Content: req.System})
	}
	for _, t := range req.History {
		if role, ok := openAIRole(t.Role); ok {
			msgs = append(msgs, proxy.Message{Role: role, Content: t.Content})
		}
	}
	msgs = append(msgs, proxy.Message{Role: "user", Content: req.Prompt})

	var cbErr error
	err := g.client.ChatStream(ctx, proxy.ChatRequest{Model: g.model, Messages: msgs}, func(s string) error {
		cbErr = onChunk(s)
		return cbErr
	})
	if err != nil && err == cbErr {
		return err
	}
	return classify("openrouter chat", err)
}
