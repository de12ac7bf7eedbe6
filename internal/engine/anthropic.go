package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kalambet/localrecall/internal/storage"
)

const (
	captionMaxTokens  = 256
	generateMaxTokens = 1024
)

// Anthropic captions screenshots and streams answers with Claude.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates the backend. Extra options are appended after the API
// key, so tests can point it at a local server with option.WithBaseURL.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(2),
	}, opts...)
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Caption sends the screenshot as a base64 image block followed by the prompt.
func (a *Anthropic) Caption(ctx context.Context, imagePath, prompt string) (string, error) {
	mediaType, data, err := readImage(imagePath)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: captionMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, data),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", classify("anthropic caption", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic caption: no text in reply: %w", ErrMalformedResponse)
	}
	return sb.String(), nil
}

func (a *Anthropic) GeneratePrompt(act storage.Activity) string {
	return GeneratePrompt(act)
}

// Stream sends the grounded prompt with the system instruction in its own
// field. System turns of the history are replayed as user turns.
func (a *Anthropic) Stream(ctx context.Context, req GenerateRequest, onChunk func(string) error) error {
	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, t := range req.History {
		switch t.Role {
		case "system", "user":
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: generateMaxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		switch evt := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := onChunk(delta.Text); err != nil {
					return err
				}
			}
		}
	}
	return classify("anthropic stream", stream.Err())
}

// readImage loads a screenshot as base64 with its media type.
func readImage(path string) (mediaType, data string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading image: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mediaType = "image/jpeg"
	default:
		mediaType = "image/png"
	}
	return mediaType, base64.StdEncoding.EncodeToString(raw), nil
}
