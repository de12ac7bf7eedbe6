// Package engine holds the model backends of the pipeline: captioning,
// embedding and answer generation. Each capability is an interface with a
// fixed method set; New picks the implementations for a named strategy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kalambet/localrecall/internal/caption"
	"github.com/kalambet/localrecall/internal/ollama"
	"github.com/kalambet/localrecall/internal/proxy"
	"github.com/kalambet/localrecall/internal/storage"
)

var (
	// ErrConnectivity means a backend could not be reached.
	ErrConnectivity = errors.New("backend unreachable")

	// ErrValidation means the caller supplied input no backend would accept.
	ErrValidation = errors.New("invalid input")

	// ErrMalformedResponse means a backend answered without the expected fields.
	ErrMalformedResponse = errors.New("malformed backend response")
)

// Embedder turns text into a fixed-length vector. Documents and queries go
// through separate methods because some providers embed them differently.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Captioner describes a screenshot.
type Captioner interface {
	// Caption returns a free-text description of the image at imagePath.
	Caption(ctx context.Context, imagePath, prompt string) (string, error)

	// GeneratePrompt renders the caption instruction for an activity.
	GeneratePrompt(a storage.Activity) string
}

// Generator streams an answer. onChunk is called with every text fragment in
// order; an error from it stops the stream and is returned unchanged.
type Generator interface {
	Stream(ctx context.Context, req GenerateRequest, onChunk func(string) error) error
}

// Turn is one prior message of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is a grounded generation request.
type GenerateRequest struct {
	System  string
	History []Turn
	Prompt  string
}

// GeneratePrompt renders the window context of a capture into a caption
// instruction. Unknown windows read "unknown".
func GeneratePrompt(a storage.Activity) string {
	title, process := "unknown", "unknown"
	if a.ActiveWindow != nil {
		title, process = a.ActiveWindow.Title, a.ActiveWindow.ProcessName
	}
	return "Please generate the caption for the screenshot provided. " +
		"Try to focus on the apps being used on the screen. " +
		"From the computer, this the app currently in use:\n" +
		"title: " + title + "\n" +
		"process: " + process + "\n"
}

func checkText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty text: %w", ErrValidation)
	}
	return nil
}

// classify tags client errors with the sentinel the callers switch on while
// keeping the original in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	var netErr *net.OpError
	var ollamaStatus *ollama.StatusError
	var proxyStatus *proxy.StatusError
	var anthropicErr *anthropic.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return fmt.Errorf("%s: %w: %w", op, ErrConnectivity, err)
	case errors.As(err, &ollamaStatus) && ollamaStatus.Code >= 500,
		errors.As(err, &proxyStatus) && proxyStatus.Code >= 500,
		errors.As(err, &anthropicErr) && anthropicErr.StatusCode >= 500:
		return fmt.Errorf("%s: %w: %w", op, ErrConnectivity, err)
	case errors.Is(err, ollama.ErrMalformedResponse),
		errors.Is(err, proxy.ErrMalformedResponse),
		errors.Is(err, caption.ErrMalformedResponse):
		return fmt.Errorf("%s: %w: %w", op, ErrMalformedResponse, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
