package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kalambet/localrecall/internal/caption"
	"github.com/kalambet/localrecall/internal/config"
	"github.com/kalambet/localrecall/internal/ollama"
	"github.com/kalambet/localrecall/internal/proxy"
)

// Strategy names a captioning/embedding/generation backend triple.
type Strategy string

const (
	// Remote captions and answers with Anthropic and embeds on OpenRouter.
	Remote Strategy = "remote"
	// OpenRouter runs all three capabilities on OpenRouter.
	OpenRouter Strategy = "openrouter"
	// Local uses the caption microservice and Ollama.
	Local Strategy = "local"
	// Offline uses the stub embedder with the local caption service and Ollama.
	Offline Strategy = "offline"
)

// ErrUnknownStrategy is returned for names that match no strategy.
var ErrUnknownStrategy = fmt.Errorf("unknown strategy: %w", ErrValidation)

var aliases = map[string]Strategy{
	"google_gemini":  Remote,
	"local_florence": Local,
}

// Strategies lists the accepted canonical names.
func Strategies() []Strategy {
	return []Strategy{Remote, OpenRouter, Local, Offline}
}

// ParseStrategy resolves a name or legacy alias. The empty name is Remote.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Remote, nil
	}
	if s, ok := aliases[name]; ok {
		return s, nil
	}
	for _, s := range Strategies() {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%q: %w", name, ErrUnknownStrategy)
}

// Set is the backend triple of one strategy.
type Set struct {
	Strategy  Strategy
	Captioner Captioner
	Embedder  Embedder
	Generator Generator
}

// New builds the backends of the named strategy. Missing API keys fail with
// config.ErrMissingSecret; embedding services that do not answer fail with
// ErrConnectivity. Query embeddings are cached process-wide.
func New(ctx context.Context, name string, cfg config.Config) (*Set, error) {
	strategy, err := ParseStrategy(name)
	if err != nil {
		return nil, err
	}
	set := &Set{Strategy: strategy}

	switch strategy {
	case Remote:
		if cfg.Anthropic.APIKey == "" {
			return nil, config.MissingSecret("anthropic.api_key")
		}
		if cfg.OpenRouter.APIKey == "" {
			return nil, config.MissingSecret("openrouter.api_key")
		}
		var opts []option.RequestOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		claude := NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model, opts...)
		set.Captioner = claude
		set.Generator = claude
		set.Embedder, err = NewOpenRouterEmbedder(ctx, openRouterClient(cfg), cfg.OpenRouter.EmbedModel)

	case OpenRouter:
		if cfg.OpenRouter.APIKey == "" {
			return nil, config.MissingSecret("openrouter.api_key")
		}
		client := openRouterClient(cfg)
		set.Captioner = NewOpenRouterCaptioner(client, cfg.OpenRouter.VisionModel)
		set.Generator = NewOpenRouterGenerator(client, cfg.OpenRouter.ChatModel)
		set.Embedder, err = NewOpenRouterEmbedder(ctx, client, cfg.OpenRouter.EmbedModel)

	case Local:
		client := ollama.New(cfg.Ollama.BaseURL)
		set.Captioner = NewLocalCaptioner(caption.New(cfg.Caption.BaseURL, cfg.Caption.ActionType))
		set.Generator = NewOllamaGenerator(client, cfg.Ollama.ChatModel)
		set.Embedder, err = NewOllamaEmbedder(ctx, client, cfg.Ollama.EmbedModel)

	case Offline:
		set.Captioner = NewLocalCaptioner(caption.New(cfg.Caption.BaseURL, cfg.Caption.ActionType))
		set.Generator = NewOllamaGenerator(ollama.New(cfg.Ollama.BaseURL), cfg.Ollama.ChatModel)
		set.Embedder = StubEmbedder{}
	}
	if err != nil {
		return nil, err
	}

	set.Embedder, err = WithQueryCache(set.Embedder)
	if err != nil {
		return nil, err
	}
	return set, nil
}

func openRouterClient(cfg config.Config) *proxy.Client {
	if cfg.OpenRouter.BaseURL == "" {
		return proxy.NewClient(cfg.OpenRouter.APIKey)
	}
	return proxy.NewClientWithBaseURL(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL)
}
