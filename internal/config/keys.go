package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LOCALRECALL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "LOCALRECALL_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_token", typ: kString, env: "LOCALRECALL_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LOCALRECALL_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "capture.interval", typ: kDuration, env: "LOCALRECALL_CAPTURE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Capture.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.Interval },
	},
	{
		key: "capture.compress", typ: kBool, env: "LOCALRECALL_CAPTURE_COMPRESS",
		apply:   func(cfg *Config, v any) { cfg.Capture.Compress = v.(bool) },
		extract: func(cfg Config) any { return cfg.Capture.Compress },
	},
	{
		key: "capture.quality", typ: kInt, env: "LOCALRECALL_CAPTURE_QUALITY",
		apply:   func(cfg *Config, v any) { cfg.Capture.Quality = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Quality },
	},
	{
		key: "capture.resize", typ: kFloat, env: "LOCALRECALL_CAPTURE_RESIZE",
		apply:   func(cfg *Config, v any) { cfg.Capture.Resize = v.(float64) },
		extract: func(cfg Config) any { return cfg.Capture.Resize },
	},
	{
		key: "capture.screen_cmd", typ: kString, env: "LOCALRECALL_CAPTURE_SCREEN_CMD",
		apply:   func(cfg *Config, v any) { cfg.Capture.ScreenCmd = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.ScreenCmd },
	},
	{
		key: "capture.windows_cmd", typ: kString, env: "LOCALRECALL_CAPTURE_WINDOWS_CMD",
		apply:   func(cfg *Config, v any) { cfg.Capture.WindowsCmd = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.WindowsCmd },
	},
	{
		key: "capture.encrypt_metadata", typ: kBool, env: "LOCALRECALL_CAPTURE_ENCRYPT_METADATA",
		apply:   func(cfg *Config, v any) { cfg.Capture.EncryptMetadata = v.(bool) },
		extract: func(cfg Config) any { return cfg.Capture.EncryptMetadata },
	},
	{
		key: "index.backend", typ: kString, env: "LOCALRECALL_INDEX_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Index.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Backend },
	},
	{
		key: "index.dimension", typ: kInt, env: "LOCALRECALL_INDEX_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Index.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.Dimension },
	},
	{
		key: "index.qdrant_url", typ: kString, env: "LOCALRECALL_INDEX_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Index.QdrantURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.QdrantURL },
	},
	{
		key: "index.collection", typ: kString, env: "LOCALRECALL_INDEX_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Index.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Collection },
	},
	{
		key: "indexing.interval", typ: kDuration, env: "LOCALRECALL_INDEXING_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Indexing.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Indexing.Interval },
	},
	{
		key: "indexing.batch", typ: kInt, env: "LOCALRECALL_INDEXING_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Indexing.Batch = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.Batch },
	},
	{
		key: "chat.top_n", typ: kInt, env: "LOCALRECALL_CHAT_TOP_N",
		apply:   func(cfg *Config, v any) { cfg.Chat.TopN = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TopN },
	},
	{
		key: "chat.threshold", typ: kFloat, env: "LOCALRECALL_CHAT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Chat.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Threshold },
	},
	{
		key: "chat.default_strategy", typ: kString, env: "LOCALRECALL_CHAT_DEFAULT_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Chat.DefaultStrategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.DefaultStrategy },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "LOCALRECALL_ANTHROPIC_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "anthropic.model", typ: kString, env: "LOCALRECALL_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Anthropic.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.Model },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "LOCALRECALL_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "anthropic.base_url", typ: kString, env: "LOCALRECALL_ANTHROPIC_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Anthropic.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.BaseURL },
	},
	{
		key: "openrouter.base_url", typ: kString, env: "LOCALRECALL_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.BaseURL },
	},
	{
		key: "openrouter.chat_model", typ: kString, env: "LOCALRECALL_OPENROUTER_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.ChatModel },
	},
	{
		key: "openrouter.embed_model", typ: kString, env: "LOCALRECALL_OPENROUTER_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.EmbedModel },
	},
	{
		key: "openrouter.vision_model", typ: kString, env: "LOCALRECALL_OPENROUTER_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.VisionModel },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LOCALRECALL_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "LOCALRECALL_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "LOCALRECALL_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "caption.base_url", typ: kString, env: "LOCALRECALL_CAPTION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Caption.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Caption.BaseURL },
	},
	{
		key: "caption.action_type", typ: kString, env: "LOCALRECALL_CAPTION_ACTION_TYPE",
		apply:   func(cfg *Config, v any) { cfg.Caption.ActionType = v.(string) },
		extract: func(cfg Config) any { return cfg.Caption.ActionType },
	},
	{
		key: "events.mqtt_broker", typ: kString, env: "LOCALRECALL_EVENTS_MQTT_BROKER",
		apply:   func(cfg *Config, v any) { cfg.Events.MQTTBroker = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.MQTTBroker },
	},
	{
		key: "events.mqtt_topic", typ: kString, env: "LOCALRECALL_EVENTS_MQTT_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Events.MQTTTopic = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.MQTTTopic },
	},
	{
		key: "log.level", typ: kString, env: "LOCALRECALL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "vault.password", typ: kString, env: "LOCALRECALL_ENCRYPTION_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Vault.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.Password },
	},
}

// parse converts raw into the Go value for the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func (s keySpec) typeName() string {
	switch s.typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typeName(), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typeName(), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applyKeychain fills secrets still empty after env overrides from the
// platform secret store. Accounts are the key with dots replaced by underscores.
func applyKeychain(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		account := strings.ReplaceAll(s.key, ".", "_")
		if v, err := kc.Get(keychainService, account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
