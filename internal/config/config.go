package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSecret is returned by constructors of components whose required
// credential is not configured.
var ErrMissingSecret = errors.New("missing required secret")

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Capture    CaptureConfig
	Index      IndexConfig
	Indexing   IndexingConfig
	Chat       ChatConfig
	Anthropic  AnthropicConfig
	OpenRouter OpenRouterConfig
	Ollama     OllamaConfig
	Caption    CaptionConfig
	Events     EventsConfig
	Log        LogConfig
	Vault      VaultConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type CaptureConfig struct {
	Interval        time.Duration
	Compress        bool
	Quality         int
	Resize          float64
	ScreenCmd       string
	WindowsCmd      string
	EncryptMetadata bool
}

type IndexConfig struct {
	Backend    string
	Dimension  int
	QdrantURL  string
	Collection string
}

type IndexingConfig struct {
	Interval time.Duration
	Batch    int
}

type ChatConfig struct {
	TopN            int
	Threshold       float64
	DefaultStrategy string
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string // empty uses the SDK default
}

type OpenRouterConfig struct {
	APIKey      string
	BaseURL     string
	ChatModel   string
	EmbedModel  string
	VisionModel string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

type CaptionConfig struct {
	BaseURL    string
	ActionType string
}

type EventsConfig struct {
	MQTTBroker string
	MQTTTopic  string
}

type LogConfig struct {
	Level string
}

type VaultConfig struct {
	Password string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     11011,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Capture: CaptureConfig{
			Interval: 30 * time.Second,
			Quality:  85,
			Resize:   1.0,
		},
		Index: IndexConfig{
			Backend:    "sqlite",
			QdrantURL:  "localhost:6334",
			Collection: "activities",
		},
		Indexing: IndexingConfig{
			Interval: 60 * time.Second,
			Batch:    50,
		},
		Chat: ChatConfig{
			TopN:            5,
			Threshold:       0.5,
			DefaultStrategy: "remote",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			ChatModel:   "google/gemini-2.0-flash-001",
			EmbedModel:  "openai/text-embedding-3-small",
			VisionModel: "google/gemini-2.0-flash-001",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "mxbai-embed-large",
			ChatModel:  "llama3.2",
		},
		Caption: CaptionConfig{
			BaseURL:    "http://localhost:5000",
			ActionType: "<MORE_DETAILED_CAPTION>",
		},
		Events: EventsConfig{
			MQTTTopic: "localrecall",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.localrecall.app) and
// secrets fall back to macOS Keychain (service: localrecall).
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/localrecall/config.yaml
// and secrets fall back to secrets.yaml in the data directory.
//
// Environment variables (LOCALRECALL_*) override backend values on all platforms.
// Missing secrets are not an error here; components that need one fail with
// ErrMissingSecret when constructed.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), keychainReader{})
}

// ConfigBackend abstracts platform-specific config storage: UserDefaults on
// macOS, a YAML file elsewhere.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "localrecall"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applyKeychain(&cfg, kc)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Capture.Resize < 0.1 || cfg.Capture.Resize > 1.0 {
		return fmt.Errorf("capture.resize must be within [0.1, 1.0], got %v", cfg.Capture.Resize)
	}
	if cfg.Capture.Quality < 1 || cfg.Capture.Quality > 100 {
		return fmt.Errorf("capture.quality must be within [1, 100], got %d", cfg.Capture.Quality)
	}
	if cfg.Capture.Interval <= 0 {
		return fmt.Errorf("capture.interval must be positive, got %s", cfg.Capture.Interval)
	}
	if cfg.Indexing.Interval < 0 {
		return fmt.Errorf("indexing.interval must not be negative, got %s", cfg.Indexing.Interval)
	}
	if cfg.Chat.TopN < 1 {
		return fmt.Errorf("chat.top_n must be at least 1, got %d", cfg.Chat.TopN)
	}
	return nil
}

// MissingSecret builds the ErrMissingSecret error for a secret key, naming
// where the user can provide it.
func MissingSecret(key string) error {
	env := ""
	for _, s := range specs {
		if s.key == key {
			env = s.env
		}
	}
	return fmt.Errorf("%s: set environment variable %s%s: %w", key, env, apiKeyHint(key), ErrMissingSecret)
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// DBDir is where the activity database lives.
func (c Config) DBDir() string { return c.Storage.DataDir }

// IndexDir is where the vector index persists its state.
func (c Config) IndexDir() string { return filepath.Join(c.Storage.DataDir, "index") }

// ScreenshotDir holds encrypted screenshots.
func (c Config) ScreenshotDir() string { return filepath.Join(c.Storage.DataDir, "screenshots") }

// ScratchDir holds short-lived decrypted screenshots.
func (c Config) ScratchDir() string { return filepath.Join(c.Storage.DataDir, "scratch") }

// SaltPath is the location of the persisted encryption salt.
func (c Config) SaltPath() string { return filepath.Join(c.Storage.DataDir, "encryption_salt.bin") }
