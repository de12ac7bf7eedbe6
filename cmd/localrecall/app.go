package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/kalambet/localrecall/internal/api"
	"github.com/kalambet/localrecall/internal/capture"
	"github.com/kalambet/localrecall/internal/config"
	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/events"
	"github.com/kalambet/localrecall/internal/ingest"
	"github.com/kalambet/localrecall/internal/retrieval"
	"github.com/kalambet/localrecall/internal/storage"
	"github.com/kalambet/localrecall/internal/vault"
)

// app holds the long-lived resources shared by the commands.
type app struct {
	cfg    config.Config
	store  *storage.Store
	index  retrieval.VectorStore
	vault  *vault.Vault
	events events.Publisher
	mqtt   *events.MQTTPublisher // nil without a broker
}

// openApp opens the stores and the vault. withEvents dials the MQTT broker
// when one is configured.
func openApp(ctx context.Context, cfg config.Config, withEvents bool) (*app, error) {
	password, err := vaultPassword(cfg)
	if err != nil {
		return nil, err
	}
	v, err := vault.Open(password, cfg.SaltPath(), cfg.ScratchDir())
	if err != nil {
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	store, err := storage.Open(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if cfg.Capture.EncryptMetadata {
		store.SetFieldCipher(v)
	}

	index, err := retrieval.Open(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	a := &app{cfg: cfg, store: store, index: index, vault: v, events: events.Nop{}}
	if withEvents && cfg.Events.MQTTBroker != "" {
		clientID := fmt.Sprintf("localrecall-%d", os.Getpid())
		pub, err := events.DialMQTT(cfg.Events.MQTTBroker, clientID, cfg.Events.MQTTTopic, slog.Default())
		if err != nil {
			slog.Warn("activity events disabled", "error", err)
		} else {
			a.events, a.mqtt = pub, pub
		}
	}
	return a, nil
}

func (a *app) Close() error {
	return errors.Join(a.events.Close(), a.index.Close(), a.store.Close())
}

// vaultPassword returns the configured password, prompting on a terminal
// when none is set.
func vaultPassword(cfg config.Config) (string, error) {
	if cfg.Vault.Password != "" {
		return cfg.Vault.Password, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", config.MissingSecret("vault.password")
	}
	fmt.Fprint(os.Stderr, "Encryption password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(pw) == 0 {
		return "", config.MissingSecret("vault.password")
	}
	return string(pw), nil
}

func (a *app) captureLoop() (*capture.Loop, error) {
	screen, err := capture.NewCommandScreen(a.cfg.Capture.ScreenCmd)
	if err != nil {
		return nil, fmt.Errorf("capture.screen_cmd: %w", err)
	}
	var windows capture.Windows = capture.NoWindows{}
	if a.cfg.Capture.WindowsCmd != "" {
		if windows, err = capture.NewCommandWindows(a.cfg.Capture.WindowsCmd); err != nil {
			return nil, err
		}
	}
	return capture.NewLoop(screen, windows, a.vault, a.store, capture.Options{
		Dir:      a.cfg.ScreenshotDir(),
		Interval: a.cfg.Capture.Interval,
		Compress: a.cfg.Capture.Compress,
		Quality:  a.cfg.Capture.Quality,
		Resize:   a.cfg.Capture.Resize,
		Events:   a.events,
	}), nil
}

func (a *app) worker(ctx context.Context, strategy string) (*ingest.Worker, error) {
	set, err := engine.New(ctx, strategy, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("building %q backends: %w", strategy, err)
	}
	return ingest.NewWorker(a.store, a.index, set, a.vault, ingest.Options{
		Interval: a.cfg.Indexing.Interval,
		Batch:    a.cfg.Indexing.Batch,
		Events:   a.events,
	}), nil
}

func (a *app) gatewayDeps() api.Deps {
	d := api.Deps{
		Store: a.store,
		Index: a.index,
		Vault: a.vault,
		NewSet: func(ctx context.Context, strategy string) (*engine.Set, error) {
			return engine.New(ctx, strategy, a.cfg)
		},
		DefaultStrategy: a.cfg.Chat.DefaultStrategy,
		TopN:            a.cfg.Chat.TopN,
		Threshold:       float32(a.cfg.Chat.Threshold),
		Token:           a.cfg.Server.APIToken,
		Log:             slog.Default(),
	}
	if a.mqtt != nil {
		d.EventStats = a.mqtt.Stats
	}
	return d
}
