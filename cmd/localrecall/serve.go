package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/localrecall/internal/api"
	"github.com/kalambet/localrecall/internal/caption"
	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/ollama"
)

const (
	janitorInterval = time.Minute
	scratchMaxAge   = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run capture, indexing and the chat gateway (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noCapture, _ := cmd.Flags().GetBool("no-capture")
		noIndex, _ := cmd.Flags().GetBool("no-index")
		withMCP, _ := cmd.Flags().GetBool("mcp")
		strategy, _ := cmd.Flags().GetString("strategy")
		return runServe(noCapture, noIndex, withMCP, strategy)
	},
}

func init() {
	serveCmd.Flags().Bool("no-capture", false, "do not capture the screen")
	serveCmd.Flags().Bool("no-index", false, "do not run the indexing worker")
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdio")
	serveCmd.Flags().String("strategy", "", "indexing strategy (default chat.default_strategy)")
}

func runServe(noCapture, noIndex, withMCP bool, strategy string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "localrecall version %s\n", version)
	if strategy == "" {
		strategy = cfg.Chat.DefaultStrategy
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureLocalModels(ctx, strategy, cfg.Caption.BaseURL, cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if !noCapture {
		loop, err := a.captureLoop()
		if err != nil {
			return err
		}
		g.Go(func() error { return loop.Run(gctx) })
	}

	if !noIndex {
		w, err := a.worker(ctx, strategy)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	g.Go(func() error {
		return api.Serve(gctx, addr, cfg.Server.MaxConns, api.NewHandler(a.gatewayDeps()))
	})

	g.Go(func() error {
		runJanitor(gctx, a.vault.PurgeScratch)
		return nil
	})

	if withMCP {
		g.Go(func() error {
			return serveMCP(gctx, a)
		})
	}

	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runJanitor removes decrypted screenshots older than scratchMaxAge until
// ctx is done. Chat answers hand their decrypted images to it.
func runJanitor(ctx context.Context, purge func(time.Duration) (int, error)) {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := purge(0); err != nil {
				slog.Warn("final scratch purge failed", "error", err)
			}
			return
		case <-t.C:
			n, err := purge(scratchMaxAge)
			if err != nil {
				slog.Warn("scratch purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("scratch purged", "files", n)
			}
		}
	}
}

// ensureLocalModels pulls and warms the Ollama models the local strategies
// need, and warns when their caption service is down.
func ensureLocalModels(ctx context.Context, strategy, captionURL, ollamaURL, chatModel, embedModel string) error {
	s, err := engine.ParseStrategy(strategy)
	if err != nil {
		return err
	}
	switch s {
	case engine.Local:
	case engine.Offline:
		embedModel = ""
	default:
		return nil
	}
	if msg := captionServiceWarning(ctx, captionURL); msg != "" {
		printWarning("%s", msg)
	}
	return ollama.EnsureReady(ctx, ollama.New(ollamaURL), chatModel, embedModel, os.Stderr)
}

// captionServiceWarning returns a notice when the caption service at url
// does not answer, or "" when it does. Indexing retries failed records, so
// a down service is not fatal.
func captionServiceWarning(ctx context.Context, url string) string {
	if caption.New(url, "").IsRunning(ctx) {
		return ""
	}
	return fmt.Sprintf("caption service is not answering at %s; records stay pending until it is up", url)
}

func serveMCP(ctx context.Context, a *app) error {
	set, err := engine.New(ctx, a.cfg.Chat.DefaultStrategy, a.cfg)
	if err != nil {
		return fmt.Errorf("building MCP search backends: %w", err)
	}
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    a.store,
		Index:    a.index,
		Embedder: set.Embedder,
		Version:  version,
	})
	slog.Info("MCP server started (stdio transport)")
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
