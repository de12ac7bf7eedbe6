package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/localrecall/internal/api"
	"github.com/kalambet/localrecall/internal/config"
	"github.com/kalambet/localrecall/internal/engine"
	"github.com/kalambet/localrecall/internal/retrieval"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture the screen on an interval, or once with --once",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		loop, err := a.captureLoop()
		if err != nil {
			return err
		}
		if !once {
			return loop.Run(ctx)
		}
		act, err := loop.Tick(ctx)
		if err != nil {
			return err
		}
		printSuccess("Captured %s (%s)", act.Timestamp, orUnknown(act.Title()))
		return nil
	},
}

func init() {
	captureCmd.Flags().Bool("once", false, "capture a single activity and exit")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown window"
	}
	return s
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Caption and index captured activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		strategy, _ := cmd.Flags().GetString("strategy")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if strategy == "" {
			strategy = cfg.Chat.DefaultStrategy
		}
		ctx, stop := signalContext()
		defer stop()

		if err := ensureLocalModels(ctx, strategy, cfg.Caption.BaseURL, cfg.Ollama.BaseURL, "", cfg.Ollama.EmbedModel); err != nil {
			return err
		}
		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		w, err := a.worker(ctx, strategy)
		if err != nil {
			return err
		}
		if !once {
			return w.Run(ctx)
		}
		res, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			printWarning("Indexed %d, failed %d (they stay pending)", res.Processed, res.Failed)
			return nil
		}
		printSuccess("Indexed %d activities", res.Processed)
		return nil
	},
}

var indexCopyCmd = &cobra.Command{
	Use:   "copy <sqlite|chromem|qdrant>",
	Short: "Copy the vector index into another backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if args[0] == cfg.Index.Backend {
			return fmt.Errorf("index.backend is already %s", args[0])
		}
		ctx, stop := signalContext()
		defer stop()

		src, err := retrieval.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer src.Close()

		dstCfg := cfg
		dstCfg.Index.Backend = args[0]
		dst, err := retrieval.Open(ctx, dstCfg)
		if err != nil {
			return err
		}
		defer dst.Close()

		printStep("Copying %s index to %s...", cfg.Index.Backend, args[0])
		n, err := retrieval.Copy(ctx, src, dst)
		if err != nil {
			return fmt.Errorf("copied %d records before failing: %w", n, err)
		}
		printSuccess("Copied %d records; run `localrecall config set index.backend %s` to switch", n, args[0])
		return nil
	},
}

func init() {
	indexCmd.Flags().Bool("once", false, "run a single sweep and exit")
	indexCmd.Flags().String("strategy", "", "backend strategy ("+strategyNames()+"; default chat.default_strategy)")
	indexCmd.AddCommand(indexCopyCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the running server about your past activity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		since, _ := cmd.Flags().GetDuration("since")

		req := api.ChatRequest{Question: strings.Join(args, " "), Strategy: strategy}
		if since > 0 {
			start := time.Now().Add(-since)
			req.Filters = &api.ChatFilters{StartTime: &start}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return ask(ctx, client, req, os.Stdout)
	},
}

func init() {
	askCmd.Flags().String("strategy", "", "backend strategy ("+strategyNames()+")")
	askCmd.Flags().Duration("since", 0, "only consider activity within this duration, e.g. 2h")
}

// ask streams an answer to w. The screenshot path, if any, goes to stderr.
func ask(ctx context.Context, client *apiClient, req api.ChatRequest, w io.Writer) error {
	resp, err := client.post(ctx, "/chat", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}

	first := true
	err = readEvents(resp.Body, func(ev streamEvent) error {
		if ev.Name == "error" {
			return fmt.Errorf("answer interrupted: %s", ev.Data)
		}
		if first {
			first = false
			if images, ok := parseImages(ev.Data); ok {
				for _, p := range images {
					printStatus("Screenshot", "%s", p)
				}
				return nil
			}
		}
		_, err := io.WriteString(w, ev.Data)
		return err
	})
	fmt.Fprintln(w)
	return err
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client, cfg)
	},
}

type healthReport struct {
	Status     string `json:"status"`
	Activities struct {
		Total     int    `json:"total"`
		Processed int    `json:"processed"`
		Pending   int    `json:"pending"`
		Latest    string `json:"latest"`
	} `json:"activities"`
	Vectors int `json:"vectors"`
	Events  *struct {
		Published uint64 `json:"published"`
		Errors    uint64 `json:"errors"`
	} `json:"events"`
}

func showStatus(ctx context.Context, client *apiClient, cfg config.Config) error {
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := client.get(hctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var h healthReport
		if err := decodeJSON(resp, &h); err != nil {
			printStatus("Server", "error (%v)", err)
		} else {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Activities", "%d captured, %d indexed, %d pending", h.Activities.Total, h.Activities.Processed, h.Activities.Pending)
			if h.Activities.Latest != "" {
				printStatus("Latest", "%s", h.Activities.Latest)
			}
			printStatus("Vectors", "%d", h.Vectors)
			if h.Events != nil {
				printStatus("Events", "%d published, %d failed", h.Events.Published, h.Events.Errors)
			}
		}
	}

	printStatus("Strategy", "%s", cfg.Chat.DefaultStrategy)
	printStatus("Index", "%s", cfg.Index.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the vector index as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("out")
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var writer io.Writer = os.Stdout
		if output != "" {
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		if err := export(cmd.Context(), client, writer); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Index exported to %s", output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output file path (default: stdout)")
}

func export(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/index")
	if err != nil {
		return err
	}
	var records []retrieval.Record
	if err := decodeJSON(resp, &records); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// --- vault ---

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Work with encrypted screenshots",
}

var vaultDecryptCmd = &cobra.Command{
	Use:   "decrypt <file.enc> [dest]",
	Short: "Decrypt a screenshot (default: the input path without .enc)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src := args[0]
		dest := strings.TrimSuffix(src, ".enc")
		if len(args) == 2 {
			dest = args[1]
		}
		if dest == src {
			dest = "" // scratch dir
		}

		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.vault.DecryptFile(src, dest)
		if err != nil {
			return err
		}
		printSuccess("Decrypted to %s", out)
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultDecryptCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the activity search tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()
		return serveMCP(ctx, a)
	},
}

func strategyNames() string {
	names := make([]string, 0, len(engine.Strategies()))
	for _, s := range engine.Strategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
