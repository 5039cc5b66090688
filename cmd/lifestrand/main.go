// Command lifestrand is the main entry point for the Lifestrand NPC
// dialogue server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/strandlabs/lifestrand/internal/app"
	"github.com/strandlabs/lifestrand/internal/config"
	"github.com/strandlabs/lifestrand/internal/observe"
	"github.com/strandlabs/lifestrand/pkg/provider/embeddings"
	ollamaembed "github.com/strandlabs/lifestrand/pkg/provider/embeddings/ollama"
	oaembed "github.com/strandlabs/lifestrand/pkg/provider/embeddings/openai"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
	"github.com/strandlabs/lifestrand/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lifestrand: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lifestrand: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lifestrand starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "lifestrand",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Model providers ───────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders constructs the chat, summary, and embedding backends from
// the config.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	chat, err := buildLLM(cfg.Models.Chat)
	if err != nil {
		return nil, fmt.Errorf("chat model: %w", err)
	}
	summary, err := buildLLM(cfg.Models.Summary)
	if err != nil {
		return nil, fmt.Errorf("summary model: %w", err)
	}
	embedder, err := buildEmbeddings(cfg.Models.Embedding, cfg.Database.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("embedding model: %w", err)
	}
	return &app.Providers{Chat: chat, Summary: summary, Embeddings: embedder}, nil
}

// buildLLM creates an LLM provider from one config entry via any-llm-go.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Provider == "" || entry.Model == "" {
		return nil, errors.New("provider and model are required")
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	p, err := anyllm.New(entry.Provider, entry.Model, opts...)
	if err != nil {
		return nil, err
	}
	if entry.VRAMBytes > 0 {
		p.SetSizeBytes(entry.VRAMBytes)
	}
	return p, nil
}

// buildEmbeddings creates the embedding backend. An empty entry disables
// vector search rather than failing startup. The vectors must match the
// width of the character table's embedding column, so dims is forced on the
// provider rather than left to the model default.
func buildEmbeddings(entry config.ProviderEntry, dims int) (embeddings.Provider, error) {
	switch entry.Provider {
	case "":
		return nil, nil
	case "openai":
		return oaembed.New(entry.APIKey, entry.Model, oaembed.WithDimensions(dims))
	case "ollama":
		return ollamaembed.New(entry.BaseURL, entry.Model, ollamaembed.WithDimensions(dims))
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", entry.Provider)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	slog.Info("configuration",
		"chat_model", cfg.Models.Chat.Provider+"/"+cfg.Models.Chat.Model,
		"summary_model", cfg.Models.Summary.Provider+"/"+cfg.Models.Summary.Model,
		"embeddings", cfg.Models.Embedding.Provider,
		"vram_budget_gb", cfg.Models.TotalVRAMBytes>>30,
		"queue_capacity", cfg.Pipeline.QueueCapacity,
		"summary_workers", cfg.Summary.Workers,
		"gateway", cfg.Gateway.ListenAddr,
	)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
