// Command parley-rag serves the document retrieval API backing the parley
// voice client. It embeds incoming queries, searches a pgvector chunk store,
// and returns assembled context with source citations. Prometheus metrics are
// exposed on /metrics and health probes on /healthz and /readyz.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/ragserver"
	"github.com/MrWong99/parley/pkg/embeddings"
	openaiembed "github.com/MrWong99/parley/pkg/embeddings/openai"
	"github.com/MrWong99/parley/pkg/ragstore"
)

const (
	defaultListenAddr      = ":8000"
	shutdownTimeout        = 15 * time.Second
	readHeaderTimeout      = 10 * time.Second
	defaultMaxContextChars = 8000
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley-rag: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley-rag: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parley-rag",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	embedder, err := buildEmbedder(cfg.RAG.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}

	dims := cfg.RAG.EmbeddingDimensions
	if dims <= 0 {
		dims = embedder.Dimensions()
	}

	store, err := ragstore.New(ctx, cfg.RAG.PostgresDSN, dims)
	if err != nil {
		slog.Error("failed to open chunk store", "err", err)
		return 1
	}
	defer store.Close()

	maxChars := cfg.RAG.MaxContextChars
	if maxChars <= 0 {
		maxChars = defaultMaxContextChars
	}
	srv, err := ragserver.New(embedder, store, ragserver.Config{
		TopK:            cfg.RAG.TopK,
		MaxContextChars: maxChars,
		MinScore:        cfg.RAG.MinScore,
	})
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := cfg.RAG.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	slog.Info("parley-rag starting",
		"listen_addr", addr,
		"embedding_model", embedder.ModelID(),
		"embedding_dimensions", dims,
		"top_k", cfg.RAG.TopK)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildEmbedder assembles the query embedding chain: the OpenAI provider
// wrapped with retries, then an in-memory TTL cache when configured.
func buildEmbedder(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
	var opts []openaiembed.Option
	if cfg.BaseURL != "" {
		opts = append(opts, openaiembed.WithBaseURL(cfg.BaseURL))
	}
	provider, err := openaiembed.New(cfg.APIKey, cfg.Model, opts...)
	if err != nil {
		return nil, err
	}

	var p embeddings.Provider = provider
	p = embeddings.WithRetries(p, embeddings.DefaultRetryAttempts, embeddings.DefaultRetryBaseDelay)
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = embeddings.DefaultCacheSize
		}
		p = embeddings.Cached(p, cfg.CacheTTL, size)
	}
	return p, nil
}

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
