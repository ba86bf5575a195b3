package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/engine"
	"github.com/lazypower/tether/internal/llm"
	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/memory"
	"github.com/lazypower/tether/internal/server"
	"github.com/lazypower/tether/internal/store"
	"github.com/lazypower/tether/internal/store/mongostore"
	"github.com/lazypower/tether/internal/store/pgstore"
)

const (
	defaultOllamaEmbedModel = "nomic-embed-text"
	shutdownTimeout         = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

// loadConfig reads --config, or the default path if it exists.
func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath, false)
	}
	path, err := config.DefaultPath()
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path, true)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, os.Stderr)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info("store ready", "driver", cfg.Database.Driver)

	emb, err := newEmbedder(ctx, cfg.Embedding)
	if err != nil {
		return err
	}
	if c, ok := emb.(*engine.CachedEmbedder); ok {
		defer c.Close()
	}
	logger.Info("embedder ready", "model", emb.Model(), "dims", emb.Dimensions())

	svc := engine.New(backend, emb, serviceOptions(cfg, logger)...)

	if cfg.Memory.SweepInterval > 0 {
		sweeper := engine.NewSweeper(svc, cfg.Memory.SweepInterval, logger)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	} else {
		logger.Info("retention sweeper disabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.New(svc, VersionString(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tether serving", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "server error", goerr.V("addr", httpServer.Addr))
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func serviceOptions(cfg config.Config, logger *slog.Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithDecayRate(cfg.Memory.DecayRate),
		engine.WithDefaultLimit(cfg.Memory.DefaultLimit),
		engine.WithEmbedTimeout(cfg.Memory.EmbedTimeout),
		engine.WithDefaultPreferences(memory.Preferences{
			RetentionDays:     cfg.Memory.RetentionDays,
			MinRelevanceScore: cfg.Memory.MinRelevanceScore,
		}),
	}

	client, err := llm.NewClient(cfg.LLM)
	switch {
	case err != nil:
		logger.Warn("LLM not configured, mood tagging disabled", "error", err)
	case client != nil:
		opts = append(opts, engine.WithTagger(engine.NewMoodTagger(client)))
		logger.Info("mood tagging enabled", "provider", cfg.LLM.Provider)
	}
	return opts
}

// openBackend connects the configured store.
func openBackend(ctx context.Context, cfg config.DatabaseConfig) (memory.Backend, error) {
	switch cfg.Driver {
	case "postgres":
		return pgstore.New(ctx, cfg.URL)
	case "mongo":
		return mongostore.New(ctx, cfg.URL, cfg.Name)
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			var err error
			if path, err = store.DefaultDBPath(); err != nil {
				return nil, err
			}
		}
		return store.Open(path)
	}
	return nil, goerr.New("unknown database driver", goerr.V("driver", cfg.Driver))
}

// newEmbedder builds the configured provider, wrapped in a cache when
// cache_size > 0.
func newEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (engine.Embedder, error) {
	var (
		emb engine.Embedder
		err error
	)
	switch cfg.Provider {
	case "openai":
		emb, err = engine.NewOpenAIEmbedder(cfg.APIKey, os.Getenv("OPENAI_BASE_URL"), cfg.Model, cfg.Dims)
	case "gemini":
		emb, err = engine.NewGeminiEmbedder(ctx, cfg.APIKey, cfg.Model, cfg.Dims)
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = defaultOllamaEmbedModel
		}
		if !engine.ProbeOllama(cfg.URL, model) {
			logging.From(ctx).Warn("ollama not reachable, memories will be stored without vectors until it is",
				"url", cfg.URL, "model", model)
		}
		emb = engine.NewOllamaEmbedder(cfg.URL, model, cfg.Dims)
	case "hash":
		emb = engine.NewHashEmbedder(cfg.Dims)
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", cfg.Provider))
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		return engine.NewCachedEmbedder(emb, cfg.CacheSize)
	}
	return emb, nil
}
