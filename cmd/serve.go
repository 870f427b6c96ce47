package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/choruslabs/chorus/db"
	"github.com/choruslabs/chorus/internal/api"
	"github.com/choruslabs/chorus/internal/assembler"
	"github.com/choruslabs/chorus/internal/config"
	"github.com/choruslabs/chorus/internal/converse"
	"github.com/choruslabs/chorus/internal/display"
	"github.com/choruslabs/chorus/internal/ingest"
	"github.com/choruslabs/chorus/internal/ledger"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/memstore"
	"github.com/choruslabs/chorus/internal/model/gemini"
	"github.com/choruslabs/chorus/internal/orchestrator"
	"github.com/choruslabs/chorus/internal/pipeline"
	"github.com/choruslabs/chorus/internal/scope"
	"github.com/choruslabs/chorus/internal/summarize"
	"github.com/choruslabs/chorus/internal/tools"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute // a synchronous event call spans a full model stream
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second

	// flushInterval is how often dirty scopes are persisted.
	flushInterval = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// surfaceNotifier adapts a display surface to the ledger's notice sink.
type surfaceNotifier struct {
	surface display.Surface
}

func (n surfaceNotifier) Notify(ctx context.Context, channelID, text string) error {
	_, err := display.SendAll(ctx, n.surface, channelID, text, display.DefaultChunkBudget)
	return err
}

// runServe initializes the full pipeline and starts the HTTP server.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.RequireAPIKey(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if cfg.Storage.PostgresURL == "" {
		return errors.New("storage.postgres_url is required for serve")
	}
	if cfg.Credits.TopUpBearerSecret == "" {
		return errors.New("credits.topup_bearer_secret is required for serve")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{JSON: true})
	logger.Info("starting chorus", "version", AppVersion)

	if err := db.Migrate(cfg.Storage.PostgresURL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	provider, err := gemini.New(ctx, cfg.AI.GeminiAPIKey, cfg.AI.TierModels, logger)
	if err != nil {
		return fmt.Errorf("creating model provider: %w", err)
	}
	embedder := provider.NewEmbedder(cfg.AI.EmbedModel)

	store := memstore.NewPostgres(pool, embedder, logger)
	registry := scope.NewRegistry(scope.NewPostgresStorage(pool, logger), logger)

	memory := display.NewMemorySurface()
	lg := ledger.New(cfg.Credits, surfaceNotifier{surface: memory}, logger)

	streamer := pipeline.NewStreamer(provider, memory, tools.NewHTTPSearcher(cfg.Search, logger), cfg.Pipeline, logger)
	asm := assembler.New(store, cfg.Pipeline.MemoryWindow, logger)
	uploads := orchestrator.NewUploads(ingest.New(store, logger), memory, logger)
	orch := orchestrator.New(registry, asm, streamer, lg, uploads, cfg.Cooldown, logger)
	summarizer := summarize.New(streamer, lg, logger)
	sessions := converse.NewManager(converse.Config{
		Streamer: streamer,
		Ledger:   lg,
		Window:   cfg.Pipeline.MemoryWindow,
		Delay:    cfg.Pipeline.TurnDelay,
		Logger:   logger,
	})

	apiServer, err := api.NewServer(api.ServerConfig{
		Registry:     registry,
		Ledger:       lg,
		Surface:      memory,
		Orchestrator: orch,
		Memory:       memory,
		Summarizer:   summarizer,
		Uploads:      uploads,
		Sessions:     sessions,
		Secret:       cfg.Credits.TopUpBearerSecret,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	go registry.Run(ctx, flushInterval)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"events", "/api/v1/events",
		"webhooks", "/webhooks/topup",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		registry.Flush(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
