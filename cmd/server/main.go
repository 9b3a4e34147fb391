// Command server starts the ingestion control-plane HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/szuru-ingest/internal/adapter/events"
	httpserver "github.com/fairyhunter13/szuru-ingest/internal/adapter/httpserver"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/szurubooru"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/tagger"
	"github.com/fairyhunter13/szuru-ingest/internal/app"
	"github.com/fairyhunter13/szuru-ingest/internal/config"
	"github.com/fairyhunter13/szuru-ingest/internal/crypto"
	"github.com/fairyhunter13/szuru-ingest/internal/sites"
	"github.com/fairyhunter13/szuru-ingest/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, SSE, and job-queue instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and schema
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	enc, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		slog.Error("encryption key invalid", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)
	userRepo := postgres.NewUserRepo(pool, enc)

	// Event bus (Redis pub/sub) feeds the SSE stream.
	bus, err := events.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	// Downstream clients, probed by /readyz only; the server never calls
	// them on the hot path.
	booru := szurubooru.New(cfg.SzuruURL)
	tag := tagger.New(cfg.TaggerURL, cfg.FFmpegPath, cfg.FFprobePath)

	// Usecases
	registry := sites.NewRegistry()
	jobSvc := usecase.NewJobService(jobRepo, settingsRepo, bus, registry, cfg.JobDataDir)
	tagJobSvc := usecase.NewTagJobService(jobRepo, userRepo, booru, bus)

	dbCheck, redisCheck, booruCheck, taggerCheck := app.BuildReadinessChecks(pool, bus, booru, tag)

	srv := httpserver.NewServer(cfg, jobSvc, tagJobSvc, userRepo, settingsRepo, bus,
		dbCheck, redisCheck, booruCheck, taggerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
