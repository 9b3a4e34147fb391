// Command worker runs the ingestion pipeline: it claims queued jobs and
// moves each one through extract, download, tag, and upload.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/szuru-ingest/internal/adapter/events"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/extractor"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/szurubooru"
	"github.com/fairyhunter13/szuru-ingest/internal/adapter/tagger"
	"github.com/fairyhunter13/szuru-ingest/internal/app"
	"github.com/fairyhunter13/szuru-ingest/internal/config"
	"github.com/fairyhunter13/szuru-ingest/internal/crypto"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/sites"
	"github.com/fairyhunter13/szuru-ingest/internal/tagcache"
	"github.com/fairyhunter13/szuru-ingest/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on
	// a dedicated /metrics endpoint so Prometheus can scrape queue metrics.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
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

	jobRepo := postgres.NewJobRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)
	userRepo := postgres.NewUserRepo(pool, enc)
	tagCacheRepo := postgres.NewTagCacheRepo(pool)

	bus, err := events.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	booru := szurubooru.New(cfg.SzuruURL)
	tag := tagger.New(cfg.TaggerURL, cfg.FFmpegPath, cfg.FFprobePath)
	extract := extractor.New(cfg.GalleryDLPath, cfg.YtDlpPath)

	// Warm the tag cache from the Booru tag export; a failure only costs
	// extra lookups on the first jobs.
	tags := tagcache.New(tagCacheRepo, booru)
	if err := tags.Warm(ctx); err != nil {
		slog.Warn("tag cache warmup failed", slog.Any("error", err))
	}

	registry := sites.NewRegistry()
	proc := worker.NewProcessor(jobRepo, settingsRepo, userRepo, booru, extract, tag, tags, bus, registry, cfg.JobDataDir)

	global, err := settingsRepo.LoadGlobal(ctx)
	if err != nil {
		slog.Warn("global config load failed, using defaults", slog.Any("error", err))
		global = domain.DefaultGlobalConfig()
	}
	slog.Info("worker pool configuration",
		slog.Int("concurrency", global.WorkerConcurrency),
		slog.Duration("claim_interval", cfg.ClaimInterval))

	// Stuck-job sweeper: processing jobs abandoned by a crashed worker
	// eventually reach a failed terminal state.
	if sweeper := app.NewStuckJobSweeper(jobRepo, bus, cfg.StuckJobMaxAge, cfg.StuckJobSweep); sweeper != nil {
		go sweeper.Run(ctx)
	}

	// Queue depth gauge, sampled from the pending count.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		pending := domain.JobPending
		for {
			if _, total, err := jobRepo.List(ctx, domain.JobFilter{Status: &pending, Limit: 1}); err == nil {
				observability.QueueDepth.Set(float64(total))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	slog.Info("worker started, waiting for jobs")
	worker.NewPool(proc, jobRepo, global.WorkerConcurrency).
		WithClaimInterval(cfg.ClaimInterval).
		Run(ctx)

	slog.Info("worker stopped")
}
