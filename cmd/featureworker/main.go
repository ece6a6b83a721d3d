// Package main provides the feature-extraction worker application entry
// point. The worker turns queued audio jobs into bpm/key/mood feature rows,
// independent of the embedding worker's vector output.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/model"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/notify"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	redisadapter "github.com/fairyhunter13/soundsidecar/internal/adapter/queue/redis"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/soundsidecar/internal/config"
	"github.com/fairyhunter13/soundsidecar/internal/service/pool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9092", mux); err != nil {
			slog.Error("feature worker metrics server error", slog.Any("error", err))
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

	slog.Info("starting feature worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	dbPool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbPool.Close()

	queue, err := redisadapter.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close redis adapter", slog.Any("error", err))
		}
	}()

	tracks := postgres.NewTrackRepo(dbPool)
	embeddings := postgres.NewEmbeddingRepo(dbPool)
	failures := postgres.NewFailureRepo(dbPool)

	analyzer := model.NewHTTPAnalyzer(os.Getenv("ANALYZER_SIDECAR_URL"), cfg.UpstreamReadTimeout)
	notifier := notify.NewHTTPNotifier(cfg.FailureNotifyURL)

	worker := pool.New(pool.Deps{
		Queue:      queue,
		Tracks:     tracks,
		Embeddings: embeddings,
		Failures:   failures,
		Analyzer:   analyzer,
		Heartbeat:  queue,
		Control:    queue,
		Notifier:   notifier,

		MountRoot:       cfg.MountRoot,
		QueueName:       fmt.Sprintf("%s:analysis:queue", cfg.QueuePrefix),
		ControlChannel:  fmt.Sprintf("%s:analysis:control", cfg.QueuePrefix),
		HeartbeatKey:    fmt.Sprintf("%s:feature-worker:heartbeat", cfg.QueuePrefix),
		AnalyzerVersion: cfg.ModelVersion,

		MinWorkers:     cfg.MinPoolWorkers,
		MaxWorkers:     cfg.MaxPoolWorkers,
		InitialWorkers: cfg.MinPoolWorkers,

		BatchSize:          cfg.BatchSize,
		BatchTimeout:       cfg.BatchTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		IdleShutdownCycles: cfg.IdleShutdownCycles,
		SleepInterval:      cfg.SleepInterval,
		MaxRetries:         cfg.MaxRetries,
		StalenessWindow:    cfg.StalenessWindow,
		ResizeDebounce:     cfg.ResizeDebounce,
		MinAudioSeconds:    5,
		AudioWindowSeconds: cfg.AudioWindowSeconds,
	})

	runCtx, cancel := context.WithCancel(ctx)
	go worker.Run(runCtx)

	slog.Info("feature worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	slog.Info("feature worker stopped")
}
