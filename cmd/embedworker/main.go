// Package main provides the embedding worker application entry point.
// The worker turns queued audio jobs into stored vector embeddings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/soundsidecar/internal/adapter/model"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/notify"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	redisadapter "github.com/fairyhunter13/soundsidecar/internal/adapter/queue/redis"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/soundsidecar/internal/config"
	"github.com/fairyhunter13/soundsidecar/internal/usecase"
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
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("embed worker metrics server error", slog.Any("error", err))
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

	slog.Info("starting embed worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	tracks := postgres.NewTrackRepo(pool)
	embeddings := postgres.NewEmbeddingRepo(pool)
	failures := postgres.NewFailureRepo(pool)

	scorerEndpoint := os.Getenv("MODEL_SIDECAR_URL")
	handle := model.New(func() model.Scorer {
		return model.NewHTTPScorer(scorerEndpoint, cfg.UpstreamReadTimeout)
	}, cfg.ModelVersion)

	notifier := notify.NewHTTPNotifier(cfg.FailureNotifyURL)

	worker := usecase.NewEmbedWorker(usecase.EmbedWorkerDeps{
		Queue:              queue,
		Heartbeat:          queue,
		Tracks:             tracks,
		Embeddings:         embeddings,
		Failures:           failures,
		Model:              handle,
		Notifier:           notifier,
		MountRoot:          cfg.MountRoot,
		QueueName:          fmt.Sprintf("%s:clap:queue", cfg.QueuePrefix),
		HeartbeatKey:       fmt.Sprintf("%s:worker:heartbeat", cfg.QueuePrefix),
		SleepInterval:      cfg.SleepInterval,
		MinAudioSeconds:    5,
		AudioWindowSeconds: cfg.AudioWindowSeconds,
	})

	go monitorModelIdle(ctx, handle, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	workers := cfg.EmbedWorkers
	if workers < 1 {
		workers = 1
	}
	// Parallel workers share one model handle; encode calls serialize on
	// its mutex while queue/database I/O overlaps.
	for i := 0; i < workers; i++ {
		go worker.Run(runCtx)
	}

	slog.Info("embed worker started successfully", slog.Int("workers", workers))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	slog.Info("embed worker stopped")
}

// monitorModelIdle unloads the model handle after it has sat idle past the
// configured timeout, returning its memory to the OS between bursts of work.
func monitorModelIdle(ctx context.Context, handle *model.Handle, cfg config.Config) {
	interval := cfg.ModelIdleTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if handle.Loaded() && handle.IdleSince() >= cfg.ModelIdleTimeout {
				handle.Unload()
			}
		}
	}
}
