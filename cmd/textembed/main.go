// Package main provides the text-embed responder application entry point.
// It answers real-time text-embedding requests over a Redis Streams
// consumer group.
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
	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	redisadapter "github.com/fairyhunter13/soundsidecar/internal/adapter/queue/redis"
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
		if err := http.ListenAndServe(":9091", mux); err != nil {
			slog.Error("text embed responder metrics server error", slog.Any("error", err))
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

	slog.Info("starting text embed responder", slog.String("env", cfg.AppEnv))

	streams, err := redisadapter.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := streams.Close(); err != nil {
			slog.Error("failed to close redis adapter", slog.Any("error", err))
		}
	}()

	scorerEndpoint := os.Getenv("MODEL_SIDECAR_URL")
	handle := model.New(func() model.Scorer {
		return model.NewHTTPScorer(scorerEndpoint, cfg.UpstreamReadTimeout)
	}, cfg.ModelVersion)

	responder := usecase.NewTextEmbedResponder(usecase.TextEmbedResponderDeps{
		Streams:         streams,
		Model:           handle,
		Stream:          fmt.Sprintf("%s:text:embed:requests", cfg.QueuePrefix),
		Group:           "text-embed-responders",
		ConsumerPrefix:  cfg.ConsumerPrefix,
		ClaimIdle:       durationFromMillis(cfg.ClaimIdleMs),
		AutoClaimPeriod: cfg.AutoClaimPeriod,
		ResponseTTL:     cfg.ResponseTTL,
		ResponsePrefix:  fmt.Sprintf("%s:text:embed:response:", cfg.QueuePrefix),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go responder.Run(ctx)

	slog.Info("text embed responder started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	slog.Info("text embed responder stopped")
}

func durationFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
