// Package main provides the streaming sidecar application entry point:
// per-user session registry, URL-extraction cache, rate-paced request
// governor, and byte-range proxy behind one HTTP surface.
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

	"github.com/fairyhunter13/soundsidecar/internal/adapter/catalog"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/httpserver"
	"github.com/fairyhunter13/soundsidecar/internal/adapter/observability"
	"github.com/fairyhunter13/soundsidecar/internal/config"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
	"github.com/fairyhunter13/soundsidecar/internal/service/governor"
	"github.com/fairyhunter13/soundsidecar/internal/service/proxy"
	"github.com/fairyhunter13/soundsidecar/internal/service/session"
	"github.com/fairyhunter13/soundsidecar/internal/service/urlcache"
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

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting stream proxy sidecar", slog.String("env", cfg.AppEnv))

	factory := catalog.NewFactory(cfg.CatalogBaseURL, cfg.CatalogClientID, cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout)
	sessions := session.New(factory)
	cache := urlcache.New(cfg.URLCacheTTL)
	sessions.OnInvalidate(cache.ClearUser)

	gov := governor.New(int64(cfg.GovernorConcurrency), cfg.ExtractJitterMin, cfg.ExtractJitterMax, cfg.BatchDelayMin, cfg.BatchDelayMax)

	authResolver := func(ctx domain.Context, userID, resourceID string, quality domain.StreamQuality) (domain.StreamURLInfo, error) {
		return session.RunWithRefresh(ctx, sessions, userID, func(c domain.CatalogClient) (domain.StreamURLInfo, error) {
			return c.GetStreamURL(ctx, resourceID, quality)
		})
	}
	publicResolver := func(ctx domain.Context, userID, resourceID string, quality domain.StreamQuality) (domain.StreamURLInfo, error) {
		client := factory.NewClient(domain.Credentials{})
		return client.GetStreamURL(ctx, resourceID, quality)
	}

	proxyAuth := proxy.New(authResolver, cache, gov, cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout)
	proxyPublic := proxy.New(publicResolver, cache, gov, cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout)

	srv := httpserver.NewServer(httpserver.Deps{
		Config:      cfg,
		Factory:     factory,
		Sessions:    sessions,
		Cache:       cache,
		Governor:    gov,
		ProxyAuth:   proxyAuth,
		ProxyPublic: proxyPublic,
	})

	router := httpserver.BuildRouter(cfg, srv)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("stream proxy http server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sweepTicker := time.NewTicker(cfg.GetMaintenanceTick())
	sweepDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-sweepTicker.C:
				cache.Sweep()
			case <-sweepDone:
				return
			}
		}
	}()

	slog.Info("stream proxy started successfully", slog.Int("port", cfg.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	sweepTicker.Stop()
	close(sweepDone)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
	slog.Info("stream proxy stopped")
}
