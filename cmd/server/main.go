package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"archivestream/searchservice/internal/app"
	"archivestream/searchservice/internal/metrics"
	"archivestream/searchservice/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	cfg := app.LoadConfig()
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "archive-search")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "archive-search"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("archiveBaseURL", cfg.ArchiveBaseURL),
		slog.Bool("hasMongo", cfg.MongoURI != ""),
		slog.Bool("hasRedis", cfg.RedisURL != ""),
		slog.Int("staticProxies", len(cfg.ProxyAddresses)),
		slog.Duration("fetchTimeout", cfg.FetchTimeout),
		slog.Int("fetchRetries", cfg.FetchRetries),
		slog.Duration("cacheFreshTTL", cfg.CacheFreshTTL),
		slog.Duration("cacheStaleTTL", cfg.CacheStaleTTL),
		slog.String("mediaCacheDir", cfg.MediaCacheDir),
		slog.Bool("localizeOnPlay", cfg.LocalizeOnPlay),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rt.Start(rootCtx)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /stream relays whole audio files; a write deadline would cut long tracks.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("archive search service started", slog.String("addr", cfg.HTTPAddr))

	exitCode := 0
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	rt.Close(shutdownCtx)
	logger.Info("archive search service stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
