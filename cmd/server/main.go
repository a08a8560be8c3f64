// Media Store Server
//
// Features:
// - Tiered uploads (B2, hosting sidecar, S3, local disk)
// - Replicated uploads with visibility
// - Same-origin media and B2 proxy routes
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/api"
	"github.com/fruitsalade/mediastore/internal/config"
	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/provenance"
	"github.com/fruitsalade/mediastore/internal/storage/factory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("media store starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov, closeProv, err := provenance.Open(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("failed to open provenance store", zap.Error(err))
	}
	defer closeProv()

	media, err := factory.Build(cfg, prov)
	if err != nil {
		logging.Fatal("failed to build storage", zap.Error(err))
	}

	srv := api.NewServer(media, cfg.MaxUploadSize)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
		}
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-ctx.Done()
}
