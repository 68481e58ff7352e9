// Package main is the entry point for the modelmux routing daemon: it loads
// the configuration, assembles the orchestrator, registers the configured
// models, and serves Prometheus metrics until shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/modelmux"
	"github.com/blueberrycongee/modelmux/caches"
	"github.com/blueberrycongee/modelmux/caches/redis"
	"github.com/blueberrycongee/modelmux/internal/config"
	"github.com/blueberrycongee/modelmux/internal/observability"
	"github.com/blueberrycongee/modelmux/loaders/mock"
	"github.com/blueberrycongee/modelmux/loaders/openailike"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the metrics endpoint")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, nil)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger.Slog())

	logger.Info("starting modelmux", "version", modelmux.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer cfgManager.Close()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	responseCache, err := caches.New(caches.Config{
		Type: caches.Type(cfg.Cache.Type),
		Redis: redis.Config{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			Namespace: cfg.Cache.Redis.Namespace,
		},
	})
	if err != nil {
		logger.Error("failed to initialize response cache", "error", err)
		os.Exit(1)
	}
	defer responseCache.Close()

	opts := []modelmux.Option{
		modelmux.FromConfig(cfg),
		modelmux.WithCache(responseCache),
		modelmux.WithLogger(logger.Slog()),
		modelmux.WithTracer(tp.Tracer()),
		modelmux.WithLoader(mock.NewLoader()),
		modelmux.WithLoader(openailike.NewLoader(openailike.Config{
			APIKey: os.Getenv("MODELMUX_API_KEY"),
		})),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, modelmux.WithMetrics())
	}

	mux, err := modelmux.New(opts...)
	if err != nil {
		logger.Error("failed to assemble orchestrator", "error", err)
		os.Exit(1)
	}

	for _, mc := range cfg.Models {
		_, err := mux.Registry().Load(ctx, model.Spec{
			ID:      mc.ID,
			Source:  mc.Source,
			Format:  types.Format(mc.Format),
			Options: mc.Options,
		})
		if err != nil {
			logger.Error("failed to register model", "model_id", mc.ID, "error", err)
			continue
		}
		logger.Info("model registered", "model_id", mc.ID, "format", mc.Format)
	}

	mux.Start()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		httpMux := http.NewServeMux()
		httpMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: httpMux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", *metricsAddr, "path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	if err := mux.Close(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", "error", err)
	}
}
