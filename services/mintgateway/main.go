package mintgateway

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"spatters/observability/logging"
	telemetry "spatters/observability/otel"
)

// Main initialises and runs the mint gateway.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to mint-gateway TOML configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var fileOpts *logging.FileOptions
	if cfg.Log.File != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.SetupWithFile(serviceName, cfg.Environment, fileOpts)
	logger.Info("mint-gateway configuration loaded", cfg.LogAttrs()...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(serviceName, cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var store *Store
	if cfg.DatabaseURL != "" {
		store, err = OpenStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open consent store: %w", err)
		}
		defer store.Close()
	} else {
		logger.Warn("database url not configured; consent is validated but not stored")
	}

	var limiter Limiter
	if cfg.RedisURL != "" {
		redisLimiter, client, err := NewRedisLimiter(cfg.RedisURL, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		limiter = redisLimiter
	} else {
		limiter = NewLocalLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	}

	var dispatcher GenerationDispatcher
	if cfg.Dispatch.URL != "" {
		dispatcher = NewDispatcher(cfg.Dispatch)
	} else {
		logger.Warn("dispatch url not configured; generation triggers will fail")
	}

	server := NewServer(ServerConfig{
		Store:       store,
		Limiter:     limiter,
		Dispatcher:  dispatcher,
		RPC:         cfg.RPC,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("mint-gateway listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
