/*
File: cmd/notifygateway/main.go
Description: Main entrypoint for the notification gateway.
Handles config loading, dependency wiring, and starting the application.
*/
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tinywideclouds/go-notification-gateway/cmd"
	"github.com/tinywideclouds/go-notification-gateway/gatewayservice"
	"github.com/tinywideclouds/go-notification-gateway/gatewayservice/config"
	"github.com/tinywideclouds/go-notification-gateway/internal/app"
	"github.com/tinywideclouds/go-notification-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-notification-gateway/internal/metrics"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/presence"
	"github.com/tinywideclouds/go-notification-gateway/internal/realtime"
	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	// --- 1. Setup structured logging (slog) ---
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var logOut io.Writer = os.Stdout
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer rotator.Close()
		logOut = io.MultiWriter(os.Stdout, rotator)
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-notification-gateway")

	slog.SetDefault(logger)

	// --- 2. Load configuration (embedded YAML + env overrides) ---
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- 3. Create dependencies ---
	presenceCache, err := newPresenceCache(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize presence cache", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := presenceCache.Close(); err != nil {
			logger.Warn("Failed to close presence cache", "err", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gatewayMetrics := metrics.New(promRegistry)
	connRegistry := registry.New()

	// --- 4. Create the two main services ---
	connManager, err := realtime.NewConnectionManager(
		realtime.Config{
			ListenAddr:      ":" + cfg.WebSocketPort,
			Path:            cfg.WebSocketPath,
			WriteTimeout:    cfg.WriteTimeout,
			PingInterval:    cfg.PingInterval,
			PongWait:        cfg.PongWait,
			MaxMessageSize:  cfg.MaxMessageSize,
			AllowedOrigins:  cfg.AllowedOrigins,
			EvictSuperseded: cfg.EvictSuperseded,
			ChatterLogRate:  cfg.ChatterLogPerSecond,
			ChatterLogBurst: cfg.ChatterLogBurst,
		},
		connRegistry,
		presenceCache,
		gatewayMetrics,
		logger,
	)
	if err != nil {
		logger.Error("Failed to create Connection Manager", "err", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(connRegistry, gatewayMetrics, logger,
		dispatch.WithEvictor(connManager),
		dispatch.WithWriteTimeout(cfg.WriteTimeout),
	)

	pushService, err := gatewayservice.New(
		cfg,
		dispatcher,
		connRegistry,
		gatewayMetrics,
		promRegistry,
		logger.With("component", "PushService"),
	)
	if err != nil {
		logger.Error("Failed to create push service", "err", err)
		os.Exit(1)
	}

	// --- 5. Run the application ---
	app.Run(ctx, logger, cfg.ShutdownTimeout, pushService, connManager)
}

// newPresenceCache creates the pluggable presence mirror based on config.
func newPresenceCache(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (presence.Cache, error) {
	cacheType := cfg.PresenceCache.Type
	logger.Info("Initializing presence cache...", "type", cacheType)

	switch cacheType {
	case config.PresenceNone:
		return presence.NoopCache{}, nil

	case config.PresenceRedis:
		redisAddr := cfg.PresenceCache.Redis.Addr
		logger.Debug("Connecting to Redis presence cache", "addr", redisAddr)
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: cfg.PresenceCache.Redis.Password,
			DB:       cfg.PresenceCache.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			logger.Error("Failed to connect to redis presence cache", "addr", redisAddr, "err", err)
			return nil, fmt.Errorf("failed to connect to redis presence cache at %s: %w", redisAddr, err)
		}
		logger.Info("Connected to Redis presence cache", "addr", redisAddr)
		return presence.NewRedisCache(rdb, cfg.PresenceCache.KeyPrefix, cfg.PresenceCache.TTL, logger)

	default:
		return nil, fmt.Errorf("invalid presence_cache type: %s (must be 'none' or 'redis')", cacheType)
	}
}
