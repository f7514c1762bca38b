package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	PresenceNone  = "none"
	PresenceRedis = "redis"
)

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode             string
	PushPort            string
	MaxBodyBytes        int64
	WebSocketPort       string
	WebSocketPath       string
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	PongWait            time.Duration
	MaxMessageSize      int64
	AllowedOrigins      []string
	EvictSuperseded     bool
	ChatterLogPerSecond float64
	ChatterLogBurst     int
	PresenceCache       YamlPresenceCacheConfig
	ShutdownTimeout     time.Duration
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if port := os.Getenv("PUSH_PORT"); port != "" {
		logger.Debug("Overriding config value", "key", "PUSH_PORT", "source", "env")
		cfg.PushPort = port
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug("Overriding config value", "key", "WEBSOCKET_PORT", "source", "env")
		cfg.WebSocketPort = port
	}
	if path := os.Getenv("WEBSOCKET_PATH"); path != "" {
		logger.Debug("Overriding config value", "key", "WEBSOCKET_PATH", "source", "env")
		cfg.WebSocketPath = path
	}
	if raw := os.Getenv("WS_WRITE_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT %q: %w", raw, err)
		}
		logger.Debug("Overriding config value", "key", "WS_WRITE_TIMEOUT", "source", "env")
		cfg.WriteTimeout = d
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		logger.Debug("Overriding config value", "key", "ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.AllowedOrigins = cleanOrigins
	}
	if raw := os.Getenv("EVICT_SUPERSEDED"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid EVICT_SUPERSEDED %q: %w", raw, err)
		}
		logger.Debug("Overriding config value", "key", "EVICT_SUPERSEDED", "source", "env")
		cfg.EvictSuperseded = v
	}
	if presenceType := os.Getenv("PRESENCE_TYPE"); presenceType != "" {
		logger.Debug("Overriding config value", "key", "PRESENCE_TYPE", "source", "env")
		cfg.PresenceCache.Type = presenceType
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug("Overriding config value", "key", "REDIS_ADDR", "source", "env")
		cfg.PresenceCache.Redis.Addr = redisAddr
	}

	// 2. Final Validation
	if cfg.PushPort == "" {
		logger.Error("Final config validation failed", "error", "PUSH_PORT is not set")
		return nil, fmt.Errorf("PUSH_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		logger.Error("Final config validation failed", "error", "WEBSOCKET_PORT is not set")
		return nil, fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if cfg.PushPort == cfg.WebSocketPort {
		return nil, fmt.Errorf("push and websocket ports must differ, both are %s", cfg.PushPort)
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/"
	}
	if !strings.HasPrefix(cfg.WebSocketPath, "/") {
		return nil, fmt.Errorf("websocket path %q must start with '/'", cfg.WebSocketPath)
	}
	if cfg.PingInterval > 0 && cfg.PongWait > 0 && cfg.PingInterval >= cfg.PongWait {
		return nil, fmt.Errorf("ping_interval (%s) must be shorter than pong_wait (%s)", cfg.PingInterval, cfg.PongWait)
	}

	switch strings.ToLower(cfg.PresenceCache.Type) {
	case "", PresenceNone:
		cfg.PresenceCache.Type = PresenceNone
	case PresenceRedis:
		cfg.PresenceCache.Type = PresenceRedis
		if cfg.PresenceCache.Redis.Addr == "" {
			logger.Error("Final config validation failed", "error", "REDIS_ADDR is not set")
			return nil, fmt.Errorf("REDIS_ADDR is not set but presence cache type is redis")
		}
	default:
		return nil, fmt.Errorf("unknown presence cache type %q", cfg.PresenceCache.Type)
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
