package config

import (
	"log/slog"
	"time"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlPresenceCacheConfig struct {
	Type      string          `yaml:"type"` // "none" or "redis"
	KeyPrefix string          `yaml:"key_prefix"`
	TTL       time.Duration   `yaml:"ttl"`
	Redis     YamlRedisConfig `yaml:"redis"`
}

type YamlPushConfig struct {
	Port         string `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type YamlWebSocketConfig struct {
	Port                string        `yaml:"port"`
	Path                string        `yaml:"path"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	PongWait            time.Duration `yaml:"pong_wait"`
	MaxMessageSize      int64         `yaml:"max_message_size"`
	AllowedOrigins      []string      `yaml:"allowed_origins"`
	EvictSuperseded     bool          `yaml:"evict_superseded"`
	ChatterLogPerSecond float64       `yaml:"chatter_log_per_second"`
	ChatterLogBurst     int           `yaml:"chatter_log_burst"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode         string                  `yaml:"run_mode"`
	Push            YamlPushConfig          `yaml:"push"`
	WebSocket       YamlWebSocketConfig     `yaml:"websocket"`
	PresenceCache   YamlPresenceCacheConfig `yaml:"presence_cache"`
	ShutdownTimeout time.Duration           `yaml:"shutdown_timeout"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Stage 1 complete: The AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		RunMode:             yamlCfg.RunMode,
		PushPort:            yamlCfg.Push.Port,
		MaxBodyBytes:        yamlCfg.Push.MaxBodyBytes,
		WebSocketPort:       yamlCfg.WebSocket.Port,
		WebSocketPath:       yamlCfg.WebSocket.Path,
		WriteTimeout:        yamlCfg.WebSocket.WriteTimeout,
		PingInterval:        yamlCfg.WebSocket.PingInterval,
		PongWait:            yamlCfg.WebSocket.PongWait,
		MaxMessageSize:      yamlCfg.WebSocket.MaxMessageSize,
		AllowedOrigins:      yamlCfg.WebSocket.AllowedOrigins,
		EvictSuperseded:     yamlCfg.WebSocket.EvictSuperseded,
		ChatterLogPerSecond: yamlCfg.WebSocket.ChatterLogPerSecond,
		ChatterLogBurst:     yamlCfg.WebSocket.ChatterLogBurst,
		PresenceCache:       yamlCfg.PresenceCache,
		ShutdownTimeout:     yamlCfg.ShutdownTimeout,
	}

	logger.Debug("YAML config mapping complete",
		"run_mode", appCfg.RunMode,
		"push_port", appCfg.PushPort,
		"websocket_port", appCfg.WebSocketPort,
		"websocket_path", appCfg.WebSocketPath,
		"presence_cache_type", appCfg.PresenceCache.Type,
	)

	return appCfg, nil
}
