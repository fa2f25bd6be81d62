// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	defaultPort            = "8080"
	defaultAllowedOrigins  = "http://localhost:5173,http://localhost:3000"
	defaultMaxMessageSize  = 1 << 20
	defaultRateLimitBurst  = 0
	defaultRefillInterval  = time.Second
	defaultPingInterval    = 54 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultSendBuffer      = 256
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A zero Burst disables the limiter.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay settings. It is built once at startup and treated
// as immutable afterwards.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	ShutdownTimeout time.Duration
	LogLevel        string
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := Config{
		Port:           ":" + defaultPort,
		AllowedOrigins: parseOrigins(defaultAllowedOrigins),
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateLimitBurst,
			RefillInterval: defaultRefillInterval,
		},
		PingInterval:    defaultPingInterval,
		PongWait:        defaultPongWait,
		WriteWait:       defaultWriteWait,
		SendBuffer:      defaultSendBuffer,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        "info",
	}
	return &cfg
}

// NewConfigFromEnv resolves the configuration from environment variables
// through viper. Unset variables fall back to defaults and non-positive
// numeric values are replaced by their default.
func NewConfigFromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", defaultPort)
	v.SetDefault("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins)
	v.SetDefault("MAX_MESSAGE_SIZE", defaultMaxMessageSize)
	v.SetDefault("RATE_LIMIT_BURST", defaultRateLimitBurst)
	v.SetDefault("RATE_LIMIT_REFILL_INTERVAL", int(defaultRefillInterval/time.Second))
	v.SetDefault("PING_INTERVAL", defaultPingInterval.String())
	v.SetDefault("PONG_WAIT", defaultPongWait.String())
	v.SetDefault("WRITE_WAIT", defaultWriteWait.String())
	v.SetDefault("SEND_BUFFER", defaultSendBuffer)
	v.SetDefault("SHUTDOWN_TIMEOUT", defaultShutdownTimeout.String())
	v.SetDefault("LOG_LEVEL", "info")

	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (*Config, error) {
	port, err := parsePort(v.GetString("PORT"))
	if err != nil {
		return nil, errors.Wrap(err, "load PORT")
	}

	cfg := Config{
		Port:           port,
		AllowedOrigins: parseOrigins(v.GetString("CORS_ALLOWED_ORIGINS")),
		MaxMessageSize: v.GetInt64("MAX_MESSAGE_SIZE"),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt("RATE_LIMIT_BURST"),
			RefillInterval: time.Duration(v.GetInt("RATE_LIMIT_REFILL_INTERVAL")) * time.Second,
		},
		PingInterval:    v.GetDuration("PING_INTERVAL"),
		PongWait:        v.GetDuration("PONG_WAIT"),
		WriteWait:       v.GetDuration("WRITE_WAIT"),
		SendBuffer:      v.GetInt("SEND_BUFFER"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		LogLevel:        v.GetString("LOG_LEVEL"),
	}

	sanitized := sanitizeConfig(cfg)
	return &sanitized, nil
}

func sanitizeConfig(cfg Config) Config {
	defaults := NewConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}

	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}

	// Pings must go out before the peer's read deadline lapses.
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}

	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// parsePort accepts "8080", ":8080" or "host:8080" and returns a listen address.
func parsePort(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ":" + defaultPort, nil
	}

	addr := trimmed
	if !strings.Contains(trimmed, ":") {
		addr = ":" + trimmed
	}

	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errors.Wrapf(err, "invalid port %q", value)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", errors.Errorf("invalid port %q", value)
	}
	return addr, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
