package server

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultPort           = ":3000"
	defaultMaxMessageSize = 4096
	defaultBurst          = 10
	defaultRefillInterval = time.Second
	defaultUploadDir      = "uploads"
	defaultMaxUploadBytes = 10 << 20
	defaultLogLevel       = "INFO"
	defaultShutdown       = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the relay settings.
type Config struct {
	Port            string   `env:"SERVER_PORT"`
	AllowedOrigins  []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize  int64    `env:"MAX_MESSAGE_SIZE"`
	RateLimit       RateLimitConfig
	UploadDir       string        `env:"UPLOAD_DIR"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES"`
	LogLevel        string        `env:"LOG_LEVEL"`
	AdminToken      string        `env:"ADMIN_TOKEN"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		UploadDir:       defaultUploadDir,
		MaxUploadBytes:  defaultMaxUploadBytes,
		LogLevel:        defaultLogLevel,
		ShutdownTimeout: defaultShutdown,
	}
}

// LoadConfig reads a .env file when present, then overlays environment
// variables on the defaults.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := NewConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg.Sanitize(), nil
}

// Sanitize replaces unusable values with defaults.
func (c Config) Sanitize() Config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRefillInterval
	}
	if c.UploadDir == "" {
		c.UploadDir = defaultUploadDir
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdown
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}
