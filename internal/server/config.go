package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"10"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the relay settings. Zero or negative values are replaced by
// defaults when the server is built.
type Config struct {
	Port           string   `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RateLimit      RateLimitConfig

	// IdleTimeout is the read deadline; pings go out at 9/10 of it.
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	VerifyTimeout   time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// CredentialParam names the query parameter carrying the credential.
	CredentialParam string `env:"CREDENTIAL_PARAM" envDefault:"token"`
}

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 10
	defaultRefillInterval  = time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultSendBufferSize  = 256
	defaultVerifyTimeout   = 10 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultCredentialParam = "token"
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		IdleTimeout:     defaultIdleTimeout,
		WriteTimeout:    defaultWriteTimeout,
		SendBufferSize:  defaultSendBufferSize,
		VerifyTimeout:   defaultVerifyTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		CredentialParam: defaultCredentialParam,
	}
}

// NewConfigFromEnv creates a Config from environment variables, falling back to
// defaults for anything unset.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = defaultPort
	} else if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}

	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.CredentialParam = strings.TrimSpace(cfg.CredentialParam)
	if cfg.CredentialParam == "" {
		cfg.CredentialParam = defaultCredentialParam
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// pingPeriod returns how often the write pump pings an idle peer.
func (c Config) pingPeriod() time.Duration {
	return c.IdleTimeout * 9 / 10
}
