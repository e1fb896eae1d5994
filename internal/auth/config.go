// Package auth verifies the credential a chat client presents when it opens a
// connection and turns it into a stable user identifier.
package auth

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// DefaultUserClaim is the JWT claim read as the user identifier.
const DefaultUserClaim = "sub"

// Config selects and parameterizes the identity verifier.
//
// An empty JWTSecret means verification is not configured and NewVerifier
// falls back to the demo verifier.
type Config struct {
	JWTSecret string `env:"AUTH_JWT_SECRET"`
	Issuer    string `env:"AUTH_JWT_ISSUER"`
	Audience  string `env:"AUTH_JWT_AUDIENCE"`
	UserClaim string `env:"AUTH_USER_CLAIM" envDefault:"sub"`
}

// LoadConfigFromEnv reads verifier configuration from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse auth env: %w", err)
	}
	return cfg.normalized(), nil
}

// Configured reports whether a real verification backend is set up.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

func (c Config) normalized() Config {
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Audience = strings.TrimSpace(c.Audience)
	c.UserClaim = strings.TrimSpace(c.UserClaim)
	if c.UserClaim == "" {
		c.UserClaim = DefaultUserClaim
	}
	return c
}
