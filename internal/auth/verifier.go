package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCredential is returned when a credential cannot be verified.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpiredCredential is returned when a credential was valid but has expired.
	ErrExpiredCredential = errors.New("credential has expired")
)

// Verifier exchanges an opaque credential for a stable user identifier.
//
// Verify may block; callers that must stay responsive run it on their own
// goroutine and cancel ctx when the result is no longer wanted.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
	// Enabled is false when verification is not enforced.
	Enabled() bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, credential string) (string, error)

// Verify calls f(ctx, credential).
func (f VerifierFunc) Verify(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

// Enabled always reports true.
func (f VerifierFunc) Enabled() bool {
	return true
}

// NewVerifier returns a JWT verifier when a secret is configured and the demo
// verifier otherwise.
func NewVerifier(cfg Config, logger *slog.Logger) Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalized()
	if !cfg.Configured() {
		logger.Warn("identity verification is not configured; accepting every credential as a demo user")
		return DemoVerifier{}
	}
	logger.Info("identity verification enabled", "issuer", cfg.Issuer, "audience", cfg.Audience, "claim", cfg.UserClaim)
	return NewJWTVerifier(cfg)
}

// DemoVerifier accepts any non-blank credential. The user id it returns is
// derived from the credential, so reconnecting with the same credential yields
// the same user.
type DemoVerifier struct{}

// Verify returns "demo-" followed by a name-based UUID of the credential.
func (DemoVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrInvalidCredential
	}
	return "demo-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(credential)).String(), nil
}

// Enabled reports false.
func (DemoVerifier) Enabled() bool {
	return false
}
