package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// JWTVerifier validates HMAC-signed JWTs.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	audience  string
	userClaim string
	now       func() time.Time
}

// NewJWTVerifier creates a verifier for tokens signed with cfg.JWTSecret.
func NewJWTVerifier(cfg Config) *JWTVerifier {
	cfg = cfg.normalized()
	return &JWTVerifier{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		userClaim: cfg.UserClaim,
		now:       time.Now,
	}
}

// Verify parses the token, checks signature, expiry, issuer and audience, and
// returns the user claim.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrInvalidCredential
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(hmacMethods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredCredential
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	userID, _ := claims[v.userClaim].(string)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: missing %q claim", ErrInvalidCredential, v.userClaim)
	}
	return userID, nil
}

// Enabled reports true.
func (v *JWTVerifier) Enabled() bool {
	return true
}

// IssueToken signs an HS256 token for userID that JWTVerifier built from the
// same cfg accepts until ttl elapses.
func IssueToken(cfg Config, userID string, ttl time.Duration) (string, error) {
	cfg = cfg.normalized()
	if !cfg.Configured() {
		return "", errors.New("AUTH_JWT_SECRET is required to issue tokens")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": jwt.NewNumericDate(now),
		"nbf": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
	}
	claims[cfg.UserClaim] = userID
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}
