// Package auth resolves handshake tokens to player identities. The gateway
// never issues credentials; it only verifies tokens minted by the account
// service that shares the HS256 secret.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Claims captures the subset of token claims the gateway acts on.
type Claims struct {
	// Subject is the authenticated player identifier.
	Subject string
	// CSRFToken, when present, becomes the expected token for every inbound
	// frame on the session's connections.
	CSRFToken string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// TokenVerifier resolves a bearer token to the player identity it was minted for.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	CSRFToken string `json:"csrf,omitempty"`
}

// HS256Verifier validates compact JWTs signed with the shared gateway secret.
type HS256Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
	leeway time.Duration
}

// VerifierOption customises verifier construction.
type VerifierOption func(*HS256Verifier)

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) VerifierOption {
	return func(v *HS256Verifier) {
		if clock != nil {
			v.now = clock
		}
	}
}

// WithLeeway widens the accepted expiry window to tolerate clock skew.
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *HS256Verifier) {
		if leeway >= 0 {
			v.leeway = leeway
		}
	}
}

// NewHS256Verifier constructs a verifier for the supplied shared secret. The
// issuer is optional; when set, tokens minted by any other issuer are rejected.
func NewHS256Verifier(secret, issuer string, opts ...VerifierOption) (*HS256Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret must not be empty")
	}
	verifier := &HS256Verifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
		leeway: 2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier, nil
}

// Verify parses the token, checks the signature and expiry, and returns the claims.
func (v *HS256Verifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	resolved := &Claims{
		Subject:   claims.Subject,
		CSRFToken: strings.TrimSpace(claims.CSRFToken),
	}
	if claims.ExpiresAt != nil {
		resolved.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		resolved.IssuedAt = claims.IssuedAt.Time
	}
	return resolved, nil
}
