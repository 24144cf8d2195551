package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"stormfell/gateway/internal/auth"
	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/session"
)

// handshakeAuthenticator resolves a bearer credential into verified claims.
type handshakeAuthenticator interface {
	Authenticate(token string) (auth.Claims, error)
}

type jwtAuthenticator struct {
	verifier auth.TokenVerifier
}

func newJWTAuthenticator(secret, issuer string) (*jwtAuthenticator, error) {
	verifier, err := auth.NewHS256Verifier(secret, issuer)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{verifier: verifier}, nil
}

func (a *jwtAuthenticator) Authenticate(token string) (auth.Claims, error) {
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return auth.Claims{}, err
	}
	return *claims, nil
}

// anonymousAuthenticator trusts the caller's claimed identity. It exists only
// for local development behind GATEWAY_ALLOW_ANONYMOUS.
type anonymousAuthenticator struct{}

func (anonymousAuthenticator) Authenticate(string) (auth.Claims, error) {
	return auth.Claims{}, nil
}

// handshakeError carries the HTTP status to report before any protocol
// upgrade happens.
type handshakeError struct {
	status  int
	message string
}

func (e *handshakeError) Error() string { return e.message }

// bearerToken extracts the credential from the auth_token query parameter or
// the Authorization header. Browser EventSource cannot set headers, so the
// query form is first-class for the push stream.
func bearerToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("auth_token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}

// authenticateHandshake validates the pre-upgrade request and produces the
// session identity shared by both transports.
func (g *Gateway) authenticateHandshake(r *http.Request) (session.Identity, error) {
	//1.- Shed handshake floods before touching the verifier.
	if !g.handshakes.Allow() {
		return session.Identity{}, &handshakeError{status: http.StatusTooManyRequests, message: "handshake rate exceeded"}
	}

	//2.- The caller names the player it wants to act as.
	playerID := strings.TrimSpace(r.URL.Query().Get("player_id"))
	if playerID == "" {
		return session.Identity{}, &handshakeError{status: http.StatusBadRequest, message: "player_id query parameter required"}
	}

	//3.- Verify the credential and bind it to the claimed identity.
	claims, err := g.authlr.Authenticate(bearerToken(r))
	if err != nil {
		return session.Identity{}, &handshakeError{status: http.StatusUnauthorized, message: fmt.Sprintf("authentication failed: %v", err)}
	}
	if claims.Subject != "" && claims.Subject != playerID {
		return session.Identity{}, &handshakeError{status: http.StatusForbidden, message: "token subject does not match player_id"}
	}
	if claims.CSRFToken == "" && !g.cfg.AllowUnverifiedCSRF && !g.cfg.AllowAnonymous {
		return session.Identity{}, &handshakeError{status: http.StatusForbidden, message: "credential carries no csrf binding"}
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return session.Identity{
		PlayerID:  playerID,
		SessionID: sessionID,
		CSRFToken: claims.CSRFToken,
	}, nil
}

// rejectHandshake reports a pre-upgrade failure over plain HTTP.
func rejectHandshake(w http.ResponseWriter, log *logging.Logger, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "handshake failed"
	var hsErr *handshakeError
	if errors.As(err, &hsErr) {
		status = hsErr.status
		message = hsErr.message
	}
	log.Warn("handshake rejected",
		logging.String("remote", r.RemoteAddr),
		logging.String("path", r.URL.Path),
		logging.Int("status", status),
		logging.String("reason", message),
	)
	http.Error(w, message, status)
}
