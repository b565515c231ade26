// Package auth implements the Login, Logout, and Heartbeat handlers,
// stateless apart from their rate-gate collaborator and references to an
// external credential verifier and token issuer. The credential check
// itself is delegated to the injected verifier rather than baked into the
// handler, so the core never touches a credential store directly.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironrealm/mmoserver/internal/ratelimit"
	"github.com/ironrealm/mmoserver/internal/registry"
	"github.com/ironrealm/mmoserver/internal/session"
)

// CredentialVerifier is the external collaborator that checks a
// pre-hashed credential and resolves a player id.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, credential string) (playerID uint64, banned bool, err error)
}

// TokenIssuer mints and invalidates session tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, playerID uint64) (token string, err error)
	Invalidate(ctx context.Context, token string) error
}

// ServerListEntry is one entry of the server list returned on successful login.
type ServerListEntry struct {
	ID   int
	Host string
	Port int
}

// Subsystem wires the Security Gate and the two external collaborators
// into the three handlers. It holds no per-client state of its own.
type Subsystem struct {
	gate       *ratelimit.Gate
	verifier   CredentialVerifier
	issuer     TokenIssuer
	registry   *registry.Registry
	serverList []ServerListEntry
}

// New creates a Subsystem.
func New(gate *ratelimit.Gate, verifier CredentialVerifier, issuer TokenIssuer, reg *registry.Registry, serverList []ServerListEntry) *Subsystem {
	return &Subsystem{gate: gate, verifier: verifier, issuer: issuer, registry: reg, serverList: serverList}
}

// LoginResult is returned to the caller for building the wire response.
type LoginResult struct {
	Token      string
	ServerList []ServerListEntry
}

// Login runs the three-step login flow: rate check, credential
// verification, token issuance. remoteIP keys the gate's login category.
// On success, the token and player id are bound to the session, the
// registry indexes the session by player id, and the session then moves
// to Authenticated. These are separate steps, not one atomic operation: a
// reader can observe the player id bound while the state is still
// Connected, but a session in Authenticated state always has its player
// id bound.
func (a *Subsystem) Login(ctx context.Context, s *session.Session, remoteIP, username, credential string) (LoginResult, error) {
	allowed, err := a.gate.Allow(ctx, ratelimit.CategoryLogin, remoteIP)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: rate gate: %w", err)
	}
	if !allowed {
		slog.Warn("login rate limited", "ip", remoteIP, "username", username)
		return LoginResult{}, ErrTooManyAttempts
	}

	playerID, banned, err := a.verifier.Verify(ctx, username, credential)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: verifying credential: %w", err)
	}
	if banned {
		slog.Warn("login rejected: banned", "username", username)
		return LoginResult{}, ErrBanned
	}
	if playerID == 0 {
		slog.Warn("login rejected: invalid credentials", "username", username, "ip", remoteIP)
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := a.issuer.Issue(ctx, playerID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: issuing token: %w", err)
	}

	s.SetToken(token)
	s.BindPlayer(playerID)
	a.registry.BindPlayer(s)
	s.SetState(session.StateAuthenticated)

	slog.Info("login success", "username", username, "player", playerID, "session", s.ID())
	return LoginResult{Token: token, ServerList: a.serverList}, nil
}

// Logout requires Authenticated, invalidates the token, and transitions
// the session to Disconnecting. The response is
// best-effort — the session is dropped regardless of whether invalidation
// succeeds.
func (a *Subsystem) Logout(ctx context.Context, s *session.Session) error {
	if s.State() != session.StateAuthenticated {
		return ErrNotAuthenticated
	}

	if err := a.issuer.Invalidate(ctx, s.Token()); err != nil {
		slog.Warn("logout: token invalidation failed", "session", s.ID(), "error", err)
	}
	s.SetState(session.StateDisconnecting)
	return nil
}

// HeartbeatResult is the response payload for a Heartbeat RPC.
type HeartbeatResult struct {
	ServerTime    time.Time
	OneWayLatency time.Duration
}

// Heartbeat is stateless: it echoes the server timestamp and the computed
// one-way latency from the client's timestamp.
func (a *Subsystem) Heartbeat(clientSentAt time.Time) HeartbeatResult {
	now, latency := session.Heartbeat(clientSentAt)
	return HeartbeatResult{ServerTime: now, OneWayLatency: latency}
}
