// Package dispatch routes decoded messages: a static type-tag → handler
// map, built at startup and immutable thereafter, enforcing each
// handler's authentication prerequisite before invoking it.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ironrealm/mmoserver/internal/protocol"
	"github.com/ironrealm/mmoserver/internal/session"
)

// Handler processes one decoded message for the originating session.
type Handler func(ctx context.Context, s *session.Session, env protocol.Envelope) error

type entry struct {
	handler      Handler
	requiresAuth bool
}

// Dispatcher holds the immutable tag → handler registration. Registration
// happens once at startup; Dispatch is read-only and safe for concurrent
// use across every session's goroutine.
type Dispatcher struct {
	handlers map[protocol.Tag]entry
}

// New creates an empty Dispatcher. Call Register for each supported tag
// before serving any connection — registration is not safe to interleave
// with concurrent Dispatch calls.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.Tag]entry)}
}

// Register binds tag to handler. requiresAuth marks handlers that may only
// run against an Authenticated session.
func (d *Dispatcher) Register(tag protocol.Tag, requiresAuth bool, handler Handler) {
	d.handlers[tag] = entry{handler: handler, requiresAuth: requiresAuth}
}

// Dispatch routes env to its registered handler. A
// handler that requires authentication is dropped (with an audit log, not
// a disconnect) when the session isn't Authenticated — the client may be
// mid-flight from re-authenticating, and a single out-of-order packet
// should not be fatal. Unknown tags are logged at debug and otherwise
// ignored, matching the codec's pass-through contract for UnknownType.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, env protocol.Envelope) error {
	e, ok := d.handlers[env.Tag]
	if !ok {
		slog.Debug("dispatch: unknown message tag", "tag", env.Tag, "session", s.ID())
		return nil
	}

	if e.requiresAuth && s.State() != session.StateAuthenticated {
		slog.Warn("dispatch: dropped handler requiring auth",
			"tag", env.Tag, "session", s.ID(), "state", s.State())
		return nil
	}

	if err := e.handler(ctx, s, env); err != nil {
		return fmt.Errorf("dispatch: handling tag %d: %w", env.Tag, err)
	}
	return nil
}
