package session

import "errors"

// Transport errors. All are terminal:
// the session transitions to Disconnecting carrying the error as the
// termination cause observed by the registry.
var (
	ErrHandshakeFailed = errors.New("session: handshake failed")
	ErrReadFailed      = errors.New("session: read failed")
	ErrWriteFailed     = errors.New("session: write failed")
	ErrIdleTimeout     = errors.New("session: idle timeout")
	ErrSlowConsumer    = errors.New("session: slow consumer")
	ErrClosed          = errors.New("session: closed")
)
