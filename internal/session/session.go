// Package session implements the per-connection state machine, encrypted
// transport, ordered send queue, and heartbeat: a TLS stream for the
// reliable control channel plus an optional UDP endpoint, learned on first
// datagram and bound to the session. Each session carries an
// internal/wirecrypt cipher that nothing keys, so datagrams are not masked.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironrealm/mmoserver/internal/wirecrypt"
)

// State is a session's position in the Connecting → Handshake → Connected
// → Authenticated → Disconnecting → Disconnected state machine. Transitions
// are mutually exclusive: SetState is a single atomic store, and the
// registry observes the value, never a half-updated intermediate.
type State int32

const (
	StateConnecting State = iota
	StateHandshake
	StateConnected
	StateAuthenticated
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config tunes the backpressure and liveness policy of a Session.
type Config struct {
	IdleTimeout      time.Duration // default 30s
	WriteTimeout     time.Duration
	SendQueueFrames  int // high-water mark, frame count (default 256)
	SendQueueBytes   int // high-water mark, total bytes (default 4 MiB)
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendQueueFrames: 256,
		SendQueueBytes:  4 << 20,
	}
}

// Session owns one TLS transport plus an optional learned UDP endpoint and
// presents an ordered, reliable bidirectional message channel upstream.
// Shared ownership: the registry holds the canonical reference; the
// dispatcher and pending handlers hold back-references by id and must
// re-resolve through the registry rather than caching a Session pointer
// across suspension points, so a disconnect is observed promptly.
type Session struct {
	id   uint32
	conn net.Conn
	cfg  Config

	state    atomic.Int32
	playerID atomic.Uint64 // 0 = unbound

	udpAddr atomic.Pointer[net.UDPAddr]
	cipher  *wirecrypt.Cipher

	inboundSeq  atomic.Uint32
	lastRecvAt  atomic.Int64 // unix nanoseconds
	lastLatency atomic.Int64 // nanoseconds, sampled by the heartbeat RPC

	sendCh      chan []byte
	queuedBytes atomic.Int64
	writePool   *BytePool

	closeCh    chan struct{}
	closeOnce  sync.Once
	closeCause atomic.Value // holds causeHolder

	mu    sync.Mutex
	token string
}

type causeHolder struct{ err error }

// New creates a Session wrapping conn, initially in StateConnecting.
func New(id uint32, conn net.Conn, writePool *BytePool, cfg Config) *Session {
	if cfg.SendQueueFrames <= 0 {
		cfg.SendQueueFrames = DefaultConfig().SendQueueFrames
	}
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = DefaultConfig().SendQueueBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}

	s := &Session{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		cipher:    wirecrypt.New(),
		sendCh:    make(chan []byte, cfg.SendQueueFrames),
		closeCh:   make(chan struct{}),
		writePool: writePool,
	}
	s.state.Store(int32(StateConnecting))
	s.lastRecvAt.Store(time.Now().UnixNano())
	return s
}

func (s *Session) ID() uint32        { return s.id }
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Session) Cipher() *wirecrypt.Cipher { return s.cipher }

// State returns the current state. Lock-free: hot path for auth gating.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState atomically publishes a new state. The caller is responsible for
// only calling this with legal transitions; session itself does not police
// the state graph (that is the dispatcher/auth subsystem's job) beyond the
// terminal Disconnected state, which SetState refuses to leave.
func (s *Session) SetState(next State) {
	if s.State() == StateDisconnected {
		return
	}
	s.state.Store(int32(next))
}

// PlayerID returns the bound player id, or 0 if the session is not yet
// Authenticated.
func (s *Session) PlayerID() uint64 { return s.playerID.Load() }

// BindPlayer associates playerID with the session. The auth subsystem
// calls it before SetState(StateAuthenticated), so a session observed as
// Authenticated always has its player id bound; the two are separate
// atomic stores, and a reader can see the id bound while the state is
// still Connected.
func (s *Session) BindPlayer(playerID uint64) { s.playerID.Store(playerID) }

// Token returns the bound auth token, if any.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken installs the auth token issued at login.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// UDPEndpoint returns the learned unreliable-channel endpoint, or nil.
func (s *Session) UDPEndpoint() *net.UDPAddr { return s.udpAddr.Load() }

// BindUDPEndpoint associates a UDP endpoint with the session on first
// datagram arrival. Session state stays single-authoritative across both
// channels; the endpoint is only an address binding.
func (s *Session) BindUDPEndpoint(addr *net.UDPAddr) { s.udpAddr.Store(addr) }

// Touch records inbound traffic, resetting the idle timer.
func (s *Session) Touch() { s.lastRecvAt.Store(time.Now().UnixNano()) }

// IdleFor returns how long it has been since the last inbound traffic.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastRecvAt.Load()))
}

// RecordLatency stores the one-way latency sampled by the heartbeat RPC.
func (s *Session) RecordLatency(d time.Duration) { s.lastLatency.Store(int64(d)) }

// Latency returns the most recent heartbeat-sampled one-way latency.
func (s *Session) Latency() time.Duration { return time.Duration(s.lastLatency.Load()) }

// NextInboundSeq validates and advances the per-session inbound sequence
// counter. Returns false if seq is a duplicate or
// a replay; the caller should drop the packet. It does not itself enforce
// the out-of-window-gap disconnect policy — the server's read loop judges
// the returned gap against its SequenceWindow constant.
func (s *Session) NextInboundSeq(seq uint32) (gap uint32, ok bool) {
	for {
		cur := s.inboundSeq.Load()
		if seq <= cur {
			return 0, false
		}
		if s.inboundSeq.CompareAndSwap(cur, seq) {
			return seq - cur - 1, true
		}
	}
}

// Send enqueues a frame for async, ordered delivery. unreliable marks the
// frame droppable under backpressure (e.g. movement updates) rather than
// triggering a SlowConsumer disconnect. Returns immediately; delivery is
// asynchronous via the writer goroutine started by Run.
func (s *Session) Send(frame []byte, unreliable bool) error {
	if s.State() >= StateDisconnecting {
		if s.writePool != nil {
			s.writePool.Put(frame)
		}
		return ErrClosed
	}

	if s.queuedBytes.Load()+int64(len(frame)) > int64(s.cfg.SendQueueBytes) {
		if unreliable {
			s.dropOldestUnreliable()
		} else {
			s.disconnect(ErrSlowConsumer)
			if s.writePool != nil {
				s.writePool.Put(frame)
			}
			return ErrSlowConsumer
		}
	}

	select {
	case s.sendCh <- frame:
		s.queuedBytes.Add(int64(len(frame)))
		return nil
	default:
		if unreliable {
			s.dropOldestUnreliable()
			select {
			case s.sendCh <- frame:
				s.queuedBytes.Add(int64(len(frame)))
				return nil
			default:
			}
		}
		s.disconnect(ErrSlowConsumer)
		if s.writePool != nil {
			s.writePool.Put(frame)
		}
		return ErrSlowConsumer
	}
}

// dropOldestUnreliable discards the head of the send queue to make room;
// unreliable frames are droppable under backpressure.
func (s *Session) dropOldestUnreliable() {
	select {
	case dropped := <-s.sendCh:
		s.queuedBytes.Add(-int64(len(dropped)))
		if s.writePool != nil {
			s.writePool.Put(dropped)
		}
	default:
	}
}

// Run starts the writer loop and blocks until the session is closed or ctx
// is cancelled. It writes frames serially, preserving per-session outbound
// order, batching queued frames with net.Buffers when more than one is
// ready.
func (s *Session) Run(ctx context.Context) {
	bufs := make(net.Buffers, 0, 64)
	poolBufs := make([][]byte, 0, 64)

	drain := func() {
		for {
			select {
			case pkt := <-s.sendCh:
				s.queuedBytes.Add(-int64(len(pkt)))
				if s.writePool != nil {
					s.writePool.Put(pkt)
				}
			default:
				return
			}
		}
	}
	defer drain()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case pkt := <-s.sendCh:
			s.queuedBytes.Add(-int64(len(pkt)))

			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.release(pkt)
				s.disconnect(fmt.Errorf("%w: %w", ErrWriteFailed, err))
				return
			}

			queued := len(s.sendCh)
			if queued == 0 {
				_, err := s.conn.Write(pkt)
				s.release(pkt)
				if err != nil {
					s.disconnect(fmt.Errorf("%w: %w", ErrWriteFailed, err))
					return
				}
				continue
			}

			bufs = append(bufs[:0], pkt)
			poolBufs = append(poolBufs[:0], pkt)
			for range queued {
				p := <-s.sendCh
				s.queuedBytes.Add(-int64(len(p)))
				bufs = append(bufs, p)
				poolBufs = append(poolBufs, p)
			}

			_, err := bufs.WriteTo(s.conn)
			for _, b := range poolBufs {
				s.release(b)
			}
			if err != nil {
				s.disconnect(fmt.Errorf("%w: %w", ErrWriteFailed, err))
				return
			}
		}
	}
}

func (s *Session) release(b []byte) {
	if s.writePool != nil {
		s.writePool.Put(b)
	}
}

// Disconnect transitions the session to Disconnecting then Disconnected,
// idempotently. Queued frames are discarded: anything still queued after
// a disconnect request is necessarily stale by the time it could be sent.
func (s *Session) Disconnect() error {
	s.disconnect(nil)
	return s.conn.Close()
}

func (s *Session) disconnect(cause error) {
	s.closeOnce.Do(func() {
		s.SetState(StateDisconnecting)
		if cause != nil {
			s.closeCause.Store(causeHolder{cause})
			slog.Warn("session disconnecting", "session", s.id, "cause", cause)
		}
		close(s.closeCh)
		s.state.Store(int32(StateDisconnected))
	})
}

// DisconnectCause returns the error that caused termination, if any.
func (s *Session) DisconnectCause() error {
	v, _ := s.closeCause.Load().(causeHolder)
	return v.err
}

// WatchIdle runs until ctx is cancelled or the session has been idle
// longer than cfg.IdleTimeout, at which point it disconnects with
// ErrIdleTimeout. Intended to run as its own goroutine alongside Run.
func (s *Session) WatchIdle(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-ticker.C:
			if s.IdleFor() > s.cfg.IdleTimeout {
				s.disconnect(ErrIdleTimeout)
				return
			}
		}
	}
}

// Heartbeat computes the server's echoed timestamp and the one-way
// latency implied by clientSentAt.
func Heartbeat(clientSentAt time.Time) (serverNow time.Time, oneWayLatency time.Duration) {
	now := time.Now()
	latency := now.Sub(clientSentAt)
	if latency < 0 {
		latency = 0
	}
	return now, latency
}

// IsTerminal reports whether err denotes a condition that must end the
// session rather than surface as a typed in-band response.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrReadFailed) || errors.Is(err, ErrWriteFailed) ||
		errors.Is(err, ErrIdleTimeout) || errors.Is(err, ErrSlowConsumer) ||
		errors.Is(err, ErrHandshakeFailed)
}
