// Package server wires the transport, codec, dispatcher, and world
// subsystems into a running world server: it accepts TLS connections,
// runs the per-session read/write loops, advances the authoritative
// simulation, and records lag-compensation snapshots each tick.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ironrealm/mmoserver/internal/config"
	"github.com/ironrealm/mmoserver/internal/dispatch"
	"github.com/ironrealm/mmoserver/internal/lagcomp"
	"github.com/ironrealm/mmoserver/internal/predict"
	"github.com/ironrealm/mmoserver/internal/protocol"
	"github.com/ironrealm/mmoserver/internal/ratelimit"
	"github.com/ironrealm/mmoserver/internal/registry"
	"github.com/ironrealm/mmoserver/internal/session"
	"github.com/ironrealm/mmoserver/internal/worldmgr"
)

// SequenceWindow is how large an inbound sequence gap a session survives
// before it is disconnected as desynchronized.
const SequenceWindow = 1024

// Server owns the listener and the shared subsystems. Construct with New
// at startup and tear down by cancelling the context passed to Run;
// components shut down in reverse construction order.
type Server struct {
	cfg        config.Server
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	gate       *ratelimit.Gate
	sim        *predict.Simulation
	ring       *lagcomp.Ring
	boundaries *worldmgr.BoundaryWatcher

	nextSessionID atomic.Uint32
	writePool     *session.BytePool
}

// New assembles a Server from its collaborators.
func New(cfg config.Server, reg *registry.Registry, d *dispatch.Dispatcher, gate *ratelimit.Gate,
	sim *predict.Simulation, ring *lagcomp.Ring, boundaries *worldmgr.BoundaryWatcher) *Server {
	return &Server{
		cfg:        cfg,
		registry:   reg,
		dispatcher: d,
		gate:       gate,
		sim:        sim,
		ring:       ring,
		boundaries: boundaries,
		writePool:  session.NewBytePool(4096),
	}
}

// Run listens on the configured address and serves until ctx is
// cancelled; it then stops accepting and stops the tick loop, and
// returns. It does not wait for connections already accepted: their
// sessions' writer and idle watcher stop with ctx, queued frames are
// discarded, and each read loop ends when its connection fails.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS keypair: %w", err)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
	} else {
		// Plaintext listener when no certificate is configured;
		// config.Validate does not require one, even in production.
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
	}
	slog.Info("world server listening", "addr", addr, "tls", s.cfg.TLSCertFile != "")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error { return s.tickLoop(ctx) })

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			go s.serveConn(ctx, conn)
		}
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// serveConn runs one session to completion.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := s.nextSessionID.Add(1)
	sess := session.New(id, conn, s.writePool, session.Config{
		IdleTimeout:     s.cfg.IdleTimeout,
		SendQueueFrames: s.cfg.SendQueueFrames,
		SendQueueBytes:  s.cfg.SendQueueBytes,
	})

	// TLS handshake happens lazily on first read; force it here so a
	// failed handshake never reaches the registry.
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			slog.Debug("handshake failed", "session", id, "remote", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			return
		}
	}
	sess.SetState(session.StateHandshake)
	sess.SetState(session.StateConnected)

	s.registry.Register(sess)
	slog.Info("session connected", "session", id, "remote", conn.RemoteAddr())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go sess.Run(connCtx)
	go sess.WatchIdle(connCtx)

	s.readLoop(connCtx, sess, conn)

	if pid := sess.PlayerID(); pid != 0 {
		s.sim.RemovePlayer(pid)
	}
	s.registry.Unregister(sess)
	_ = sess.Disconnect()
	slog.Info("session closed", "session", id, "cause", sess.DisconnectCause())
}

// readLoop frames, sequence-checks, and dispatches inbound messages in
// arrival order until the transport fails or the session closes.
func (s *Server) readLoop(ctx context.Context, sess *session.Session, conn net.Conn) {
	buf := make([]byte, 0, 4096)
	for {
		frame, err := protocol.ReadFrame(conn, buf)
		if err != nil {
			if errors.Is(err, protocol.ErrOversizeFrame) || errors.Is(err, protocol.ErrMalformedFrame) {
				slog.Warn("framing violation", "session", sess.ID(), "error", err)
			}
			return
		}
		buf = frame
		sess.Touch()

		env, err := protocol.Decode(frame)
		if err != nil {
			slog.Warn("malformed envelope", "session", sess.ID(), "error", err)
			return
		}

		if env.Sequence != 0 {
			gap, ok := sess.NextInboundSeq(env.Sequence)
			if !ok {
				// Duplicate or replay: drop silently and keep reading.
				continue
			}
			if gap > SequenceWindow {
				slog.Warn("sequence gap beyond window", "session", sess.ID(), "gap", gap)
				return
			}
		}

		if err := s.dispatcher.Dispatch(ctx, sess, env); err != nil {
			slog.Error("handler failed", "session", sess.ID(), "tag", env.Tag, "error", err)
			if session.IsTerminal(err) {
				return
			}
		}
	}
}

// tickLoop advances the authoritative simulation at the configured rate,
// records a lag-compensation snapshot each snapshot interval, and sweeps
// map boundaries.
func (s *Server) tickLoop(ctx context.Context) error {
	period := time.Second / time.Duration(s.cfg.TickRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	snapEvery := int(s.cfg.SnapshotInterval / period)
	if snapEvery < 1 {
		snapEvery = 1
	}

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			tick++
			updates := s.sim.Advance()

			if tick%uint64(snapEvery) == 0 {
				snap := &lagcomp.Snapshot{
					Tick:      tick,
					Timestamp: now,
					Entities:  make(map[uint64]lagcomp.EntityState, len(updates)),
				}
				for pid, upd := range updates {
					snap.Entities[pid] = lagcomp.EntityState{
						Position:  upd.State.Position,
						Velocity:  upd.State.Velocity,
						Yaw:       upd.State.Yaw,
						HitRadius: 0.5,
						Alive:     true,
						Health:    100,
					}
				}
				if err := s.ring.Record(snap); err != nil {
					slog.Error("snapshot rejected", "tick", tick, "error", err)
				}
			}

			if s.boundaries != nil {
				s.boundaries.Sweep(ctx)
			}
		}
	}
}
