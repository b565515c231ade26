// Command worldserver runs a world node: TLS ingress, session registry,
// auth, the authoritative simulation, lag compensation, and the map/
// instance world.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ironrealm/mmoserver/internal/auth"
	"github.com/ironrealm/mmoserver/internal/config"
	"github.com/ironrealm/mmoserver/internal/dispatch"
	"github.com/ironrealm/mmoserver/internal/lagcomp"
	"github.com/ironrealm/mmoserver/internal/predict"
	"github.com/ironrealm/mmoserver/internal/protocol"
	"github.com/ironrealm/mmoserver/internal/ratelimit"
	"github.com/ironrealm/mmoserver/internal/registry"
	"github.com/ironrealm/mmoserver/internal/server"
	"github.com/ironrealm/mmoserver/internal/session"
	"github.com/ironrealm/mmoserver/internal/spatial"
	"github.com/ironrealm/mmoserver/internal/spawnengine"
	"github.com/ironrealm/mmoserver/internal/storage"
	"github.com/ironrealm/mmoserver/internal/worldmgr"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	host := flag.String("host", "", "bind address (overrides SERVER_HOST)")
	port := flag.Int("port", 0, "listen port (overrides SERVER_PORT)")
	threads := flag.Int("threads", 0, "worker threads (overrides SERVER_THREADS; 0 = NumCPU)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *threads != 0 {
		cfg.Threads = *threads
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	runtime.GOMAXPROCS(cfg.Threads)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("world server starting", "env", cfg.Env, "threads", cfg.Threads, "tick_rate", cfg.TickRate)

	// External collaborators. Without a database the server still runs
	// for local development, with a rejecting verifier.
	var (
		verifier auth.CredentialVerifier = rejectAll{}
		issuer   auth.TokenIssuer        = denyIssuer{}
	)
	if cfg.DatabaseURL != "" {
		if err := storage.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		db, err := storage.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting storage: %w", err)
		}
		defer db.Close()
		verifier = storage.NewAccountStore(db)
		issuer = storage.NewTokenStore(db, cfg.TokenSecret, 24*time.Hour)
		slog.Info("storage connected")
	} else {
		slog.Warn("no DATABASE_URL; logins will be rejected")
	}

	var backend ratelimit.Backend
	if cfg.RedisAddr != "" {
		backend = ratelimit.NewRedisBackend(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		slog.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		backend = ratelimit.NewLocalBackend()
	}
	gate := ratelimit.New(backend, ratelimit.DefaultLimits(), 10, func(cat ratelimit.Category, key string, n int64) {
		slog.Warn("rate-limit alert", "category", cat, "key", key, "violations", n)
	})

	reg := registry.New()
	authSub := auth.New(gate, verifier, issuer, reg, []auth.ServerListEntry{
		{ID: 1, Host: cfg.Host, Port: cfg.Port},
	})

	maps := worldmgr.NewRegistry()
	if cfg.MapConfigPath != "" {
		maps, err = worldmgr.LoadRegistryYAML(cfg.MapConfigPath)
		if err != nil {
			return fmt.Errorf("loading maps: %w", err)
		}
		slog.Info("maps loaded", "path", cfg.MapConfigPath, "count", len(maps.All()))
	}
	world := worldmgr.NewManager(maps)
	transitioner := worldmgr.NewTransitioner(world, nil, nil, cfg.TransitionBudget)
	boundaries := worldmgr.NewBoundaryWatcher(world, transitioner, nil)

	simCfg := predict.DefaultServerConfig()
	simCfg.Kinematics.TickRate = cfg.TickRate
	sim := predict.NewSimulation(simCfg)

	ring := lagcomp.NewRing(lagcomp.RingConfig{
		Interval:      cfg.SnapshotInterval,
		Retention:     cfg.SnapshotRetention,
		Extrapolation: cfg.RewindBudget,
	})
	validator := lagcomp.NewValidator(ring, lagcomp.DefaultValidatorConfig())

	spawns := spawnengine.NewEngine(server.NewEntityWorld(world))
	spawnPoints, err := server.RegisterSpawns(spawns, maps)
	if err != nil {
		return fmt.Errorf("registering spawn points: %w", err)
	}
	slog.Info("spawn points registered", "count", spawnPoints)

	d := dispatch.New()
	registerHandlers(d, authSub, sim, validator, gate, cfg.RateLimitEnabled)

	srv := server.New(cfg, reg, d, gate, sim, ring, boundaries)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return spawns.Run(ctx, time.Second) })
	return g.Wait()
}

// registerHandlers builds the immutable tag → handler table.
func registerHandlers(d *dispatch.Dispatcher, authSub *auth.Subsystem, sim *predict.Simulation,
	validator *lagcomp.Validator, gate *ratelimit.Gate, rateLimit bool) {

	d.Register(protocol.TagLoginRequest, false, func(ctx context.Context, s *session.Session, env protocol.Envelope) error {
		var req protocol.LoginRequest
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		ip, _, err := net.SplitHostPort(s.RemoteAddr().String())
		if err != nil {
			ip = s.RemoteAddr().String()
		}
		res, err := authSub.Login(ctx, s, ip, req.Username, req.Credential)

		resp := protocol.LoginResponse{}
		switch {
		case err == nil:
			resp.Success = true
			resp.Token = res.Token
			for _, e := range res.ServerList {
				resp.Servers = append(resp.Servers, protocol.ServerEntry{ID: uint32(e.ID), Host: e.Host, Port: uint16(e.Port)})
			}
		default:
			resp.Code = auth.WireCode(err)
		}
		return sendMessage(s, protocol.TagLoginResponse, resp.Marshal(nil), false)
	})

	d.Register(protocol.TagLogoutRequest, true, func(ctx context.Context, s *session.Session, _ protocol.Envelope) error {
		err := authSub.Logout(ctx, s)
		resp := protocol.LoginResponse{Success: err == nil}
		_ = sendMessage(s, protocol.TagLogoutResponse, resp.Marshal(nil), false)
		return err
	})

	d.Register(protocol.TagHeartbeatRequest, false, func(_ context.Context, s *session.Session, env protocol.Envelope) error {
		var req protocol.HeartbeatRequest
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		hb := authSub.Heartbeat(time.Unix(0, req.ClientTime))
		s.RecordLatency(hb.OneWayLatency)
		resp := protocol.HeartbeatResponse{
			ServerTime:   hb.ServerTime.UnixNano(),
			LatencyNanos: int64(hb.OneWayLatency),
		}
		return sendMessage(s, protocol.TagHeartbeatResponse, resp.Marshal(nil), false)
	})

	d.Register(protocol.TagMovementUpdate, true, func(ctx context.Context, s *session.Session, env protocol.Envelope) error {
		if rateLimit {
			ok, err := gate.Allow(ctx, ratelimit.CategoryGameAction, fmt.Sprint(s.PlayerID()))
			if err != nil || !ok {
				return nil // dropped silently; the gate counted it
			}
		}
		var m protocol.MovementUpdate
		if err := m.Unmarshal(env.Payload); err != nil {
			return err
		}
		in := predict.Input{
			Sequence:  m.Sequence,
			Tick:      m.Tick,
			Timestamp: time.Now(),
			Move:      spatialPoint(m.MoveX, 0, m.MoveZ),
			Flags:     predict.ActionFlags(m.Flags),
			ViewYaw:   m.ViewYaw,
			ViewPitch: m.ViewPitch,
			Checksum:  m.Checksum,
		}
		// Rejected inputs are dropped without a response by design.
		_ = sim.SubmitInput(s.PlayerID(), in)
		return nil
	})

	d.Register(protocol.TagCombatAction, true, func(_ context.Context, s *session.Session, env protocol.Envelope) error {
		var m protocol.CombatAction
		if err := m.Unmarshal(env.Payload); err != nil {
			return err
		}
		res := validator.ValidateHit(lagcomp.HitClaim{
			Attacker:  s.PlayerID(),
			Victim:    m.Victim,
			Origin:    spatialPoint(m.OriginX, m.OriginY, m.OriginZ),
			Direction: spatialPoint(m.DirX, m.DirY, m.DirZ),
			MaxRange:  m.MaxRange,
			ShotTime:  time.Unix(0, m.ShotTime),
			Latency:   s.Latency(),
		}, time.Now())

		out := protocol.CombatResult{
			Victim:     m.Victim,
			Valid:      res.Valid,
			Reason:     uint8(res.Reason),
			ImpactX:    res.Impact.X,
			ImpactY:    res.Impact.Y,
			ImpactZ:    res.Impact.Z,
			Confidence: res.Confidence,
		}
		return sendMessage(s, protocol.TagCombatResult, out.Marshal(nil), false)
	})
}

func sendMessage(s *session.Session, tag protocol.Tag, payload []byte, unreliable bool) error {
	frame := buildFrame(tag, payload)
	return s.Send(frame, unreliable)
}

func buildFrame(tag protocol.Tag, payload []byte) []byte {
	body := protocol.Encode(nil, protocol.Envelope{Tag: tag, Payload: payload})
	frame := make([]byte, 4+len(body))
	frame[0] = byte(len(body) >> 24)
	frame[1] = byte(len(body) >> 16)
	frame[2] = byte(len(body) >> 8)
	frame[3] = byte(len(body))
	copy(frame[4:], body)
	return frame
}

func spatialPoint(x, y, z float64) spatial.Point {
	return spatial.Point{X: x, Y: y, Z: z}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// rejectAll is the verifier used when no credential store is configured.
type rejectAll struct{}

func (rejectAll) Verify(context.Context, string, string) (uint64, bool, error) { return 0, false, nil }

type denyIssuer struct{}

func (denyIssuer) Issue(context.Context, uint64) (string, error) {
	return "", fmt.Errorf("no token issuer configured")
}
func (denyIssuer) Invalidate(context.Context, string) error { return nil }
