// Package config loads process configuration from environment variables
// with a .env file fallback. Defaults live with the struct; overrides are
// applied by name; invalid combinations fail startup rather than limping
// into production misconfigured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment labels a deployment tier. Production tightens validation.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Server is the world server's configuration.
type Server struct {
	Env Environment

	Host    string
	Port    int
	Threads int

	LogLevel string

	// TokenSecret signs session tokens. At least 32 chars, 64 in production.
	TokenSecret string

	DatabaseURL string
	RedisAddr   string // empty = per-process rate limiting only

	RateLimitEnabled bool

	TickRate         int
	SnapshotInterval time.Duration
	SnapshotRetention time.Duration
	RewindBudget     time.Duration
	RollbackHorizon  int

	IdleTimeout     time.Duration
	SendQueueFrames int
	SendQueueBytes  int

	TransitionBudget time.Duration
	StickyWindow     time.Duration

	TLSCertFile string
	TLSKeyFile  string

	MapConfigPath string // optional YAML map/boundary definitions
}

// Default returns the development-tier defaults.
func Default() Server {
	return Server{
		Env:               EnvDevelopment,
		Host:              "0.0.0.0",
		Port:              7777,
		Threads:           0, // 0 = runtime.NumCPU at startup
		LogLevel:          "info",
		RateLimitEnabled:  true,
		TickRate:          60,
		SnapshotInterval:  16 * time.Millisecond,
		SnapshotRetention: 5 * time.Second,
		RewindBudget:      200 * time.Millisecond,
		RollbackHorizon:   8,
		IdleTimeout:       30 * time.Second,
		SendQueueFrames:   256,
		SendQueueBytes:    4 << 20,
		TransitionBudget:  10 * time.Second,
		StickyWindow:      30 * time.Minute,
	}
}

// Load reads the .env file (if present) and then the environment,
// overriding defaults key by key, and validates the result.
func Load() (Server, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Default()
	cfg.Env = Environment(getString("APP_ENV", string(cfg.Env)))
	cfg.Host = getString("SERVER_HOST", cfg.Host)
	cfg.Port = getInt("SERVER_PORT", cfg.Port)
	cfg.Threads = getInt("SERVER_THREADS", cfg.Threads)
	cfg.LogLevel = getString("LOG_LEVEL", cfg.LogLevel)
	cfg.TokenSecret = getString("TOKEN_SECRET", cfg.TokenSecret)
	cfg.DatabaseURL = getString("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RateLimitEnabled = getBool("RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.TickRate = getInt("TICK_RATE", cfg.TickRate)
	cfg.SnapshotInterval = getDuration("SNAPSHOT_INTERVAL", cfg.SnapshotInterval)
	cfg.SnapshotRetention = getDuration("SNAPSHOT_RETENTION", cfg.SnapshotRetention)
	cfg.RewindBudget = getDuration("REWIND_BUDGET", cfg.RewindBudget)
	cfg.RollbackHorizon = getInt("ROLLBACK_HORIZON", cfg.RollbackHorizon)
	cfg.IdleTimeout = getDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.SendQueueFrames = getInt("SEND_QUEUE_FRAMES", cfg.SendQueueFrames)
	cfg.SendQueueBytes = getInt("SEND_QUEUE_BYTES", cfg.SendQueueBytes)
	cfg.TransitionBudget = getDuration("TRANSITION_BUDGET", cfg.TransitionBudget)
	cfg.StickyWindow = getDuration("STICKY_WINDOW", cfg.StickyWindow)
	cfg.TLSCertFile = getString("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = getString("TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.MapConfigPath = getString("MAP_CONFIG_PATH", cfg.MapConfigPath)

	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate enforces cross-field constraints. Production requires the
// longer secret and rate limiting on.
func (c Server) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Env)
	}

	minSecret := 32
	if c.Env == EnvProduction {
		minSecret = 64
	}
	if len(c.TokenSecret) < minSecret {
		return fmt.Errorf("config: TOKEN_SECRET must be at least %d chars for %s", minSecret, c.Env)
	}
	if c.Env == EnvProduction && !c.RateLimitEnabled {
		return fmt.Errorf("config: rate limiting cannot be disabled in production")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.TickRate < 1 || c.TickRate > 240 {
		return fmt.Errorf("config: tick rate %d outside 1..240", c.TickRate)
	}
	if c.SnapshotInterval > c.RewindBudget {
		return fmt.Errorf("config: snapshot interval %v exceeds rewind budget %v", c.SnapshotInterval, c.RewindBudget)
	}
	tickPeriod := time.Second / time.Duration(c.TickRate)
	if time.Duration(c.RollbackHorizon)*tickPeriod > c.SnapshotRetention {
		return fmt.Errorf("config: rollback horizon %d x tick period %v exceeds snapshot retention %v",
			c.RollbackHorizon, tickPeriod, c.SnapshotRetention)
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
