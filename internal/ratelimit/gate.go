// Package ratelimit is the security gate: a keyed rate limiter with named
// categories, each key (remote IP for login, player id otherwise) getting
// an independent bucket. State lives in Redis when an endpoint is
// configured, so every server process honors the same global limit; that
// backend is a fixed-window counter, not a token bucket (see
// redisBackend). golang.org/x/time/rate backs the single-process case
// with a token bucket.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Category names the rate-limited surface. The set is fixed and closed.
type Category string

const (
	CategoryLogin      Category = "login"
	CategoryGameAction Category = "game_action"
	CategoryChat       Category = "chat"
	CategoryAPI        Category = "api"
)

// CategoryLimit configures one category's bucket.
type CategoryLimit struct {
	Requests int           // tokens available per Window
	Window   time.Duration // refill window
	Burst    int           // max tokens a key can accumulate; defaults to Requests
}

// DefaultLimits returns the standard per-category budgets; login is the
// tightest at 5/min per source IP.
func DefaultLimits() map[Category]CategoryLimit {
	return map[Category]CategoryLimit{
		CategoryLogin:      {Requests: 5, Window: time.Minute},
		CategoryGameAction: {Requests: 120, Window: time.Minute},
		CategoryChat:       {Requests: 20, Window: time.Minute},
		CategoryAPI:        {Requests: 60, Window: time.Minute},
	}
}

// Backend is the pluggable shared-state layer a Gate consumes. localBackend
// and redisBackend both satisfy it.
type Backend interface {
	// Allow consumes one token for (category, key) and reports whether the
	// action is permitted.
	Allow(ctx context.Context, category Category, key string, limit CategoryLimit) (bool, error)
}

// AlertFunc is invoked when a key crosses the configured violation
// threshold for a category, for an operator-facing alert.
type AlertFunc func(category Category, key string, violations int64)

// Gate is the Security Gate: Allow(category, key) plus violation tracking.
type Gate struct {
	backend          Backend
	limits           map[Category]CategoryLimit
	violationLimit   int64
	onAlert          AlertFunc

	mu         sync.Mutex
	violations map[string]*atomic.Int64 // key = category+":"+key
}

// New creates a Gate over backend with the given per-category limits.
// violationThreshold is the violation count (per category+key) that fires
// onAlert; onAlert may be nil.
func New(backend Backend, limits map[Category]CategoryLimit, violationThreshold int64, onAlert AlertFunc) *Gate {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Gate{
		backend:        backend,
		limits:         limits,
		violationLimit: violationThreshold,
		onAlert:        onAlert,
		violations:     make(map[string]*atomic.Int64),
	}
}

// Allow reports whether the action in category by key is permitted right
// now, consuming a token if so. A violation (Allow returning false)
// increments that key's counter; crossing the threshold fires onAlert.
func (g *Gate) Allow(ctx context.Context, category Category, key string) (bool, error) {
	limit, ok := g.limits[category]
	if !ok {
		limit = CategoryLimit{Requests: 60, Window: time.Minute}
	}

	allowed, err := g.backend.Allow(ctx, category, key, limit)
	if err != nil {
		return false, err
	}
	if allowed {
		return true, nil
	}

	g.recordViolation(category, key)
	return false, nil
}

func (g *Gate) recordViolation(category Category, key string) {
	vkey := string(category) + ":" + key

	g.mu.Lock()
	counter, ok := g.violations[vkey]
	if !ok {
		counter = &atomic.Int64{}
		g.violations[vkey] = counter
	}
	g.mu.Unlock()

	n := counter.Add(1)
	if g.violationLimit > 0 && n == g.violationLimit && g.onAlert != nil {
		g.onAlert(category, key, n)
	}
}

// Violations returns the current violation count for (category, key).
func (g *Gate) Violations(category Category, key string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.violations[string(category)+":"+key]; ok {
		return c.Load()
	}
	return 0
}

// localBackend is the per-process fallback using golang.org/x/time/rate,
// one limiter per (category, key), lazily created.
type localBackend struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalBackend creates a Backend with no shared state across processes.
func NewLocalBackend() Backend {
	return &localBackend{limiters: make(map[string]*rate.Limiter)}
}

func (b *localBackend) Allow(_ context.Context, category Category, key string, limit CategoryLimit) (bool, error) {
	id := string(category) + ":" + key

	b.mu.Lock()
	lim, ok := b.limiters[id]
	if !ok {
		burst := limit.Burst
		if burst <= 0 {
			burst = limit.Requests
		}
		perSecond := float64(limit.Requests) / limit.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		b.limiters[id] = lim
	}
	b.mu.Unlock()

	return lim.Allow(), nil
}
