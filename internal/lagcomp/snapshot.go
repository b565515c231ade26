// Package lagcomp records periodic world snapshots and answers
// time-rewound queries against them: hit validation evaluates a shot
// against the world the shooter actually saw, movement validation checks
// a claimed move against the mover's historical state, and an optional
// rollback layer re-simulates past ticks when late inputs arrive.
package lagcomp

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// EntityState is one entity's captured state at a snapshot tick.
type EntityState struct {
	Position spatial.Point
	Velocity spatial.Point
	Yaw      float64
	// HitRadius is the bounding-sphere radius used by rewound raycasts.
	HitRadius float64
	Alive     bool
	Health    int32
}

// ProjectileState captures an in-flight projectile at a snapshot tick.
type ProjectileState struct {
	ID       uint64
	Owner    uint64
	Position spatial.Point
	Velocity spatial.Point
}

// Snapshot is an immutable record of one simulation tick. Once handed to
// Ring.Record it must never be mutated; readers receive it by reference.
type Snapshot struct {
	Tick        uint64
	Timestamp   time.Time
	Entities    map[uint64]EntityState
	Projectiles []ProjectileState
}

// InterpMode selects how At blends between two bracketing snapshots.
type InterpMode int

const (
	InterpLinear InterpMode = iota
	InterpHermite
)

// RingConfig tunes the snapshot history.
type RingConfig struct {
	Interval      time.Duration // capture cadence, default 16ms
	Retention     time.Duration // history depth, default 5s
	Extrapolation time.Duration // forward budget past the newest snapshot, default 200ms
	Mode          InterpMode
}

// DefaultRingConfig returns the standard 60 Hz / 5 s history.
func DefaultRingConfig() RingConfig {
	return RingConfig{
		Interval:      16 * time.Millisecond,
		Retention:     5 * time.Second,
		Extrapolation: 200 * time.Millisecond,
		Mode:          InterpLinear,
	}
}

// Validate rejects configurations whose windows cannot work together.
func (c RingConfig) Validate() error {
	if c.Interval <= 0 || c.Retention <= 0 {
		return fmt.Errorf("lagcomp: interval and retention must be positive")
	}
	if c.Interval > c.Extrapolation && c.Extrapolation > 0 {
		return fmt.Errorf("lagcomp: snapshot interval %v exceeds extrapolation budget %v", c.Interval, c.Extrapolation)
	}
	if c.Retention < c.Interval*2 {
		return fmt.Errorf("lagcomp: retention %v holds fewer than two snapshots at interval %v", c.Retention, c.Interval)
	}
	return nil
}

// ringBuf is the immutable published view of the history: a slice ordered
// by tick, oldest first. Record swaps in a fresh slice atomically, so
// readers never observe a half-appended state and never take a lock.
type ringBuf struct {
	snaps []*Snapshot
}

// Ring is the bounded snapshot history. Single writer (the tick loop
// calls Record), many readers (validators call At / AtTick / Latest).
type Ring struct {
	cfg RingConfig
	buf atomic.Pointer[ringBuf]
}

// NewRing creates an empty Ring. cfg zero-values fall back to defaults.
func NewRing(cfg RingConfig) *Ring {
	def := DefaultRingConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Extrapolation <= 0 {
		cfg.Extrapolation = def.Extrapolation
	}
	r := &Ring{cfg: cfg}
	r.buf.Store(&ringBuf{})
	return r
}

// Record appends snap to the history, dropping snapshots older than the
// retention window. Tick numbers must strictly increase; a stale or
// duplicate tick is rejected so no reader ever observes a non-monotonic
// sequence.
func (r *Ring) Record(snap *Snapshot) error {
	cur := r.buf.Load()
	if n := len(cur.snaps); n > 0 && snap.Tick <= cur.snaps[n-1].Tick {
		return fmt.Errorf("lagcomp: tick %d not after %d", snap.Tick, cur.snaps[n-1].Tick)
	}

	cutoff := snap.Timestamp.Add(-r.cfg.Retention)
	start := 0
	for start < len(cur.snaps) && cur.snaps[start].Timestamp.Before(cutoff) {
		start++
	}

	next := make([]*Snapshot, 0, len(cur.snaps)-start+1)
	next = append(next, cur.snaps[start:]...)
	next = append(next, snap)
	r.buf.Store(&ringBuf{snaps: next})
	return nil
}

// Latest returns the newest snapshot, or nil if none recorded yet.
func (r *Ring) Latest() *Snapshot {
	snaps := r.buf.Load().snaps
	if len(snaps) == 0 {
		return nil
	}
	return snaps[len(snaps)-1]
}

// Oldest returns the oldest retained snapshot, or nil.
func (r *Ring) Oldest() *Snapshot {
	snaps := r.buf.Load().snaps
	if len(snaps) == 0 {
		return nil
	}
	return snaps[0]
}

// Len returns the number of retained snapshots.
func (r *Ring) Len() int { return len(r.buf.Load().snaps) }

// AtTick returns the snapshot recorded at exactly tick, or nil.
func (r *Ring) AtTick(tick uint64) *Snapshot {
	snaps := r.buf.Load().snaps
	lo, hi := 0, len(snaps)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case snaps[mid].Tick == tick:
			return snaps[mid]
		case snaps[mid].Tick < tick:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil
}

// At returns the world state at time t. An exact snapshot is returned as
// is; a time between two snapshots is interpolated per the configured
// mode; a time past the newest snapshot is extrapolated up to the
// configured budget. Times older than the retention window return
// ErrStaleRewind.
func (r *Ring) At(t time.Time) (*Snapshot, error) {
	snaps := r.buf.Load().snaps
	if len(snaps) == 0 {
		return nil, ErrStaleRewind
	}

	oldest, newest := snaps[0], snaps[len(snaps)-1]
	if t.Before(oldest.Timestamp) {
		return nil, fmt.Errorf("%w: %v before retained history start %v", ErrStaleRewind, t, oldest.Timestamp)
	}
	if t.After(newest.Timestamp) {
		over := t.Sub(newest.Timestamp)
		if over > r.cfg.Extrapolation {
			return nil, fmt.Errorf("%w: %v past newest snapshot by %v", ErrFutureRewind, t, over)
		}
		return extrapolate(newest, over), nil
	}

	// Binary search for the first snapshot at or after t.
	lo, hi := 0, len(snaps)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if snaps[mid].Timestamp.Before(t) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	after := snaps[lo]
	if after.Timestamp.Equal(t) || lo == 0 {
		return after, nil
	}
	before := snaps[lo-1]

	span := after.Timestamp.Sub(before.Timestamp)
	if span <= 0 {
		return after, nil
	}
	alpha := float64(t.Sub(before.Timestamp)) / float64(span)
	return interpolate(before, after, alpha, r.cfg.Mode), nil
}

// interpolate blends two snapshots at factor alpha in [0, 1]. Factor 0
// yields a's state, factor 1 yields b's. Entities present in only one
// snapshot take that snapshot's state unblended. Discrete fields (Alive,
// Health) snap to the nearer endpoint.
func interpolate(a, b *Snapshot, alpha float64, mode InterpMode) *Snapshot {
	out := &Snapshot{
		Tick:      a.Tick,
		Timestamp: a.Timestamp.Add(time.Duration(alpha * float64(b.Timestamp.Sub(a.Timestamp)))),
		Entities:  make(map[uint64]EntityState, len(a.Entities)),
	}
	if alpha >= 0.5 {
		out.Tick = b.Tick
	}

	for id, sa := range a.Entities {
		sb, ok := b.Entities[id]
		if !ok {
			out.Entities[id] = sa
			continue
		}
		blended := sa
		if mode == InterpHermite {
			dt := float64(b.Timestamp.Sub(a.Timestamp)) / float64(time.Second)
			blended.Position = hermite(sa.Position, sa.Velocity, sb.Position, sb.Velocity, dt, alpha)
		} else {
			blended.Position = lerp(sa.Position, sb.Position, alpha)
		}
		blended.Velocity = lerp(sa.Velocity, sb.Velocity, alpha)
		blended.Yaw = sa.Yaw + (sb.Yaw-sa.Yaw)*alpha
		if alpha >= 0.5 {
			blended.Alive = sb.Alive
			blended.Health = sb.Health
			blended.HitRadius = sb.HitRadius
		}
		out.Entities[id] = blended
	}
	for id, sb := range b.Entities {
		if _, ok := a.Entities[id]; !ok {
			out.Entities[id] = sb
		}
	}

	if alpha >= 0.5 {
		out.Projectiles = b.Projectiles
	} else {
		out.Projectiles = a.Projectiles
	}
	return out
}

// extrapolate projects every entity forward by over along its captured
// velocity. Used only within the small forward budget.
func extrapolate(s *Snapshot, over time.Duration) *Snapshot {
	dt := float64(over) / float64(time.Second)
	out := &Snapshot{
		Tick:        s.Tick,
		Timestamp:   s.Timestamp.Add(over),
		Entities:    make(map[uint64]EntityState, len(s.Entities)),
		Projectiles: s.Projectiles,
	}
	for id, es := range s.Entities {
		es.Position = spatial.Point{
			X: es.Position.X + es.Velocity.X*dt,
			Y: es.Position.Y + es.Velocity.Y*dt,
			Z: es.Position.Z + es.Velocity.Z*dt,
		}
		out.Entities[id] = es
	}
	return out
}

func lerp(a, b spatial.Point, t float64) spatial.Point {
	return spatial.Point{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}

// hermite evaluates the cubic Hermite spline between p0/p1 with tangents
// scaled by the segment duration dt (seconds).
func hermite(p0, v0, p1, v1 spatial.Point, dt, t float64) spatial.Point {
	t2 := t * t
	t3 := t2 * t
	h00 := 2*t3 - 3*t2 + 1
	h10 := t3 - 2*t2 + t
	h01 := -2*t3 + 3*t2
	h11 := t3 - t2
	return spatial.Point{
		X: h00*p0.X + h10*v0.X*dt + h01*p1.X + h11*v1.X*dt,
		Y: h00*p0.Y + h10*v0.Y*dt + h01*p1.Y + h11*v1.Y*dt,
		Z: h00*p0.Z + h10*v0.Z*dt + h01*p1.Z + h11*v1.Z*dt,
	}
}
