package lagcomp

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// HitClaim is a client-reported shot awaiting server-side validation.
type HitClaim struct {
	Attacker  uint64
	Victim    uint64
	Origin    spatial.Point
	Direction spatial.Point // need not be normalized
	MaxRange  float64
	ShotTime  time.Time     // client-reported wallclock of the shot
	Latency   time.Duration // attacker's measured one-way latency
}

// HitResult is the validator's verdict, consumed by combat resolution.
type HitResult struct {
	Valid      bool
	Reason     RejectReason
	Impact     spatial.Point
	Distance   float64
	Confidence float64
}

// ValidatorConfig tunes hit validation. The confidence coefficients are
// deliberately configuration, not constants: they are tuned per game feel
// and the defaults here are a conservative starting point.
type ValidatorConfig struct {
	// ConfidenceThreshold is the minimum confidence for a hit to stand.
	ConfidenceThreshold float64
	// LatencyPenalty is confidence lost per second of attacker latency.
	LatencyPenalty float64
	// VelocityPenalty is confidence lost per unit/s of victim speed at
	// the rewound instant; fast-moving targets make a rewound ray less
	// trustworthy.
	VelocityPenalty float64
	// MaxRewind caps how far back a shot may claim to have happened.
	MaxRewind time.Duration
	// OccluderPadding shrinks non-victim hitboxes during the occlusion
	// sweep so grazing geometry does not eat legitimate shots.
	OccluderPadding float64
}

// DefaultValidatorConfig returns the standard tuning.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		ConfidenceThreshold: 0.35,
		LatencyPenalty:      1.2,
		VelocityPenalty:     0.02,
		MaxRewind:           time.Second,
		OccluderPadding:     0.1,
	}
}

// Validator performs lag-compensated hit and movement validation against
// a Ring.
type Validator struct {
	ring *Ring
	cfg  ValidatorConfig

	rejected [rejectReasonCount]atomic.Uint64

	totalRewinds  atomic.Uint64
	successes     atomic.Uint64
	rewindNanoSum atomic.Int64
	rewindNanoMax atomic.Int64
}

// NewValidator creates a Validator over ring.
func NewValidator(ring *Ring, cfg ValidatorConfig) *Validator {
	if cfg.ConfidenceThreshold <= 0 {
		cfg = DefaultValidatorConfig()
	}
	return &Validator{ring: ring, cfg: cfg}
}

// ValidateHit rewinds the world to the attacker's view time and raycasts
// the claim against the victim's historical hitbox, checking occluders
// along the way. now is passed in rather than sampled so the tick loop
// controls the clock.
func (v *Validator) ValidateHit(claim HitClaim, now time.Time) HitResult {
	rewindTo := now.Add(-claim.Latency)
	if now.Sub(claim.ShotTime) > v.cfg.MaxRewind {
		return v.reject(RejectStale)
	}
	// Trust the measured latency over the client's self-reported shot
	// time, but never rewind further than the claim says the shot is old.
	if claim.ShotTime.After(rewindTo) {
		rewindTo = claim.ShotTime
	}

	snap, err := v.ring.At(rewindTo)
	if err != nil {
		return v.reject(RejectStale)
	}
	v.recordRewind(now.Sub(rewindTo))

	victim, ok := snap.Entities[claim.Victim]
	if !ok {
		return v.reject(RejectNoSuchTarget)
	}
	if !victim.Alive {
		return v.reject(RejectTargetDead)
	}

	dir := normalize(claim.Direction)
	if dir == (spatial.Point{}) {
		return v.reject(RejectOutOfRange)
	}

	dist, hit := raySphere(claim.Origin, dir, victim.Position, victim.HitRadius)
	if !hit || dist > claim.MaxRange {
		return v.reject(RejectOutOfRange)
	}

	// Occlusion sweep: any other entity's padded hitbox intersecting the
	// ray closer than the victim blocks the shot.
	for id, other := range snap.Entities {
		if id == claim.Victim || id == claim.Attacker || !other.Alive {
			continue
		}
		r := other.HitRadius - v.cfg.OccluderPadding
		if r <= 0 {
			continue
		}
		if d, blocked := raySphere(claim.Origin, dir, other.Position, r); blocked && d < dist {
			return v.reject(RejectOccluded)
		}
	}

	speed := math.Sqrt(victim.Velocity.DistanceSquared(spatial.Point{}))
	confidence := 1.0 -
		v.cfg.LatencyPenalty*claim.Latency.Seconds() -
		v.cfg.VelocityPenalty*speed
	if confidence < 0 {
		confidence = 0
	}
	if confidence < v.cfg.ConfidenceThreshold {
		return v.reject(RejectLowConfidence)
	}

	v.recordSuccess()
	return HitResult{
		Valid:    true,
		Distance: dist,
		Impact: spatial.Point{
			X: claim.Origin.X + dir.X*dist,
			Y: claim.Origin.Y + dir.Y*dist,
			Z: claim.Origin.Z + dir.Z*dist,
		},
		Confidence: confidence,
	}
}

func (v *Validator) reject(reason RejectReason) HitResult {
	v.rejected[reason].Add(1)
	return HitResult{Valid: false, Reason: reason}
}

func (v *Validator) recordSuccess() { v.successes.Add(1) }

func (v *Validator) recordRewind(d time.Duration) {
	v.totalRewinds.Add(1)
	v.rewindNanoSum.Add(int64(d))
	for {
		cur := v.rewindNanoMax.Load()
		if int64(d) <= cur || v.rewindNanoMax.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// RejectedCount returns how many claims were rejected for reason.
func (v *Validator) RejectedCount(reason RejectReason) uint64 { return v.rejected[reason].Load() }

// Stats summarizes validator activity for operator dashboards.
type Stats struct {
	TotalRewinds          uint64
	SuccessfulValidations uint64
	RejectedClaims        uint64
	AverageRewind         time.Duration
	MaxRewind             time.Duration
}

// Stats returns a point-in-time summary of rewinds and outcomes.
func (v *Validator) Stats() Stats {
	s := Stats{
		TotalRewinds:          v.totalRewinds.Load(),
		SuccessfulValidations: v.successes.Load(),
		MaxRewind:             time.Duration(v.rewindNanoMax.Load()),
	}
	for i := range v.rejected {
		s.RejectedClaims += v.rejected[i].Load()
	}
	if s.TotalRewinds > 0 {
		s.AverageRewind = time.Duration(v.rewindNanoSum.Load() / int64(s.TotalRewinds))
	}
	return s
}

// raySphere intersects a ray (origin, unit dir) with a sphere and returns
// the distance to the nearest intersection in front of the origin.
func raySphere(origin, dir, center spatial.Point, radius float64) (float64, bool) {
	oc := spatial.Point{X: origin.X - center.X, Y: origin.Y - center.Y, Z: origin.Z - center.Z}
	b := oc.X*dir.X + oc.Y*dir.Y + oc.Z*dir.Z
	c := oc.X*oc.X + oc.Y*oc.Y + oc.Z*oc.Z - radius*radius
	disc := b*b - c
	if disc < 0 {
		return 0, false
	}
	sq := math.Sqrt(disc)
	t := -b - sq
	if t < 0 {
		t = -b + sq
	}
	if t < 0 {
		return 0, false
	}
	return t, true
}

func normalize(p spatial.Point) spatial.Point {
	m := math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
	if m == 0 {
		return spatial.Point{}
	}
	return spatial.Point{X: p.X / m, Y: p.Y / m, Z: p.Z / m}
}
