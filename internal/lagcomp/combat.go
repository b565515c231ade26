package lagcomp

import (
	"math"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// MeleeClaim is a close-range attack awaiting rewound validation. Melee
// skips the raycast: range and facing against the rewound victim decide.
type MeleeClaim struct {
	Attacker  uint64
	Victim    uint64
	Position  spatial.Point // attacker position at swing time
	Facing    spatial.Point // attack direction; zero skips the angle check
	Range     float64
	ClaimTime time.Time
	Latency   time.Duration
}

// meleeRangeTolerance pads the range check: the victim moved during the
// attacker's latency window and a hard cutoff punishes laggy players.
const meleeRangeTolerance = 0.1

// maxMeleeAngle is the widest angle, in radians, between the attacker's
// facing and the victim for a swing to connect.
const maxMeleeAngle = math.Pi / 2

// ValidateMelee rewinds to the attacker's view time and checks range,
// facing, and victim liveness. Confidence degrades linearly with latency.
func (v *Validator) ValidateMelee(claim MeleeClaim, now time.Time) HitResult {
	snap, err := v.rewind(claim.ClaimTime, claim.Latency, now)
	if err != nil {
		return v.reject(RejectStale)
	}

	victim, ok := snap.Entities[claim.Victim]
	if !ok {
		return v.reject(RejectNoSuchTarget)
	}
	if !victim.Alive {
		return v.reject(RejectTargetDead)
	}

	dist := math.Sqrt(claim.Position.DistanceSquared(victim.Position))
	if dist > claim.Range*(1+meleeRangeTolerance) {
		return v.reject(RejectOutOfRange)
	}

	if facing := normalize(claim.Facing); facing != (spatial.Point{}) && dist > 0 {
		toVictim := normalize(spatial.Point{
			X: victim.Position.X - claim.Position.X,
			Y: victim.Position.Y - claim.Position.Y,
			Z: victim.Position.Z - claim.Position.Z,
		})
		dot := facing.X*toVictim.X + facing.Y*toVictim.Y + facing.Z*toVictim.Z
		if math.Acos(math.Min(1, math.Max(-1, dot))) > maxMeleeAngle {
			return v.reject(RejectOutOfRange)
		}
	}

	confidence := 1.0 - claim.Latency.Seconds()*2 // zero at 500ms
	if confidence < 0 {
		confidence = 0
	}
	if confidence < v.cfg.ConfidenceThreshold {
		return v.reject(RejectLowConfidence)
	}

	v.recordSuccess()
	return HitResult{
		Valid:      true,
		Impact:     victim.Position,
		Distance:   dist,
		Confidence: confidence,
	}
}

// ProjectileClaim reports a projectile striking a victim at a past time.
type ProjectileClaim struct {
	Projectile uint64
	Victim     uint64
	Impact     spatial.Point
	ImpactTime time.Time
}

// projectileImpactSlack pads the hitbox when checking the reported
// impact point against the rewound victim.
const projectileImpactSlack = 0.25

// ValidateProjectile checks that the projectile existed at the impact
// time and that the reported impact point lies on the rewound victim's
// hitbox (with slack).
func (v *Validator) ValidateProjectile(claim ProjectileClaim, now time.Time) HitResult {
	snap, err := v.rewind(claim.ImpactTime, 0, now)
	if err != nil {
		return v.reject(RejectStale)
	}

	found := false
	for _, p := range snap.Projectiles {
		if p.ID == claim.Projectile {
			found = true
			break
		}
	}
	if !found {
		return v.reject(RejectNoSuchTarget)
	}

	victim, ok := snap.Entities[claim.Victim]
	if !ok {
		return v.reject(RejectNoSuchTarget)
	}
	if !victim.Alive {
		return v.reject(RejectTargetDead)
	}

	maxOffset := victim.HitRadius + projectileImpactSlack
	if claim.Impact.DistanceSquared(victim.Position) > maxOffset*maxOffset {
		return v.reject(RejectOutOfRange)
	}

	v.recordSuccess()
	return HitResult{Valid: true, Impact: claim.Impact, Confidence: 1}
}

// AreaHit is one victim caught by an area-damage validation.
type AreaHit struct {
	Victim   uint64
	Distance float64
	Result   HitResult
}

// ValidateArea rewinds to the claim time and returns a validation per
// living entity within radius of center, attacker excluded. Confidence
// falls off with distance from the blast center.
func (v *Validator) ValidateArea(attacker uint64, center spatial.Point, radius float64, claimTime time.Time, latency time.Duration, now time.Time) []AreaHit {
	snap, err := v.rewind(claimTime, latency, now)
	if err != nil {
		v.reject(RejectStale)
		return nil
	}

	var hits []AreaHit
	for id, es := range snap.Entities {
		if id == attacker || !es.Alive {
			continue
		}
		dist := math.Sqrt(center.DistanceSquared(es.Position))
		if dist > radius+es.HitRadius {
			continue
		}
		confidence := (1 - dist/(radius+es.HitRadius)) * (1 - v.cfg.LatencyPenalty*latency.Seconds())
		if confidence < 0 {
			confidence = 0
		}
		hits = append(hits, AreaHit{
			Victim:   id,
			Distance: dist,
			Result:   HitResult{Valid: true, Impact: es.Position, Distance: dist, Confidence: confidence},
		})
	}
	if len(hits) > 0 {
		v.recordSuccess()
	}
	return hits
}

// rewind maps a claimed time plus measured latency onto the ring,
// recording rewind statistics.
func (v *Validator) rewind(claimTime time.Time, latency time.Duration, now time.Time) (*Snapshot, error) {
	if now.Sub(claimTime) > v.cfg.MaxRewind {
		return nil, ErrStaleRewind
	}
	target := now.Add(-latency)
	if claimTime.After(target) {
		target = claimTime
	}
	snap, err := v.ring.At(target)
	if err != nil {
		return nil, err
	}
	v.recordRewind(now.Sub(target))
	return snap, nil
}
