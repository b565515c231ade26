package lagcomp

import (
	"fmt"
	"math"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// Movement validation limits. These bound the implied speed of a claimed
// move, catching teleport and speed hacks the same way the per-packet
// distance checks do, but against historical state so latency does not
// produce false positives.
const (
	// DefaultMaxSpeed is the ceiling on implied movement speed in
	// units/second when the caller supplies none.
	DefaultMaxSpeed = 12.0

	// SpeedTolerance is the multiplicative slack applied to the maximum:
	// jitter in packet timing makes instantaneous speed estimates noisy.
	SpeedTolerance = 1.15

	// MinClaimInterval rejects move claims whose time span is too small
	// to estimate a speed from at all.
	MinClaimInterval = time.Millisecond
)

// MoveClaim is a client-reported move from P0 at T0 to P1 at T1.
type MoveClaim struct {
	Player   uint64
	P0, P1   spatial.Point
	T0, T1   time.Time
	MaxSpeed float64 // per-player ceiling; 0 uses DefaultMaxSpeed
}

// ValidateMove recovers the player's snapshot state at T0, checks the
// claimed origin against it, and rejects the move if the implied speed
// exceeds the ceiling with tolerance. A claim whose T0 predates retained
// history is rejected as stale rather than trusted.
func (v *Validator) ValidateMove(claim MoveClaim) error {
	if claim.T1.Sub(claim.T0) < MinClaimInterval {
		return fmt.Errorf("%w: move claim spans %v", ErrInputRejected, claim.T1.Sub(claim.T0))
	}

	snap, err := v.ring.At(claim.T0)
	if err != nil {
		return fmt.Errorf("%w: recovering state at move start: %w", ErrInputRejected, err)
	}

	if hist, ok := snap.Entities[claim.Player]; ok {
		// The claimed origin must agree with where the server thinks the
		// player was; an origin conjured elsewhere is a teleport attempt
		// regardless of the implied speed.
		drift := math.Sqrt(hist.Position.DistanceSquared(claim.P0))
		maxDrift := effectiveMaxSpeed(claim) * v.ring.cfg.Interval.Seconds() * 2
		if drift > maxDrift {
			return fmt.Errorf("%w: claimed origin drifts %.1f units from recorded position", ErrInputRejected, drift)
		}
	}

	dist := math.Sqrt(claim.P0.DistanceSquared(claim.P1))
	speed := dist / claim.T1.Sub(claim.T0).Seconds()
	if limit := effectiveMaxSpeed(claim) * SpeedTolerance; speed > limit {
		return fmt.Errorf("%w: implied speed %.1f exceeds %.1f", ErrInputRejected, speed, limit)
	}
	return nil
}

func effectiveMaxSpeed(claim MoveClaim) float64 {
	if claim.MaxSpeed > 0 {
		return claim.MaxSpeed
	}
	return DefaultMaxSpeed
}
