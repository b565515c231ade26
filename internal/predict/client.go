package predict

import (
	"math"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// SmoothingMode selects the render-state interpolator. The raw predicted
// state always drives collisions; smoothing only shapes what is drawn.
type SmoothingMode int

const (
	SmoothLinear SmoothingMode = iota
	SmoothCubic
	SmoothHermite
)

// PredictorConfig tunes the client half.
type PredictorConfig struct {
	Kinematics Kinematics
	// BufferTicks bounds the input/state history, default 2 s worth.
	BufferTicks int
	// ErrorThreshold is the positional error (units) above which an
	// authoritative update triggers a rewrite-and-replay; below it the
	// server state is accepted as within noise and history is left alone.
	ErrorThreshold float64
	Smoothing      SmoothingMode
}

// DefaultPredictorConfig returns the standard client tuning.
func DefaultPredictorConfig() PredictorConfig {
	k := DefaultKinematics()
	return PredictorConfig{
		Kinematics:     k,
		BufferTicks:    2 * k.TickRate,
		ErrorThreshold: 0.05,
	}
}

// historyEntry pairs an applied input with the predicted state after it.
type historyEntry struct {
	input Input
	tick  uint64
	state PlayerState
}

// Predictor is the client half: it applies inputs locally for immediate
// feedback, keeps a bounded parallel history of inputs and predicted
// states, and reconciles that history against authoritative updates.
// Single-goroutine by design — it lives on the client's frame loop.
type Predictor struct {
	cfg     PredictorConfig
	state   PlayerState
	prev    PlayerState // previous tick's state, for render smoothing
	history []historyEntry
	tick    uint64

	predictions uint64
	corrections uint64
	errorSum    float64
	errorMax    float64
	errorCount  uint64
}

// NewPredictor creates a Predictor starting at initial.
func NewPredictor(cfg PredictorConfig, initial PlayerState) *Predictor {
	if cfg.BufferTicks <= 0 {
		cfg = DefaultPredictorConfig()
	}
	return &Predictor{cfg: cfg, state: initial, prev: initial}
}

// Apply advances predicted state by in, records the (input, state) pair
// in history, and returns the new predicted state. The caller emits the
// same input to the server.
func (p *Predictor) Apply(in Input) PlayerState {
	p.tick++
	in.Tick = p.tick
	p.prev = p.state
	p.state = Step(p.cfg.Kinematics, p.state, in)

	p.history = append(p.history, historyEntry{input: in, tick: p.tick, state: p.state})
	if len(p.history) > p.cfg.BufferTicks {
		p.history = p.history[len(p.history)-p.cfg.BufferTicks:]
	}
	p.predictions++
	return p.state
}

// Reconcile folds an authoritative update into local history. If the
// stored prediction for the update's LastProcessedInput differs beyond
// the threshold, the history is rewritten from that input: the server
// state replaces the stored prediction and every input with sequence
// greater than LastProcessedInput is re-applied in order to reconstruct
// the present.
// Returns true when a correction was applied.
func (p *Predictor) Reconcile(upd AuthoritativeUpdate) bool {
	// Drop acknowledged inputs; they can never need replay again.
	cut := 0
	for cut < len(p.history) && p.history[cut].input.Sequence <= upd.LastProcessedInput {
		cut++
	}
	acked := p.history[:cut]
	p.history = p.history[cut:]

	// Locate the prediction the update corresponds to. The join key is
	// the input sequence, not the tick: server and client tick counters
	// drift whenever the server ghost-steps through a gap, but "state
	// after applying input N" names the same point on both sides.
	var predicted *PlayerState
	for i := len(acked) - 1; i >= 0; i-- {
		if acked[i].input.Sequence == upd.LastProcessedInput {
			predicted = &acked[i].state
			break
		}
	}

	errDist := math.Inf(1)
	switch {
	case predicted != nil:
		errDist = math.Sqrt(predicted.Position.DistanceSquared(upd.State.Position))
		p.errorSum += errDist
		p.errorCount++
		if errDist > p.errorMax {
			p.errorMax = errDist
		}
	case len(acked) == 0 && len(p.history) == 0:
		// Idle client: nothing predicted, nothing to replay. Adopt the
		// server state only if it actually moved.
		errDist = math.Sqrt(p.state.Position.DistanceSquared(upd.State.Position))
	}
	if errDist <= p.cfg.ErrorThreshold {
		return false
	}

	// Rewrite: adopt the server state at its tick and replay everything
	// the server has not yet seen.
	p.corrections++
	state := upd.State
	for i := range p.history {
		state = Step(p.cfg.Kinematics, state, p.history[i].input)
		p.history[i].state = state
	}
	p.prev = state
	p.state = state
	return true
}

// State returns the raw predicted state driving collisions.
func (p *Predictor) State() PlayerState { return p.state }

// Corrections returns how many reconciliations rewrote history.
func (p *Predictor) Corrections() uint64 { return p.corrections }

// PredictorStats summarizes prediction accuracy since construction.
type PredictorStats struct {
	PredictionsMade    uint64
	CorrectionsApplied uint64
	AverageError       float64
	MaxError           float64
}

// Stats returns prediction/correction counts and positional error so the
// client can surface misprediction quality.
func (p *Predictor) Stats() PredictorStats {
	s := PredictorStats{
		PredictionsMade:    p.predictions,
		CorrectionsApplied: p.corrections,
		MaxError:           p.errorMax,
	}
	if p.errorCount > 0 {
		s.AverageError = p.errorSum / float64(p.errorCount)
	}
	return s
}

// RenderPosition returns the smoothed position for drawing at alpha in
// [0, 1] between the previous and current predicted tick.
func (p *Predictor) RenderPosition(alpha float64) spatial.Point {
	switch p.cfg.Smoothing {
	case SmoothCubic:
		alpha = alpha * alpha * (3 - 2*alpha)
		return lerpPoint(p.prev.Position, p.state.Position, alpha)
	case SmoothHermite:
		dt := 1.0 / float64(p.cfg.Kinematics.TickRate)
		return hermitePoint(p.prev.Position, p.prev.Velocity, p.state.Position, p.state.Velocity, dt, alpha)
	default:
		return lerpPoint(p.prev.Position, p.state.Position, alpha)
	}
}

func lerpPoint(a, b spatial.Point, t float64) spatial.Point {
	return spatial.Point{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}

func hermitePoint(p0, v0, p1, v1 spatial.Point, dt, t float64) spatial.Point {
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
