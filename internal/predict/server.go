package predict

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrInputRejected marks an input dropped by server-side validation.
// Rejections are silent toward the client; only the counter moves.
var ErrInputRejected = errors.New("predict: input rejected")

// ServerConfig tunes server-side input acceptance.
type ServerConfig struct {
	Kinematics Kinematics
	// SequenceTolerance is how far ahead of the last accepted sequence an
	// input may claim to be before it is treated as a forgery. Loss makes
	// small gaps normal; a huge jump is not loss.
	SequenceTolerance uint32
	// InputBufferTicks caps how many not-yet-simulated inputs a player
	// may have queued.
	InputBufferTicks int
	// DecayTicks is how many ticks a missing player's last input is
	// reused before decaying to rest.
	DecayTicks int
	// RequireChecksum rejects inputs whose checksum field is zero.
	RequireChecksum bool
}

// DefaultServerConfig returns the standard acceptance policy.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Kinematics:        DefaultKinematics(),
		SequenceTolerance: 120,
		InputBufferTicks:  120,
		DecayTicks:        6,
	}
}

// AuthoritativeUpdate is what the server emits to one player after a
// simulation tick: the player's authoritative state stamped with the tick
// and the last input sequence folded into it.
type AuthoritativeUpdate struct {
	Tick               uint64
	LastProcessedInput uint32
	State              PlayerState
}

// playerSim is one player's server-side lane: pending inputs and the
// authoritative state they advance.
type playerSim struct {
	mu      sync.Mutex
	pending []Input
	highSeq uint32 // highest accepted sequence, queued or applied
	lastSeq uint32 // last applied sequence, reported as the ack
	last    Input  // most recent applied input, reused through gaps
	decay   int   // ticks remaining before the reused input goes to rest
	state   PlayerState
	gone    bool
}

// Simulation is the server half: it accepts validated inputs per player
// and advances everyone at a fixed tick rate, predicting through missing
// inputs rather than stalling the tick.
type Simulation struct {
	cfg ServerConfig

	mu      sync.RWMutex
	players map[uint64]*playerSim

	tick      atomic.Uint64
	rejected  atomic.Uint64
	processed atomic.Uint64
}

// NewSimulation creates an empty Simulation.
func NewSimulation(cfg ServerConfig) *Simulation {
	if cfg.Kinematics.TickRate <= 0 {
		cfg = DefaultServerConfig()
	}
	return &Simulation{cfg: cfg, players: make(map[uint64]*playerSim)}
}

// AddPlayer registers a player at an initial state.
func (s *Simulation) AddPlayer(id uint64, state PlayerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[id] = &playerSim{state: state}
}

// RemovePlayer drops a player. Outstanding inputs are invalidated: no
// further state is advanced on their behalf, even if SubmitInput races.
func (s *Simulation) RemovePlayer(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.players[id]; ok {
		p.mu.Lock()
		p.gone = true
		p.pending = nil
		p.mu.Unlock()
		delete(s.players, id)
	}
}

// SubmitInput validates and queues one input for player. Violations are
// dropped with ErrInputRejected and counted; the stream continues.
func (s *Simulation) SubmitInput(player uint64, in Input) error {
	s.mu.RLock()
	p, ok := s.players[player]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown player %d", ErrInputRejected, player)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return fmt.Errorf("%w: player disconnected", ErrInputRejected)
	}

	if in.Sequence <= p.highSeq {
		s.rejected.Add(1)
		return fmt.Errorf("%w: sequence %d not after %d", ErrInputRejected, in.Sequence, p.highSeq)
	}
	if in.Sequence-p.highSeq > s.cfg.SequenceTolerance {
		s.rejected.Add(1)
		return fmt.Errorf("%w: sequence %d jumps past tolerance", ErrInputRejected, in.Sequence)
	}
	if m := in.Move.X*in.Move.X + in.Move.Z*in.Move.Z; m > 1.0001 {
		s.rejected.Add(1)
		return fmt.Errorf("%w: move vector outside unit disk", ErrInputRejected)
	}
	if in.Checksum != 0 && in.Checksum != in.ComputeChecksum() {
		s.rejected.Add(1)
		return fmt.Errorf("%w: checksum mismatch", ErrInputRejected)
	}
	if s.cfg.RequireChecksum && in.Checksum == 0 {
		s.rejected.Add(1)
		return fmt.Errorf("%w: missing checksum", ErrInputRejected)
	}
	if len(p.pending) >= s.cfg.InputBufferTicks {
		s.rejected.Add(1)
		return fmt.Errorf("%w: input buffer full", ErrInputRejected)
	}

	p.pending = append(p.pending, in)
	p.highSeq = in.Sequence
	return nil
}

// Advance runs one authoritative tick for every player and returns the
// per-player updates to emit. A player with no pending input is advanced
// on a predicted input: the last known one, decaying to rest after
// DecayTicks, so the eventual reconciliation correction stays small.
func (s *Simulation) Advance() map[uint64]AuthoritativeUpdate {
	tick := s.tick.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	updates := make(map[uint64]AuthoritativeUpdate, len(s.players))
	for id, p := range s.players {
		p.mu.Lock()
		if len(p.pending) > 0 {
			in := p.pending[0]
			p.pending = p.pending[1:]
			p.lastSeq = in.Sequence
			p.last = in
			p.decay = s.cfg.DecayTicks
			p.state = Step(s.cfg.Kinematics, p.state, in)
			s.processed.Add(1)
		} else {
			ghost := p.last
			ghost.Flags &^= FlagJump
			if p.decay > 0 {
				p.decay--
			} else {
				ghost.Move = clampDisk(ghost.Move)
				ghost.Move.X = 0
				ghost.Move.Z = 0
			}
			p.state = Step(s.cfg.Kinematics, p.state, ghost)
		}
		updates[id] = AuthoritativeUpdate{
			Tick:               tick,
			LastProcessedInput: p.lastSeq,
			State:              p.state,
		}
		p.mu.Unlock()
	}
	return updates
}

// Tick returns the current authoritative tick number.
func (s *Simulation) Tick() uint64 { return s.tick.Load() }

// RejectedInputs returns how many inputs validation has dropped.
func (s *Simulation) RejectedInputs() uint64 { return s.rejected.Load() }

// SimulationStats summarizes the input pipeline for dashboards.
type SimulationStats struct {
	Tick            uint64
	PlayerCount     int
	InputsProcessed uint64
	InputsRejected  uint64
}

// Stats returns a point-in-time input-pipeline summary.
func (s *Simulation) Stats() SimulationStats {
	s.mu.RLock()
	players := len(s.players)
	s.mu.RUnlock()
	return SimulationStats{
		Tick:            s.tick.Load(),
		PlayerCount:     players,
		InputsProcessed: s.processed.Load(),
		InputsRejected:  s.rejected.Load(),
	}
}

// PlayerState returns the current authoritative state for player.
func (s *Simulation) PlayerState(id uint64) (PlayerState, bool) {
	s.mu.RLock()
	p, ok := s.players[id]
	s.mu.RUnlock()
	if !ok {
		return PlayerState{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, true
}
