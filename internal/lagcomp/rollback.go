package lagcomp

import (
	"fmt"
)

// TickInputs is the set of per-player inputs applied at one tick, as the
// rollback layer sees them: opaque payloads keyed by player.
type TickInputs map[uint64][]byte

// Resimulator is the simulation hook the rollback layer drives. Restore
// rewinds authoritative state to a recorded snapshot; Step advances it
// one tick with the given inputs and returns the resulting snapshot.
type Resimulator interface {
	Restore(snap *Snapshot)
	Step(tick uint64, inputs TickInputs) *Snapshot
}

// RollbackConfig bounds the rollback window.
type RollbackConfig struct {
	// Horizon is the maximum number of ticks a confirmation may lag the
	// present and still trigger a rollback, default 8.
	Horizon uint64
}

// DefaultRollbackConfig returns the standard 8-tick horizon.
func DefaultRollbackConfig() RollbackConfig { return RollbackConfig{Horizon: 8} }

// tickRecord remembers what was simulated at a past tick: the inputs used
// (possibly predicted) and the resulting snapshot.
type tickRecord struct {
	tick      uint64
	inputs    TickInputs
	predicted map[uint64]bool // players whose input was predicted, not confirmed
	snap      *Snapshot
}

// Rollback implements rollback networking over a Resimulator: the
// authoritative tick never waits for late inputs — it predicts, records,
// and re-simulates the affected span when confirmed inputs for a past
// tick arrive.
type Rollback struct {
	cfg RollbackConfig
	sim Resimulator

	records []tickRecord // ordered by tick, bounded by Horizon
}

// NewRollback creates a Rollback driving sim.
func NewRollback(sim Resimulator, cfg RollbackConfig) *Rollback {
	if cfg.Horizon == 0 {
		cfg = DefaultRollbackConfig()
	}
	return &Rollback{cfg: cfg, sim: sim}
}

// Advance runs tick with inputs, marking the players in predicted as
// carrying guessed rather than confirmed inputs, and records the result.
func (r *Rollback) Advance(tick uint64, inputs TickInputs, predicted map[uint64]bool) (*Snapshot, error) {
	if n := len(r.records); n > 0 && tick != r.records[n-1].tick+1 {
		return nil, fmt.Errorf("lagcomp: tick %d does not follow %d", tick, r.records[n-1].tick)
	}

	snap := r.sim.Step(tick, inputs)
	r.records = append(r.records, tickRecord{tick: tick, inputs: inputs, predicted: predicted, snap: snap})
	if uint64(len(r.records)) > r.cfg.Horizon {
		r.records = r.records[1:]
	}
	return snap, nil
}

// Confirm installs the true inputs for player at tick. If they differ
// from what was simulated, state is restored to the tick before the
// correction and every recorded tick is re-simulated forward with the
// corrected inputs. Confirmations older than the horizon return an error
// and leave state untouched.
func (r *Rollback) Confirm(tick uint64, player uint64, input []byte) error {
	idx := -1
	for i := range r.records {
		if r.records[i].tick == tick {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("lagcomp: tick %d outside rollback horizon", tick)
	}

	rec := &r.records[idx]
	if !rec.predicted[player] && byteSliceEq(rec.inputs[player], input) {
		return nil
	}
	rec.inputs[player] = input
	delete(rec.predicted, player)

	// Re-simulate from the corrected tick forward. The snapshot recorded
	// just before it is the restore point; if the correction lands on the
	// oldest record there is nothing earlier retained, so restore to that
	// record's own snapshot pre-state via the prior record when present.
	if idx > 0 {
		r.sim.Restore(r.records[idx-1].snap)
	}
	for i := idx; i < len(r.records); i++ {
		r.records[i].snap = r.sim.Step(r.records[i].tick, r.records[i].inputs)
	}
	return nil
}

// Horizon returns the configured rollback depth in ticks.
func (r *Rollback) Horizon() uint64 { return r.cfg.Horizon }

func byteSliceEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
