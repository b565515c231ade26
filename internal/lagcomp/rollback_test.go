package lagcomp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// walkSim is a one-entity simulator: each tick moves entity 1 along +x by
// the numeric value of its input byte. Deterministic, so re-simulation
// after a correction is easy to assert against.
type walkSim struct {
	x float64
}

func (s *walkSim) Restore(snap *Snapshot) {
	s.x = snap.Entities[1].Position.X
}

func (s *walkSim) Step(tick uint64, inputs TickInputs) *Snapshot {
	if in, ok := inputs[1]; ok && len(in) > 0 {
		s.x += float64(in[0])
	}
	return &Snapshot{
		Tick:      tick,
		Timestamp: t0.Add(time.Duration(tick) * 16 * time.Millisecond),
		Entities:  map[uint64]EntityState{1: {Position: spatial.Point{X: s.x}, Alive: true}},
	}
}

func TestRollbackAdvanceRecordsTicks(t *testing.T) {
	sim := &walkSim{}
	rb := NewRollback(sim, DefaultRollbackConfig())

	for tick := uint64(1); tick <= 5; tick++ {
		snap, err := rb.Advance(tick, TickInputs{1: {1}}, nil)
		require.NoError(t, err)
		require.Equal(t, float64(tick), snap.Entities[1].Position.X)
	}

	_, err := rb.Advance(9, TickInputs{}, nil)
	require.Error(t, err, "tick gap must be rejected")
}

func TestRollbackConfirmResimulates(t *testing.T) {
	sim := &walkSim{}
	rb := NewRollback(sim, DefaultRollbackConfig())

	// Ticks 1-2 confirmed; tick 3 predicted as "keep walking 1".
	_, err := rb.Advance(1, TickInputs{1: {1}}, nil)
	require.NoError(t, err)
	_, err = rb.Advance(2, TickInputs{1: {1}}, nil)
	require.NoError(t, err)
	_, err = rb.Advance(3, TickInputs{1: {1}}, map[uint64]bool{1: true})
	require.NoError(t, err)
	snap, err := rb.Advance(4, TickInputs{1: {1}}, map[uint64]bool{1: true})
	require.NoError(t, err)
	require.Equal(t, 4.0, snap.Entities[1].Position.X)

	// The true tick-3 input arrives: the player actually sprinted 5.
	require.NoError(t, rb.Confirm(3, 1, []byte{5}))
	require.Equal(t, 2.0+5.0+1.0, sim.x)
}

func TestRollbackConfirmMatchingInputIsNoop(t *testing.T) {
	sim := &walkSim{}
	rb := NewRollback(sim, DefaultRollbackConfig())
	_, err := rb.Advance(1, TickInputs{1: {2}}, nil)
	require.NoError(t, err)
	before := sim.x
	require.NoError(t, rb.Confirm(1, 1, []byte{2}))
	require.Equal(t, before, sim.x)
}

func TestRollbackHorizonBound(t *testing.T) {
	sim := &walkSim{}
	rb := NewRollback(sim, RollbackConfig{Horizon: 4})

	for tick := uint64(1); tick <= 10; tick++ {
		_, err := rb.Advance(tick, TickInputs{1: {1}}, map[uint64]bool{1: true})
		require.NoError(t, err)
	}

	require.Error(t, rb.Confirm(2, 1, []byte{9}), "confirmation older than horizon")
	require.NoError(t, rb.Confirm(8, 1, []byte{1}))
}
