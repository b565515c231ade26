package predict

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

func forwardInput(seq uint32) Input {
	return Input{Sequence: seq, Move: spatial.Point{Z: 1}}
}

func TestStepIsDeterministic(t *testing.T) {
	k := DefaultKinematics()
	s0 := PlayerState{Grounded: true}
	in := Input{Sequence: 1, Move: spatial.Point{X: 0.5, Z: 0.5}, Flags: FlagSprint, ViewYaw: 0.7}

	a := Step(k, s0, in)
	b := Step(k, s0, in)
	require.Equal(t, a, b)
	require.NotEqual(t, s0.Position, a.Position)
}

func TestStepClampsMoveVector(t *testing.T) {
	k := DefaultKinematics()
	s0 := PlayerState{Grounded: true}

	unit := Step(k, s0, Input{Move: spatial.Point{Z: 1}})
	cheat := Step(k, s0, Input{Move: spatial.Point{Z: 50}})
	require.InDelta(t, unit.Position.Z, cheat.Position.Z, 1e-9)
}

func TestStepJumpAndGravity(t *testing.T) {
	k := DefaultKinematics()
	s := PlayerState{Grounded: true}
	s = Step(k, s, Input{Flags: FlagJump})
	require.False(t, s.Grounded)
	require.Greater(t, s.Position.Y, 0.0)

	// Airborne jumps must not double-boost.
	peak := Step(k, s, Input{Flags: FlagJump})
	require.Less(t, peak.Velocity.Y, s.Velocity.Y+k.JumpSpeed/2)

	for range 2 * k.TickRate {
		s = Step(k, s, Input{})
	}
	require.True(t, s.Grounded)
	require.Equal(t, 0.0, s.Position.Y)
}

func TestSimulationRejectsBadInputs(t *testing.T) {
	sim := NewSimulation(DefaultServerConfig())
	sim.AddPlayer(1, PlayerState{Grounded: true})

	require.NoError(t, sim.SubmitInput(1, forwardInput(1)))

	// Duplicate and regressing sequences.
	require.ErrorIs(t, sim.SubmitInput(1, forwardInput(1)), ErrInputRejected)
	require.ErrorIs(t, sim.SubmitInput(1, forwardInput(0)), ErrInputRejected)

	// Sequence jump beyond tolerance.
	require.ErrorIs(t, sim.SubmitInput(1, forwardInput(100000)), ErrInputRejected)

	// Move vector outside the unit disk.
	bad := forwardInput(2)
	bad.Move = spatial.Point{X: 3, Z: 3}
	require.ErrorIs(t, sim.SubmitInput(1, bad), ErrInputRejected)

	// Checksum mismatch.
	forged := forwardInput(2)
	forged.Checksum = 0xdeadbeef
	require.ErrorIs(t, sim.SubmitInput(1, forged), ErrInputRejected)

	// Valid checksum passes.
	signed := forwardInput(2)
	signed.Checksum = signed.ComputeChecksum()
	require.NoError(t, sim.SubmitInput(1, signed))

	require.Equal(t, uint64(5), sim.RejectedInputs())
}

func TestSimulationPredictsThroughGaps(t *testing.T) {
	sim := NewSimulation(DefaultServerConfig())
	sim.AddPlayer(1, PlayerState{Grounded: true})

	require.NoError(t, sim.SubmitInput(1, forwardInput(1)))
	upd := sim.Advance()[1]
	afterOne := upd.State.Position.Z
	require.Greater(t, afterOne, 0.0)
	require.Equal(t, uint32(1), upd.LastProcessedInput)

	// No input queued: the server reuses input 1 and keeps moving.
	upd = sim.Advance()[1]
	require.Greater(t, upd.State.Position.Z, afterOne)
	require.Equal(t, uint32(1), upd.LastProcessedInput, "ghost ticks do not advance the ack")
}

func TestSimulationGhostInputDecaysToRest(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.DecayTicks = 3
	sim := NewSimulation(cfg)
	sim.AddPlayer(1, PlayerState{Grounded: true})

	require.NoError(t, sim.SubmitInput(1, forwardInput(1)))
	sim.Advance()
	for range cfg.DecayTicks + 1 {
		sim.Advance()
	}
	before, _ := sim.PlayerState(1)
	sim.Advance()
	after, _ := sim.PlayerState(1)
	require.Equal(t, before.Position, after.Position, "decayed ghost input must be at rest")
}

func TestSimulationRemovePlayerInvalidatesInputs(t *testing.T) {
	sim := NewSimulation(DefaultServerConfig())
	sim.AddPlayer(1, PlayerState{})
	require.NoError(t, sim.SubmitInput(1, forwardInput(1)))
	sim.RemovePlayer(1)

	require.ErrorIs(t, sim.SubmitInput(1, forwardInput(2)), ErrInputRejected)
	require.Empty(t, sim.Advance())
}

func TestPredictorApplyAdvancesState(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig(), PlayerState{Grounded: true})
	s := p.Apply(forwardInput(1))
	require.Greater(t, s.Position.Z, 0.0)
	require.Equal(t, s, p.State())
}

// Delayed packets: the client predicts through inputs 1..10 while the
// server receives 4 and 5 late, ghost-stepping two stationary ticks and
// then catching up. Once the server acks input 10, the client's stored
// prediction for it matches the authoritative state and no correction
// happens.
func TestReconcileNoCorrectionAfterDelayedInputs(t *testing.T) {
	cfg := DefaultPredictorConfig()
	p := NewPredictor(cfg, PlayerState{Grounded: true})

	sim := NewSimulation(DefaultServerConfig())
	sim.AddPlayer(1, PlayerState{Grounded: true})

	// Inputs 1..5 are stationary, 6..10 move forward.
	inputs := make([]Input, 0, 10)
	for seq := uint32(1); seq <= 10; seq++ {
		in := Input{Sequence: seq}
		if seq >= 6 {
			in.Move = spatial.Point{Z: 1}
		}
		inputs = append(inputs, in)
	}

	var lastUpd AuthoritativeUpdate
	for _, in := range inputs {
		p.Apply(in)
		switch in.Sequence {
		case 4, 5:
			// Delayed in flight: the server ticks without them.
		case 6:
			// 4 and 5 finally arrive, just ahead of 6.
			require.NoError(t, sim.SubmitInput(1, inputs[3]))
			require.NoError(t, sim.SubmitInput(1, inputs[4]))
			require.NoError(t, sim.SubmitInput(1, in))
		default:
			require.NoError(t, sim.SubmitInput(1, in))
		}
		lastUpd = sim.Advance()[1]
	}

	// Drain the server's queue: it consumes one input per tick, ghost-
	// stepping the two ticks where nothing was queued.
	for range 20 {
		upd, ok := sim.Advance()[1]
		require.True(t, ok)
		lastUpd = upd
		if upd.LastProcessedInput == 10 {
			break
		}
	}
	require.Equal(t, uint32(10), lastUpd.LastProcessedInput)

	corrected := p.Reconcile(lastUpd)
	require.False(t, corrected, "prediction should already match the authoritative state")
	require.InDelta(t, lastUpd.State.Position.Z, p.State().Position.Z, 1e-9)
}

// A divergent prediction (the server rejected nothing, but the client
// mispredicted because its state was perturbed) is rewritten at the acked
// input and the unacked tail replayed on top of the server state.
func TestReconcileReplaysUnackedInputs(t *testing.T) {
	cfg := DefaultPredictorConfig()
	p := NewPredictor(cfg, PlayerState{Grounded: true})

	for seq := uint32(1); seq <= 6; seq++ {
		p.Apply(forwardInput(seq))
	}

	// Authoritative state after input 3 disagrees with the prediction:
	// the server saw the player 10 units off.
	server := PlayerState{Position: spatial.Point{X: 10, Z: p.State().Position.Z / 2}, Grounded: true}
	corrected := p.Reconcile(AuthoritativeUpdate{Tick: 3, LastProcessedInput: 3, State: server})
	require.True(t, corrected)
	require.Equal(t, uint64(1), p.Corrections())

	// Replaying inputs 4..6 from the server state reproduces what local
	// simulation would have computed had it started there.
	expect := server
	for seq := uint32(4); seq <= 6; seq++ {
		expect = Step(cfg.Kinematics, expect, Input{Sequence: seq, Move: spatial.Point{Z: 1}})
	}
	require.InDelta(t, expect.Position.X, p.State().Position.X, 1e-9)
	require.InDelta(t, expect.Position.Z, p.State().Position.Z, 1e-9)
}

func TestReconcileWithinThresholdLeavesHistory(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.ErrorThreshold = 0.5
	p := NewPredictor(cfg, PlayerState{Grounded: true})

	p.Apply(forwardInput(1))
	near := p.State()
	near.Position.X += 0.01 // within threshold

	require.False(t, p.Reconcile(AuthoritativeUpdate{Tick: 1, LastProcessedInput: 1, State: near}))
	require.Zero(t, p.Corrections())
}

func TestPredictorStats(t *testing.T) {
	cfg := DefaultPredictorConfig()
	p := NewPredictor(cfg, PlayerState{Grounded: true})

	for seq := uint32(1); seq <= 4; seq++ {
		p.Apply(forwardInput(seq))
	}
	server := PlayerState{Position: spatial.Point{X: 10}, Grounded: true}
	p.Reconcile(AuthoritativeUpdate{Tick: 2, LastProcessedInput: 2, State: server})

	s := p.Stats()
	require.Equal(t, uint64(4), s.PredictionsMade)
	require.Equal(t, uint64(1), s.CorrectionsApplied)
	require.Greater(t, s.AverageError, 9.0)
	require.GreaterOrEqual(t, s.MaxError, s.AverageError)
}

func TestSimulationStats(t *testing.T) {
	sim := NewSimulation(DefaultServerConfig())
	sim.AddPlayer(1, PlayerState{Grounded: true})
	require.NoError(t, sim.SubmitInput(1, forwardInput(1)))
	require.Error(t, sim.SubmitInput(1, forwardInput(1)))
	sim.Advance()

	s := sim.Stats()
	require.Equal(t, uint64(1), s.Tick)
	require.Equal(t, 1, s.PlayerCount)
	require.Equal(t, uint64(1), s.InputsProcessed)
	require.Equal(t, uint64(1), s.InputsRejected)
}

func TestRenderPositionSmoothingEndpoints(t *testing.T) {
	for _, mode := range []SmoothingMode{SmoothLinear, SmoothCubic, SmoothHermite} {
		cfg := DefaultPredictorConfig()
		cfg.Smoothing = mode
		p := NewPredictor(cfg, PlayerState{Grounded: true})
		prev := p.State().Position
		p.Apply(forwardInput(1))

		require.InDelta(t, prev.Z, p.RenderPosition(0).Z, 1e-9)
		require.InDelta(t, p.State().Position.Z, p.RenderPosition(1).Z, 1e-9)
	}
}
