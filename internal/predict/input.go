// Package predict implements client-side prediction and server-side
// reconciliation of player movement: an ordered per-client input stream,
// an authoritative fixed-step simulation that predicts through input
// gaps, and a client predictor that replays buffered inputs on top of
// authoritative corrections. Both sides share one deterministic kinematic
// step so a replay reproduces exactly what local simulation would have
// produced.
package predict

import (
	"hash/crc32"
	"math"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// ActionFlags is the bitmask of held action keys in one input.
type ActionFlags uint8

const (
	FlagJump ActionFlags = 1 << iota
	FlagSprint
	FlagCrouch
)

// Input is one client input frame. Sequence numbers are per-client and
// strictly increasing; the stream is finite and never restarts within a
// session.
type Input struct {
	Sequence  uint32
	Tick      uint64
	Timestamp time.Time
	// Move is the intended move direction in the XZ plane, expected in
	// the unit disk; Y is ignored by the kinematic step.
	Move      spatial.Point
	Flags     ActionFlags
	ViewYaw   float64
	ViewPitch float64
	AbilityID uint32
	TargetID  uint64
	// Checksum, if non-zero, must match the input's computed checksum.
	Checksum uint32
}

// ComputeChecksum derives the integrity checksum clients stamp on inputs.
func (in Input) ComputeChecksum() uint32 {
	var buf [38]byte
	put32 := func(off int, v uint32) {
		buf[off] = byte(v >> 24)
		buf[off+1] = byte(v >> 16)
		buf[off+2] = byte(v >> 8)
		buf[off+3] = byte(v)
	}
	put32(0, in.Sequence)
	put32(4, uint32(in.Tick))
	put32(8, math.Float32bits(float32(in.Move.X)))
	put32(12, math.Float32bits(float32(in.Move.Y)))
	put32(16, math.Float32bits(float32(in.Move.Z)))
	buf[20] = byte(in.Flags)
	put32(21, math.Float32bits(float32(in.ViewYaw)))
	put32(25, math.Float32bits(float32(in.ViewPitch)))
	put32(29, in.AbilityID)
	put32(33, uint32(in.TargetID))
	buf[37] = byte(in.TargetID >> 32)
	return crc32.ChecksumIEEE(buf[:])
}

// PlayerState is the kinematic state advanced by Step. Identical on both
// sides so the reconciliation replay law holds bit-for-bit.
type PlayerState struct {
	Position spatial.Point
	Velocity spatial.Point
	Yaw      float64
	Grounded bool
}

// Kinematics bounds and shapes the shared movement step.
type Kinematics struct {
	WalkSpeed    float64 // units/s
	SprintFactor float64
	CrouchFactor float64
	JumpSpeed    float64 // initial vertical velocity
	Gravity      float64 // units/s^2, positive down
	TickRate     int     // simulation Hz
}

// DefaultKinematics returns the standard 60 Hz movement tuning.
func DefaultKinematics() Kinematics {
	return Kinematics{
		WalkSpeed:    6,
		SprintFactor: 1.6,
		CrouchFactor: 0.5,
		JumpSpeed:    4.5,
		Gravity:      9.81,
		TickRate:     60,
	}
}

// TickPeriod returns the duration of one simulation tick.
func (k Kinematics) TickPeriod() time.Duration {
	return time.Second / time.Duration(k.TickRate)
}

// MaxSpeed returns the fastest legal horizontal speed under k.
func (k Kinematics) MaxSpeed() float64 { return k.WalkSpeed * k.SprintFactor }

// Step advances state by one tick under in. Pure and deterministic: the
// same (state, input) always yields the same result, on client and
// server alike.
func Step(k Kinematics, state PlayerState, in Input) PlayerState {
	dt := 1.0 / float64(k.TickRate)

	speed := k.WalkSpeed
	if in.Flags&FlagSprint != 0 {
		speed *= k.SprintFactor
	}
	if in.Flags&FlagCrouch != 0 {
		speed *= k.CrouchFactor
	}

	move := clampDisk(in.Move)
	// Move is given in view space; rotate into world space by yaw.
	sin, cos := math.Sin(in.ViewYaw), math.Cos(in.ViewYaw)
	wx := move.X*cos - move.Z*sin
	wz := move.X*sin + move.Z*cos

	state.Velocity.X = wx * speed
	state.Velocity.Z = wz * speed
	state.Yaw = in.ViewYaw

	if in.Flags&FlagJump != 0 && state.Grounded {
		state.Velocity.Y = k.JumpSpeed
		state.Grounded = false
	}
	if !state.Grounded {
		state.Velocity.Y -= k.Gravity * dt
	}

	state.Position.X += state.Velocity.X * dt
	state.Position.Y += state.Velocity.Y * dt
	state.Position.Z += state.Velocity.Z * dt

	if state.Position.Y <= 0 {
		state.Position.Y = 0
		state.Velocity.Y = 0
		state.Grounded = true
	}
	return state
}

// clampDisk limits a move vector to the unit disk in the XZ plane.
func clampDisk(p spatial.Point) spatial.Point {
	m := math.Sqrt(p.X*p.X + p.Z*p.Z)
	if m <= 1 {
		return spatial.Point{X: p.X, Z: p.Z}
	}
	return spatial.Point{X: p.X / m, Z: p.Z / m}
}
