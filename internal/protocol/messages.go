package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Typed payload codecs for the core message set. Each message marshals
// into an envelope payload with fixed-order fields; strings carry a
// 2-byte big-endian length prefix. Unknown trailing bytes are ignored on
// read so fields can be appended compatibly.

// writer appends fields to a payload buffer.
type writer struct{ buf []byte }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }
func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }
func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// reader consumes fields from a payload buffer.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: payload truncated at offset %d", ErrMalformedFrame, r.off)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) i64() int64    { return int64(r.u64()) }
func (r *reader) f64() float64  { return math.Float64frombits(r.u64()) }

func (r *reader) str() string {
	n := int(r.u16())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

// LoginRequest asks for authentication with a pre-hashed credential.
type LoginRequest struct {
	Username   string
	Credential string
	Version    string
	DeviceID   string
}

func (m LoginRequest) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.str(m.Username)
	w.str(m.Credential)
	w.str(m.Version)
	w.str(m.DeviceID)
	return w.buf
}

func (m *LoginRequest) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Username = r.str()
	m.Credential = r.str()
	m.Version = r.str()
	m.DeviceID = r.str()
	return r.err
}

// ServerEntry is one row of the post-login server list.
type ServerEntry struct {
	ID   uint32
	Host string
	Port uint16
}

// LoginResponse carries the outcome, a token on success, and the server list.
type LoginResponse struct {
	Success bool
	Code    uint16 // reason code on failure, generalized outward
	Token   string
	Servers []ServerEntry
}

func (m LoginResponse) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	if m.Success {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u16(m.Code)
	w.str(m.Token)
	w.u16(uint16(len(m.Servers)))
	for _, s := range m.Servers {
		w.u32(s.ID)
		w.str(s.Host)
		w.u16(s.Port)
	}
	return w.buf
}

func (m *LoginResponse) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Success = r.u8() == 1
	m.Code = r.u16()
	m.Token = r.str()
	n := int(r.u16())
	m.Servers = nil
	for range n {
		m.Servers = append(m.Servers, ServerEntry{ID: r.u32(), Host: r.str(), Port: r.u16()})
	}
	return r.err
}

// HeartbeatRequest carries the client's send timestamp (unix nanos).
type HeartbeatRequest struct {
	ClientTime int64
}

func (m HeartbeatRequest) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.i64(m.ClientTime)
	return w.buf
}

func (m *HeartbeatRequest) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.ClientTime = r.i64()
	return r.err
}

// HeartbeatResponse echoes the server clock and the computed one-way latency.
type HeartbeatResponse struct {
	ServerTime   int64
	LatencyNanos int64
}

func (m HeartbeatResponse) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.i64(m.ServerTime)
	w.i64(m.LatencyNanos)
	return w.buf
}

func (m *HeartbeatResponse) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.ServerTime = r.i64()
	m.LatencyNanos = r.i64()
	return r.err
}

// MovementUpdate is one client input frame on the wire.
type MovementUpdate struct {
	Sequence  uint32
	Tick      uint64
	MoveX     float64
	MoveZ     float64
	Flags     uint8
	ViewYaw   float64
	ViewPitch float64
	Checksum  uint32
}

func (m MovementUpdate) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.u32(m.Sequence)
	w.u64(m.Tick)
	w.f64(m.MoveX)
	w.f64(m.MoveZ)
	w.u8(m.Flags)
	w.f64(m.ViewYaw)
	w.f64(m.ViewPitch)
	w.u32(m.Checksum)
	return w.buf
}

func (m *MovementUpdate) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Sequence = r.u32()
	m.Tick = r.u64()
	m.MoveX = r.f64()
	m.MoveZ = r.f64()
	m.Flags = r.u8()
	m.ViewYaw = r.f64()
	m.ViewPitch = r.f64()
	m.Checksum = r.u32()
	return r.err
}

// EntityUpdate is one entity's authoritative state in a snapshot fanout.
type EntityUpdate struct {
	Entity             uint64
	Tick               uint64
	LastProcessedInput uint32
	X, Y, Z            float64
	VX, VY, VZ         float64
	Yaw                float64
}

func (m EntityUpdate) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.u64(m.Entity)
	w.u64(m.Tick)
	w.u32(m.LastProcessedInput)
	w.f64(m.X)
	w.f64(m.Y)
	w.f64(m.Z)
	w.f64(m.VX)
	w.f64(m.VY)
	w.f64(m.VZ)
	w.f64(m.Yaw)
	return w.buf
}

func (m *EntityUpdate) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Entity = r.u64()
	m.Tick = r.u64()
	m.LastProcessedInput = r.u32()
	m.X = r.f64()
	m.Y = r.f64()
	m.Z = r.f64()
	m.VX = r.f64()
	m.VY = r.f64()
	m.VZ = r.f64()
	m.Yaw = r.f64()
	return r.err
}

// EntitySpawn announces an entity appearing in the observer's area.
type EntitySpawn struct {
	Entity   uint64
	Template uint32
	X, Y, Z  float64
}

func (m EntitySpawn) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.u64(m.Entity)
	w.u32(m.Template)
	w.f64(m.X)
	w.f64(m.Y)
	w.f64(m.Z)
	return w.buf
}

func (m *EntitySpawn) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Entity = r.u64()
	m.Template = r.u32()
	m.X = r.f64()
	m.Y = r.f64()
	m.Z = r.f64()
	return r.err
}

// EntityRemove announces an entity leaving the observer's area.
type EntityRemove struct {
	Entity uint64
}

func (m EntityRemove) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.u64(m.Entity)
	return w.buf
}

func (m *EntityRemove) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Entity = r.u64()
	return r.err
}

// CombatAction is a client hit claim awaiting validation.
type CombatAction struct {
	Victim    uint64
	OriginX   float64
	OriginY   float64
	OriginZ   float64
	DirX      float64
	DirY      float64
	DirZ      float64
	MaxRange  float64
	ShotTime  int64
	AbilityID uint32
}

func (m CombatAction) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.u64(m.Victim)
	w.f64(m.OriginX)
	w.f64(m.OriginY)
	w.f64(m.OriginZ)
	w.f64(m.DirX)
	w.f64(m.DirY)
	w.f64(m.DirZ)
	w.f64(m.MaxRange)
	w.i64(m.ShotTime)
	w.u32(m.AbilityID)
	return w.buf
}

func (m *CombatAction) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Victim = r.u64()
	m.OriginX = r.f64()
	m.OriginY = r.f64()
	m.OriginZ = r.f64()
	m.DirX = r.f64()
	m.DirY = r.f64()
	m.DirZ = r.f64()
	m.MaxRange = r.f64()
	m.ShotTime = r.i64()
	m.AbilityID = r.u32()
	return r.err
}

// CombatResult reports a validated (or rejected) hit back to the attacker.
type CombatResult struct {
	Victim     uint64
	Valid      bool
	Reason     uint8
	ImpactX    float64
	ImpactY    float64
	ImpactZ    float64
	Confidence float64
}

func (m CombatResult) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.u64(m.Victim)
	if m.Valid {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u8(m.Reason)
	w.f64(m.ImpactX)
	w.f64(m.ImpactY)
	w.f64(m.ImpactZ)
	w.f64(m.Confidence)
	return w.buf
}

func (m *CombatResult) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Victim = r.u64()
	m.Valid = r.u8() == 1
	m.Reason = r.u8()
	m.ImpactX = r.f64()
	m.ImpactY = r.f64()
	m.ImpactZ = r.f64()
	m.Confidence = r.f64()
	return r.err
}

// ChatMessage relays player chat.
type ChatMessage struct {
	From    uint64
	Channel uint8
	Text    string
}

func (m ChatMessage) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.u64(m.From)
	w.u8(m.Channel)
	w.str(m.Text)
	return w.buf
}

func (m *ChatMessage) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.From = r.u64()
	m.Channel = r.u8()
	m.Text = r.str()
	return r.err
}

// EnterWorldRequest asks to place the authenticated player into a map.
type EnterWorldRequest struct {
	MapID      string
	Difficulty uint16
	Private    bool
}

func (m EnterWorldRequest) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.str(m.MapID)
	w.u16(m.Difficulty)
	if m.Private {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.buf
}

func (m *EnterWorldRequest) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.MapID = r.str()
	m.Difficulty = r.u16()
	m.Private = r.u8() == 1
	return r.err
}

// EnterWorldResponse reports the placement outcome.
type EnterWorldResponse struct {
	Success  bool
	Code     uint16
	Instance uint64
	X, Y, Z  float64
}

func (m EnterWorldResponse) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	if m.Success {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u16(m.Code)
	w.u64(m.Instance)
	w.f64(m.X)
	w.f64(m.Y)
	w.f64(m.Z)
	return w.buf
}

func (m *EnterWorldResponse) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.Success = r.u8() == 1
	m.Code = r.u16()
	m.Instance = r.u64()
	m.X = r.f64()
	m.Y = r.f64()
	m.Z = r.f64()
	return r.err
}

// MapChange tells the client its map changed; seamless suppresses the
// loading screen.
type MapChange struct {
	MapID    string
	Instance uint64
	X, Y, Z  float64
	Seamless bool
}

func (m MapChange) Marshal(dst []byte) []byte {
	w := writer{buf: dst[:0]}
	w.str(m.MapID)
	w.u64(m.Instance)
	w.f64(m.X)
	w.f64(m.Y)
	w.f64(m.Z)
	if m.Seamless {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.buf
}

func (m *MapChange) Unmarshal(payload []byte) error {
	r := reader{buf: payload}
	m.MapID = r.str()
	m.Instance = r.u64()
	m.X = r.f64()
	m.Y = r.f64()
	m.Z = r.f64()
	m.Seamless = r.u8() == 1
	return r.err
}
