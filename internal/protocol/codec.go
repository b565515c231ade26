// Package protocol implements the wire codec: a 4-byte big-endian
// length-prefixed frame carrying a small envelope of {type tag, sequence,
// payload}. Encoding is allocation-light — callers pass a scratch buffer
// that is reused across frames on the hot path.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the hard ceiling on a single frame's length (4-byte
// length prefix value). Exceeding it is fatal for the owning session.
const MaxFrameSize = 1 << 20 // 1 MiB

// lengthPrefixSize is the size, in bytes, of the frame's length header.
const lengthPrefixSize = 4

// envelopeHeaderSize is tag (2 bytes) + sequence (4 bytes), preceding the payload.
const envelopeHeaderSize = 2 + 4

// Tag identifies a message type. Tags are stable wire values; never
// renumber an existing one.
type Tag uint16

// Known message tags. Unknown tags decode
// successfully — they are a dispatcher concern, not a codec error.
const (
	TagLoginRequest Tag = iota + 1
	TagLoginResponse
	TagLogoutRequest
	TagLogoutResponse
	TagHeartbeatRequest
	TagHeartbeatResponse
	TagEnterWorldRequest
	TagEnterWorldResponse
	TagMovementUpdate
	TagEntityUpdate
	TagEntitySpawn
	TagEntityRemove
	TagCombatAction
	TagCombatResult
	TagChatMessage
	TagMapChange
)

// Envelope is the decoded unit the dispatcher operates on. Payload is a
// view into the buffer passed to Decode and is only valid until the next
// call reusing that buffer.
type Envelope struct {
	Tag      Tag
	Sequence uint32
	Payload  []byte
}

// Encode serializes env into dst, growing and returning a new slice only
// if dst's capacity is insufficient. It performs no I/O and no allocation
// in the steady state where the caller reuses a scratch buffer across calls.
func Encode(dst []byte, env Envelope) []byte {
	need := envelopeHeaderSize + len(env.Payload)
	if cap(dst) < need {
		dst = make([]byte, need)
	} else {
		dst = dst[:need]
	}

	binary.BigEndian.PutUint16(dst[0:2], uint16(env.Tag))
	binary.BigEndian.PutUint32(dst[2:6], env.Sequence)
	copy(dst[envelopeHeaderSize:], env.Payload)
	return dst
}

// Decode parses a single envelope out of frame. The returned Envelope's
// Payload aliases frame — callers that retain it past the lifetime of the
// underlying buffer must copy.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) < envelopeHeaderSize {
		return Envelope{}, fmt.Errorf("%w: frame too short for envelope header (%d bytes)", ErrMalformedFrame, len(frame))
	}

	return Envelope{
		Tag:      Tag(binary.BigEndian.Uint16(frame[0:2])),
		Sequence: binary.BigEndian.Uint32(frame[2:6]),
		Payload:  frame[envelopeHeaderSize:],
	}, nil
}

// WriteFrame encodes env with the caller-provided scratch buffer and writes
// the length-prefixed frame to w. scratch is reused across calls; its
// capacity grows only if a single envelope needs more room.
func WriteFrame(w io.Writer, scratch []byte, env Envelope) ([]byte, error) {
	body := Encode(scratch[:min(len(scratch), cap(scratch))], env)
	if len(body) > MaxFrameSize {
		return body, fmt.Errorf("%w: %d bytes exceeds %d", ErrOversizeFrame, len(body), MaxFrameSize)
	}

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return body, fmt.Errorf("protocol: writing length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return body, fmt.Errorf("protocol: writing frame body: %w", err)
	}
	return body, nil
}

// ReadFrame reads one length-prefixed frame from r into (a possibly grown)
// buf and returns the body slice. Length is validated against MaxFrameSize
// before the body buffer is sized, so an oversize claim never drives an
// allocation proportional to an attacker-controlled value.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("protocol: reading length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrMalformedFrame)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrOversizeFrame, n, MaxFrameSize)
	}

	if cap(buf) < int(n) {
		buf = make([]byte, n)
	} else {
		buf = buf[:n]
	}

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("protocol: reading frame body: %w", err)
	}
	return buf, nil
}
