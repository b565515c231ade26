package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := Envelope{Tag: TagMovementUpdate, Sequence: 42, Payload: []byte("xyzw")}

	buf := Encode(nil, env)
	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, env.Tag, got.Tag)
	require.Equal(t, env.Sequence, got.Sequence)
	require.Equal(t, env.Payload, got.Payload)
}

func TestEncodeReusesScratchBuffer(t *testing.T) {
	scratch := make([]byte, 0, 64)
	out := Encode(scratch, Envelope{Tag: TagChatMessage, Payload: []byte("hi")})
	require.LessOrEqual(t, len(out), cap(scratch))
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x01})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	scratch := make([]byte, 0, 256)

	env := Envelope{Tag: TagCombatAction, Sequence: 7, Payload: []byte("hit")}
	_, err := WriteFrame(&buf, scratch, env)
	require.NoError(t, err)

	frame, err := ReadFrame(&buf, make([]byte, 0, 256))
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, env.Tag, got.Tag)
	require.Equal(t, env.Sequence, got.Sequence)
	require.Equal(t, env.Payload, got.Payload)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0x00, 0x20, 0x00, 0x01} // 2 MiB claimed length (exceeds 1 MiB max)
	buf.Write(header)

	_, err := ReadFrame(&buf, nil)
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	huge := make([]byte, MaxFrameSize+1)
	_, err := WriteFrame(&buf, nil, Envelope{Tag: TagEntityUpdate, Payload: huge})
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestExactMaxFrameSizeAccepted(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxFrameSize-envelopeHeaderSize)
	_, err := WriteFrame(&buf, nil, Envelope{Tag: TagEntityUpdate, Payload: payload})
	require.NoError(t, err)
}
