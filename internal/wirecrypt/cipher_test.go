package wirecrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestMaskIsInvolution(t *testing.T) {
	c := New()
	c.SetKey(testKey())

	data := []byte("move 10 20 30 jump")
	want := string(data)

	c.Mask(42, data)
	require.NotEqual(t, want, string(data))
	c.Mask(42, data)
	require.Equal(t, want, string(data))
}

func TestMaskNoopBeforeKeying(t *testing.T) {
	c := New()
	data := []byte("association")
	c.Mask(0, data)
	require.Equal(t, "association", string(data))
	require.False(t, c.Keyed())
}

func TestMaskIndependentOfPacketOrder(t *testing.T) {
	sender := New()
	sender.SetKey(testKey())
	receiver := New()
	receiver.SetKey(testKey())

	a := []byte("first datagram")
	b := []byte("second datagram")
	wantA, wantB := string(a), string(b)

	sender.Mask(1, a)
	sender.Mask(2, b)

	// Receiver sees them reordered; each still decodes on its own.
	receiver.Mask(2, b)
	receiver.Mask(1, a)
	require.Equal(t, wantA, string(a))
	require.Equal(t, wantB, string(b))
}

func TestDifferentSequencesDiverge(t *testing.T) {
	c := New()
	c.SetKey(testKey())

	a := []byte("same payload")
	b := []byte("same payload")
	c.Mask(1, a)
	c.Mask(2, b)
	require.NotEqual(t, string(a), string(b), "keystream must vary by sequence")
}

func TestDifferentKeysDiverge(t *testing.T) {
	a := New()
	a.SetKey(testKey())
	b := New()
	other := testKey()
	other[0] ^= 0xFF
	b.SetKey(other)

	pa := []byte("same payload")
	pb := []byte("same payload")
	a.Mask(1, pa)
	b.Mask(1, pb)
	require.NotEqual(t, string(pa), string(pb))
}
