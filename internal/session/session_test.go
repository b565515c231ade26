package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	s := New(1, server, NewBytePool(64), DefaultConfig())
	return s, client
}

func TestStateTransitions(t *testing.T) {
	s, _ := newTestSession(t)
	require.Equal(t, StateConnecting, s.State())

	s.SetState(StateHandshake)
	s.SetState(StateConnected)
	require.Equal(t, StateConnected, s.State())

	s.BindPlayer(42)
	s.SetState(StateAuthenticated)
	require.Equal(t, StateAuthenticated, s.State())
	require.Equal(t, uint64(42), s.PlayerID())
}

func TestSetStateRefusesToLeaveDisconnected(t *testing.T) {
	s, _ := newTestSession(t)
	s.Disconnect()
	s.SetState(StateConnected)
	require.Equal(t, StateDisconnected, s.State())
}

func TestNextInboundSeqRejectsDuplicatesAndReplays(t *testing.T) {
	s, _ := newTestSession(t)

	_, ok := s.NextInboundSeq(1)
	require.True(t, ok)

	gap, ok := s.NextInboundSeq(2)
	require.True(t, ok)
	require.Zero(t, gap)

	_, ok = s.NextInboundSeq(2)
	require.False(t, ok, "duplicate sequence must be rejected")

	_, ok = s.NextInboundSeq(1)
	require.False(t, ok, "replay of an earlier sequence must be rejected")

	gap, ok = s.NextInboundSeq(5)
	require.True(t, ok)
	require.Equal(t, uint32(2), gap, "sequences 3 and 4 were skipped")
}

func TestSendAndRunDeliversFrame(t *testing.T) {
	s, client := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.Send([]byte("hello"), false))

	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestSendAfterDisconnectFails(t *testing.T) {
	s, _ := newTestSession(t)
	s.Disconnect()

	err := s.Send([]byte("late"), false)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
}

func TestUDPEndpointBinding(t *testing.T) {
	s, _ := newTestSession(t)
	require.Nil(t, s.UDPEndpoint())

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	s.BindUDPEndpoint(addr)
	require.Equal(t, addr, s.UDPEndpoint())
}

func TestHeartbeatLatencyNonNegative(t *testing.T) {
	_, latency := Heartbeat(time.Now().Add(-50 * time.Millisecond))
	require.GreaterOrEqual(t, latency, 50*time.Millisecond)
}
