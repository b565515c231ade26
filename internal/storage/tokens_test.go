package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenSignVerifyRoundTrip(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	tok, err := signToken(secret, 42, expires)
	require.NoError(t, err)

	player, exp, err := VerifyToken(secret, tok)
	require.NoError(t, err)
	require.Equal(t, uint64(42), player)
	require.Equal(t, expires.UnixNano(), exp.UnixNano())
}

func TestTokensAreUnique(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	a, err := signToken(secret, 42, expires)
	require.NoError(t, err)
	b, err := signToken(secret, 42, expires)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonce must differentiate otherwise-identical tokens")
}

func TestVerifyTokenRejectsTampering(t *testing.T) {
	tok, err := signToken(secret, 42, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, err = VerifyToken([]byte("wrong-secret-wrong-secret-wrong!"), tok)
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, _, err = VerifyToken(secret, tok[:len(tok)-4])
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, _, err = VerifyToken(secret, "not-base64-???")
	require.ErrorIs(t, err, ErrTokenInvalid)
}
