package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrTokenInvalid marks a token that fails signature or format checks.
var ErrTokenInvalid = errors.New("storage: token invalid")

// TokenStore mints HMAC-signed session tokens and records them for
// revocation. It satisfies the auth subsystem's TokenIssuer. The
// signature makes tokens self-authenticating on hot paths; the table
// makes Invalidate effective immediately.
type TokenStore struct {
	db     *DB
	secret []byte
	ttl    time.Duration
}

// NewTokenStore creates a TokenStore. secret is the configured signing
// secret; ttl bounds token lifetime (default 24h if zero).
func NewTokenStore(db *DB, secret string, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenStore{db: db, secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for playerID and records it.
func (s *TokenStore) Issue(ctx context.Context, playerID uint64) (string, error) {
	expires := time.Now().Add(s.ttl)
	token, err := signToken(s.secret, playerID, expires)
	if err != nil {
		return "", err
	}

	if _, err := s.db.pool.Exec(ctx,
		`INSERT INTO tokens (token, player_id, expires_at) VALUES ($1, $2, $3)`,
		token, playerID, expires); err != nil {
		return "", fmt.Errorf("recording token for player %d: %w", playerID, err)
	}
	return token, nil
}

// Invalidate revokes a token. Revoking an unknown token is a no-op: the
// caller treats logout as best-effort.
func (s *TokenStore) Invalidate(ctx context.Context, token string) error {
	if _, err := s.db.pool.Exec(ctx,
		`UPDATE tokens SET revoked = TRUE WHERE token = $1`, token); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// Check verifies signature and expiry offline, then consults the table
// for revocation.
func (s *TokenStore) Check(ctx context.Context, token string) (playerID uint64, err error) {
	playerID, expires, err := VerifyToken(s.secret, token)
	if err != nil {
		return 0, err
	}
	if time.Now().After(expires) {
		return 0, fmt.Errorf("%w: expired", ErrTokenInvalid)
	}

	var revoked bool
	err = s.db.pool.QueryRow(ctx,
		`SELECT revoked FROM tokens WHERE token = $1`, token).Scan(&revoked)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown token", ErrTokenInvalid)
	}
	if revoked {
		return 0, fmt.Errorf("%w: revoked", ErrTokenInvalid)
	}
	return playerID, nil
}

// tokenBody is playerID (8) + unix-nano expiry (8) + nonce (8).
const tokenBodyLen = 24

// signToken builds base64url(body || HMAC-SHA256(body)).
func signToken(secret []byte, playerID uint64, expires time.Time) (string, error) {
	body := make([]byte, tokenBodyLen)
	binary.BigEndian.PutUint64(body[0:8], playerID)
	binary.BigEndian.PutUint64(body[8:16], uint64(expires.UnixNano()))
	if _, err := rand.Read(body[16:24]); err != nil {
		return "", fmt.Errorf("generating token nonce: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(body)), nil
}

// VerifyToken checks a token's signature and returns its claims.
func VerifyToken(secret []byte, token string) (playerID uint64, expires time.Time, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenBodyLen+sha256.Size {
		return 0, time.Time{}, fmt.Errorf("%w: malformed", ErrTokenInvalid)
	}

	body, sig := raw[:tokenBodyLen], raw[tokenBodyLen:]
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return 0, time.Time{}, fmt.Errorf("%w: bad signature", ErrTokenInvalid)
	}

	playerID = binary.BigEndian.Uint64(body[0:8])
	expires = time.Unix(0, int64(binary.BigEndian.Uint64(body[8:16])))
	return playerID, expires, nil
}
