package storage

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// AccountStore verifies pre-hashed credentials against the accounts
// table. It satisfies the auth subsystem's CredentialVerifier.
type AccountStore struct {
	db *DB
}

// NewAccountStore creates an AccountStore over db.
func NewAccountStore(db *DB) *AccountStore { return &AccountStore{db: db} }

// Verify checks username/credential. A missing account or a credential
// mismatch both return playerID 0 with no error, so the caller cannot
// distinguish the two (and neither can a probing client).
func (s *AccountStore) Verify(ctx context.Context, username, credential string) (playerID uint64, banned bool, err error) {
	username = strings.ToLower(username)

	var (
		id     uint64
		stored string
	)
	err = s.db.pool.QueryRow(ctx,
		`SELECT player_id, credential, banned FROM accounts WHERE username = $1`, username,
	).Scan(&id, &stored, &banned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("querying account %q: %w", username, err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(credential)) != 1 {
		return 0, false, nil
	}
	if banned {
		return 0, true, nil
	}

	if _, err := s.db.pool.Exec(ctx,
		`UPDATE accounts SET last_login = now() WHERE player_id = $1`, id); err != nil {
		return 0, false, fmt.Errorf("stamping last login for %q: %w", username, err)
	}
	return id, false, nil
}

// Create inserts a new account and returns its player id.
func (s *AccountStore) Create(ctx context.Context, username, credential string) (uint64, error) {
	username = strings.ToLower(username)
	var id uint64
	err := s.db.pool.QueryRow(ctx,
		`INSERT INTO accounts (username, credential) VALUES ($1, $2) RETURNING player_id`,
		username, credential,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating account %q: %w", username, err)
	}
	return id, nil
}
