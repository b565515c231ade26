// Package storage is the Postgres-backed implementation of the core's
// three external collaborators: the credential verifier, the token
// issuer, and the checkpoint store used by map transitions. The core
// depends only on the interfaces; this package is the reference backend.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (d *DB) Close() { d.pool.Close() }

// Pool returns the underlying pgx pool.
func (d *DB) Pool() *pgxpool.Pool { return d.pool }
