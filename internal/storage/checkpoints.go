package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// Checkpoint is the transient state persisted during a map transition's
// Saving phase and restored if the player reconnects mid-transfer.
type Checkpoint struct {
	PlayerID   uint64
	MapID      string
	InstanceID uint64
	Position   spatial.Point
	Buffs      []string
}

// CheckpointStore persists transition checkpoints. One row per player;
// a new transition overwrites the previous checkpoint.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a CheckpointStore over db.
func NewCheckpointStore(db *DB) *CheckpointStore { return &CheckpointStore{db: db} }

// Save upserts the player's checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	buffs, err := json.Marshal(cp.Buffs)
	if err != nil {
		return fmt.Errorf("encoding buffs for player %d: %w", cp.PlayerID, err)
	}
	_, err = s.db.pool.Exec(ctx,
		`INSERT INTO transition_checkpoints (player_id, map_id, instance_id, pos_x, pos_y, pos_z, buffs, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (player_id) DO UPDATE SET
		   map_id = EXCLUDED.map_id, instance_id = EXCLUDED.instance_id,
		   pos_x = EXCLUDED.pos_x, pos_y = EXCLUDED.pos_y, pos_z = EXCLUDED.pos_z,
		   buffs = EXCLUDED.buffs, saved_at = now()`,
		cp.PlayerID, cp.MapID, cp.InstanceID, cp.Position.X, cp.Position.Y, cp.Position.Z, buffs)
	if err != nil {
		return fmt.Errorf("saving checkpoint for player %d: %w", cp.PlayerID, err)
	}
	return nil
}

// Load returns the player's checkpoint, or (zero, false) if none exists.
func (s *CheckpointStore) Load(ctx context.Context, playerID uint64) (Checkpoint, bool, error) {
	var (
		cp    Checkpoint
		buffs []byte
	)
	cp.PlayerID = playerID
	err := s.db.pool.QueryRow(ctx,
		`SELECT map_id, instance_id, pos_x, pos_y, pos_z, buffs
		 FROM transition_checkpoints WHERE player_id = $1`, playerID,
	).Scan(&cp.MapID, &cp.InstanceID, &cp.Position.X, &cp.Position.Y, &cp.Position.Z, &buffs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("loading checkpoint for player %d: %w", playerID, err)
	}
	if err := json.Unmarshal(buffs, &cp.Buffs); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decoding buffs for player %d: %w", playerID, err)
	}
	return cp, true, nil
}

// Delete removes the player's checkpoint after a completed transition.
func (s *CheckpointStore) Delete(ctx context.Context, playerID uint64) error {
	if _, err := s.db.pool.Exec(ctx,
		`DELETE FROM transition_checkpoints WHERE player_id = $1`, playerID); err != nil {
		return fmt.Errorf("deleting checkpoint for player %d: %w", playerID, err)
	}
	return nil
}
