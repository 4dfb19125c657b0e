package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSnapshotMismatch is returned when a stored snapshot does not read back as written.
var ErrSnapshotMismatch = errors.New("persistence: snapshot read-back mismatch")

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData wraps the engine's serialized state. State is opaque here; the orchestrator
// encodes and decodes core.SnapshotState.
type SnapshotData struct {
	Sequence  int64           `json:"sequence"`
	StateHash []byte          `json:"state_hash"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

const snapshotFormatVersion = 1

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot unverified; VerifySnapshot promotes it.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot at %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// VerifySnapshot reads the snapshot back and marks it verified when its state hash matches.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64, stateHash []byte) error {
	var stored []byte
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash, data FROM event_log.snapshots WHERE sequence = $1
	`, sequence).Scan(&stored, &data)
	if err != nil {
		return fmt.Errorf("read back snapshot %d: %w", sequence, err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: decode %d: %v", ErrSnapshotMismatch, sequence, err)
	}
	if !bytes.Equal(stored, stateHash) || !bytes.Equal(snap.StateHash, stateHash) || snap.Sequence != sequence {
		return fmt.Errorf("%w: sequence %d", ErrSnapshotMismatch, sequence)
	}

	_, err = sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot; nil means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// PruneSnapshots deletes all but the newest keep verified snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence < (
			SELECT COALESCE(MIN(sequence), 0) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE verified = TRUE
				ORDER BY sequence DESC
				LIMIT $1
			) newest
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetLatestSequence returns the highest sequence in the event log, -1 when it is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
