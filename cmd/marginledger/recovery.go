package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"MarginLedger/internal/core"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"

	"github.com/rs/zerolog"
)

// ErrLogAhead means the event log holds commands the latest snapshot does not cover. They
// cannot be replayed: their swaps already happened at the venues.
var ErrLogAhead = errors.New("recovery: event log is ahead of the latest snapshot")

// recoverState restores the engine from the latest verified snapshot. When the log is ahead
// of it, strict recovery refuses to start; otherwise the engine resumes after the log head.
func recoverState(
	ctx context.Context,
	engine *core.DeterministicCore,
	snapshots *persistence.SnapshotManager,
	strict bool,
	log zerolog.Logger,
) error {
	snapSeq := int64(-1)
	snap, err := snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		var st core.SnapshotState
		if err := json.Unmarshal(snap.State, &st); err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := engine.RestoreFromSnapshot(&st); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		snapSeq = snap.Sequence
		log.Info().Int64("sequence", snapSeq).Int("positions", len(st.Positions)).Msg("state restored from snapshot")
	} else {
		log.Info().Msg("no snapshot, cold start")
	}

	head, err := snapshots.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("read log head: %w", err)
	}
	if head <= snapSeq {
		return nil
	}
	if strict {
		return fmt.Errorf("%w: snapshot at %d, log at %d", ErrLogAhead, snapSeq, head)
	}
	log.Warn().Int64("snapshot", snapSeq).Int64("log_head", head).
		Msg("event log ahead of snapshot; resuming after the log head without those commands")
	engine.ResumeAfter(head)
	return nil
}

// rebuildAndSeed rebuilds balances and close history from the log, then writes the engine's
// positions and pools, which only the engine can reconstruct.
func rebuildAndSeed(
	ctx context.Context,
	db *sql.DB,
	engine *core.DeterministicCore,
	worker *projection.ProjectionWorker,
	log zerolog.Logger,
) error {
	if err := projection.RebuildProjections(ctx, db, log); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	st := engine.CreateSnapshotState()
	return worker.Seed(ctx, st.Positions, st.Pools, engine.GetSequence()-1)
}
