package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"

	"github.com/rs/zerolog"
)

// coreLoop is the single goroutine that owns the engine. HTTP and NATS submissions share
// one channel, so every command is applied in the order it was queued.
type coreLoop struct {
	engine      *core.DeterministicCore
	snapshots   *persistence.SnapshotManager
	interval    int64
	keep        int
	metrics     *observability.Metrics
	log         zerolog.Logger
	persist     chan core.CoreOutput
	submissions <-chan ingestion.Submission
}

func (l *coreLoop) run(ctx context.Context) error {
	lastSnapshot := l.engine.GetSequence()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-l.submissions:
			// A command that started runs to completion; its swap is not cancellable.
			err := l.engine.ProcessEvent(context.WithoutCancel(ctx), sub.Event)
			sub.Finish(err)
			if err != nil && sub.Done == nil {
				l.log.Warn().Err(err).
					Str("command", sub.Event.EventType().String()).
					Str("request_id", sub.Event.IdempotencyKey()).
					Msg("queued command rejected")
			}

			if l.metrics != nil {
				l.metrics.SetChannelMetrics("persist", len(l.persist), cap(l.persist))
				l.metrics.SetChannelMetrics("submissions", len(l.submissions), cap(l.submissions))
				if !sub.Received.IsZero() {
					l.metrics.IngestToApply.WithLabelValues(sub.Event.EventType().String()).
						Observe(time.Since(sub.Received).Seconds())
				}
			}

			if l.interval > 0 && l.engine.GetSequence()-lastSnapshot >= l.interval {
				if err := l.snapshot(ctx); err != nil {
					l.log.Warn().Err(err).Msg("periodic snapshot skipped")
				} else {
					lastSnapshot = l.engine.GetSequence()
				}
			}
		}
	}
}

// snapshot waits until the persistence worker has written everything the snapshot covers,
// so a snapshot is never ahead of the event log.
func (l *coreLoop) snapshot(ctx context.Context) error {
	target := l.engine.GetSequence() - 1
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		head, err := l.snapshots.GetLatestSequence(waitCtx)
		if err != nil {
			return fmt.Errorf("read log head: %w", err)
		}
		if head >= target {
			break
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("event log at %d, waiting for %d: %w", head, target, waitCtx.Err())
		case <-ticker.C:
		}
	}
	if err := takeSnapshot(ctx, l.engine, l.snapshots, l.keep, l.metrics); err != nil {
		return err
	}
	l.log.Info().Int64("sequence", target).Msg("periodic snapshot saved")
	return nil
}

// takeSnapshot saves the engine state, reads it back to verify it and prunes old snapshots.
// It must run on the goroutine that owns the engine.
func takeSnapshot(
	ctx context.Context,
	engine *core.DeterministicCore,
	snapshots *persistence.SnapshotManager,
	keep int,
	metrics *observability.Metrics,
) error {
	if engine.GetSequence() == 0 {
		return nil
	}
	start := time.Now()

	state := engine.CreateSnapshotState()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data := &persistence.SnapshotData{
		Sequence:  state.Sequence,
		StateHash: state.StateHash[:],
		State:     raw,
		CreatedAt: time.Now().UTC(),
	}

	size, err := snapshots.SaveSnapshot(ctx, data)
	if err != nil {
		return err
	}
	if err := snapshots.VerifySnapshot(ctx, data.Sequence, data.StateHash); err != nil {
		return err
	}
	if keep > 0 {
		if _, err := snapshots.PruneSnapshots(ctx, keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	return nil
}

// bridgePersist converts engine outputs into storage rows and outbound messages. Rows are
// sent with a blocking send; outbound messages are dropped when the publisher is behind.
// Closing in closes both outputs.
func bridgePersist(
	ctx context.Context,
	in <-chan core.CoreOutput,
	out chan<- persistence.CoreOutput,
	publish chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) error {
	defer close(out)
	if publish != nil {
		defer close(publish)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output, ok := <-in:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			row := persistence.CoreOutput{
				EventRow:    persistence.NewEventRow(output.Envelope, output.Command),
				JournalRows: persistence.NewJournalRows(output.Batch, seq),
				EmittedAt:   time.Now(),
			}
			select {
			case out <- row:
			default:
				if metrics != nil {
					metrics.PersistBackpressure.Inc()
				}
				select {
				case out <- row:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			if publish == nil {
				continue
			}
			msgs, err := ingestion.NewPublishableEvents(output.Envelope, output.Outcomes)
			if err != nil {
				log.Error().Err(err).Int64("sequence", seq).Msg("encode outbound events")
				continue
			}
			for _, m := range msgs {
				select {
				case publish <- m:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}

// bridgeProjection converts engine outputs into projection updates. Closing in closes out.
func bridgeProjection(ctx context.Context, in <-chan core.CoreOutput, out chan<- projection.ProjectionOutput) error {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output, ok := <-in:
			if !ok {
				return nil
			}
			p := projection.ProjectionOutput{
				Sequence:  output.Envelope.Sequence,
				Timestamp: output.Envelope.Timestamp,
				Positions: output.Positions,
				Pools:     output.Pools,
				Outcomes:  output.Outcomes,
			}
			if output.Batch != nil {
				p.Journals = output.Batch.Journals
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
