package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// WorkerID is the watermark row this worker advances.
const WorkerID = "main"

// ProjectionOutput mirrors the part of a committed event the read model needs.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	Timestamp time.Time
	Journals  []ledger.Journal
	Positions []state.PositionRecord
	Pools     []state.BucketSnapshot
	Outcomes  []event.Outcome
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop; a worker that fell behind is
// repaired by RebuildProjections plus Seed.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
	}
}

// LastSequence is the last sequence the worker applied.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.Apply(ctx, output); err != nil {
				// Projections are eventually consistent; the event log stays authoritative.
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// Apply writes one committed event to the projection tables in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := updateBalance(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, rec := range output.Positions {
		if err := upsertPosition(ctx, tx, rec, output.Sequence); err != nil {
			return fmt.Errorf("position projection %d: %w", rec.ID, err)
		}
	}

	for _, o := range output.Outcomes {
		pc := closedOutcome(o)
		if pc == nil {
			continue
		}
		if err := insertCloseHistory(ctx, tx, NewCloseHistoryEntry(output.Sequence, output.Timestamp, pc)); err != nil {
			return fmt.Errorf("close history %d: %w", pc.PositionID, err)
		}
		if !pc.Partial {
			if err := markClosed(ctx, tx, pc, output.Sequence); err != nil {
				return fmt.Errorf("close position %d: %w", pc.PositionID, err)
			}
		}
	}

	for _, p := range output.Pools {
		if err := upsertPool(ctx, tx, p, output.Sequence); err != nil {
			return fmt.Errorf("pool projection %s: %w", p.Name, err)
		}
	}

	if err := advanceWatermark(ctx, tx, output.Sequence); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(WorkerID).Observe(time.Since(start).Seconds())
	}
	return nil
}

// Seed overwrites the position and pool tables with the state the core restored from a
// snapshot. Balances are not seeded: they are rebuilt from the journal.
func (pw *ProjectionWorker) Seed(ctx context.Context, positions []state.PositionRecord, pools []state.BucketSnapshot, seq int64) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range positions {
		if err := upsertPosition(ctx, tx, rec, seq); err != nil {
			return fmt.Errorf("seed position %d: %w", rec.ID, err)
		}
	}
	for _, p := range pools {
		if err := upsertPool(ctx, tx, p, seq); err != nil {
			return fmt.Errorf("seed pool %s: %w", p.Name, err)
		}
	}
	if err := advanceWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = seq
	pw.log.Info().Int64("sequence", seq).Int("positions", len(positions)).Int("pools", len(pools)).Msg("projections seeded")
	return nil
}

func closedOutcome(o event.Outcome) *event.PositionClosed {
	switch v := o.(type) {
	case *event.PositionClosed:
		return v
	case event.PositionClosed:
		return &v
	default:
		return nil
	}
}

// updateBalance applies one journal: the debit account grows, the credit account shrinks.
func updateBalance(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	if err := addToBalance(ctx, tx, j.DebitAccount, j.Amount.Dec(), seq); err != nil {
		return err
	}
	return addToBalance(ctx, tx, j.CreditAccount, "-"+j.Amount.Dec(), seq)
}

func addToBalance(ctx context.Context, tx *sql.Tx, k ledger.AccountKey, delta string, seq int64) error {
	var owner any
	if k.Scope == ledger.AccountScopeUser {
		owner = k.Owner()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, owner, sub_type, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $5::NUMERIC, last_sequence = $6
	`, k.AccountPath(), owner, k.SubTypeName(), k.Asset, delta, seq)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, rec state.PositionRecord, seq int64) error {
	wire := make([]event.Condition, len(rec.Conditions))
	for i, c := range rec.Conditions {
		wire[i] = event.Condition{Kind: c.Kind.String(), Price: dec(c.Price)}
	}
	conditions, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.positions (
			position_id, owner, status, source_asset, target_asset, target_amount, pool,
			scaled_debt, deposit, entry_price, leverage, conditions, created_at, version, last_sequence,
			health_ratio, liquidation_price
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC, $7,
			$8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15,
			$16::NUMERIC, $17::NUMERIC
		)
		ON CONFLICT (position_id) DO UPDATE SET
			status = EXCLUDED.status,
			target_amount = EXCLUDED.target_amount,
			scaled_debt = EXCLUDED.scaled_debt,
			deposit = EXCLUDED.deposit,
			entry_price = EXCLUDED.entry_price,
			leverage = EXCLUDED.leverage,
			conditions = EXCLUDED.conditions,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence,
			health_ratio = EXCLUDED.health_ratio,
			liquidation_price = EXCLUDED.liquidation_price
		WHERE projections.positions.version <= EXCLUDED.version
	`,
		int64(rec.ID), rec.Owner, rec.Status.String(), rec.SourceAsset, rec.TargetAsset, dec(rec.TargetAmount), rec.Pool,
		dec(rec.ScaledDebt), dec(rec.Deposit), dec(rec.EntryPrice), dec(rec.Leverage), string(conditions),
		rec.CreatedAt, rec.Version, seq,
		nullDec(rec.HealthRatio), nullDec(rec.LiquidationPrice),
	)
	return err
}

// markClosed moves a position to its terminal status after a full close.
func markClosed(ctx context.Context, tx *sql.Tx, pc *event.PositionClosed, seq int64) error {
	status := state.PositionStatusClosed
	if pc.Reason == state.CloseReasonLiquidation.String() {
		status = state.PositionStatusLiquidated
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions
		SET status = $2, target_amount = 0, scaled_debt = 0, deposit = 0, last_sequence = $3
		WHERE position_id = $1
	`, int64(pc.PositionID), status.String(), seq)
	return err
}

func upsertPool(ctx context.Context, tx *sql.Tx, p state.BucketSnapshot, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pools (
			name, asset, total_liquidity, total_borrowed, borrow_index, borrow_rate, last_accrual, last_sequence
		) VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			total_liquidity = EXCLUDED.total_liquidity,
			total_borrowed = EXCLUDED.total_borrowed,
			borrow_index = EXCLUDED.borrow_index,
			borrow_rate = EXCLUDED.borrow_rate,
			last_accrual = EXCLUDED.last_accrual,
			last_sequence = EXCLUDED.last_sequence
	`, p.Name, p.Asset, dec(p.TotalLiquidity), dec(p.TotalBorrowed), dec(p.BorrowIndex), dec(p.BorrowRate), p.LastAccrual, seq)
	return err
}

func advanceWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// nullDec maps an unset value to SQL NULL.
func nullDec(v *uint256.Int) any {
	if v == nil {
		return nil
	}
	return v.Dec()
}

// RebuildProjections rebuilds balances and close history from the event log. Positions and
// pools are not derivable from journals alone; callers follow up with Seed from core state.
func RebuildProjections(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.close_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Each journal contributes +amount to its debit account and -amount to its credit account.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, owner, sub_type, asset, balance, last_sequence)
		SELECT
			account_path,
			CASE WHEN split_part(account_path, ':', 1) = 'user'
				THEN split_part(account_path, ':', 2)::UUID END,
			CASE WHEN split_part(account_path, ':', 1) IN ('user', 'pool')
				THEN split_part(account_path, ':', 3)
				ELSE split_part(account_path, ':', 2) END,
			asset,
			SUM(delta),
			MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, rebuildCloseHistory); err != nil {
		return fmt.Errorf("rebuild close history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Msg("projection rebuild complete")
	return nil
}
