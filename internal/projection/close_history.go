package projection

import (
	"context"
	"database/sql"
	"time"

	"MarginLedger/internal/event"
)

// CloseHistoryEntry is one full or partial close as stored in projections.close_history.
type CloseHistoryEntry struct {
	Sequence int64
	ClosedAt time.Time
	event.PositionClosed
}

func NewCloseHistoryEntry(seq int64, at time.Time, pc *event.PositionClosed) CloseHistoryEntry {
	return CloseHistoryEntry{Sequence: seq, ClosedAt: at, PositionClosed: *pc}
}

func insertCloseHistory(ctx context.Context, tx *sql.Tx, e CloseHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.close_history (
			sequence, position_id, owner, closer, reason, partial, source_asset,
			decrease_amount, gross_proceeds, repaid_debt, protocol_fee, fee_asset,
			keeper_reward, output_amount, realized_pnl, shortfall_covered, to_treasury, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12,
			$13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18
		)
		ON CONFLICT (sequence, position_id) DO NOTHING
	`,
		e.Sequence, int64(e.PositionID), e.Owner, e.Closer, e.Reason, e.Partial, e.SourceAsset,
		numeric(e.DecreaseAmount), numeric(e.GrossProceeds), numeric(e.RepaidDebt), numeric(e.ProtocolFee), e.FeeAsset,
		numeric(e.KeeperReward), numeric(e.OutputAmount), numeric(e.RealizedPnL), numeric(e.ShortfallCover), numeric(e.ToTreasury),
		e.ClosedAt,
	)
	return err
}

// rebuildCloseHistory re-derives close history from PositionClosed outcomes in the event log.
const rebuildCloseHistory = `
	INSERT INTO projections.close_history (
		sequence, position_id, owner, closer, reason, partial, source_asset,
		decrease_amount, gross_proceeds, repaid_debt, protocol_fee, fee_asset,
		keeper_reward, output_amount, realized_pnl, shortfall_covered, to_treasury, closed_at
	)
	SELECT
		e.sequence,
		(o->'data'->>'position_id')::BIGINT,
		(o->'data'->>'owner')::UUID,
		(o->'data'->>'closer')::UUID,
		o->'data'->>'reason',
		COALESCE((o->'data'->>'partial')::BOOLEAN, FALSE),
		o->'data'->>'source_asset',
		COALESCE(NULLIF(o->'data'->>'decrease_amount', ''), '0')::NUMERIC,
		COALESCE(NULLIF(o->'data'->>'gross_proceeds', ''), '0')::NUMERIC,
		COALESCE(NULLIF(o->'data'->>'repaid_debt', ''), '0')::NUMERIC,
		COALESCE(NULLIF(o->'data'->>'protocol_fee', ''), '0')::NUMERIC,
		o->'data'->>'fee_asset',
		COALESCE(NULLIF(o->'data'->>'keeper_reward', ''), '0')::NUMERIC,
		COALESCE(NULLIF(o->'data'->>'output_amount', ''), '0')::NUMERIC,
		COALESCE(NULLIF(o->'data'->>'realized_pnl', ''), '0')::NUMERIC,
		COALESCE(NULLIF(o->'data'->>'shortfall_covered', ''), '0')::NUMERIC,
		COALESCE(NULLIF(o->'data'->>'to_treasury', ''), '0')::NUMERIC,
		e.timestamp
	FROM event_log.events e
	CROSS JOIN LATERAL jsonb_array_elements(e.payload) o
	WHERE o->>'type' = 'PositionClosed'
	ON CONFLICT (sequence, position_id) DO NOTHING
`

// numeric maps an empty outcome amount to zero.
func numeric(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
