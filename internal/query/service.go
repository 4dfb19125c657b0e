package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"MarginLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("query: not found")

// DefaultPageSize caps history queries when the caller gives no limit.
const DefaultPageSize = 100

const maxPageSize = 1000

var wadScale = decimal.New(1, 18)

// QueryService provides read-only access to projection tables. Every response carries
// as_of_sequence, the projection watermark at read time.
type QueryService struct {
	db     *sql.DB
	assets *ledger.AssetRegistry
}

// NewQueryService creates the service; assets may be nil, in which case whole-token
// display fields are left empty.
func NewQueryService(db *sql.DB, assets *ledger.AssetRegistry) *QueryService {
	return &QueryService{db: db, assets: assets}
}

const positionColumns = `
	position_id, owner, status, source_asset, target_asset, target_amount::TEXT, pool,
	scaled_debt::TEXT, deposit::TEXT, entry_price, leverage, conditions, created_at, version,
	health_ratio, liquidation_price
`

// GetPosition returns one position by id, including closed ones.
func (qs *QueryService) GetPosition(ctx context.Context, id uint64) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM projections.positions WHERE position_id = $1`, int64(id))
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	p.AsOfSequence = asOfSeq
	return p, nil
}

// GetOwnerPositions returns an owner's positions. Closed and liquidated positions are
// included only when includeClosed is set.
func (qs *QueryService) GetOwnerPositions(ctx context.Context, owner uuid.UUID, includeClosed bool) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + positionColumns + ` FROM projections.positions WHERE owner = $1`
	if !includeClosed {
		query += ` AND status NOT IN ('Closed', 'Liquidated')`
	}
	query += ` ORDER BY position_id`

	rows, err := qs.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []PositionResponse{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (*PositionResponse, error) {
	var (
		p                    PositionResponse
		id                   int64
		entryPrice, leverage decimal.Decimal
		conditions           []byte
		health, liqPrice     decimal.NullDecimal
	)
	if err := s.Scan(
		&id, &p.Owner, &p.Status, &p.SourceAsset, &p.TargetAsset, &p.TargetAmount, &p.Pool,
		&p.ScaledDebt, &p.Deposit, &entryPrice, &leverage, &conditions, &p.CreatedAt, &p.Version,
		&health, &liqPrice,
	); err != nil {
		return nil, err
	}
	p.PositionID = uint64(id)
	p.EntryPrice = entryPrice.Div(wadScale)
	p.Leverage = leverage.Div(wadScale)
	p.Conditions = conditions
	if health.Valid {
		h := health.Decimal.Div(wadScale)
		p.HealthRatio = &h
		p.Liquidatable = h.LessThan(decimal.NewFromInt(1))
	}
	if liqPrice.Valid {
		lp := liqPrice.Decimal.Div(wadScale)
		p.LiquidationPrice = &lp
	}
	return &p, nil
}

// GetPositionsAtRisk lists open leveraged positions whose last projected health is below
// maxHealth, lowest first. A maxHealth of one lists the liquidatable ones.
func (qs *QueryService) GetPositionsAtRisk(ctx context.Context, maxHealth decimal.Decimal, limit int) ([]PositionResponse, error) {
	if !maxHealth.IsPositive() {
		return nil, fmt.Errorf("max health must be positive, got %s", maxHealth)
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `SELECT `+positionColumns+`
		FROM projections.positions
		WHERE status NOT IN ('Closed', 'Liquidated')
		  AND health_ratio IS NOT NULL
		  AND health_ratio < $1::NUMERIC
		ORDER BY health_ratio, position_id
		LIMIT $2
	`, maxHealth.Mul(wadScale).Truncate(0).String(), pageSize(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []PositionResponse{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetOwnerBalances returns available, locked and total per asset for one owner.
func (qs *QueryService) GetOwnerBalances(ctx context.Context, owner uuid.UUID) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, sub_type, balance
		FROM projections.balances
		WHERE owner = $1
		ORDER BY asset
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byAsset := make(map[string]*BalanceResponse)
	var order []string
	for rows.Next() {
		var (
			asset, subType string
			amount         decimal.Decimal
		)
		if err := rows.Scan(&asset, &subType, &amount); err != nil {
			return nil, err
		}
		b, ok := byAsset[asset]
		if !ok {
			b = &BalanceResponse{Owner: owner, Asset: asset, AsOfSequence: asOfSeq}
			byAsset[asset] = b
			order = append(order, asset)
		}
		b.add(subType, amount)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]BalanceResponse, 0, len(order))
	for _, asset := range order {
		b := byAsset[asset]
		if qs.assets != nil {
			if decimals, err := qs.assets.Decimals(asset); err == nil {
				b.display(decimals)
			}
		}
		out = append(out, *b)
	}
	return out, nil
}

// GetPool returns the projected state of one lending pool.
func (qs *QueryService) GetPool(ctx context.Context, name string) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		p                   PoolResponse
		liquidity, borrowed decimal.Decimal
		rate, index         decimal.Decimal
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT name, asset, total_liquidity, total_borrowed, borrow_rate, borrow_index, last_accrual
		FROM projections.pools WHERE name = $1
	`, name).Scan(&p.Name, &p.Asset, &liquidity, &borrowed, &rate, &index, &p.LastAccrual)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	p.TotalLiquidity = liquidity.String()
	p.TotalBorrowed = borrowed.String()
	p.Available = decimal.Max(liquidity.Sub(borrowed), decimal.Zero).String()
	if liquidity.IsPositive() {
		p.Utilization = borrowed.DivRound(liquidity, 18)
	}
	p.BorrowRate = rate.Div(wadScale)
	p.BorrowIndex = index.Div(decimal.New(1, 27))
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// GetCloseHistory returns an owner's closes, newest first. beforeSequence pages backwards.
func (qs *QueryService) GetCloseHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]CloseHistoryResponse, error) {
	query := `
		SELECT sequence, position_id, owner, closer, reason, partial, source_asset,
		       decrease_amount::TEXT, gross_proceeds::TEXT, repaid_debt::TEXT, protocol_fee::TEXT, fee_asset,
		       keeper_reward::TEXT, output_amount::TEXT, realized_pnl::TEXT, shortfall_covered::TEXT,
		       to_treasury::TEXT, closed_at
		FROM projections.close_history
		WHERE owner = $1
	`
	args := []any{owner}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, position_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []CloseHistoryResponse{}
	for rows.Next() {
		var (
			h  CloseHistoryResponse
			id int64
		)
		if err := rows.Scan(
			&h.Sequence, &id, &h.Owner, &h.Closer, &h.Reason, &h.Partial, &h.SourceAsset,
			&h.DecreaseAmount, &h.GrossProceeds, &h.RepaidDebt, &h.ProtocolFee, &h.FeeAsset,
			&h.KeeperReward, &h.OutputAmount, &h.RealizedPnL, &h.ShortfallCovered,
			&h.ToTreasury, &h.ClosedAt,
		); err != nil {
			return nil, err
		}
		h.PositionID = uint64(id)
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching any of an owner's accounts.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

// getWatermark returns -1 before the projection worker applied anything.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return min(limit, maxPageSize)
}
