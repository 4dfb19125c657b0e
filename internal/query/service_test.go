package query_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
	"MarginLedger/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func wad(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := fpmath.ParseWad(s)
	require.NoError(t, err)
	return v
}

func assets() *ledger.AssetRegistry {
	return ledger.NewAssetRegistry(ledger.Asset{Symbol: "USDC", Decimals: 6}, ledger.Asset{Symbol: "TKN", Decimals: 18})
}

// =============================================================================
// Empty store
// =============================================================================

func TestNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	qs := query.NewQueryService(db, assets())
	ctx := context.Background()

	_, err := qs.GetPosition(ctx, 42)
	assert.ErrorIs(t, err, query.ErrNotFound)

	_, err = qs.GetPool(ctx, "missing")
	assert.ErrorIs(t, err, query.ErrNotFound)

	positions, err := qs.GetOwnerPositions(ctx, testutil.Account(1), false)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

// =============================================================================
// Projected reads
// =============================================================================

func TestReadsAfterProjection(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	owner := testutil.Account(1)
	w := projection.NewProjectionWorker(db, nil, nil, zerolog.Nop())

	batch := ledger.NewJournalGenerator(0).GenerateBatch("req-1", ts.Unix(), []ledger.Transfer{
		ledger.Deposit(owner, "USDC", uint256.NewInt(2_500_000)),
		ledger.Lock(owner, "USDC", uint256.NewInt(500_000)),
	})
	rec := state.PositionRecord{
		ID: 3, Owner: owner, SourceAsset: "USDC", TargetAsset: "TKN",
		TargetAmount: uint256.NewInt(1_000), Pool: "usdc-main",
		ScaledDebt: uint256.NewInt(1_000_000), Deposit: uint256.NewInt(500_000),
		EntryPrice: wad(t, "1.5"), Leverage: wad(t, "3"), CreatedAt: ts.Unix(),
		Status: state.PositionStatusActive, Version: 1,
	}
	pool := state.BucketSnapshot{
		Name: "usdc-main", Asset: "USDC",
		TotalLiquidity: uint256.NewInt(4_000_000), TotalBorrowed: uint256.NewInt(1_000_000),
		BorrowIndex: fpmath.RAY(), BorrowRate: wad(t, "0.05"), LastAccrual: ts.Unix(),
	}
	require.NoError(t, w.Apply(ctx, projection.ProjectionOutput{
		Sequence: 5, Timestamp: ts, Journals: batch.Journals,
		Positions: []state.PositionRecord{rec}, Pools: []state.BucketSnapshot{pool},
	}))

	t.Run("position", func(t *testing.T) {
		p, err := query.NewQueryService(db, assets()).GetPosition(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, owner, p.Owner)
		assert.Equal(t, "Active", p.Status)
		assert.Equal(t, "1000", p.TargetAmount)
		assert.True(t, p.EntryPrice.Equal(decimal.RequireFromString("1.5")))
		assert.True(t, p.Leverage.Equal(decimal.NewFromInt(3)))
		assert.Equal(t, int64(5), p.AsOfSequence)
	})

	t.Run("balances", func(t *testing.T) {
		balances, err := query.NewQueryService(db, assets()).GetOwnerBalances(ctx, owner)
		require.NoError(t, err)
		require.Len(t, balances, 1)
		b := balances[0]
		assert.Equal(t, "USDC", b.Asset)
		assert.True(t, b.Available.Equal(decimal.NewFromInt(2_000_000)))
		assert.True(t, b.Locked.Equal(decimal.NewFromInt(500_000)))
		assert.True(t, b.Total.Equal(decimal.NewFromInt(2_500_000)))
		assert.Equal(t, "2.5", b.TotalDisplay)
	})

	t.Run("pool", func(t *testing.T) {
		p, err := query.NewQueryService(db, nil).GetPool(ctx, "usdc-main")
		require.NoError(t, err)
		assert.Equal(t, "3000000", p.Available)
		assert.True(t, p.Utilization.Equal(decimal.RequireFromString("0.25")))
		assert.True(t, p.BorrowRate.Equal(decimal.RequireFromString("0.05")))
		assert.True(t, p.BorrowIndex.Equal(decimal.NewFromInt(1)))
	})

	t.Run("closed positions are hidden by default", func(t *testing.T) {
		require.NoError(t, w.Apply(ctx, projection.ProjectionOutput{
			Sequence: 6, Timestamp: ts,
			Outcomes: []event.Outcome{&event.PositionClosed{
				PositionID: 3, Owner: owner, Closer: owner, Reason: "Owner", SourceAsset: "USDC",
				DecreaseAmount: "1000", OutputAmount: "400000", RealizedPnL: "-100000", FeeAsset: "USDC",
			}},
		}))
		qs := query.NewQueryService(db, nil)

		open, err := qs.GetOwnerPositions(ctx, owner, false)
		require.NoError(t, err)
		assert.Empty(t, open)

		all, err := qs.GetOwnerPositions(ctx, owner, true)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "Closed", all[0].Status)

		history, err := qs.GetCloseHistory(ctx, owner, 0, nil)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "-100000", history[0].RealizedPnL)
		assert.Equal(t, int64(6), history[0].Sequence)

		before := int64(6)
		history, err = qs.GetCloseHistory(ctx, owner, 10, &before)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

// =============================================================================
// Position risk
// =============================================================================

func TestPositionsAtRisk(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	owner := testutil.Account(4)
	w := projection.NewProjectionWorker(db, nil, nil, zerolog.Nop())

	record := func(id uint64, health, liq string) state.PositionRecord {
		rec := state.PositionRecord{
			ID: state.PositionID(id), Owner: owner, SourceAsset: "USDC", TargetAsset: "TKN",
			TargetAmount: uint256.NewInt(1_000), Pool: "usdc-main",
			ScaledDebt: uint256.NewInt(1_000_000), Deposit: uint256.NewInt(500_000),
			EntryPrice: wad(t, "1.5"), Leverage: wad(t, "3"), CreatedAt: ts.Unix(),
			Status: state.PositionStatusActive, Version: 1,
		}
		if health != "" {
			rec.HealthRatio = wad(t, health)
			rec.LiquidationPrice = wad(t, liq)
		}
		return rec
	}
	require.NoError(t, w.Apply(ctx, projection.ProjectionOutput{
		Sequence: 9, Timestamp: ts,
		Positions: []state.PositionRecord{
			record(1, "1.4", "1.1"),
			record(2, "0.95", "1.45"),
			record(3, "1.1", "1.3"),
			record(4, "", ""),
		},
	}))
	qs := query.NewQueryService(db, nil)

	t.Run("position carries health", func(t *testing.T) {
		p, err := qs.GetPosition(ctx, 2)
		require.NoError(t, err)
		require.NotNil(t, p.HealthRatio)
		require.NotNil(t, p.LiquidationPrice)
		assert.True(t, p.HealthRatio.Equal(decimal.RequireFromString("0.95")))
		assert.True(t, p.LiquidationPrice.Equal(decimal.RequireFromString("1.45")))
		assert.True(t, p.Liquidatable)

		p, err = qs.GetPosition(ctx, 1)
		require.NoError(t, err)
		assert.False(t, p.Liquidatable)

		p, err = qs.GetPosition(ctx, 4)
		require.NoError(t, err)
		assert.Nil(t, p.HealthRatio)
		assert.Nil(t, p.LiquidationPrice)
		assert.False(t, p.Liquidatable)
	})

	t.Run("liquidatable only by default threshold", func(t *testing.T) {
		positions, err := qs.GetPositionsAtRisk(ctx, decimal.NewFromInt(1), 0)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, uint64(2), positions[0].PositionID)
		assert.Equal(t, int64(9), positions[0].AsOfSequence)
	})

	t.Run("ordered lowest health first", func(t *testing.T) {
		positions, err := qs.GetPositionsAtRisk(ctx, decimal.RequireFromString("1.2"), 0)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, uint64(2), positions[0].PositionID)
		assert.Equal(t, uint64(3), positions[1].PositionID)

		positions, err = qs.GetPositionsAtRisk(ctx, decimal.RequireFromString("1.2"), 1)
		require.NoError(t, err)
		assert.Len(t, positions, 1)
	})

	t.Run("non-positive threshold rejected", func(t *testing.T) {
		_, err := qs.GetPositionsAtRisk(ctx, decimal.Zero, 0)
		assert.Error(t, err)
	})
}

// =============================================================================
// Journal history and integrity
// =============================================================================

func TestJournalHistoryAndIntegrity(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	owner := testutil.Account(2)
	other := testutil.Account(3)
	writer := persistence.NewEventLogWriter(db)

	var events []persistence.EventRow
	var journals []persistence.JournalRow
	var prev [32]byte
	for seq := int64(0); seq < 3; seq++ {
		who := owner
		if seq == 1 {
			who = other
		}
		cmd := &event.Deposit{Meta: event.Meta{Timestamp: ts}, Owner: who, Asset: "USDC", Amount: uint256.NewInt(100)}
		env := &event.EventEnvelope{
			Sequence: seq, IdempotencyKey: fmt.Sprintf("req-%d", seq), EventType: event.EventTypeDeposit,
			Timestamp: ts, StateHash: [32]byte{byte(seq + 1)}, PrevHash: prev,
		}
		prev = env.StateHash
		events = append(events, persistence.NewEventRow(env, cmd))
		batch := ledger.NewJournalGenerator(seq).GenerateBatch(env.IdempotencyKey, ts.Unix(),
			[]ledger.Transfer{ledger.Deposit(who, "USDC", cmd.Amount)})
		journals = append(journals, persistence.NewJournalRows(batch, seq)...)

		require.NoError(t, projection.NewProjectionWorker(db, nil, nil, zerolog.Nop()).Apply(ctx, projection.ProjectionOutput{
			Sequence: seq, Timestamp: ts, Journals: batch.Journals,
		}))
	}
	require.NoError(t, writer.WriteEventBatch(ctx, events, db))
	require.NoError(t, writer.WriteJournalBatch(ctx, journals, db))

	qs := query.NewQueryService(db, nil)

	entries, err := qs.GetJournalHistory(ctx, owner, 0, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Sequence)
	assert.Equal(t, "100", entries[0].Amount)

	before := int64(2)
	entries, err = qs.GetJournalHistory(ctx, owner, 10, &before)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(0), entries[0].Sequence)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)

	_, err = db.Exec(`UPDATE event_log.events SET prev_hash = $1 WHERE sequence = 2`, make([]byte, 32))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE projections.balances SET balance = balance + 1 WHERE owner = $1`, owner)
	require.NoError(t, err)

	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{2}, report.HashChainBreaks)
	require.Len(t, report.UnbalancedAssets, 1)
	assert.True(t, report.UnbalancedAssets[0].Imbalance.Equal(decimal.NewFromInt(1)))
}
