package core_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/exchange"
	"MarginLedger/internal/fee"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const (
	t0       = int64(1_700_000_000)
	poolName = "usdc-main"
)

var (
	uni         = exchange.Route{{Venue: "uni", Shares: 1}}
	sell        = exchange.Route{{Venue: "sell", Shares: 1}}
	conv        = exchange.Route{{Venue: "conv", Shares: 1}}
	oracleRoute = oracle.RouteData("feed")
)

func wad(s string) *uint256.Int {
	v, err := fpmath.ParseWad(s)
	if err != nil {
		panic(err)
	}
	return v
}

// units parses an amount of a 6-decimal asset (every asset in these tests).
func units(s string) *uint256.Int {
	v, err := fpmath.ParseAmount(s, 6)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	oracle  *oracle.Static
	dex     *exchange.Simulator
	now     int64

	owner  uuid.UUID
	keeper uuid.UUID
	lender uuid.UUID
}

// newFixture builds a core with one USDC pool, a USDC/TKN pair at 1.04 USDC per TKN and a
// venue paying exactly 125 TKN for 130 USDC. The pool holds 1000 USDC and the owner 100.
// DAI converts one for one into USDC on "conv"; fees may be paid in FEE, worth 0.5 USDC,
// at half price.
func newFixture(t *testing.T, borrowRate string) *fixture {
	t.Helper()
	assets := ledger.NewAssetRegistry(
		ledger.Asset{Symbol: "USDC", Decimals: 6},
		ledger.Asset{Symbol: "TKN", Decimals: 6},
		ledger.Asset{Symbol: "DAI", Decimals: 6},
		ledger.Asset{Symbol: "FEE", Decimals: 6},
	)

	f := &fixture{
		persist: make(chan core.CoreOutput, 1024),
		now:     t0,
		owner:   uuid.New(),
		keeper:  uuid.New(),
		lender:  uuid.New(),
	}
	f.oracle = oracle.NewStatic(0, func() time.Time { return time.Unix(f.now, 0) })
	f.oracle.SetRate("TKN", "USDC", wad("1.04"))
	f.oracle.SetRate("USDC", oracle.USD, wad("1"))
	f.oracle.SetRate("DAI", "USDC", wad("1"))
	f.oracle.SetRate("USDC", "FEE", wad("2"))

	f.dex = exchange.NewSimulator(assets)
	require.NoError(t, f.dex.SetPair("uni", "USDC", "TKN", wad("0.961538461538461539")))
	require.NoError(t, f.dex.SetPair("bad", "USDC", "TKN", wad("0.903846153846153847")))
	require.NoError(t, f.dex.SetPair("conv", "DAI", "USDC", wad("1")))

	riskCfg := state.NewRiskConfig(new(uint256.Int), wad("10"))
	pair := state.NewPairKey("USDC", "TKN")
	riskCfg.Pairs[pair] = &state.PairParams{
		Pair:                 pair,
		OracleTolerableLimit: wad("0.05"),
		PairPriceDrop:        new(uint256.Int),
		MaxPositionSizeUSD:   new(uint256.Int),
	}
	stable := state.NewPairKey("DAI", "USDC")
	riskCfg.Pairs[stable] = &state.PairParams{
		Pair:                 stable,
		OracleTolerableLimit: wad("0.05"),
		PairPriceDrop:        new(uint256.Int),
		MaxPositionSizeUSD:   new(uint256.Int),
	}
	riskCfg.Pools[poolName] = &state.PoolParams{Pool: poolName, FeeBuffer: wad("1.1875")}
	rpm, err := state.NewRiskParamsManager(riskCfg)
	require.NoError(t, err)

	schedule := fee.NewSchedule()
	schedule.Rates[fee.OpOpenMarket] = new(uint256.Int)
	schedule.Rates[fee.OpOpenByOrder] = wad("0.001")
	schedule.Rates[fee.OpCloseByOwner] = wad("0.001")
	schedule.Rates[fee.OpCloseByKeeper] = wad("0.002")
	schedule.Rates[fee.OpLiquidation] = wad("0.01")
	schedule.KeeperRewardShare = wad("0.5")
	schedule.DiscountToken = "FEE"
	schedule.DiscountMultiplier = wad("0.5")
	fees, err := fee.NewEngine(schedule, f.oracle, assets)
	require.NoError(t, err)

	f.core, err = core.NewDeterministicCore(core.Config{
		Assets:      assets,
		Pools:       []*state.Bucket{state.NewBucket(poolName, "USDC", wad(borrowRate), t0)},
		RiskParams:  rpm,
		Fees:        fees,
		Oracle:      f.oracle,
		Exchange:    f.dex,
		Logger:      zerolog.Nop(),
		PersistChan: f.persist,
	})
	require.NoError(t, err)

	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.lender, Asset: "USDC", Amount: units("1000")})
	f.mustApply(t, &event.SupplyLiquidity{Meta: f.meta(), Provider: f.lender, Pool: poolName, Amount: units("1000")})
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("100")})
	drainOutputs(f.persist)
	return f
}

func (f *fixture) meta() event.Meta {
	return event.Meta{RequestID: uuid.New(), Timestamp: time.Unix(f.now, 0)}
}

func (f *fixture) apply(evt event.Event) error {
	return f.core.ProcessEvent(context.Background(), evt)
}

func (f *fixture) mustApply(t *testing.T, evt event.Event) {
	t.Helper()
	require.NoError(t, f.apply(evt))
}

// setPrice moves the oracle and the "sell" venue to price USDC per TKN.
func (f *fixture) setPrice(t *testing.T, price string) {
	t.Helper()
	f.oracle.SetRate("TKN", "USDC", wad(price))
	require.NoError(t, f.dex.SetPair("sell", "TKN", "USDC", wad(price)))
}

func (f *fixture) openCmd() *event.OpenPosition {
	return &event.OpenPosition{
		Meta:          f.meta(),
		Owner:         f.owner,
		DepositAsset:  "USDC",
		DepositAmount: units("100"),
		Pool:          poolName,
		BorrowAmount:  units("30"),
		TargetAsset:   "TKN",
		SwapRoute:     uni,
		OracleRoute:   oracleRoute,
	}
}

// openLeveraged opens deposit 100 + borrow 30 USDC into 125 TKN.
func (f *fixture) openLeveraged(t *testing.T) state.PositionID {
	t.Helper()
	f.mustApply(t, f.openCmd())
	opened := lastOutcome[*event.PositionOpened](t, f.persist)
	return state.PositionID(opened.PositionID)
}

func decimal(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	require.NoError(t, err)
	return v
}

func balanceStrings(bt *ledger.BalanceTracker) map[string]string {
	out := make(map[string]string)
	for k, v := range bt.Snapshot() {
		if v.Sign() == 0 {
			continue
		}
		out[k.AccountPath()] = v.String()
	}
	return out
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// lastOutput drains ch and returns the last output.
func lastOutput(t *testing.T, ch chan core.CoreOutput) core.CoreOutput {
	t.Helper()
	outputs := drainOutputs(ch)
	require.NotEmpty(t, outputs)
	return outputs[len(outputs)-1]
}

// outcomeIn returns the first outcome of type T in out.
func outcomeIn[T event.Outcome](t *testing.T, out core.CoreOutput) T {
	t.Helper()
	for _, o := range out.Outcomes {
		if v, ok := o.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T in output", zero)
	return zero
}

// lastOutcome drains ch and returns the first outcome of type T in the last output.
func lastOutcome[T event.Outcome](t *testing.T, ch chan core.CoreOutput) T {
	t.Helper()
	return outcomeIn[T](t, lastOutput(t, ch))
}

// journalLines renders a batch as "type credit -> debit amount", in batch order.
func journalLines(b *ledger.Batch) []string {
	if b == nil {
		return nil
	}
	lines := make([]string, len(b.Journals))
	for i, j := range b.Journals {
		lines[i] = fmt.Sprintf("%s %s -> %s %s", j.JournalType, j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath(), j.Amount.Dec())
	}
	return lines
}

func userAcct(owner uuid.UUID, sub ledger.AccountSubType, asset string) string {
	return ledger.NewUserAccountKey(owner, sub, asset).AccountPath()
}

func assertZeroSum(t *testing.T, bal *ledger.BalanceTracker) {
	t.Helper()
	for asset, sum := range bal.ComputeGlobalBalance() {
		assert.Zero(t, sum.Sign(), "asset %s does not net to zero", asset)
	}
}

// ============================================================================
// Test: Custody & Liquidity
// ============================================================================

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t, "0")

	f.mustApply(t, &event.Withdraw{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("40")})
	changed := lastOutcome[*event.CustodyChanged](t, f.persist)
	assert.Equal(t, "-40000000", changed.Delta)
	assert.Equal(t, "60000000", changed.Available)

	err := f.apply(&event.Withdraw{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("60.000001")})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, core.CodeCapacity, core.Classify(err))
	assert.Equal(t, units("60"), f.core.Balances().Available(f.owner, "USDC"))
}

func TestSequencesAreMonotonic(t *testing.T) {
	f := newFixture(t, "0")
	start := f.core.GetSequence()

	for i := 0; i < 5; i++ {
		f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("1")})
	}

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 5)
	for i, o := range outputs {
		assert.Equal(t, start+int64(i), o.Envelope.Sequence)
		if i > 0 {
			assert.Equal(t, outputs[i-1].Envelope.StateHash, o.Envelope.PrevHash)
		}
	}
}

func TestWithdrawLiquidityCannotTakeLentFunds(t *testing.T) {
	f := newFixture(t, "0")
	f.openLeveraged(t)

	err := f.apply(&event.WithdrawLiquidity{Meta: f.meta(), Provider: f.lender, Pool: poolName, Amount: units("970.000001")})
	require.ErrorIs(t, err, state.ErrLiquidityInUse)

	f.mustApply(t, &event.WithdrawLiquidity{Meta: f.meta(), Provider: f.lender, Pool: poolName, Amount: units("970")})
	changed := lastOutcome[*event.LiquidityChanged](t, f.persist)
	assert.Equal(t, "30000000", changed.TotalLiquidity)
	assert.Equal(t, "30000000", changed.TotalBorrowed)
}

// ============================================================================
// Test: Open
// ============================================================================

func TestOpenLeveraged_WithinTolerance(t *testing.T) {
	f := newFixture(t, "0")

	f.mustApply(t, f.openCmd())
	opened := lastOutcome[*event.PositionOpened](t, f.persist)

	assert.Equal(t, "125000000", opened.TargetAmount)
	assert.Equal(t, wad("1.04").Dec(), opened.EntryPrice)
	assert.Equal(t, wad("1.3").Dec(), opened.Leverage)
	assert.Equal(t, "30000000", opened.Borrowed)

	pos := f.core.Position(state.PositionID(opened.PositionID))
	require.NotNil(t, pos)
	assert.False(t, pos.IsSpot())
	assert.Equal(t, units("30"), pos.ScaledDebt(), "index is one at open")
	assert.Equal(t, units("100"), pos.DepositInSource())

	bal := f.core.Balances()
	assert.True(t, bal.Available(f.owner, "USDC").IsZero())
	assert.Equal(t, units("125"), bal.Locked(f.owner, "TKN"))
	assert.Equal(t, units("970"), bal.PoolLiquidity(poolName, "USDC"))

	pool, ok := f.core.Pool(poolName)
	require.True(t, ok)
	assert.Equal(t, units("30"), pool.TotalBorrowed)
}

func TestOpenLeveraged_DexSixPercentOffOracle(t *testing.T) {
	f := newFixture(t, "0")
	before, _ := f.core.Pool(poolName)

	cmd := f.openCmd()
	cmd.SwapRoute = exchange.Route{{Venue: "bad", Shares: 1}}
	err := f.apply(cmd)

	require.Error(t, err)
	assert.Equal(t, core.CodePriceDeviation, core.Classify(err))
	assert.Equal(t, 0, f.dex.Swaps(), "nothing executes after a rejected quote")

	after, _ := f.core.Pool(poolName)
	assert.Equal(t, before, after)
	assert.Equal(t, units("100"), f.core.Balances().Available(f.owner, "USDC"))
	assert.Empty(t, drainOutputs(f.persist))
}

func TestOpenLeveraged_WiderToleranceAfterParamUpdate(t *testing.T) {
	f := newFixture(t, "0")

	f.mustApply(t, &event.RiskParamUpdate{
		Meta:                 f.meta(),
		SourceAsset:          "USDC",
		TargetAsset:          "TKN",
		OracleTolerableLimit: wad("0.1"),
		PairPriceDrop:        new(uint256.Int),
		MaxPositionSizeUSD:   new(uint256.Int),
	})

	cmd := f.openCmd()
	cmd.SwapRoute = exchange.Route{{Venue: "bad", Shares: 1}}
	require.NoError(t, f.apply(cmd))
	opened := lastOutcome[*event.PositionOpened](t, f.persist)
	assert.Equal(t, "117500000", opened.TargetAmount)
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*event.OpenPosition)
		wantErr error
	}{
		{"spot same asset", func(o *event.OpenPosition) {
			o.Pool, o.BorrowAmount, o.TargetAsset = "", nil, "USDC"
		}, core.ErrSameAsset},
		{"spot with conversion route", func(o *event.OpenPosition) {
			o.Pool, o.BorrowAmount = "", nil
			o.ConversionRoute = uni
		}, core.ErrSpotConversionRoute},
		{"zero-sum shares", func(o *event.OpenPosition) {
			o.SwapRoute = exchange.Route{{Venue: "uni", Shares: 0}}
		}, exchange.ErrZeroShares},
		{"unknown pool", func(o *event.OpenPosition) { o.Pool = "nope" }, core.ErrUnknownPool},
		{"borrow beyond pool", func(o *event.OpenPosition) { o.BorrowAmount = units("1000.000001") }, state.ErrInsufficientLiquidity},
		{"below minimum size", func(o *event.OpenPosition) {
			o.DepositAmount, o.BorrowAmount = units("5"), units("4")
		}, core.ErrPositionTooSmall},
		{"missing oracle route", func(o *event.OpenPosition) { o.OracleRoute = nil }, oracle.ErrMissingRoute},
		{"past deadline", func(o *event.OpenPosition) {
			o.Deadline = o.Timestamp.Add(-time.Second)
		}, core.ErrDeadlineExceeded},
		{"inverted conditions", func(o *event.OpenPosition) {
			o.Conditions = []state.CloseCondition{
				{Kind: state.ConditionStopLoss, Price: wad("1.2")},
				{Kind: state.ConditionTakeProfit, Price: wad("1.1")},
			}
		}, state.ErrInvalidCondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "0")
			cmd := f.openCmd()
			tt.mutate(cmd)

			err := f.apply(cmd)
			require.ErrorIs(t, err, tt.wantErr)
			assert.NotEqual(t, core.CodeInternal, core.Classify(err))
			assert.Empty(t, drainOutputs(f.persist))
		})
	}
}

func TestOpen_DuplicateRequestIsIgnored(t *testing.T) {
	f := newFixture(t, "0")
	cmd := f.openCmd()

	require.NoError(t, f.apply(cmd))
	seq := f.core.GetSequence()
	require.NoError(t, f.apply(cmd))

	assert.Equal(t, seq, f.core.GetSequence())
	assert.Len(t, drainOutputs(f.persist), 1)
	assert.Len(t, f.core.OwnerPositions(f.owner), 1)
}

func TestOpen_SlippageRollsBackPool(t *testing.T) {
	f := newFixture(t, "0.1")
	f.now += 3600
	before, _ := f.core.Pool(poolName)
	hash := f.core.GetStateHash()

	cmd := f.openCmd()
	cmd.MinTargetAmount = units("125.000001")
	err := f.apply(cmd)

	require.ErrorIs(t, err, exchange.ErrSlippage)
	assert.Equal(t, core.CodeCollaborator, core.Classify(err))
	after, _ := f.core.Pool(poolName)
	assert.Equal(t, before, after, "accrual inside a rejected command is undone")
	assert.Equal(t, hash, f.core.GetStateHash())
	assert.Empty(t, f.core.OwnerPositions(f.owner))
}

// ============================================================================
// Test: Close & Liquidation
// ============================================================================

func TestLiquidation_HealthExactlyOneIsRejected(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.setPrice(t, "0.3")

	err := f.apply(&event.CloseByCondition{
		Meta: f.meta(), Closer: f.keeper, PositionID: id,
		Reason: state.CloseReasonLiquidation, SwapRoute: sell, OracleRoute: oracleRoute,
	})

	require.ErrorIs(t, err, state.ErrNotLiquidatable)
	assert.Equal(t, core.CodeNotLiquidatable, core.Classify(err))
	assert.NotNil(t, f.core.Position(id))
}

func TestLiquidation_BelowOneSettlesToTreasury(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.setPrice(t, "0.29")

	f.mustApply(t, &event.CloseByCondition{
		Meta: f.meta(), Closer: f.keeper, PositionID: id,
		Reason: state.CloseReasonLiquidation, SwapRoute: sell, OracleRoute: oracleRoute,
	})
	closed := lastOutcome[*event.PositionClosed](t, f.persist)

	assert.Equal(t, "Liquidation", closed.Reason)
	assert.False(t, closed.Partial)
	assert.Equal(t, "36250000", closed.GrossProceeds)
	assert.Equal(t, "30000000", closed.RepaidDebt)
	assert.Equal(t, "362500", closed.ProtocolFee)
	assert.Equal(t, "181250", closed.KeeperReward)
	assert.Equal(t, "35887500", closed.OutputAmount)
	assert.Equal(t, "5887500", closed.RealizedPnL)
	assert.Equal(t, "5887500", closed.ToTreasury)

	bal := f.core.Balances()
	assert.Equal(t, units("0.18125"), bal.Available(f.keeper, "USDC"))
	assert.Equal(t, units("0.18125"), bal.SystemBalance(ledger.SubTypeSystemFees, "USDC"))
	assert.Equal(t, units("5.8875"), bal.SystemBalance(ledger.SubTypeSystemTreasury, "USDC"))
	assert.True(t, bal.Locked(f.owner, "TKN").IsZero())
	assert.Equal(t, units("1000"), bal.PoolLiquidity(poolName, "USDC"))
	assert.Nil(t, f.core.Position(id))

	for asset, sum := range bal.ComputeGlobalBalance() {
		assert.Zero(t, sum.Sign(), "asset %s does not net to zero", asset)
	}
}

func TestStopLoss_NotTriggered(t *testing.T) {
	f := newFixture(t, "0")
	cmd := f.openCmd()
	cmd.Conditions = []state.CloseCondition{{Kind: state.ConditionStopLoss, Price: wad("0.9")}}
	f.mustApply(t, cmd)
	id := state.PositionID(lastOutcome[*event.PositionOpened](t, f.persist).PositionID)

	f.setPrice(t, "0.95")
	err := f.apply(&event.CloseByCondition{
		Meta: f.meta(), Closer: f.keeper, PositionID: id,
		Reason: state.CloseReasonStopLoss, SwapRoute: sell, OracleRoute: oracleRoute,
	})
	require.ErrorIs(t, err, state.ErrConditionNotMet)
	assert.Equal(t, core.CodeConditionNotMet, core.Classify(err))

	f.setPrice(t, "0.9")
	f.mustApply(t, &event.CloseByCondition{
		Meta: f.meta(), Closer: f.keeper, PositionID: id,
		Reason: state.CloseReasonStopLoss, SwapRoute: sell, OracleRoute: oracleRoute,
	})
	closed := lastOutcome[*event.PositionClosed](t, f.persist)
	// 125 * 0.9 = 112.5; fee 0.2% = 0.225; debt 30.
	assert.Equal(t, "StopLoss", closed.Reason)
	assert.Equal(t, "225000", closed.ProtocolFee)
	assert.Equal(t, "112500", closed.KeeperReward)
	assert.Equal(t, "82275000", closed.RealizedPnL)
	assert.Equal(t, units("82.275"), f.core.Balances().Available(f.owner, "USDC"))
}

func TestCloseByOwner_Conservation(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.setPrice(t, "1.2")

	err := f.apply(&event.ClosePosition{Meta: f.meta(), Owner: f.keeper, PositionID: id, SwapRoute: sell, OracleRoute: oracleRoute})
	require.ErrorIs(t, err, core.ErrUnauthorized)

	f.mustApply(t, &event.ClosePosition{Meta: f.meta(), Owner: f.owner, PositionID: id, SwapRoute: sell, OracleRoute: oracleRoute})
	closed := lastOutcome[*event.PositionClosed](t, f.persist)

	gross := decimal(t, closed.GrossProceeds)
	out := decimal(t, closed.OutputAmount)
	feeAmt := decimal(t, closed.ProtocolFee)
	debt := decimal(t, closed.RepaidDebt)
	assert.Equal(t, units("150"), gross)
	assert.Equal(t, gross, new(uint256.Int).Add(out, feeAmt), "output = gross - fee")

	pnl := fpmath.SignedDiff(gross, debt)
	pnl.Sub(pnl, feeAmt.ToBig())
	assert.Equal(t, pnl.String(), closed.RealizedPnL, "pnl = gross - debt - fee")
	assert.Equal(t, "119850000", closed.RealizedPnL)
	assert.Equal(t, units("119.85"), f.core.Balances().Available(f.owner, "USDC"))

	err = f.apply(&event.ClosePosition{Meta: f.meta(), Owner: f.owner, PositionID: id, SwapRoute: sell, OracleRoute: oracleRoute})
	require.ErrorIs(t, err, state.ErrPositionNotFound)
}

func TestClose_ShortfallCoveredFromFreeBalance(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("10")})
	f.setPrice(t, "0.2")

	// 125 * 0.2 = 25 against 30 of debt and a 0.025 fee.
	f.mustApply(t, &event.ClosePosition{Meta: f.meta(), Owner: f.owner, PositionID: id, SwapRoute: sell, OracleRoute: oracleRoute})
	closed := lastOutcome[*event.PositionClosed](t, f.persist)

	assert.Equal(t, "5025000", closed.ShortfallCover)
	assert.Equal(t, "-5025000", closed.RealizedPnL)
	assert.Equal(t, units("4.975"), f.core.Balances().Available(f.owner, "USDC"))
	assert.Equal(t, units("1000"), f.core.Balances().PoolLiquidity(poolName, "USDC"))
}

func TestClose_InsufficientProceedsAborts(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.setPrice(t, "0.2")
	before, _ := f.core.Pool(poolName)
	swaps := f.dex.Swaps()

	err := f.apply(&event.ClosePosition{Meta: f.meta(), Owner: f.owner, PositionID: id, SwapRoute: sell, OracleRoute: oracleRoute})

	require.ErrorIs(t, err, core.ErrInsufficientProceeds)
	assert.Equal(t, core.CodeInsolvent, core.Classify(err))
	assert.Equal(t, swaps, f.dex.Swaps(), "the sale never executes on quoted proceeds that cannot settle")
	after, _ := f.core.Pool(poolName)
	assert.Equal(t, before, after, "burned debt is restored")
	pos := f.core.Position(id)
	require.NotNil(t, pos)
	assert.Equal(t, units("30"), pos.ScaledDebt())
	assert.Equal(t, units("125"), f.core.Balances().Locked(f.owner, "TKN"))
}

func TestPartialClose_ShrinksProportionally(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	require.NoError(t, f.dex.SetPair("sell", "TKN", "USDC", wad("1.04")))

	f.mustApply(t, &event.PartialClose{
		Meta: f.meta(), Owner: f.owner, PositionID: id, TargetAmount: units("25"),
		SwapRoute: sell, OracleRoute: oracleRoute,
	})
	closed := lastOutcome[*event.PositionClosed](t, f.persist)

	assert.True(t, closed.Partial)
	assert.Equal(t, "26000000", closed.GrossProceeds)
	assert.Equal(t, "6000000", closed.RepaidDebt)
	assert.Equal(t, "26000", closed.ProtocolFee)

	pos := f.core.Position(id)
	require.NotNil(t, pos)
	assert.Equal(t, state.PositionStatusActive, pos.Status)
	assert.Equal(t, units("100"), pos.TargetAmount)
	assert.Equal(t, units("24"), pos.ScaledDebt())
	assert.Equal(t, units("80"), pos.DepositInSource())
	assert.Equal(t, units("19.974"), f.core.Balances().Available(f.owner, "USDC"))

	err := f.apply(&event.PartialClose{
		Meta: f.meta(), Owner: f.owner, PositionID: id, TargetAmount: units("100.000001"),
		SwapRoute: sell, OracleRoute: oracleRoute,
	})
	require.ErrorIs(t, err, core.ErrExceedsPosition)
}

// ============================================================================
// Test: Deposit changes
// ============================================================================

func TestDecreaseDeposit(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	require.NoError(t, f.dex.SetPair("sell", "TKN", "USDC", wad("1.04")))

	f.mustApply(t, &event.DecreaseDeposit{
		Meta: f.meta(), Owner: f.owner, PositionID: id, TargetAmount: units("25"),
		SwapRoute: sell, OracleRoute: oracleRoute,
	})
	changed := lastOutcome[*event.DepositChanged](t, f.persist)

	assert.False(t, changed.Increased)
	assert.Equal(t, "80000000", changed.Deposit)
	assert.Equal(t, "24000000", changed.Debt)
	assert.Equal(t, units("20"), f.core.Balances().Available(f.owner, "USDC"))
}

func TestDecreaseDeposit_RejectsUnhealthyResult(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.setPrice(t, "0.29")

	err := f.apply(&event.DecreaseDeposit{
		Meta: f.meta(), Owner: f.owner, PositionID: id, TargetAmount: units("10"),
		SwapRoute: sell, OracleRoute: oracleRoute,
	})
	require.ErrorIs(t, err, core.ErrUnhealthyAfter)
}

func TestDecreaseDeposit_RejectsSpot(t *testing.T) {
	f := newFixture(t, "0")
	cmd := f.openCmd()
	cmd.Pool, cmd.BorrowAmount = "", nil
	f.mustApply(t, cmd)
	id := state.PositionID(lastOutcome[*event.PositionOpened](t, f.persist).PositionID)

	err := f.apply(&event.DecreaseDeposit{
		Meta: f.meta(), Owner: f.owner, PositionID: id, TargetAmount: units("1"),
		SwapRoute: sell, OracleRoute: oracleRoute,
	})
	require.ErrorIs(t, err, core.ErrSpotPosition)
}

func TestIncreaseDeposit_FullRepayZeroesDebt(t *testing.T) {
	f := newFixture(t, "0.1")
	id := f.openLeveraged(t)
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("50")})

	f.now += 100
	mirror := state.NewBucket("mirror", "USDC", wad("0.1"), t0)
	require.NoError(t, mirror.Accrue(f.now))
	owed, err := state.DebtFromScaled(f.core.Position(id).ScaledDebt(), mirror.BorrowIndex)
	require.NoError(t, err)
	assert.True(t, owed.Gt(units("30")), "interest accrued over 100s")

	err = f.apply(&event.IncreaseDeposit{
		Meta: f.meta(), Owner: f.owner, PositionID: id, Asset: "USDC",
		Amount: new(uint256.Int).AddUint64(owed, 1), OracleRoute: oracleRoute,
	})
	require.ErrorIs(t, err, core.ErrExceedsDebt)

	f.mustApply(t, &event.IncreaseDeposit{
		Meta: f.meta(), Owner: f.owner, PositionID: id, Asset: "USDC",
		Amount: owed, OracleRoute: oracleRoute,
	})
	changed := lastOutcome[*event.DepositChanged](t, f.persist)
	assert.True(t, changed.Increased)
	assert.Equal(t, "0", changed.Debt)

	pos := f.core.Position(id)
	require.NotNil(t, pos)
	assert.True(t, pos.IsSpot())
	assert.True(t, pos.ScaledDebt().IsZero())
	assert.Equal(t, new(uint256.Int).Add(units("100"), owed), pos.DepositInSource())
	assert.Equal(t, wad("1").Dec(), changed.Leverage)
}

func TestUpdateConditions(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.now += 60

	conds := []state.CloseCondition{{Kind: state.ConditionTakeProfit, Price: wad("1.5")}}
	err := f.apply(&event.UpdateConditions{Meta: f.meta(), Owner: f.keeper, PositionID: id, Conditions: conds})
	require.ErrorIs(t, err, core.ErrUnauthorized)

	f.mustApply(t, &event.UpdateConditions{Meta: f.meta(), Owner: f.owner, PositionID: id, Conditions: conds})
	updated := lastOutcome[*event.ConditionsUpdated](t, f.persist)
	assert.Equal(t, t0+60, updated.UpdatedAt)
	assert.Equal(t, []event.Condition{{Kind: "TakeProfit", Price: wad("1.5").Dec()}}, updated.Conditions)
	assert.Equal(t, t0+60, f.core.Position(id).ConditionsUpdatedAt)
}

// ============================================================================
// Test: Limit orders
// ============================================================================

func (f *fixture) createOrder(t *testing.T, expires time.Time) state.OrderID {
	t.Helper()
	f.mustApply(t, &event.CreateLimitOrder{
		Meta:          f.meta(),
		Owner:         f.owner,
		DepositAsset:  "USDC",
		DepositAmount: units("100"),
		TargetAsset:   "TKN",
		LimitPrice:    wad("1"),
		ExpiresAt:     expires,
	})
	return state.OrderID(lastOutcome[*event.OrderCreated](t, f.persist).OrderID)
}

func TestLimitOrder_FillWhenPriceReached(t *testing.T) {
	f := newFixture(t, "0")
	id := f.createOrder(t, time.Time{})
	assert.Equal(t, units("100"), f.core.Balances().Locked(f.owner, "USDC"))

	fill := func() error {
		return f.apply(&event.FillLimitOrder{
			Meta: f.meta(), Keeper: f.keeper, OrderID: id,
			SwapRoute: exchange.Route{{Venue: "limit", Shares: 1}}, OracleRoute: oracleRoute,
		})
	}
	err := fill()
	require.ErrorIs(t, err, core.ErrOrderNotFillable)
	assert.Equal(t, core.CodeConditionNotMet, core.Classify(err))

	f.oracle.SetRate("TKN", "USDC", wad("1"))
	require.NoError(t, f.dex.SetPair("limit", "TKN", "USDC", wad("1")))
	require.NoError(t, fill())

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 1)
	var opened *event.PositionOpened
	var closed *event.OrderClosed
	for _, o := range outputs[0].Outcomes {
		switch v := o.(type) {
		case *event.PositionOpened:
			opened = v
		case *event.OrderClosed:
			closed = v
		}
	}
	require.NotNil(t, opened)
	require.NotNil(t, closed)
	assert.Equal(t, event.OrderFilledSpot, closed.Reason)
	assert.Equal(t, opened.PositionID, closed.PositionID)
	assert.Equal(t, uint64(id), opened.OrderID)
	// fee 0.1% of 100 = 0.1, half to the keeper
	assert.Equal(t, "99900000", opened.TargetAmount)
	assert.Equal(t, units("0.05"), f.core.Balances().Available(f.keeper, "USDC"))
	assert.True(t, f.core.Balances().Locked(f.owner, "USDC").IsZero())
	assert.Nil(t, f.core.Order(id))
}

func TestLimitOrder_CancelAndExpiry(t *testing.T) {
	f := newFixture(t, "0")
	id := f.createOrder(t, time.Unix(t0+10, 0))

	err := f.apply(&event.CancelLimitOrder{Meta: f.meta(), Owner: f.keeper, OrderID: id})
	require.ErrorIs(t, err, core.ErrUnauthorized)

	f.now += 20
	err = f.apply(&event.FillLimitOrder{Meta: f.meta(), Keeper: f.keeper, OrderID: id, SwapRoute: uni, OracleRoute: oracleRoute})
	require.ErrorIs(t, err, core.ErrOrderExpired)

	f.mustApply(t, &event.CancelLimitOrder{Meta: f.meta(), Owner: f.keeper, OrderID: id})
	closed := lastOutcome[*event.OrderClosed](t, f.persist)
	assert.Equal(t, event.OrderCancelled, closed.Reason)
	assert.Equal(t, units("100"), f.core.Balances().Available(f.owner, "USDC"))
	assert.Nil(t, f.core.Order(id))
}

// ============================================================================
// Test: Discount-token fees
// ============================================================================

func TestCloseByOwner_FeeInDiscountToken(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "FEE", Amount: units("1")})
	f.setPrice(t, "1.2")

	f.mustApply(t, &event.ClosePosition{
		Meta: f.meta(), Owner: f.owner, PositionID: id, SwapRoute: sell, OracleRoute: oracleRoute,
		FeeInDiscountToken: true,
	})
	out := lastOutput(t, f.persist)
	closed := outcomeIn[*event.PositionClosed](t, out)

	// 0.1% of 150 USDC is 0.15 USDC; at half price that is 0.075 USDC, or 0.15 FEE.
	assert.Equal(t, "FEE", closed.FeeAsset)
	assert.Equal(t, "150000", closed.ProtocolFee)
	assert.Equal(t, "150000000", closed.GrossProceeds)
	assert.Equal(t, "30000000", closed.RepaidDebt)
	assert.Equal(t, "0", closed.KeeperReward)
	assert.Equal(t, "150000000", closed.OutputAmount, "nothing is taken from the proceeds")
	assert.Equal(t, "120000000", closed.RealizedPnL)

	assert.Equal(t, []string{
		"protocol_fee " + userAcct(f.owner, ledger.SubTypeAvailable, "FEE") + " -> system:fees:FEE 150000",
		"swap_out " + userAcct(f.owner, ledger.SubTypeLocked, "TKN") + " -> external:exchange:TKN 125000000",
		"repay external:exchange:USDC -> pool:usdc-main:liquidity:USDC 30000000",
		"settlement_payout external:exchange:USDC -> " + userAcct(f.owner, ledger.SubTypeAvailable, "USDC") + " 120000000",
	}, journalLines(out.Batch))

	bal := f.core.Balances()
	assert.Equal(t, units("0.85"), bal.Available(f.owner, "FEE"))
	assert.Equal(t, units("0.15"), bal.SystemBalance(ledger.SubTypeSystemFees, "FEE"))
	assert.True(t, bal.SystemBalance(ledger.SubTypeSystemFees, "USDC").IsZero())
	assert.Equal(t, units("120"), bal.Available(f.owner, "USDC"))
	assertZeroSum(t, bal)
}

func TestCloseByOwner_DiscountBalanceCheckedBeforeSale(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "FEE", Amount: units("0.1")})
	f.setPrice(t, "1.2")
	drainOutputs(f.persist)
	swaps := f.dex.Swaps()

	err := f.apply(&event.ClosePosition{
		Meta: f.meta(), Owner: f.owner, PositionID: id, SwapRoute: sell, OracleRoute: oracleRoute,
		FeeInDiscountToken: true,
	})

	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, core.CodeCapacity, core.Classify(err))
	assert.Equal(t, swaps, f.dex.Swaps())
	assert.Equal(t, units("125"), f.core.Balances().Locked(f.owner, "TKN"))
	assert.Empty(t, drainOutputs(f.persist))
}

func TestLimitOrder_FillPaysKeeperInDiscountToken(t *testing.T) {
	f := newFixture(t, "0")
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "FEE", Amount: units("1")})
	f.mustApply(t, &event.CreateLimitOrder{
		Meta:               f.meta(),
		Owner:              f.owner,
		DepositAsset:       "USDC",
		DepositAmount:      units("100"),
		TargetAsset:        "TKN",
		LimitPrice:         wad("1"),
		FeeInDiscountToken: true,
	})
	id := state.OrderID(lastOutcome[*event.OrderCreated](t, f.persist).OrderID)

	f.oracle.SetRate("TKN", "USDC", wad("1"))
	require.NoError(t, f.dex.SetPair("limit", "TKN", "USDC", wad("1")))
	f.mustApply(t, &event.FillLimitOrder{
		Meta: f.meta(), Keeper: f.keeper, OrderID: id,
		SwapRoute: exchange.Route{{Venue: "limit", Shares: 1}}, OracleRoute: oracleRoute,
	})
	out := lastOutput(t, f.persist)
	opened := outcomeIn[*event.PositionOpened](t, out)
	closed := outcomeIn[*event.OrderClosed](t, out)

	// 0.1% of 100 USDC is 0.1 USDC, 0.05 USDC at half price, 0.1 FEE; half of it to the keeper.
	assert.Equal(t, event.OrderFilledSpot, closed.Reason)
	assert.Equal(t, uint64(id), opened.OrderID)
	assert.Equal(t, "FEE", opened.FeeAsset)
	assert.Equal(t, "100000", opened.Fee)
	assert.Equal(t, "100000000", opened.TargetAmount, "the whole deposit is swapped")
	assert.Equal(t, "100000000", opened.Deposit)
	assert.Equal(t, "0", opened.Borrowed)
	assert.Equal(t, wad("1").Dec(), opened.EntryPrice)
	assert.Equal(t, wad("1").Dec(), opened.Leverage)

	assert.Equal(t, []string{
		"swap_out " + userAcct(f.owner, ledger.SubTypeLocked, "USDC") + " -> external:exchange:USDC 100000000",
		"protocol_fee " + userAcct(f.owner, ledger.SubTypeAvailable, "FEE") + " -> system:fees:FEE 100000",
		"keeper_reward system:fees:FEE -> " + userAcct(f.keeper, ledger.SubTypeAvailable, "FEE") + " 50000",
		"swap_out external:exchange:TKN -> " + userAcct(f.owner, ledger.SubTypeLocked, "TKN") + " 100000000",
	}, journalLines(out.Batch))

	bal := f.core.Balances()
	assert.Equal(t, units("0.05"), bal.Available(f.keeper, "FEE"))
	assert.Equal(t, units("0.05"), bal.SystemBalance(ledger.SubTypeSystemFees, "FEE"))
	assert.Equal(t, units("0.9"), bal.Available(f.owner, "FEE"))
	assert.True(t, bal.Available(f.keeper, "USDC").IsZero())
	assert.True(t, bal.Locked(f.owner, "USDC").IsZero())
	assertZeroSum(t, bal)
}

// ============================================================================
// Test: Deposit conversion
// ============================================================================

func TestOpenLeveraged_DepositConvertedIntoPoolAsset(t *testing.T) {
	f := newFixture(t, "0")
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "DAI", Amount: units("100")})
	drainOutputs(f.persist)

	cmd := f.openCmd()
	cmd.DepositAsset = "DAI"
	cmd.ConversionRoute = conv
	f.mustApply(t, cmd)
	out := lastOutput(t, f.persist)
	opened := outcomeIn[*event.PositionOpened](t, out)

	assert.Equal(t, 2, f.dex.Swaps())
	assert.Equal(t, "USDC", opened.SourceAsset)
	assert.Equal(t, "100000000", opened.Deposit, "deposit is recorded in the pool asset")
	assert.Equal(t, "30000000", opened.Borrowed)
	assert.Equal(t, "125000000", opened.TargetAmount)
	assert.Equal(t, wad("1.3").Dec(), opened.Leverage)
	assert.Equal(t, wad("1.04").Dec(), opened.EntryPrice)
	assert.Equal(t, "USDC", opened.FeeAsset)
	assert.Equal(t, "0", opened.Fee)

	assert.Equal(t, []string{
		"swap_out " + userAcct(f.owner, ledger.SubTypeAvailable, "DAI") + " -> external:exchange:DAI 100000000",
		"borrow pool:usdc-main:liquidity:USDC -> external:exchange:USDC 30000000",
		"swap_out external:exchange:TKN -> " + userAcct(f.owner, ledger.SubTypeLocked, "TKN") + " 125000000",
	}, journalLines(out.Batch))

	pos := f.core.Position(state.PositionID(opened.PositionID))
	require.NotNil(t, pos)
	assert.Equal(t, units("100"), pos.DepositInSource())
	assert.Equal(t, string(oracleRoute), pos.OracleRoute)

	// debt 30 * buffer 1.1875 against 125 TKN kept at 95%: liquidation at 0.3, health 3.47 at 1.04
	require.Len(t, out.Positions, 1)
	rec := out.Positions[0]
	require.NotNil(t, rec.LiquidationPrice)
	require.NotNil(t, rec.HealthRatio)
	assert.Equal(t, wad("0.3").Dec(), rec.LiquidationPrice.Dec())
	assert.Equal(t, wad("3.466666666666666666").Dec(), rec.HealthRatio.Dec())

	bal := f.core.Balances()
	assert.True(t, bal.Available(f.owner, "DAI").IsZero())
	assert.Equal(t, units("100"), bal.Available(f.owner, "USDC"), "USDC balance untouched")
	assert.Equal(t, units("970"), bal.PoolLiquidity(poolName, "USDC"))
	assertZeroSum(t, bal)
}

func TestOpen_SpotRecordHasNoRiskFields(t *testing.T) {
	f := newFixture(t, "0")
	cmd := f.openCmd()
	cmd.Pool, cmd.BorrowAmount = "", nil
	f.mustApply(t, cmd)

	out := lastOutput(t, f.persist)
	require.Len(t, out.Positions, 1)
	assert.Nil(t, out.Positions[0].HealthRatio)
	assert.Nil(t, out.Positions[0].LiquidationPrice)
}

func TestOpen_ChecksRunBeforeConversion(t *testing.T) {
	f := newFixture(t, "0")
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "DAI", Amount: units("100")})

	cmd := f.openCmd()
	cmd.DepositAsset, cmd.DepositAmount, cmd.BorrowAmount = "DAI", units("5"), units("4")
	cmd.ConversionRoute = conv
	err := f.apply(cmd)

	require.ErrorIs(t, err, core.ErrPositionTooSmall)
	assert.Equal(t, 0, f.dex.Swaps(), "the conversion does not run for a rejected open")
	assert.Equal(t, units("100"), f.core.Balances().Available(f.owner, "DAI"))
}

func TestIncreaseDeposit_ConvertedRepayment(t *testing.T) {
	f := newFixture(t, "0")
	id := f.openLeveraged(t)
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "DAI", Amount: units("60")})
	swaps := f.dex.Swaps()

	err := f.apply(&event.IncreaseDeposit{
		Meta: f.meta(), Owner: f.owner, PositionID: id, Asset: "DAI", Amount: units("40"),
		ConversionRoute: conv, OracleRoute: oracleRoute,
	})
	require.ErrorIs(t, err, core.ErrExceedsDebt)
	assert.Equal(t, swaps, f.dex.Swaps(), "a quote above the debt stops before the conversion")
	drainOutputs(f.persist)

	f.mustApply(t, &event.IncreaseDeposit{
		Meta: f.meta(), Owner: f.owner, PositionID: id, Asset: "DAI", Amount: units("20"),
		ConversionRoute: conv, OracleRoute: oracleRoute,
	})
	out := lastOutput(t, f.persist)
	changed := outcomeIn[*event.DepositChanged](t, out)

	assert.True(t, changed.Increased)
	assert.Equal(t, "120000000", changed.Deposit)
	assert.Equal(t, "10000000", changed.Debt)
	assert.Equal(t, "125000000", changed.Target)
	assert.Equal(t, wad("1.083333333333333333").Dec(), changed.Leverage)

	assert.Equal(t, []string{
		"swap_out " + userAcct(f.owner, ledger.SubTypeAvailable, "DAI") + " -> external:exchange:DAI 20000000",
		"repay external:exchange:USDC -> pool:usdc-main:liquidity:USDC 20000000",
	}, journalLines(out.Batch))

	pos := f.core.Position(id)
	require.NotNil(t, pos)
	assert.Equal(t, units("10"), pos.ScaledDebt())
	assert.Equal(t, units("120"), pos.DepositInSource())
	pool, _ := f.core.Pool(poolName)
	assert.Equal(t, units("10"), pool.TotalBorrowed)

	bal := f.core.Balances()
	assert.Equal(t, units("40"), bal.Available(f.owner, "DAI"))
	assert.Equal(t, units("990"), bal.PoolLiquidity(poolName, "USDC"))
	assertZeroSum(t, bal)
}

// ============================================================================
// Test: Take-profit
// ============================================================================

func TestTakeProfit_Triggered(t *testing.T) {
	f := newFixture(t, "0")
	cmd := f.openCmd()
	cmd.Conditions = []state.CloseCondition{{Kind: state.ConditionTakeProfit, Price: wad("1.2")}}
	f.mustApply(t, cmd)
	id := state.PositionID(lastOutcome[*event.PositionOpened](t, f.persist).PositionID)

	closeCmd := func() *event.CloseByCondition {
		return &event.CloseByCondition{
			Meta: f.meta(), Closer: f.keeper, PositionID: id,
			Reason: state.CloseReasonTakeProfit, SwapRoute: sell, OracleRoute: oracleRoute,
		}
	}
	f.setPrice(t, "1.1")
	swaps := f.dex.Swaps()
	err := f.apply(closeCmd())
	require.ErrorIs(t, err, state.ErrConditionNotMet)
	assert.Equal(t, swaps, f.dex.Swaps())

	f.setPrice(t, "1.25")
	f.mustApply(t, closeCmd())
	out := lastOutput(t, f.persist)
	closed := outcomeIn[*event.PositionClosed](t, out)

	// 125 * 1.25 = 156.25; fee 0.2% = 0.3125, half to the keeper; debt 30.
	assert.Equal(t, "TakeProfit", closed.Reason)
	assert.Equal(t, f.keeper, closed.Closer)
	assert.False(t, closed.Partial)
	assert.Equal(t, "156250000", closed.GrossProceeds)
	assert.Equal(t, "30000000", closed.RepaidDebt)
	assert.Equal(t, "312500", closed.ProtocolFee)
	assert.Equal(t, "USDC", closed.FeeAsset)
	assert.Equal(t, "156250", closed.KeeperReward)
	assert.Equal(t, "155937500", closed.OutputAmount)
	assert.Equal(t, "125937500", closed.RealizedPnL)
	assert.Equal(t, "0", closed.ToTreasury)

	assert.Equal(t, []string{
		"swap_out " + userAcct(f.owner, ledger.SubTypeLocked, "TKN") + " -> external:exchange:TKN 125000000",
		"repay external:exchange:USDC -> pool:usdc-main:liquidity:USDC 30000000",
		"protocol_fee external:exchange:USDC -> system:fees:USDC 312500",
		"keeper_reward system:fees:USDC -> " + userAcct(f.keeper, ledger.SubTypeAvailable, "USDC") + " 156250",
		"settlement_payout external:exchange:USDC -> " + userAcct(f.owner, ledger.SubTypeAvailable, "USDC") + " 125937500",
	}, journalLines(out.Batch))

	bal := f.core.Balances()
	assert.Equal(t, units("125.9375"), bal.Available(f.owner, "USDC"))
	assert.Equal(t, units("0.15625"), bal.Available(f.keeper, "USDC"))
	assert.Equal(t, units("0.15625"), bal.SystemBalance(ledger.SubTypeSystemFees, "USDC"))
	assert.Equal(t, units("1000"), bal.PoolLiquidity(poolName, "USDC"))
	assert.Nil(t, f.core.Position(id))
	assertZeroSum(t, bal)
}

// ============================================================================
// Test: Fee against deposit
// ============================================================================

func TestFillLimitOrder_FeeExceedingDepositRejected(t *testing.T) {
	f := newFixture(t, "0")
	f.mustApply(t, &event.CreateLimitOrder{
		Meta:          f.meta(),
		Owner:         f.owner,
		DepositAsset:  "USDC",
		DepositAmount: units("0.5"),
		Pool:          poolName,
		BorrowAmount:  units("500"),
		TargetAsset:   "TKN",
		LimitPrice:    wad("1.1"),
	})
	id := state.OrderID(lastOutcome[*event.OrderCreated](t, f.persist).OrderID)

	// 0.1% of 500.5 is 0.5005, more than the 0.5 deposit.
	err := f.apply(&event.FillLimitOrder{Meta: f.meta(), Keeper: f.keeper, OrderID: id, SwapRoute: uni, OracleRoute: oracleRoute})

	require.ErrorIs(t, err, core.ErrFeeExceedsDeposit)
	assert.NotErrorIs(t, err, fee.ErrFeeFloorExceedsPosition, "no floor is involved")
	assert.Equal(t, core.CodeCapacity, core.Classify(err))
	assert.Equal(t, 0, f.dex.Swaps())
	assert.NotNil(t, f.core.Order(id))
	pool, _ := f.core.Pool(poolName)
	assert.True(t, pool.TotalBorrowed.IsZero())
}

// ============================================================================
// Test: Engine clock
// ============================================================================

func TestEngineClock_BackdatedCommandCannotBypassDeadline(t *testing.T) {
	f := newFixture(t, "0.1")
	f.now += 600
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("1")})

	cmd := f.openCmd()
	cmd.Timestamp = time.Unix(t0, 0)
	cmd.Deadline = time.Unix(t0+60, 0)
	err := f.apply(cmd)

	require.ErrorIs(t, err, core.ErrDeadlineExceeded)
	assert.Empty(t, f.core.OwnerPositions(f.owner))
}

func TestEngineClock_BackdatedCommandRunsAtEngineTime(t *testing.T) {
	f := newFixture(t, "0.1")
	f.now += 600
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("1")})
	drainOutputs(f.persist)

	cmd := f.openCmd()
	cmd.Timestamp = time.Unix(t0, 0)
	f.mustApply(t, cmd)
	out := lastOutput(t, f.persist)
	opened := outcomeIn[*event.PositionOpened](t, out)

	assert.Equal(t, time.Unix(f.now, 0), out.Envelope.Timestamp)
	assert.Equal(t, f.now, f.core.Position(state.PositionID(opened.PositionID)).CreatedAt)

	mirror := state.NewBucket("mirror", "USDC", wad("0.1"), t0)
	require.NoError(t, mirror.Accrue(f.now))
	pool, _ := f.core.Pool(poolName)
	assert.Equal(t, f.now, pool.LastAccrual)
	assert.Equal(t, mirror.BorrowIndex, pool.BorrowIndex)
}

func TestEngineClock_FutureStampRejectedAtIntake(t *testing.T) {
	f := newFixture(t, "0.1")
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.lender, Asset: "USDC", Amount: units("10")})
	f.now += 3600
	received := time.Unix(f.now, 0)
	body := func(stamp time.Time) []byte {
		data, err := json.Marshal(map[string]any{
			"request_id":   uuid.NewString(),
			"timestamp_us": stamp.UnixMicro(),
			"provider":     f.lender.String(),
			"pool":         poolName,
			"amount":       "10000000",
		})
		require.NoError(t, err)
		return data
	}

	_, err := ingestion.ParseCommand("SupplyLiquidity", body(received.AddDate(5, 0, 0)), received)
	require.ErrorIs(t, err, ingestion.ErrFutureTimestamp)
	pool, _ := f.core.Pool(poolName)
	assert.Equal(t, t0, pool.LastAccrual)

	evt, err := ingestion.ParseCommand("SupplyLiquidity", body(received.Add(-time.Minute)), received)
	require.NoError(t, err)
	require.NoError(t, f.apply(evt))

	mirror := state.NewBucket("mirror", "USDC", wad("0.1"), t0)
	require.NoError(t, mirror.Accrue(f.now))
	pool, _ = f.core.Pool(poolName)
	assert.Equal(t, f.now, pool.LastAccrual)
	assert.Equal(t, mirror.BorrowIndex, pool.BorrowIndex, "interest accrues up to the receive time only")
}

func TestEngineClock_FutureStampCannotForceLiquidation(t *testing.T) {
	f := newFixture(t, "0.1")
	id := f.openLeveraged(t)
	received := time.Unix(f.now, 0)
	before, _ := f.core.Pool(poolName)
	body := func(stamp time.Time) []byte {
		data, err := json.Marshal(map[string]any{
			"request_id":   uuid.NewString(),
			"timestamp_us": stamp.UnixMicro(),
			"closer":       f.keeper.String(),
			"position_id":  uint64(id),
			"reason":       "Liquidation",
			"swap_route":   sell,
			"oracle_route": string(oracleRoute),
		})
		require.NoError(t, err)
		return data
	}

	// Thirty years of interest at 10% would leave the position liquidatable.
	_, err := ingestion.ParseCommand("CloseByCondition", body(received.AddDate(30, 0, 0)), received)
	require.ErrorIs(t, err, ingestion.ErrFutureTimestamp)

	evt, err := ingestion.ParseCommand("CloseByCondition", body(received), received)
	require.NoError(t, err)
	err = f.apply(evt)
	require.ErrorIs(t, err, state.ErrNotLiquidatable)

	after, _ := f.core.Pool(poolName)
	assert.Equal(t, before.BorrowIndex, after.BorrowIndex)
	assert.NotNil(t, f.core.Position(id))
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, "0.1")
	id := f.openLeveraged(t)
	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("100")})
	f.createOrder(t, time.Time{})

	raw, err := json.Marshal(f.core.CreateSnapshotState())
	require.NoError(t, err)

	g := newFixture(t, "0.1")
	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.NoError(t, g.core.RestoreFromSnapshot(&snap))

	assert.Equal(t, f.core.GetSequence(), g.core.GetSequence())
	assert.Equal(t, f.core.GetStateHash(), g.core.GetStateHash())
	assert.Equal(t, f.core.Position(id).CanonicalBytes(), g.core.Position(id).CanonicalBytes())
	fp, _ := f.core.Pool(poolName)
	gp, _ := g.core.Pool(poolName)
	assert.Equal(t, fp, gp)
	assert.Equal(t, balanceStrings(f.core.Balances()), balanceStrings(g.core.Balances()))
	assert.Len(t, g.core.OwnerPositions(g.owner), 0, "restored state replaces the fixture's own")
}

func TestResumeAfter_SkipsPastLogHead(t *testing.T) {
	f := newFixture(t, "0.1")
	next := f.core.GetSequence()
	hash := f.core.GetStateHash()

	f.core.ResumeAfter(next - 2)
	assert.Equal(t, next, f.core.GetSequence(), "a head behind the core is ignored")

	f.core.ResumeAfter(next + 9)
	assert.Equal(t, next+10, f.core.GetSequence())
	assert.Equal(t, hash, f.core.GetStateHash())

	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("1")})
	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 1)
	assert.Equal(t, next+10, outputs[0].Envelope.Sequence)
	assert.Equal(t, hash, outputs[0].Envelope.PrevHash)
}

func TestStateHashChain(t *testing.T) {
	f := newFixture(t, "0.1")
	prev := f.core.GetStateHash()

	f.mustApply(t, &event.Deposit{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("5")})
	f.mustApply(t, &event.Withdraw{Meta: f.meta(), Owner: f.owner, Asset: "USDC", Amount: units("2")})

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 2)
	for _, o := range outputs {
		assert.Equal(t, prev, o.Envelope.PrevHash)
		assert.Equal(t, core.ChainHash(prev, o.Envelope.Sequence, o.StateDelta), o.Envelope.StateHash)
		prev = o.Envelope.StateHash
	}
	assert.Equal(t, prev, f.core.GetStateHash())
	assert.NotEqual(t, core.GenesisHash(), prev)
}
