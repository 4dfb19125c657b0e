package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/exchange"
	"MarginLedger/internal/fee"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// DeterministicCore is the single-threaded command processor. Commands are applied one at a
// time; a rejected command leaves no trace in pools, debt, positions, orders or balances.
type DeterministicCore struct {
	sequence        int64
	clock           time.Time
	hasher          *StateHasher
	balanceTracker  *ledger.BalanceTracker
	journalGen      *ledger.JournalGenerator
	validator       *ledger.InvariantValidator
	positionManager *state.PositionManager
	orderBook       *state.OrderBook
	pools           map[string]*state.Bucket
	debt            map[string]*state.DebtToken
	riskParams      *state.RiskParamsManager
	fees            *fee.Engine
	oracle          oracle.Oracle
	exchange        exchange.Exchange
	assets          *ledger.AssetRegistry
	idempotency     *IdempotencyChecker
	metrics         *observability.Metrics
	log             zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need from one applied command. Pools and
// Positions are post-commit copies of what the command touched; a position closed for good
// is absent from Positions and reported by its PositionClosed outcome.
type CoreOutput struct {
	Command    event.Event
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Outcomes   []event.Outcome
	StateDelta []byte
	Pools      []state.BucketSnapshot
	Positions  []state.PositionRecord
}

// Config wires the core to its collaborators.
type Config struct {
	StartSequence  int64
	Assets         *ledger.AssetRegistry
	Pools          []*state.Bucket
	RiskParams     *state.RiskParamsManager
	Fees           *fee.Engine
	Oracle         oracle.Oracle
	Exchange       exchange.Exchange
	DBChecker      DBIdempotencyChecker
	DedupCapacity  int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewDeterministicCore(cfg Config) (*DeterministicCore, error) {
	if cfg.Assets == nil || cfg.RiskParams == nil || cfg.Fees == nil || cfg.Oracle == nil || cfg.Exchange == nil {
		return nil, fmt.Errorf("core: assets, risk params, fees, oracle and exchange are required")
	}
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	balanceTracker := ledger.NewBalanceTracker()
	c := &DeterministicCore{
		sequence:        cfg.StartSequence,
		hasher:          NewStateHasher(),
		balanceTracker:  balanceTracker,
		journalGen:      ledger.NewJournalGenerator(cfg.StartSequence),
		validator:       ledger.NewInvariantValidator(balanceTracker),
		positionManager: state.NewPositionManager(),
		orderBook:       state.NewOrderBook(),
		pools:           make(map[string]*state.Bucket, len(cfg.Pools)),
		debt:            make(map[string]*state.DebtToken, len(cfg.Pools)),
		riskParams:      cfg.RiskParams,
		fees:            cfg.Fees,
		oracle:          cfg.Oracle,
		exchange:        cfg.Exchange,
		assets:          cfg.Assets,
		idempotency:     NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		metrics:         cfg.Metrics,
		log:             cfg.Logger.With().Str("component", "core").Logger(),
		persistChan:     cfg.PersistChan,
		projectionChan:  cfg.ProjectionChan,
	}
	for _, b := range cfg.Pools {
		if _, err := cfg.Assets.Get(b.Asset); err != nil {
			return nil, fmt.Errorf("pool %s: %w", b.Name, err)
		}
		if _, dup := c.pools[b.Name]; dup {
			return nil, fmt.Errorf("pool %s configured twice", b.Name)
		}
		c.pools[b.Name] = b
		c.debt[b.Name] = state.NewDebtToken(b)
	}
	return c, nil
}

// effects is what a handler wants done once every fallible step has passed.
type effects struct {
	transfers []ledger.Transfer
	outcomes  []event.Outcome
	apply     []func() error
	positions []state.PositionID
}

func (e *effects) transfer(t ...ledger.Transfer) { e.transfers = append(e.transfers, t...) }

func (e *effects) emit(o ...event.Outcome) { e.outcomes = append(e.outcomes, o...) }

func (e *effects) then(id state.PositionID, fn func() error) {
	e.apply = append(e.apply, fn)
	if id != 0 {
		e.positions = append(e.positions, id)
	}
}

// txn remembers the pools a command touched so they can be put back on rejection.
type txn struct {
	core  *DeterministicCore
	at    time.Time
	now   int64
	pools map[string]state.BucketSnapshot
	debts map[string]map[uuid.UUID]*uint256.Int
}

func (c *DeterministicCore) begin(at time.Time) *txn {
	return &txn{
		core:  c,
		at:    at,
		now:   at.Unix(),
		pools: make(map[string]state.BucketSnapshot),
		debts: make(map[string]map[uuid.UUID]*uint256.Int),
	}
}

// pool snapshots the named pool on first use and brings its index up to now. Accrual is the
// first state change of any call that reads or writes debt.
func (t *txn) pool(name string) (*state.Bucket, *state.DebtToken, error) {
	b, ok := t.core.pools[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}
	d := t.core.debt[name]
	if _, seen := t.pools[name]; !seen {
		t.pools[name] = b.Snapshot()
		t.debts[name] = d.Snapshot()
		if err := b.Accrue(t.now); err != nil {
			return nil, nil, err
		}
	}
	return b, d, nil
}

func (t *txn) rollback() {
	for name, snap := range t.pools {
		t.core.pools[name].Restore(snap)
		t.core.debt[name].Restore(t.debts[name])
	}
}

func (t *txn) touchedPools() []string {
	names := make([]string, 0, len(t.pools))
	for name := range t.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessEvent applies one command.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if c.idempotency.IsDuplicate(ctx, eventType, idempotencyKey) {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	if err := c.apply(ctx, evt); err != nil {
		code := Classify(err)
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, string(code)).Inc()
		}
		c.log.Debug().Err(err).Str("event_type", eventType).Str("key", idempotencyKey).
			Str("code", string(code)).Msg("command rejected")
		return err
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	}
	return nil
}

func (c *DeterministicCore) apply(ctx context.Context, evt event.Event) error {
	ts := evt.Time()
	if ts.IsZero() {
		return fmt.Errorf("%w: command has no timestamp", ErrInvalidAmount)
	}
	// Engine time never runs backwards: accrual and deadlines use the later of the
	// command's stamp and the last applied command's.
	if ts.Before(c.clock) {
		ts = c.clock
	}
	if deadline := evt.ExpiresAt(); !deadline.IsZero() && ts.After(deadline) {
		return fmt.Errorf("%w: executed at %s, deadline %s", ErrDeadlineExceeded,
			ts.Format(time.RFC3339), deadline.Format(time.RFC3339))
	}

	tx := c.begin(ts)
	eff, err := c.dispatchEvent(ctx, tx, evt)
	if err != nil {
		tx.rollback()
		return err
	}

	batch := c.journalGen.GenerateBatch(evt.IdempotencyKey(), tx.now, eff.transfers)
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			tx.rollback()
			c.journalGen = ledger.NewJournalGenerator(batch.Sequence)
			return err
		}
	}

	for _, fn := range eff.apply {
		if err := fn(); err != nil {
			panic(fmt.Sprintf("FATAL: commit of %s %s failed after ledger apply: %v",
				evt.EventType(), evt.IdempotencyKey(), err))
		}
	}

	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c.clock = tx.at
	c.emit(ctx, evt, batch, eff, tx)
	c.recordPools(tx.touchedPools())
	return nil
}

func (c *DeterministicCore) recordPools(names []string) {
	if c.metrics == nil {
		return
	}
	for _, name := range names {
		b := c.pools[name]
		c.metrics.PoolUtilization.WithLabelValues(name).Set(scaledFloat(b.Utilization(), 1e18))
		c.metrics.PoolBorrowIndex.WithLabelValues(name).Set(scaledFloat(b.BorrowIndex, 1e27))
	}
}

func scaledFloat(v *uint256.Int, scale float64) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f / scale
}

func (c *DeterministicCore) emit(ctx context.Context, evt event.Event, batch *ledger.Batch, eff *effects, tx *txn) {
	stateDigest := c.computeStateDigest(batch, tx.touchedPools(), eff.positions)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := event.EncodeOutcomes(eff.outcomes)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode outcomes: %v", err))
	}

	output := CoreOutput{
		Command:  evt,
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Timestamp:      tx.at,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:      batch,
		Outcomes:   eff.outcomes,
		StateDelta: stateDigest,
	}
	for _, name := range tx.touchedPools() {
		output.Pools = append(output.Pools, c.pools[name].Snapshot())
	}
	seen := make(map[state.PositionID]bool, len(eff.positions))
	for _, id := range eff.positions {
		if seen[id] {
			continue
		}
		seen[id] = true
		if pos := c.positionManager.GetPosition(id); pos != nil {
			rec := pos.Record()
			c.annotateRisk(ctx, pos, &rec)
			output.Positions = append(output.Positions, rec)
		}
	}
	c.sequence++

	// Persistence is a blocking send so nothing is lost; projections drop when full and
	// rebuild from the event log.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: balances of accounts the
// batch moved, touched pools and touched positions.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, pools []string, positions []state.PositionID) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		digest = appendString(digest, key.AccountPath())
		digest = appendString(digest, c.balanceTracker.GetBalance(key).String())
	}

	for _, name := range pools {
		b := c.pools[name]
		digest = appendString(digest, name)
		digest = appendUint256(digest, b.TotalLiquidity)
		digest = appendUint256(digest, b.TotalBorrowed)
		digest = appendUint256(digest, b.BorrowIndex)
		digest = appendUint256(digest, c.debt[name].TotalScaled())
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for _, id := range positions {
		if pos := c.positionManager.GetPosition(id); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		} else {
			digest = appendString(digest, fmt.Sprintf("closed:%d", id))
		}
	}
	return digest
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := fpmath.OrZero(v).Bytes32()
	return append(buf, b[:]...)
}

// postCheckInvariants runs the guarded-account check on every command and the zero-sum check
// every 1000 commands.
func (c *DeterministicCore) postCheckInvariants() error {
	if err := c.validator.ValidateGuardedNonNegative(); err != nil {
		return fmt.Errorf("post-check non-negative: %w", err)
	}
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) dispatchEvent(ctx context.Context, tx *txn, evt event.Event) (*effects, error) {
	switch e := evt.(type) {
	case *event.Deposit:
		return c.handleDeposit(e)
	case *event.Withdraw:
		return c.handleWithdraw(e)
	case *event.SupplyLiquidity:
		return c.handleSupplyLiquidity(tx, e)
	case *event.WithdrawLiquidity:
		return c.handleWithdrawLiquidity(tx, e)
	case *event.OpenPosition:
		return c.handleOpenPosition(ctx, tx, e)
	case *event.IncreaseDeposit:
		return c.handleIncreaseDeposit(ctx, tx, e)
	case *event.DecreaseDeposit:
		return c.handleDecreaseDeposit(ctx, tx, e)
	case *event.PartialClose:
		return c.handlePartialClose(ctx, tx, e)
	case *event.ClosePosition:
		return c.handleClosePosition(ctx, tx, e)
	case *event.CloseByCondition:
		return c.handleCloseByCondition(ctx, tx, e)
	case *event.UpdateConditions:
		return c.handleUpdateConditions(tx, e)
	case *event.CreateLimitOrder:
		return c.handleCreateLimitOrder(tx, e)
	case *event.CancelLimitOrder:
		return c.handleCancelLimitOrder(tx, e)
	case *event.FillLimitOrder:
		return c.handleFillLimitOrder(ctx, tx, e)
	case *event.RiskParamUpdate:
		return c.handleRiskParamUpdate(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
	}
}

func (c *DeterministicCore) handleRiskParamUpdate(evt *event.RiskParamUpdate) (*effects, error) {
	pair := &state.PairParams{
		Pair:                 state.NewPairKey(evt.SourceAsset, evt.TargetAsset),
		OracleTolerableLimit: evt.OracleTolerableLimit,
		PairPriceDrop:        evt.PairPriceDrop,
		MaxPositionSizeUSD:   fpmath.OrZero(evt.MaxPositionSizeUSD),
	}
	if err := state.ValidatePairParams(pair); err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrPairNotConfigured, err)
	}
	var pool *state.PoolParams
	if evt.Pool != "" {
		if _, ok := c.pools[evt.Pool]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, evt.Pool)
		}
		pool = &state.PoolParams{Pool: evt.Pool, FeeBuffer: evt.FeeBuffer}
		if err := state.ValidatePoolParams(pool); err != nil {
			return nil, fmt.Errorf("%w: %v", state.ErrPoolNotConfigured, err)
		}
	}

	eff := &effects{}
	eff.then(0, func() error {
		if err := c.riskParams.UpdatePairParams(pair); err != nil {
			return err
		}
		if pool != nil {
			return c.riskParams.UpdatePoolParams(pool)
		}
		return nil
	})
	return eff, nil
}

// --- Snapshot Restore & Startup Methods ---

// BalanceEntry is one account balance in a snapshot.
type BalanceEntry struct {
	Account ledger.AccountKey `json:"account"`
	Balance string            `json:"balance"`
}

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                                 `json:"sequence"`
	StateHash       [32]byte                              `json:"state_hash"`
	ClockUs         int64                                 `json:"clock_us"`
	JournalSequence int64                                 `json:"journal_sequence"`
	Balances        []BalanceEntry                        `json:"balances"`
	Pools           []state.BucketSnapshot                `json:"pools"`
	Debts           map[string]map[uuid.UUID]*uint256.Int `json:"debts"`
	Positions       []state.PositionRecord                `json:"positions"`
	NextPositionID  state.PositionID                      `json:"next_position_id"`
	Orders          []*state.LimitOrder                   `json:"orders"`
	NextOrderID     state.OrderID                         `json:"next_order_id"`
	IdempotencyKeys []string                              `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		JournalSequence: c.journalGen.Sequence(),
		Debts:           make(map[string]map[uuid.UUID]*uint256.Int, len(c.debt)),
		NextPositionID:  c.positionManager.NextID(),
		NextOrderID:     c.orderBook.NextID(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
	if !c.clock.IsZero() {
		snap.ClockUs = c.clock.UnixMicro()
	}
	for key, bal := range c.balanceTracker.Snapshot() {
		snap.Balances = append(snap.Balances, BalanceEntry{Account: key, Balance: bal.String()})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		return snap.Balances[i].Account.AccountPath() < snap.Balances[j].Account.AccountPath()
	})
	for _, name := range c.PoolNames() {
		snap.Pools = append(snap.Pools, c.pools[name].Snapshot())
		snap.Debts[name] = c.debt[name].Snapshot()
	}
	for _, p := range c.positionManager.GetAllPositions() {
		snap.Positions = append(snap.Positions, p.Record())
	}
	for _, o := range c.orderBook.All() {
		snap.Orders = append(snap.Orders, o.Clone())
	}
	return snap
}

// RestoreFromSnapshot restores the core's in-memory state on warm start. Pools in the snapshot
// must exist in the configuration.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	balances, err := decodeBalances(snap.Balances)
	if err != nil {
		return err
	}
	for _, ps := range snap.Pools {
		b, ok := c.pools[ps.Name]
		if !ok {
			return fmt.Errorf("%w: snapshot pool %s", ErrUnknownPool, ps.Name)
		}
		b.Restore(ps)
		c.debt[ps.Name].Restore(snap.Debts[ps.Name])
	}
	for _, rec := range snap.Positions {
		pos, err := rec.Position()
		if err != nil {
			return err
		}
		if err := c.positionManager.Restore(pos); err != nil {
			return err
		}
	}
	for _, o := range snap.Orders {
		c.orderBook.Restore(o.Clone())
	}

	c.balanceTracker.Restore(balances)
	c.positionManager.SetNextID(snap.NextPositionID)
	c.orderBook.SetNextID(snap.NextOrderID)
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	if snap.ClockUs != 0 {
		c.clock = time.UnixMicro(snap.ClockUs).UTC()
	}
	c.journalGen = ledger.NewJournalGenerator(snap.JournalSequence)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// ResumeAfter moves the next sequence past head, the last sequence in the event log, when
// the log holds commands the restored state does not. The hash chain breaks at head+1.
func (c *DeterministicCore) ResumeAfter(head int64) {
	if head >= c.sequence {
		c.sequence = head + 1
	}
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Balances exposes the ledger for read paths running on the core goroutine.
func (c *DeterministicCore) Balances() *ledger.BalanceTracker { return c.balanceTracker }

func (c *DeterministicCore) Position(id state.PositionID) *state.Position {
	if p := c.positionManager.GetPosition(id); p != nil {
		return p.Clone()
	}
	return nil
}

func (c *DeterministicCore) OwnerPositions(owner uuid.UUID) []*state.Position {
	ps := c.positionManager.GetOwnerPositions(owner)
	out := make([]*state.Position, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	return out
}

func (c *DeterministicCore) Order(id state.OrderID) *state.LimitOrder {
	if o := c.orderBook.Get(id); o != nil {
		return o.Clone()
	}
	return nil
}

func (c *DeterministicCore) Pool(name string) (state.BucketSnapshot, bool) {
	b, ok := c.pools[name]
	if !ok {
		return state.BucketSnapshot{}, false
	}
	return b.Snapshot(), true
}

func (c *DeterministicCore) PoolNames() []string {
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RealDebt is a position's debt at the pool's index as of the last accrual.
func (c *DeterministicCore) RealDebt(pos *state.Position) (*uint256.Int, error) {
	if pos.IsSpot() {
		return new(uint256.Int), nil
	}
	b, ok := c.pools[pos.Pool()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pos.Pool())
	}
	return state.DebtFromScaled(pos.ScaledDebt(), b.BorrowIndex)
}

var errBadBalance = errors.New("core: snapshot balance is not an integer")

func decodeBalances(entries []BalanceEntry) (map[ledger.AccountKey]*big.Int, error) {
	out := make(map[ledger.AccountKey]*big.Int, len(entries))
	for _, e := range entries {
		v, ok := new(big.Int).SetString(e.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %s = %q", errBadBalance, e.Account.AccountPath(), e.Balance)
		}
		out[e.Account] = v
	}
	return out, nil
}
