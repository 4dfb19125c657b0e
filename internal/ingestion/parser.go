package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/exchange"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownCommand   = errors.New("ingestion: unknown command type")
	ErrMalformedCommand = errors.New("ingestion: malformed command")
	ErrFutureTimestamp  = errors.New("ingestion: command stamped in the future")
)

// ParseRawEvent converts a NATS message into a typed command.
func ParseRawEvent(raw RawEvent, commandType string) (event.Event, error) {
	return ParseCommand(commandType, raw.Data, raw.Timestamp)
}

// ParseCommand decodes the JSON wire form of a command. Every command is stamped with
// received, the moment it reached the intake. A client timestamp_us is only checked: one
// later than received is rejected.
func ParseCommand(commandType string, data []byte, received time.Time) (event.Event, error) {
	et, ok := event.ParseEventType(commandType)
	if !ok || et >= event.EventTypePositionOpened {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
	}

	var p parser
	switch et {
	case event.EventTypeDeposit:
		return p.deposit(data, received)
	case event.EventTypeWithdraw:
		return p.withdraw(data, received)
	case event.EventTypeSupplyLiquidity:
		return p.supplyLiquidity(data, received)
	case event.EventTypeWithdrawLiquidity:
		return p.withdrawLiquidity(data, received)
	case event.EventTypeOpenPosition:
		return p.openPosition(data, received)
	case event.EventTypeIncreaseDeposit:
		return p.increaseDeposit(data, received)
	case event.EventTypeDecreaseDeposit:
		return p.decreaseDeposit(data, received)
	case event.EventTypePartialClose:
		return p.partialClose(data, received)
	case event.EventTypeClosePosition:
		return p.closePosition(data, received)
	case event.EventTypeCloseByCondition:
		return p.closeByCondition(data, received)
	case event.EventTypeUpdateConditions:
		return p.updateConditions(data, received)
	case event.EventTypeCreateLimitOrder:
		return p.createLimitOrder(data, received)
	case event.EventTypeCancelLimitOrder:
		return p.cancelLimitOrder(data, received)
	case event.EventTypeFillLimitOrder:
		return p.fillLimitOrder(data, received)
	case event.EventTypeRiskParamUpdate:
		return p.riskParamUpdate(data, received)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are decimal strings in
// base units of their asset; prices and fractions are decimal strings ("0.05").

type metaJSON struct {
	RequestID   string `json:"request_id"`
	TimestampUs int64  `json:"timestamp_us"`
	DeadlineUs  int64  `json:"deadline_us"`
}

type conditionJSON struct {
	Kind  string `json:"kind"`
	Price string `json:"price"`
}

type custodyJSON struct {
	metaJSON
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type liquidityJSON struct {
	metaJSON
	Provider string `json:"provider"`
	Pool     string `json:"pool"`
	Amount   string `json:"amount"`
}

type openPositionJSON struct {
	metaJSON
	Owner              string          `json:"owner"`
	DepositAsset       string          `json:"deposit_asset"`
	DepositAmount      string          `json:"deposit_amount"`
	Pool               string          `json:"pool"`
	BorrowAmount       string          `json:"borrow_amount"`
	TargetAsset        string          `json:"target_asset"`
	MinTargetAmount    string          `json:"min_target_amount"`
	SwapRoute          exchange.Route  `json:"swap_route"`
	ConversionRoute    exchange.Route  `json:"conversion_route"`
	OracleRoute        string          `json:"oracle_route"`
	Conditions         []conditionJSON `json:"conditions"`
	FeeInDiscountToken bool            `json:"fee_in_discount_token"`
}

type increaseDepositJSON struct {
	metaJSON
	Owner           string         `json:"owner"`
	PositionID      uint64         `json:"position_id"`
	Asset           string         `json:"asset"`
	Amount          string         `json:"amount"`
	ConversionRoute exchange.Route `json:"conversion_route"`
	OracleRoute     string         `json:"oracle_route"`
}

// sellJSON is shared by decrease deposit, partial close and owner close.
type sellJSON struct {
	metaJSON
	Owner              string         `json:"owner"`
	PositionID         uint64         `json:"position_id"`
	TargetAmount       string         `json:"target_amount"`
	MinOut             string         `json:"min_out"`
	SwapRoute          exchange.Route `json:"swap_route"`
	OracleRoute        string         `json:"oracle_route"`
	FeeInDiscountToken bool           `json:"fee_in_discount_token"`
}

type closeByConditionJSON struct {
	metaJSON
	Closer      string         `json:"closer"`
	PositionID  uint64         `json:"position_id"`
	Reason      string         `json:"reason"`
	SwapRoute   exchange.Route `json:"swap_route"`
	OracleRoute string         `json:"oracle_route"`
}

type updateConditionsJSON struct {
	metaJSON
	Owner      string          `json:"owner"`
	PositionID uint64          `json:"position_id"`
	Conditions []conditionJSON `json:"conditions"`
}

type createLimitOrderJSON struct {
	metaJSON
	Owner              string          `json:"owner"`
	DepositAsset       string          `json:"deposit_asset"`
	DepositAmount      string          `json:"deposit_amount"`
	Pool               string          `json:"pool"`
	BorrowAmount       string          `json:"borrow_amount"`
	TargetAsset        string          `json:"target_asset"`
	LimitPrice         string          `json:"limit_price"`
	Conditions         []conditionJSON `json:"conditions"`
	FeeInDiscountToken bool            `json:"fee_in_discount_token"`
	ExpiresAtUs        int64           `json:"expires_at_us"`
}

type cancelLimitOrderJSON struct {
	metaJSON
	Owner   string `json:"owner"`
	OrderID uint64 `json:"order_id"`
}

type fillLimitOrderJSON struct {
	metaJSON
	Keeper          string         `json:"keeper"`
	OrderID         uint64         `json:"order_id"`
	MinTargetAmount string         `json:"min_target_amount"`
	SwapRoute       exchange.Route `json:"swap_route"`
	ConversionRoute exchange.Route `json:"conversion_route"`
	OracleRoute     string         `json:"oracle_route"`
}

type riskParamUpdateJSON struct {
	metaJSON
	SourceAsset          string `json:"source_asset"`
	TargetAsset          string `json:"target_asset"`
	OracleTolerableLimit string `json:"oracle_tolerable_limit"`
	PairPriceDrop        string `json:"pair_price_drop"`
	MaxPositionSizeUSD   string `json:"max_position_size_usd"`
	Pool                 string `json:"pool"`
	FeeBuffer            string `json:"fee_buffer"`
}

// parser keeps the first field error so each decoder reads as a flat list of fields.
type parser struct {
	err error
}

func (p *parser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %w", ErrMalformedCommand, field, err)
	}
}

func (p *parser) result(evt event.Event) (event.Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

func (p *parser) decode(name string, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		p.err = fmt.Errorf("%w: %s: %w", ErrMalformedCommand, name, err)
		return false
	}
	return true
}

func (p *parser) meta(m metaJSON, received time.Time) event.Meta {
	id := p.uuid("request_id", m.RequestID)
	ts := received.UTC()
	if m.TimestampUs != 0 && time.UnixMicro(m.TimestampUs).After(ts) {
		p.fail("timestamp_us", fmt.Errorf("%w: %d is after receive time %d", ErrFutureTimestamp, m.TimestampUs, ts.UnixMicro()))
	}
	var deadline time.Time
	if m.DeadlineUs != 0 {
		deadline = time.UnixMicro(m.DeadlineUs).UTC()
	}
	return event.Meta{RequestID: id, Timestamp: ts, Deadline: deadline}
}

func (p *parser) uuid(field, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail(field, err)
	}
	return id
}

// amount parses a required base-unit integer.
func (p *parser) amount(field, s string) *uint256.Int {
	if s == "" {
		p.fail(field, errors.New("required"))
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

// optAmount returns nil for an absent amount.
func (p *parser) optAmount(field, s string) *uint256.Int {
	if s == "" {
		return nil
	}
	return p.amount(field, s)
}

// wad parses a decimal price or fraction; absent means nil.
func (p *parser) wad(field, s string) *uint256.Int {
	if s == "" {
		return nil
	}
	v, err := fpmath.ParseWad(s)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

func (p *parser) conditions(in []conditionJSON) []state.CloseCondition {
	if len(in) == 0 {
		return nil
	}
	out := make([]state.CloseCondition, 0, len(in))
	for i, c := range in {
		var kind state.ConditionKind
		switch c.Kind {
		case state.ConditionStopLoss.String():
			kind = state.ConditionStopLoss
		case state.ConditionTakeProfit.String():
			kind = state.ConditionTakeProfit
		default:
			p.fail(fmt.Sprintf("conditions[%d].kind", i), fmt.Errorf("unknown kind %q", c.Kind))
			continue
		}
		out = append(out, state.CloseCondition{Kind: kind, Price: p.wad(fmt.Sprintf("conditions[%d].price", i), c.Price)})
	}
	return out
}

func (p *parser) reason(s string) state.CloseReason {
	for _, r := range []state.CloseReason{state.CloseReasonLiquidation, state.CloseReasonStopLoss, state.CloseReasonTakeProfit} {
		if r.String() == s {
			return r
		}
	}
	p.fail("reason", fmt.Errorf("not a keeper close reason: %q", s))
	return state.CloseReasonOwner
}

func route(s string) oracle.RouteData {
	if s == "" {
		return nil
	}
	return oracle.RouteData(s)
}

func (p *parser) deposit(data []byte, received time.Time) (event.Event, error) {
	var j custodyJSON
	if !p.decode("Deposit", data, &j) {
		return nil, p.err
	}
	evt := &event.Deposit{
		Meta:   p.meta(j.metaJSON, received),
		Owner:  p.uuid("owner", j.Owner),
		Asset:  j.Asset,
		Amount: p.amount("amount", j.Amount),
	}
	return p.result(evt)
}

func (p *parser) withdraw(data []byte, received time.Time) (event.Event, error) {
	var j custodyJSON
	if !p.decode("Withdraw", data, &j) {
		return nil, p.err
	}
	evt := &event.Withdraw{
		Meta:   p.meta(j.metaJSON, received),
		Owner:  p.uuid("owner", j.Owner),
		Asset:  j.Asset,
		Amount: p.amount("amount", j.Amount),
	}
	return p.result(evt)
}

func (p *parser) supplyLiquidity(data []byte, received time.Time) (event.Event, error) {
	var j liquidityJSON
	if !p.decode("SupplyLiquidity", data, &j) {
		return nil, p.err
	}
	evt := &event.SupplyLiquidity{
		Meta:     p.meta(j.metaJSON, received),
		Provider: p.uuid("provider", j.Provider),
		Pool:     j.Pool,
		Amount:   p.amount("amount", j.Amount),
	}
	return p.result(evt)
}

func (p *parser) withdrawLiquidity(data []byte, received time.Time) (event.Event, error) {
	var j liquidityJSON
	if !p.decode("WithdrawLiquidity", data, &j) {
		return nil, p.err
	}
	evt := &event.WithdrawLiquidity{
		Meta:     p.meta(j.metaJSON, received),
		Provider: p.uuid("provider", j.Provider),
		Pool:     j.Pool,
		Amount:   p.amount("amount", j.Amount),
	}
	return p.result(evt)
}

func (p *parser) openPosition(data []byte, received time.Time) (event.Event, error) {
	var j openPositionJSON
	if !p.decode("OpenPosition", data, &j) {
		return nil, p.err
	}
	evt := &event.OpenPosition{
		Meta:               p.meta(j.metaJSON, received),
		Owner:              p.uuid("owner", j.Owner),
		DepositAsset:       j.DepositAsset,
		DepositAmount:      p.amount("deposit_amount", j.DepositAmount),
		Pool:               j.Pool,
		BorrowAmount:       p.optAmount("borrow_amount", j.BorrowAmount),
		TargetAsset:        j.TargetAsset,
		MinTargetAmount:    p.optAmount("min_target_amount", j.MinTargetAmount),
		SwapRoute:          j.SwapRoute,
		ConversionRoute:    j.ConversionRoute,
		OracleRoute:        route(j.OracleRoute),
		Conditions:         p.conditions(j.Conditions),
		FeeInDiscountToken: j.FeeInDiscountToken,
	}
	return p.result(evt)
}

func (p *parser) increaseDeposit(data []byte, received time.Time) (event.Event, error) {
	var j increaseDepositJSON
	if !p.decode("IncreaseDeposit", data, &j) {
		return nil, p.err
	}
	evt := &event.IncreaseDeposit{
		Meta:            p.meta(j.metaJSON, received),
		Owner:           p.uuid("owner", j.Owner),
		PositionID:      state.PositionID(j.PositionID),
		Asset:           j.Asset,
		Amount:          p.amount("amount", j.Amount),
		ConversionRoute: j.ConversionRoute,
		OracleRoute:     route(j.OracleRoute),
	}
	return p.result(evt)
}

func (p *parser) decreaseDeposit(data []byte, received time.Time) (event.Event, error) {
	var j sellJSON
	if !p.decode("DecreaseDeposit", data, &j) {
		return nil, p.err
	}
	evt := &event.DecreaseDeposit{
		Meta:         p.meta(j.metaJSON, received),
		Owner:        p.uuid("owner", j.Owner),
		PositionID:   state.PositionID(j.PositionID),
		TargetAmount: p.amount("target_amount", j.TargetAmount),
		MinOut:       p.optAmount("min_out", j.MinOut),
		SwapRoute:    j.SwapRoute,
		OracleRoute:  route(j.OracleRoute),
	}
	return p.result(evt)
}

func (p *parser) partialClose(data []byte, received time.Time) (event.Event, error) {
	var j sellJSON
	if !p.decode("PartialClose", data, &j) {
		return nil, p.err
	}
	evt := &event.PartialClose{
		Meta:               p.meta(j.metaJSON, received),
		Owner:              p.uuid("owner", j.Owner),
		PositionID:         state.PositionID(j.PositionID),
		TargetAmount:       p.amount("target_amount", j.TargetAmount),
		MinOut:             p.optAmount("min_out", j.MinOut),
		SwapRoute:          j.SwapRoute,
		OracleRoute:        route(j.OracleRoute),
		FeeInDiscountToken: j.FeeInDiscountToken,
	}
	return p.result(evt)
}

func (p *parser) closePosition(data []byte, received time.Time) (event.Event, error) {
	var j sellJSON
	if !p.decode("ClosePosition", data, &j) {
		return nil, p.err
	}
	evt := &event.ClosePosition{
		Meta:               p.meta(j.metaJSON, received),
		Owner:              p.uuid("owner", j.Owner),
		PositionID:         state.PositionID(j.PositionID),
		MinOut:             p.optAmount("min_out", j.MinOut),
		SwapRoute:          j.SwapRoute,
		OracleRoute:        route(j.OracleRoute),
		FeeInDiscountToken: j.FeeInDiscountToken,
	}
	return p.result(evt)
}

func (p *parser) closeByCondition(data []byte, received time.Time) (event.Event, error) {
	var j closeByConditionJSON
	if !p.decode("CloseByCondition", data, &j) {
		return nil, p.err
	}
	evt := &event.CloseByCondition{
		Meta:        p.meta(j.metaJSON, received),
		Closer:      p.uuid("closer", j.Closer),
		PositionID:  state.PositionID(j.PositionID),
		Reason:      p.reason(j.Reason),
		SwapRoute:   j.SwapRoute,
		OracleRoute: route(j.OracleRoute),
	}
	return p.result(evt)
}

func (p *parser) updateConditions(data []byte, received time.Time) (event.Event, error) {
	var j updateConditionsJSON
	if !p.decode("UpdateConditions", data, &j) {
		return nil, p.err
	}
	evt := &event.UpdateConditions{
		Meta:       p.meta(j.metaJSON, received),
		Owner:      p.uuid("owner", j.Owner),
		PositionID: state.PositionID(j.PositionID),
		Conditions: p.conditions(j.Conditions),
	}
	return p.result(evt)
}

func (p *parser) createLimitOrder(data []byte, received time.Time) (event.Event, error) {
	var j createLimitOrderJSON
	if !p.decode("CreateLimitOrder", data, &j) {
		return nil, p.err
	}
	var expires time.Time
	if j.ExpiresAtUs != 0 {
		expires = time.UnixMicro(j.ExpiresAtUs).UTC()
	}
	limit := p.wad("limit_price", j.LimitPrice)
	if limit == nil {
		p.fail("limit_price", errors.New("required"))
	}
	evt := &event.CreateLimitOrder{
		Meta:               p.meta(j.metaJSON, received),
		Owner:              p.uuid("owner", j.Owner),
		DepositAsset:       j.DepositAsset,
		DepositAmount:      p.amount("deposit_amount", j.DepositAmount),
		Pool:               j.Pool,
		BorrowAmount:       p.optAmount("borrow_amount", j.BorrowAmount),
		TargetAsset:        j.TargetAsset,
		LimitPrice:         limit,
		Conditions:         p.conditions(j.Conditions),
		FeeInDiscountToken: j.FeeInDiscountToken,
		ExpiresAt:          expires,
	}
	return p.result(evt)
}

func (p *parser) cancelLimitOrder(data []byte, received time.Time) (event.Event, error) {
	var j cancelLimitOrderJSON
	if !p.decode("CancelLimitOrder", data, &j) {
		return nil, p.err
	}
	evt := &event.CancelLimitOrder{
		Meta:    p.meta(j.metaJSON, received),
		Owner:   p.uuid("owner", j.Owner),
		OrderID: state.OrderID(j.OrderID),
	}
	return p.result(evt)
}

func (p *parser) fillLimitOrder(data []byte, received time.Time) (event.Event, error) {
	var j fillLimitOrderJSON
	if !p.decode("FillLimitOrder", data, &j) {
		return nil, p.err
	}
	evt := &event.FillLimitOrder{
		Meta:            p.meta(j.metaJSON, received),
		Keeper:          p.uuid("keeper", j.Keeper),
		OrderID:         state.OrderID(j.OrderID),
		MinTargetAmount: p.optAmount("min_target_amount", j.MinTargetAmount),
		SwapRoute:       j.SwapRoute,
		ConversionRoute: j.ConversionRoute,
		OracleRoute:     route(j.OracleRoute),
	}
	return p.result(evt)
}

func (p *parser) riskParamUpdate(data []byte, received time.Time) (event.Event, error) {
	var j riskParamUpdateJSON
	if !p.decode("RiskParamUpdate", data, &j) {
		return nil, p.err
	}
	evt := &event.RiskParamUpdate{
		Meta:                 p.meta(j.metaJSON, received),
		SourceAsset:          j.SourceAsset,
		TargetAsset:          j.TargetAsset,
		OracleTolerableLimit: fpmath.OrZero(p.wad("oracle_tolerable_limit", j.OracleTolerableLimit)),
		PairPriceDrop:        fpmath.OrZero(p.wad("pair_price_drop", j.PairPriceDrop)),
		MaxPositionSizeUSD:   p.wad("max_position_size_usd", j.MaxPositionSizeUSD),
		Pool:                 j.Pool,
		FeeBuffer:            p.wad("fee_buffer", j.FeeBuffer),
	}
	return p.result(evt)
}
