package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrOrderNotFound = errors.New("order: not found")

type OrderID uint64

// LimitOrder is a deferred open. The deposit is locked in custody while the order rests and
// the position opens once the oracle price of the target reaches LimitPrice or better.
type LimitOrder struct {
	ID                 OrderID
	Owner              uuid.UUID
	DepositAsset       string
	DepositAmount      *uint256.Int
	Pool               string       // empty for spot
	BorrowAmount       *uint256.Int // zero for spot
	TargetAsset        string
	LimitPrice         *uint256.Int // max source per target, WAD
	Conditions         []CloseCondition
	FeeInDiscountToken bool
	CreatedAt          int64
	ExpiresAt          int64 // 0 = good till cancelled
}

func (o *LimitOrder) IsSpot() bool {
	return o.Pool == ""
}

// Expired reports whether the order can no longer fill at now.
func (o *LimitOrder) Expired(now int64) bool {
	return o.ExpiresAt != 0 && now > o.ExpiresAt
}

// Fillable reports whether the oracle price (source per target) is at or below the limit.
func (o *LimitOrder) Fillable(oraclePrice *uint256.Int) bool {
	return !oraclePrice.Gt(o.LimitPrice)
}

func (o *LimitOrder) Clone() *LimitOrder {
	c := *o
	c.DepositAmount = o.DepositAmount.Clone()
	c.BorrowAmount = o.BorrowAmount.Clone()
	c.LimitPrice = o.LimitPrice.Clone()
	c.Conditions = append([]CloseCondition(nil), o.Conditions...)
	return &c
}

// OrderBook stores resting limit orders.
type OrderBook struct {
	orders map[OrderID]*LimitOrder
	nextID OrderID
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		orders: make(map[OrderID]*LimitOrder),
		nextID: 1,
	}
}

func (ob *OrderBook) Insert(o *LimitOrder) OrderID {
	o.ID = ob.nextID
	ob.nextID++
	ob.orders[o.ID] = o
	return o.ID
}

func (ob *OrderBook) Get(id OrderID) *LimitOrder {
	return ob.orders[id]
}

func (ob *OrderBook) Remove(id OrderID) (*LimitOrder, error) {
	o, ok := ob.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	delete(ob.orders, id)
	return o, nil
}

// Restore puts an order back under its existing id.
func (ob *OrderBook) Restore(o *LimitOrder) {
	ob.orders[o.ID] = o
	if o.ID >= ob.nextID {
		ob.nextID = o.ID + 1
	}
}

func (ob *OrderBook) NextID() OrderID { return ob.nextID }

func (ob *OrderBook) SetNextID(id OrderID) {
	if id > ob.nextID {
		ob.nextID = id
	}
}

// OwnerOrders returns an owner's resting orders ordered by id.
func (ob *OrderBook) OwnerOrders(owner uuid.UUID) []*LimitOrder {
	var result []*LimitOrder
	for _, o := range ob.orders {
		if o.Owner == owner {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// All returns every resting order ordered by id.
func (ob *OrderBook) All() []*LimitOrder {
	result := make([]*LimitOrder, 0, len(ob.orders))
	for _, o := range ob.orders {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
