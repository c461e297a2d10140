package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of a submitted order.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderAcknowledged    OrderState = "ACKNOWLEDGED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderCancelled       OrderState = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows from -> to.
//
//	Pending -> Acknowledged -> PartiallyFilled* -> Filled
//	any non-terminal -> Rejected | Cancelled
//
// A fill may arrive before its acknowledgment, so Pending may move straight to a fill state.
func CanTransition(from, to OrderState) bool {
	if from.IsTerminal() || from == to && to != OrderPartiallyFilled {
		return false
	}
	switch to {
	case OrderAcknowledged:
		return from == OrderPending
	case OrderPartiallyFilled, OrderFilled:
		return true
	case OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// OrderIntent is a strategy's request to trade. Ephemeral, never persisted on its own.
type OrderIntent struct {
	Instrument string
	Side       Side
	Quantity   decimal.Decimal
	LimitPrice *decimal.Decimal // nil for market orders
	Strategy   string
	CreatedAt  time.Time
}

// IsMarket reports whether the intent has no limit price.
func (i OrderIntent) IsMarket() bool {
	return i.LimitPrice == nil
}

// SignedQuantity returns +qty for buys and -qty for sells.
func (i OrderIntent) SignedQuantity() decimal.Decimal {
	if i.Side == SideSell {
		return i.Quantity.Neg()
	}
	return i.Quantity
}

// OrderRecord is the gate's view of an order.
type OrderRecord struct {
	OrderID      string
	Intent       OrderIntent
	State        OrderState
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Reason       string
	Ambiguous    bool // submission outcome unknown, awaiting operator reconciliation
	CreatedAt    time.Time
	LastUpdated  time.Time
}

// RemainingQty is the quantity not yet filled.
func (r OrderRecord) RemainingQty() decimal.Decimal {
	rem := r.Intent.Quantity.Sub(r.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// IsOpen checks if the order is still active.
func (r OrderRecord) IsOpen() bool {
	return !r.State.IsTerminal()
}

// Fill is a confirmed execution of (part of) an order.
type Fill struct {
	OrderID    string
	Instrument string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Timestamp  time.Time
}
