package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// RiskLimits is read-only configuration that can be swapped at runtime.
// Zero values disable the corresponding check.
type RiskLimits struct {
	MaxPositionPerInstrument decimal.Decimal `json:"max_position_per_instrument"`
	MaxOrderNotional         decimal.Decimal `json:"max_order_notional"`
	MaxOpenOrders            int             `json:"max_open_orders"`
}

// Validate rejects negative limits.
func (l RiskLimits) Validate() error {
	if l.MaxPositionPerInstrument.IsNegative() {
		return &ConfigError{Field: "risk.max_position_per_instrument", Err: errors.New("must not be negative")}
	}
	if l.MaxOrderNotional.IsNegative() {
		return &ConfigError{Field: "risk.max_order_notional", Err: errors.New("must not be negative")}
	}
	if l.MaxOpenOrders < 0 {
		return &ConfigError{Field: "risk.max_open_orders", Err: errors.New("must not be negative")}
	}
	return nil
}

// StateSnapshot is a consistent, copied view of one instrument's position and risk state.
// Strategies read it; nobody mutates it.
type StateSnapshot struct {
	Instrument   string
	Position     Position
	OpenOrders   int
	ReservedBuy  decimal.Decimal // unfilled quantity of open buy orders
	ReservedSell decimal.Decimal // unfilled quantity of open sell orders
	LastPrice    decimal.Decimal
	Limits       RiskLimits
	Halted       bool
	Inventory    *decimal.Decimal // venue-reported, nil until the venue sends one
}

// Account is the venue-reported cash balance. Committed is the cash held by open buy
// orders; Available is what a new buy may still use.
type Account struct {
	Known     bool            `json:"known"`
	Balance   decimal.Decimal `json:"balance"`
	Committed decimal.Decimal `json:"committed"`
	Available decimal.Decimal `json:"available"`
}

// Headroom returns how much more can be bought and sold before MaxPositionPerInstrument,
// counting open reservations. Both are unbounded (-1) when the limit is disabled.
func (s StateSnapshot) Headroom() (buy, sell decimal.Decimal) {
	max := s.Limits.MaxPositionPerInstrument
	if max.IsZero() {
		return decimal.NewFromInt(-1), decimal.NewFromInt(-1)
	}
	long := s.Position.Quantity.Add(s.ReservedBuy)
	short := s.Position.Quantity.Sub(s.ReservedSell)
	buy = decimal.Max(decimal.Zero, max.Sub(long))
	sell = decimal.Max(decimal.Zero, max.Add(short))
	return buy, sell
}
