package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents holdings in one instrument.
// It is mutated only by confirmed fills.
type Position struct {
	Instrument  string          `json:"instrument"`
	Quantity    decimal.Decimal `json:"quantity"` // signed: >0 long, <0 short
	AverageCost decimal.Decimal `json:"average_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ApplyFill folds a fill into the position.
// Adding to a position moves the average cost; reducing it realizes PnL at the
// old average; crossing through zero opens the remainder at the fill price.
func (p *Position) ApplyFill(side Side, qty, price decimal.Decimal, at time.Time) {
	if !qty.IsPositive() || side == SideNone {
		return
	}
	delta := qty
	if side == SideSell {
		delta = qty.Neg()
	}

	cur := p.Quantity
	switch {
	case cur.IsZero() || cur.Sign() == delta.Sign():
		// Opening or adding
		total := cur.Add(delta)
		cost := p.AverageCost.Mul(cur.Abs()).Add(price.Mul(qty))
		p.AverageCost = cost.Div(total.Abs())
		p.Quantity = total
	default:
		closing := decimal.Min(cur.Abs(), qty)
		pnl := price.Sub(p.AverageCost).Mul(closing)
		if cur.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Quantity = cur.Add(delta)
		switch {
		case p.Quantity.IsZero():
			p.AverageCost = decimal.Zero
		case p.Quantity.Sign() != cur.Sign():
			p.AverageCost = price
		}
	}
	p.UpdatedAt = at
}

// Notional returns |quantity| * mark.
func (p Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Abs().Mul(mark)
}

// UnrealizedPnL returns the mark-to-market PnL of the open quantity.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() || !mark.IsPositive() {
		return decimal.Zero
	}
	return mark.Sub(p.AverageCost).Mul(p.Quantity)
}
