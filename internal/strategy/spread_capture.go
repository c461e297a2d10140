package strategy

import (
	"fmt"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// SpreadCaptureStrategy quotes passively on both sides of a wide spread.
// It only acts when it has no open orders and keeps inventory within maxInventory.
type SpreadCaptureStrategy struct {
	name         string
	quantity     decimal.Decimal
	minSpreadBps decimal.Decimal
	maxInventory decimal.Decimal
}

// NewSpreadCaptureStrategy creates the strategy; maxInventory <= 0 means five clips.
func NewSpreadCaptureStrategy(name string, quantity decimal.Decimal, minSpreadBps float64, maxInventory decimal.Decimal) (*SpreadCaptureStrategy, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("spread_capture: quantity must be positive")
	}
	if minSpreadBps <= 0 {
		return nil, fmt.Errorf("spread_capture: min_spread_bps must be positive, got %v", minSpreadBps)
	}
	if !maxInventory.IsPositive() {
		maxInventory = quantity.Mul(decimal.NewFromInt(5))
	}
	if name == "" {
		name = KindSpreadCapture
	}
	return &SpreadCaptureStrategy{
		name:         name,
		quantity:     quantity,
		minSpreadBps: decimal.NewFromFloat(minSpreadBps),
		maxInventory: maxInventory,
	}, nil
}

func (s *SpreadCaptureStrategy) Name() string { return s.name }

func (s *SpreadCaptureStrategy) Decide(ev domain.MarketEvent, snap domain.StateSnapshot) []domain.OrderIntent {
	if !ev.IsQuote() || snap.Halted || snap.OpenOrders > 0 {
		return nil
	}
	spreadBps := ev.Spread().Div(ev.Mid()).Mul(bpsDivisor)
	if spreadBps.LessThan(s.minSpreadBps) {
		return nil
	}

	pos := snap.Position.Quantity
	var out []domain.OrderIntent
	if pos.Add(s.quantity).LessThanOrEqual(s.maxInventory) {
		if qty := clampToHeadroom(domain.SideBuy, s.quantity, snap); qty.IsPositive() {
			out = append(out, newIntent(ev, s.name, domain.SideBuy, qty, ev.BestBid))
		}
	}
	if pos.Sub(s.quantity).GreaterThanOrEqual(s.maxInventory.Neg()) {
		if qty := clampToHeadroom(domain.SideSell, s.quantity, snap); qty.IsPositive() {
			out = append(out, newIntent(ev, s.name, domain.SideSell, qty, ev.BestAsk))
		}
	}
	return out
}
