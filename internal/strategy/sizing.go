package strategy

import (
	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
)

// clampToHeadroom shrinks qty so the order cannot push the position past its limit.
// It returns zero when there is no room left on that side.
func clampToHeadroom(side domain.Side, qty decimal.Decimal, snap domain.StateSnapshot) decimal.Decimal {
	buy, sell := snap.Headroom()
	room := buy
	if side == domain.SideSell {
		room = sell
	}
	if room.IsNegative() {
		return qty
	}
	return decimal.Min(qty, room)
}

func newIntent(ev domain.MarketEvent, name string, side domain.Side, qty, limit decimal.Decimal) domain.OrderIntent {
	price := limit
	return domain.OrderIntent{
		Instrument: ev.Instrument,
		Side:       side,
		Quantity:   qty,
		LimitPrice: &price,
		Strategy:   name,
		CreatedAt:  ev.Timestamp,
	}
}
