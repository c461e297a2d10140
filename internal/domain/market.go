package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade or the direction of an order.
type Side int8

const (
	SideNone Side = iota
	SideBuy
	SideSell
)

// String returns the wire representation of the side
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// Sign returns +1 for buys, -1 for sells and 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// ParseSide maps the aliases used by feeds and venues onto a Side.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "BID", "B":
		return SideBuy, true
	case "SELL", "ASK", "S":
		return SideSell, true
	case "", "NONE":
		return SideNone, true
	default:
		return SideNone, false
	}
}

// MarketEvent is the canonical market-data update. It is a value type and is
// never mutated after the normalizer creates it.
type MarketEvent struct {
	Instrument string          `json:"instrument"`
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"ts"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Side       Side            `json:"side"`

	// Quote fields, zero for trades.
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`

	// Session is the feed session that delivered the event; sequence numbers restart per session.
	Session uint64 `json:"session"`
}

// IsQuote reports whether the event carries a two-sided quote.
func (e MarketEvent) IsQuote() bool {
	return e.BestBid.IsPositive() && e.BestAsk.IsPositive()
}

// Mid returns the quote midpoint, or Price when the event is not a quote.
func (e MarketEvent) Mid() decimal.Decimal {
	if !e.IsQuote() {
		return e.Price
	}
	return e.BestBid.Add(e.BestAsk).Div(decimal.NewFromInt(2))
}

// Spread returns ask - bid for quotes and zero otherwise.
func (e MarketEvent) Spread() decimal.Decimal {
	if !e.IsQuote() {
		return decimal.Zero
	}
	return e.BestAsk.Sub(e.BestBid)
}
