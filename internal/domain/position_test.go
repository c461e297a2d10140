package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPosition_ApplyFill(t *testing.T) {
	now := time.Now()

	t.Run("open and add moves average cost", func(t *testing.T) {
		p := Position{Instrument: "BTC"}
		p.ApplyFill(SideBuy, d("1"), d("100"), now)
		p.ApplyFill(SideBuy, d("1"), d("200"), now)

		if !p.Quantity.Equal(d("2")) {
			t.Errorf("Quantity = %s, want 2", p.Quantity)
		}
		if !p.AverageCost.Equal(d("150")) {
			t.Errorf("AverageCost = %s, want 150", p.AverageCost)
		}
	})

	t.Run("reduce realizes pnl and keeps cost", func(t *testing.T) {
		p := Position{Instrument: "BTC"}
		p.ApplyFill(SideBuy, d("2"), d("100"), now)
		p.ApplyFill(SideSell, d("1"), d("130"), now)

		if !p.Quantity.Equal(d("1")) {
			t.Errorf("Quantity = %s, want 1", p.Quantity)
		}
		if !p.AverageCost.Equal(d("100")) {
			t.Errorf("AverageCost = %s, want 100", p.AverageCost)
		}
		if !p.RealizedPnL.Equal(d("30")) {
			t.Errorf("RealizedPnL = %s, want 30", p.RealizedPnL)
		}
	})

	t.Run("short covered at a loss", func(t *testing.T) {
		p := Position{Instrument: "BTC"}
		p.ApplyFill(SideSell, d("1"), d("100"), now)
		p.ApplyFill(SideBuy, d("1"), d("110"), now)

		if !p.Quantity.IsZero() {
			t.Errorf("Quantity = %s, want 0", p.Quantity)
		}
		if !p.RealizedPnL.Equal(d("-10")) {
			t.Errorf("RealizedPnL = %s, want -10", p.RealizedPnL)
		}
		if !p.AverageCost.IsZero() {
			t.Errorf("AverageCost = %s, want 0 when flat", p.AverageCost)
		}
	})

	t.Run("flip through zero", func(t *testing.T) {
		p := Position{Instrument: "BTC"}
		p.ApplyFill(SideBuy, d("1"), d("100"), now)
		p.ApplyFill(SideSell, d("3"), d("120"), now)

		if !p.Quantity.Equal(d("-2")) {
			t.Errorf("Quantity = %s, want -2", p.Quantity)
		}
		if !p.AverageCost.Equal(d("120")) {
			t.Errorf("AverageCost = %s, want 120", p.AverageCost)
		}
		if !p.RealizedPnL.Equal(d("20")) {
			t.Errorf("RealizedPnL = %s, want 20", p.RealizedPnL)
		}
	})

	t.Run("ignores empty fills", func(t *testing.T) {
		p := Position{Instrument: "BTC"}
		p.ApplyFill(SideBuy, decimal.Zero, d("100"), now)
		p.ApplyFill(SideNone, d("1"), d("100"), now)
		if !p.Quantity.IsZero() {
			t.Errorf("Quantity = %s, want 0", p.Quantity)
		}
	})
}

func TestStateSnapshot_Headroom(t *testing.T) {
	snap := StateSnapshot{
		Position:     Position{Quantity: d("3")},
		ReservedBuy:  d("2"),
		ReservedSell: d("1"),
		Limits:       RiskLimits{MaxPositionPerInstrument: d("10")},
	}
	buy, sell := snap.Headroom()
	if !buy.Equal(d("5")) {
		t.Errorf("buy headroom = %s, want 5", buy)
	}
	if !sell.Equal(d("12")) {
		t.Errorf("sell headroom = %s, want 12", sell)
	}

	snap.Limits = RiskLimits{}
	buy, _ = snap.Headroom()
	if !buy.Equal(d("-1")) {
		t.Errorf("disabled limit should report -1, got %s", buy)
	}
}
