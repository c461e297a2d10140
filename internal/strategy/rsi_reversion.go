package strategy

import (
	"fmt"

	"trading_bot/internal/domain"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

type rsiZone int8

const (
	zoneNeutral rsiZone = iota
	zoneOversold
	zoneOverbought
)

// RSIReversionStrategy buys when RSI enters the oversold zone and sells when it
// enters the overbought zone. Signals fire on zone entry only.
type RSIReversionStrategy struct {
	name       string
	quantity   decimal.Decimal
	period     int
	oversold   float64
	overbought float64

	closes []float64
	window int
	zone   rsiZone
}

// NewRSIReversionStrategy validates the thresholds and sizes the price window.
func NewRSIReversionStrategy(name string, quantity decimal.Decimal, period int, oversold, overbought float64) (*RSIReversionStrategy, error) {
	if period < 2 {
		return nil, fmt.Errorf("rsi_reversion: period must be >= 2, got %d", period)
	}
	if !(0 < oversold && oversold < overbought && overbought < 100) {
		return nil, fmt.Errorf("rsi_reversion: need 0 < oversold (%v) < overbought (%v) < 100", oversold, overbought)
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("rsi_reversion: quantity must be positive")
	}
	if name == "" {
		name = KindRSIReversion
	}
	window := period * 4
	return &RSIReversionStrategy{
		name:       name,
		quantity:   quantity,
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		closes:     make([]float64, 0, window),
		window:     window,
	}, nil
}

func (s *RSIReversionStrategy) Name() string { return s.name }

func (s *RSIReversionStrategy) Decide(ev domain.MarketEvent, snap domain.StateSnapshot) []domain.OrderIntent {
	price := ev.Mid()
	if !price.IsPositive() {
		return nil
	}
	if len(s.closes) == s.window {
		copy(s.closes, s.closes[1:])
		s.closes = s.closes[:s.window-1]
	}
	s.closes = append(s.closes, price.InexactFloat64())
	if len(s.closes) <= s.period {
		return nil
	}

	series := talib.Rsi(s.closes, s.period)
	if len(series) == 0 {
		return nil
	}
	rsi := series[len(series)-1]

	zone := zoneNeutral
	switch {
	case rsi <= s.oversold:
		zone = zoneOversold
	case rsi >= s.overbought:
		zone = zoneOverbought
	}
	prev := s.zone
	s.zone = zone
	if zone == prev || zone == zoneNeutral || snap.Halted {
		return nil
	}

	side := domain.SideBuy
	if zone == zoneOverbought {
		side = domain.SideSell
	}
	qty := clampToHeadroom(side, s.quantity, snap)
	if !qty.IsPositive() {
		return nil
	}
	return []domain.OrderIntent{newIntent(ev, s.name, side, qty, price)}
}

// RSI returns the latest RSI value, or 0 before enough prices were seen.
func (s *RSIReversionStrategy) RSI() float64 {
	if len(s.closes) <= s.period {
		return 0
	}
	series := talib.Rsi(s.closes, s.period)
	return series[len(series)-1]
}
