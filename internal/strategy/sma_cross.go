package strategy

import (
	"fmt"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
)

// SMACrossStrategy implements a simple SMA Crossover strategy.
// It is stateful and deterministic.
// OPTIMIZED: Uses a Ring Buffer to ensure Zero-Alloc in the hotpath.
type SMACrossStrategy struct {
	name        string
	quantity    decimal.Decimal
	shortPeriod int
	longPeriod  int

	// State (Ring Buffer)
	prices []float64
	head   int     // Current write position
	count  int     // Number of elements filled
	sum    float64 // Running sum for the longest period

	prevShortSMA float64
	prevLongSMA  float64
}

// NewSMACrossStrategy creates a new instance.
func NewSMACrossStrategy(name string, quantity decimal.Decimal, shortPeriod, longPeriod int) (*SMACrossStrategy, error) {
	if shortPeriod <= 0 || shortPeriod >= longPeriod {
		return nil, fmt.Errorf("sma_cross: need 0 < short (%d) < long (%d)", shortPeriod, longPeriod)
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("sma_cross: quantity must be positive")
	}
	if name == "" {
		name = KindSMACross
	}
	return &SMACrossStrategy{
		name:        name,
		quantity:    quantity,
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
		prices:      make([]float64, longPeriod), // Fixed size allocation
	}, nil
}

func (s *SMACrossStrategy) Name() string { return s.name }

// Decide processes market updates and generates signals.
func (s *SMACrossStrategy) Decide(ev domain.MarketEvent, snap domain.StateSnapshot) []domain.OrderIntent {
	price := ev.Mid()
	if !price.IsPositive() {
		return nil
	}
	current := price.InexactFloat64()

	// If full, subtract the oldest value from sum before overwriting
	if s.count == s.longPeriod {
		s.sum -= s.prices[s.head] // s.head points to the oldest value when full
	}
	s.prices[s.head] = current
	s.sum += current
	s.head = (s.head + 1) % s.longPeriod
	if s.count < s.longPeriod {
		s.count++
	}

	if s.count < s.longPeriod {
		return nil
	}

	currLongSMA := s.sum / float64(s.longPeriod)
	currShortSMA := s.calculateShortSMA()

	var side domain.Side
	if s.prevShortSMA != 0 && s.prevLongSMA != 0 {
		switch {
		// Golden Cross: Short goes above Long
		case s.prevShortSMA <= s.prevLongSMA && currShortSMA > currLongSMA:
			side = domain.SideBuy
		// Dead Cross: Short goes below Long
		case s.prevShortSMA >= s.prevLongSMA && currShortSMA < currLongSMA:
			side = domain.SideSell
		}
	}

	s.prevShortSMA = currShortSMA
	s.prevLongSMA = currLongSMA

	if side == domain.SideNone || snap.Halted {
		return nil
	}
	qty := clampToHeadroom(side, s.quantity, snap)
	if !qty.IsPositive() {
		return nil
	}
	return []domain.OrderIntent{newIntent(ev, s.name, side, qty, price)}
}

// calculateShortSMA calculates the SMA for the short period using the ring buffer.
func (s *SMACrossStrategy) calculateShortSMA() float64 {
	var sum float64
	// Walk backwards from current head (which points to next write slot, so head-1 is latest)
	idx := s.head
	for i := 0; i < s.shortPeriod; i++ {
		idx--
		if idx < 0 {
			idx = s.longPeriod - 1
		}
		sum += s.prices[idx]
	}
	return sum / float64(s.shortPeriod)
}
