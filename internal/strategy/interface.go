package strategy

import (
	"trading_bot/internal/domain"
)

// Strategy maps one market event and a state snapshot to zero or more order intents.
// Decide must not perform I/O or touch shared state. A Strategy instance serves a
// single instrument and is called sequentially, so it may keep rolling state of its own.
type Strategy interface {
	Name() string
	Decide(ev domain.MarketEvent, snap domain.StateSnapshot) []domain.OrderIntent
}

// Func adapts a plain function to Strategy.
type Func struct {
	Label string
	Fn    func(ev domain.MarketEvent, snap domain.StateSnapshot) []domain.OrderIntent
}

func (f Func) Name() string { return f.Label }

func (f Func) Decide(ev domain.MarketEvent, snap domain.StateSnapshot) []domain.OrderIntent {
	return f.Fn(ev, snap)
}
