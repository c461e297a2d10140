package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Strategy kinds selectable from configuration.
const (
	KindSMACross      = "sma_cross"
	KindRSIReversion  = "rsi_reversion"
	KindSpreadCapture = "spread_capture"
)

// Params configures one strategy instance for one instrument.
type Params struct {
	Name       string
	Instrument string
	Quantity   decimal.Decimal
	Values     map[string]float64
}

// Float returns Values[key] or def when unset.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p.Values[key]; ok {
		return v
	}
	return def
}

// Int returns Values[key] truncated to int, or def when unset.
func (p Params) Int(key string, def int) int {
	if v, ok := p.Values[key]; ok {
		return int(v)
	}
	return def
}

// Factory builds a fresh instance; every instrument gets its own.
type Factory func(p Params) (Strategy, error)

// Registry maps kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindSMACross, func(p Params) (Strategy, error) {
		return NewSMACrossStrategy(p.Name, p.Quantity, p.Int("short", 5), p.Int("long", 20))
	})
	r.Register(KindRSIReversion, func(p Params) (Strategy, error) {
		return NewRSIReversionStrategy(p.Name, p.Quantity, p.Int("period", 14), p.Float("oversold", 30), p.Float("overbought", 70))
	})
	r.Register(KindSpreadCapture, func(p Params) (Strategy, error) {
		return NewSpreadCaptureStrategy(p.Name, p.Quantity, p.Float("min_spread_bps", 10), decimal.NewFromFloat(p.Float("max_inventory", 0)))
	})
	return r
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build creates a strategy of the given kind.
func (r *Registry) Build(kind string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind %q (known: %v)", kind, r.Kinds())
	}
	s, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("build %s for %s: %w", kind, p.Instrument, err)
	}
	return s, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
