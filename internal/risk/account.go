package risk

import (
	"sync"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
)

// Market buys commit cash at the mark plus 5%.
var marketBuyMargin = decimal.RequireFromString("1.05")

type commitment struct {
	unit      decimal.Decimal
	remaining decimal.Decimal
}

// cashLedger is the venue-reported balance shared by every shard. Shards call into it
// while handling their own instrument; it never calls back into a shard.
type cashLedger struct {
	mu        sync.Mutex
	known     bool
	balance   decimal.Decimal
	committed decimal.Decimal
	orders    map[string]commitment
}

func newCashLedger() *cashLedger {
	return &cashLedger{orders: make(map[string]commitment)}
}

func (c *cashLedger) set(balance decimal.Decimal) {
	c.mu.Lock()
	c.known = true
	c.balance = balance
	c.mu.Unlock()
}

func (c *cashLedger) isKnown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known
}

// commit holds unit*qty for a buy. It refuses when a known balance cannot cover it and
// returns what was available.
func (c *cashLedger) commit(orderID string, unit, qty decimal.Decimal) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cost := unit.Mul(qty)
	available := c.balance.Sub(c.committed)
	if c.known && cost.GreaterThan(available) {
		return available, false
	}
	c.orders[orderID] = commitment{unit: unit, remaining: qty}
	c.committed = c.committed.Add(cost)
	return available, true
}

func (c *cashLedger) fill(orderID string, side domain.Side, qty, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cm, ok := c.orders[orderID]; ok {
		used := decimal.Min(cm.remaining, qty)
		cm.remaining = cm.remaining.Sub(used)
		c.committed = c.committed.Sub(used.Mul(cm.unit))
		if cm.remaining.IsPositive() {
			c.orders[orderID] = cm
		} else {
			delete(c.orders, orderID)
		}
	}
	if !c.known {
		return
	}
	switch side {
	case domain.SideBuy:
		c.balance = c.balance.Sub(qty.Mul(price))
	case domain.SideSell:
		c.balance = c.balance.Add(qty.Mul(price))
	}
}

func (c *cashLedger) release(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cm, ok := c.orders[orderID]
	if !ok {
		return
	}
	c.committed = c.committed.Sub(cm.remaining.Mul(cm.unit))
	delete(c.orders, orderID)
}

func (c *cashLedger) account() domain.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Account{
		Known:     c.known,
		Balance:   c.balance,
		Committed: c.committed,
		Available: c.balance.Sub(c.committed),
	}
}
