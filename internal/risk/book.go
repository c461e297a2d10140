// Package risk owns positions, open-order reservations and risk limits.
//
// State is partitioned into shards by instrument hash. Each shard is a single
// goroutine and the only code that touches its instruments, so mutations for one
// instrument never interleave while different shards run in parallel. Reservations,
// fills, releases and reads all travel as messages into the owning shard.
package risk

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
)

// ErrBookClosed is returned for calls after Close.
var ErrBookClosed = errors.New("risk book closed")

// Metrics receives risk outcomes.
type Metrics interface {
	RecordRiskViolation()
}

type nopMetrics struct{}

func (nopMetrics) RecordRiskViolation() {}

// Book is the position and risk state of the whole process. Create one with NewBook
// and pass it explicitly; there is no package-level instance.
type Book struct {
	shards  []*shard
	limits  atomic.Pointer[domain.RiskLimits]
	cash    *cashLedger
	metrics Metrics
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewBook starts shardNum shard goroutines. metrics may be nil.
func NewBook(shardNum int, limits domain.RiskLimits, metrics Metrics) *Book {
	if shardNum <= 0 {
		shardNum = 1
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	b := &Book{
		shards:  make([]*shard, shardNum),
		cash:    newCashLedger(),
		metrics: metrics,
		logger:  slog.Default().With("module", "risk"),
	}
	b.limits.Store(&limits)
	for i := range b.shards {
		b.shards[i] = newShard(i)
	}
	return b
}

func (b *Book) pickShard(instrument string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// do runs fn on the shard owning instrument and waits for it.
// Once fn is queued it always runs to completion, even if ctx is cancelled meanwhile.
func (b *Book) do(ctx context.Context, instrument string, fn func(st *instrumentState)) error {
	return b.pickShard(instrument).exec(ctx, func(states map[string]*instrumentState) {
		fn(stateFor(states, instrument))
	})
}

// Limits returns the limits currently in force.
func (b *Book) Limits() domain.RiskLimits {
	return *b.limits.Load()
}

// SetLimits swaps the limits atomically. In-flight reservations keep the limits
// they were checked against; later checks see the new ones.
func (b *Book) SetLimits(limits domain.RiskLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	b.limits.Store(&limits)
	b.logger.Info("Risk limits updated",
		slog.String("max_position", limits.MaxPositionPerInstrument.String()),
		slog.String("max_notional", limits.MaxOrderNotional.String()),
		slog.Int("max_open_orders", limits.MaxOpenOrders),
	)
	return nil
}

// Reserve checks intent against the limits and, if it passes, records a reservation
// for orderID. It returns a *domain.RiskViolation when the intent is refused.
// Reserving an orderID that is already reserved is a no-op.
func (b *Book) Reserve(ctx context.Context, orderID string, intent domain.OrderIntent) error {
	if v := validateIntent(orderID, intent); v != nil {
		b.violation(v)
		return v
	}
	limits := b.Limits()

	var verr *domain.RiskViolation
	err := b.do(ctx, intent.Instrument, func(st *instrumentState) {
		verr = st.reserve(orderID, intent, limits, b.cash)
	})
	if err != nil {
		return err
	}
	if verr != nil {
		b.violation(verr)
		return verr
	}
	return nil
}

func (b *Book) violation(v *domain.RiskViolation) {
	b.metrics.RecordRiskViolation()
	b.logger.Warn("Risk violation",
		slog.String("kind", string(v.Kind)),
		slog.String("instrument", v.Instrument),
		slog.String("detail", v.Detail),
	)
}

func validateIntent(orderID string, intent domain.OrderIntent) *domain.RiskViolation {
	fail := func(detail string) *domain.RiskViolation {
		return &domain.RiskViolation{Kind: domain.RiskInvalidIntent, Instrument: intent.Instrument, Detail: detail}
	}
	switch {
	case intent.Instrument == "":
		return fail("empty instrument")
	case orderID == "":
		return fail("empty order id")
	case intent.Side != domain.SideBuy && intent.Side != domain.SideSell:
		return fail("side must be BUY or SELL")
	case !intent.Quantity.IsPositive():
		return fail("quantity must be positive")
	case intent.LimitPrice != nil && !intent.LimitPrice.IsPositive():
		return fail("limit price must be positive")
	}
	return nil
}

// ApplyFill folds a confirmed fill into the position and shrinks the order's reservation.
// The reservation is released once the order is completely filled.
func (b *Book) ApplyFill(ctx context.Context, fill domain.Fill) error {
	if fill.Instrument == "" {
		return domain.ErrInvalidInstrument
	}
	var unknown bool
	err := b.do(ctx, fill.Instrument, func(st *instrumentState) {
		unknown = !st.applyFill(fill, b.cash)
	})
	if err != nil {
		return err
	}
	if unknown {
		b.logger.Warn("Fill for order without reservation applied to position",
			slog.String("order_id", fill.OrderID),
			slog.String("instrument", fill.Instrument),
		)
	}
	return nil
}

// Release drops the reservation of an order that was rejected or cancelled. Idempotent.
func (b *Book) Release(ctx context.Context, instrument, orderID string) error {
	return b.do(ctx, instrument, func(st *instrumentState) {
		st.release(orderID, b.cash)
	})
}

// SetBalance records the venue-reported cash balance. From then on buys are refused
// when their cost exceeds the balance not yet committed to open buys.
func (b *Book) SetBalance(balance decimal.Decimal) {
	b.cash.set(balance)
	b.logger.Info("Balance updated", slog.String("balance", balance.String()))
}

// SetInventory records the venue-reported inventory of instrument. From then on sells
// beyond the inventory not yet held by open sells are refused.
func (b *Book) SetInventory(ctx context.Context, instrument string, qty decimal.Decimal) error {
	return b.do(ctx, instrument, func(st *instrumentState) {
		st.inventory = &qty
	})
}

// Account returns the cash view.
func (b *Book) Account() domain.Account {
	return b.cash.account()
}

// UpdateMark records the latest market price used for market-order notional checks.
func (b *Book) UpdateMark(ctx context.Context, instrument string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return nil
	}
	return b.do(ctx, instrument, func(st *instrumentState) {
		st.lastPrice = price
	})
}

// Snapshot returns a copy of one instrument's state.
func (b *Book) Snapshot(ctx context.Context, instrument string) (domain.StateSnapshot, error) {
	limits := b.Limits()
	var snap domain.StateSnapshot
	err := b.do(ctx, instrument, func(st *instrumentState) {
		snap = st.snapshot(limits)
	})
	return snap, err
}

// Halt stops new reservations for instrument. Existing orders are unaffected.
func (b *Book) Halt(ctx context.Context, instrument, reason string) error {
	err := b.do(ctx, instrument, func(st *instrumentState) {
		st.halted = true
		st.haltReason = reason
	})
	if err == nil {
		b.logger.Warn("Instrument halted", slog.String("instrument", instrument), slog.String("reason", reason))
	}
	return err
}

// Resume re-enables reservations for instrument.
func (b *Book) Resume(ctx context.Context, instrument string) error {
	err := b.do(ctx, instrument, func(st *instrumentState) {
		st.halted = false
		st.haltReason = ""
	})
	if err == nil {
		b.logger.Info("Instrument resumed", slog.String("instrument", instrument))
	}
	return err
}

// Positions returns the position of every tracked instrument, flat ones included,
// sorted by instrument.
func (b *Book) Positions(ctx context.Context) ([]domain.Position, error) {
	var (
		mu  sync.Mutex
		out []domain.Position
	)
	for _, s := range b.shards {
		err := s.exec(ctx, func(states map[string]*instrumentState) {
			mu.Lock()
			defer mu.Unlock()
			for _, st := range states {
				out = append(out, st.position)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

// Restore seeds positions loaded from storage. It is meant for startup, before trading.
func (b *Book) Restore(ctx context.Context, positions []domain.Position) error {
	for _, p := range positions {
		if p.Instrument == "" {
			continue
		}
		if err := b.do(ctx, p.Instrument, func(st *instrumentState) {
			st.position = p
		}); err != nil {
			return fmt.Errorf("restore %s: %w", p.Instrument, err)
		}
	}
	b.logger.Info("Positions restored", slog.Int("count", len(positions)))
	return nil
}

// Close stops all shard goroutines. Later calls return ErrBookClosed.
func (b *Book) Close() {
	b.closeOnce.Do(func() {
		for _, s := range b.shards {
			s.stop()
		}
	})
}

// =============================
// shard (single goroutine)
// =============================

type shardReq struct {
	fn   func(map[string]*instrumentState)
	done chan struct{}
}

type shard struct {
	id     int
	inCh   chan shardReq
	states map[string]*instrumentState
	closed chan struct{}
	exited chan struct{}
}

func newShard(id int) *shard {
	s := &shard{
		id:     id,
		inCh:   make(chan shardReq, 1024),
		states: make(map[string]*instrumentState),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *shard) loop() {
	defer close(s.exited)
	for {
		select {
		case req := <-s.inCh:
			req.fn(s.states)
			close(req.done)
		case <-s.closed:
			return
		}
	}
}

func (s *shard) exec(ctx context.Context, fn func(map[string]*instrumentState)) error {
	req := shardReq{fn: fn, done: make(chan struct{})}
	select {
	case s.inCh <- req:
	case <-s.closed:
		return ErrBookClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-s.exited:
		// The loop may have taken req just before exiting.
		select {
		case <-req.done:
			return nil
		default:
			return ErrBookClosed
		}
	}
}

func (s *shard) stop() {
	close(s.closed)
	<-s.exited
}

// =============================
// per-instrument state (shard-owned)
// =============================

type reservation struct {
	side      domain.Side
	remaining decimal.Decimal
}

type instrumentState struct {
	position     domain.Position
	lastPrice    decimal.Decimal
	halted       bool
	haltReason   string
	orders       map[string]*reservation
	reservedBuy  decimal.Decimal
	reservedSell decimal.Decimal
	inventory    *decimal.Decimal
}

func stateFor(states map[string]*instrumentState, instrument string) *instrumentState {
	st, ok := states[instrument]
	if !ok {
		st = &instrumentState{
			position: domain.Position{Instrument: instrument},
			orders:   make(map[string]*reservation),
		}
		states[instrument] = st
	}
	return st
}

func (st *instrumentState) reserve(orderID string, intent domain.OrderIntent, limits domain.RiskLimits, cash *cashLedger) *domain.RiskViolation {
	if _, exists := st.orders[orderID]; exists {
		return nil
	}
	fail := func(kind domain.RiskViolationKind, format string, args ...any) *domain.RiskViolation {
		return &domain.RiskViolation{Kind: kind, Instrument: intent.Instrument, Detail: fmt.Sprintf(format, args...)}
	}

	if st.halted {
		return fail(domain.RiskInstrumentHalted, "%s", st.haltReason)
	}
	if limits.MaxOpenOrders > 0 && len(st.orders) >= limits.MaxOpenOrders {
		return fail(domain.RiskMaxOpenOrders, "%d open orders, limit %d", len(st.orders), limits.MaxOpenOrders)
	}

	if limits.MaxOrderNotional.IsPositive() {
		price := st.lastPrice
		if intent.LimitPrice != nil {
			price = *intent.LimitPrice
		}
		if !price.IsPositive() {
			return fail(domain.RiskNoReferencePrice, "market order without a mark price")
		}
		notional := price.Mul(intent.Quantity)
		if notional.GreaterThan(limits.MaxOrderNotional) {
			return fail(domain.RiskMaxOrderNotional, "notional %s exceeds %s", notional, limits.MaxOrderNotional)
		}
	}

	if limits.MaxPositionPerInstrument.IsPositive() {
		var projected decimal.Decimal
		if intent.Side == domain.SideBuy {
			projected = st.position.Quantity.Add(st.reservedBuy).Add(intent.Quantity)
		} else {
			projected = st.position.Quantity.Sub(st.reservedSell).Sub(intent.Quantity)
		}
		if projected.Abs().GreaterThan(limits.MaxPositionPerInstrument) {
			return fail(domain.RiskMaxPosition, "projected position %s exceeds %s", projected, limits.MaxPositionPerInstrument)
		}
	}

	if intent.Side == domain.SideSell && st.inventory != nil {
		available := st.inventory.Sub(st.reservedSell)
		if intent.Quantity.GreaterThan(available) {
			return fail(domain.RiskInsufficientInventory, "selling %s, %s available", intent.Quantity, available)
		}
	}
	if intent.Side == domain.SideBuy {
		unit := st.lastPrice.Mul(marketBuyMargin)
		if intent.LimitPrice != nil {
			unit = *intent.LimitPrice
		}
		if !unit.IsPositive() && cash.isKnown() {
			return fail(domain.RiskNoReferencePrice, "market buy without a mark price")
		}
		if available, ok := cash.commit(orderID, unit, intent.Quantity); !ok {
			return fail(domain.RiskInsufficientBalance, "cost %s exceeds available %s", unit.Mul(intent.Quantity), available)
		}
	}

	st.orders[orderID] = &reservation{side: intent.Side, remaining: intent.Quantity}
	st.adjustReserved(intent.Side, intent.Quantity)
	return nil
}

// applyFill reports whether the fill matched a reservation.
func (st *instrumentState) applyFill(fill domain.Fill, cash *cashLedger) bool {
	res, ok := st.orders[fill.OrderID]
	side := fill.Side
	if side == domain.SideNone && ok {
		side = res.side
	}
	cash.fill(fill.OrderID, side, fill.Quantity, fill.Price)
	if st.inventory != nil {
		inv := *st.inventory
		switch side {
		case domain.SideBuy:
			inv = inv.Add(fill.Quantity)
		case domain.SideSell:
			inv = decimal.Max(decimal.Zero, inv.Sub(fill.Quantity))
		}
		st.inventory = &inv
	}
	at := fill.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	st.position.ApplyFill(side, fill.Quantity, fill.Price, at)
	if fill.Price.IsPositive() {
		st.lastPrice = fill.Price
	}
	if !ok {
		return false
	}

	consumed := decimal.Min(res.remaining, fill.Quantity)
	res.remaining = res.remaining.Sub(consumed)
	st.adjustReserved(res.side, consumed.Neg())
	if !res.remaining.IsPositive() {
		delete(st.orders, fill.OrderID)
	}
	return true
}

func (st *instrumentState) release(orderID string, cash *cashLedger) {
	cash.release(orderID)
	res, ok := st.orders[orderID]
	if !ok {
		return
	}
	st.adjustReserved(res.side, res.remaining.Neg())
	delete(st.orders, orderID)
}

func (st *instrumentState) adjustReserved(side domain.Side, delta decimal.Decimal) {
	if side == domain.SideBuy {
		st.reservedBuy = st.reservedBuy.Add(delta)
	} else {
		st.reservedSell = st.reservedSell.Add(delta)
	}
}

func (st *instrumentState) snapshot(limits domain.RiskLimits) domain.StateSnapshot {
	var inventory *decimal.Decimal
	if st.inventory != nil {
		v := *st.inventory
		inventory = &v
	}
	return domain.StateSnapshot{
		Inventory:    inventory,
		Instrument:   st.position.Instrument,
		Position:     st.position,
		OpenOrders:   len(st.orders),
		ReservedBuy:  st.reservedBuy,
		ReservedSell: st.reservedSell,
		LastPrice:    st.lastPrice,
		Limits:       limits,
		Halted:       st.halted,
	}
}
