// Package execution turns approved intents into orders and tracks them to a terminal state.
//
// Submission runs on the caller's goroutine so one instrument's intents go out in order.
// Every state change after registration (acknowledgments, fills, rejects, cancels) is
// applied on the instrument's dispatcher worker, so venue callbacks never block the feed
// reader and never race each other for the same instrument.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/event"
	"trading_bot/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errDispatcherClosed = errors.New("dispatcher closed")

// Ack is the venue's synchronous answer to a submission.
type Ack struct {
	OrderID  string
	VenueID  string
	Accepted bool
	Reason   string
}

// Endpoint is the venue orders are sent to.
type Endpoint interface {
	// SubmitOrder sends the order. orderID doubles as the idempotency key.
	SubmitOrder(ctx context.Context, orderID string, intent domain.OrderIntent) (Ack, error)
	CancelOrder(ctx context.Context, orderID, instrument string) error
	// Idempotent reports whether resubmitting the same orderID is safe.
	Idempotent() bool
}

// RiskBook is the part of the position and risk state the gate drives.
type RiskBook interface {
	Reserve(ctx context.Context, orderID string, intent domain.OrderIntent) error
	ApplyFill(ctx context.Context, fill domain.Fill) error
	Release(ctx context.Context, instrument, orderID string) error
	Halt(ctx context.Context, instrument, reason string) error
}

// Metrics receives order lifecycle counters.
type Metrics interface {
	RecordOrderSubmitted()
	RecordOrderAcknowledged()
	RecordOrderFilled()
	RecordOrderRejected()
	RecordOrderCancelled()
	RecordSubmitRetry()
	RecordAmbiguous()
	RecordOrphaned(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordOrderSubmitted()    {}
func (nopMetrics) RecordOrderAcknowledged() {}
func (nopMetrics) RecordOrderFilled()       {}
func (nopMetrics) RecordOrderRejected()     {}
func (nopMetrics) RecordOrderCancelled()    {}
func (nopMetrics) RecordSubmitRetry()       {}
func (nopMetrics) RecordAmbiguous()         {}
func (nopMetrics) RecordOrphaned(int)       {}

type nopJournal struct{}

func (nopJournal) SaveOrder(context.Context, domain.OrderRecord, bool) error { return nil }

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, domain.Alert) {}

// Config tunes the gate.
type Config struct {
	Workers       int
	QueueDepth    int
	SubmitRetries int // extra attempts after the first, idempotent endpoints only
	Backoff       infra.Backoff
}

// Deps are the gate's optional collaborators. Nil fields get no-op defaults.
type Deps struct {
	Journal domain.OrderJournal
	Alerter domain.Alerter
	Metrics Metrics
}

// Gate is the only path from an intent to the venue.
type Gate struct {
	cfg      Config
	endpoint Endpoint
	book     RiskBook
	journal  domain.OrderJournal
	alerter  domain.Alerter
	metrics  Metrics
	disp     *Dispatcher
	logger   *slog.Logger
	newID    func() string

	mu       sync.RWMutex
	orders   map[string]*domain.OrderRecord
	awaiting int // orders still Pending
	closed   bool
	changed  chan struct{}
	inflight sync.WaitGroup
}

// NewGate creates a gate and starts its workers.
func NewGate(cfg Config, endpoint Endpoint, book RiskBook, deps Deps) *Gate {
	if cfg.SubmitRetries < 0 {
		cfg.SubmitRetries = 0
	}
	g := &Gate{
		cfg:      cfg,
		endpoint: endpoint,
		book:     book,
		journal:  deps.Journal,
		alerter:  deps.Alerter,
		metrics:  deps.Metrics,
		disp:     NewDispatcher(cfg.Workers, cfg.QueueDepth),
		logger:   slog.Default().With("module", "execution"),
		newID:    uuid.NewString,
		orders:   make(map[string]*domain.OrderRecord),
		changed:  make(chan struct{}, 1),
	}
	if g.journal == nil {
		g.journal = nopJournal{}
	}
	if g.alerter == nil {
		g.alerter = nopAlerter{}
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	return g
}

type sendOutcome uint8

const (
	outcomeSent sendOutcome = iota
	outcomeRefused
	outcomeAmbiguous
)

// Submit reserves risk for intent and sends it to the endpoint.
//
// A risk violation returns a Rejected record and the violation; the endpoint is not contacted.
// A submission whose outcome cannot be determined returns the open record flagged
// Ambiguous together with a *domain.ExecutionAmbiguousError, and halts the instrument.
func (g *Gate) Submit(ctx context.Context, intent domain.OrderIntent) (domain.OrderRecord, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return domain.OrderRecord{}, domain.ErrGateClosed
	}
	g.inflight.Add(1)
	g.mu.Unlock()
	defer g.inflight.Done()

	now := time.Now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	rec := domain.OrderRecord{
		OrderID:     g.newID(),
		Intent:      intent,
		State:       domain.OrderPending,
		CreatedAt:   now,
		LastUpdated: now,
	}

	if err := g.book.Reserve(ctx, rec.OrderID, intent); err != nil {
		rv, ok := domain.AsRiskViolation(err)
		if !ok {
			return domain.OrderRecord{}, fmt.Errorf("reserve %s: %w", intent.Instrument, err)
		}
		rec.State = domain.OrderRejected
		rec.Reason = rv.Error()
		g.mu.Lock()
		stored := rec
		g.orders[rec.OrderID] = &stored
		g.mu.Unlock()
		g.metrics.RecordOrderRejected()
		g.save(ctx, rec, false)
		return rec, err
	}

	g.mu.Lock()
	stored := rec
	g.orders[rec.OrderID] = &stored
	g.awaiting++
	g.mu.Unlock()
	g.metrics.RecordOrderSubmitted()
	g.save(ctx, rec, false)
	g.logger.Info("Order submitted",
		slog.String("order_id", rec.OrderID),
		slog.String("instrument", intent.Instrument),
		slog.String("side", intent.Side.String()),
		slog.String("qty", intent.Quantity.String()),
		slog.String("strategy", intent.Strategy),
	)

	ack, attempts, outcome, sendErr := g.send(ctx, rec)
	switch outcome {
	case outcomeSent:
		rep := event.ExecutionReport{Kind: event.ReportAck, OrderID: rec.OrderID, Timestamp: time.Now()}
		if !ack.Accepted {
			rep.Kind = event.ReportReject
			rep.Reason = ack.Reason
		}
		g.applyOnWorker(rec.Intent.Instrument, rep)
		cur, _ := g.Order(rec.OrderID)
		if cur.State == domain.OrderRejected {
			return cur, fmt.Errorf("order %s rejected by venue: %s", rec.OrderID, cur.Reason)
		}
		return cur, nil

	case outcomeRefused:
		g.applyOnWorker(rec.Intent.Instrument, event.ExecutionReport{
			Kind:      event.ReportReject,
			OrderID:   rec.OrderID,
			Reason:    sendErr.Error(),
			Timestamp: time.Now(),
		})
		cur, _ := g.Order(rec.OrderID)
		return cur, fmt.Errorf("submit %s: %w", rec.OrderID, sendErr)

	default:
		return g.markAmbiguous(rec, attempts, sendErr)
	}
}

// send runs the submission with retries. Only idempotent endpoints are retried, and only
// on retriable errors; a failure after the venue may have seen the order is ambiguous.
func (g *Gate) send(ctx context.Context, rec domain.OrderRecord) (Ack, int, sendOutcome, error) {
	attempts := 0
	for {
		attempts++
		ack, err := g.endpoint.SubmitOrder(ctx, rec.OrderID, rec.Intent)
		if err == nil {
			return ack, attempts, outcomeSent, nil
		}
		if !g.endpoint.Idempotent() || !domain.IsRetriable(err) {
			return Ack{}, attempts, outcomeRefused, err
		}
		if attempts > g.cfg.SubmitRetries {
			return Ack{}, attempts, outcomeAmbiguous, err
		}

		g.metrics.RecordSubmitRetry()
		delay := g.cfg.Backoff.Delay(attempts - 1)
		g.logger.Warn("Order submission failed, retrying",
			slog.String("order_id", rec.OrderID),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Ack{}, attempts, outcomeAmbiguous, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

func (g *Gate) markAmbiguous(rec domain.OrderRecord, attempts int, cause error) (domain.OrderRecord, error) {
	inst := rec.Intent.Instrument
	g.mu.Lock()
	cur := g.orders[rec.OrderID]
	if cur.IsOpen() {
		cur.Ambiguous = true
		cur.LastUpdated = time.Now()
	}
	snapshot := *cur
	g.mu.Unlock()

	aerr := &domain.ExecutionAmbiguousError{
		OrderID:    rec.OrderID,
		Instrument: inst,
		Attempts:   attempts,
		Err:        cause,
	}
	// The outcome context may already be gone; escalation must still happen.
	bg := context.Background()
	g.metrics.RecordAmbiguous()
	g.save(bg, snapshot, false)
	if err := g.book.Halt(bg, inst, "execution ambiguous: "+rec.OrderID); err != nil {
		g.logger.Error("Failed to halt instrument", slog.String("instrument", inst), slog.Any("error", err))
	}
	g.alerter.Alert(bg, domain.NewAlert(domain.AlertExecutionAmbiguous, inst, rec.OrderID, aerr.Error()))
	g.logger.Error("EXECUTION_AMBIGUOUS",
		slog.String("order_id", rec.OrderID),
		slog.String("instrument", inst),
		slog.Int("attempts", attempts),
		slog.Any("error", cause),
	)
	return snapshot, aerr
}

// applyOnWorker runs rep on the instrument's worker and waits for it even when the
// submitting context has ended, so the caller reads the applied record.
func (g *Gate) applyOnWorker(instrument string, rep event.ExecutionReport) {
	err := g.disp.Do(context.Background(), instrument, func() { g.applyReport(context.Background(), rep) })
	if errors.Is(err, errDispatcherClosed) {
		g.applyReport(context.Background(), rep)
	}
}

// HandleReport queues a venue report for the order's instrument worker and returns at once.
// Reports for orders this gate never issued are ignored.
func (g *Gate) HandleReport(rep event.ExecutionReport) {
	g.mu.RLock()
	rec, ok := g.orders[rep.OrderID]
	var inst string
	if ok {
		inst = rec.Intent.Instrument
	}
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug("Report for unknown order ignored",
			slog.String("order_id", rep.OrderID),
			slog.String("kind", rep.Kind.String()),
		)
		return
	}
	if !g.disp.Dispatch(inst, func() { g.applyReport(context.Background(), rep) }) {
		g.logger.Warn("Report dropped after shutdown",
			slog.String("order_id", rep.OrderID),
			slog.String("kind", rep.Kind.String()),
		)
	}
}

// applyReport runs on the instrument's worker.
func (g *Gate) applyReport(ctx context.Context, rep event.ExecutionReport) {
	now := time.Now()
	g.mu.Lock()
	rec, ok := g.orders[rep.OrderID]
	if !ok {
		g.mu.Unlock()
		return
	}
	if rec.State.IsTerminal() {
		state := rec.State
		g.mu.Unlock()
		g.logger.Debug("Late report ignored",
			slog.String("order_id", rep.OrderID),
			slog.String("kind", rep.Kind.String()),
			slog.String("state", string(state)),
		)
		return
	}

	wasPending := rec.State == domain.OrderPending
	var (
		fill    *domain.Fill
		release bool
		clamped bool
	)
	switch rep.Kind {
	case event.ReportAck:
		if !domain.CanTransition(rec.State, domain.OrderAcknowledged) {
			g.mu.Unlock()
			return
		}
		rec.State = domain.OrderAcknowledged

	case event.ReportFill:
		qty := decimal.Min(rep.Quantity, rec.RemainingQty())
		if !qty.IsPositive() || !rep.Price.IsPositive() {
			g.mu.Unlock()
			return
		}
		clamped = qty.LessThan(rep.Quantity)
		total := rec.FilledQty.Add(qty)
		rec.AvgFillPrice = rec.AvgFillPrice.Mul(rec.FilledQty).Add(rep.Price.Mul(qty)).Div(total)
		rec.FilledQty = total
		if total.GreaterThanOrEqual(rec.Intent.Quantity) {
			rec.State = domain.OrderFilled
		} else {
			rec.State = domain.OrderPartiallyFilled
		}
		ts := rep.Timestamp
		if ts.IsZero() {
			ts = now
		}
		fill = &domain.Fill{
			OrderID:    rec.OrderID,
			Instrument: rec.Intent.Instrument,
			Side:       rec.Intent.Side,
			Quantity:   qty,
			Price:      rep.Price,
			Timestamp:  ts,
		}

	case event.ReportReject:
		rec.State = domain.OrderRejected
		rec.Reason = rep.Reason
		release = true

	case event.ReportCancelled:
		rec.State = domain.OrderCancelled
		release = true

	default:
		g.mu.Unlock()
		return
	}

	resolved := rec.Ambiguous
	rec.Ambiguous = false
	rec.LastUpdated = now
	if wasPending && rec.State != domain.OrderPending {
		g.awaiting--
		select {
		case g.changed <- struct{}{}:
		default:
		}
	}
	snapshot := *rec
	g.mu.Unlock()

	inst := snapshot.Intent.Instrument
	if fill != nil {
		if err := g.book.ApplyFill(ctx, *fill); err != nil {
			g.logger.Error("Failed to apply fill", slog.String("order_id", fill.OrderID), slog.Any("error", err))
		}
	}
	if release {
		if err := g.book.Release(ctx, inst, snapshot.OrderID); err != nil {
			g.logger.Error("Failed to release reservation", slog.String("order_id", snapshot.OrderID), slog.Any("error", err))
		}
	}
	if clamped {
		g.logger.Warn("Fill exceeds remaining quantity, clamped",
			slog.String("order_id", snapshot.OrderID),
			slog.String("reported", rep.Quantity.String()),
		)
	}
	if resolved {
		g.logger.Warn("Ambiguous order resolved by venue report; instrument stays halted until resumed",
			slog.String("order_id", snapshot.OrderID),
			slog.String("state", string(snapshot.State)),
		)
	}

	switch snapshot.State {
	case domain.OrderAcknowledged:
		g.metrics.RecordOrderAcknowledged()
	case domain.OrderFilled:
		g.metrics.RecordOrderFilled()
	case domain.OrderRejected:
		g.metrics.RecordOrderRejected()
	case domain.OrderCancelled:
		g.metrics.RecordOrderCancelled()
	}
	g.save(ctx, snapshot, false)
	g.logger.Info("Order updated",
		slog.String("order_id", snapshot.OrderID),
		slog.String("instrument", inst),
		slog.String("state", string(snapshot.State)),
		slog.String("filled", snapshot.FilledQty.String()),
	)
}

// Cancel asks the venue to cancel an open order. The record changes only when the
// venue confirms. Cancelling a terminal order is a no-op.
func (g *Gate) Cancel(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	rec, ok := g.Order(orderID)
	if !ok {
		return domain.OrderRecord{}, domain.ErrUnknownOrder
	}
	if !rec.IsOpen() {
		return rec, nil
	}
	if err := g.endpoint.CancelOrder(ctx, orderID, rec.Intent.Instrument); err != nil {
		return rec, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	g.logger.Info("Cancel requested", slog.String("order_id", orderID))
	return rec, nil
}

// Order returns a copy of one record.
func (g *Gate) Order(orderID string) (domain.OrderRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.orders[orderID]
	if !ok {
		return domain.OrderRecord{}, false
	}
	return *rec, true
}

// Orders returns copies of every record, oldest first. With openOnly, terminal ones are skipped.
func (g *Gate) Orders(openOnly bool) []domain.OrderRecord {
	g.mu.RLock()
	out := make([]domain.OrderRecord, 0, len(g.orders))
	for _, rec := range g.orders {
		if openOnly && !rec.IsOpen() {
			continue
		}
		out = append(out, *rec)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Drain stops accepting submissions, waits for in-flight ones and for outstanding
// acknowledgments until ctx ends, then reports every order still unacknowledged as
// orphaned. The workers are stopped afterwards; later reports are dropped.
func (g *Gate) Drain(ctx context.Context) []domain.OrderRecord {
	g.mu.Lock()
	already := g.closed
	g.closed = true
	g.mu.Unlock()
	if already {
		return nil
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

wait:
	for {
		g.mu.RLock()
		n := g.awaiting
		g.mu.RUnlock()
		if n == 0 {
			break
		}
		select {
		case <-g.changed:
		case <-ctx.Done():
			break wait
		}
	}

	var orphans []domain.OrderRecord
	for _, rec := range g.Orders(true) {
		if rec.State == domain.OrderPending {
			orphans = append(orphans, rec)
		}
	}
	bg := context.Background()
	for _, rec := range orphans {
		g.save(bg, rec, true)
		g.alerter.Alert(bg, domain.NewAlert(domain.AlertOrphanedOrder, rec.Intent.Instrument, rec.OrderID,
			"order unacknowledged at shutdown"))
	}
	g.metrics.RecordOrphaned(len(orphans))
	g.disp.Close()
	g.logger.Info("Execution gate drained", slog.Int("orphaned", len(orphans)))
	return orphans
}

func (g *Gate) save(ctx context.Context, rec domain.OrderRecord, orphaned bool) {
	if err := g.journal.SaveOrder(ctx, rec, orphaned); err != nil {
		g.logger.Error("Failed to journal order",
			slog.String("order_id", rec.OrderID),
			slog.Any("error", err),
		)
	}
}
