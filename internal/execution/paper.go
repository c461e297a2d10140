package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/event"

	"github.com/shopspring/decimal"
)

type paperState uint8

const (
	paperResting paperState = iota
	paperScheduled
	paperFilled
	paperCancelled
)

type paperOrder struct {
	id     string
	intent domain.OrderIntent
	state  paperState
}

// PaperEndpoint simulates a venue in memory. Orders fill completely at the latest mark
// once marketable: market orders immediately, limit orders when the mark crosses the
// limit. Resubmitting a known order id returns the original acknowledgment.
type PaperEndpoint struct {
	fillDelay time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	orders   map[string]*paperOrder
	marks    map[string]decimal.Decimal
	fills    []domain.Fill
	submits  int
	onReport func(event.ExecutionReport)
}

// NewPaperEndpoint creates a simulator. Fills are reported after fillDelay; zero reports
// them before SubmitOrder returns.
func NewPaperEndpoint(fillDelay time.Duration) *PaperEndpoint {
	return &PaperEndpoint{
		fillDelay: fillDelay,
		logger:    slog.Default().With("module", "paper"),
		orders:    make(map[string]*paperOrder),
		marks:     make(map[string]decimal.Decimal),
		onReport:  func(event.ExecutionReport) {},
	}
}

// SetReportHandler sets where fills and cancels are reported, usually Gate.HandleReport.
func (p *PaperEndpoint) SetReportHandler(fn func(event.ExecutionReport)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.onReport = fn
	p.mu.Unlock()
}

// Idempotent implements Endpoint.
func (p *PaperEndpoint) Idempotent() bool { return true }

// ObserveMarket feeds a normalized event's price into the simulator.
func (p *PaperEndpoint) ObserveMarket(ev domain.MarketEvent) {
	p.UpdateMark(ev.Instrument, ev.Mid())
}

// UpdateMark sets the instrument's price and fills resting orders that became marketable.
func (p *PaperEndpoint) UpdateMark(instrument string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	var due []*paperOrder
	p.mu.Lock()
	p.marks[instrument] = price
	for _, o := range p.orders {
		if o.state != paperResting || o.intent.Instrument != instrument {
			continue
		}
		if _, ok := p.executable(o); ok {
			o.state = paperScheduled
			due = append(due, o)
		}
	}
	p.mu.Unlock()

	for _, o := range due {
		p.schedule(o.id)
	}
}

// SubmitOrder implements Endpoint.
func (p *PaperEndpoint) SubmitOrder(_ context.Context, orderID string, intent domain.OrderIntent) (Ack, error) {
	ack := Ack{OrderID: orderID, VenueID: "paper-" + orderID, Accepted: true}

	p.mu.Lock()
	p.submits++
	if _, dup := p.orders[orderID]; dup {
		p.mu.Unlock()
		p.logger.Debug("Duplicate submission answered with original ack", slog.String("order_id", orderID))
		return ack, nil
	}
	o := &paperOrder{id: orderID, intent: intent}
	p.orders[orderID] = o
	_, fillNow := p.executable(o)
	if fillNow {
		o.state = paperScheduled
	}
	p.mu.Unlock()

	if fillNow {
		p.schedule(orderID)
	}
	return ack, nil
}

// CancelOrder implements Endpoint. Cancelling an order that already filled is a no-op.
func (p *PaperEndpoint) CancelOrder(_ context.Context, orderID, _ string) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return domain.ErrUnknownOrder
	}
	if o.state == paperFilled || o.state == paperCancelled {
		p.mu.Unlock()
		return nil
	}
	o.state = paperCancelled
	report := p.onReport
	p.mu.Unlock()

	report(event.ExecutionReport{
		Kind:       event.ReportCancelled,
		OrderID:    orderID,
		Instrument: o.intent.Instrument,
		Timestamp:  time.Now(),
	})
	return nil
}

// Fills returns every simulated fill in execution order.
func (p *PaperEndpoint) Fills() []domain.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Fill(nil), p.fills...)
}

// Submits counts SubmitOrder calls, duplicates included.
func (p *PaperEndpoint) Submits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

// executable must be called with mu held.
func (p *PaperEndpoint) executable(o *paperOrder) (decimal.Decimal, bool) {
	mark, ok := p.marks[o.intent.Instrument]
	if !ok {
		return decimal.Zero, false
	}
	if o.intent.LimitPrice == nil {
		return mark, true
	}
	limit := *o.intent.LimitPrice
	switch o.intent.Side {
	case domain.SideBuy:
		return mark, mark.LessThanOrEqual(limit)
	case domain.SideSell:
		return mark, mark.GreaterThanOrEqual(limit)
	default:
		return decimal.Zero, false
	}
}

func (p *PaperEndpoint) schedule(orderID string) {
	if p.fillDelay <= 0 {
		p.fill(orderID)
		return
	}
	time.AfterFunc(p.fillDelay, func() { p.fill(orderID) })
}

func (p *PaperEndpoint) fill(orderID string) {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.state != paperScheduled {
		p.mu.Unlock()
		return
	}
	price, ok := p.executable(o)
	if !ok && o.intent.LimitPrice != nil {
		// mark moved away during the fill delay
		price = *o.intent.LimitPrice
	}
	o.state = paperFilled
	f := domain.Fill{
		OrderID:    orderID,
		Instrument: o.intent.Instrument,
		Side:       o.intent.Side,
		Quantity:   o.intent.Quantity,
		Price:      price,
		Timestamp:  time.Now(),
	}
	p.fills = append(p.fills, f)
	report := p.onReport
	p.mu.Unlock()

	p.logger.Info("Paper fill",
		slog.String("order_id", orderID),
		slog.String("instrument", f.Instrument),
		slog.String("side", f.Side.String()),
		slog.String("qty", f.Quantity.String()),
		slog.String("price", f.Price.String()),
	)
	report(event.ExecutionReport{
		Kind:       event.ReportFill,
		OrderID:    orderID,
		Instrument: f.Instrument,
		Side:       f.Side,
		Quantity:   f.Quantity,
		Price:      f.Price,
		Timestamp:  f.Timestamp,
	})
}
