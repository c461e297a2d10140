package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/event"
	"trading_bot/internal/infra"
	"trading_bot/internal/risk"

	"github.com/stretchr/testify/require"
)

// flakyEndpoint forwards to the paper venue but loses the first n responses,
// as if the connection dropped after the venue accepted the order.
type flakyEndpoint struct {
	*PaperEndpoint
	failures atomic.Int32
}

func (f *flakyEndpoint) SubmitOrder(ctx context.Context, orderID string, intent domain.OrderIntent) (Ack, error) {
	ack, err := f.PaperEndpoint.SubmitOrder(ctx, orderID, intent)
	if err != nil {
		return ack, err
	}
	if f.failures.Add(-1) >= 0 {
		return Ack{}, domain.NewNetworkError("submit", errors.New("i/o timeout"))
	}
	return ack, nil
}

// stubEndpoint answers every submission with a fixed result.
type stubEndpoint struct {
	idempotent bool
	err        error
	ack        Ack
	block      chan struct{}
	calls      atomic.Int32
}

func (s *stubEndpoint) SubmitOrder(_ context.Context, orderID string, _ domain.OrderIntent) (Ack, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return Ack{}, s.err
	}
	ack := s.ack
	ack.OrderID = orderID
	return ack, nil
}

func (s *stubEndpoint) CancelOrder(context.Context, string, string) error { return nil }
func (s *stubEndpoint) Idempotent() bool                                  { return s.idempotent }

type memJournal struct {
	mu       sync.Mutex
	saved    []domain.OrderRecord
	orphaned []string
}

func (j *memJournal) SaveOrder(_ context.Context, rec domain.OrderRecord, orphaned bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved = append(j.saved, rec)
	if orphaned {
		j.orphaned = append(j.orphaned, rec.OrderID)
	}
	return nil
}

type fixture struct {
	gate    *Gate
	book    *risk.Book
	metrics *infra.Metrics
	alerts  *infra.AlertHub
	journal *memJournal
}

func newFixture(t *testing.T, ep Endpoint, limits domain.RiskLimits, retries int) *fixture {
	t.Helper()
	f := &fixture{
		book:    risk.NewBook(2, limits, nil),
		metrics: infra.NewMetrics(),
		alerts:  infra.NewAlertHub(10),
		journal: &memJournal{},
	}
	f.gate = NewGate(Config{
		Workers:       2,
		SubmitRetries: retries,
		Backoff:       infra.Backoff{Base: time.Millisecond, Cap: 4 * time.Millisecond},
	}, ep, f.book, Deps{Journal: f.journal, Alerter: f.alerts, Metrics: f.metrics})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.gate.Drain(ctx)
		f.book.Close()
	})
	return f
}

func (f *fixture) waitState(t *testing.T, orderID string, want domain.OrderState) domain.OrderRecord {
	t.Helper()
	var rec domain.OrderRecord
	require.Eventually(t, func() bool {
		rec, _ = f.gate.Order(orderID)
		return rec.State == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s", orderID, want)
	return rec
}

func (f *fixture) snapshot(t *testing.T, inst string) domain.StateSnapshot {
	t.Helper()
	snap, err := f.book.Snapshot(context.Background(), inst)
	require.NoError(t, err)
	return snap
}

func TestGate_SubmitFillsAndUpdatesPosition(t *testing.T) {
	paper := NewPaperEndpoint(0)
	f := newFixture(t, paper, domain.RiskLimits{}, 0)
	paper.SetReportHandler(f.gate.HandleReport)
	paper.UpdateMark("BTC-USD", dec("100"))

	rec, err := f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideBuy, "2"))
	require.NoError(t, err)
	require.NotEmpty(t, rec.OrderID)

	rec = f.waitState(t, rec.OrderID, domain.OrderFilled)
	require.True(t, rec.FilledQty.Equal(dec("2")))
	require.True(t, rec.AvgFillPrice.Equal(dec("100")))

	require.Eventually(t, func() bool {
		return f.snapshot(t, "BTC-USD").Position.Quantity.Equal(dec("2"))
	}, time.Second, 5*time.Millisecond)
	snap := f.snapshot(t, "BTC-USD")
	require.Zero(t, snap.OpenOrders)
	require.True(t, snap.ReservedBuy.IsZero())

	m := f.metrics.Snapshot()
	require.EqualValues(t, 1, m.OrdersSubmitted)
	require.EqualValues(t, 1, m.OrdersFilled)
}

func TestGate_RiskViolationNeverReachesEndpoint(t *testing.T) {
	paper := NewPaperEndpoint(0)
	f := newFixture(t, paper, domain.RiskLimits{MaxPositionPerInstrument: dec("1")}, 0)

	rec, err := f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideBuy, "2"))
	rv, ok := domain.AsRiskViolation(err)
	require.True(t, ok, "expected risk violation, got %v", err)
	require.Equal(t, domain.RiskMaxPosition, rv.Kind)
	require.Equal(t, domain.OrderRejected, rec.State)
	require.Zero(t, paper.Submits())

	stored, ok := f.gate.Order(rec.OrderID)
	require.True(t, ok)
	require.Equal(t, domain.OrderRejected, stored.State)
	require.EqualValues(t, 1, f.metrics.Snapshot().OrdersRejected)
}

func TestGate_MaxOpenOrders(t *testing.T) {
	paper := NewPaperEndpoint(0)
	f := newFixture(t, paper, domain.RiskLimits{MaxOpenOrders: 1}, 0)
	paper.SetReportHandler(f.gate.HandleReport)
	paper.UpdateMark("BTC-USD", dec("100"))

	first, err := f.gate.Submit(context.Background(), limitIntent("BTC-USD", domain.SideBuy, "1", "90"))
	require.NoError(t, err)
	require.True(t, first.IsOpen())

	second, err := f.gate.Submit(context.Background(), limitIntent("BTC-USD", domain.SideBuy, "1", "91"))
	rv, ok := domain.AsRiskViolation(err)
	require.True(t, ok)
	require.Equal(t, domain.RiskMaxOpenOrders, rv.Kind)
	require.Equal(t, domain.OrderRejected, second.State)
	require.Equal(t, 1, paper.Submits())

	// Once the first order is done a new one fits again.
	_, err = f.gate.Cancel(context.Background(), first.OrderID)
	require.NoError(t, err)
	f.waitState(t, first.OrderID, domain.OrderCancelled)
	require.Eventually(t, func() bool { return f.snapshot(t, "BTC-USD").OpenOrders == 0 }, time.Second, 5*time.Millisecond)

	_, err = f.gate.Submit(context.Background(), limitIntent("BTC-USD", domain.SideBuy, "1", "92"))
	require.NoError(t, err)
}

func TestGate_MaxOpenOrdersWhileFirstPending(t *testing.T) {
	ep := &stubEndpoint{ack: Ack{Accepted: true}, block: make(chan struct{})}
	f := newFixture(t, ep, domain.RiskLimits{MaxOpenOrders: 1}, 0)

	firstDone := make(chan domain.OrderRecord, 1)
	go func() {
		rec, _ := f.gate.Submit(context.Background(), limitIntent("BTC-USD", domain.SideBuy, "1", "90"))
		firstDone <- rec
	}()
	require.Eventually(t, func() bool { return ep.calls.Load() == 1 }, time.Second, time.Millisecond)

	open := f.gate.Orders(true)
	require.Len(t, open, 1)
	require.Equal(t, domain.OrderPending, open[0].State)

	second, err := f.gate.Submit(context.Background(), limitIntent("BTC-USD", domain.SideBuy, "1", "91"))
	rv, ok := domain.AsRiskViolation(err)
	require.True(t, ok, "expected risk violation, got %v", err)
	require.Equal(t, domain.RiskMaxOpenOrders, rv.Kind)
	require.Equal(t, domain.OrderRejected, second.State)
	require.EqualValues(t, 1, ep.calls.Load())

	still, ok := f.gate.Order(open[0].OrderID)
	require.True(t, ok)
	require.Equal(t, domain.OrderPending, still.State)

	close(ep.block)
	first := <-firstDone
	require.Equal(t, domain.OrderAcknowledged, first.State)
}

// cancellingEndpoint refuses the order and cancels the submitter's context on the way out.
type cancellingEndpoint struct {
	stubEndpoint
	cancel context.CancelFunc
}

func (c *cancellingEndpoint) SubmitOrder(ctx context.Context, orderID string, intent domain.OrderIntent) (Ack, error) {
	ack, err := c.stubEndpoint.SubmitOrder(ctx, orderID, intent)
	c.cancel()
	return ack, err
}

func TestGate_VenueRefusalAppliedAfterContextEnds(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ep := &cancellingEndpoint{stubEndpoint: stubEndpoint{ack: Ack{Accepted: false, Reason: "price band"}}, cancel: cancel}
		f := newFixture(t, ep, domain.RiskLimits{MaxOpenOrders: 1}, 0)

		rec, err := f.gate.Submit(ctx, limitIntent("BTC-USD", domain.SideBuy, "1", "90"))
		require.Error(t, err)
		require.Equal(t, domain.OrderRejected, rec.State)
		require.Contains(t, rec.Reason, "price band")
		require.Zero(t, f.snapshot(t, "BTC-USD").OpenOrders)
	}
}

func TestGate_IdempotentRetryFillsOnce(t *testing.T) {
	paper := NewPaperEndpoint(0)
	ep := &flakyEndpoint{PaperEndpoint: paper}
	ep.failures.Store(2)
	f := newFixture(t, ep, domain.RiskLimits{}, 3)
	paper.SetReportHandler(f.gate.HandleReport)
	paper.UpdateMark("ETH-USD", dec("2000"))

	rec, err := f.gate.Submit(context.Background(), marketIntent("ETH-USD", domain.SideBuy, "1.5"))
	require.NoError(t, err)

	f.waitState(t, rec.OrderID, domain.OrderFilled)
	require.Equal(t, 3, paper.Submits())
	require.Len(t, paper.Fills(), 1)
	require.Eventually(t, func() bool {
		return f.snapshot(t, "ETH-USD").Position.Quantity.Equal(dec("1.5"))
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, f.metrics.Snapshot().SubmitRetries)
}

func TestGate_NonIdempotentFailureRejects(t *testing.T) {
	ep := &stubEndpoint{err: domain.NewNetworkError("submit", errors.New("connection reset"))}
	f := newFixture(t, ep, domain.RiskLimits{MaxOpenOrders: 5}, 3)

	rec, err := f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideSell, "1"))
	require.Error(t, err)
	require.Equal(t, domain.OrderRejected, rec.State)
	require.Contains(t, rec.Reason, "connection reset")
	require.EqualValues(t, 1, ep.calls.Load())
	require.Zero(t, f.snapshot(t, "BTC-USD").OpenOrders)
	require.Zero(t, f.metrics.Snapshot().SubmitRetries)
}

func TestGate_NonRetriableErrorRejectsWithoutRetry(t *testing.T) {
	ep := &stubEndpoint{idempotent: true, err: domain.NewFatalNetworkError("submit", errors.New("400 bad request"))}
	f := newFixture(t, ep, domain.RiskLimits{}, 3)

	rec, err := f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideBuy, "1"))
	require.Error(t, err)
	require.Equal(t, domain.OrderRejected, rec.State)
	require.EqualValues(t, 1, ep.calls.Load())
}

func TestGate_VenueRejectAck(t *testing.T) {
	ep := &stubEndpoint{ack: Ack{Accepted: false, Reason: "insufficient balance"}}
	f := newFixture(t, ep, domain.RiskLimits{}, 0)

	rec, err := f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideBuy, "1"))
	require.Error(t, err)
	require.Equal(t, domain.OrderRejected, rec.State)
	require.Equal(t, "insufficient balance", rec.Reason)
	require.Zero(t, f.snapshot(t, "BTC-USD").OpenOrders)
}

func TestGate_RetriesExhaustedIsAmbiguous(t *testing.T) {
	ep := &stubEndpoint{idempotent: true, err: domain.NewNetworkError("submit", errors.New("i/o timeout"))}
	f := newFixture(t, ep, domain.RiskLimits{}, 2)
	alerts := f.alerts.Subscribe(4)

	rec, err := f.gate.Submit(context.Background(), marketIntent("SOL-USD", domain.SideBuy, "3"))
	var aerr *domain.ExecutionAmbiguousError
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, 3, aerr.Attempts)
	require.EqualValues(t, 3, ep.calls.Load())

	require.True(t, rec.Ambiguous)
	require.True(t, rec.IsOpen(), "ambiguous order must not be assumed rejected")
	snap := f.snapshot(t, "SOL-USD")
	require.True(t, snap.Halted)
	require.Equal(t, 1, snap.OpenOrders, "reservation is kept until reconciled")

	select {
	case a := <-alerts:
		require.Equal(t, domain.AlertExecutionAmbiguous, a.Kind)
		require.Equal(t, rec.OrderID, a.OrderID)
	case <-time.After(time.Second):
		t.Fatal("expected an operator alert")
	}

	_, err = f.gate.Submit(context.Background(), marketIntent("SOL-USD", domain.SideBuy, "1"))
	rv, ok := domain.AsRiskViolation(err)
	require.True(t, ok)
	require.Equal(t, domain.RiskInstrumentHalted, rv.Kind)

	// A definitive venue report settles the ambiguity.
	f.gate.HandleReport(event.ExecutionReport{Kind: event.ReportReject, OrderID: rec.OrderID, Reason: "unknown order"})
	settled := f.waitState(t, rec.OrderID, domain.OrderRejected)
	require.False(t, settled.Ambiguous)
}

func TestGate_ReportsDriveStateMachine(t *testing.T) {
	ep := &stubEndpoint{ack: Ack{Accepted: true}}
	f := newFixture(t, ep, domain.RiskLimits{}, 0)

	rec, err := f.gate.Submit(context.Background(), limitIntent("BTC-USD", domain.SideBuy, "1", "100"))
	require.NoError(t, err)
	f.waitState(t, rec.OrderID, domain.OrderAcknowledged)

	f.gate.HandleReport(event.ExecutionReport{Kind: event.ReportFill, OrderID: rec.OrderID, Quantity: dec("0.4"), Price: dec("99")})
	part := f.waitState(t, rec.OrderID, domain.OrderPartiallyFilled)
	require.True(t, part.FilledQty.Equal(dec("0.4")))

	// Overfill is clamped to the remaining quantity.
	f.gate.HandleReport(event.ExecutionReport{Kind: event.ReportFill, OrderID: rec.OrderID, Quantity: dec("0.8"), Price: dec("100")})
	done := f.waitState(t, rec.OrderID, domain.OrderFilled)
	require.True(t, done.FilledQty.Equal(dec("1")))
	require.True(t, done.AvgFillPrice.Equal(dec("99.6")), "avg %s", done.AvgFillPrice)

	// Late duplicates change nothing.
	f.gate.HandleReport(event.ExecutionReport{Kind: event.ReportFill, OrderID: rec.OrderID, Quantity: dec("1"), Price: dec("100")})
	f.gate.HandleReport(event.ExecutionReport{Kind: event.ReportCancelled, OrderID: rec.OrderID})
	f.gate.HandleReport(event.ExecutionReport{Kind: event.ReportAck, OrderID: "never-issued"})

	require.Eventually(t, func() bool {
		return f.snapshot(t, "BTC-USD").Position.Quantity.Equal(dec("1"))
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	final, _ := f.gate.Order(rec.OrderID)
	require.Equal(t, domain.OrderFilled, final.State)
	require.True(t, f.snapshot(t, "BTC-USD").Position.Quantity.Equal(dec("1")))
}

func TestGate_CancelTerminalOrderIsNoop(t *testing.T) {
	ep := &stubEndpoint{ack: Ack{Accepted: true}}
	f := newFixture(t, ep, domain.RiskLimits{}, 0)

	rec, err := f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideBuy, "1"))
	require.NoError(t, err)
	f.gate.HandleReport(event.ExecutionReport{Kind: event.ReportFill, OrderID: rec.OrderID, Quantity: dec("1"), Price: dec("10")})
	f.waitState(t, rec.OrderID, domain.OrderFilled)

	got, err := f.gate.Cancel(context.Background(), rec.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderFilled, got.State)

	_, err = f.gate.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrUnknownOrder)
}

func TestGate_DrainReportsOrphans(t *testing.T) {
	ep := &stubEndpoint{idempotent: true, ack: Ack{Accepted: true}, block: make(chan struct{})}
	f := newFixture(t, ep, domain.RiskLimits{}, 0)

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		_, _ = f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideBuy, "1"))
	}()
	require.Eventually(t, func() bool { return ep.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	orphans := f.gate.Drain(ctx)
	require.Len(t, orphans, 1)
	require.Equal(t, domain.OrderPending, orphans[0].State)

	f.journal.mu.Lock()
	require.Equal(t, []string{orphans[0].OrderID}, f.journal.orphaned)
	f.journal.mu.Unlock()
	require.EqualValues(t, 1, f.metrics.Snapshot().OrphanedOrders)

	var found bool
	for _, a := range f.alerts.Recent() {
		if a.Kind == domain.AlertOrphanedOrder && a.OrderID == orphans[0].OrderID {
			found = true
		}
	}
	require.True(t, found)

	close(ep.block)
	<-submitted

	_, err := f.gate.Submit(context.Background(), marketIntent("BTC-USD", domain.SideBuy, "1"))
	require.ErrorIs(t, err, domain.ErrGateClosed)
}

func TestGate_DrainWaitsForAcks(t *testing.T) {
	ep := &stubEndpoint{ack: Ack{Accepted: true}}
	f := newFixture(t, ep, domain.RiskLimits{}, 0)

	for i := 0; i < 5; i++ {
		_, err := f.gate.Submit(context.Background(), marketIntent("ETH-USD", domain.SideBuy, "1"))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Empty(t, f.gate.Drain(ctx))
	require.Len(t, f.gate.Orders(true), 5)
}
