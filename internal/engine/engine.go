package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Decider turns one event and the instrument's state into order intents.
type Decider interface {
	Decide(ctx context.Context, ev domain.MarketEvent, snap domain.StateSnapshot) ([]domain.OrderIntent, error)
}

// RiskView is what a flow needs from the position and risk state.
type RiskView interface {
	UpdateMark(ctx context.Context, instrument string, price decimal.Decimal) error
	Snapshot(ctx context.Context, instrument string) (domain.StateSnapshot, error)
}

// Submitter sends intents to execution.
type Submitter interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (domain.OrderRecord, error)
}

// Metrics receives delivery latency.
type Metrics interface {
	RecordDelivered(latencyNs int64)
}

// Observer sees every event before the strategies do. It must not block.
type Observer func(domain.MarketEvent)

// Engine runs one processing flow per instrument. A flow takes events from the
// instrument's stream in sequence order, refreshes the mark, snapshots state, asks the
// strategies and submits their intents, all before taking the next event.
type Engine struct {
	seq       *Sequencer
	risk      RiskView
	gate      Submitter
	deciders  map[string]Decider
	observers []Observer
	metrics   Metrics
	logger    *slog.Logger
}

// NewEngine wires a flow for every instrument in deciders. metrics may be nil.
func NewEngine(seq *Sequencer, risk RiskView, gate Submitter, deciders map[string]Decider, metrics Metrics) *Engine {
	return &Engine{
		seq:      seq,
		risk:     risk,
		gate:     gate,
		deciders: deciders,
		metrics:  metrics,
		logger:   slog.Default().With("module", "engine"),
	}
}

// Observe registers fn to see every delivered event. Call before Run.
func (e *Engine) Observe(fn Observer) {
	if fn != nil {
		e.observers = append(e.observers, fn)
	}
}

// Instruments returns the instruments with a flow, sorted.
func (e *Engine) Instruments() []string {
	out := make([]string, 0, len(e.deciders))
	for inst := range e.deciders {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Run blocks until every flow has ended. Flows end when their stream is closed and
// drained, or when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range e.Instruments() {
		inst := inst
		d := e.deciders[inst]
		g.Go(func() error {
			return e.flow(gctx, inst, d)
		})
	}
	return g.Wait()
}

func (e *Engine) flow(ctx context.Context, instrument string, d Decider) error {
	stream := e.seq.Stream(instrument)
	logger := e.logger.With("instrument", instrument)
	logger.Info("Flow started")
	defer logger.Info("Flow stopped")

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if stop := e.process(ctx, logger, d, ev); stop {
			return nil
		}
	}
}

// process handles one event. It reports true once execution refuses further submissions.
func (e *Engine) process(ctx context.Context, logger *slog.Logger, d Decider, ev domain.MarketEvent) bool {
	for _, obs := range e.observers {
		obs(ev)
	}
	if err := e.risk.UpdateMark(ctx, ev.Instrument, ev.Mid()); err != nil {
		logger.Warn("Mark update failed", slog.Any("error", err))
	}
	snap, err := e.risk.Snapshot(ctx, ev.Instrument)
	if err != nil {
		logger.Error("Snapshot failed, event skipped", slog.Uint64("seq", ev.Seq), slog.Any("error", err))
		return false
	}

	intents, err := d.Decide(ctx, ev, snap)
	if err != nil {
		logger.Error("Strategy error", slog.Uint64("seq", ev.Seq), slog.Any("error", err))
	}
	if e.metrics != nil {
		latency := time.Since(ev.Timestamp)
		if latency < 0 {
			latency = 0
		}
		e.metrics.RecordDelivered(latency.Nanoseconds())
	}

	for _, intent := range intents {
		rec, err := e.gate.Submit(ctx, intent)
		if err == nil {
			continue
		}
		var aerr *domain.ExecutionAmbiguousError
		switch {
		case errors.Is(err, domain.ErrGateClosed):
			return true
		case errors.As(err, &aerr):
			// escalated by the gate; the instrument is halted
		case isViolation(err):
			logger.Debug("Intent refused by risk", slog.String("strategy", intent.Strategy), slog.Any("error", err))
		default:
			logger.Warn("Submit failed",
				slog.String("strategy", intent.Strategy),
				slog.String("order_id", rec.OrderID),
				slog.Any("error", err),
			)
		}
	}
	return false
}

func isViolation(err error) bool {
	_, ok := domain.AsRiskViolation(err)
	return ok
}
