package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading_bot/internal/domain"

	"golang.org/x/sync/errgroup"
)

// Harness runs every strategy of one instrument on each event and merges their intents.
type Harness struct {
	instrument string
	strategies []Strategy
	logger     *slog.Logger
	now        func() time.Time
}

// NewHarness creates the harness for one instrument. The strategies must be
// instances dedicated to that instrument.
func NewHarness(instrument string, strategies []Strategy) *Harness {
	return &Harness{
		instrument: instrument,
		strategies: strategies,
		logger:     slog.Default().With("module", "strategy", "instrument", instrument),
		now:        time.Now,
	}
}

// Instrument returns the instrument the harness serves.
func (h *Harness) Instrument() string { return h.instrument }

// Strategies returns the names of the strategies in evaluation order.
func (h *Harness) Strategies() []string {
	names := make([]string, len(h.strategies))
	for i, s := range h.strategies {
		names[i] = s.Name()
	}
	return names
}

type tagged struct {
	intent domain.OrderIntent
	index  int
}

// Decide runs all strategies concurrently on ev and returns their intents merged in
// arrival order. Ties are broken by instrument, then intent timestamp, then strategy order.
// A panicking strategy contributes nothing; its error is returned alongside the
// intents of the others.
func (h *Harness) Decide(ctx context.Context, ev domain.MarketEvent, snap domain.StateSnapshot) ([]domain.OrderIntent, error) {
	if len(h.strategies) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		merged  []tagged
		arrival = make([]time.Time, len(h.strategies))
		errs    []error
	)

	var group errgroup.Group
	for i, s := range h.strategies {
		i, s := i, s
		group.Go(func() error {
			intents, err := h.run(s, ev, snap)
			at := h.now()

			mu.Lock()
			defer mu.Unlock()
			arrival[i] = at
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			for _, in := range intents {
				if in.Instrument == "" {
					in.Instrument = ev.Instrument
				}
				if in.Strategy == "" {
					in.Strategy = s.Name()
				}
				if in.CreatedAt.IsZero() {
					in.CreatedAt = at
				}
				merged = append(merged, tagged{intent: in, index: i})
			}
			return nil
		})
	}
	_ = group.Wait()

	sort.SliceStable(merged, func(a, b int) bool {
		x, y := merged[a], merged[b]
		if ax, ay := arrival[x.index], arrival[y.index]; !ax.Equal(ay) {
			return ax.Before(ay)
		}
		if x.intent.Instrument != y.intent.Instrument {
			return x.intent.Instrument < y.intent.Instrument
		}
		if !x.intent.CreatedAt.Equal(y.intent.CreatedAt) {
			return x.intent.CreatedAt.Before(y.intent.CreatedAt)
		}
		return x.index < y.index
	})

	out := make([]domain.OrderIntent, len(merged))
	for i, t := range merged {
		out[i] = t.intent
	}
	return out, errors.Join(errs...)
}

func (h *Harness) run(s Strategy, ev domain.MarketEvent, snap domain.StateSnapshot) (intents []domain.OrderIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
			h.logger.Error("STRATEGY_PANIC", slog.String("strategy", s.Name()), slog.Any("panic", r))
		}
	}()
	return s.Decide(ev, snap), nil
}
