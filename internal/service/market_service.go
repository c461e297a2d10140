package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
)

var tenThousand = decimal.NewFromInt(10000)

// MarketView is the latest market picture of one instrument.
type MarketView struct {
	Instrument string             `json:"instrument"`
	Last       domain.MarketEvent `json:"last"`
	Mid        decimal.Decimal    `json:"mid"`
	SpreadBps  *decimal.Decimal   `json:"spread_bps,omitempty"`
	Updates    uint64             `json:"updates"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Pinned     bool               `json:"pinned"`
}

// MarketService keeps the latest delivered event per instrument for the operator API.
type MarketService struct {
	mu      sync.RWMutex
	views   map[string]*MarketView
	eventCh chan domain.MarketEvent
	logger  *slog.Logger
}

// NewMarketService creates a MarketService with a buffered intake.
func NewMarketService() *MarketService {
	return &MarketService{
		views:   make(map[string]*MarketView),
		eventCh: make(chan domain.MarketEvent, 1000),
		logger:  slog.Default().With("module", "market_service"),
	}
}

// Observe queues ev without blocking. When the intake is full the event is dropped;
// the next one for the instrument supersedes it anyway.
func (s *MarketService) Observe(ev domain.MarketEvent) {
	select {
	case s.eventCh <- ev:
	default:
	}
}

// Start processes queued events until ctx is done.
func (s *MarketService) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.eventCh:
				s.Process(ev)
			}
		}
	}()
}

// Process applies ev to its instrument's view.
func (s *MarketService) Process(ev domain.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.views[ev.Instrument]
	if !ok {
		view = &MarketView{Instrument: ev.Instrument}
		s.views[ev.Instrument] = view
	}
	view.Last = ev
	view.Mid = ev.Mid()
	view.Updates++
	view.UpdatedAt = time.Now()
	view.SpreadBps = spreadBps(ev)
}

// spreadBps is 10000 * (ask - bid) / mid, nil for trades.
func spreadBps(ev domain.MarketEvent) *decimal.Decimal {
	if !ev.IsQuote() {
		return nil
	}
	mid := ev.Mid()
	if mid.IsZero() {
		return nil
	}
	bps := ev.Spread().Div(mid).Mul(tenThousand).Round(2)
	return &bps
}

// GetAllData returns copies of every view sorted by instrument, pinned ones first.
func (s *MarketService) GetAllData() []MarketView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MarketView, 0, len(s.views))
	for _, v := range s.views {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Pinned != result[j].Pinned {
			return result[i].Pinned
		}
		return result[i].Instrument < result[j].Instrument
	})
	return result
}

// GetData returns a copy of the view for instrument.
func (s *MarketService) GetData(instrument string) (MarketView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.views[instrument]
	if !ok {
		return MarketView{}, false
	}
	return *v, true
}

// SetPinned marks an instrument to be listed first.
func (s *MarketService) SetPinned(instrument string, pinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.views[instrument]
	if !ok {
		v = &MarketView{Instrument: instrument}
		s.views[instrument] = v
	}
	v.Pinned = pinned
	s.logger.Info("Pin updated", slog.String("instrument", instrument), slog.Bool("pinned", pinned))
}
