package infra

import (
	"context"
	"log/slog"
	"sync"

	"trading_bot/internal/domain"
)

// AlertHub logs every alert at error level and fans it out to subscribers.
// Slow subscribers lose alerts rather than blocking the caller; the log line is always written.
type AlertHub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []chan domain.Alert
	recent []domain.Alert
	keep   int
}

// NewAlertHub creates a hub keeping the last keep alerts for the operator endpoint.
func NewAlertHub(keep int) *AlertHub {
	if keep <= 0 {
		keep = 100
	}
	return &AlertHub{
		logger: slog.Default().With("module", "alerts"),
		keep:   keep,
	}
}

// Alert implements domain.Alerter.
func (h *AlertHub) Alert(ctx context.Context, a domain.Alert) {
	h.logger.ErrorContext(ctx, "OPERATOR_ALERT",
		slog.String("kind", string(a.Kind)),
		slog.String("instrument", a.Instrument),
		slog.String("order_id", a.OrderID),
		slog.String("message", a.Message),
	)

	h.mu.Lock()
	h.recent = append(h.recent, a)
	if len(h.recent) > h.keep {
		h.recent = h.recent[len(h.recent)-h.keep:]
	}
	subs := append([]chan domain.Alert(nil), h.subs...)
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- a:
		default:
		}
	}
}

// Subscribe returns a buffered channel receiving future alerts.
func (h *AlertHub) Subscribe(buffer int) <-chan domain.Alert {
	ch := make(chan domain.Alert, buffer)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// Recent returns a copy of the retained alerts, oldest first.
func (h *AlertHub) Recent() []domain.Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]domain.Alert(nil), h.recent...)
}
