package app

import (
	"context"
	"errors"
	"log/slog"

	"trading_bot/internal/engine"
	"trading_bot/internal/event"
)

// route is the feed handler: market data goes through the normalizer into the
// sequencer, execution reports go to the gate, account updates go to the risk book.
func (b *Bootstrap) route(session uint64, raw []byte) {
	typ := event.Classify(raw)
	switch {
	case typ.IsMarketData():
		ev, err := b.Normalizer.Normalize(raw)
		if err != nil {
			return // counted and logged by the normalizer
		}
		if !b.known[ev.Instrument] {
			slog.Debug("Dropped event for unconfigured instrument", slog.String("instrument", ev.Instrument))
			return
		}
		ev.Session = session
		if err := b.Sequencer.Admit(ev); err != nil && !errors.Is(err, engine.ErrStreamClosed) {
			slog.Warn("Admit failed", slog.String("instrument", ev.Instrument), slog.Any("error", err))
		}

	case typ.IsExecution():
		rep, err := event.ParseExecutionReport(raw)
		if err != nil {
			// ERROR frames without an order id are session-level notices
			slog.Warn("Venue message not applied", slog.String("type", string(typ)), slog.Any("error", err), slog.String("raw", preview(raw)))
			return
		}
		b.Gate.HandleReport(rep)

	case typ.IsAccount():
		b.applyAccount(raw)

	case typ == event.TypePong:
	default:
		slog.Debug("Ignored feed message", slog.String("type", string(typ)))
	}
}

// applyAccount feeds venue-reported cash and inventory into the risk book.
func (b *Bootstrap) applyAccount(raw []byte) {
	upd, err := event.ParseAccountUpdate(raw)
	if err != nil {
		if !errors.Is(err, event.ErrNotAccountUpdate) {
			slog.Warn("Account update not applied", slog.Any("error", err), slog.String("raw", preview(raw)))
		}
		return
	}
	if upd.Balance != nil {
		b.Book.SetBalance(*upd.Balance)
	}
	if upd.Inventory != nil {
		if err := b.Book.SetInventory(context.Background(), upd.Instrument, *upd.Inventory); err != nil {
			slog.Warn("Inventory update not applied", slog.String("instrument", upd.Instrument), slog.Any("error", err))
		}
	}
}

func preview(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
