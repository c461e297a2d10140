package strategy_test

import (
	"testing"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func quote(bid, ask string) domain.MarketEvent {
	ev := domain.MarketEvent{
		Instrument: "SOL",
		Timestamp:  time.Unix(1700000000, 0),
		BestBid:    decimal.RequireFromString(bid),
		BestAsk:    decimal.RequireFromString(ask),
	}
	ev.Price = ev.Mid()
	return ev
}

func TestSpreadCapture_QuotesBothSidesOfWideSpread(t *testing.T) {
	strat, err := strategy.NewSpreadCaptureStrategy("mm", decimal.NewFromInt(1), 10, decimal.NewFromInt(3))
	require.NoError(t, err)

	intents := strat.Decide(quote("99", "101"), domain.StateSnapshot{Instrument: "SOL"})
	require.Len(t, intents, 2)
	require.Equal(t, domain.SideBuy, intents[0].Side)
	require.True(t, intents[0].LimitPrice.Equal(decimal.NewFromInt(99)))
	require.Equal(t, domain.SideSell, intents[1].Side)
	require.True(t, intents[1].LimitPrice.Equal(decimal.NewFromInt(101)))
}

func TestSpreadCapture_IgnoresTightSpreadAndTrades(t *testing.T) {
	strat, err := strategy.NewSpreadCaptureStrategy("mm", decimal.NewFromInt(1), 50, decimal.Zero)
	require.NoError(t, err)
	snap := domain.StateSnapshot{Instrument: "SOL"}

	require.Empty(t, strat.Decide(quote("100.00", "100.10"), snap))
	require.Empty(t, strat.Decide(trade("SOL", 100), snap))
}

func TestSpreadCapture_InventoryAndOpenOrders(t *testing.T) {
	strat, err := strategy.NewSpreadCaptureStrategy("mm", decimal.NewFromInt(1), 10, decimal.NewFromInt(3))
	require.NoError(t, err)

	long := domain.StateSnapshot{Instrument: "SOL", Position: domain.Position{Quantity: decimal.NewFromInt(3)}}
	intents := strat.Decide(quote("99", "101"), long)
	require.Len(t, intents, 1)
	require.Equal(t, domain.SideSell, intents[0].Side)

	busy := domain.StateSnapshot{Instrument: "SOL", OpenOrders: 1}
	require.Empty(t, strat.Decide(quote("99", "101"), busy))
}
