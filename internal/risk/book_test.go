package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limitPtr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func intent(inst string, side domain.Side, qty string) domain.OrderIntent {
	return domain.OrderIntent{Instrument: inst, Side: side, Quantity: d(qty), LimitPrice: limitPtr("100"), CreatedAt: time.Now()}
}

func newBook(t *testing.T, limits domain.RiskLimits) *Book {
	t.Helper()
	b := NewBook(4, limits, nil)
	t.Cleanup(b.Close)
	return b
}

func requireViolation(t *testing.T, err error, kind domain.RiskViolationKind) {
	t.Helper()
	rv, ok := domain.AsRiskViolation(err)
	require.True(t, ok, "expected risk violation, got %v", err)
	require.Equal(t, kind, rv.Kind)
}

func TestBook_MaxOpenOrders(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxOpenOrders: 1})
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "1")))
	requireViolation(t, b.Reserve(ctx, "b", intent("BTC", domain.SideBuy, "1")), domain.RiskMaxOpenOrders)

	// Other instruments have their own count.
	require.NoError(t, b.Reserve(ctx, "c", intent("ETH", domain.SideBuy, "1")))

	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.Equal(t, 1, snap.OpenOrders)

	require.NoError(t, b.Release(ctx, "BTC", "a"))
	require.NoError(t, b.Reserve(ctx, "b", intent("BTC", domain.SideBuy, "1")))
}

func TestBook_MaxPositionCountsReservations(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxPositionPerInstrument: d("5")})
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "3")))
	requireViolation(t, b.Reserve(ctx, "b", intent("BTC", domain.SideBuy, "3")), domain.RiskMaxPosition)
	require.NoError(t, b.Reserve(ctx, "c", intent("BTC", domain.SideBuy, "2")))

	// Selling reduces exposure and stays allowed down to -5.
	require.NoError(t, b.Reserve(ctx, "d", intent("BTC", domain.SideSell, "5")))
	requireViolation(t, b.Reserve(ctx, "e", intent("BTC", domain.SideSell, "0.1")), domain.RiskMaxPosition)

	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, snap.ReservedBuy.Equal(d("5")))
	require.True(t, snap.ReservedSell.Equal(d("5")))
}

func TestBook_MaxPositionWithExistingPosition(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxPositionPerInstrument: d("10")})
	ctx := context.Background()
	require.NoError(t, b.Restore(ctx, []domain.Position{{Instrument: "BTC", Quantity: d("8"), AverageCost: d("100")}}))

	requireViolation(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "3")), domain.RiskMaxPosition)
	require.NoError(t, b.Reserve(ctx, "b", intent("BTC", domain.SideBuy, "2")))
	require.NoError(t, b.Reserve(ctx, "c", intent("BTC", domain.SideSell, "18")))
}

func TestBook_MaxOrderNotional(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxOrderNotional: d("1000")})
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "10")))
	requireViolation(t, b.Reserve(ctx, "b", intent("BTC", domain.SideBuy, "10.01")), domain.RiskMaxOrderNotional)
}

func TestBook_MarketOrderNeedsReferencePrice(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxOrderNotional: d("1000")})
	ctx := context.Background()
	market := domain.OrderIntent{Instrument: "BTC", Side: domain.SideBuy, Quantity: d("1")}

	requireViolation(t, b.Reserve(ctx, "a", market), domain.RiskNoReferencePrice)

	require.NoError(t, b.UpdateMark(ctx, "BTC", d("999")))
	require.NoError(t, b.Reserve(ctx, "a", market))

	require.NoError(t, b.UpdateMark(ctx, "BTC", d("1001")))
	requireViolation(t, b.Reserve(ctx, "b", market), domain.RiskMaxOrderNotional)
}

func TestBook_InvalidIntent(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()

	cases := []domain.OrderIntent{
		{Instrument: "", Side: domain.SideBuy, Quantity: d("1")},
		{Instrument: "BTC", Side: domain.SideNone, Quantity: d("1")},
		{Instrument: "BTC", Side: domain.SideBuy, Quantity: d("0")},
		{Instrument: "BTC", Side: domain.SideBuy, Quantity: d("1"), LimitPrice: limitPtr("-1")},
	}
	for i, in := range cases {
		requireViolation(t, b.Reserve(ctx, fmt.Sprintf("o-%d", i), in), domain.RiskInvalidIntent)
	}
	requireViolation(t, b.Reserve(ctx, "", intent("BTC", domain.SideBuy, "1")), domain.RiskInvalidIntent)
}

func TestBook_HaltAndResume(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()

	require.NoError(t, b.Halt(ctx, "BTC", "execution ambiguous"))
	requireViolation(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "1")), domain.RiskInstrumentHalted)
	require.NoError(t, b.Reserve(ctx, "b", intent("ETH", domain.SideBuy, "1")))

	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, snap.Halted)

	require.NoError(t, b.Resume(ctx, "BTC"))
	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "1")))
}

func TestBook_FillsUpdatePositionAndRelease(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxOpenOrders: 5})
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "3")))

	require.NoError(t, b.ApplyFill(ctx, domain.Fill{OrderID: "a", Instrument: "BTC", Side: domain.SideBuy, Quantity: d("1"), Price: d("100")}))
	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, snap.Position.Quantity.Equal(d("1")))
	require.True(t, snap.ReservedBuy.Equal(d("2")))
	require.Equal(t, 1, snap.OpenOrders)

	require.NoError(t, b.ApplyFill(ctx, domain.Fill{OrderID: "a", Instrument: "BTC", Side: domain.SideBuy, Quantity: d("2"), Price: d("103")}))
	snap, err = b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, snap.Position.Quantity.Equal(d("3")))
	require.True(t, snap.Position.AverageCost.Equal(d("102")))
	require.True(t, snap.ReservedBuy.IsZero())
	require.Zero(t, snap.OpenOrders)
	require.True(t, snap.LastPrice.Equal(d("103")))
}

func TestBook_ReleaseIsIdempotent(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideSell, "2")))
	require.NoError(t, b.Release(ctx, "BTC", "a"))
	require.NoError(t, b.Release(ctx, "BTC", "a"))
	require.NoError(t, b.Release(ctx, "BTC", "never"))

	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.Zero(t, snap.OpenOrders)
	require.True(t, snap.ReservedSell.IsZero())
}

func TestBook_DuplicateReserveIsNoop(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxOpenOrders: 1})
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "1")))
	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "1")))

	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.Equal(t, 1, snap.OpenOrders)
	require.True(t, snap.ReservedBuy.Equal(d("1")))
}

func TestBook_ConcurrentReservationsRespectLimit(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxOpenOrders: 7})
	ctx := context.Background()

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Reserve(ctx, fmt.Sprintf("o-%d", i), intent("BTC", domain.SideBuy, "1")) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(7), ok.Load())
}

func TestBook_ParallelInstrumentsIndependent(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()
	instruments := []string{"BTC", "ETH", "SOL", "XRP", "ADA", "DOT"}

	var wg sync.WaitGroup
	for _, inst := range instruments {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("%s-%d", inst, i)
				if err := b.Reserve(ctx, id, intent(inst, domain.SideBuy, "1")); err != nil {
					t.Error(err)
					return
				}
				if err := b.ApplyFill(ctx, domain.Fill{OrderID: id, Instrument: inst, Side: domain.SideBuy, Quantity: d("1"), Price: d("10")}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	positions, err := b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, len(instruments))
	for _, p := range positions {
		require.True(t, p.Quantity.Equal(d("50")), "%s: %s", p.Instrument, p.Quantity)
	}
	require.Equal(t, "ADA", positions[0].Instrument)
}

func TestBook_PositionsIncludesFlat(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()

	require.NoError(t, b.Restore(ctx, []domain.Position{{Instrument: "BTC", Quantity: d("3"), AverageCost: d("100")}}))
	require.NoError(t, b.ApplyFill(ctx, domain.Fill{OrderID: "x", Instrument: "BTC", Side: domain.SideSell, Quantity: d("3"), Price: d("100")}))

	positions, err := b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "BTC", positions[0].Instrument)
	require.True(t, positions[0].Quantity.IsZero())
}

func TestBook_InsufficientBalance(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()

	// Unknown balance is not enforced.
	require.NoError(t, b.Reserve(ctx, "pre", intent("BTC", domain.SideBuy, "1")))
	require.NoError(t, b.Release(ctx, "BTC", "pre"))
	require.False(t, b.Account().Known)

	b.SetBalance(d("1000"))
	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "6")))
	acct := b.Account()
	require.True(t, acct.Committed.Equal(d("600")), acct.Committed.String())
	require.True(t, acct.Available.Equal(d("400")))

	requireViolation(t, b.Reserve(ctx, "b", intent("ETH", domain.SideBuy, "5")), domain.RiskInsufficientBalance)
	require.NoError(t, b.Reserve(ctx, "c", intent("ETH", domain.SideBuy, "4")))

	// A fill moves cash from committed to spent; the release frees the rest.
	require.NoError(t, b.ApplyFill(ctx, domain.Fill{OrderID: "a", Instrument: "BTC", Side: domain.SideBuy, Quantity: d("2"), Price: d("95")}))
	acct = b.Account()
	require.True(t, acct.Balance.Equal(d("810")), acct.Balance.String())
	require.True(t, acct.Committed.Equal(d("800")), acct.Committed.String())
	require.NoError(t, b.Release(ctx, "BTC", "a"))
	require.True(t, b.Account().Available.Equal(d("410")))

	// Sells never need cash and add to it when filled.
	require.NoError(t, b.Reserve(ctx, "s", intent("BTC", domain.SideSell, "1")))
	require.NoError(t, b.ApplyFill(ctx, domain.Fill{OrderID: "s", Instrument: "BTC", Side: domain.SideSell, Quantity: d("1"), Price: d("100")}))
	require.True(t, b.Account().Balance.Equal(d("910")))
}

func TestBook_MarketBuyNeedsMarkOnceBalanceKnown(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()
	b.SetBalance(d("104"))

	market := domain.OrderIntent{Instrument: "BTC", Side: domain.SideBuy, Quantity: d("1")}
	requireViolation(t, b.Reserve(ctx, "a", market), domain.RiskNoReferencePrice)

	// The mark plus the 5% margin must fit.
	require.NoError(t, b.UpdateMark(ctx, "BTC", d("100")))
	requireViolation(t, b.Reserve(ctx, "a", market), domain.RiskInsufficientBalance)
	b.SetBalance(d("105"))
	require.NoError(t, b.Reserve(ctx, "a", market))
}

func TestBook_InsufficientInventory(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()

	require.NoError(t, b.SetInventory(ctx, "BTC", d("3")))
	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideSell, "2")))
	requireViolation(t, b.Reserve(ctx, "b", intent("BTC", domain.SideSell, "2")), domain.RiskInsufficientInventory)

	// Buys add to inventory once filled.
	require.NoError(t, b.ApplyFill(ctx, domain.Fill{OrderID: "x", Instrument: "BTC", Side: domain.SideBuy, Quantity: d("1"), Price: d("100")}))
	require.NoError(t, b.Reserve(ctx, "b", intent("BTC", domain.SideSell, "2")))

	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, snap.Inventory)
	require.True(t, snap.Inventory.Equal(d("4")))

	// Instruments without a reported inventory are not checked.
	require.NoError(t, b.Reserve(ctx, "e", intent("ETH", domain.SideSell, "50")))
}

func TestBook_SetLimits(t *testing.T) {
	b := newBook(t, domain.RiskLimits{MaxOpenOrders: 1})
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "a", intent("BTC", domain.SideBuy, "1")))
	requireViolation(t, b.Reserve(ctx, "b", intent("BTC", domain.SideBuy, "1")), domain.RiskMaxOpenOrders)

	require.NoError(t, b.SetLimits(domain.RiskLimits{MaxOpenOrders: 2}))
	require.NoError(t, b.Reserve(ctx, "b", intent("BTC", domain.SideBuy, "1")))

	require.Error(t, b.SetLimits(domain.RiskLimits{MaxOpenOrders: -1}))
	require.Equal(t, 2, b.Limits().MaxOpenOrders)
}

func TestBook_SnapshotIsACopy(t *testing.T) {
	b := newBook(t, domain.RiskLimits{})
	ctx := context.Background()
	require.NoError(t, b.ApplyFill(ctx, domain.Fill{OrderID: "x", Instrument: "BTC", Side: domain.SideBuy, Quantity: d("1"), Price: d("10")}))

	snap, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	snap.Position.Quantity = d("999")

	again, err := b.Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, again.Position.Quantity.Equal(d("1")))
}

func TestBook_Closed(t *testing.T) {
	b := NewBook(2, domain.RiskLimits{}, nil)
	b.Close()
	b.Close()

	err := b.Reserve(context.Background(), "a", intent("BTC", domain.SideBuy, "1"))
	require.True(t, errors.Is(err, ErrBookClosed))
}

func BenchmarkBook_ReserveRelease(b *testing.B) {
	book := NewBook(8, domain.RiskLimits{MaxPositionPerInstrument: d("1000000")}, nil)
	defer book.Close()
	ctx := context.Background()
	in := intent("BTC", domain.SideBuy, "1")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := book.Reserve(ctx, "o", in); err != nil {
			b.Fatal(err)
		}
		if err := book.Release(ctx, "BTC", "o"); err != nil {
			b.Fatal(err)
		}
	}
}
