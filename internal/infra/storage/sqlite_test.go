package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Storage {
	s, err := NewStorage(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(id string, state domain.OrderState) domain.OrderRecord {
	price := decimal.RequireFromString("101.5")
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.OrderRecord{
		OrderID: id,
		Intent: domain.OrderIntent{
			Instrument: "BTC-USD",
			Side:       domain.SideBuy,
			Quantity:   decimal.NewFromInt(2),
			LimitPrice: &price,
			Strategy:   "sma_cross",
		},
		State:       state,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func TestSaveOrder_Upserts(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	rec := testRecord("o-1", domain.OrderPending)
	if err := s.SaveOrder(ctx, rec, false); err != nil {
		t.Fatalf("SaveOrder failed: %v", err)
	}

	rec.State = domain.OrderPartiallyFilled
	rec.FilledQty = decimal.NewFromInt(1)
	rec.AvgFillPrice = decimal.RequireFromString("101.25")
	if err := s.SaveOrder(ctx, rec, false); err != nil {
		t.Fatalf("SaveOrder (update) failed: %v", err)
	}

	orders, err := s.Orders(ctx, false, 0)
	if err != nil {
		t.Fatalf("Orders failed: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	got := orders[0]
	if got.State != string(domain.OrderPartiallyFilled) {
		t.Errorf("expected PARTIALLY_FILLED, got %s", got.State)
	}
	if got.FilledQty != "1" || got.AvgFillPrice != "101.25" {
		t.Errorf("unexpected fill fields: %s @ %s", got.FilledQty, got.AvgFillPrice)
	}
	if got.LimitPrice != "101.5" || got.Side != "BUY" || got.Strategy != "sma_cross" {
		t.Errorf("intent fields not persisted: %+v", got)
	}
}

func TestSaveOrder_MarketOrderHasNoLimit(t *testing.T) {
	s := setupTestDB(t)
	rec := testRecord("o-m", domain.OrderPending)
	rec.Intent.LimitPrice = nil

	if err := s.SaveOrder(context.Background(), rec, false); err != nil {
		t.Fatalf("SaveOrder failed: %v", err)
	}
	orders, _ := s.Orders(context.Background(), false, 0)
	if orders[0].LimitPrice != "" {
		t.Errorf("expected empty limit price, got %q", orders[0].LimitPrice)
	}
}

func TestOrders_OrphanedOnly(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.SaveOrder(ctx, testRecord("done", domain.OrderFilled), false); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveOrder(ctx, testRecord("lost", domain.OrderPending), true); err != nil {
		t.Fatal(err)
	}

	orphans, err := s.Orders(ctx, true, 10)
	if err != nil {
		t.Fatalf("Orders failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].OrderID != "lost" {
		t.Fatalf("expected only the orphan, got %+v", orphans)
	}
}

func TestPositions_SaveAndLoad(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	positions := []domain.Position{
		{Instrument: "ETH-USD", Quantity: decimal.RequireFromString("-1.5"), AverageCost: decimal.NewFromInt(3000), UpdatedAt: at},
		{Instrument: "BTC-USD", Quantity: decimal.NewFromInt(2), AverageCost: decimal.NewFromInt(50000), RealizedPnL: decimal.NewFromInt(120), UpdatedAt: at},
	}
	if err := s.SavePositions(ctx, positions); err != nil {
		t.Fatalf("SavePositions failed: %v", err)
	}

	// A second snapshot overwrites the first.
	positions[1].Quantity = decimal.Zero
	if err := s.SavePositions(ctx, positions); err != nil {
		t.Fatalf("SavePositions (overwrite) failed: %v", err)
	}

	loaded, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(loaded))
	}
	if loaded[0].Instrument != "BTC-USD" || !loaded[0].Quantity.IsZero() {
		t.Errorf("BTC position not overwritten: %+v", loaded[0])
	}
	if !loaded[0].RealizedPnL.Equal(decimal.NewFromInt(120)) {
		t.Errorf("expected realized 120, got %v", loaded[0].RealizedPnL)
	}
	if !loaded[1].Quantity.Equal(decimal.RequireFromString("-1.5")) {
		t.Errorf("expected ETH -1.5, got %v", loaded[1].Quantity)
	}
}

func TestSavePositions_ReplacesSnapshot(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.SavePositions(ctx, []domain.Position{
		{Instrument: "BTC-USD", Quantity: decimal.NewFromInt(3), AverageCost: decimal.NewFromInt(100)},
		{Instrument: "ETH-USD", Quantity: decimal.NewFromInt(1), AverageCost: decimal.NewFromInt(10)},
	}); err != nil {
		t.Fatalf("SavePositions failed: %v", err)
	}

	// BTC closed flat, ETH no longer tracked.
	if err := s.SavePositions(ctx, []domain.Position{
		{Instrument: "BTC-USD", RealizedPnL: decimal.NewFromInt(5)},
	}); err != nil {
		t.Fatalf("SavePositions (replace) failed: %v", err)
	}
	loaded, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Instrument != "BTC-USD" || !loaded[0].Quantity.IsZero() {
		t.Fatalf("expected only a flat BTC position, got %+v", loaded)
	}

	if err := s.SavePositions(ctx, nil); err != nil {
		t.Fatalf("SavePositions (empty) failed: %v", err)
	}
	if loaded, _ = s.LoadPositions(ctx); len(loaded) != 0 {
		t.Errorf("expected an empty snapshot, got %+v", loaded)
	}
}

func TestLoadPositions_Empty(t *testing.T) {
	s := setupTestDB(t)
	loaded, err := s.LoadPositions(context.Background())
	if err != nil {
		t.Fatalf("LoadPositions failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected no positions, got %d", len(loaded))
	}
}

func TestLoadPositions_CorruptRow(t *testing.T) {
	s := setupTestDB(t)
	if err := s.db.Create(&domain.PositionEntry{Instrument: "BAD", Quantity: "abc"}).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPositions(context.Background()); err == nil {
		t.Error("expected an error for an unparsable quantity")
	}
}
