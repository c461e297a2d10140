package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"trading_bot/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the SQLite-backed order journal and position repository.
type Storage struct {
	db *gorm.DB
}

var (
	_ domain.OrderJournal       = (*Storage)(nil)
	_ domain.PositionRepository = (*Storage)(nil)
)

// NewStorage opens (creating if needed) the database at path.
func NewStorage(path string) (*Storage, error) {
	// Ensure directory exists
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.OrderEntry{}, &domain.PositionEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Order Journal
// ======================================================================================

// SaveOrder upserts the latest state of an order.
func (s *Storage) SaveOrder(ctx context.Context, rec domain.OrderRecord, orphaned bool) error {
	entry := toOrderEntry(rec, orphaned)
	return s.db.WithContext(ctx).Save(&entry).Error
}

// Orders returns journaled orders, newest first. orphanedOnly limits the result to
// orders left unacknowledged by a previous shutdown.
func (s *Storage) Orders(ctx context.Context, orphanedOnly bool, limit int) ([]domain.OrderEntry, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if orphanedOnly {
		q = q.Where("orphaned = ?", true)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []domain.OrderEntry
	err := q.Find(&entries).Error
	return entries, err
}

func toOrderEntry(rec domain.OrderRecord, orphaned bool) domain.OrderEntry {
	entry := domain.OrderEntry{
		OrderID:      rec.OrderID,
		Instrument:   rec.Intent.Instrument,
		Side:         rec.Intent.Side.String(),
		Quantity:     rec.Intent.Quantity.String(),
		Strategy:     rec.Intent.Strategy,
		State:        string(rec.State),
		FilledQty:    rec.FilledQty.String(),
		AvgFillPrice: rec.AvgFillPrice.String(),
		Reason:       rec.Reason,
		Ambiguous:    rec.Ambiguous,
		Orphaned:     orphaned,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.LastUpdated,
	}
	if rec.Intent.LimitPrice != nil {
		entry.LimitPrice = rec.Intent.LimitPrice.String()
	}
	return entry
}

// ======================================================================================
// Positions
// ======================================================================================

// SavePositions replaces the stored snapshot with positions in one transaction.
// Instruments absent from positions are removed; flat positions are stored as flat.
func (s *Storage) SavePositions(ctx context.Context, positions []domain.Position) error {
	entries := make([]domain.PositionEntry, 0, len(positions))
	for _, p := range positions {
		if p.Instrument == "" {
			continue
		}
		entries = append(entries, domain.PositionEntry{
			Instrument:  p.Instrument,
			Quantity:    p.Quantity.String(),
			AverageCost: p.AverageCost.String(),
			RealizedPnL: p.RealizedPnL.String(),
			UpdatedAt:   p.UpdatedAt,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&domain.PositionEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Create(&entries).Error
	})
}

// LoadPositions returns every stored position. A row with an unparsable amount fails the load.
func (s *Storage) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	var entries []domain.PositionEntry
	if err := s.db.WithContext(ctx).Order("instrument").Find(&entries).Error; err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(entries))
	for _, e := range entries {
		p := domain.Position{Instrument: e.Instrument, UpdatedAt: e.UpdatedAt}
		var err error
		if p.Quantity, err = parseAmount(e.Instrument, "quantity", e.Quantity); err != nil {
			return nil, err
		}
		if p.AverageCost, err = parseAmount(e.Instrument, "average_cost", e.AverageCost); err != nil {
			return nil, err
		}
		if p.RealizedPnL, err = parseAmount(e.Instrument, "realized_pnl", e.RealizedPnL); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func parseAmount(instrument, field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position %s: bad %s %q: %w", instrument, field, raw, err)
	}
	return d, nil
}
