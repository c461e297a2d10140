package domain

import (
	"context"
)

// OrderJournal persists order transitions for operator reconciliation.
type OrderJournal interface {
	SaveOrder(ctx context.Context, rec OrderRecord, orphaned bool) error
}

// PositionRepository persists and restores position snapshots.
type PositionRepository interface {
	SavePositions(ctx context.Context, positions []Position) error
	LoadPositions(ctx context.Context) ([]Position, error)
}

// Alerter delivers operator-facing alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}
