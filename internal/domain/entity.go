package domain

import (
	"time"
)

// OrderEntry is the persisted journal row for an order
type OrderEntry struct {
	OrderID      string    `gorm:"primaryKey" json:"order_id"`
	Instrument   string    `gorm:"index" json:"instrument"`
	Side         string    `json:"side"`
	Quantity     string    `json:"quantity"`
	LimitPrice   string    `json:"limit_price"` // empty for market orders
	Strategy     string    `json:"strategy"`
	State        string    `gorm:"index" json:"state"`
	FilledQty    string    `json:"filled_qty"`
	AvgFillPrice string    `json:"avg_fill_price"`
	Reason       string    `json:"reason"`
	Ambiguous    bool      `json:"ambiguous"`
	Orphaned     bool      `gorm:"index" json:"orphaned"` // left unacknowledged at shutdown
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PositionEntry is the persisted position snapshot row
type PositionEntry struct {
	Instrument  string    `gorm:"primaryKey" json:"instrument"`
	Quantity    string    `json:"quantity"`
	AverageCost string    `json:"average_cost"`
	RealizedPnL string    `json:"realized_pnl"`
	UpdatedAt   time.Time `json:"updated_at"`
}
