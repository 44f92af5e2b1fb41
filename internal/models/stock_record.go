package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type StockStatus string

const (
	StockAvailable StockStatus = "available"
	StockAllocated StockStatus = "allocated"
	StockDelivered StockStatus = "delivered"
)

// StockRecord: physical quantity of one batch at one location.
// Quantity is on-hand; AllocatedQuantity is the part held by active reservations.
type StockRecord struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	ItemID            string          `gorm:"size:64;not null;index:idx_stock_item_location" json:"item_id"`
	BatchID           uint            `gorm:"index;not null" json:"batch_id"`
	Batch             Batch           `gorm:"foreignKey:BatchID" json:"batch"`
	Location          string          `gorm:"size:64;not null;index:idx_stock_item_location" json:"location"`
	Grade             string          `gorm:"size:20;index" json:"grade,omitempty"`
	SourceID          string          `gorm:"size:64;index" json:"source_id,omitempty"` // vendor / farm
	Quantity          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"quantity"`
	AllocatedQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"allocated_quantity"`
	Status            StockStatus     `gorm:"size:20;not null;index" json:"status"`
	EntryTimestamp    time.Time       `gorm:"not null;index" json:"entry_timestamp"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	RowVersion        int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// AvailableQuantity: on-hand minus what is already held.
func (r StockRecord) AvailableQuantity() decimal.Decimal {
	return r.Quantity.Sub(r.AllocatedQuantity)
}

// RefreshStatus derives Status from the two quantity columns.
func (r *StockRecord) RefreshStatus() {
	switch {
	case !r.Quantity.IsPositive():
		r.Status = StockDelivered
	case r.AllocatedQuantity.GreaterThanOrEqual(r.Quantity):
		r.Status = StockAllocated
	default:
		r.Status = StockAvailable
	}
}

// Valid reports whether the quantity invariants hold.
func (r StockRecord) Valid() bool {
	return !r.Quantity.IsNegative() &&
		!r.AllocatedQuantity.IsNegative() &&
		r.AllocatedQuantity.LessThanOrEqual(r.Quantity)
}
