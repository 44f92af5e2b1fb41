package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DemandStatus string

const (
	DemandOpen      DemandStatus = "open"
	DemandReleased  DemandStatus = "released"
	DemandConfirmed DemandStatus = "confirmed"
)

// DemandLine: requested quantity of one document line (sales order line or matrix cell).
type DemandLine struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	DocumentRef       string          `gorm:"size:100;not null;uniqueIndex" json:"document_ref"`
	ItemID            string          `gorm:"size:64;not null;index" json:"item_id"`
	Location          string          `gorm:"size:64" json:"location"`
	RequestedQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"requested_quantity"`
	FulfilledQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"fulfilled_quantity"`
	PriorityKey       int64           `gorm:"not null;default:0" json:"customer_priority_key"`
	GradeConstraint   string          `gorm:"size:20" json:"grade_constraint,omitempty"`
	ExcludedSources   []string        `gorm:"serializer:json" json:"excluded_batch_sources,omitempty"`
	Status            DemandStatus    `gorm:"size:20;not null" json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Shortfall: requested minus fulfilled, never negative.
func (d DemandLine) Shortfall() decimal.Decimal {
	s := d.RequestedQuantity.Sub(d.FulfilledQuantity)
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}
