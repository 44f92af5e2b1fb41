package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoiceReady    InvoiceStatus = "ready"
	InvoiceInvoiced InvoiceStatus = "invoiced"
)

// AllocationSheet: the matrix of one delivery date at one location.
type AllocationSheet struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeliveryDate time.Time `gorm:"not null;uniqueIndex:idx_sheet_date_location" json:"delivery_date"`
	Location     string    `gorm:"size:64;not null;uniqueIndex:idx_sheet_date_location" json:"location"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Cells []AllocationCell `gorm:"foreignKey:SheetID;constraint:OnDelete:CASCADE" json:"cells,omitempty"`
}

// AllocationCell: item × customer demand inside a sheet.
type AllocationCell struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	SheetID           uint            `gorm:"not null;uniqueIndex:idx_cell_sheet_item_customer" json:"sheet_id"`
	ItemID            string          `gorm:"size:64;not null;uniqueIndex:idx_cell_sheet_item_customer" json:"item_id"`
	CustomerID        string          `gorm:"size:64;not null;uniqueIndex:idx_cell_sheet_item_customer" json:"customer_id"`
	PriorityKey       int64           `gorm:"not null;default:0" json:"customer_priority_key"`
	RequestedQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"requested_quantity"`
	FulfilledQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"fulfilled_quantity"`
	GradeConstraint   string          `gorm:"size:20" json:"grade_constraint,omitempty"`
	ExcludedSources   []string        `gorm:"serializer:json" json:"excluded_batch_sources,omitempty"`
	InvoiceStatus     InvoiceStatus   `gorm:"size:20;not null" json:"invoice_status"`
	Version           int64           `gorm:"not null;default:1" json:"version"`
	Generation        int             `gorm:"not null;default:0" json:"generation"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DocumentRef is the ledger reference of the cell's current reservation cycle.
func (c AllocationCell) DocumentRef() string {
	return fmt.Sprintf("MX-%d-%d/%d", c.SheetID, c.ID, c.Generation)
}

func (c AllocationCell) Shortfall() decimal.Decimal {
	s := c.RequestedQuantity.Sub(c.FulfilledQuantity)
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}
