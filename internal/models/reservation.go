package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationDebited  ReservationStatus = "debited"
)

// Reservation: one line of a document's allocation detail (record + quantity).
type Reservation struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	DocumentRef   string            `gorm:"size:100;not null;index" json:"document_ref"`
	StockRecordID uint              `gorm:"not null;index" json:"stock_record_id"`
	BatchID       uint              `gorm:"not null" json:"batch_id"`
	ItemID        string            `gorm:"size:64;not null;index" json:"item_id"`
	Quantity      decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Seq           int               `gorm:"not null;default:0" json:"seq"`
	Status        ReservationStatus `gorm:"size:20;not null;index" json:"status"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
