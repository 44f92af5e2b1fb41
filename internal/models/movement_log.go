package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type MovementReason string

const (
	MovementIntake    MovementReason = "intake"
	MovementReserve   MovementReason = "reserve"
	MovementRelease   MovementReason = "release"
	MovementDebit     MovementReason = "debit"
	MovementRepackOut MovementReason = "repack_out"
	MovementRepackIn  MovementReason = "repack_in"
)

var ErrMovementImmutable = errors.New("movement log is append-only")

// MovementLogEntry: one ledger mutation. Rows written by the same atomic
// apply share ApplyID.
//
// intake, repack_* and debit deltas change on-hand quantity;
// reserve and release deltas change available quantity.
type MovementLogEntry struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	ApplyID           string          `gorm:"size:36;not null;index" json:"apply_id"`
	StockRecordID     uint            `gorm:"not null;index" json:"stock_record_id"`
	ItemID            string          `gorm:"size:64;not null;index" json:"item_id"`
	BatchID           uint            `gorm:"not null" json:"batch_id"`
	DeltaQuantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"delta_quantity"`
	Reason            MovementReason  `gorm:"size:20;not null" json:"reason"`
	ReferenceDocument string          `gorm:"size:100;index" json:"reference_document"`
	Actor             string          `gorm:"size:100" json:"actor"`
	Timestamp         time.Time       `gorm:"not null;index" json:"timestamp"`
}

func (MovementLogEntry) BeforeUpdate(*gorm.DB) error { return ErrMovementImmutable }

func (MovementLogEntry) BeforeDelete(*gorm.DB) error { return ErrMovementImmutable }
