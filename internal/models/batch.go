package models

import (
	"fmt"
	"time"

	"allocation-backend/internal/apperr"

	"gorm.io/gorm"
)

// Batch: traceable lot. Repacked batches point at exactly one original parent.
type Batch struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	BatchNumber   string    `gorm:"size:40;index" json:"batch_number"`
	IsRepacked    bool      `gorm:"not null;default:false" json:"is_repacked"`
	ParentBatchID *uint     `gorm:"index" json:"parent_batch_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AfterCreate assigns the sequential batch number when intake did not supply one.
func (b *Batch) AfterCreate(tx *gorm.DB) error {
	if b.BatchNumber != "" {
		return nil
	}
	b.BatchNumber = FormatBatchNumber(b.ID)
	return tx.Model(b).Update("batch_number", b.BatchNumber).Error
}

func FormatBatchNumber(id uint) string {
	return fmt.Sprintf("B%06d", id)
}

type LineageKind int

const (
	LineageOriginal LineageKind = iota
	LineageRepacked
)

// Lineage is either Original or Repacked{ParentID}. There is no deeper level.
type Lineage struct {
	Kind     LineageKind
	ParentID uint
}

func (b Batch) Lineage() Lineage {
	if b.IsRepacked && b.ParentBatchID != nil {
		return Lineage{Kind: LineageRepacked, ParentID: *b.ParentBatchID}
	}
	return Lineage{Kind: LineageOriginal}
}

// NewRepackedBatch builds the child batch for parent. Repacking a repacked
// batch is rejected with ErrInvalidLineage.
func NewRepackedBatch(parent Batch) (Batch, error) {
	if parent.Lineage().Kind == LineageRepacked {
		return Batch{}, fmt.Errorf("batch %s: %w", parent.BatchNumber, apperr.ErrInvalidLineage)
	}
	parentID := parent.ID
	return Batch{IsRepacked: true, ParentBatchID: &parentID}, nil
}
