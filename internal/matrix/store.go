package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"allocation-backend/internal/apperr"
	"allocation-backend/internal/models"

	"gorm.io/gorm"
)

// Store persists sheets and cells. Every cell write is a compare-and-swap
// on version.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenSheet returns the sheet of (date, location), creating it on first use.
func (s *Store) OpenSheet(ctx context.Context, date time.Time, location string) (*models.AllocationSheet, error) {
	sheet := models.AllocationSheet{DeliveryDate: date, Location: location}
	err := s.db.WithContext(ctx).
		Where("delivery_date = ? AND location = ?", date, location).
		FirstOrCreate(&sheet).Error
	if err != nil {
		return nil, fmt.Errorf("open sheet: %w", err)
	}
	return &sheet, nil
}

// Sheet loads the sheet with cells ordered by item, priority, customer.
func (s *Store) Sheet(ctx context.Context, id uint) (*models.AllocationSheet, error) {
	var sheet models.AllocationSheet
	err := s.db.WithContext(ctx).
		Preload("Cells", func(db *gorm.DB) *gorm.DB {
			return db.Order("item_id, priority_key, customer_id")
		}).
		First(&sheet, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("sheet %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &sheet, nil
}

func (s *Store) Cell(ctx context.Context, id uint) (*models.AllocationCell, error) {
	var cell models.AllocationCell
	err := s.db.WithContext(ctx).First(&cell, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("cell %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &cell, nil
}

// FindCell returns nil without error when the sheet has no such cell.
func (s *Store) FindCell(ctx context.Context, sheetID uint, itemID, customerID string) (*models.AllocationCell, error) {
	var cell models.AllocationCell
	err := s.db.WithContext(ctx).
		Where("sheet_id = ? AND item_id = ? AND customer_id = ?", sheetID, itemID, customerID).
		First(&cell).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cell, nil
}

func (s *Store) CreateCell(ctx context.Context, cell *models.AllocationCell) error {
	cell.Version = 1
	if cell.InvoiceStatus == "" {
		cell.InvoiceStatus = models.InvoicePending
	}
	return s.db.WithContext(ctx).Create(cell).Error
}

// SaveCell writes cell if its stored version is still expected, then bumps
// the version. A mismatch is ErrVersionConflict.
func (s *Store) SaveCell(ctx context.Context, cell *models.AllocationCell, expected int64) error {
	return saveCell(s.db.WithContext(ctx), cell, expected)
}

// SaveCells writes several cells in one transaction.
func (s *Store) SaveCells(ctx context.Context, cells []*models.AllocationCell) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range cells {
			if err := saveCell(tx, c, c.Version); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveCell(db *gorm.DB, cell *models.AllocationCell, expected int64) error {
	now := time.Now()
	upd := db.Model(&models.AllocationCell{}).
		Where("id = ? AND version = ?", cell.ID, expected).
		Updates(map[string]any{
			"priority_key":       cell.PriorityKey,
			"requested_quantity": cell.RequestedQuantity,
			"fulfilled_quantity": cell.FulfilledQuantity,
			"grade_constraint":   cell.GradeConstraint,
			"excluded_sources":   sourcesJSON(cell.ExcludedSources),
			"invoice_status":     cell.InvoiceStatus,
			"generation":         cell.Generation,
			"version":            expected + 1,
			"updated_at":         now,
		})
	if upd.Error != nil {
		return upd.Error
	}
	if upd.RowsAffected != 1 {
		return fmt.Errorf("cell %d at version %d: %w", cell.ID, expected, apperr.ErrVersionConflict)
	}
	cell.Version = expected + 1
	cell.UpdatedAt = now
	return nil
}

// sourcesJSON matches the json serializer of the ExcludedSources column;
// map updates bypass gorm serializers.
func sourcesJSON(sources []string) string {
	if sources == nil {
		sources = []string{}
	}
	b, _ := json.Marshal(sources)
	return string(b)
}
