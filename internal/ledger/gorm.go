package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"allocation-backend/internal/apperr"
	"allocation-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger stores the ledger in the relational database. Every mutation
// runs in one transaction that locks the touched records (ordered by id)
// and guards each update with row_version.
type GormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Ledger = (*GormLedger)(nil)

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db, now: time.Now}
}

// Snapshot reads all matching records in a single SELECT. Batches are
// preloaded separately; they never change after creation.
func (g *GormLedger) Snapshot(ctx context.Context, q SnapshotQuery) ([]models.StockRecord, error) {
	query := g.db.WithContext(ctx).
		Preload("Batch").
		Where("item_id = ? AND status = ?", q.ItemID, models.StockAvailable)
	if q.Location != "" {
		query = query.Where("location = ?", q.Location)
	}
	if q.Grade != "" {
		query = query.Where("grade = ?", q.Grade)
	}
	if len(q.ExcludedSources) > 0 {
		query = query.Where("source_id NOT IN ?", q.ExcludedSources)
	}
	if len(q.BatchIDs) > 0 {
		query = query.Where("batch_id IN ?", q.BatchIDs)
	}

	var records []models.StockRecord
	if err := query.Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", q.ItemID, err)
	}

	out := make([]models.StockRecord, 0, len(records))
	for _, r := range records {
		if matchesSnapshot(r, q) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (g *GormLedger) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	var result *ApplyResult
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := newMutation(req.Actor, g.now())
		if err := loadMutation(tx, m, req.Deltas); err != nil {
			return err
		}
		if err := m.run(req.Deltas); err != nil {
			return err
		}

		for _, id := range m.touched {
			if err := saveRecord(tx, m.records[id], m.now); err != nil {
				return err
			}
		}
		for _, id := range m.closed {
			res := m.reservations[id]
			upd := tx.Model(&models.Reservation{}).
				Where("id = ? AND status = ?", id, models.ReservationActive).
				Updates(map[string]any{"status": res.Status, "closed_at": res.ClosedAt})
			if upd.Error != nil {
				return upd.Error
			}
			if upd.RowsAffected != 1 {
				return fmt.Errorf("reservation %d closed concurrently: %w", id, apperr.ErrConflict)
			}
		}
		if len(m.created) > 0 {
			if err := tx.Create(&m.created).Error; err != nil {
				return err
			}
		}
		if len(m.movements) > 0 {
			if err := tx.Create(&m.movements).Error; err != nil {
				return err
			}
		}
		for _, d := range req.Demands {
			if err := upsertDemand(tx, d, m.now); err != nil {
				return err
			}
		}

		result = &ApplyResult{ApplyID: m.applyID, Reservations: m.created, Movements: m.movements}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func loadMutation(tx *gorm.DB, m *mutation, deltas []Delta) error {
	resIDs, recIDs := deltaIDs(deltas)

	if ids := uniqueSorted(resIDs); len(ids) > 0 {
		var reservations []models.Reservation
		if err := tx.Where("id IN ?", ids).Find(&reservations).Error; err != nil {
			return err
		}
		for i := range reservations {
			m.reservations[reservations[i].ID] = &reservations[i]
			recIDs = append(recIDs, reservations[i].StockRecordID)
		}
	}

	if ids := uniqueSorted(recIDs); len(ids) > 0 {
		var records []models.StockRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", ids).
			Order("id").
			Find(&records).Error
		if err != nil {
			return err
		}
		for i := range records {
			m.records[records[i].ID] = &records[i]
		}
	}
	return nil
}

// saveRecord writes the quantities computed in Go. The row_version guard
// turns a lost update into ErrConflict.
func saveRecord(tx *gorm.DB, rec *models.StockRecord, now time.Time) error {
	upd := tx.Model(&models.StockRecord{}).
		Where("id = ? AND row_version = ?", rec.ID, rec.RowVersion).
		Updates(map[string]any{
			"quantity":           rec.Quantity,
			"allocated_quantity": rec.AllocatedQuantity,
			"status":             rec.Status,
			"row_version":        rec.RowVersion + 1,
			"updated_at":         now,
		})
	if upd.Error != nil {
		return upd.Error
	}
	if upd.RowsAffected != 1 {
		return fmt.Errorf("record %d changed concurrently: %w", rec.ID, apperr.ErrConflict)
	}
	rec.RowVersion++
	rec.UpdatedAt = now
	return nil
}

func upsertDemand(tx *gorm.DB, d models.DemandLine, now time.Time) error {
	d.ID = 0
	d.CreatedAt = now
	d.UpdatedAt = now
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"item_id", "location", "requested_quantity", "fulfilled_quantity",
			"priority_key", "grade_constraint", "excluded_sources", "status", "updated_at",
		}),
	}).Create(&d).Error
}

func (g *GormLedger) AddStock(ctx context.Context, req AddStockRequest) (*AddStockResult, error) {
	if err := validateAddStock(req); err != nil {
		return nil, err
	}

	var (
		rec models.StockRecord
		mv  models.MovementLogEntry
	)
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := g.now()
		batch, err := findOrCreateBatch(tx, req.BatchNumber)
		if err != nil {
			return err
		}

		entered := req.EnteredAt
		if entered.IsZero() {
			entered = now
		}
		rec = models.StockRecord{
			ItemID:         req.ItemID,
			BatchID:        batch.ID,
			Location:       req.Location,
			Grade:          req.Grade,
			SourceID:       req.SourceID,
			Quantity:       req.Quantity,
			EntryTimestamp: entered,
			ExpiryDate:     req.ExpiryDate,
		}
		rec.RefreshStatus()
		if err := tx.Omit(clause.Associations).Create(&rec).Error; err != nil {
			return err
		}
		rec.Batch = batch

		mv = newMovement(uuid.NewString(), &rec, req.Quantity, models.MovementIntake, req.Reference, req.Actor, now)
		return tx.Create(&mv).Error
	})
	if err != nil {
		return nil, err
	}
	return &AddStockResult{Record: rec, Movement: mv}, nil
}

func findOrCreateBatch(tx *gorm.DB, number string) (models.Batch, error) {
	var batch models.Batch
	if number != "" {
		err := tx.Where("batch_number = ?", number).First(&batch).Error
		if err == nil {
			return batch, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return batch, err
		}
	}
	batch = models.Batch{BatchNumber: number}
	if err := tx.Create(&batch).Error; err != nil {
		return batch, err
	}
	return batch, nil
}

func (g *GormLedger) Repack(ctx context.Context, req RepackRequest) (*RepackResult, error) {
	if err := validateRepack(req); err != nil {
		return nil, err
	}

	var result *RepackResult
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := g.now()
		var src models.StockRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&src, req.StockRecordID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("stock record %d", req.StockRecordID)
		}
		if err != nil {
			return err
		}
		var srcBatch models.Batch
		if err := tx.First(&srcBatch, src.BatchID).Error; err != nil {
			return err
		}

		batch, child, err := buildRepack(&src, srcBatch, req, now)
		if err != nil {
			return err
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		child.BatchID = batch.ID
		if err := tx.Omit(clause.Associations).Create(&child).Error; err != nil {
			return err
		}
		if err := saveRecord(tx, &src, now); err != nil {
			return err
		}

		applyID := uuid.NewString()
		movements := []models.MovementLogEntry{
			newMovement(applyID, &src, req.Quantity.Neg(), models.MovementRepackOut, req.Reference, req.Actor, now),
			newMovement(applyID, &child, req.Quantity, models.MovementRepackIn, req.Reference, req.Actor, now),
		}
		if err := tx.Create(&movements).Error; err != nil {
			return err
		}

		src.Batch = srcBatch
		child.Batch = batch
		result = &RepackResult{Source: src, Repacked: child, Batch: batch, Movements: movements}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *GormLedger) Records(ctx context.Context, ids []uint) ([]models.StockRecord, error) {
	records := []models.StockRecord{}
	if len(ids) == 0 {
		return records, nil
	}
	err := g.db.WithContext(ctx).Preload("Batch").Where("id IN ?", uniqueSorted(ids)).Order("id").Find(&records).Error
	return records, err
}

func (g *GormLedger) ActiveReservations(ctx context.Context, documentRefs ...string) ([]models.Reservation, error) {
	res := []models.Reservation{}
	if len(documentRefs) == 0 {
		return res, nil
	}
	err := g.db.WithContext(ctx).
		Where("document_ref IN ? AND status = ?", documentRefs, models.ReservationActive).
		Order("document_ref, seq, id").
		Find(&res).Error
	return res, err
}

func (g *GormLedger) DemandLine(ctx context.Context, documentRef string) (*models.DemandLine, error) {
	var d models.DemandLine
	err := g.db.WithContext(ctx).Where("document_ref = ?", documentRef).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("demand line %q", documentRef)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (g *GormLedger) Stock(ctx context.Context, q AvailabilityQuery) ([]models.StockRecord, error) {
	query := g.db.WithContext(ctx).
		Preload("Batch").
		Where("item_id = ? AND status <> ?", q.ItemID, models.StockDelivered)
	if q.Location != "" {
		query = query.Where("location = ?", q.Location)
	}
	if q.Grade != "" {
		query = query.Where("grade = ?", q.Grade)
	}
	records := []models.StockRecord{}
	err := query.Order("id").Find(&records).Error
	return records, err
}

func (g *GormLedger) Availability(ctx context.Context, q AvailabilityQuery) (*Availability, error) {
	records, err := g.Stock(ctx, q)
	if err != nil {
		return nil, err
	}
	return summarize(records, q), nil
}

func (g *GormLedger) Movements(ctx context.Context, q MovementQuery) ([]models.MovementLogEntry, error) {
	query := g.db.WithContext(ctx).Model(&models.MovementLogEntry{})
	if q.ItemID != "" {
		query = query.Where("item_id = ?", q.ItemID)
	}
	if q.StockRecordID != 0 {
		query = query.Where("stock_record_id = ?", q.StockRecordID)
	}
	if q.DocumentRef != "" {
		query = query.Where("reference_document = ?", q.DocumentRef)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	movements := []models.MovementLogEntry{}
	err := query.Order("id DESC").Find(&movements).Error
	return movements, err
}
