package ledger

import (
	"fmt"
	"sort"
	"time"

	"allocation-backend/internal/apperr"
	"allocation-backend/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// mutation applies deltas to records and reservations already loaded (and
// locked) by the store. Both GormLedger and MemoryLedger run it, so the
// quantity rules live in one place.
type mutation struct {
	applyID string
	actor   string
	now     time.Time

	records      map[uint]*models.StockRecord
	reservations map[uint]*models.Reservation

	touched   []uint // record ids in first-touch order
	closed    []uint // reservation ids closed by this apply
	created   []models.Reservation
	movements []models.MovementLogEntry
	seq       map[string]int
}

func newMutation(actor string, now time.Time) *mutation {
	return &mutation{
		applyID:      uuid.NewString(),
		actor:        actor,
		now:          now,
		records:      make(map[uint]*models.StockRecord),
		reservations: make(map[uint]*models.Reservation),
		seq:          make(map[string]int),
	}
}

var deltaOrder = map[DeltaKind]int{DeltaRelease: 0, DeltaDebit: 1, DeltaReserve: 2}

// sortDeltas puts releases first so a document can re-reserve what it just freed.
func sortDeltas(deltas []Delta) []Delta {
	out := make([]Delta, len(deltas))
	copy(out, deltas)
	sort.SliceStable(out, func(i, j int) bool {
		return deltaOrder[out[i].Kind] < deltaOrder[out[j].Kind]
	})
	return out
}

func (m *mutation) run(deltas []Delta) error {
	for _, d := range sortDeltas(deltas) {
		var err error
		switch d.Kind {
		case DeltaRelease:
			err = m.release(d)
		case DeltaDebit:
			err = m.debit(d)
		case DeltaReserve:
			err = m.reserve(d)
		default:
			err = apperr.Validation("unknown delta kind %q", d.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *mutation) release(d Delta) error {
	res, rec, err := m.activeReservation(d.ReservationID)
	if err != nil {
		return err
	}
	rec.AllocatedQuantity = rec.AllocatedQuantity.Sub(res.Quantity)
	m.close(res, models.ReservationReleased)
	m.log(rec, res.Quantity, models.MovementRelease, res.DocumentRef)
	return m.check(rec)
}

func (m *mutation) debit(d Delta) error {
	res, rec, err := m.activeReservation(d.ReservationID)
	if err != nil {
		return err
	}
	rec.Quantity = rec.Quantity.Sub(res.Quantity)
	rec.AllocatedQuantity = rec.AllocatedQuantity.Sub(res.Quantity)
	m.close(res, models.ReservationDebited)
	m.log(rec, res.Quantity.Neg(), models.MovementDebit, res.DocumentRef)
	return m.check(rec)
}

func (m *mutation) reserve(d Delta) error {
	if !d.Quantity.IsPositive() {
		return apperr.Validation("reserve quantity must be positive, got %s", d.Quantity)
	}
	if d.DocumentRef == "" {
		return apperr.Validation("reserve delta without document reference")
	}
	rec, ok := m.records[d.StockRecordID]
	if !ok {
		return apperr.NotFound("stock record %d", d.StockRecordID)
	}
	if rec.AvailableQuantity().LessThan(d.Quantity) {
		return fmt.Errorf("record %d has %s available, plan needs %s: %w",
			rec.ID, rec.AvailableQuantity(), d.Quantity, apperr.ErrConflict)
	}

	rec.AllocatedQuantity = rec.AllocatedQuantity.Add(d.Quantity)
	m.created = append(m.created, models.Reservation{
		DocumentRef:   d.DocumentRef,
		StockRecordID: rec.ID,
		BatchID:       rec.BatchID,
		ItemID:        rec.ItemID,
		Quantity:      d.Quantity,
		Seq:           m.seq[d.DocumentRef],
		Status:        models.ReservationActive,
		CreatedAt:     m.now,
	})
	m.seq[d.DocumentRef]++
	m.log(rec, d.Quantity.Neg(), models.MovementReserve, d.DocumentRef)
	return m.check(rec)
}

func (m *mutation) activeReservation(id uint) (*models.Reservation, *models.StockRecord, error) {
	res, ok := m.reservations[id]
	if !ok || res.Status != models.ReservationActive {
		return nil, nil, fmt.Errorf("reservation %d is no longer active: %w", id, apperr.ErrConflict)
	}
	rec, ok := m.records[res.StockRecordID]
	if !ok {
		return nil, nil, apperr.NotFound("stock record %d", res.StockRecordID)
	}
	return res, rec, nil
}

func (m *mutation) close(res *models.Reservation, status models.ReservationStatus) {
	closedAt := m.now
	res.Status = status
	res.ClosedAt = &closedAt
	m.closed = append(m.closed, res.ID)
}

func (m *mutation) check(rec *models.StockRecord) error {
	rec.RefreshStatus()
	if !rec.Valid() {
		return fmt.Errorf("record %d would become quantity=%s allocated=%s: %w",
			rec.ID, rec.Quantity, rec.AllocatedQuantity, apperr.ErrConflict)
	}
	for _, id := range m.touched {
		if id == rec.ID {
			return nil
		}
	}
	m.touched = append(m.touched, rec.ID)
	return nil
}

func (m *mutation) log(rec *models.StockRecord, delta decimal.Decimal, reason models.MovementReason, ref string) {
	m.movements = append(m.movements, newMovement(m.applyID, rec, delta, reason, ref, m.actor, m.now))
}

func newMovement(applyID string, rec *models.StockRecord, delta decimal.Decimal, reason models.MovementReason, ref, actor string, at time.Time) models.MovementLogEntry {
	return models.MovementLogEntry{
		ApplyID:           applyID,
		StockRecordID:     rec.ID,
		ItemID:            rec.ItemID,
		BatchID:           rec.BatchID,
		DeltaQuantity:     delta,
		Reason:            reason,
		ReferenceDocument: ref,
		Actor:             actor,
		Timestamp:         at,
	}
}

// deltaIDs lists the reservation and record ids an apply has to load.
func deltaIDs(deltas []Delta) (reservationIDs, recordIDs []uint) {
	for _, d := range deltas {
		switch d.Kind {
		case DeltaRelease, DeltaDebit:
			reservationIDs = append(reservationIDs, d.ReservationID)
		case DeltaReserve:
			recordIDs = append(recordIDs, d.StockRecordID)
		}
	}
	return reservationIDs, recordIDs
}

func uniqueSorted(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func validateAddStock(req AddStockRequest) error {
	switch {
	case req.ItemID == "":
		return apperr.Validation("item_id is required")
	case req.Location == "":
		return apperr.Validation("location is required")
	case !req.Quantity.IsPositive():
		return apperr.Validation("quantity must be positive")
	}
	return nil
}

func validateRepack(req RepackRequest) error {
	if req.StockRecordID == 0 {
		return apperr.Validation("stock_record_id is required")
	}
	if !req.Quantity.IsPositive() {
		return apperr.Validation("quantity must be positive")
	}
	return nil
}

// buildRepack produces the child batch and record for a repack of qty from
// src. Lineage is checked before anything is touched.
func buildRepack(src *models.StockRecord, srcBatch models.Batch, req RepackRequest, now time.Time) (models.Batch, models.StockRecord, error) {
	batch, err := models.NewRepackedBatch(srcBatch)
	if err != nil {
		return models.Batch{}, models.StockRecord{}, err
	}
	if src.AvailableQuantity().LessThan(req.Quantity) {
		return models.Batch{}, models.StockRecord{}, &apperr.InsufficientStockError{
			ItemID:    src.ItemID,
			Requested: req.Quantity,
			Available: src.AvailableQuantity(),
		}
	}

	rec := models.StockRecord{
		ItemID:            src.ItemID,
		Location:          firstNonEmpty(req.Location, src.Location),
		Grade:             firstNonEmpty(req.Grade, src.Grade),
		SourceID:          src.SourceID,
		Quantity:          req.Quantity,
		AllocatedQuantity: decimal.Zero,
		EntryTimestamp:    now,
		ExpiryDate:        req.ExpiryDate,
	}
	if rec.ExpiryDate == nil {
		rec.ExpiryDate = src.ExpiryDate
	}
	rec.RefreshStatus()

	src.Quantity = src.Quantity.Sub(req.Quantity)
	src.RefreshStatus()
	return batch, rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func summarize(records []models.StockRecord, q AvailabilityQuery) *Availability {
	out := &Availability{
		ItemID:       q.ItemID,
		OnHand:       decimal.Zero,
		Allocated:    decimal.Zero,
		NetAvailable: decimal.Zero,
		Locations:    []LocationAvailability{},
	}
	byLocation := make(map[string]*LocationAvailability)
	for _, r := range records {
		if r.ItemID != q.ItemID || r.Status == models.StockDelivered {
			continue
		}
		if q.Location != "" && r.Location != q.Location {
			continue
		}
		if q.Grade != "" && r.Grade != q.Grade {
			continue
		}
		loc, ok := byLocation[r.Location]
		if !ok {
			loc = &LocationAvailability{Location: r.Location, OnHand: decimal.Zero, Allocated: decimal.Zero, NetAvailable: decimal.Zero}
			byLocation[r.Location] = loc
		}
		loc.OnHand = loc.OnHand.Add(r.Quantity)
		loc.Allocated = loc.Allocated.Add(r.AllocatedQuantity)
		loc.NetAvailable = loc.NetAvailable.Add(r.AvailableQuantity())

		out.OnHand = out.OnHand.Add(r.Quantity)
		out.Allocated = out.Allocated.Add(r.AllocatedQuantity)
		out.NetAvailable = out.NetAvailable.Add(r.AvailableQuantity())
	}
	for _, loc := range byLocation {
		out.Locations = append(out.Locations, *loc)
	}
	sort.Slice(out.Locations, func(i, j int) bool { return out.Locations[i].Location < out.Locations[j].Location })
	return out
}

func matchesSnapshot(r models.StockRecord, q SnapshotQuery) bool {
	if r.ItemID != q.ItemID || !r.AvailableQuantity().IsPositive() {
		return false
	}
	if q.Location != "" && r.Location != q.Location {
		return false
	}
	if q.Grade != "" && r.Grade != q.Grade {
		return false
	}
	for _, s := range q.ExcludedSources {
		if s != "" && r.SourceID == s {
			return false
		}
	}
	if len(q.BatchIDs) > 0 {
		found := false
		for _, b := range q.BatchIDs {
			if r.BatchID == b {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
