package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"allocation-backend/internal/apperr"
	"allocation-backend/internal/models"

	"github.com/google/uuid"
)

// MemoryLedger keeps the whole ledger in process memory behind one mutex.
// Service tests run against it.
type MemoryLedger struct {
	mu sync.Mutex

	records      map[uint]models.StockRecord
	batches      map[uint]models.Batch
	reservations map[uint]models.Reservation
	demands      map[string]models.DemandLine
	movements    []models.MovementLogEntry

	nextRecord      uint
	nextBatch       uint
	nextReservation uint
	nextDemand      uint
	nextMovement    uint

	now func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:      make(map[uint]models.StockRecord),
		batches:      make(map[uint]models.Batch),
		reservations: make(map[uint]models.Reservation),
		demands:      make(map[string]models.DemandLine),
		now:          time.Now,
	}
}

func (l *MemoryLedger) Snapshot(_ context.Context, q SnapshotQuery) ([]models.StockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []models.StockRecord{}
	for _, r := range l.records {
		if r.Status == models.StockDelivered || !matchesSnapshot(r, q) {
			continue
		}
		r.Batch = l.batches[r.BatchID]
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (l *MemoryLedger) Apply(_ context.Context, req ApplyRequest) (*ApplyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := newMutation(req.Actor, l.now())
	resIDs, recIDs := deltaIDs(req.Deltas)
	for _, id := range uniqueSorted(resIDs) {
		res, ok := l.reservations[id]
		if !ok {
			continue
		}
		m.reservations[id] = &res
		recIDs = append(recIDs, res.StockRecordID)
	}
	for _, id := range uniqueSorted(recIDs) {
		rec, ok := l.records[id]
		if !ok {
			continue
		}
		m.records[id] = &rec
	}

	// m works on copies, so an error here leaves the ledger untouched.
	if err := m.run(req.Deltas); err != nil {
		return nil, err
	}

	for _, id := range m.touched {
		rec := m.records[id]
		rec.RowVersion++
		rec.UpdatedAt = m.now
		l.records[id] = *rec
	}
	for _, id := range m.closed {
		l.reservations[id] = *m.reservations[id]
	}
	for i := range m.created {
		l.nextReservation++
		m.created[i].ID = l.nextReservation
		l.reservations[m.created[i].ID] = m.created[i]
	}
	l.appendMovements(m.movements)
	for _, d := range req.Demands {
		l.upsertDemand(d, m.now)
	}

	return &ApplyResult{ApplyID: m.applyID, Reservations: m.created, Movements: m.movements}, nil
}

func (l *MemoryLedger) AddStock(_ context.Context, req AddStockRequest) (*AddStockResult, error) {
	if err := validateAddStock(req); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	batch := l.findOrCreateBatch(req.BatchNumber, now)

	entered := req.EnteredAt
	if entered.IsZero() {
		entered = now
	}
	l.nextRecord++
	rec := models.StockRecord{
		ID:             l.nextRecord,
		ItemID:         req.ItemID,
		BatchID:        batch.ID,
		Location:       req.Location,
		Grade:          req.Grade,
		SourceID:       req.SourceID,
		Quantity:       req.Quantity,
		EntryTimestamp: entered,
		ExpiryDate:     req.ExpiryDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec.RefreshStatus()
	l.records[rec.ID] = rec

	movements := []models.MovementLogEntry{
		newMovement(uuid.NewString(), &rec, req.Quantity, models.MovementIntake, req.Reference, req.Actor, now),
	}
	l.appendMovements(movements)

	rec.Batch = batch
	return &AddStockResult{Record: rec, Movement: movements[0]}, nil
}

func (l *MemoryLedger) Repack(_ context.Context, req RepackRequest) (*RepackResult, error) {
	if err := validateRepack(req); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.records[req.StockRecordID]
	if !ok {
		return nil, apperr.NotFound("stock record %d", req.StockRecordID)
	}
	now := l.now()
	batch, child, err := buildRepack(&src, l.batches[src.BatchID], req, now)
	if err != nil {
		return nil, err
	}

	l.nextBatch++
	batch.ID = l.nextBatch
	batch.BatchNumber = models.FormatBatchNumber(batch.ID)
	batch.CreatedAt = now
	l.batches[batch.ID] = batch

	l.nextRecord++
	child.ID = l.nextRecord
	child.BatchID = batch.ID
	child.CreatedAt = now
	child.UpdatedAt = now
	l.records[child.ID] = child

	src.RowVersion++
	src.UpdatedAt = now
	l.records[src.ID] = src

	applyID := uuid.NewString()
	movements := []models.MovementLogEntry{
		newMovement(applyID, &src, req.Quantity.Neg(), models.MovementRepackOut, req.Reference, req.Actor, now),
		newMovement(applyID, &child, req.Quantity, models.MovementRepackIn, req.Reference, req.Actor, now),
	}
	l.appendMovements(movements)

	src.Batch = l.batches[src.BatchID]
	child.Batch = batch
	return &RepackResult{Source: src, Repacked: child, Batch: batch, Movements: movements}, nil
}

func (l *MemoryLedger) Records(_ context.Context, ids []uint) ([]models.StockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []models.StockRecord{}
	for _, id := range uniqueSorted(ids) {
		r, ok := l.records[id]
		if !ok {
			continue
		}
		r.Batch = l.batches[r.BatchID]
		out = append(out, r)
	}
	return out, nil
}

func (l *MemoryLedger) ActiveReservations(_ context.Context, documentRefs ...string) ([]models.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	refs := make(map[string]struct{}, len(documentRefs))
	for _, r := range documentRefs {
		refs[r] = struct{}{}
	}
	out := []models.Reservation{}
	for _, res := range l.reservations {
		if res.Status != models.ReservationActive {
			continue
		}
		if _, ok := refs[res.DocumentRef]; !ok {
			continue
		}
		out = append(out, res)
	}
	sortReservations(out)
	return out, nil
}

func (l *MemoryLedger) DemandLine(_ context.Context, documentRef string) (*models.DemandLine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.demands[documentRef]
	if !ok {
		return nil, apperr.NotFound("demand line %q", documentRef)
	}
	return &d, nil
}

func (l *MemoryLedger) Stock(_ context.Context, q AvailabilityQuery) ([]models.StockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []models.StockRecord{}
	for _, r := range l.records {
		if r.ItemID != q.ItemID || r.Status == models.StockDelivered {
			continue
		}
		if (q.Location != "" && r.Location != q.Location) || (q.Grade != "" && r.Grade != q.Grade) {
			continue
		}
		r.Batch = l.batches[r.BatchID]
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (l *MemoryLedger) Availability(ctx context.Context, q AvailabilityQuery) (*Availability, error) {
	records, err := l.Stock(ctx, q)
	if err != nil {
		return nil, err
	}
	return summarize(records, q), nil
}

func (l *MemoryLedger) Movements(_ context.Context, q MovementQuery) ([]models.MovementLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []models.MovementLogEntry{}
	for i := len(l.movements) - 1; i >= 0; i-- {
		mv := l.movements[i]
		if q.ItemID != "" && mv.ItemID != q.ItemID {
			continue
		}
		if q.StockRecordID != 0 && mv.StockRecordID != q.StockRecordID {
			continue
		}
		if q.DocumentRef != "" && mv.ReferenceDocument != q.DocumentRef {
			continue
		}
		out = append(out, mv)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) findOrCreateBatch(number string, now time.Time) models.Batch {
	if number != "" {
		for _, b := range l.batches {
			if b.BatchNumber == number {
				return b
			}
		}
	}
	l.nextBatch++
	b := models.Batch{ID: l.nextBatch, BatchNumber: number, CreatedAt: now}
	if b.BatchNumber == "" {
		b.BatchNumber = models.FormatBatchNumber(b.ID)
	}
	l.batches[b.ID] = b
	return b
}

func (l *MemoryLedger) appendMovements(movements []models.MovementLogEntry) {
	for i := range movements {
		l.nextMovement++
		movements[i].ID = l.nextMovement
		l.movements = append(l.movements, movements[i])
	}
}

func (l *MemoryLedger) upsertDemand(d models.DemandLine, now time.Time) {
	if prev, ok := l.demands[d.DocumentRef]; ok {
		d.ID = prev.ID
		d.CreatedAt = prev.CreatedAt
	} else {
		l.nextDemand++
		d.ID = l.nextDemand
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	l.demands[d.DocumentRef] = d
}

func sortRecords(records []models.StockRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

func sortReservations(res []models.Reservation) {
	sort.Slice(res, func(i, j int) bool {
		if res[i].DocumentRef != res[j].DocumentRef {
			return res[i].DocumentRef < res[j].DocumentRef
		}
		if res[i].Seq != res[j].Seq {
			return res[i].Seq < res[j].Seq
		}
		return res[i].ID < res[j].ID
	})
}
