package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"allocation-backend/internal/allocator"
	"allocation-backend/internal/apperr"
	"allocation-backend/internal/models"

	"github.com/shopspring/decimal"
)

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// testLedger runs the behaviour every Ledger implementation shares.
func testLedger(t *testing.T, open func(t *testing.T) Ledger) {
	tests := []struct {
		name string
		fn   func(t *testing.T, l Ledger)
	}{
		{"AddStockAndSnapshot", testAddStockAndSnapshot},
		{"SnapshotFilters", testSnapshotFilters},
		{"ReserveReleaseDebit", testReserveReleaseDebit},
		{"ApplyIsAtomic", testApplyIsAtomic},
		{"ReleaseTwiceConflicts", testReleaseTwiceConflicts},
		{"DemandUpsert", testDemandUpsert},
		{"Repack", testRepack},
		{"RepackLineageCap", testRepackLineageCap},
		{"RepackInsufficient", testRepackInsufficient},
		{"Availability", testAvailability},
		{"Movements", testMovements},
		{"Validation", testValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func addStock(t *testing.T, l Ledger, req AddStockRequest) *models.StockRecord {
	t.Helper()
	if req.Location == "" {
		req.Location = "WH-1"
	}
	if req.Actor == "" {
		req.Actor = "intake"
	}
	res, err := l.AddStock(context.Background(), req)
	if err != nil {
		t.Fatalf("AddStock: %v", err)
	}
	if res.Movement.Reason != models.MovementIntake || res.Movement.StockRecordID != res.Record.ID {
		t.Fatalf("Expected the intake movement of record %d, got %+v", res.Record.ID, res.Movement)
	}
	return &res.Record
}

func record(t *testing.T, l Ledger, id uint) models.StockRecord {
	t.Helper()
	recs, err := l.Records(context.Background(), []uint{id})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Records(%d): %v (%d rows)", id, err, len(recs))
	}
	return recs[0]
}

func reserve(t *testing.T, l Ledger, ref string, rec *models.StockRecord, q int64) *ApplyResult {
	t.Helper()
	res, err := l.Apply(context.Background(), ApplyRequest{
		Actor:  "tester",
		Deltas: []Delta{ReserveDelta(ref, allocator.Line{StockRecordID: rec.ID, BatchID: rec.BatchID, Quantity: qty(q)})},
	})
	if err != nil {
		t.Fatalf("reserve %s: %v", ref, err)
	}
	return res
}

func testAddStockAndSnapshot(t *testing.T, l Ledger) {
	ctx := context.Background()
	rec := addStock(t, l, AddStockRequest{ItemID: "TOMATO", Quantity: qty(10), Grade: "A"})
	if rec.Batch.BatchNumber == "" {
		t.Error("Expected a generated batch number")
	}
	if rec.Status != models.StockAvailable {
		t.Errorf("Expected available, got %s", rec.Status)
	}

	again := addStock(t, l, AddStockRequest{ItemID: "TOMATO", Quantity: qty(3), BatchNumber: rec.Batch.BatchNumber})
	if again.BatchID != rec.BatchID {
		t.Errorf("Expected batch %d to be reused, got %d", rec.BatchID, again.BatchID)
	}

	snap, err := l.Snapshot(ctx, SnapshotQuery{ItemID: "TOMATO"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 2 || snap[0].ID != rec.ID || snap[1].ID != again.ID {
		t.Fatalf("Expected records [%d %d], got %+v", rec.ID, again.ID, snap)
	}
	if snap[0].Batch.ID != rec.BatchID {
		t.Error("Expected snapshot to carry the batch")
	}
}

func testSnapshotFilters(t *testing.T, l Ledger) {
	ctx := context.Background()
	a := addStock(t, l, AddStockRequest{ItemID: "PEPPER", Quantity: qty(4), Grade: "A", SourceID: "FARM-A"})
	b := addStock(t, l, AddStockRequest{ItemID: "PEPPER", Quantity: qty(4), Grade: "B", SourceID: "FARM-B", Location: "WH-2"})
	full := addStock(t, l, AddStockRequest{ItemID: "PEPPER", Quantity: qty(2), Grade: "A"})
	addStock(t, l, AddStockRequest{ItemID: "ONION", Quantity: qty(9)})
	reserve(t, l, "SO-1", full, 2)

	tests := []struct {
		name string
		q    SnapshotQuery
		want []uint
	}{
		{"all_available", SnapshotQuery{ItemID: "PEPPER"}, []uint{a.ID, b.ID}},
		{"grade", SnapshotQuery{ItemID: "PEPPER", Grade: "B"}, []uint{b.ID}},
		{"location", SnapshotQuery{ItemID: "PEPPER", Location: "WH-2"}, []uint{b.ID}},
		{"excluded", SnapshotQuery{ItemID: "PEPPER", ExcludedSources: []string{"FARM-A"}}, []uint{b.ID}},
		{"batches", SnapshotQuery{ItemID: "PEPPER", BatchIDs: []uint{a.BatchID}}, []uint{a.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := l.Snapshot(ctx, tt.q)
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			var got []uint
			for _, r := range snap {
				got = append(got, r.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func testReserveReleaseDebit(t *testing.T, l Ledger) {
	ctx := context.Background()
	rec := addStock(t, l, AddStockRequest{ItemID: "APPLE", Quantity: qty(10)})

	res := reserve(t, l, "SO-10", rec, 6)
	if len(res.Reservations) != 1 || res.Reservations[0].ID == 0 {
		t.Fatalf("Expected one persisted reservation, got %+v", res.Reservations)
	}
	got := record(t, l, rec.ID)
	if !got.AvailableQuantity().Equal(qty(4)) || !got.Quantity.Equal(qty(10)) {
		t.Fatalf("Expected on-hand 10 / available 4, got %s / %s", got.Quantity, got.AvailableQuantity())
	}

	active, _ := l.ActiveReservations(ctx, "SO-10")
	if len(active) != 1 {
		t.Fatalf("Expected 1 active reservation, got %d", len(active))
	}
	if _, err := l.Apply(ctx, ApplyRequest{Actor: "tester", Deltas: []Delta{ReleaseDelta(active[0])}}); err != nil {
		t.Fatalf("release: %v", err)
	}
	got = record(t, l, rec.ID)
	if !got.AvailableQuantity().Equal(qty(10)) {
		t.Fatalf("Expected all 10 available after release, got %s", got.AvailableQuantity())
	}

	reserve(t, l, "SO-11", rec, 10)
	if got = record(t, l, rec.ID); got.Status != models.StockAllocated {
		t.Errorf("Expected allocated status when fully held, got %s", got.Status)
	}
	active, _ = l.ActiveReservations(ctx, "SO-11")
	if _, err := l.Apply(ctx, ApplyRequest{Actor: "tester", Deltas: []Delta{DebitDelta(active[0])}}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	got = record(t, l, rec.ID)
	if !got.Quantity.IsZero() || got.Status != models.StockDelivered {
		t.Errorf("Expected delivered record with zero quantity, got %s %s", got.Quantity, got.Status)
	}
	if snap, _ := l.Snapshot(ctx, SnapshotQuery{ItemID: "APPLE"}); len(snap) != 0 {
		t.Errorf("Expected delivered record to leave the snapshot, got %d", len(snap))
	}
}

func testApplyIsAtomic(t *testing.T, l Ledger) {
	ctx := context.Background()
	a := addStock(t, l, AddStockRequest{ItemID: "PEAR", Quantity: qty(5)})
	b := addStock(t, l, AddStockRequest{ItemID: "PEAR", Quantity: qty(1)})
	before, _ := l.Movements(ctx, MovementQuery{ItemID: "PEAR"})

	_, err := l.Apply(ctx, ApplyRequest{
		Actor: "tester",
		Deltas: []Delta{
			ReserveDelta("SO-20", allocator.Line{StockRecordID: a.ID, Quantity: qty(5)}),
			ReserveDelta("SO-20", allocator.Line{StockRecordID: b.ID, Quantity: qty(2)}),
		},
		Demands: []models.DemandLine{{DocumentRef: "SO-20", ItemID: "PEAR", RequestedQuantity: qty(7), Status: models.DemandOpen}},
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	if got := record(t, l, a.ID); !got.AllocatedQuantity.IsZero() {
		t.Errorf("Expected record %d untouched, allocated %s", a.ID, got.AllocatedQuantity)
	}
	if active, _ := l.ActiveReservations(ctx, "SO-20"); len(active) != 0 {
		t.Errorf("Expected no reservations, got %d", len(active))
	}
	if _, err := l.DemandLine(ctx, "SO-20"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected demand line not persisted, got %v", err)
	}
	after, _ := l.Movements(ctx, MovementQuery{ItemID: "PEAR"})
	if len(after) != len(before) {
		t.Errorf("Expected no new movements, got %d -> %d", len(before), len(after))
	}
}

func testReleaseTwiceConflicts(t *testing.T, l Ledger) {
	ctx := context.Background()
	rec := addStock(t, l, AddStockRequest{ItemID: "PLUM", Quantity: qty(3)})
	res := reserve(t, l, "SO-30", rec, 3)

	release := ApplyRequest{Actor: "tester", Deltas: []Delta{ReleaseDelta(res.Reservations[0])}}
	if _, err := l.Apply(ctx, release); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := l.Apply(ctx, release); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Expected ErrConflict on closed reservation, got %v", err)
	}
	if got := record(t, l, rec.ID); !got.AllocatedQuantity.IsZero() {
		t.Errorf("Expected allocated 0, got %s", got.AllocatedQuantity)
	}
}

func testDemandUpsert(t *testing.T, l Ledger) {
	ctx := context.Background()
	line := models.DemandLine{
		DocumentRef:       "SO-40",
		ItemID:            "KIWI",
		RequestedQuantity: qty(5),
		FulfilledQuantity: qty(2),
		ExcludedSources:   []string{"FARM-X"},
		Status:            models.DemandOpen,
	}
	if _, err := l.Apply(ctx, ApplyRequest{Demands: []models.DemandLine{line}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	line.FulfilledQuantity = qty(5)
	line.Status = models.DemandConfirmed
	if _, err := l.Apply(ctx, ApplyRequest{Demands: []models.DemandLine{line}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := l.DemandLine(ctx, "SO-40")
	if err != nil {
		t.Fatalf("DemandLine: %v", err)
	}
	if !got.FulfilledQuantity.Equal(qty(5)) || got.Status != models.DemandConfirmed {
		t.Errorf("Expected updated line, got %s %s", got.FulfilledQuantity, got.Status)
	}
	if len(got.ExcludedSources) != 1 || got.ExcludedSources[0] != "FARM-X" {
		t.Errorf("Expected excluded sources to round trip, got %v", got.ExcludedSources)
	}
}

func testRepack(t *testing.T, l Ledger) {
	ctx := context.Background()
	src := addStock(t, l, AddStockRequest{ItemID: "MANGO", Quantity: qty(10)})
	reserve(t, l, "SO-50", src, 4)

	res, err := l.Repack(ctx, RepackRequest{StockRecordID: src.ID, Quantity: qty(3), Actor: "packer", Reference: "RP-1"})
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if !res.Batch.IsRepacked || res.Batch.ParentBatchID == nil || *res.Batch.ParentBatchID != src.BatchID {
		t.Errorf("Expected repacked child of batch %d, got %+v", src.BatchID, res.Batch)
	}
	if res.Batch.BatchNumber == "" {
		t.Error("Expected a batch number on the repacked batch")
	}

	gotSrc := record(t, l, src.ID)
	gotChild := record(t, l, res.Repacked.ID)
	if !gotSrc.Quantity.Equal(qty(7)) || !gotChild.Quantity.Equal(qty(3)) {
		t.Errorf("Expected 7 + 3, got %s + %s", gotSrc.Quantity, gotChild.Quantity)
	}
	if !gotSrc.AllocatedQuantity.Equal(qty(4)) {
		t.Errorf("Expected the existing hold to stay, got %s", gotSrc.AllocatedQuantity)
	}
	if !gotChild.Batch.IsRepacked {
		t.Error("Expected child record to reference the repacked batch")
	}

	if len(res.Movements) != 2 || res.Movements[0].ApplyID != res.Movements[1].ApplyID {
		t.Fatalf("Expected two movements sharing an apply id, got %+v", res.Movements)
	}
	sum := res.Movements[0].DeltaQuantity.Add(res.Movements[1].DeltaQuantity)
	if !sum.IsZero() {
		t.Errorf("Expected repack to conserve quantity, deltas sum to %s", sum)
	}
}

func testRepackLineageCap(t *testing.T, l Ledger) {
	ctx := context.Background()
	src := addStock(t, l, AddStockRequest{ItemID: "LIME", Quantity: qty(10)})
	first, err := l.Repack(ctx, RepackRequest{StockRecordID: src.ID, Quantity: qty(5)})
	if err != nil {
		t.Fatalf("first repack: %v", err)
	}
	before, _ := l.Movements(ctx, MovementQuery{ItemID: "LIME"})

	_, err = l.Repack(ctx, RepackRequest{StockRecordID: first.Repacked.ID, Quantity: qty(1)})
	if !errors.Is(err, apperr.ErrInvalidLineage) {
		t.Fatalf("Expected ErrInvalidLineage, got %v", err)
	}
	if got := record(t, l, first.Repacked.ID); !got.Quantity.Equal(qty(5)) {
		t.Errorf("Expected repacked record untouched at 5, got %s", got.Quantity)
	}
	after, _ := l.Movements(ctx, MovementQuery{ItemID: "LIME"})
	if len(after) != len(before) {
		t.Errorf("Expected no movements from a rejected repack")
	}
}

func testRepackInsufficient(t *testing.T, l Ledger) {
	src := addStock(t, l, AddStockRequest{ItemID: "FIG", Quantity: qty(4)})
	reserve(t, l, "SO-60", src, 3)

	_, err := l.Repack(context.Background(), RepackRequest{StockRecordID: src.ID, Quantity: qty(2)})
	var insufficient *apperr.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientStockError, got %v", err)
	}
	if !insufficient.Available.Equal(qty(1)) {
		t.Errorf("Expected 1 available, got %s", insufficient.Available)
	}
}

func testAvailability(t *testing.T, l Ledger) {
	a := addStock(t, l, AddStockRequest{ItemID: "BEET", Quantity: qty(10), Location: "WH-1"})
	addStock(t, l, AddStockRequest{ItemID: "BEET", Quantity: qty(5), Location: "WH-2", Grade: "B"})
	reserve(t, l, "SO-70", a, 4)

	av, err := l.Availability(context.Background(), AvailabilityQuery{ItemID: "BEET"})
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if !av.OnHand.Equal(qty(15)) || !av.Allocated.Equal(qty(4)) || !av.NetAvailable.Equal(qty(11)) {
		t.Errorf("Expected 15/4/11, got %s/%s/%s", av.OnHand, av.Allocated, av.NetAvailable)
	}
	if len(av.Locations) != 2 || av.Locations[0].Location != "WH-1" || !av.Locations[0].NetAvailable.Equal(qty(6)) {
		t.Errorf("unexpected per-location breakdown: %+v", av.Locations)
	}

	graded, _ := l.Availability(context.Background(), AvailabilityQuery{ItemID: "BEET", Grade: "B"})
	if !graded.NetAvailable.Equal(qty(5)) {
		t.Errorf("Expected grade B net 5, got %s", graded.NetAvailable)
	}
}

func testMovements(t *testing.T, l Ledger) {
	ctx := context.Background()
	rec := addStock(t, l, AddStockRequest{ItemID: "CORN", Quantity: qty(8), Reference: "GR-1"})
	res := reserve(t, l, "SO-80", rec, 5)
	if len(res.Movements) != 1 || res.Movements[0].Actor != "tester" || res.Movements[0].ApplyID != res.ApplyID {
		t.Fatalf("unexpected apply movements: %+v", res.Movements)
	}

	all, err := l.Movements(ctx, MovementQuery{ItemID: "CORN"})
	if err != nil {
		t.Fatalf("Movements: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected intake + reserve, got %d", len(all))
	}
	if all[0].Reason != models.MovementReserve || !all[0].DeltaQuantity.Equal(qty(-5)) {
		t.Errorf("Expected newest first reserve -5, got %s %s", all[0].Reason, all[0].DeltaQuantity)
	}
	if all[1].Reason != models.MovementIntake || all[1].ReferenceDocument != "GR-1" {
		t.Errorf("Expected intake GR-1, got %s %s", all[1].Reason, all[1].ReferenceDocument)
	}

	byDoc, _ := l.Movements(ctx, MovementQuery{DocumentRef: "SO-80"})
	if len(byDoc) != 1 {
		t.Errorf("Expected 1 movement for SO-80, got %d", len(byDoc))
	}
	limited, _ := l.Movements(ctx, MovementQuery{ItemID: "CORN", Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Expected limit 1, got %d", len(limited))
	}
}

func testValidation(t *testing.T, l Ledger) {
	ctx := context.Background()
	bad := []AddStockRequest{
		{Location: "WH-1", Quantity: qty(1)},
		{ItemID: "X", Quantity: qty(1)},
		{ItemID: "X", Location: "WH-1", Quantity: qty(0)},
	}
	for i, req := range bad {
		if _, err := l.AddStock(ctx, req); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	if _, err := l.Repack(ctx, RepackRequest{StockRecordID: 999, Quantity: qty(1)}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown record, got %v", err)
	}
}

// testConcurrentLastUnits races n reservers for one record holding 3 units.
func testConcurrentLastUnits(t *testing.T, l Ledger, n int) {
	rec := addStock(t, l, AddStockRequest{ItemID: "LAST", Quantity: qty(3)})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Apply(context.Background(), ApplyRequest{
				Actor:  "racer",
				Deltas: []Delta{ReserveDelta("SO-RACE-"+string(rune('A'+i)), allocator.Line{StockRecordID: rec.ID, Quantity: qty(3)})},
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("Expected ErrConflict for losers, got %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("Expected exactly one winner, got %d", successes)
	}
	got := record(t, l, rec.ID)
	if !got.AllocatedQuantity.Equal(qty(3)) || !got.Valid() {
		t.Errorf("Expected allocated 3 within bounds, got %s of %s", got.AllocatedQuantity, got.Quantity)
	}
}

var epoch = time.Date(2024, 7, 10, 9, 0, 0, 0, time.UTC)
