package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"allocation-backend/internal/apperr"
	"allocation-backend/internal/ledger"
	"allocation-backend/internal/models"

	"github.com/shopspring/decimal"
)

var now = time.Date(2024, 7, 10, 9, 0, 0, 0, time.UTC)

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type recordingPublisher struct {
	mu        sync.Mutex
	movements []models.MovementLogEntry
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, m []models.MovementLogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.movements = append(p.movements, m...)
	return p.err
}

// conflictLedger fails the first n Apply calls with ErrConflict.
type conflictLedger struct {
	ledger.Ledger
	mu       sync.Mutex
	failures int
	applies  int
}

func (l *conflictLedger) Apply(ctx context.Context, req ledger.ApplyRequest) (*ledger.ApplyResult, error) {
	l.mu.Lock()
	l.applies++
	fail := l.applies <= l.failures
	l.mu.Unlock()
	if fail {
		return nil, apperr.ErrConflict
	}
	return l.Ledger.Apply(ctx, req)
}

func newTestService(t *testing.T) (*Service, *ledger.MemoryLedger, *recordingPublisher) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	pub := &recordingPublisher{}
	svc := NewService(l, Options{Publisher: pub, Clock: func() time.Time { return now }})
	return svc, l, pub
}

func intake(t *testing.T, l ledger.Ledger, item string, q int64, entered time.Time, expiry *time.Time) *models.StockRecord {
	t.Helper()
	res, err := l.AddStock(context.Background(), ledger.AddStockRequest{
		ItemID: item, Location: "WH-1", Quantity: qty(q), EnteredAt: entered, ExpiryDate: expiry, Actor: "intake",
	})
	if err != nil {
		t.Fatalf("AddStock: %v", err)
	}
	return &res.Record
}

func availability(t *testing.T, l ledger.Ledger, item string) *ledger.Availability {
	t.Helper()
	av, err := l.Availability(context.Background(), ledger.AvailabilityQuery{ItemID: item})
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	return av
}

func TestReserve_PriorityOrdering(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()

	tomorrow := now.Add(24 * time.Hour)
	expiring := intake(t, l, "TOMATO", 2, now.Add(-24*time.Hour), &tomorrow)
	damaged := intake(t, l, "TOMATO", 5, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), nil)
	old := intake(t, l, "TOMATO", 10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	fresh := intake(t, l, "TOMATO", 10, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), nil)

	repack, err := l.Repack(ctx, ledger.RepackRequest{StockRecordID: damaged.ID, Quantity: qty(5), Actor: "packer"})
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}

	res, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-1", ItemID: "TOMATO", Quantity: qty(12), Actor: "ayse"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	want := []struct {
		id  uint
		qty int64
	}{{expiring.ID, 2}, {repack.Repacked.ID, 5}, {old.ID, 5}}
	if len(res.Lines) != len(want) {
		t.Fatalf("Expected %d lines, got %+v", len(want), res.Lines)
	}
	for i, w := range want {
		if res.Lines[i].StockRecordID != w.id || !res.Lines[i].Quantity.Equal(qty(w.qty)) {
			t.Errorf("line %d: expected %d x %d, got %d x %s", i, w.id, w.qty, res.Lines[i].StockRecordID, res.Lines[i].Quantity)
		}
	}

	recs, _ := l.Records(ctx, []uint{old.ID, fresh.ID})
	if !recs[0].AvailableQuantity().Equal(qty(5)) || !recs[1].AvailableQuantity().Equal(qty(10)) {
		t.Errorf("Expected old 5 and fresh 10 left, got %s and %s", recs[0].AvailableQuantity(), recs[1].AvailableQuantity())
	}

	line, err := l.DemandLine(ctx, "SO-1")
	if err != nil {
		t.Fatalf("DemandLine: %v", err)
	}
	if !line.FulfilledQuantity.Equal(qty(12)) || line.Status != models.DemandOpen {
		t.Errorf("Expected open line fulfilled 12, got %s %s", line.FulfilledQuantity, line.Status)
	}
}

func TestReserve_Shortfall(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "ONION", 4, now.Add(-time.Hour), nil)

	_, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-2", ItemID: "ONION", Quantity: qty(6)})
	var insufficient *apperr.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientStockError, got %v", err)
	}
	if !insufficient.Shortfall().Equal(qty(2)) {
		t.Errorf("Expected shortfall 2, got %s", insufficient.Shortfall())
	}
	if av := availability(t, l, "ONION"); !av.Allocated.IsZero() {
		t.Errorf("Expected nothing held after a rejected reserve, got %s", av.Allocated)
	}

	res, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-2", ItemID: "ONION", Quantity: qty(6), AllowPartial: true})
	if err != nil {
		t.Fatalf("partial Reserve: %v", err)
	}
	if !res.Fulfilled.Equal(qty(4)) || !res.Shortfall.Equal(qty(2)) {
		t.Errorf("Expected 4 fulfilled + 2 shortfall, got %s + %s", res.Fulfilled, res.Shortfall)
	}
}

func TestReserve_RepeatedCallsReplaceHold(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "PEAR", 10, now.Add(-time.Hour), nil)

	for _, q := range []int64{5, 5, 8, 3} {
		if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-3", ItemID: "PEAR", Quantity: qty(q)}); err != nil {
			t.Fatalf("Reserve %d: %v", q, err)
		}
		if av := availability(t, l, "PEAR"); !av.Allocated.Equal(qty(q)) {
			t.Fatalf("after reserving %d expected %d held, got %s", q, q, av.Allocated)
		}
	}
	held, _ := l.ActiveReservations(ctx, "SO-3")
	if len(held) != 1 || !held[0].Quantity.Equal(qty(3)) {
		t.Errorf("Expected one active reservation of 3, got %+v", held)
	}
}

func TestReserve_FailedReReserveKeepsHold(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "PLUM", 6, now.Add(-time.Hour), nil)

	if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-4", ItemID: "PLUM", Quantity: qty(4)}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-4", ItemID: "PLUM", Quantity: qty(9)})
	if !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}
	if av := availability(t, l, "PLUM"); !av.Allocated.Equal(qty(4)) {
		t.Errorf("Expected the earlier hold of 4 to survive, got %s", av.Allocated)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	svc, l, pub := newTestService(t)
	ctx := context.Background()
	intake(t, l, "FIG", 5, now.Add(-time.Hour), nil)
	if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-5", ItemID: "FIG", Quantity: qty(5)}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	res, err := svc.Release(ctx, "SO-5", "ayse")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !res.Released.Equal(qty(5)) {
		t.Errorf("Expected 5 released, got %s", res.Released)
	}
	published := len(pub.movements)
	movements, _ := l.Movements(ctx, ledger.MovementQuery{ItemID: "FIG"})

	_, err = svc.Release(ctx, "SO-5", "ayse")
	if !errors.Is(err, apperr.ErrNothingAllocated) {
		t.Fatalf("Expected ErrNothingAllocated on second release, got %v", err)
	}
	again, _ := l.Movements(ctx, ledger.MovementQuery{ItemID: "FIG"})
	if len(again) != len(movements) || len(pub.movements) != published {
		t.Error("Expected the second release to leave the ledger untouched")
	}
	if av := availability(t, l, "FIG"); !av.NetAvailable.Equal(qty(5)) {
		t.Errorf("Expected 5 available, got %s", av.NetAvailable)
	}
	line, _ := l.DemandLine(ctx, "SO-5")
	if line.Status != models.DemandReleased || !line.FulfilledQuantity.IsZero() {
		t.Errorf("Expected released line with 0 fulfilled, got %s %s", line.Status, line.FulfilledQuantity)
	}
}

func TestConfirm_Irreversible(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "KIWI", 10, now.Add(-time.Hour), nil)
	if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-6", ItemID: "KIWI", Quantity: qty(7)}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	res, err := svc.Confirm(ctx, "SO-6", "ayse")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !res.Debited.Equal(qty(7)) {
		t.Errorf("Expected 7 debited, got %s", res.Debited)
	}
	av := availability(t, l, "KIWI")
	if !av.OnHand.Equal(qty(3)) || !av.Allocated.IsZero() {
		t.Errorf("Expected on-hand 3, allocated 0, got %s / %s", av.OnHand, av.Allocated)
	}

	if _, err := svc.Release(ctx, "SO-6", "ayse"); !errors.Is(err, apperr.ErrNothingAllocated) {
		t.Errorf("release after confirm: expected ErrNothingAllocated, got %v", err)
	}
	if _, err := svc.Confirm(ctx, "SO-6", "ayse"); !errors.Is(err, apperr.ErrNothingAllocated) {
		t.Errorf("second confirm: expected ErrNothingAllocated, got %v", err)
	}
	if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-6", ItemID: "KIWI", Quantity: qty(1)}); !errors.Is(err, apperr.ErrDocumentClosed) {
		t.Errorf("reserve after confirm: expected ErrDocumentClosed, got %v", err)
	}
	if av := availability(t, l, "KIWI"); !av.OnHand.Equal(qty(3)) {
		t.Errorf("Expected on-hand to stay 3, got %s", av.OnHand)
	}
}

func TestConfirm_NothingAllocated(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Confirm(context.Background(), "SO-404", "ayse"); !errors.Is(err, apperr.ErrNothingAllocated) {
		t.Fatalf("Expected ErrNothingAllocated, got %v", err)
	}
}

func TestConservation(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "BEET", 8, now.Add(-48*time.Hour), nil)
	intake(t, l, "BEET", 12, now.Add(-24*time.Hour), nil)
	const total = 20

	debited := decimal.Zero
	steps := []func() error{
		func() error { _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "A", ItemID: "BEET", Quantity: qty(9)}); return err },
		func() error { _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "B", ItemID: "BEET", Quantity: qty(6)}); return err },
		func() error { _, err := svc.Release(ctx, "A", "t"); return err },
		func() error {
			r, err := svc.Confirm(ctx, "B", "t")
			if err == nil {
				debited = debited.Add(r.Debited)
			}
			return err
		},
		func() error {
			_, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "C", ItemID: "BEET", Quantity: qty(20), AllowPartial: true})
			return err
		},
		func() error { _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "C", ItemID: "BEET", Quantity: qty(4)}); return err },
		func() error {
			r, err := svc.Confirm(ctx, "C", "t")
			if err == nil {
				debited = debited.Add(r.Debited)
			}
			return err
		},
	}

	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		av := availability(t, l, "BEET")
		if got := av.OnHand.Add(debited); !got.Equal(qty(total)) {
			t.Fatalf("step %d: on-hand %s + debited %s != %d", i, av.OnHand, debited, total)
		}
		if av.NetAvailable.IsNegative() || av.Allocated.GreaterThan(av.OnHand) {
			t.Fatalf("step %d: invalid totals %+v", i, av)
		}
	}
	if !debited.Equal(qty(10)) {
		t.Errorf("Expected 10 debited, got %s", debited)
	}
}

func TestReserve_ConcurrentLastUnits(t *testing.T) {
	svc, l, _ := newTestService(t)
	intake(t, l, "LAST", 3, now.Add(-time.Hour), nil)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, ref := range []string{"SO-A", "SO-B"} {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(context.Background(), ReserveRequest{DocumentRef: ref, ItemID: "LAST", Quantity: qty(3)})
		}(i, ref)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrInsufficientStock):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("Expected one winner and one InsufficientStock, got %d / %d", ok, insufficient)
	}
	if av := availability(t, l, "LAST"); !av.Allocated.Equal(qty(3)) {
		t.Errorf("Expected exactly 3 held, got %s", av.Allocated)
	}
}

func TestReserve_RetriesOnce(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   error
		wantCalls int
	}{
		{name: "recovers", failures: 1, wantCalls: 2},
		{name: "surfaces_second_conflict", failures: 2, wantErr: apperr.ErrConflict, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := ledger.NewMemoryLedger()
			intake(t, mem, "LEEK", 5, now.Add(-time.Hour), nil)
			cl := &conflictLedger{Ledger: mem, failures: tt.failures}
			svc := NewService(cl, Options{Clock: func() time.Time { return now }})

			_, err := svc.Reserve(context.Background(), ReserveRequest{DocumentRef: "SO-7", ItemID: "LEEK", Quantity: qty(2)})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Expected success, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if cl.applies != tt.wantCalls {
				t.Errorf("Expected %d apply calls, got %d", tt.wantCalls, cl.applies)
			}
		})
	}
}

func TestReserveMany_PriorityShare(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "CARROT", 20, now.Add(-time.Hour), nil)

	results, err := svc.ReserveMany(ctx, []ReserveRequest{
		{DocumentRef: "SO-302", ItemID: "CARROT", Location: "WH-1", Quantity: qty(10), PriorityKey: 302},
		{DocumentRef: "SO-301", ItemID: "CARROT", Location: "WH-1", Quantity: qty(15), PriorityKey: 301},
	}, "planner")
	if err != nil {
		t.Fatalf("ReserveMany: %v", err)
	}
	if len(results) != 2 || results[0].DocumentRef != "SO-301" {
		t.Fatalf("Expected SO-301 served first, got %+v", results)
	}
	if !results[0].Fulfilled.Equal(qty(15)) || !results[0].Shortfall.IsZero() {
		t.Errorf("SO-301: expected 15 / 0, got %s / %s", results[0].Fulfilled, results[0].Shortfall)
	}
	if !results[1].Fulfilled.Equal(qty(5)) || !results[1].Shortfall.Equal(qty(5)) {
		t.Errorf("SO-302: expected 5 / 5, got %s / %s", results[1].Fulfilled, results[1].Shortfall)
	}

	// re-running keeps the same split
	again, err := svc.ReserveMany(ctx, []ReserveRequest{
		{DocumentRef: "SO-301", ItemID: "CARROT", Location: "WH-1", Quantity: qty(15), PriorityKey: 301},
		{DocumentRef: "SO-302", ItemID: "CARROT", Location: "WH-1", Quantity: qty(10), PriorityKey: 302},
	}, "planner")
	if err != nil {
		t.Fatalf("second ReserveMany: %v", err)
	}
	if !again[1].Fulfilled.Equal(qty(5)) {
		t.Errorf("Expected a stable re-run, got %s for SO-302", again[1].Fulfilled)
	}
	if av := availability(t, l, "CARROT"); !av.Allocated.Equal(qty(20)) {
		t.Errorf("Expected 20 held, got %s", av.Allocated)
	}
}

func TestReserveMany_RejectsMixedItems(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.ReserveMany(context.Background(), []ReserveRequest{
		{DocumentRef: "A", ItemID: "X", Quantity: qty(1)},
		{DocumentRef: "B", ItemID: "Y", Quantity: qty(1)},
	}, "planner")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
}

func TestRecalculate(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "CORN", 3, now.Add(-time.Hour), nil)

	if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-8", ItemID: "CORN", Quantity: qty(5), AllowPartial: true}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	intake(t, l, "CORN", 4, now.Add(-time.Minute), nil)

	res, err := svc.Recalculate(ctx, "SO-8", "ayse")
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if !res.Fulfilled.Equal(qty(5)) || !res.Shortfall.IsZero() {
		t.Errorf("Expected full 5 after new intake, got %s / %s", res.Fulfilled, res.Shortfall)
	}
	if _, err := svc.Recalculate(ctx, "SO-unknown", "ayse"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPublishing(t *testing.T) {
	svc, l, pub := newTestService(t)
	ctx := context.Background()
	intake(t, l, "OKRA", 5, now.Add(-time.Hour), nil)

	if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-9", ItemID: "OKRA", Quantity: qty(2), Actor: "ayse"}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(pub.movements) != 1 || pub.movements[0].Reason != models.MovementReserve || pub.movements[0].Actor != "ayse" {
		t.Fatalf("Expected one reserve movement by ayse, got %+v", pub.movements)
	}

	pub.err = errors.New("broker down")
	if _, err := svc.Confirm(ctx, "SO-9", "ayse"); err != nil {
		t.Fatalf("Expected confirm to succeed when publishing fails, got %v", err)
	}
}

func TestAvailabilityAndDocument(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	intake(t, l, "BEAN", 10, now.Add(-time.Hour), nil)
	if _, err := svc.Reserve(ctx, ReserveRequest{DocumentRef: "SO-10", ItemID: "BEAN", Quantity: qty(4)}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	av, err := svc.Availability(ctx, AvailabilityRequest{ItemID: "BEAN", Quantity: qty(7)})
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if !av.NetAvailable.Equal(qty(6)) || av.CanFulfil {
		t.Errorf("Expected net 6 and can_fulfil=false, got %s %v", av.NetAvailable, av.CanFulfil)
	}

	doc, err := svc.Document(ctx, "SO-10")
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if doc.Demand == nil || len(doc.Reservations) != 1 {
		t.Errorf("unexpected document: %+v", doc)
	}
	if _, err := svc.Document(ctx, "SO-none"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReserve_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	tests := []ReserveRequest{
		{ItemID: "X", Quantity: qty(1)},
		{DocumentRef: "SO-1", Quantity: qty(1)},
		{DocumentRef: "SO-1", ItemID: "X", Quantity: qty(0)},
		{DocumentRef: "SO-1", ItemID: "X", Quantity: qty(-2)},
	}
	for i, req := range tests {
		if _, err := svc.Reserve(context.Background(), req); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}
