// Package allocation runs the reserve / release / confirm lifecycle of
// demand documents against the stock ledger.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"allocation-backend/internal/allocator"
	"allocation-backend/internal/apperr"
	"allocation-backend/internal/audit"
	"allocation-backend/internal/ledger"
	"allocation-backend/internal/logger"
	"allocation-backend/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxAttempts: the first try plus one retry on a ledger conflict.
const maxAttempts = 2

type Options struct {
	Publisher    audit.Publisher
	Logger       *logrus.Logger
	Clock        func() time.Time
	ExpiryWindow time.Duration
}

type Service struct {
	ledger    ledger.Ledger
	policy    allocator.Policy
	publisher audit.Publisher
	log       *logrus.Logger
	now       func() time.Time
}

func NewService(l ledger.Ledger, opts Options) *Service {
	s := &Service{
		ledger:    l,
		policy:    allocator.Policy{ExpiryWindow: opts.ExpiryWindow},
		publisher: opts.Publisher,
		log:       opts.Logger,
		now:       opts.Clock,
	}
	if s.publisher == nil {
		s.publisher = audit.NopPublisher{}
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type ReserveRequest struct {
	DocumentRef     string          `json:"document_ref" validate:"required,max=100"`
	ItemID          string          `json:"item_id" validate:"required,max=64"`
	Quantity        decimal.Decimal `json:"quantity"`
	Location        string          `json:"location" validate:"max=64"`
	Grade           string          `json:"grade" validate:"max=20"`
	ExcludedSources []string        `json:"excluded_batch_sources" validate:"dive,max=64"`
	BatchIDs        []uint          `json:"batch_ids"`
	PriorityKey     int64           `json:"customer_priority_key"`
	AllowPartial    bool            `json:"allow_partial"`
	Actor           string          `json:"-"`
}

func (r ReserveRequest) validate() error {
	if r.DocumentRef == "" {
		return apperr.Validation("document_ref is required")
	}
	if r.ItemID == "" {
		return apperr.Validation("item_id is required")
	}
	if !r.Quantity.IsPositive() {
		return apperr.Validation("quantity must be positive")
	}
	return nil
}

func (r ReserveRequest) demand() allocator.Demand {
	return allocator.Demand{
		Key:             r.DocumentRef,
		Quantity:        r.Quantity,
		PriorityKey:     r.PriorityKey,
		Grade:           r.Grade,
		ExcludedSources: r.ExcludedSources,
		Batches:         r.BatchIDs,
	}
}

func (r ReserveRequest) demandLine(fulfilled decimal.Decimal) models.DemandLine {
	return models.DemandLine{
		DocumentRef:       r.DocumentRef,
		ItemID:            r.ItemID,
		Location:          r.Location,
		RequestedQuantity: r.Quantity,
		FulfilledQuantity: fulfilled,
		PriorityKey:       r.PriorityKey,
		GradeConstraint:   r.Grade,
		ExcludedSources:   r.ExcludedSources,
		Status:            models.DemandOpen,
	}
}

type Line struct {
	StockRecordID uint            `json:"stock_record_id"`
	BatchID       uint            `json:"batch_id"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// Result is the allocation plan as applied to the ledger.
type Result struct {
	DocumentRef string          `json:"document_ref"`
	ItemID      string          `json:"item_id"`
	Requested   decimal.Decimal `json:"requested_quantity"`
	Fulfilled   decimal.Decimal `json:"fulfilled_quantity"`
	Shortfall   decimal.Decimal `json:"shortfall"`
	Lines       []Line          `json:"allocation_detail"`
	ApplyID     string          `json:"apply_id,omitempty"`
}

func newResult(req ReserveRequest, plan allocator.Plan, applyID string) Result {
	res := Result{
		DocumentRef: req.DocumentRef,
		ItemID:      req.ItemID,
		Requested:   plan.Requested,
		Fulfilled:   plan.Allocated,
		Shortfall:   plan.Shortfall,
		Lines:       make([]Line, 0, len(plan.Lines)),
		ApplyID:     applyID,
	}
	for _, l := range plan.Lines {
		res.Lines = append(res.Lines, Line{StockRecordID: l.StockRecordID, BatchID: l.BatchID, Quantity: l.Quantity})
	}
	return res
}

// Reserve allocates req.Quantity to the document. Whatever the document
// already holds is released and re-planned in the same apply, so a failed
// re-reserve keeps the previous hold.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.ensureOpen(ctx, req.DocumentRef); err != nil {
		return nil, err
	}

	var result *Result
	err := s.retry(ctx, "Reserve", req.DocumentRef, func() error {
		held, err := s.ledger.ActiveReservations(ctx, req.DocumentRef)
		if err != nil {
			return err
		}
		candidates, err := s.candidates(ctx, req.ItemID, req.Location, held, ledger.SnapshotQuery{
			ItemID:          req.ItemID,
			Location:        req.Location,
			Grade:           req.Grade,
			ExcludedSources: req.ExcludedSources,
			BatchIDs:        req.BatchIDs,
		})
		if err != nil {
			return err
		}

		plan := s.policy.Plan(req.demand(), candidates, s.now())
		if !plan.Fulfilled() && !req.AllowPartial {
			return &apperr.InsufficientStockError{ItemID: req.ItemID, Requested: req.Quantity, Available: plan.Allocated}
		}

		applied, err := s.ledger.Apply(ctx, ledger.ApplyRequest{
			Actor:   req.Actor,
			Deltas:  append(releaseDeltas(held), reserveDeltas(req.DocumentRef, plan)...),
			Demands: []models.DemandLine{req.demandLine(plan.Allocated)},
		})
		if err != nil {
			return err
		}

		r := newResult(req, plan, applied.ApplyID)
		result = &r
		s.publish(ctx, applied.Movements)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Shortfall.IsPositive() {
		s.log.WithFields(logrus.Fields{
			"document_ref": result.DocumentRef,
			"item_id":      result.ItemID,
			"shortfall":    result.Shortfall.String(),
		}).Info("partial allocation")
	}
	return result, nil
}

// ReserveMany serves several documents of one item and location from a
// single shared snapshot, in ascending priority order. Shortfalls are
// reported per document, never as an error.
func (s *Service) ReserveMany(ctx context.Context, reqs []ReserveRequest, actor string) ([]Result, error) {
	if len(reqs) == 0 {
		return []Result{}, nil
	}
	itemID, location := reqs[0].ItemID, reqs[0].Location
	refs := make([]string, 0, len(reqs))
	byRef := make(map[string]ReserveRequest, len(reqs))
	demands := make([]allocator.Demand, 0, len(reqs))
	for _, r := range reqs {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", r.DocumentRef, err)
		}
		if r.ItemID != itemID || r.Location != location {
			return nil, apperr.Validation("bulk reserve mixes %s@%s with %s@%s", itemID, location, r.ItemID, r.Location)
		}
		if _, dup := byRef[r.DocumentRef]; dup {
			return nil, apperr.Validation("document %s appears twice", r.DocumentRef)
		}
		if err := s.ensureOpen(ctx, r.DocumentRef); err != nil {
			return nil, err
		}
		refs = append(refs, r.DocumentRef)
		byRef[r.DocumentRef] = r
		demands = append(demands, r.demand())
	}

	var results []Result
	err := s.retry(ctx, "ReserveMany", itemID, func() error {
		held, err := s.ledger.ActiveReservations(ctx, refs...)
		if err != nil {
			return err
		}
		candidates, err := s.candidates(ctx, itemID, location, held, ledger.SnapshotQuery{ItemID: itemID, Location: location})
		if err != nil {
			return err
		}

		plans := s.policy.PlanAll(demands, candidates, s.now())
		deltas := releaseDeltas(held)
		lines := make([]models.DemandLine, 0, len(plans))
		for _, p := range plans {
			deltas = append(deltas, reserveDeltas(p.Key, p)...)
			lines = append(lines, byRef[p.Key].demandLine(p.Allocated))
		}

		applied, err := s.ledger.Apply(ctx, ledger.ApplyRequest{Actor: actor, Deltas: deltas, Demands: lines})
		if err != nil {
			return err
		}

		results = make([]Result, 0, len(plans))
		for _, p := range plans {
			results = append(results, newResult(byRef[p.Key], p, applied.ApplyID))
		}
		s.publish(ctx, applied.Movements)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

type ReleaseResult struct {
	DocumentRef string          `json:"document_ref"`
	Released    decimal.Decimal `json:"released_quantity"`
	Lines       []Line          `json:"released_detail"`
	ApplyID     string          `json:"apply_id"`
}

// Release frees everything the document holds. A document holding nothing
// yields ErrNothingAllocated and leaves the ledger untouched.
func (s *Service) Release(ctx context.Context, documentRef, actor string) (*ReleaseResult, error) {
	if documentRef == "" {
		return nil, apperr.Validation("document_ref is required")
	}

	var result *ReleaseResult
	err := s.retry(ctx, "Release", documentRef, func() error {
		held, err := s.ledger.ActiveReservations(ctx, documentRef)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return fmt.Errorf("%s: %w", documentRef, apperr.ErrNothingAllocated)
		}

		req := ledger.ApplyRequest{Actor: actor, Deltas: releaseDeltas(held)}
		if line, err := s.demandLine(ctx, documentRef); err != nil {
			return err
		} else if line != nil {
			line.FulfilledQuantity = decimal.Zero
			line.Status = models.DemandReleased
			req.Demands = []models.DemandLine{*line}
		}

		applied, err := s.ledger.Apply(ctx, req)
		if err != nil {
			return err
		}
		result = &ReleaseResult{DocumentRef: documentRef, ApplyID: applied.ApplyID}
		result.Released, result.Lines = sumReservations(held)
		s.publish(ctx, applied.Movements)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type ConfirmResult struct {
	DocumentRef string          `json:"document_ref"`
	Debited     decimal.Decimal `json:"debited_quantity"`
	Lines       []Line          `json:"debited_detail"`
	ApplyID     string          `json:"apply_id"`
}

// Confirm debits every active reservation of the document. This cannot be
// undone; a mistaken debit is corrected with new intake.
func (s *Service) Confirm(ctx context.Context, documentRef, actor string) (*ConfirmResult, error) {
	if documentRef == "" {
		return nil, apperr.Validation("document_ref is required")
	}

	var result *ConfirmResult
	err := s.retry(ctx, "Confirm", documentRef, func() error {
		held, err := s.ledger.ActiveReservations(ctx, documentRef)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return fmt.Errorf("%s: %w", documentRef, apperr.ErrNothingAllocated)
		}

		deltas := make([]ledger.Delta, 0, len(held))
		for _, r := range held {
			deltas = append(deltas, ledger.DebitDelta(r))
		}
		debited, lines := sumReservations(held)

		req := ledger.ApplyRequest{Actor: actor, Deltas: deltas}
		if line, err := s.demandLine(ctx, documentRef); err != nil {
			return err
		} else if line != nil {
			line.FulfilledQuantity = debited
			line.Status = models.DemandConfirmed
			req.Demands = []models.DemandLine{*line}
		}

		applied, err := s.ledger.Apply(ctx, req)
		if err != nil {
			return err
		}
		result = &ConfirmResult{DocumentRef: documentRef, Debited: debited, Lines: lines, ApplyID: applied.ApplyID}
		s.publish(ctx, applied.Movements)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Recalculate re-runs the stored demand line of a document against current
// stock, accepting a partial result.
func (s *Service) Recalculate(ctx context.Context, documentRef, actor string) (*Result, error) {
	line, err := s.ledger.DemandLine(ctx, documentRef)
	if err != nil {
		return nil, err
	}
	return s.Reserve(ctx, ReserveRequest{
		DocumentRef:     line.DocumentRef,
		ItemID:          line.ItemID,
		Quantity:        line.RequestedQuantity,
		Location:        line.Location,
		Grade:           line.GradeConstraint,
		ExcludedSources: line.ExcludedSources,
		PriorityKey:     line.PriorityKey,
		AllowPartial:    true,
		Actor:           actor,
	})
}

type AvailabilityRequest struct {
	ItemID   string
	Quantity decimal.Decimal // optional, answers "can this be served now"
	Location string
	Grade    string
}

type AvailabilityResult struct {
	*ledger.Availability
	Requested decimal.Decimal `json:"requested_quantity"`
	CanFulfil bool            `json:"can_fulfil"`
}

func (s *Service) Availability(ctx context.Context, req AvailabilityRequest) (*AvailabilityResult, error) {
	if req.ItemID == "" {
		return nil, apperr.Validation("item_id is required")
	}
	if req.Quantity.IsNegative() {
		return nil, apperr.Validation("quantity must not be negative")
	}
	av, err := s.ledger.Availability(ctx, ledger.AvailabilityQuery{ItemID: req.ItemID, Location: req.Location, Grade: req.Grade})
	if err != nil {
		return nil, err
	}
	return &AvailabilityResult{
		Availability: av,
		Requested:    req.Quantity,
		CanFulfil:    av.NetAvailable.GreaterThanOrEqual(req.Quantity),
	}, nil
}

// Document is the current state of one demand document.
type Document struct {
	Demand       *models.DemandLine   `json:"demand_line"`
	Reservations []models.Reservation `json:"allocation_detail"`
}

func (s *Service) Document(ctx context.Context, documentRef string) (*Document, error) {
	line, err := s.demandLine(ctx, documentRef)
	if err != nil {
		return nil, err
	}
	held, err := s.ledger.ActiveReservations(ctx, documentRef)
	if err != nil {
		return nil, err
	}
	if line == nil && len(held) == 0 {
		return nil, apperr.NotFound("document %q", documentRef)
	}
	return &Document{Demand: line, Reservations: held}, nil
}

// Confirmed returns the demand line of documentRef once it has been
// confirmed, and nil while it is still open or unknown.
func (s *Service) Confirmed(ctx context.Context, documentRef string) (*models.DemandLine, error) {
	line, err := s.demandLine(ctx, documentRef)
	if err != nil || line == nil || line.Status != models.DemandConfirmed {
		return nil, err
	}
	return line, nil
}

// candidates is the snapshot plus whatever the given reservations hold, so
// a document re-planning can reuse its own stock.
func (s *Service) candidates(ctx context.Context, itemID, location string, held []models.Reservation, q ledger.SnapshotQuery) ([]allocator.Candidate, error) {
	records, err := s.ledger.Snapshot(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return ledger.Candidates(records), nil
	}

	giveBack := make(map[uint]decimal.Decimal)
	var missing []uint
	for _, r := range held {
		if _, ok := giveBack[r.StockRecordID]; !ok {
			giveBack[r.StockRecordID] = decimal.Zero
			missing = append(missing, r.StockRecordID)
		}
		giveBack[r.StockRecordID] = giveBack[r.StockRecordID].Add(r.Quantity)
	}

	inSnapshot := make(map[uint]bool, len(records))
	for _, r := range records {
		inSnapshot[r.ID] = true
	}
	var fetch []uint
	for _, id := range missing {
		if !inSnapshot[id] {
			fetch = append(fetch, id)
		}
	}
	if len(fetch) > 0 {
		extra, err := s.ledger.Records(ctx, fetch)
		if err != nil {
			return nil, err
		}
		for _, r := range extra {
			if r.ItemID != itemID || (location != "" && r.Location != location) {
				continue
			}
			records = append(records, r)
		}
	}

	out := ledger.Candidates(records)
	for i := range out {
		if own, ok := giveBack[out[i].StockRecordID]; ok {
			out[i].Quantity = out[i].Quantity.Add(own)
		}
	}
	return out, nil
}

// ensureOpen rejects documents that were already confirmed.
func (s *Service) ensureOpen(ctx context.Context, documentRef string) error {
	line, err := s.demandLine(ctx, documentRef)
	if err != nil {
		return err
	}
	if line != nil && line.Status == models.DemandConfirmed {
		return fmt.Errorf("%s: %w", documentRef, apperr.ErrDocumentClosed)
	}
	return nil
}

// demandLine returns nil without error when the document has no line yet.
func (s *Service) demandLine(ctx context.Context, documentRef string) (*models.DemandLine, error) {
	line, err := s.ledger.DemandLine(ctx, documentRef)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return line, err
}

// retry runs fn again once when the ledger reports a conflict.
func (s *Service) retry(ctx context.Context, op, ref string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if !errors.Is(err, apperr.ErrConflict) {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"op":      op,
			"ref":     ref,
			"attempt": attempt,
		}).Warn("ledger conflict")
	}
	return err
}

func (s *Service) publish(ctx context.Context, movements []models.MovementLogEntry) {
	if len(movements) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, movements); err != nil {
		logger.LogError(s.log, "allocation", "publish", "movement events", movements[0].ApplyID, err)
	}
}

func releaseDeltas(held []models.Reservation) []ledger.Delta {
	out := make([]ledger.Delta, 0, len(held))
	for _, r := range held {
		out = append(out, ledger.ReleaseDelta(r))
	}
	return out
}

func reserveDeltas(documentRef string, plan allocator.Plan) []ledger.Delta {
	out := make([]ledger.Delta, 0, len(plan.Lines))
	for _, l := range plan.Lines {
		out = append(out, ledger.ReserveDelta(documentRef, l))
	}
	return out
}

func sumReservations(held []models.Reservation) (decimal.Decimal, []Line) {
	total := decimal.Zero
	lines := make([]Line, 0, len(held))
	for _, r := range held {
		total = total.Add(r.Quantity)
		lines = append(lines, Line{StockRecordID: r.StockRecordID, BatchID: r.BatchID, Quantity: r.Quantity})
	}
	return total, lines
}
