// Package matrix is the per-delivery-date planning grid. It groups demand
// lines as item x customer cells and drives the allocation service in bulk.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"allocation-backend/internal/allocation"
	"allocation-backend/internal/apperr"
	"allocation-backend/internal/logger"
	"allocation-backend/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultLockTTL = 30 * time.Second

type Options struct {
	Locker  Locker
	Logger  *logrus.Logger
	LockTTL time.Duration
}

type Service struct {
	store   *Store
	alloc   *allocation.Service
	locker  Locker
	log     *logrus.Logger
	lockTTL time.Duration
}

func NewService(store *Store, alloc *allocation.Service, opts Options) *Service {
	s := &Service{
		store:   store,
		alloc:   alloc,
		locker:  opts.Locker,
		log:     opts.Logger,
		lockTTL: opts.LockTTL,
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultLockTTL
	}
	return s
}

// CreateSheet opens the sheet of a delivery date. Calling it again for the
// same date and location returns the existing sheet.
func (s *Service) CreateSheet(ctx context.Context, date time.Time, location string) (*models.AllocationSheet, error) {
	if date.IsZero() {
		return nil, apperr.Validation("delivery_date is required")
	}
	if location == "" {
		return nil, apperr.Validation("location is required")
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return s.store.OpenSheet(ctx, day, location)
}

type CellInput struct {
	ItemID          string          `json:"item_id" validate:"required,max=64"`
	CustomerID      string          `json:"customer_id" validate:"required,max=64"`
	PriorityKey     int64           `json:"customer_priority_key"`
	Requested       decimal.Decimal `json:"requested_quantity"`
	Grade           string          `json:"grade_constraint" validate:"max=20"`
	ExcludedSources []string        `json:"excluded_batch_sources" validate:"dive,max=64"`
	// Version is required when the cell already exists.
	Version int64 `json:"version"`
}

// UpsertCell adds a demand cell to the sheet or rewrites the planning
// fields of an existing one. Quantities already fulfilled are left to the
// next auto-fill or cell edit.
func (s *Service) UpsertCell(ctx context.Context, sheetID uint, in CellInput) (*models.AllocationCell, error) {
	if in.ItemID == "" || in.CustomerID == "" {
		return nil, apperr.Validation("item_id and customer_id are required")
	}
	if in.Requested.IsNegative() {
		return nil, apperr.Validation("requested quantity must not be negative")
	}

	var cell *models.AllocationCell
	err := s.withSheet(ctx, sheetID, func() error {
		existing, err := s.store.FindCell(ctx, sheetID, in.ItemID, in.CustomerID)
		if err != nil {
			return err
		}
		if existing == nil {
			cell = &models.AllocationCell{
				SheetID:           sheetID,
				ItemID:            in.ItemID,
				CustomerID:        in.CustomerID,
				PriorityKey:       in.PriorityKey,
				RequestedQuantity: in.Requested,
				GradeConstraint:   in.Grade,
				ExcludedSources:   in.ExcludedSources,
			}
			return s.store.CreateCell(ctx, cell)
		}

		if existing.Version != in.Version {
			return versionConflict(existing, in.Version)
		}
		if existing.InvoiceStatus == models.InvoiceInvoiced && in.Requested.LessThan(existing.FulfilledQuantity) {
			return apperr.Validation("cell is invoiced for %s, requested cannot go below it", existing.FulfilledQuantity)
		}
		existing.PriorityKey = in.PriorityKey
		existing.RequestedQuantity = in.Requested
		existing.GradeConstraint = in.Grade
		existing.ExcludedSources = in.ExcludedSources
		cell = existing
		return s.store.SaveCell(ctx, cell, in.Version)
	})
	if err != nil {
		return nil, err
	}
	return cell, nil
}

// Grid is the sheet laid out as rows of items and columns of customers.
type Grid struct {
	Sheet     models.AllocationSheet `json:"sheet"`
	Customers []string               `json:"customers"`
	Rows      []GridRow              `json:"rows"`
}

type GridRow struct {
	ItemID string `json:"item_id"`
	// Cells is aligned with Grid.Customers; a nil entry has no demand.
	Cells []*models.AllocationCell `json:"cells"`
}

func (s *Service) Sheet(ctx context.Context, sheetID uint) (*Grid, error) {
	sheet, err := s.store.Sheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	return buildGrid(sheet), nil
}

func buildGrid(sheet *models.AllocationSheet) *Grid {
	customerSet := map[string]struct{}{}
	itemSet := map[string]struct{}{}
	for _, c := range sheet.Cells {
		customerSet[c.CustomerID] = struct{}{}
		itemSet[c.ItemID] = struct{}{}
	}
	customers := sortedKeys(customerSet)
	items := sortedKeys(itemSet)

	column := make(map[string]int, len(customers))
	for i, c := range customers {
		column[c] = i
	}
	row := make(map[string]int, len(items))
	grid := &Grid{Customers: customers, Rows: make([]GridRow, len(items))}
	for i, item := range items {
		row[item] = i
		grid.Rows[i] = GridRow{ItemID: item, Cells: make([]*models.AllocationCell, len(customers))}
	}
	for i := range sheet.Cells {
		c := &sheet.Cells[i]
		grid.Rows[row[c.ItemID]].Cells[column[c.CustomerID]] = c
	}
	grid.Sheet = *sheet
	grid.Sheet.Cells = nil
	return grid
}

type CellUpdate struct {
	CellID      uint              `json:"cell_id"`
	ItemID      string            `json:"item_id"`
	CustomerID  string            `json:"customer_id"`
	DocumentRef string            `json:"document_ref"`
	Requested   decimal.Decimal   `json:"requested_quantity"`
	Fulfilled   decimal.Decimal   `json:"fulfilled_quantity"`
	Shortfall   decimal.Decimal   `json:"shortfall"`
	Lines       []allocation.Line `json:"allocation_detail"`
	Version     int64             `json:"version"`
}

type AutoFillResult struct {
	SheetID    uint            `json:"sheet_id"`
	Updates    []CellUpdate    `json:"updates"`
	Shortfalls []CellShortfall `json:"shortfalls"`
}

// AutoFill plans every non-invoiced cell of the sheet. Each item is planned
// once over a shared snapshot, customers served in ascending priority.
// Running it again re-plans from scratch and gives the same result for the
// same stock.
func (s *Service) AutoFill(ctx context.Context, sheetID uint, actor string) (*AutoFillResult, error) {
	var result *AutoFillResult
	err := s.withSheet(ctx, sheetID, func() error {
		sheet, err := s.store.Sheet(ctx, sheetID)
		if err != nil {
			return err
		}

		result = &AutoFillResult{SheetID: sheetID, Updates: []CellUpdate{}}
		groups := map[string][]*models.AllocationCell{}
		for i := range sheet.Cells {
			c := &sheet.Cells[i]
			if c.InvoiceStatus == models.InvoiceInvoiced {
				continue
			}
			closed, err := s.syncConfirmed(ctx, c)
			if err != nil {
				return err
			}
			if closed {
				if err := s.store.SaveCell(ctx, c, c.Version); err != nil {
					return err
				}
				result.Updates = append(result.Updates, cellUpdate(c, nil))
				continue
			}
			groups[c.ItemID] = append(groups[c.ItemID], c)
		}

		for _, item := range sortedKeys(groups) {
			updates, err := s.fillItem(ctx, sheet.Location, groups[item], actor)
			if err != nil {
				return fmt.Errorf("auto-fill %s: %w", item, err)
			}
			result.Updates = append(result.Updates, updates...)
		}
		result.Shortfalls = shortfalls(sheet.Cells).Cells
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"sheet_id":   sheetID,
		"cells":      len(result.Updates),
		"shortfalls": len(result.Shortfalls),
	}).Info("matrix auto-fill")
	return result, nil
}

// fillItem plans one item group and saves its cells. Whatever reached the
// ledger is saved even when a later step of the group fails, so cells
// never lag behind committed holds.
func (s *Service) fillItem(ctx context.Context, location string, cells []*models.AllocationCell, actor string) ([]CellUpdate, error) {
	var (
		reqs []allocation.ReserveRequest
		idle []*models.AllocationCell
		done []*models.AllocationCell
	)
	byRef := make(map[string]*models.AllocationCell, len(cells))
	lines := make(map[uint][]allocation.Line, len(cells))
	for _, c := range cells {
		if c.RequestedQuantity.IsPositive() {
			byRef[c.DocumentRef()] = c
			reqs = append(reqs, cellRequest(c, location, c.RequestedQuantity, actor))
		} else {
			idle = append(idle, c)
		}
	}

	results, err := s.alloc.ReserveMany(ctx, reqs, actor)
	if err == nil {
		for _, r := range results {
			c := byRef[r.DocumentRef]
			c.FulfilledQuantity = r.Fulfilled
			c.InvoiceStatus = readiness(c)
			lines[c.ID] = r.Lines
			done = append(done, c)
		}
		for _, c := range idle {
			if err = s.releaseCell(ctx, c, actor); err != nil {
				break
			}
			c.FulfilledQuantity = decimal.Zero
			c.InvoiceStatus = models.InvoicePending
			done = append(done, c)
		}
	}

	if len(done) > 0 {
		if serr := s.store.SaveCells(context.WithoutCancel(ctx), done); serr != nil {
			return nil, errors.Join(err, serr)
		}
	}
	if err != nil {
		return nil, err
	}

	updates := make([]CellUpdate, 0, len(done))
	for _, c := range done {
		updates = append(updates, cellUpdate(c, lines[c.ID]))
	}
	return updates, nil
}

// syncConfirmed marks c invoiced when its current document was confirmed
// outside the matrix, taking the debited quantity as fulfilled.
func (s *Service) syncConfirmed(ctx context.Context, c *models.AllocationCell) (bool, error) {
	line, err := s.alloc.Confirmed(ctx, c.DocumentRef())
	if err != nil || line == nil {
		return false, err
	}
	c.FulfilledQuantity = line.FulfilledQuantity
	c.InvoiceStatus = models.InvoiceInvoiced
	return true, nil
}

// UpdateCell applies one user edit. version is the cell version the editor
// last saw; a stale version fails with ErrVersionConflict before any stock
// moves.
func (s *Service) UpdateCell(ctx context.Context, cellID uint, version int64, cmd Command, actor string) (*CellUpdate, error) {
	if cmd == nil {
		return nil, apperr.Validation("edit is required")
	}
	probe, err := s.store.Cell(ctx, cellID)
	if err != nil {
		return nil, err
	}

	var update *CellUpdate
	err = s.withSheet(ctx, probe.SheetID, func() error {
		cell, err := s.store.Cell(ctx, cellID)
		if err != nil {
			return err
		}
		if cell.Version != version {
			return versionConflict(cell, version)
		}
		if _, err := s.syncConfirmed(ctx, cell); err != nil {
			return err
		}
		if err := cmd.check(cell); err != nil {
			return err
		}
		sheet, err := s.store.Sheet(ctx, cell.SheetID)
		if err != nil {
			return err
		}

		var lines []allocation.Line
		switch e := cmd.(type) {
		case EditRequested:
			lines, err = s.editRequested(ctx, sheet.Location, cell, e, actor)
		case EditFulfilled:
			lines, err = s.editFulfilled(ctx, sheet.Location, cell, e, actor)
		}
		if err != nil {
			return err
		}
		if err := s.store.SaveCell(ctx, cell, version); err != nil {
			return err
		}
		u := cellUpdate(cell, lines)
		update = &u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

func (s *Service) editRequested(ctx context.Context, location string, cell *models.AllocationCell, e EditRequested, actor string) ([]allocation.Line, error) {
	cell.RequestedQuantity = e.Quantity
	if cell.InvoiceStatus == models.InvoiceInvoiced || e.Quantity.GreaterThanOrEqual(cell.FulfilledQuantity) {
		return nil, nil
	}

	// The hold now exceeds the demand; shrink it to the new request.
	if e.Quantity.IsZero() {
		if err := s.releaseCell(ctx, cell, actor); err != nil {
			return nil, err
		}
		cell.FulfilledQuantity = decimal.Zero
		cell.InvoiceStatus = models.InvoicePending
		return nil, nil
	}
	res, err := s.alloc.Reserve(ctx, cellRequest(cell, location, e.Quantity, actor))
	if err != nil {
		return nil, err
	}
	cell.FulfilledQuantity = res.Fulfilled
	cell.InvoiceStatus = readiness(cell)
	return res.Lines, nil
}

// editFulfilled re-derives this cell's allocation only. An invoiced cell
// starts a new reservation cycle and goes back to pending.
func (s *Service) editFulfilled(ctx context.Context, location string, cell *models.AllocationCell, e EditFulfilled, actor string) ([]allocation.Line, error) {
	if cell.InvoiceStatus == models.InvoiceInvoiced {
		cell.Generation++
	}
	cell.InvoiceStatus = models.InvoicePending

	if e.Quantity.IsZero() {
		if err := s.releaseCell(ctx, cell, actor); err != nil {
			return nil, err
		}
		cell.FulfilledQuantity = decimal.Zero
		return nil, nil
	}
	res, err := s.alloc.Reserve(ctx, cellRequest(cell, location, e.Quantity, actor))
	if err != nil {
		return nil, err
	}
	cell.FulfilledQuantity = res.Fulfilled
	return res.Lines, nil
}

func (s *Service) releaseCell(ctx context.Context, cell *models.AllocationCell, actor string) error {
	_, err := s.alloc.Release(ctx, cell.DocumentRef(), actor)
	if errors.Is(err, apperr.ErrNothingAllocated) {
		return nil
	}
	return err
}

type CellShortfall struct {
	CellID     uint            `json:"cell_id"`
	ItemID     string          `json:"item_id"`
	CustomerID string          `json:"customer_id"`
	Requested  decimal.Decimal `json:"requested_quantity"`
	Fulfilled  decimal.Decimal `json:"fulfilled_quantity"`
	Shortfall  decimal.Decimal `json:"shortfall"`
}

type ShortfallReport struct {
	Cells      []CellShortfall            `json:"cells"`
	ByItem     map[string]decimal.Decimal `json:"by_item"`
	ByCustomer map[string]decimal.Decimal `json:"by_customer"`
	Total      decimal.Decimal            `json:"total"`
}

func (s *Service) Shortfalls(ctx context.Context, sheetID uint) (*ShortfallReport, error) {
	sheet, err := s.store.Sheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	return shortfalls(sheet.Cells), nil
}

func shortfalls(cells []models.AllocationCell) *ShortfallReport {
	rep := &ShortfallReport{
		Cells:      []CellShortfall{},
		ByItem:     map[string]decimal.Decimal{},
		ByCustomer: map[string]decimal.Decimal{},
		Total:      decimal.Zero,
	}
	for _, c := range cells {
		short := c.Shortfall()
		if !short.IsPositive() {
			continue
		}
		rep.Cells = append(rep.Cells, CellShortfall{
			CellID:     c.ID,
			ItemID:     c.ItemID,
			CustomerID: c.CustomerID,
			Requested:  c.RequestedQuantity,
			Fulfilled:  c.FulfilledQuantity,
			Shortfall:  short,
		})
		rep.ByItem[c.ItemID] = rep.ByItem[c.ItemID].Add(short)
		rep.ByCustomer[c.CustomerID] = rep.ByCustomer[c.CustomerID].Add(short)
		rep.Total = rep.Total.Add(short)
	}
	return rep
}

type ConfirmResult struct {
	SheetID  uint                       `json:"sheet_id"`
	Invoiced []CellUpdate               `json:"invoiced"`
	Debits   []allocation.ConfirmResult `json:"debits"`
}

// ConfirmSheet debits every ready cell and marks it invoiced. The next
// edit of an invoiced cell starts a new reservation cycle.
func (s *Service) ConfirmSheet(ctx context.Context, sheetID uint, actor string) (*ConfirmResult, error) {
	var result *ConfirmResult
	err := s.withSheet(ctx, sheetID, func() error {
		sheet, err := s.store.Sheet(ctx, sheetID)
		if err != nil {
			return err
		}
		result = &ConfirmResult{SheetID: sheetID, Invoiced: []CellUpdate{}, Debits: []allocation.ConfirmResult{}}
		for i := range sheet.Cells {
			c := &sheet.Cells[i]
			if c.InvoiceStatus != models.InvoiceReady {
				continue
			}
			closed, err := s.syncConfirmed(ctx, c)
			if err != nil {
				return err
			}
			if closed {
				if err := s.store.SaveCell(ctx, c, c.Version); err != nil {
					return err
				}
				result.Invoiced = append(result.Invoiced, cellUpdate(c, nil))
				continue
			}
			debit, err := s.alloc.Confirm(ctx, c.DocumentRef(), actor)
			if errors.Is(err, apperr.ErrNothingAllocated) {
				// Hold vanished outside the matrix; the cell needs planning again.
				c.FulfilledQuantity = decimal.Zero
				c.InvoiceStatus = models.InvoicePending
				if err := s.store.SaveCell(ctx, c, c.Version); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			c.FulfilledQuantity = debit.Debited
			c.InvoiceStatus = models.InvoiceInvoiced
			if err := s.store.SaveCell(ctx, c, c.Version); err != nil {
				return err
			}
			result.Debits = append(result.Debits, *debit)
			result.Invoiced = append(result.Invoiced, cellUpdate(c, debit.Lines))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) withSheet(ctx context.Context, sheetID uint, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, sheetKey(sheetID), s.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			logger.LogError(s.log, "matrix", "withSheet", "unlock", logrus.Fields{"sheet_id": sheetID}, err)
		}
	}()
	return fn()
}

func cellRequest(c *models.AllocationCell, location string, qty decimal.Decimal, actor string) allocation.ReserveRequest {
	return allocation.ReserveRequest{
		DocumentRef:     c.DocumentRef(),
		ItemID:          c.ItemID,
		Quantity:        qty,
		Location:        location,
		Grade:           c.GradeConstraint,
		ExcludedSources: c.ExcludedSources,
		PriorityKey:     c.PriorityKey,
		AllowPartial:    true,
		Actor:           actor,
	}
}

func cellUpdate(c *models.AllocationCell, lines []allocation.Line) CellUpdate {
	if lines == nil {
		lines = []allocation.Line{}
	}
	return CellUpdate{
		CellID:      c.ID,
		ItemID:      c.ItemID,
		CustomerID:  c.CustomerID,
		DocumentRef: c.DocumentRef(),
		Requested:   c.RequestedQuantity,
		Fulfilled:   c.FulfilledQuantity,
		Shortfall:   c.Shortfall(),
		Lines:       lines,
		Version:     c.Version,
	}
}

func readiness(c *models.AllocationCell) models.InvoiceStatus {
	if c.FulfilledQuantity.IsPositive() {
		return models.InvoiceReady
	}
	return models.InvoicePending
}

func versionConflict(c *models.AllocationCell, seen int64) error {
	return &VersionConflictError{CellID: c.ID, Seen: seen, Current: c.Version}
}

// VersionConflictError reports an edit made against a stale cell.
type VersionConflictError struct {
	CellID  uint
	Seen    int64
	Current int64
}

func (e *VersionConflictError) Error() string {
	return "cell was changed by another editor, reload and retry"
}

func (e *VersionConflictError) Unwrap() error { return apperr.ErrVersionConflict }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
