// Package ledger is the authoritative record of physical stock. Every
// quantity or status change goes through Apply, AddStock or Repack, each of
// which is atomic and appends to the movement log in the same unit.
package ledger

import (
	"context"
	"time"

	"allocation-backend/internal/allocator"
	"allocation-backend/internal/models"

	"github.com/shopspring/decimal"
)

type Ledger interface {
	// Snapshot returns every record of the item that still has available
	// quantity, read at a single point in time.
	Snapshot(ctx context.Context, q SnapshotQuery) ([]models.StockRecord, error)

	// Apply executes deltas and demand-line upserts as one unit. It returns
	// apperr.ErrConflict when a record no longer has the quantity a reserve
	// needs or a reservation was closed by someone else.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

	AddStock(ctx context.Context, req AddStockRequest) (*AddStockResult, error)
	Repack(ctx context.Context, req RepackRequest) (*RepackResult, error)

	Records(ctx context.Context, ids []uint) ([]models.StockRecord, error)
	ActiveReservations(ctx context.Context, documentRefs ...string) ([]models.Reservation, error)
	DemandLine(ctx context.Context, documentRef string) (*models.DemandLine, error)
	// Stock lists the item's records that are not yet delivered.
	Stock(ctx context.Context, q AvailabilityQuery) ([]models.StockRecord, error)
	Availability(ctx context.Context, q AvailabilityQuery) (*Availability, error)
	Movements(ctx context.Context, q MovementQuery) ([]models.MovementLogEntry, error)
}

type SnapshotQuery struct {
	ItemID          string
	Location        string
	Grade           string
	ExcludedSources []string
	BatchIDs        []uint
}

type DeltaKind string

const (
	DeltaReserve DeltaKind = "reserve"
	DeltaRelease DeltaKind = "release"
	DeltaDebit   DeltaKind = "debit"
)

// Delta: Reserve uses StockRecordID + Quantity + DocumentRef,
// Release and Debit use ReservationID.
type Delta struct {
	Kind          DeltaKind
	DocumentRef   string
	StockRecordID uint
	ReservationID uint
	Quantity      decimal.Decimal
}

func ReserveDelta(documentRef string, line allocator.Line) Delta {
	return Delta{Kind: DeltaReserve, DocumentRef: documentRef, StockRecordID: line.StockRecordID, Quantity: line.Quantity}
}

func ReleaseDelta(r models.Reservation) Delta {
	return Delta{Kind: DeltaRelease, DocumentRef: r.DocumentRef, ReservationID: r.ID}
}

func DebitDelta(r models.Reservation) Delta {
	return Delta{Kind: DeltaDebit, DocumentRef: r.DocumentRef, ReservationID: r.ID}
}

type ApplyRequest struct {
	Actor   string
	Deltas  []Delta
	Demands []models.DemandLine // upserted by DocumentRef
}

type ApplyResult struct {
	ApplyID      string
	Reservations []models.Reservation // created by reserve deltas
	Movements    []models.MovementLogEntry
}

type AddStockRequest struct {
	ItemID      string
	BatchNumber string // reused when it already exists
	Location    string
	Quantity    decimal.Decimal
	Grade       string
	SourceID    string
	ExpiryDate  *time.Time
	EnteredAt   time.Time // defaults to now
	Reference   string
	Actor       string
}

// AddStockResult is the new record and the intake movement written with it.
type AddStockResult struct {
	Record   models.StockRecord      `json:"record"`
	Movement models.MovementLogEntry `json:"movement"`
}

type RepackRequest struct {
	StockRecordID uint
	Quantity      decimal.Decimal
	Location      string // defaults to the source location
	Grade         string // defaults to the source grade
	ExpiryDate    *time.Time
	Reference     string
	Actor         string
}

type RepackResult struct {
	Source    models.StockRecord        `json:"source"`
	Repacked  models.StockRecord        `json:"repacked"`
	Batch     models.Batch              `json:"batch"`
	Movements []models.MovementLogEntry `json:"movements"`
}

type AvailabilityQuery struct {
	ItemID   string
	Location string
	Grade    string
}

type LocationAvailability struct {
	Location     string          `json:"location"`
	OnHand       decimal.Decimal `json:"on_hand"`
	Allocated    decimal.Decimal `json:"allocated"`
	NetAvailable decimal.Decimal `json:"net_available"`
}

type Availability struct {
	ItemID       string                 `json:"item_id"`
	OnHand       decimal.Decimal        `json:"on_hand"`
	Allocated    decimal.Decimal        `json:"allocated"`
	NetAvailable decimal.Decimal        `json:"net_available"`
	Locations    []LocationAvailability `json:"locations"`
}

type MovementQuery struct {
	ItemID        string
	StockRecordID uint
	DocumentRef   string
	Limit         int
}

// Candidates converts ledger records into allocator input.
func Candidates(records []models.StockRecord) []allocator.Candidate {
	out := make([]allocator.Candidate, 0, len(records))
	for _, r := range records {
		out = append(out, allocator.Candidate{
			StockRecordID:  r.ID,
			BatchID:        r.BatchID,
			SourceID:       r.SourceID,
			Grade:          r.Grade,
			Quantity:       r.AvailableQuantity(),
			EntryTimestamp: r.EntryTimestamp,
			ExpiryDate:     r.ExpiryDate,
			IsRepacked:     r.Batch.IsRepacked,
		})
	}
	return out
}
