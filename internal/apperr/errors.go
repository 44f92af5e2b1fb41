package apperr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid request")

	// ErrInsufficientStock: requested quantity exceeds what is available right now.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict: a ledger record changed between snapshot and apply.
	// The caller should re-plan against fresh data.
	ErrConflict = errors.New("concurrent stock modification")

	// ErrVersionConflict: a matrix cell was edited by someone else since it was read.
	// Never retried automatically.
	ErrVersionConflict = errors.New("cell version mismatch")

	ErrNothingAllocated = errors.New("nothing allocated to document")
	ErrInvalidLineage   = errors.New("repacked batch cannot be repacked again")
	ErrDocumentClosed   = errors.New("document already confirmed")

	// ErrBusy: another editor holds the sheet lock. Safe to retry.
	ErrBusy = errors.New("resource is locked by another operation")
)

// InsufficientStockError carries how much of the request could have been served.
type InsufficientStockError struct {
	ItemID    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s",
		e.ItemID, e.Requested.String(), e.Available.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall is the unmet part of the request.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
