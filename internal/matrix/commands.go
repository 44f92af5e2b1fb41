package matrix

import (
	"allocation-backend/internal/apperr"
	"allocation-backend/internal/models"

	"github.com/shopspring/decimal"
)

// Command is one user edit of a cell. The set is closed: EditRequested or
// EditFulfilled.
type Command interface {
	check(cell *models.AllocationCell) error
	isCommand()
}

// EditRequested changes how much the customer wants.
type EditRequested struct {
	Quantity decimal.Decimal
}

// EditFulfilled sets the cell's allocation directly. It re-derives the
// cell's reservations and puts the cell back to pending.
type EditFulfilled struct {
	Quantity decimal.Decimal
}

func (EditRequested) isCommand() {}
func (EditFulfilled) isCommand() {}

func (e EditRequested) check(cell *models.AllocationCell) error {
	if e.Quantity.IsNegative() {
		return apperr.Validation("requested quantity must not be negative")
	}
	if cell.InvoiceStatus == models.InvoiceInvoiced && e.Quantity.LessThan(cell.FulfilledQuantity) {
		return apperr.Validation("cell is invoiced for %s, requested cannot go below it", cell.FulfilledQuantity)
	}
	return nil
}

func (e EditFulfilled) check(cell *models.AllocationCell) error {
	if e.Quantity.IsNegative() {
		return apperr.Validation("fulfilled quantity must not be negative")
	}
	if e.Quantity.GreaterThan(cell.RequestedQuantity) {
		return apperr.Validation("fulfilled %s exceeds requested %s", e.Quantity, cell.RequestedQuantity)
	}
	return nil
}

// EditKind names a command on the wire.
type EditKind string

const (
	EditKindRequested EditKind = "requested"
	EditKindFulfilled EditKind = "fulfilled"
)

func NewCommand(kind EditKind, qty decimal.Decimal) (Command, error) {
	switch kind {
	case EditKindRequested:
		return EditRequested{Quantity: qty}, nil
	case EditKindFulfilled:
		return EditFulfilled{Quantity: qty}, nil
	default:
		return nil, apperr.Validation("unknown edit %q, want requested or fulfilled", kind)
	}
}
