package audit

import (
	"allocation-backend/internal/ledger"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultMovementLimit = 100
	maxMovementLimit     = 1000
)

// GET /api/movements?item_id=TOMATO&stock_record_id=1&document_ref=SO-1&limit=50
func ListMovementsHandler(l ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", defaultMovementLimit)
		if limit <= 0 || limit > maxMovementLimit {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 1000")
		}
		recordID := c.QueryInt("stock_record_id", 0)
		if recordID < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid stock_record_id")
		}

		q := ledger.MovementQuery{
			ItemID:        c.Query("item_id"),
			StockRecordID: uint(recordID),
			DocumentRef:   c.Query("document_ref"),
			Limit:         limit,
		}
		if q.ItemID == "" && q.StockRecordID == 0 && q.DocumentRef == "" {
			return fiber.NewError(fiber.StatusBadRequest, "item_id, stock_record_id or document_ref is required")
		}

		movements, err := l.Movements(c.UserContext(), q)
		if err != nil {
			return err
		}
		return c.JSON(movements)
	}
}
