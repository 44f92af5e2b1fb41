package inventory

import (
	"allocation-backend/internal/apperr"
	"allocation-backend/internal/auth"
	"allocation-backend/internal/ledger"
	"allocation-backend/internal/request"

	"github.com/gofiber/fiber/v2"
)

// POST /api/stock
func AddStockHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body AddStockRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		rec, err := svc.AddStock(c.UserContext(), body, auth.Actor(c))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(rec)
	}
}

// GET /api/stock?item_id=TOMATO&location=WH-1&grade=A
func ListStockHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		records, err := svc.Stock(c.UserContext(), ledger.AvailabilityQuery{
			ItemID:   c.Query("item_id"),
			Location: c.Query("location"),
			Grade:    c.Query("grade"),
		})
		if err != nil {
			return err
		}
		return c.JSON(records)
	}
}

// POST /api/stock/:id/repack
func RepackHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid stock record id")
		}
		var body RepackRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		res, err := svc.Repack(c.UserContext(), uint(id), body, auth.Actor(c))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	}
}
