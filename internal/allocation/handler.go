package allocation

import (
	"allocation-backend/internal/apperr"
	"allocation-backend/internal/auth"
	"allocation-backend/internal/request"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type DocumentRequest struct {
	DocumentRef string `json:"document_ref" validate:"required,max=100"`
}

// POST /api/allocations/reserve
func ReserveHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body ReserveRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		body.Actor = auth.Actor(c)

		res, err := svc.Reserve(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// POST /api/allocations/release
func ReleaseHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body DocumentRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		res, err := svc.Release(c.UserContext(), body.DocumentRef, auth.Actor(c))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// POST /api/allocations/confirm
func ConfirmHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body DocumentRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		res, err := svc.Confirm(c.UserContext(), body.DocumentRef, auth.Actor(c))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// POST /api/allocations/recalculate
func RecalculateHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body DocumentRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		res, err := svc.Recalculate(c.UserContext(), body.DocumentRef, auth.Actor(c))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// GET /api/allocations?document_ref=SO-1
func GetDocumentHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ref := c.Query("document_ref")
		if ref == "" {
			return apperr.Validation("document_ref is required")
		}
		doc, err := svc.Document(c.UserContext(), ref)
		if err != nil {
			return err
		}
		return c.JSON(doc)
	}
}

// GET /api/availability?item_id=TOMATO&quantity=12&location=WH-1&grade=A
func AvailabilityHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := AvailabilityRequest{
			ItemID:   c.Query("item_id"),
			Location: c.Query("location"),
			Grade:    c.Query("grade"),
			Quantity: decimal.Zero,
		}
		if raw := c.Query("quantity"); raw != "" {
			q, err := decimal.NewFromString(raw)
			if err != nil {
				return apperr.Validation("quantity %q is not a number", raw)
			}
			req.Quantity = q
		}

		res, err := svc.Availability(c.UserContext(), req)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}
