package matrix

import (
	"time"

	"allocation-backend/internal/apperr"
	"allocation-backend/internal/auth"
	"allocation-backend/internal/request"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type CreateSheetRequest struct {
	DeliveryDate string `json:"delivery_date" validate:"required,datetime=2006-01-02"`
	Location     string `json:"location" validate:"required,max=64"`
}

type UpdateCellRequest struct {
	Edit     EditKind        `json:"edit" validate:"required,oneof=requested fulfilled"`
	Quantity decimal.Decimal `json:"quantity"`
	Version  int64           `json:"version" validate:"required,min=1"`
}

// POST /api/matrix/sheets
func CreateSheetHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateSheetRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		date, err := time.Parse(time.DateOnly, body.DeliveryDate)
		if err != nil {
			return apperr.Validation("delivery_date: %v", err)
		}
		sheet, err := svc.CreateSheet(c.UserContext(), date, body.Location)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(sheet)
	}
}

// GET /api/matrix/sheets/:id
func GetSheetHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid sheet id")
		}
		grid, err := svc.Sheet(c.UserContext(), uint(id))
		if err != nil {
			return err
		}
		return c.JSON(grid)
	}
}

// PUT /api/matrix/sheets/:id/cells
func UpsertCellHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid sheet id")
		}
		var body CellInput
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		cell, err := svc.UpsertCell(c.UserContext(), uint(id), body)
		if err != nil {
			return err
		}
		return c.JSON(cell)
	}
}

// POST /api/matrix/sheets/:id/auto-fill
func AutoFillHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid sheet id")
		}
		res, err := svc.AutoFill(c.UserContext(), uint(id), auth.Actor(c))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// GET /api/matrix/sheets/:id/shortfalls
func ShortfallsHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid sheet id")
		}
		rep, err := svc.Shortfalls(c.UserContext(), uint(id))
		if err != nil {
			return err
		}
		return c.JSON(rep)
	}
}

// POST /api/matrix/sheets/:id/confirm
func ConfirmSheetHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid sheet id")
		}
		res, err := svc.ConfirmSheet(c.UserContext(), uint(id), auth.Actor(c))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// PATCH /api/matrix/cells/:id
func UpdateCellHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return apperr.Validation("invalid cell id")
		}
		var body UpdateCellRequest
		if err := request.Parse(c, &body); err != nil {
			return err
		}
		cmd, err := NewCommand(body.Edit, body.Quantity)
		if err != nil {
			return err
		}
		res, err := svc.UpdateCell(c.UserContext(), uint(id), body.Version, cmd, auth.Actor(c))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}
