// Package server assembles the fiber app: middleware, routes and the
// mapping of domain errors to HTTP responses.
package server

import (
	"errors"

	"allocation-backend/internal/allocation"
	"allocation-backend/internal/apperr"
	"allocation-backend/internal/audit"
	"allocation-backend/internal/auth"
	"allocation-backend/internal/config"
	"allocation-backend/internal/inventory"
	"allocation-backend/internal/ledger"
	"allocation-backend/internal/logger"
	"allocation-backend/internal/matrix"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/sirupsen/logrus"
)

type Deps struct {
	Ledger     ledger.Ledger
	Allocation *allocation.Service
	Matrix     *matrix.Service
	Inventory  *inventory.Service
	Logger     *logrus.Logger
}

func New(cfg *config.Config, d Deps) *fiber.App {
	log := d.Logger
	if log == nil {
		log = logger.Discard()
	}

	app := fiber.New(fiber.Config{
		AppName:      "allocation-backend",
		ErrorHandler: ErrorHandler(log),
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins(),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	api.Use(auth.JWTMiddleware(cfg.JWTSecret))

	// Stock intake
	api.Post("/stock", inventory.AddStockHandler(d.Inventory))
	api.Get("/stock", inventory.ListStockHandler(d.Inventory))
	api.Post("/stock/:id/repack", inventory.RepackHandler(d.Inventory))
	api.Get("/availability", allocation.AvailabilityHandler(d.Allocation))

	// Allocation lifecycle
	api.Post("/allocations/reserve", allocation.ReserveHandler(d.Allocation))
	api.Post("/allocations/release", allocation.ReleaseHandler(d.Allocation))
	api.Post("/allocations/confirm", allocation.ConfirmHandler(d.Allocation))
	api.Post("/allocations/recalculate", allocation.RecalculateHandler(d.Allocation))
	api.Get("/allocations", allocation.GetDocumentHandler(d.Allocation))

	// Movement log
	api.Get("/movements", audit.ListMovementsHandler(d.Ledger))

	// Allocation matrix
	sheets := api.Group("/matrix/sheets")
	sheets.Post("/", matrix.CreateSheetHandler(d.Matrix))
	sheets.Get("/:id", matrix.GetSheetHandler(d.Matrix))
	sheets.Put("/:id/cells", matrix.UpsertCellHandler(d.Matrix))
	sheets.Post("/:id/auto-fill", matrix.AutoFillHandler(d.Matrix))
	sheets.Get("/:id/shortfalls", matrix.ShortfallsHandler(d.Matrix))
	sheets.Post("/:id/confirm", matrix.ConfirmSheetHandler(d.Matrix))
	api.Patch("/matrix/cells/:id", matrix.UpdateCellHandler(d.Matrix))

	return app
}

// ErrorHandler renders every error as {"error": msg}. Conflicts also carry
// a machine code and whether an immediate retry can succeed.
func ErrorHandler(log *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}

		var short *apperr.InsufficientStockError
		if errors.As(err, &short) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error":     err.Error(),
				"code":      "insufficient_stock",
				"item_id":   short.ItemID,
				"requested": short.Requested,
				"available": short.Available,
				"shortfall": short.Shortfall(),
			})
		}

		for _, m := range errorMap {
			if !errors.Is(err, m.err) {
				continue
			}
			body := fiber.Map{"error": err.Error(), "code": m.code}
			if m.status == fiber.StatusConflict {
				body["retryable"] = m.retryable
			}
			return c.Status(m.status).JSON(body)
		}

		logger.LogError(log, "server", "ErrorHandler", c.Method()+" "+c.Path(), nil, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "unexpected server error"})
	}
}

var errorMap = []struct {
	err       error
	status    int
	code      string
	retryable bool
}{
	{apperr.ErrNotFound, fiber.StatusNotFound, "not_found", false},
	{apperr.ErrValidation, fiber.StatusBadRequest, "validation", false},
	{apperr.ErrInsufficientStock, fiber.StatusUnprocessableEntity, "insufficient_stock", false},
	{apperr.ErrInvalidLineage, fiber.StatusUnprocessableEntity, "invalid_lineage", false},
	{apperr.ErrConflict, fiber.StatusConflict, "conflict", true},
	{apperr.ErrBusy, fiber.StatusConflict, "busy", true},
	{apperr.ErrVersionConflict, fiber.StatusConflict, "version_conflict", false},
	{apperr.ErrNothingAllocated, fiber.StatusConflict, "nothing_allocated", false},
	{apperr.ErrDocumentClosed, fiber.StatusConflict, "document_closed", false},
}
