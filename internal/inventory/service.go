// Package inventory is the intake surface of the ledger: new stock,
// repacking and stock listings. Other modules own demand.
package inventory

import (
	"context"
	"time"

	"allocation-backend/internal/apperr"
	"allocation-backend/internal/audit"
	"allocation-backend/internal/ledger"
	"allocation-backend/internal/logger"
	"allocation-backend/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Service struct {
	ledger    ledger.Ledger
	publisher audit.Publisher
	log       *logrus.Logger
}

func NewService(l ledger.Ledger, pub audit.Publisher, log *logrus.Logger) *Service {
	if pub == nil {
		pub = audit.NopPublisher{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{ledger: l, publisher: pub, log: log}
}

type AddStockRequest struct {
	ItemID      string          `json:"item_id" validate:"required,max=64"`
	BatchNumber string          `json:"batch_number" validate:"max=32"`
	Location    string          `json:"location" validate:"required,max=64"`
	Quantity    decimal.Decimal `json:"quantity"`
	Grade       string          `json:"grade" validate:"max=20"`
	SourceID    string          `json:"source_id" validate:"max=64"`
	ExpiryDate  *time.Time      `json:"expiry_date"`
	Reference   string          `json:"reference" validate:"max=100"`
}

func (s *Service) AddStock(ctx context.Context, req AddStockRequest, actor string) (*models.StockRecord, error) {
	res, err := s.ledger.AddStock(ctx, ledger.AddStockRequest{
		ItemID:      req.ItemID,
		BatchNumber: req.BatchNumber,
		Location:    req.Location,
		Quantity:    req.Quantity,
		Grade:       req.Grade,
		SourceID:    req.SourceID,
		ExpiryDate:  req.ExpiryDate,
		Reference:   req.Reference,
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	rec := &res.Record
	s.publish(ctx, []models.MovementLogEntry{res.Movement})

	s.log.WithFields(logrus.Fields{
		"item_id":         rec.ItemID,
		"stock_record_id": rec.ID,
		"quantity":        rec.Quantity.String(),
	}).Info("stock intake")
	return rec, nil
}

type RepackRequest struct {
	Quantity   decimal.Decimal `json:"quantity"`
	Location   string          `json:"location" validate:"max=64"`
	Grade      string          `json:"grade" validate:"max=20"`
	ExpiryDate *time.Time      `json:"expiry_date"`
	Reference  string          `json:"reference" validate:"max=100"`
}

// Repack moves part of a record into a new repacked batch. A batch that
// is itself a repack cannot be repacked again.
func (s *Service) Repack(ctx context.Context, recordID uint, req RepackRequest, actor string) (*ledger.RepackResult, error) {
	res, err := s.ledger.Repack(ctx, ledger.RepackRequest{
		StockRecordID: recordID,
		Quantity:      req.Quantity,
		Location:      req.Location,
		Grade:         req.Grade,
		ExpiryDate:    req.ExpiryDate,
		Reference:     req.Reference,
		Actor:         actor,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, res.Movements)
	return res, nil
}

// Stock lists the records of an item that still hold quantity.
func (s *Service) Stock(ctx context.Context, q ledger.AvailabilityQuery) ([]models.StockRecord, error) {
	if q.ItemID == "" {
		return nil, apperr.Validation("item_id is required")
	}
	return s.ledger.Stock(ctx, q)
}

func (s *Service) publish(ctx context.Context, movements []models.MovementLogEntry) {
	if len(movements) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, movements); err != nil {
		logger.LogError(s.log, "inventory", "publish", "movement events", logrus.Fields{"apply_id": movements[0].ApplyID}, err)
	}
}
