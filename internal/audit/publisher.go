// Package audit exposes the movement log to traceability collaborators:
// a read endpoint over the ledger and an event stream of new movements.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"allocation-backend/internal/models"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Publisher forwards committed movement rows to downstream consumers.
// Publishing happens after the ledger commit and never rolls it back.
type Publisher interface {
	Publish(ctx context.Context, movements []models.MovementLogEntry) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []models.MovementLogEntry) error { return nil }

// MovementEvent is the wire form of one movement row.
type MovementEvent struct {
	ID                uint      `json:"id"`
	ApplyID           string    `json:"apply_id"`
	StockRecordID     uint      `json:"stock_record_id"`
	ItemID            string    `json:"item_id"`
	BatchID           uint      `json:"batch_id"`
	DeltaQuantity     string    `json:"delta_quantity"`
	Reason            string    `json:"reason"`
	ReferenceDocument string    `json:"reference_document"`
	Actor             string    `json:"actor"`
	Timestamp         time.Time `json:"timestamp"`
}

func NewMovementEvent(m models.MovementLogEntry) MovementEvent {
	return MovementEvent{
		ID:                m.ID,
		ApplyID:           m.ApplyID,
		StockRecordID:     m.StockRecordID,
		ItemID:            m.ItemID,
		BatchID:           m.BatchID,
		DeltaQuantity:     m.DeltaQuantity.String(),
		Reason:            string(m.Reason),
		ReferenceDocument: m.ReferenceDocument,
		Actor:             m.Actor,
		Timestamp:         m.Timestamp,
	}
}

// encodeMessage builds the pubsub message for one movement. Attributes let
// subscribers filter by reason or item without decoding the body.
func encodeMessage(m models.MovementLogEntry) (*pubsub.Message, error) {
	data, err := json.Marshal(NewMovementEvent(m))
	if err != nil {
		return nil, err
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"apply_id":        m.ApplyID,
			"reason":          string(m.Reason),
			"item_id":         m.ItemID,
			"stock_record_id": strconv.FormatUint(uint64(m.StockRecordID), 10),
		},
	}, nil
}

type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher connects with credJSON when given, application default
// credentials otherwise. The topic must already exist.
func NewPubSubPublisher(ctx context.Context, projectID, topic, credJSON string) (*PubSubPublisher, error) {
	if projectID == "" || topic == "" {
		return nil, errors.New("pubsub project id and topic are required")
	}

	var opts []option.ClientOption
	if credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topic)}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, movements []models.MovementLogEntry) error {
	results := make([]*pubsub.PublishResult, 0, len(movements))
	for _, m := range movements {
		msg, err := encodeMessage(m)
		if err != nil {
			return err
		}
		results = append(results, p.topic.Publish(ctx, msg))
	}

	var errs []error
	for i, r := range results {
		if _, err := r.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("movement %d: %w", movements[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
