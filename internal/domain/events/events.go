// Package events defines fulfillment domain events and the publishers that
// carry them to downstream consumers.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

//go:generate mockgen -destination=mocks/publisher.go -package=mocks roadfix/internal/domain/events Publisher

// Event types
const (
	RequestCreated       = "request.created"
	RequestStatusChanged = "request.status_changed"
	RequestScheduled     = "request.scheduled"
	QuotationSubmitted   = "quotation.submitted"
	QuotationUpdated     = "quotation.updated"
	QuotationAccepted    = "quotation.accepted"
	WorkshopAssigned     = "workshop.assigned"
	WorkerAssigned       = "worker.assigned"
	WorkerReleased       = "worker.released"
)

// Envelope is the message relayed for every domain event
type Envelope struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	AggregateID string    `json:"aggregateId"`
	OccurredAt  time.Time `json:"occurredAt"`
	Payload     []byte    `json:"payload"`
}

// StatusChanged is the payload of RequestStatusChanged
type StatusChanged struct {
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	To        string `json:"to"`
	ActorID   string `json:"actorId"`
}

// Schedule is the payload of RequestScheduled
type Schedule struct {
	RequestID           string    `json:"requestId"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
	ActorID             string    `json:"actorId"`
}

// QuotationAccept is the payload of QuotationAccepted
type QuotationAccept struct {
	RequestID   string   `json:"requestId"`
	QuotationID string   `json:"quotationId"`
	WorkshopID  string   `json:"workshopId"`
	TotalAmount int64    `json:"totalAmount"`
	Rejected    []string `json:"rejected"`
}

// WorkerChange is the payload of WorkerAssigned and WorkerReleased
type WorkerChange struct {
	RequestID string `json:"requestId"`
	WorkerID  string `json:"workerId"`
	Reason    string `json:"reason"`
}

// Publisher delivers events to a broker
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// CompositePublisher fans an event out to several publishers
type CompositePublisher struct {
	publishers []Publisher
}

// NewCompositePublisher creates a publisher that writes to every non-nil publisher
func NewCompositePublisher(publishers ...Publisher) *CompositePublisher {
	c := &CompositePublisher{}
	for _, p := range publishers {
		if p != nil {
			c.publishers = append(c.publishers, p)
		}
	}
	return c
}

func (c *CompositePublisher) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range c.publishers {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *CompositePublisher) Close() error {
	var errs []error
	for _, p := range c.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log, used when no broker is configured
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher creates a LogPublisher
func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, env Envelope) error {
	p.log.Info("domain event",
		zap.String("event_id", env.ID),
		zap.String("type", env.Type),
		zap.String("aggregate_id", env.AggregateID),
		zap.ByteString("payload", env.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
