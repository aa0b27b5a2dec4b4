// Package outbox relays domain events committed with fulfillment
// transactions to the configured publisher.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roadfix/internal/domain/events"
	"roadfix/internal/repository"
)

// Config tunes a Relay
type Config struct {
	BatchSize   int
	MaxAttempts int
	Interval    time.Duration
}

// Relay polls pending outbox rows and publishes them in commit order.
// Delivery is at least once; consumers dedupe on the event id.
type Relay struct {
	repo        repository.OutboxRepository
	publisher   events.Publisher
	log         *zap.Logger
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

// New creates a Relay
func New(repo repository.OutboxRepository, publisher events.Publisher, log *zap.Logger, cfg Config) *Relay {
	r := &Relay{
		repo:        repo,
		publisher:   publisher,
		log:         log,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	return r
}

// RunOnce publishes one batch and returns how many events went out. A
// publish failure bumps the row's attempt count; rows past MaxAttempts stay
// in the table for inspection.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.repo.ListPending(ctx, r.maxAttempts, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, ev := range pending {
		env := events.Envelope{
			ID:          ev.ID,
			Type:        ev.Type,
			AggregateID: ev.AggregateID,
			OccurredAt:  ev.CreatedAt,
			Payload:     ev.Payload,
		}
		if err := r.publisher.Publish(ctx, env); err != nil {
			r.log.Warn("event publish failed",
				zap.String("event_id", ev.ID),
				zap.String("type", ev.Type),
				zap.Int("attempt", ev.Attempts+1),
				zap.Error(err),
			)
			if err := r.repo.MarkFailed(ctx, ev.ID, err.Error()); err != nil {
				return sent, err
			}
			if ev.Attempts+1 >= r.maxAttempts {
				r.log.Error("event parked after max attempts", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
			}
			continue
		}
		if err := r.repo.MarkPublished(ctx, ev.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Run polls until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, r.interval*5)
			n, err := r.RunOnce(runCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				r.log.Error("outbox relay batch failed", zap.Error(err))
			}
			if n > 0 {
				r.log.Debug("outbox relay published events", zap.Int("count", n))
			}
		}
	}
}
