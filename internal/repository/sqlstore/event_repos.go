package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"roadfix/internal/domain"
)

// HistoryRepo implements repository.HistoryRepository
type HistoryRepo struct {
	conn
}

func (r *HistoryRepo) Record(ctx context.Context, c *domain.StatusChange) error {
	query := `
		INSERT INTO status_history (id, service_request_id, from_status, to_status, actor_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.exec(ctx, query, c.ID, c.ServiceRequestID, string(c.FromStatus), string(c.ToStatus), c.ActorID, c.Note, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record status change: %w", err)
	}
	return nil
}

func (r *HistoryRepo) ListByRequest(ctx context.Context, requestID string) ([]domain.StatusChange, error) {
	query := `
		SELECT id, service_request_id, from_status, to_status, actor_id, note, created_at
		FROM status_history
		WHERE service_request_id = ?
		ORDER BY created_at, id
	`
	rows, err := r.query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}
	defer rows.Close()

	var out []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		var from, to string
		if err := rows.Scan(&c.ID, &c.ServiceRequestID, &from, &to, &c.ActorID, &c.Note, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		c.FromStatus = domain.RequestStatus(from)
		c.ToStatus = domain.RequestStatus(to)
		out = append(out, c)
	}
	return out, rows.Err()
}

// OutboxRepo implements repository.OutboxRepository
type OutboxRepo struct {
	conn
}

func (r *OutboxRepo) Enqueue(ctx context.Context, e *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, event_type, aggregate_id, payload, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, 0, '', ?)
	`
	if _, err := r.exec(ctx, query, e.ID, e.Type, e.AggregateID, string(e.Payload), e.CreatedAt); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (r *OutboxRepo) ListPending(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error) {
	query := `
		SELECT id, event_type, aggregate_id, payload, attempts, last_error, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL AND attempts < ?
		ORDER BY created_at, id
		LIMIT ?
	`
	rows, err := r.query(ctx, query, maxAttempts, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload string
		var published sql.NullTime
		if err := rows.Scan(&e.ID, &e.Type, &e.AggregateID, &payload, &e.Attempts, &e.LastError, &e.CreatedAt, &published); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = []byte(payload)
		e.PublishedAt = timePtr(published)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, id string) error {
	if _, err := r.exec(ctx, `UPDATE outbox_events SET published_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	query := `UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`
	if _, err := r.exec(ctx, query, reason, id); err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// IdempotencyRepo implements repository.IdempotencyRepository
type IdempotencyRepo struct {
	conn
}

func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT idem_key, operation, resource_id, actor_id, created_at FROM idempotency_keys WHERE idem_key = ?`
	var rec domain.IdempotencyRecord
	err := r.queryRow(ctx, query, key).Scan(&rec.Key, &rec.Operation, &rec.ResourceID, &rec.ActorID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &rec, nil
}

func (r *IdempotencyRepo) Save(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `INSERT INTO idempotency_keys (idem_key, operation, resource_id, actor_id, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := r.exec(ctx, query, rec.Key, rec.Operation, rec.ResourceID, rec.ActorID, rec.CreatedAt); err != nil {
		return mapWriteErr("save idempotency key", err)
	}
	return nil
}
