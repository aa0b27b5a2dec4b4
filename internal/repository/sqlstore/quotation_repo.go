package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"roadfix/internal/domain"
)

// QuotationRepo implements repository.QuotationRepository
type QuotationRepo struct {
	conn
}

const quotationColumns = `id, service_request_id, workshop_id, service_charges, variable_cost, spare_parts_cost,
	total_amount, notes, valid_until, is_accepted, accepted_at, created_at, updated_at`

func (r *QuotationRepo) Create(ctx context.Context, q *domain.Quotation) error {
	query := `INSERT INTO quotations (` + quotationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.exec(ctx, query,
		q.ID, q.ServiceRequestID, q.WorkshopID, q.ServiceCharges, q.VariableCost, q.SparePartsCost,
		q.TotalAmount, q.Notes, q.ValidUntil, q.IsAccepted, nullTime(q.AcceptedAt), q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return mapWriteErr("create quotation", err)
	}
	return nil
}

func (r *QuotationRepo) GetByID(ctx context.Context, id string) (*domain.Quotation, error) {
	return r.getOne(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = ?`, id)
}

func (r *QuotationRepo) GetForUpdate(ctx context.Context, id string) (*domain.Quotation, error) {
	return r.getOne(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = ?`+r.forUpdate(), id)
}

func (r *QuotationRepo) getOne(ctx context.Context, query string, args ...any) (*domain.Quotation, error) {
	q, err := scanQuotation(r.queryRow(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quotation: %w", err)
	}
	return q, nil
}

func (r *QuotationRepo) ListByRequest(ctx context.Context, requestID string) ([]domain.Quotation, error) {
	return r.list(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE service_request_id = ? ORDER BY created_at, id`, requestID)
}

func (r *QuotationRepo) LockByRequest(ctx context.Context, requestID string) ([]domain.Quotation, error) {
	return r.list(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE service_request_id = ? ORDER BY id`+r.forUpdate(), requestID)
}

func (r *QuotationRepo) list(ctx context.Context, query string, args ...any) ([]domain.Quotation, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotations: %w", err)
	}
	defer rows.Close()

	var out []domain.Quotation
	for rows.Next() {
		q, err := scanQuotation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quotation: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// Update writes the pricing fields. Acceptance state is changed only by
// MarkAccepted and RejectSiblings.
func (r *QuotationRepo) Update(ctx context.Context, q *domain.Quotation) error {
	query := `
		UPDATE quotations
		SET service_charges = ?, variable_cost = ?, spare_parts_cost = ?, total_amount = ?,
			notes = ?, valid_until = ?, updated_at = ?
		WHERE id = ? AND is_accepted = ?
	`
	res, err := r.exec(ctx, query,
		q.ServiceCharges, q.VariableCost, q.SparePartsCost, q.TotalAmount,
		q.Notes, q.ValidUntil, q.UpdatedAt, q.ID, false)
	if err != nil {
		return fmt.Errorf("failed to update quotation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update quotation %s: %w", q.ID, sql.ErrNoRows)
	}
	return nil
}

func (r *QuotationRepo) MarkAccepted(ctx context.Context, q *domain.Quotation) error {
	query := `UPDATE quotations SET is_accepted = ?, accepted_at = ?, updated_at = ? WHERE id = ?`
	if _, err := r.exec(ctx, query, true, nullTime(q.AcceptedAt), q.UpdatedAt, q.ID); err != nil {
		return mapWriteErr("accept quotation", err)
	}
	return nil
}

func (r *QuotationRepo) RejectSiblings(ctx context.Context, requestID, acceptedID string) error {
	query := `UPDATE quotations SET is_accepted = ?, accepted_at = NULL WHERE service_request_id = ? AND id <> ? AND is_accepted = ?`
	if _, err := r.exec(ctx, query, false, requestID, acceptedID, true); err != nil {
		return fmt.Errorf("failed to reject sibling quotations: %w", err)
	}
	return nil
}

func scanQuotation(s scanner) (*domain.Quotation, error) {
	var (
		q          domain.Quotation
		acceptedAt sql.NullTime
	)
	err := s.Scan(
		&q.ID, &q.ServiceRequestID, &q.WorkshopID, &q.ServiceCharges, &q.VariableCost, &q.SparePartsCost,
		&q.TotalAmount, &q.Notes, &q.ValidUntil, &q.IsAccepted, &acceptedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	q.AcceptedAt = timePtr(acceptedAt)
	return &q, nil
}
