package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"roadfix/internal/domain"
)

// WorkerRepo implements repository.WorkerRepository
type WorkerRepo struct {
	conn
}

const workerColumns = `id, workshop_id, user_id, name, specializations, is_available, created_at, updated_at`

func (r *WorkerRepo) Create(ctx context.Context, w *domain.Worker) error {
	tags, err := json.Marshal(w.Specializations)
	if err != nil {
		return fmt.Errorf("failed to encode specializations: %w", err)
	}
	query := `INSERT INTO workers (` + workerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.exec(ctx, query, w.ID, w.WorkshopID, w.UserID, w.Name, string(tags), w.IsAvailable, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return mapWriteErr("create worker", err)
	}
	return nil
}

func (r *WorkerRepo) GetByID(ctx context.Context, id string) (*domain.Worker, error) {
	return r.getOne(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
}

func (r *WorkerRepo) GetForUpdate(ctx context.Context, id string) (*domain.Worker, error) {
	return r.getOne(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`+r.forUpdate(), id)
}

func (r *WorkerRepo) GetByWorkshopAndUser(ctx context.Context, workshopID, userID string) (*domain.Worker, error) {
	return r.getOne(ctx, `SELECT `+workerColumns+` FROM workers WHERE workshop_id = ? AND user_id = ?`, workshopID, userID)
}

func (r *WorkerRepo) getOne(ctx context.Context, query string, args ...any) (*domain.Worker, error) {
	w, err := scanWorker(r.queryRow(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

func (r *WorkerRepo) ListByWorkshop(ctx context.Context, workshopID string, onlyAvailable bool) ([]domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE workshop_id = ?`
	args := []any{workshopID}
	if onlyAvailable {
		query += ` AND is_available = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name, id`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (r *WorkerRepo) SetAvailability(ctx context.Context, id string, available bool) error {
	query := `UPDATE workers SET is_available = ?, updated_at = ? WHERE id = ?`
	res, err := r.exec(ctx, query, available, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set worker availability: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to set availability of worker %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func scanWorker(s scanner) (*domain.Worker, error) {
	var (
		w    domain.Worker
		tags string
	)
	if err := s.Scan(&w.ID, &w.WorkshopID, &w.UserID, &w.Name, &tags, &w.IsAvailable, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &w.Specializations); err != nil {
			return nil, fmt.Errorf("failed to decode specializations: %w", err)
		}
	}
	if w.Specializations == nil {
		w.Specializations = []string{}
	}
	return &w, nil
}
