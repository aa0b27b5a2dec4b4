package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"roadfix/internal/domain"
	"roadfix/internal/repository"
)

// WorkshopRepo implements repository.WorkshopRepository
type WorkshopRepo struct {
	conn
}

const workshopColumns = `id, owner_id, name, phone, latitude, longitude, address, status, rating, created_at, updated_at`

func (r *WorkshopRepo) Create(ctx context.Context, w *domain.Workshop) error {
	query := `INSERT INTO workshops (` + workshopColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.exec(ctx, query,
		w.ID, w.OwnerID, w.Name, w.Phone, w.Location.Latitude, w.Location.Longitude, w.Location.Address,
		string(w.Status), w.Rating, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return mapWriteErr("create workshop", err)
	}
	return nil
}

func (r *WorkshopRepo) GetByID(ctx context.Context, id string) (*domain.Workshop, error) {
	w, err := scanWorkshop(r.queryRow(ctx, `SELECT `+workshopColumns+` FROM workshops WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workshop: %w", err)
	}
	return w, nil
}

func (r *WorkshopRepo) UpdateStatus(ctx context.Context, id string, status domain.WorkshopStatus) error {
	res, err := r.exec(ctx, `UPDATE workshops SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update workshop status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update workshop %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (r *WorkshopRepo) List(ctx context.Context, filter repository.WorkshopFilter) ([]domain.Workshop, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MinRating > 0 {
		where = append(where, "rating >= ?")
		args = append(args, filter.MinRating)
	}
	if filter.HasBox {
		where = append(where, "latitude BETWEEN ? AND ?", "longitude BETWEEN ? AND ?")
		args = append(args, filter.MinLat, filter.MaxLat, filter.MinLon, filter.MaxLon)
	}

	query := `SELECT ` + workshopColumns + ` FROM workshops`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	switch filter.Order {
	case repository.WorkshopNewest:
		query += " ORDER BY created_at DESC, id"
	case repository.WorkshopRating:
		query += " ORDER BY rating DESC, created_at, id"
	default:
		query += " ORDER BY created_at, id"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workshops: %w", err)
	}
	defer rows.Close()

	var out []domain.Workshop
	for rows.Next() {
		w, err := scanWorkshop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workshop: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWorkshop(s scanner) (*domain.Workshop, error) {
	var (
		w      domain.Workshop
		status string
	)
	err := s.Scan(&w.ID, &w.OwnerID, &w.Name, &w.Phone, &w.Location.Latitude, &w.Location.Longitude,
		&w.Location.Address, &status, &w.Rating, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = domain.WorkshopStatus(status)
	return &w, nil
}
