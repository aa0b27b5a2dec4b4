package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"roadfix/internal/domain"
	"roadfix/internal/repository"
)

// ServiceRequestRepo implements repository.ServiceRequestRepository
type ServiceRequestRepo struct {
	conn
}

const requestColumns = `id, requester_id, name, description, issue_description, vehicle_info, contact_phone,
	workshop_id, assigned_worker_id, status, priority, latitude, longitude, address, tracking_code,
	preferred_start, preferred_end, estimated_completion, completed_at, created_at, updated_at`

func (r *ServiceRequestRepo) Create(ctx context.Context, req *domain.ServiceRequest) error {
	query := `INSERT INTO service_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.exec(ctx, query,
		req.ID, req.RequesterID, req.Name, req.Description, req.IssueDescription, req.VehicleInfo, req.ContactPhone,
		nullString(req.WorkshopID), nullString(req.AssignedWorkerID), string(req.Status), string(req.Priority),
		req.Location.Latitude, req.Location.Longitude, req.Location.Address, req.TrackingCode,
		nullTime(req.PreferredStart), nullTime(req.PreferredEnd), nullTime(req.EstimatedCompletion), nullTime(req.CompletedAt),
		req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return mapWriteErr("create service request", err)
	}
	return nil
}

func (r *ServiceRequestRepo) GetByID(ctx context.Context, id string) (*domain.ServiceRequest, error) {
	return r.getOne(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = ?`, id)
}

func (r *ServiceRequestRepo) GetForUpdate(ctx context.Context, id string) (*domain.ServiceRequest, error) {
	return r.getOne(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = ?`+r.forUpdate(), id)
}

func (r *ServiceRequestRepo) GetByTrackingCode(ctx context.Context, code string) (*domain.ServiceRequest, error) {
	return r.getOne(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE tracking_code = ?`, code)
}

func (r *ServiceRequestRepo) getOne(ctx context.Context, query string, args ...any) (*domain.ServiceRequest, error) {
	req, err := scanRequest(r.queryRow(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service request: %w", err)
	}
	return req, nil
}

func (r *ServiceRequestRepo) Update(ctx context.Context, req *domain.ServiceRequest) error {
	query := `
		UPDATE service_requests
		SET workshop_id = ?, assigned_worker_id = ?, status = ?, estimated_completion = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.exec(ctx, query,
		nullString(req.WorkshopID), nullString(req.AssignedWorkerID), string(req.Status),
		nullTime(req.EstimatedCompletion), nullTime(req.CompletedAt), req.UpdatedAt, req.ID)
	if err != nil {
		return fmt.Errorf("failed to update service request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update service request %s: %w", req.ID, sql.ErrNoRows)
	}
	return nil
}

func (r *ServiceRequestRepo) List(ctx context.Context, filter repository.RequestFilter) ([]domain.ServiceRequest, error) {
	var where []string
	var args []any
	if filter.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.WorkshopID != "" {
		where = append(where, "workshop_id = ?")
		args = append(args, filter.WorkshopID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + requestColumns + ` FROM service_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), max(filter.Offset, 0))

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list service requests: %w", err)
	}
	defer rows.Close()

	var out []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (r *ServiceRequestRepo) CountActiveByWorker(ctx context.Context, workerID string) (int, error) {
	query := `SELECT COUNT(*) FROM service_requests WHERE assigned_worker_id = ? AND status IN (?, ?)`
	var n int
	err := r.queryRow(ctx, query, workerID, string(domain.StatusAccepted), string(domain.StatusInProgress)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count worker assignments: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*domain.ServiceRequest, error) {
	var (
		req                               domain.ServiceRequest
		workshopID, workerID              sql.NullString
		status, priority                  string
		prefStart, prefEnd, eta, complete sql.NullTime
	)
	err := s.Scan(
		&req.ID, &req.RequesterID, &req.Name, &req.Description, &req.IssueDescription, &req.VehicleInfo, &req.ContactPhone,
		&workshopID, &workerID, &status, &priority,
		&req.Location.Latitude, &req.Location.Longitude, &req.Location.Address, &req.TrackingCode,
		&prefStart, &prefEnd, &eta, &complete, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.WorkshopID = stringPtr(workshopID)
	req.AssignedWorkerID = stringPtr(workerID)
	req.Status = domain.RequestStatus(status)
	req.Priority = domain.Priority(priority)
	req.PreferredStart = timePtr(prefStart)
	req.PreferredEnd = timePtr(prefEnd)
	req.EstimatedCompletion = timePtr(eta)
	req.CompletedAt = timePtr(complete)
	return &req, nil
}
