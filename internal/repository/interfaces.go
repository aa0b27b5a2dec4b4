// Package repository defines interfaces for data persistence
package repository

import (
	"context"
	"errors"

	"roadfix/internal/domain"
)

// ErrDuplicate is returned when a write violates a unique constraint
var ErrDuplicate = errors.New("duplicate key")

// Get methods return (nil, nil) when the row does not exist. GetForUpdate
// variants lock the row until the surrounding transaction ends and must only
// be called inside WithinTx.

// ServiceRequestRepository defines the interface for service request data operations
type ServiceRequestRepository interface {
	Create(ctx context.Context, req *domain.ServiceRequest) error
	GetByID(ctx context.Context, id string) (*domain.ServiceRequest, error)
	GetForUpdate(ctx context.Context, id string) (*domain.ServiceRequest, error)
	GetByTrackingCode(ctx context.Context, code string) (*domain.ServiceRequest, error)
	Update(ctx context.Context, req *domain.ServiceRequest) error
	List(ctx context.Context, filter RequestFilter) ([]domain.ServiceRequest, error)
	CountActiveByWorker(ctx context.Context, workerID string) (int, error)
}

// RequestFilter narrows ServiceRequestRepository.List
type RequestFilter struct {
	RequesterID string
	WorkshopID  string
	Status      domain.RequestStatus
	Limit       int
	Offset      int
}

// QuotationRepository defines the interface for quotation data operations
type QuotationRepository interface {
	Create(ctx context.Context, q *domain.Quotation) error
	GetByID(ctx context.Context, id string) (*domain.Quotation, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Quotation, error)
	ListByRequest(ctx context.Context, requestID string) ([]domain.Quotation, error)
	LockByRequest(ctx context.Context, requestID string) ([]domain.Quotation, error)
	Update(ctx context.Context, q *domain.Quotation) error
	MarkAccepted(ctx context.Context, q *domain.Quotation) error
	RejectSiblings(ctx context.Context, requestID, acceptedID string) error
}

// WorkerRepository defines the interface for worker data operations
type WorkerRepository interface {
	Create(ctx context.Context, w *domain.Worker) error
	GetByID(ctx context.Context, id string) (*domain.Worker, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Worker, error)
	GetByWorkshopAndUser(ctx context.Context, workshopID, userID string) (*domain.Worker, error)
	ListByWorkshop(ctx context.Context, workshopID string, onlyAvailable bool) ([]domain.Worker, error)
	SetAvailability(ctx context.Context, id string, available bool) error
}

// WorkshopRepository defines the interface for workshop data operations
type WorkshopRepository interface {
	Create(ctx context.Context, w *domain.Workshop) error
	GetByID(ctx context.Context, id string) (*domain.Workshop, error)
	UpdateStatus(ctx context.Context, id string, status domain.WorkshopStatus) error
	List(ctx context.Context, filter WorkshopFilter) ([]domain.Workshop, error)
}

// WorkshopFilter narrows WorkshopRepository.List. Zero values disable a filter.
type WorkshopFilter struct {
	Status    domain.WorkshopStatus
	MinRating float64
	// Bounding box prefilter, applied when HasBox is set
	HasBox         bool
	MinLat, MaxLat float64
	MinLon, MaxLon float64
	Order          WorkshopOrder
	Limit          int
}

// WorkshopOrder selects the row order of WorkshopRepository.List
type WorkshopOrder string

// Workshop list orders. The zero value lists oldest first.
const (
	WorkshopOldest WorkshopOrder = ""
	WorkshopNewest WorkshopOrder = "newest"
	WorkshopRating WorkshopOrder = "rating"
)

// HistoryRepository defines the interface for status history operations
type HistoryRepository interface {
	Record(ctx context.Context, change *domain.StatusChange) error
	ListByRequest(ctx context.Context, requestID string) ([]domain.StatusChange, error)
}

// OutboxRepository defines the interface for pending domain events
type OutboxRepository interface {
	Enqueue(ctx context.Context, event *domain.OutboxEvent) error
	ListPending(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// IdempotencyRepository defines the interface for idempotency key records
type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Save(ctx context.Context, rec *domain.IdempotencyRecord) error
}

// Repositories holds all repository instances
type Repositories struct {
	Requests    ServiceRequestRepository
	Quotations  QuotationRepository
	Workers     WorkerRepository
	Workshops   WorkshopRepository
	History     HistoryRepository
	Outbox      OutboxRepository
	Idempotency IdempotencyRepository
}

// Store gives access to repositories outside and inside a transaction
type Store interface {
	Repositories() *Repositories
	// WithinTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back on error, panic or context cancellation.
	WithinTx(ctx context.Context, fn func(tx *Repositories) error) error
	Ping(ctx context.Context) error
}
