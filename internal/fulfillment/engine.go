// Package fulfillment runs the service request workflow: quotations,
// acceptance, workshop and worker assignment, and the status lifecycle. Every
// mutating operation is one store transaction.
package fulfillment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"roadfix/internal/directory"
	"roadfix/internal/domain"
	"roadfix/internal/domain/events"
	"roadfix/internal/repository"
)

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	OperationTimeout time.Duration
	DefaultRadiusKm  float64
	MaxSearchResults int
	PublicBaseURL    string
	Now              func() time.Time
	// TrackingCode generates public tracking codes. Defaults to 10 random hex chars.
	TrackingCode     func() string
}

// Engine is the fulfillment workflow engine
type Engine struct {
	store      repository.Store
	dir        directory.Directory
	log        *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
	timeout    time.Duration
	radiusKm   float64
	maxResults int
	baseURL    string
	newCode    func() string
}

// New creates an Engine
func New(store repository.Store, dir directory.Directory, log *zap.Logger, opts Options) *Engine {
	e := &Engine{
		store:      store,
		dir:        dir,
		log:        log,
		tracer:     otel.Tracer("roadfix/fulfillment"),
		now:        opts.Now,
		timeout:    opts.OperationTimeout,
		radiusKm:   opts.DefaultRadiusKm,
		maxResults: opts.MaxSearchResults,
		baseURL:    opts.PublicBaseURL,
		newCode:    opts.TrackingCode,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newCode == nil {
		e.newCode = newTrackingCode
	}
	if e.timeout <= 0 {
		e.timeout = 8 * time.Second
	}
	if e.radiusKm <= 0 {
		e.radiusKm = 50
	}
	if e.maxResults <= 0 {
		e.maxResults = 100
	}
	return e
}

// clock returns the current time at the precision both stores keep
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// run applies the operation timeout and a tracing span. A deadline hit
// anywhere below surfaces as domain.ErrTimeout; the store has rolled back.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "fulfillment."+op)
	defer span.End()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (errors.Is(ctx.Err(), context.DeadlineExceeded) && !isDomainError(err)) {
		err = fmt.Errorf("%w: %s: %w", domain.ErrTimeout, op, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if !isDomainError(err) {
		e.log.Error("fulfillment operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

var domainErrors = []error{
	domain.ErrValidation, domain.ErrNotFound, domain.ErrConflict, domain.ErrForbidden,
	domain.ErrUnavailable, domain.ErrExpired, domain.ErrInvalidTransition, domain.ErrPrecondition,
	domain.ErrInconsistent, domain.ErrTimeout,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
}

// mustBeStaff fails with ErrForbidden unless actor is an admin, the owner of
// the workshop, or one of its workers.
func mustBeStaff(ctx context.Context, repos *repository.Repositories, workshopID string, actor domain.Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	ws, err := repos.Workshops.GetByID(ctx, workshopID)
	if err != nil {
		return err
	}
	if ws == nil {
		return notFound("workshop", workshopID)
	}
	if ws.OwnerID == actor.ID {
		return nil
	}
	w, err := repos.Workers.GetByWorkshopAndUser(ctx, workshopID, actor.ID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("%w: not staff of workshop %s", domain.ErrForbidden, workshopID)
	}
	return nil
}

// mustBeOwner is mustBeStaff without the workers
func mustBeOwner(ctx context.Context, repos *repository.Repositories, workshopID string, actor domain.Actor) (*domain.Workshop, error) {
	ws, err := repos.Workshops.GetByID(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, notFound("workshop", workshopID)
	}
	if !actor.IsAdmin() && ws.OwnerID != actor.ID {
		return nil, fmt.Errorf("%w: not the owner of workshop %s", domain.ErrForbidden, workshopID)
	}
	return ws, nil
}

// openWorkshop checks the directory for an existing, open workshop
func (e *Engine) openWorkshop(ctx context.Context, id string) (*domain.Workshop, error) {
	ws, err := e.dir.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.Status != domain.WorkshopOpen {
		return nil, fmt.Errorf("%w: workshop %s is closed", domain.ErrUnavailable, id)
	}
	return ws, nil
}

// emit queues a domain event in the current transaction
func (e *Engine) emit(ctx context.Context, repos *repository.Repositories, eventType, aggregateID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return repos.Outbox.Enqueue(ctx, &domain.OutboxEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		CreatedAt:   e.clock(),
	})
}

// changeStatus moves req along ev, keeps the assigned worker's availability in
// step and records history. The caller persists req.
func (e *Engine) changeStatus(ctx context.Context, repos *repository.Repositories, req *domain.ServiceRequest, ev event, actor domain.Actor, note string) error {
	to, ok := next(req.Status, ev)
	if !ok {
		return fmt.Errorf("%w: cannot %s a request that is %s", domain.ErrInvalidTransition, ev, req.Status)
	}
	from := req.Status
	if from == to {
		return nil
	}

	if err := e.onStatusChange(ctx, repos, req, to); err != nil {
		return err
	}

	ts := e.clock()
	req.Status = to
	req.UpdatedAt = ts
	switch to {
	case domain.StatusCompleted:
		req.CompletedAt = &ts
	case domain.StatusCancelled:
		req.EstimatedCompletion = nil
	}

	if err := repos.History.Record(ctx, &domain.StatusChange{
		ID:               uuid.NewString(),
		ServiceRequestID: req.ID,
		FromStatus:       from,
		ToStatus:         to,
		ActorID:          actor.ID,
		Note:             note,
		CreatedAt:        ts,
	}); err != nil {
		return err
	}
	return e.emit(ctx, repos, events.RequestStatusChanged, req.ID, events.StatusChanged{
		RequestID: req.ID,
		From:      string(from),
		To:        string(to),
		ActorID:   actor.ID,
	})
}

// Operation names recorded with idempotency keys
const (
	opAccept         = "accept_quotation"
	opAssignWorker   = "assign_worker"
	opAssignWorkshop = "assign_workshop"
)

// replayed reports whether key already recorded op on resourceID. A key
// reused for anything else is a conflict.
func replayed(ctx context.Context, repos *repository.Repositories, key, op, resourceID string, actor domain.Actor) (bool, error) {
	if key == "" {
		return false, nil
	}
	rec, err := repos.Idempotency.Get(ctx, key)
	if err != nil || rec == nil {
		return false, err
	}
	if rec.Operation != op || rec.ResourceID != resourceID || rec.ActorID != actor.ID {
		return false, fmt.Errorf("%w: idempotency key already used for another operation", domain.ErrConflict)
	}
	return true, nil
}

func (e *Engine) remember(ctx context.Context, repos *repository.Repositories, key, op, resourceID string, actor domain.Actor) error {
	if key == "" {
		return nil
	}
	err := repos.Idempotency.Save(ctx, &domain.IdempotencyRecord{
		Key:        key,
		Operation:  op,
		ResourceID: resourceID,
		ActorID:    actor.ID,
		CreatedAt:  e.clock(),
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return fmt.Errorf("%w: idempotency key already used", domain.ErrConflict)
	}
	return err
}

func loadRequest(ctx context.Context, repos *repository.Repositories, id string, lock bool) (*domain.ServiceRequest, error) {
	get := repos.Requests.GetByID
	if lock {
		get = repos.Requests.GetForUpdate
	}
	req, err := get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("service request", id)
	}
	return req, nil
}

func newTrackingCode() string {
	b := make([]byte, 5)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
