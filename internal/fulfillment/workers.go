package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"roadfix/internal/domain"
	"roadfix/internal/domain/events"
	"roadfix/internal/repository"
)

// AssignWorker binds a worker of the request's workshop to the request, or
// unbinds the current one when workerID is nil. The previous worker is
// released in the same transaction.
func (e *Engine) AssignWorker(ctx context.Context, actor domain.Actor, requestID string, workerID *string, idempotencyKey string) (*domain.ServiceRequest, error) {
	if workerID != nil && *workerID == "" {
		workerID = nil
	}

	var out *domain.ServiceRequest
	err := e.run(ctx, "assign_worker", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			req, err := loadRequest(ctx, tx, requestID, true)
			if err != nil {
				return err
			}
			done, err := replayed(ctx, tx, idempotencyKey, opAssignWorker, requestID, actor)
			if err != nil {
				return err
			}
			if done {
				out = req
				return nil
			}

			if !req.HasWorkshop() {
				return fmt.Errorf("%w: workshop must be assigned first", domain.ErrPrecondition)
			}
			if err := mustBeStaff(ctx, tx, *req.WorkshopID, actor); err != nil {
				return err
			}
			if !req.Status.Active() {
				return fmt.Errorf("%w: workers are assigned to accepted or in-progress requests, this one is %s", domain.ErrPrecondition, req.Status)
			}

			changed, err := e.bindWorker(ctx, tx, req, workerID, "reassigned")
			if err != nil {
				return err
			}
			if changed {
				req.UpdatedAt = e.clock()
				if err := tx.Requests.Update(ctx, req); err != nil {
					return err
				}
			}
			if err := e.remember(ctx, tx, idempotencyKey, opAssignWorker, requestID, actor); err != nil {
				return err
			}
			out = req
			return nil
		})
	})
	return out, err
}

// bindWorker points req at workerID, releasing whoever held the job before.
// The new worker must belong to req's workshop and be available. Workers are
// locked in id order. It reports whether anything changed; the caller
// persists req.
func (e *Engine) bindWorker(ctx context.Context, tx *repository.Repositories, req *domain.ServiceRequest, workerID *string, reason string) (bool, error) {
	prev := req.AssignedWorkerID
	if !req.HasWorker() {
		prev = nil
	}
	if prev == nil && workerID == nil {
		return false, nil
	}
	if prev != nil && workerID != nil && *prev == *workerID {
		return false, nil
	}

	var ids []string
	if prev != nil {
		ids = append(ids, *prev)
	}
	if workerID != nil {
		ids = append(ids, *workerID)
	}
	sort.Strings(ids)
	locked := make(map[string]*domain.Worker, len(ids))
	for _, id := range ids {
		w, err := tx.Workers.GetForUpdate(ctx, id)
		if err != nil {
			return false, err
		}
		locked[id] = w
	}

	if workerID != nil {
		w := locked[*workerID]
		if w == nil || w.WorkshopID != *req.WorkshopID {
			return false, notFound("worker", *workerID)
		}
		if !w.IsAvailable {
			return false, fmt.Errorf("%w: worker %s is busy", domain.ErrUnavailable, w.ID)
		}
	}

	if prev != nil {
		if locked[*prev] == nil {
			return false, fmt.Errorf("%w: request %s points at missing worker %s", domain.ErrInconsistent, req.ID, *prev)
		}
		if err := tx.Workers.SetAvailability(ctx, *prev, true); err != nil {
			return false, err
		}
		if err := e.emit(ctx, tx, events.WorkerReleased, req.ID, events.WorkerChange{
			RequestID: req.ID, WorkerID: *prev, Reason: reason,
		}); err != nil {
			return false, err
		}
	}

	if workerID != nil {
		if req.Status.Active() {
			if err := tx.Workers.SetAvailability(ctx, *workerID, false); err != nil {
				return false, err
			}
		}
		if err := e.emit(ctx, tx, events.WorkerAssigned, req.ID, events.WorkerChange{
			RequestID: req.ID, WorkerID: *workerID,
		}); err != nil {
			return false, err
		}
		id := *workerID
		req.AssignedWorkerID = &id
	} else {
		req.AssignedWorkerID = nil
	}
	return true, nil
}

// onStatusChange keeps the assigned worker's availability consistent with
// the request status it is moving to. It is the only place lifecycle
// transitions touch worker availability.
func (e *Engine) onStatusChange(ctx context.Context, tx *repository.Repositories, req *domain.ServiceRequest, to domain.RequestStatus) error {
	if !req.HasWorker() {
		return nil
	}
	workerID := *req.AssignedWorkerID

	var available bool
	switch to {
	case domain.StatusAccepted, domain.StatusInProgress:
		available = false
	case domain.StatusCompleted, domain.StatusCancelled:
		available = true
	default:
		return fmt.Errorf("%w: request %s has worker %s while moving to %s", domain.ErrInconsistent, req.ID, workerID, to)
	}

	w, err := tx.Workers.GetForUpdate(ctx, workerID)
	if err != nil {
		return err
	}
	if w == nil || !req.HasWorkshop() || w.WorkshopID != *req.WorkshopID {
		return fmt.Errorf("%w: worker %s does not belong to the request's workshop", domain.ErrInconsistent, workerID)
	}
	if w.IsAvailable == available {
		return nil
	}
	if err := tx.Workers.SetAvailability(ctx, workerID, available); err != nil {
		return err
	}
	if available {
		return e.emit(ctx, tx, events.WorkerReleased, req.ID, events.WorkerChange{
			RequestID: req.ID, WorkerID: workerID, Reason: strings.ToLower(string(to)),
		})
	}
	return nil
}

// WorkerInput registers a mechanic under a workshop
type WorkerInput struct {
	UserID          string   `json:"userId"`
	Name            string   `json:"name"`
	Specializations []string `json:"specializations"`
}

// RegisterWorker adds a worker to a workshop. Only the owner may do this and
// a user can work for one workshop at a time.
func (e *Engine) RegisterWorker(ctx context.Context, actor domain.Actor, workshopID string, in WorkerInput) (*domain.Worker, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Name = strings.TrimSpace(in.Name)
	if in.UserID == "" || in.Name == "" {
		return nil, fmt.Errorf("%w: user id and name are required", domain.ErrValidation)
	}

	var out *domain.Worker
	err := e.run(ctx, "register_worker", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			if _, err := mustBeOwner(ctx, tx, workshopID, actor); err != nil {
				return err
			}
			ts := e.clock()
			w := &domain.Worker{
				ID:              uuid.NewString(),
				WorkshopID:      workshopID,
				UserID:          in.UserID,
				Name:            in.Name,
				Specializations: domain.NormalizeTags(in.Specializations),
				IsAvailable:     true,
				CreatedAt:       ts,
				UpdatedAt:       ts,
			}
			if err := tx.Workers.Create(ctx, w); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					return fmt.Errorf("%w: user %s is already a worker", domain.ErrConflict, in.UserID)
				}
				return err
			}
			out = w
			return nil
		})
	})
	return out, err
}

// ListWorkers returns a workshop's workers for its staff
func (e *Engine) ListWorkers(ctx context.Context, actor domain.Actor, workshopID string, onlyAvailable bool) ([]domain.Worker, error) {
	var out []domain.Worker
	err := e.run(ctx, "list_workers", func(ctx context.Context) error {
		repos := e.store.Repositories()
		if err := mustBeStaff(ctx, repos, workshopID, actor); err != nil {
			return err
		}
		list, err := repos.Workers.ListByWorkshop(ctx, workshopID, onlyAvailable)
		if err != nil {
			return err
		}
		out = list
		return nil
	})
	return out, err
}

// SetWorkerAvailability lets a worker or the owner mark the worker on or off
// duty. A worker holding an accepted or in-progress job cannot be made
// available; finishing or unassigning the job does that.
func (e *Engine) SetWorkerAvailability(ctx context.Context, actor domain.Actor, workerID string, available bool) (*domain.Worker, error) {
	var out *domain.Worker
	err := e.run(ctx, "set_worker_availability", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			w, err := tx.Workers.GetForUpdate(ctx, workerID)
			if err != nil {
				return err
			}
			if w == nil {
				return notFound("worker", workerID)
			}
			if w.UserID != actor.ID {
				if _, err := mustBeOwner(ctx, tx, w.WorkshopID, actor); err != nil {
					return err
				}
			}
			if w.IsAvailable == available {
				out = w
				return nil
			}
			if available {
				n, err := tx.Requests.CountActiveByWorker(ctx, w.ID)
				if err != nil {
					return err
				}
				if n > 0 {
					return fmt.Errorf("%w: worker %s is on an active job", domain.ErrConflict, w.ID)
				}
			}
			if err := tx.Workers.SetAvailability(ctx, w.ID, available); err != nil {
				return err
			}
			w.IsAvailable = available
			out = w
			return nil
		})
	})
	return out, err
}
