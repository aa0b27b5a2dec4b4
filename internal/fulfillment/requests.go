package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"roadfix/internal/domain"
	"roadfix/internal/domain/events"
	"roadfix/internal/repository"
)

// CreateRequestInput is what a requester submits
type CreateRequestInput struct {
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	IssueDescription string           `json:"issueDescription"`
	VehicleInfo      string           `json:"vehicleInfo"`
	ContactPhone     string           `json:"contactPhone"`
	Priority         domain.Priority  `json:"priority"`
	Location         *domain.Location `json:"location"`
	WorkshopID       *string          `json:"workshopId"`
	PreferredStart   *time.Time       `json:"preferredStart"`
	PreferredEnd     *time.Time       `json:"preferredEnd"`
}

func (in *CreateRequestInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.IssueDescription = strings.TrimSpace(in.IssueDescription)

	switch {
	case in.Name == "":
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	case in.Description == "":
		return fmt.Errorf("%w: description is required", domain.ErrValidation)
	case in.IssueDescription == "":
		return fmt.Errorf("%w: issue description is required", domain.ErrValidation)
	}
	if in.Location == nil {
		return fmt.Errorf("%w: location is required", domain.ErrValidation)
	}
	if err := in.Location.Validate(); err != nil {
		return err
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, in.Priority)
	}
	if in.PreferredStart != nil && in.PreferredEnd != nil && in.PreferredEnd.Before(*in.PreferredStart) {
		return fmt.Errorf("%w: preferred window ends before it starts", domain.ErrValidation)
	}
	if in.WorkshopID != nil && *in.WorkshopID == "" {
		in.WorkshopID = nil
	}
	return nil
}

// trackingCodeAttempts bounds how often a colliding tracking code is redrawn
const trackingCodeAttempts = 5

// errTrackingCodeTaken marks an insert that lost the tracking code to another request
var errTrackingCodeTaken = errors.New("tracking code taken")

// CreateServiceRequest opens a request in PENDING. A workshop may be named
// up front; it must exist and be open but nothing is accepted yet.
func (e *Engine) CreateServiceRequest(ctx context.Context, actor domain.Actor, in CreateRequestInput) (*domain.ServiceRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var out *domain.ServiceRequest
	err := e.run(ctx, "create_request", func(ctx context.Context) error {
		if in.WorkshopID != nil {
			if _, err := e.openWorkshop(ctx, *in.WorkshopID); err != nil {
				return err
			}
		}

		// A taken code aborts the transaction on Postgres, so each attempt
		// runs in a fresh one.
		for attempt := 0; attempt < trackingCodeAttempts; attempt++ {
			var req *domain.ServiceRequest
			err := e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
				var err error
				req, err = e.insertRequest(ctx, tx, actor, in, e.newCode())
				return err
			})
			if err == nil {
				out = req
				return nil
			}
			if !errors.Is(err, errTrackingCodeTaken) {
				return err
			}
			e.log.Warn("tracking code collision, retrying", zap.Int("attempt", attempt+1))
		}
		return fmt.Errorf("could not allocate a tracking code after %d attempts", trackingCodeAttempts)
	})
	return out, err
}

// insertRequest writes a new PENDING request with its first history entry.
func (e *Engine) insertRequest(ctx context.Context, tx *repository.Repositories, actor domain.Actor, in CreateRequestInput, code string) (*domain.ServiceRequest, error) {
	ts := e.clock()
	req := &domain.ServiceRequest{
		ID:               uuid.NewString(),
		RequesterID:      actor.ID,
		Name:             in.Name,
		Description:      in.Description,
		IssueDescription: in.IssueDescription,
		VehicleInfo:      in.VehicleInfo,
		ContactPhone:     in.ContactPhone,
		WorkshopID:       in.WorkshopID,
		Status:           domain.StatusPending,
		Priority:         in.Priority,
		Location:         *in.Location,
		TrackingCode:     code,
		PreferredStart:   utcPtr(in.PreferredStart),
		PreferredEnd:     utcPtr(in.PreferredEnd),
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := tx.Requests.Create(ctx, req); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %v", errTrackingCodeTaken, err)
		}
		return nil, err
	}
	if err := tx.History.Record(ctx, &domain.StatusChange{
		ID:               uuid.NewString(),
		ServiceRequestID: req.ID,
		ToStatus:         domain.StatusPending,
		ActorID:          actor.ID,
		CreatedAt:        ts,
	}); err != nil {
		return nil, err
	}
	if err := e.emit(ctx, tx, events.RequestCreated, req.ID, req); err != nil {
		return nil, err
	}
	return req, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}

// canView reports whether actor may read req. Open requests are visible to
// every workshop so they can be quoted.
func canView(ctx context.Context, repos *repository.Repositories, req *domain.ServiceRequest, actor domain.Actor) error {
	if actor.IsAdmin() || req.RequesterID == actor.ID {
		return nil
	}
	if isWorkshopRole(actor) && (req.Status == domain.StatusPending || req.Status == domain.StatusQuoted) {
		return nil
	}
	if req.HasWorkshop() {
		return mustBeStaff(ctx, repos, *req.WorkshopID, actor)
	}
	return fmt.Errorf("%w: request %s", domain.ErrForbidden, req.ID)
}

func isWorkshopRole(actor domain.Actor) bool {
	return actor.Role == domain.RoleWorkshopOwner || actor.Role == domain.RoleMechanic
}

// GetServiceRequest returns one request
func (e *Engine) GetServiceRequest(ctx context.Context, actor domain.Actor, id string) (*domain.ServiceRequest, error) {
	var out *domain.ServiceRequest
	err := e.run(ctx, "get_request", func(ctx context.Context) error {
		repos := e.store.Repositories()
		req, err := loadRequest(ctx, repos, id, false)
		if err != nil {
			return err
		}
		if err := canView(ctx, repos, req, actor); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// ListFilter narrows ListServiceRequests
type ListFilter struct {
	WorkshopID string
	Status     domain.RequestStatus
	Limit      int
	Offset     int
}

// ListServiceRequests lists requests visible to actor. Requesters see their
// own. Workshop staff see a workshop's jobs when WorkshopID is set, or the
// open board when filtering by PENDING or QUOTED. Admins see everything.
func (e *Engine) ListServiceRequests(ctx context.Context, actor domain.Actor, f ListFilter) ([]domain.ServiceRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, f.Status)
	}

	var out []domain.ServiceRequest
	err := e.run(ctx, "list_requests", func(ctx context.Context) error {
		repos := e.store.Repositories()
		filter := repository.RequestFilter{
			WorkshopID: f.WorkshopID,
			Status:     f.Status,
			Limit:      f.Limit,
			Offset:     f.Offset,
		}
		switch {
		case f.WorkshopID != "":
			if err := mustBeStaff(ctx, repos, f.WorkshopID, actor); err != nil {
				return err
			}
		case actor.IsAdmin():
		case isWorkshopRole(actor) && (f.Status == domain.StatusPending || f.Status == domain.StatusQuoted):
		default:
			filter.RequesterID = actor.ID
		}

		list, err := repos.Requests.List(ctx, filter)
		if err != nil {
			return err
		}
		out = list
		return nil
	})
	return out, err
}

// History returns the status changes of a request, oldest first
func (e *Engine) History(ctx context.Context, actor domain.Actor, id string) ([]domain.StatusChange, error) {
	var out []domain.StatusChange
	err := e.run(ctx, "request_history", func(ctx context.Context) error {
		repos := e.store.Repositories()
		req, err := loadRequest(ctx, repos, id, false)
		if err != nil {
			return err
		}
		if err := canView(ctx, repos, req, actor); err != nil {
			return err
		}
		out, err = repos.History.ListByRequest(ctx, id)
		return err
	})
	return out, err
}

// TrackingView is the public projection of a request
type TrackingView struct {
	TrackingCode string               `json:"trackingCode"`
	Status       domain.RequestStatus `json:"status"`
	Label        string               `json:"label"`
	HasWorkshop  bool                 `json:"hasWorkshop"`
	HasWorker    bool                 `json:"hasWorker"`
	EstimatedAt  *time.Time           `json:"estimatedCompletion,omitempty"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// Track resolves a tracking code without authentication
func (e *Engine) Track(ctx context.Context, code string) (*TrackingView, error) {
	var out *TrackingView
	err := e.run(ctx, "track", func(ctx context.Context) error {
		req, err := e.store.Repositories().Requests.GetByTrackingCode(ctx, strings.ToLower(strings.TrimSpace(code)))
		if err != nil {
			return err
		}
		if req == nil {
			return notFound("tracking code", code)
		}
		out = &TrackingView{
			TrackingCode: req.TrackingCode,
			Status:       req.Status,
			Label:        domain.RequestStatusLabel[req.Status],
			HasWorkshop:  req.HasWorkshop(),
			HasWorker:    req.HasWorker(),
			EstimatedAt:  req.EstimatedCompletion,
			UpdatedAt:    req.UpdatedAt,
		}
		return nil
	})
	return out, err
}

// Label renders a QR code PNG pointing at the public tracking page
func (e *Engine) Label(ctx context.Context, actor domain.Actor, id string) ([]byte, error) {
	req, err := e.GetServiceRequest(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(e.baseURL, "/") + "/track/" + req.TrackingCode
	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render tracking label: %w", err)
	}
	return png, nil
}

// Transition moves a request to IN_PROGRESS, COMPLETED or CANCELLED.
// Requesting the current status is a no-op. Requesters may cancel until work
// starts; workshop staff may start, complete and cancel.
func (e *Engine) Transition(ctx context.Context, actor domain.Actor, id string, to domain.RequestStatus, note string) (*domain.ServiceRequest, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, to)
	}

	var out *domain.ServiceRequest
	err := e.run(ctx, "transition", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			req, err := loadRequest(ctx, tx, id, true)
			if err != nil {
				return err
			}

			ev, ok := actorEvents[to]
			if !ok {
				if req.Status == to {
					out = req
					return nil
				}
				return fmt.Errorf("%w: %s is reached through quotations or workshop assignment", domain.ErrInvalidTransition, to)
			}
			if err := authorizeTransition(ctx, tx, req, ev, actor); err != nil {
				return err
			}
			if req.Status == to {
				out = req
				return nil
			}

			if err := e.changeStatus(ctx, tx, req, ev, actor, note); err != nil {
				return err
			}
			if err := tx.Requests.Update(ctx, req); err != nil {
				return err
			}
			out = req
			return nil
		})
	})
	return out, err
}

// SetEstimatedCompletion records when the workshop expects to finish. Only
// staff of the bound workshop may set it, while the request is ACCEPTED or
// IN_PROGRESS.
func (e *Engine) SetEstimatedCompletion(ctx context.Context, actor domain.Actor, id string, eta time.Time) (*domain.ServiceRequest, error) {
	if eta.IsZero() {
		return nil, fmt.Errorf("%w: estimated completion is required", domain.ErrValidation)
	}
	eta = eta.UTC().Truncate(time.Microsecond)

	var out *domain.ServiceRequest
	err := e.run(ctx, "set_eta", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			req, err := loadRequest(ctx, tx, id, true)
			if err != nil {
				return err
			}
			if !req.HasWorkshop() {
				return fmt.Errorf("%w: request %s has no workshop", domain.ErrPrecondition, req.ID)
			}
			if err := mustBeStaff(ctx, tx, *req.WorkshopID, actor); err != nil {
				return err
			}
			if req.Status != domain.StatusAccepted && req.Status != domain.StatusInProgress {
				return fmt.Errorf("%w: request is %s", domain.ErrPrecondition, req.Status)
			}
			ts := e.clock()
			if !eta.After(ts) {
				return fmt.Errorf("%w: estimated completion must be in the future", domain.ErrValidation)
			}

			req.EstimatedCompletion = &eta
			req.UpdatedAt = ts
			if err := tx.Requests.Update(ctx, req); err != nil {
				return err
			}
			if err := e.emit(ctx, tx, events.RequestScheduled, req.ID, events.Schedule{
				RequestID:           req.ID,
				EstimatedCompletion: eta,
				ActorID:             actor.ID,
			}); err != nil {
				return err
			}
			out = req
			return nil
		})
	})
	return out, err
}

func authorizeTransition(ctx context.Context, repos *repository.Repositories, req *domain.ServiceRequest, ev event, actor domain.Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	if ev == evCancel && req.RequesterID == actor.ID {
		if req.Status == domain.StatusInProgress {
			return fmt.Errorf("%w: work has started; ask the workshop to cancel", domain.ErrForbidden)
		}
		return nil
	}
	if !req.HasWorkshop() {
		return fmt.Errorf("%w: request %s has no workshop", domain.ErrForbidden, req.ID)
	}
	return mustBeStaff(ctx, repos, *req.WorkshopID, actor)
}
