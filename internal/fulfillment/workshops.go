package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"roadfix/internal/domain"
	"roadfix/internal/domain/events"
	"roadfix/internal/geo"
	"roadfix/internal/repository"
)

// AssignWorkshop books a request straight to a workshop without quotations.
// The request must be PENDING or QUOTED, or already ACCEPTED. It ends
// ACCEPTED, optionally with a worker bound.
func (e *Engine) AssignWorkshop(ctx context.Context, actor domain.Actor, requestID, workshopID string, workerID *string, idempotencyKey string) (*domain.ServiceRequest, error) {
	if workshopID == "" {
		return nil, fmt.Errorf("%w: workshop is required", domain.ErrValidation)
	}
	if workerID != nil && *workerID == "" {
		workerID = nil
	}

	var out *domain.ServiceRequest
	err := e.run(ctx, "assign_workshop", func(ctx context.Context) error {
		if _, err := e.openWorkshop(ctx, workshopID); err != nil {
			return err
		}

		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			req, err := loadRequest(ctx, tx, requestID, true)
			if err != nil {
				return err
			}
			done, err := replayed(ctx, tx, idempotencyKey, opAssignWorkshop, requestID, actor)
			if err != nil {
				return err
			}
			if done {
				out = req
				return nil
			}

			if err := mustBeStaff(ctx, tx, workshopID, actor); err != nil {
				return err
			}
			switch req.Status {
			case domain.StatusPending, domain.StatusQuoted, domain.StatusAccepted:
			default:
				return fmt.Errorf("%w: cannot assign a workshop to a request that is %s", domain.ErrInvalidTransition, req.Status)
			}

			quotes, err := tx.Quotations.LockByRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			for _, q := range quotes {
				if q.IsAccepted && q.WorkshopID != workshopID {
					return fmt.Errorf("%w: request %s accepted a quotation from another workshop", domain.ErrConflict, req.ID)
				}
			}

			sameWorkshop := req.HasWorkshop() && *req.WorkshopID == workshopID
			id := workshopID
			req.WorkshopID = &id
			if req.Status != domain.StatusAccepted {
				if err := e.changeStatus(ctx, tx, req, evAccept, actor, "workshop assigned"); err != nil {
					return err
				}
			}

			switch {
			case workerID != nil:
				if _, err := e.bindWorker(ctx, tx, req, workerID, "workshop assigned"); err != nil {
					return err
				}
			case !sameWorkshop:
				// the old workshop's worker cannot follow the job
				if _, err := e.bindWorker(ctx, tx, req, nil, "workshop changed"); err != nil {
					return err
				}
			}

			req.UpdatedAt = e.clock()
			if err := tx.Requests.Update(ctx, req); err != nil {
				return err
			}
			if err := e.emit(ctx, tx, events.WorkshopAssigned, req.ID, req); err != nil {
				return err
			}
			if err := e.remember(ctx, tx, idempotencyKey, opAssignWorkshop, requestID, actor); err != nil {
				return err
			}
			out = req
			return nil
		})
	})
	return out, err
}

// WorkshopInput registers a workshop
type WorkshopInput struct {
	Name     string          `json:"name"`
	Phone    string          `json:"phone"`
	Location domain.Location `json:"location"`
	// OwnerID and Rating are honoured for admins only
	OwnerID string  `json:"ownerId"`
	Rating  float64 `json:"rating"`
}

// RegisterWorkshop creates an OPEN workshop owned by the caller
func (e *Engine) RegisterWorkshop(ctx context.Context, actor domain.Actor, in WorkshopInput) (*domain.Workshop, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if err := in.Location.Validate(); err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleWorkshopOwner && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only workshop owners can register workshops", domain.ErrForbidden)
	}

	ts := e.clock()
	w := &domain.Workshop{
		ID:        uuid.NewString(),
		OwnerID:   actor.ID,
		Name:      in.Name,
		Phone:     in.Phone,
		Location:  in.Location,
		Status:    domain.WorkshopOpen,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if actor.IsAdmin() {
		if in.OwnerID != "" {
			w.OwnerID = in.OwnerID
		}
		if in.Rating < 0 || in.Rating > 5 {
			return nil, fmt.Errorf("%w: rating must be between 0 and 5", domain.ErrValidation)
		}
		w.Rating = in.Rating
	}

	err := e.run(ctx, "register_workshop", func(ctx context.Context) error {
		return e.store.Repositories().Workshops.Create(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// SetWorkshopStatus opens or closes a workshop. Closing affects new
// quotations and assignments only.
func (e *Engine) SetWorkshopStatus(ctx context.Context, actor domain.Actor, id string, status domain.WorkshopStatus) (*domain.Workshop, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown workshop status %q", domain.ErrValidation, status)
	}

	var out *domain.Workshop
	err := e.run(ctx, "set_workshop_status", func(ctx context.Context) error {
		err := e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			ws, err := mustBeOwner(ctx, tx, id, actor)
			if err != nil {
				return err
			}
			if err := tx.Workshops.UpdateStatus(ctx, id, status); err != nil {
				return err
			}
			ws.Status = status
			out = ws
			return nil
		})
		if err != nil {
			return err
		}
		e.dir.Invalidate(ctx, id)
		return nil
	})
	return out, err
}

// GetWorkshop returns one workshop from the directory
func (e *Engine) GetWorkshop(ctx context.Context, id string) (*domain.Workshop, error) {
	var out *domain.Workshop
	err := e.run(ctx, "get_workshop", func(ctx context.Context) error {
		ws, err := e.dir.Get(ctx, id)
		out = ws
		return err
	})
	return out, err
}

var workshopOrder = map[geo.Sort]repository.WorkshopOrder{
	geo.SortNewest: repository.WorkshopNewest,
	geo.SortOldest: repository.WorkshopOldest,
	geo.SortRating: repository.WorkshopRating,
}

// SearchInput is a workshop discovery query
type SearchInput struct {
	Center        *geo.Point
	RadiusKm      *float64
	Sort          geo.Sort
	MinRating     float64
	IncludeClosed bool
	Limit         int
}

// SearchWorkshopsNear finds workshops around a point, nearest first by
// default. Without a center it lists workshops by age or rating.
func (e *Engine) SearchWorkshopsNear(ctx context.Context, in SearchInput) ([]geo.Match, error) {
	q := geo.Query{Center: in.Center, RadiusKm: in.RadiusKm, Sort: in.Sort, Limit: in.Limit}
	if q.RadiusKm == nil {
		r := e.radiusKm
		q.RadiusKm = &r
	}
	radius, err := q.Radius()
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > e.maxResults {
		q.Limit = e.maxResults
	}

	mode, err := q.Mode()
	if err != nil {
		return nil, err
	}

	filter := repository.WorkshopFilter{MinRating: in.MinRating}
	if !in.IncludeClosed {
		filter.Status = domain.WorkshopOpen
	}
	if in.Center != nil {
		if err := in.Center.Validate(); err != nil {
			return nil, err
		}
		// every workshop in the box is a candidate; ranking needs the distance
		box := geo.BoundingBox(*in.Center, radius)
		filter.HasBox = true
		filter.MinLat, filter.MaxLat = box.MinLat, box.MaxLat
		filter.MinLon, filter.MaxLon = box.MinLon, box.MaxLon
	} else {
		filter.Order = workshopOrder[mode]
		filter.Limit = q.Limit
	}

	var out []geo.Match
	err = e.run(ctx, "search_workshops", func(ctx context.Context) error {
		candidates, err := e.dir.List(ctx, filter)
		if err != nil {
			return err
		}
		out, err = geo.SearchNear(q, candidates)
		return err
	})
	return out, err
}
