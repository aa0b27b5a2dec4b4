package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"roadfix/internal/domain"
	"roadfix/internal/domain/events"
	"roadfix/internal/repository"
)

// QuotationInput prices a job. Amounts are minor currency units.
type QuotationInput struct {
	WorkshopID     string    `json:"workshopId"`
	ServiceCharges int64     `json:"serviceCharges"`
	VariableCost   int64     `json:"variableCost"`
	SparePartsCost int64     `json:"sparePartsCost"`
	Notes          string    `json:"notes"`
	ValidUntil     time.Time `json:"validUntil"`
}

// SubmitQuotation records a workshop's offer and moves a PENDING request to
// QUOTED. One quotation per workshop and request.
func (e *Engine) SubmitQuotation(ctx context.Context, actor domain.Actor, requestID string, in QuotationInput) (*domain.Quotation, error) {
	if in.WorkshopID == "" {
		return nil, fmt.Errorf("%w: workshop is required", domain.ErrValidation)
	}

	var out *domain.Quotation
	err := e.run(ctx, "submit_quotation", func(ctx context.Context) error {
		ts := e.clock()
		q := &domain.Quotation{
			ID:               uuid.NewString(),
			ServiceRequestID: requestID,
			WorkshopID:       in.WorkshopID,
			ServiceCharges:   in.ServiceCharges,
			VariableCost:     in.VariableCost,
			SparePartsCost:   in.SparePartsCost,
			Notes:            in.Notes,
			ValidUntil:       in.ValidUntil.UTC().Truncate(time.Microsecond),
			CreatedAt:        ts,
			UpdatedAt:        ts,
		}
		if err := q.ValidateAmounts(); err != nil {
			return err
		}
		if q.Expired(ts) {
			return fmt.Errorf("%w: valid_until must be in the future", domain.ErrValidation)
		}
		q.Recompute()

		if _, err := e.openWorkshop(ctx, in.WorkshopID); err != nil {
			return err
		}

		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			req, err := loadRequest(ctx, tx, requestID, true)
			if err != nil {
				return err
			}
			if err := mustBeStaff(ctx, tx, in.WorkshopID, actor); err != nil {
				return err
			}
			if err := e.changeStatus(ctx, tx, req, evQuote, actor, "quotation received"); err != nil {
				return err
			}

			if err := tx.Quotations.Create(ctx, q); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					return fmt.Errorf("%w: workshop %s already quoted request %s", domain.ErrConflict, in.WorkshopID, requestID)
				}
				return err
			}
			if err := tx.Requests.Update(ctx, req); err != nil {
				return err
			}
			if err := e.emit(ctx, tx, events.QuotationSubmitted, req.ID, q); err != nil {
				return err
			}
			out = q
			return nil
		})
	})
	return out, err
}

// QuotationPatch changes the offer fields that are set
type QuotationPatch struct {
	ServiceCharges *int64     `json:"serviceCharges"`
	VariableCost   *int64     `json:"variableCost"`
	SparePartsCost *int64     `json:"sparePartsCost"`
	Notes          *string    `json:"notes"`
	ValidUntil     *time.Time `json:"validUntil"`
}

// UpdateQuotation edits an offer until it is accepted
func (e *Engine) UpdateQuotation(ctx context.Context, actor domain.Actor, id string, patch QuotationPatch) (*domain.Quotation, error) {
	var out *domain.Quotation
	err := e.run(ctx, "update_quotation", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			q, err := tx.Quotations.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if q == nil {
				return notFound("quotation", id)
			}
			// request first, then quotation
			if _, err := loadRequest(ctx, tx, q.ServiceRequestID, true); err != nil {
				return err
			}
			if q, err = tx.Quotations.GetForUpdate(ctx, id); err != nil {
				return err
			}

			if err := mustBeStaff(ctx, tx, q.WorkshopID, actor); err != nil {
				return err
			}
			if q.IsAccepted {
				return fmt.Errorf("%w: quotation %s is accepted", domain.ErrConflict, id)
			}

			ts := e.clock()
			if patch.ServiceCharges != nil {
				q.ServiceCharges = *patch.ServiceCharges
			}
			if patch.VariableCost != nil {
				q.VariableCost = *patch.VariableCost
			}
			if patch.SparePartsCost != nil {
				q.SparePartsCost = *patch.SparePartsCost
			}
			if patch.Notes != nil {
				q.Notes = *patch.Notes
			}
			if patch.ValidUntil != nil {
				q.ValidUntil = patch.ValidUntil.UTC().Truncate(time.Microsecond)
				if q.Expired(ts) {
					return fmt.Errorf("%w: valid_until must be in the future", domain.ErrValidation)
				}
			}
			if err := q.ValidateAmounts(); err != nil {
				return err
			}
			q.Recompute()
			q.UpdatedAt = ts

			if err := tx.Quotations.Update(ctx, q); err != nil {
				return err
			}
			if err := e.emit(ctx, tx, events.QuotationUpdated, q.ServiceRequestID, q); err != nil {
				return err
			}
			out = q
			return nil
		})
	})
	return out, err
}

// AcceptQuotation commits the requester's choice: the quotation is accepted,
// every sibling is rejected and the request moves to ACCEPTED bound to the
// quoting workshop, all in one transaction. A repeated call with the same
// idempotency key returns the request unchanged.
func (e *Engine) AcceptQuotation(ctx context.Context, actor domain.Actor, quotationID, idempotencyKey string) (*domain.ServiceRequest, error) {
	var out *domain.ServiceRequest
	err := e.run(ctx, "accept_quotation", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx *repository.Repositories) error {
			q, err := tx.Quotations.GetByID(ctx, quotationID)
			if err != nil {
				return err
			}
			if q == nil {
				return notFound("quotation", quotationID)
			}

			req, err := tx.Requests.GetForUpdate(ctx, q.ServiceRequestID)
			if err != nil {
				return err
			}
			if req == nil {
				return fmt.Errorf("%w: quotation %s has no request", domain.ErrInconsistent, quotationID)
			}

			done, err := replayed(ctx, tx, idempotencyKey, opAccept, quotationID, actor)
			if err != nil {
				return err
			}
			if done {
				out = req
				return nil
			}

			siblings, err := tx.Quotations.LockByRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			var rejected []string
			for i := range siblings {
				s := &siblings[i]
				if s.ID == quotationID {
					q = s
					continue
				}
				if s.IsAccepted {
					return fmt.Errorf("%w: request %s already accepted quotation %s", domain.ErrAlreadyAccepted, req.ID, s.ID)
				}
				rejected = append(rejected, s.ID)
			}

			if req.RequesterID != actor.ID {
				return fmt.Errorf("%w: only the requester can accept a quotation", domain.ErrForbidden)
			}
			ts := e.clock()
			if q.Expired(ts) {
				return fmt.Errorf("%w: quotation %s expired at %s", domain.ErrExpired, q.ID, q.ValidUntil.Format(time.RFC3339))
			}
			if q.IsAccepted {
				return fmt.Errorf("%w: quotation %s", domain.ErrAlreadyAccepted, q.ID)
			}

			// a workshop named at creation is replaced by the quoting one
			req.WorkshopID = &q.WorkshopID
			if err := e.changeStatus(ctx, tx, req, evAccept, actor, "quotation accepted"); err != nil {
				return err
			}

			if err := tx.Quotations.RejectSiblings(ctx, req.ID, q.ID); err != nil {
				return err
			}
			q.IsAccepted = true
			q.AcceptedAt = &ts
			q.UpdatedAt = ts
			if err := tx.Quotations.MarkAccepted(ctx, q); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					return fmt.Errorf("%w: request %s", domain.ErrAlreadyAccepted, req.ID)
				}
				return err
			}
			if err := tx.Requests.Update(ctx, req); err != nil {
				return err
			}

			if err := e.emit(ctx, tx, events.QuotationAccepted, req.ID, events.QuotationAccept{
				RequestID:   req.ID,
				QuotationID: q.ID,
				WorkshopID:  q.WorkshopID,
				TotalAmount: q.TotalAmount,
				Rejected:    rejected,
			}); err != nil {
				return err
			}
			if err := e.remember(ctx, tx, idempotencyKey, opAccept, quotationID, actor); err != nil {
				return err
			}
			out = req
			return nil
		})
	})
	return out, err
}

// ListQuotations returns the offers on a request. The requester sees all of
// them; a workshop sees only its own.
func (e *Engine) ListQuotations(ctx context.Context, actor domain.Actor, requestID string) ([]domain.Quotation, error) {
	var out []domain.Quotation
	err := e.run(ctx, "list_quotations", func(ctx context.Context) error {
		repos := e.store.Repositories()
		req, err := loadRequest(ctx, repos, requestID, false)
		if err != nil {
			return err
		}
		all, err := repos.Quotations.ListByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if actor.IsAdmin() || req.RequesterID == actor.ID {
			out = all
			return nil
		}

		staffOf := map[string]bool{}
		out = []domain.Quotation{}
		for _, q := range all {
			ok, seen := staffOf[q.WorkshopID]
			if !seen {
				err := mustBeStaff(ctx, repos, q.WorkshopID, actor)
				if err != nil && !errors.Is(err, domain.ErrForbidden) {
					return err
				}
				ok = err == nil
				staffOf[q.WorkshopID] = ok
			}
			if ok {
				out = append(out, q)
			}
		}
		if len(out) == 0 {
			return canView(ctx, repos, req, actor)
		}
		return nil
	})
	return out, err
}
