package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"roadfix/internal/domain"
	"roadfix/internal/fulfillment"
)

// Service requests

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var in fulfillment.CreateRequestInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.flow.CreateServiceRequest(r.Context(), actor, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	q := r.URL.Query()

	filter := fulfillment.ListFilter{
		WorkshopID: q.Get("workshopId"),
		Status:     domain.RequestStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		s.fail(w, r, err)
		return
	}

	list, err := s.flow.ListServiceRequests(r.Context(), actor, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	req, err := s.flow.GetServiceRequest(r.Context(), actor, getURLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	history, err := s.flow.History(r.Context(), actor, getURLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleRequestLabel serves the printable QR label for a request
func (s *Server) handleRequestLabel(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	png, err := s.flow.Label(r.Context(), actor, getURLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(png)
}

type transitionBody struct {
	Status domain.RequestStatus `json:"status"`
	Note   string               `json:"note"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var body transitionBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.flow.Transition(r.Context(), actor, getURLParam(r, "id"), body.Status, body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type etaBody struct {
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
}

func (s *Server) handleSetEstimatedCompletion(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var body etaBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.flow.SetEstimatedCompletion(r.Context(), actor, getURLParam(r, "id"), body.EstimatedCompletion)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type assignWorkshopBody struct {
	WorkshopID string  `json:"workshopId"`
	WorkerID   *string `json:"workerId"`
}

func (s *Server) handleAssignWorkshop(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var body assignWorkshopBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.flow.AssignWorkshop(r.Context(), actor, getURLParam(r, "id"), body.WorkshopID, body.WorkerID, idempotencyKey(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type assignWorkerBody struct {
	WorkerID *string `json:"workerId"`
}

// handleAssignWorker binds a worker, or unbinds with {"workerId": null}
func (s *Server) handleAssignWorker(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var body assignWorkerBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.flow.AssignWorker(r.Context(), actor, getURLParam(r, "id"), body.WorkerID, idempotencyKey(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Quotations

func (s *Server) handleListQuotations(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	list, err := s.flow.ListQuotations(r.Context(), actor, getURLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Quotation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSubmitQuotation(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var in fulfillment.QuotationInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}

	q, err := s.flow.SubmitQuotation(r.Context(), actor, getURLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleUpdateQuotation(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var patch fulfillment.QuotationPatch
	if err := decode(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}

	q, err := s.flow.UpdateQuotation(r.Context(), actor, getURLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleAcceptQuotation(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	req, err := s.flow.AcceptQuotation(r.Context(), actor, getURLParam(r, "id"), idempotencyKey(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", domain.ErrValidation, v)
	}
	return n, nil
}
