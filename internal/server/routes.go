package server

import (
	"context"
	"net/http"
	"time"

	"roadfix/internal/domain"

	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all application routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.handleHealth)
	r.Get("/track/{code}", s.handleTrackPage)

	r.Route("/api/v1", func(r chi.Router) {
		// Public tracking
		r.Get("/track/{code}", s.handleTrack)

		// Any authenticated caller
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/requests", s.handleCreateRequest)
			r.Get("/requests", s.handleListRequests)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Get("/requests/{id}/history", s.handleRequestHistory)
			r.Get("/requests/{id}/label.png", s.handleRequestLabel)
			r.Post("/requests/{id}/transition", s.handleTransition)
			r.Get("/requests/{id}/quotations", s.handleListQuotations)
			r.Post("/quotations/{id}/accept", s.handleAcceptQuotation)

			r.Get("/workshops/search", s.handleSearchWorkshops)
			r.Get("/workshops/{id}", s.handleGetWorkshop)
			r.Put("/workers/{id}/availability", s.handleSetWorkerAvailability)
		})

		// Workshop staff
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.roleMiddleware(domain.RoleWorkshopOwner, domain.RoleMechanic))

			r.Post("/requests/{id}/quotations", s.handleSubmitQuotation)
			r.Patch("/quotations/{id}", s.handleUpdateQuotation)
			r.Post("/requests/{id}/workshop", s.handleAssignWorkshop)
			r.Put("/requests/{id}/worker", s.handleAssignWorker)
			r.Put("/requests/{id}/eta", s.handleSetEstimatedCompletion)
			r.Get("/workshops/{id}/workers", s.handleListWorkers)
		})

		// Workshop owners
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.roleMiddleware(domain.RoleWorkshopOwner))

			r.Post("/workshops", s.handleRegisterWorkshop)
			r.Put("/workshops/{id}/status", s.handleSetWorkshopStatus)
			r.Post("/workshops/{id}/workers", s.handleRegisterWorker)
		})
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
