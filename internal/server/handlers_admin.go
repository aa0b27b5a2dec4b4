package server

import (
	"fmt"
	"net/http"
	"strconv"

	"roadfix/internal/domain"
	"roadfix/internal/fulfillment"
	"roadfix/internal/geo"
)

// Workshop directory

// handleSearchWorkshops finds workshops near lat/lon. Without coordinates it
// lists workshops ordered by the sort parameter.
func (s *Server) handleSearchWorkshops(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := fulfillment.SearchInput{
		Sort:          geo.Sort(q.Get("sort")),
		IncludeClosed: q.Get("includeClosed") == "true",
	}

	lat, lon := q.Get("lat"), q.Get("lon")
	switch {
	case lat != "" && lon != "":
		la, err1 := strconv.ParseFloat(lat, 64)
		lo, err2 := strconv.ParseFloat(lon, 64)
		if err1 != nil || err2 != nil {
			s.fail(w, r, fmt.Errorf("%w: lat and lon must be numbers", domain.ErrValidation))
			return
		}
		in.Center = &geo.Point{Lat: la, Lon: lo}
	case lat != "" || lon != "":
		s.fail(w, r, fmt.Errorf("%w: lat and lon go together", domain.ErrValidation))
		return
	}

	if v := q.Get("radiusKm"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: radiusKm must be a number", domain.ErrValidation))
			return
		}
		in.RadiusKm = &radius
	}
	if v := q.Get("minRating"); v != "" {
		rating, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: minRating must be a number", domain.ErrValidation))
			return
		}
		in.MinRating = rating
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in.Limit = limit

	matches, err := s.flow.SearchWorkshopsNear(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleGetWorkshop(w http.ResponseWriter, r *http.Request) {
	ws, err := s.flow.GetWorkshop(r.Context(), getURLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleRegisterWorkshop(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var in fulfillment.WorkshopInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}

	ws, err := s.flow.RegisterWorkshop(r.Context(), actor, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

type workshopStatusBody struct {
	Status domain.WorkshopStatus `json:"status"`
}

func (s *Server) handleSetWorkshopStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var body workshopStatusBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	ws, err := s.flow.SetWorkshopStatus(r.Context(), actor, getURLParam(r, "id"), body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// Workers

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	onlyAvailable := r.URL.Query().Get("available") == "true"

	workers, err := s.flow.ListWorkers(r.Context(), actor, getURLParam(r, "id"), onlyAvailable)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if workers == nil {
		workers = []domain.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var in fulfillment.WorkerInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}

	worker, err := s.flow.RegisterWorker(r.Context(), actor, getURLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

type availabilityBody struct {
	Available *bool `json:"available"`
}

func (s *Server) handleSetWorkerAvailability(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	var body availabilityBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Available == nil {
		s.fail(w, r, fmt.Errorf("%w: available is required", domain.ErrValidation))
		return
	}

	worker, err := s.flow.SetWorkerAvailability(r.Context(), actor, getURLParam(r, "id"), *body.Available)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}
