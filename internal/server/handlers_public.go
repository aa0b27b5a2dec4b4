package server

import (
	"bytes"
	"errors"
	"net/http"

	"roadfix/internal/domain"

	"go.uber.org/zap"
)

// handleTrack shows a request's progress by tracking code, no login needed
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	view, err := s.flow.Track(r.Context(), getURLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTrackPage is the HTML page the printed QR label points at
func (s *Server) handleTrackPage(w http.ResponseWriter, r *http.Request) {
	view, err := s.flow.Track(r.Context(), getURLParam(r, "code"))
	if err != nil {
		status, _ := mapError(err)
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Unknown tracking code", status)
			return
		}
		if status == http.StatusInternalServerError {
			s.log.Error("tracking page failed", zap.Error(err))
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	var buf bytes.Buffer
	if err := s.pages.Render(&buf, "track.html", view); err != nil {
		s.log.Error("failed to render tracking page", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}
