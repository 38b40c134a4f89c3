package api

import (
	"errors"
	"net/http"

	"github.com/nugget/foreman/internal/store"
)

// handleAcceptInvitation joins the caller to the invitation's
// organization. This is the target of the link in invitation emails.
func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	res := s.deps.Store.AcceptInvitation(r.Context(), userFromContext(r.Context()), r.PathValue("token"))
	if !res.OK {
		switch {
		case errors.Is(res.Err, store.ErrNotFound):
			s.errorResponse(w, http.StatusNotFound, "invitation not found")
		case errors.Is(res.Err, store.ErrInvalid):
			s.errorResponse(w, http.StatusBadRequest, res.Err.Error())
		case errors.Is(res.Err, store.ErrForbidden):
			s.errorResponse(w, http.StatusForbidden, res.Err.Error())
		default:
			s.logger.Error("accept invitation failed", "error", res.Err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to accept invitation")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res.Data, s.logger)
}
