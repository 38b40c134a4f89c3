package api

import (
	"net/http"
	"time"
)

// maxUsageHours bounds the reporting window to 90 days.
const maxUsageHours = 24 * 90

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	hours := min(parseIntParam(r, "hours", 24), maxUsageHours)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	total, err := s.deps.Usage.Summary(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	byUser, err := s.deps.Usage.SummaryByUser(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by user failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"window_hours": hours,
		"start":        start.UTC().Format(time.RFC3339),
		"end":          end.UTC().Format(time.RFC3339),
		"total":        total,
		"by_model":     byModel,
		"by_user":      byUser,
	}, s.logger)
}
