package server

import (
	"net/http"

	"github.com/rookery-ai/rookery/internal/model"
)

func (s *Server) handleListDriftEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var taskType *string
	if v := r.URL.Query().Get("task_type"); v != "" {
		taskType = &v
	}

	events, err := s.deps.DB.ListDriftEvents(r.Context(), taskType, limit, offset)
	if err != nil {
		s.logger.Error("list drift events", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list drift events")
		return
	}
	writeList(w, r, events, nil, len(events), limit, offset)
}

func (s *Server) handleDriftStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.DB.GetDriftStats(r.Context())
	if err != nil {
		s.logger.Error("drift stats", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to compute drift stats")
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
