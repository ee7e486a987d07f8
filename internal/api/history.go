package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

// listTaskHistoryResponse wraps the paginated journal listing.
type listTaskHistoryResponse struct {
	Tasks  []*model.TaskRecord `json:"tasks"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// journal reports whether the journal is enabled, answering 503 if not.
func (s *Server) journal(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return false
	}
	return true
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if !s.journal(w) {
		return
	}
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get journal stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListTaskHistory(w http.ResponseWriter, r *http.Request) {
	if !s.journal(w) {
		return
	}
	limit, offset := pageParams(r)

	recs, total, err := s.store.ListTaskResults(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list task history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list task history")
		return
	}
	if recs == nil {
		recs = []*model.TaskRecord{}
	}

	s.writeJSON(w, http.StatusOK, listTaskHistoryResponse{
		Tasks:  recs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetTaskHistory(w http.ResponseWriter, r *http.Request) {
	if !s.journal(w) {
		return
	}
	rec, err := s.store.GetTaskResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleListCommandHistory lists journaled commands, optionally filtered by
// ?engine_id=.
func (s *Server) handleListCommandHistory(w http.ResponseWriter, r *http.Request) {
	if !s.journal(w) {
		return
	}
	limit, _ := pageParams(r)
	engineID := parseIntQuery(r, "engine_id", -1)

	recs, err := s.store.ListCommands(r.Context(), engineID, limit)
	if err != nil {
		s.logger.Error("list command history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list command history")
		return
	}
	if recs == nil {
		recs = []*model.CommandRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"commands": recs})
}
