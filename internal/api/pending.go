package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	ids := s.ctl.PendingIDs()
	slices.Sort(ids)
	s.writeJSON(w, http.StatusOK, map[string]any{"pending_ids": ids})
}

// handleGetPending redeems a pending id. With ?block=false an unfinished
// operation answers 409 and stays redeemable.
func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	block, ok := s.blockParam(w, r)
	if !ok {
		return
	}
	v, err := s.ctl.PendingGet(r.Context(), chi.URLParam(r, "id"), block)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": v})
}

func (s *Server) handleDeletePending(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.PendingDelete(chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
