package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/multiplex"
	"github.com/seantiz/crucible/internal/pending"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps a controller error onto an HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var execErr *engine.ExecError
	switch {
	case errors.Is(err, registry.ErrInvalidEngineID),
		errors.Is(err, task.ErrInvalidTaskID),
		errors.Is(err, pending.ErrInvalidDeferredID),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pending.ErrResultNotCompleted),
		errors.Is(err, task.ErrTaskFinished):
		status = http.StatusConflict
	case errors.Is(err, pending.ErrAbortedPendingDeferred),
		errors.Is(err, engine.ErrQueueCleared),
		errors.Is(err, engine.ErrEngineKilled):
		status = http.StatusGone
	case errors.Is(err, registry.ErrNoEnginesRegistered),
		errors.Is(err, registry.ErrRegistryFull):
		status = http.StatusServiceUnavailable
	case errors.As(err, &execErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away.
		return
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeError(w, status, err.Error())
}

// writeReply writes 200 with the value, or 202 with the pending id.
func (s *Server) writeReply(w http.ResponseWriter, reply pending.Reply) {
	if reply.Pending() {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"pending_id": reply.PendingID})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": reply.Value})
}

// decodeBody decodes the JSON request body into v, writing 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// blockParam reads ?block=, which defaults to true.
func (s *Server) blockParam(w http.ResponseWriter, r *http.Request) (bool, bool) {
	v := r.URL.Query().Get("block")
	if v == "" {
		return true, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid block parameter")
		return false, false
	}
	return b, true
}

// targetsParam parses the {targets} URL segment.
func (s *Server) targetsParam(w http.ResponseWriter, r *http.Request) (multiplex.Targets, bool) {
	t, err := multiplex.ParseTargets(chi.URLParam(r, "targets"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return multiplex.Targets{}, false
	}
	return t, true
}

// intParam parses an integer URL segment.
func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// pageParams reads limit and offset, clamped to sane values.
func pageParams(r *http.Request) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultListLimit)
	offset = parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
