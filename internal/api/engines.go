package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/multiplex"
	"github.com/seantiz/crucible/internal/pending"
)

type executeRequest struct {
	Code string `json:"code"`
}

type pushRequest struct {
	Namespace model.Namespace `json:"namespace"`
}

type pullRequest struct {
	Keys []string `json:"keys"`
}

type scatterRequest struct {
	Key      string `json:"key"`
	Sequence []any  `json:"sequence"`
	Style    string `json:"style"`
	Flatten  bool   `json:"flatten"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"engines": s.ctl.Engines()})
}

// multiplexed parses targets and block, runs call and writes the reply.
func (s *Server) multiplexed(w http.ResponseWriter, r *http.Request, call func(t multiplex.Targets, block bool) (pending.Reply, error)) {
	t, ok := s.targetsParam(w, r)
	if !ok {
		return
	}
	block, ok := s.blockParam(w, r)
	if !ok {
		return
	}
	reply, err := call(t, block)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeReply(w, reply)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Execute(r.Context(), t, req.Code, block)
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	for k, v := range req.Namespace {
		req.Namespace[k] = model.NormalizeNumbers(v)
	}
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Push(r.Context(), t, req.Namespace, block)
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Keys) == 0 {
		s.writeError(w, http.StatusBadRequest, "keys are required")
		return
	}
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Pull(r.Context(), t, req.Keys, block)
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Keys(r.Context(), t, block)
	})
}

// handleGetResult serves /results/{seq}; "latest" selects the newest entry.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	seq := -1
	if v := chi.URLParam(r, "seq"); v != "latest" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid seq")
			return
		}
		seq = n
	}
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.GetResult(r.Context(), t, seq, block)
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Reset(r.Context(), t, block)
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Kill(r.Context(), t, block)
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.QueueStatus(r.Context(), t, block)
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.ClearQueue(r.Context(), t, block)
	})
}

func (s *Server) handleScatter(w http.ResponseWriter, r *http.Request) {
	var req scatterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	style, err := multiplex.ParseStyle(req.Style)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	for i, v := range req.Sequence {
		req.Sequence[i] = model.NormalizeNumbers(v)
	}
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Scatter(r.Context(), t, req.Key, req.Sequence, style, req.Flatten, block)
	})
}

func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	style, err := multiplex.ParseStyle(r.URL.Query().Get("style"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Gather(r.Context(), t, key, style, block)
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.multiplexed(w, r, func(t multiplex.Targets, block bool) (pending.Reply, error) {
		return s.ctl.Interrupt(r.Context(), t, block)
	})
}
