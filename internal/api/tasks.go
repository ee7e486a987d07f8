package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pending"
	"github.com/seantiz/crucible/internal/task"
)

// dependencyRequest selects exactly one dependency form.
type dependencyRequest struct {
	Match   task.Match   `json:"match,omitempty"`
	Clauses task.Clauses `json:"clauses,omitempty"`
	Expr    string       `json:"expr,omitempty"`
}

func (d *dependencyRequest) dependency() (task.Dependency, error) {
	var deps []task.Dependency
	if d.Match != nil {
		for k, v := range d.Match {
			d.Match[k] = model.NormalizeNumbers(v)
		}
		deps = append(deps, d.Match)
	}
	if d.Clauses != nil {
		deps = append(deps, d.Clauses)
	}
	if d.Expr != "" {
		deps = append(deps, task.Expr(d.Expr))
	}
	if len(deps) != 1 {
		return nil, errors.New("depend takes exactly one of match, clauses or expr")
	}
	return deps[0], nil
}

// taskRequest is the JSON body for POST /v1/tasks.
type taskRequest struct {
	Expression  string             `json:"expression"`
	Push        model.Namespace    `json:"push"`
	Pull        []string           `json:"pull"`
	ClearBefore bool               `json:"clear_before"`
	ClearAfter  bool               `json:"clear_after"`
	Retries     int                `json:"retries"`
	Recovery    *taskRequest       `json:"recovery"`
	Depend      *dependencyRequest `json:"depend"`
	Options     map[string]any     `json:"options"`
}

func (tr *taskRequest) task() (task.Task, error) {
	if tr.Expression == "" {
		return task.Task{}, errors.New("expression is required")
	}
	t := task.Task{
		Expression:  tr.Expression,
		Push:        tr.Push,
		Pull:        tr.Pull,
		ClearBefore: tr.ClearBefore,
		ClearAfter:  tr.ClearAfter,
		Retries:     tr.Retries,
		Options:     tr.Options,
	}
	for k, v := range t.Push {
		t.Push[k] = model.NormalizeNumbers(v)
	}
	if tr.Depend != nil {
		d, err := tr.Depend.dependency()
		if err != nil {
			return task.Task{}, err
		}
		t.Depend = d
	}
	if tr.Recovery != nil {
		rec, err := tr.Recovery.task()
		if err != nil {
			return task.Task{}, fmt.Errorf("recovery: %w", err)
		}
		t.Recovery = &rec
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

type submitResponse struct {
	TaskID    int          `json:"task_id"`
	Result    *task.Result `json:"result,omitempty"`
	PendingID string       `json:"pending_id,omitempty"`
}

type barrierRequest struct {
	TaskIDs []int `json:"task_ids"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	block, ok := s.blockParam(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	t, err := req.task()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, reply, err := s.ctl.Run(r.Context(), t, block)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if reply.Pending() {
		s.writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id, PendingID: reply.PendingID})
		return
	}
	res, _ := reply.Value.(*task.Result)
	s.writeJSON(w, http.StatusOK, submitResponse{TaskID: id, Result: res})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.TaskStatus())
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": s.ctl.ClearTasks()})
}

// handleGetTask returns a task's result. With ?block=false it answers 202
// with a pending id for the result.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.intParam(w, r, "id")
	if !ok {
		return
	}
	block, ok := s.blockParam(w, r)
	if !ok {
		return
	}
	reply, err := s.ctl.TaskResult(r.Context(), id, block)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeTaskReply(w, reply)
}

// handleAbortTask aborts a task and answers with its final result, or with a
// pending id for it under ?block=false.
func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.intParam(w, r, "id")
	if !ok {
		return
	}
	block, ok := s.blockParam(w, r)
	if !ok {
		return
	}
	reply, err := s.ctl.Abort(r.Context(), id, block)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeTaskReply(w, reply)
}

// writeTaskReply writes 200 with the bare task result, or 202 with the
// pending id.
func (s *Server) writeTaskReply(w http.ResponseWriter, reply pending.Reply) {
	if reply.Pending() {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"pending_id": reply.PendingID})
		return
	}
	s.writeJSON(w, http.StatusOK, reply.Value)
}

func (s *Server) handleBarrier(w http.ResponseWriter, r *http.Request) {
	block, ok := s.blockParam(w, r)
	if !ok {
		return
	}
	var req barrierRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	reply, err := s.ctl.Barrier(r.Context(), req.TaskIDs, block)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeReply(w, reply)
}
