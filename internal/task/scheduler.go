package task

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pending"
	"github.com/seantiz/crucible/internal/registry"
)

// DefaultMaxRecoveryDepth bounds recovery chains when none is configured.
const DefaultMaxRecoveryDepth = 16

// ResultRecorder receives a journal entry for every finished task.
type ResultRecorder interface {
	RecordTaskResult(ctx context.Context, rec model.TaskRecord) error
}

// Options configures a Scheduler. Zero values are valid.
type Options struct {
	MaxRecoveryDepth int
	Recorder         ResultRecorder
	Logger           *slog.Logger
}

// Status lists task ids by state, each in ascending order.
type Status struct {
	Waiting  []int `json:"waiting"`
	Running  []int `json:"running"`
	Finished []int `json:"finished"`
}

// entry is the scheduler's state for one submitted task.
type entry struct {
	id        int
	root      *Task
	cur       *Task // root or the recovery task currently in charge
	depth     int
	attempts  int // runs of cur
	total     int // runs across the recovery chain
	status    string
	engineID  int
	aborted   bool
	started   bool // the current run has reached the engine
	submitted time.Time
	result    *Result
	done      chan struct{}
}

// Scheduler places tasks on idle registered engines. It is safe for
// concurrent use.
type Scheduler struct {
	reg    *registry.Registry
	opts   Options
	logger *slog.Logger

	// dispatchMu serializes dispatch and guards exprs.
	dispatchMu sync.Mutex
	exprs      exprEvaluator

	mu      sync.Mutex
	nextID  int
	tasks   map[int]*entry
	waiting []*entry
	busy    map[int]bool // engine ids running a task

	unsubscribe func()
}

// NewScheduler creates a scheduler over reg. Dispatch is attempted again
// whenever an engine registers.
func NewScheduler(reg *registry.Registry, opts Options) *Scheduler {
	if opts.MaxRecoveryDepth <= 0 {
		opts.MaxRecoveryDepth = DefaultMaxRecoveryDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{
		reg:    reg,
		opts:   opts,
		logger: logger,
		tasks:  make(map[int]*entry),
		busy:   make(map[int]bool),
	}
	s.unsubscribe = reg.OnRegister(func(int) error {
		s.dispatch()
		return nil
	})
	return s
}

// Submit queues t and returns its id. Ids increase monotonically and are
// never reused.
func (s *Scheduler) Submit(t Task) (int, error) {
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("submit task: %w", err)
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	e := &entry{
		id:        id,
		root:      &t,
		cur:       &t,
		status:    model.StatusSubmitted,
		engineID:  -1,
		submitted: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	s.tasks[id] = e
	s.waiting = append(s.waiting, e)
	n := len(s.waiting)
	s.mu.Unlock()

	tasksWaiting.Set(float64(n))
	s.logger.Info("task submitted", "task_id", id, "retries", t.Retries, "has_recovery", t.Recovery != nil)
	s.dispatch()
	return id, nil
}

type placement struct {
	e *entry
	q *engine.QueuedEngine
}

// dispatch places waiting tasks, in submission order, on the first idle engine
// (ascending id) that satisfies their dependency. Tasks no idle engine can
// take stay queued without blocking the ones behind them.
//
// Dependencies are tested against a snapshot without holding s.mu, since an
// Expr compiles CUE. Dispatches are serialized so two snapshots never hand
// out the same engine; tasks aborted meanwhile are skipped at commit.
func (s *Scheduler) dispatch() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	engines := s.reg.Engines()

	s.mu.Lock()
	waiting := slices.Clone(s.waiting)
	deps := make([]Dependency, len(waiting))
	for i, e := range waiting {
		deps[i] = e.cur.Depend
	}
	idle := slices.DeleteFunc(engines, func(q *engine.QueuedEngine) bool { return s.busy[q.ID()] })
	s.mu.Unlock()

	picks := make(map[*entry]*engine.QueuedEngine)
	for i, e := range waiting {
		if len(idle) == 0 {
			break
		}
		if j := s.pick(idle, deps[i]); j >= 0 {
			picks[e] = idle[j]
			idle = slices.Delete(idle, j, j+1)
		}
	}

	s.mu.Lock()
	var placed []placement
	remaining := s.waiting[:0]
	for _, e := range s.waiting {
		q, ok := picks[e]
		if !ok || s.busy[q.ID()] {
			remaining = append(remaining, e)
			continue
		}
		s.busy[q.ID()] = true
		s.transition(e, model.StatusDispatched)
		e.engineID = q.ID()
		e.started = false
		e.attempts++
		e.total++
		placed = append(placed, placement{e: e, q: q})
	}
	clear(s.waiting[len(remaining):])
	s.waiting = remaining
	n := len(s.waiting)
	s.mu.Unlock()

	tasksWaiting.Set(float64(n))
	for _, p := range placed {
		s.launch(p.e, p.q)
	}
}

// pick returns the index of the first engine passing d, or -1. Callers must
// hold s.dispatchMu.
func (s *Scheduler) pick(engines []*engine.QueuedEngine, d Dependency) int {
	for i, q := range engines {
		if s.exprs.test(d, q.Properties()) {
			return i
		}
	}
	return -1
}

func (s *Scheduler) launch(e *entry, q *engine.QueuedEngine) {
	t := e.cur
	taskAttempts.Inc()
	s.logger.Debug("task dispatched", "task_id", e.id, "engine_id", q.ID(), "attempt", e.attempts, "depth", e.depth)

	fut := q.Submit(MethodTask, func(ctx context.Context, eng engine.Engine) (any, error) {
		s.mu.Lock()
		aborted := e.aborted
		e.started = !aborted
		s.mu.Unlock()
		if aborted {
			return nil, fmt.Errorf("task %d: %w", e.id, ErrAborted)
		}
		return t.run(ctx, eng)
	})
	go func() {
		<-fut.Done()
		v, err := fut.Result()
		s.complete(e, q.ID(), v, err)
	}()
}

// complete handles the end of one run: success, retry, recovery or final
// failure.
func (s *Scheduler) complete(e *entry, engineID int, v any, err error) {
	s.mu.Lock()
	delete(s.busy, engineID)

	var finished bool
	switch {
	case e.aborted && !e.started:
		s.finish(e, model.StatusAborted, nil, "", fmt.Errorf("task %d: %w", e.id, ErrAborted))
		finished = true

	case err == nil:
		out := v.(outcome)
		s.finish(e, model.StatusSucceeded, out.Namespace, out.Exec.Stdout, nil)
		finished = true

	case e.aborted:
		s.finish(e, model.StatusAborted, nil, "", fmt.Errorf("%w: %w", ErrAborted, err))
		finished = true

	case e.attempts <= e.cur.Retries:
		s.transition(e, model.StatusRetrying)
		s.waiting = slices.Insert(s.waiting, 0, e)
		s.logger.Info("task retrying", "task_id", e.id, "attempt", e.attempts, "retries", e.cur.Retries, "error", err)

	case e.cur.Recovery != nil && e.depth+1 > s.opts.MaxRecoveryDepth:
		s.transition(e, model.StatusRecovering)
		s.finish(e, model.StatusFailed, nil, "", fmt.Errorf("task %d after depth %d: %w", e.id, e.depth, ErrRecoveryDepthExceeded))
		finished = true

	case e.cur.Recovery != nil:
		s.transition(e, model.StatusRecovering)
		e.cur = e.cur.Recovery
		e.depth++
		e.attempts = 0
		s.waiting = slices.Insert(s.waiting, 0, e)
		s.logger.Info("task recovering", "task_id", e.id, "depth", e.depth, "error", err)

	default:
		s.finish(e, model.StatusFailed, nil, "", err)
		finished = true
	}
	s.mu.Unlock()

	if finished {
		s.record(e)
	}
	s.dispatch()
}

// finish stores the final result and wakes waiters. Callers must hold s.mu.
func (s *Scheduler) finish(e *entry, status string, ns model.Namespace, stdout string, err error) {
	s.transition(e, status)
	if ns == nil {
		ns = model.Namespace{}
	}
	r := &Result{
		TaskID:      e.id,
		Status:      status,
		EngineID:    e.engineID,
		Attempts:    e.total,
		Namespace:   ns,
		Stdout:      stdout,
		SubmittedAt: e.submitted,
		FinishedAt:  time.Now().UTC(),
	}
	if err != nil {
		r.Failure = newFailure(err)
	}
	tasksTotal.WithLabelValues(status).Inc()
	taskDuration.Observe(r.FinishedAt.Sub(r.SubmittedAt).Seconds())

	e.result = r
	close(e.done)
	s.logger.Info("task finished", "task_id", e.id, "status", status, "engine_id", e.engineID, "attempts", e.total)
}

// transition moves e to status, logging transitions the state machine does not
// allow.
func (s *Scheduler) transition(e *entry, status string) {
	if e.status != status && !model.ValidTransition(e.status, status) {
		s.logger.Error("invalid task transition", "task_id", e.id, "from", e.status, "to", status)
	}
	e.status = status
}

func (s *Scheduler) record(e *entry) {
	if s.opts.Recorder == nil {
		return
	}
	if err := s.opts.Recorder.RecordTaskResult(context.Background(), e.result.Record(e.root.Expression)); err != nil {
		s.logger.Error("failed to journal task", "task_id", e.id, "error", err)
	}
}

// Result returns the result of task id. If the task has not finished it fails
// with pending.ErrResultNotCompleted, or waits when block is true.
func (s *Scheduler) Result(ctx context.Context, id int, block bool) (*Result, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrInvalidTaskID)
	}

	if !block {
		select {
		case <-e.done:
		default:
			return nil, fmt.Errorf("task %d: %w", id, pending.ErrResultNotCompleted)
		}
	}
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort removes a waiting task and finishes it with ErrAborted. A task queued
// on an engine but not yet started is skipped when the engine reaches it. A
// running task is only marked: it gets no further retries or recovery, and its
// run is not interrupted.
func (s *Scheduler) Abort(id int) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %d: %w", id, ErrInvalidTaskID)
	}
	if e.result != nil {
		s.mu.Unlock()
		return fmt.Errorf("task %d: %w", id, ErrTaskFinished)
	}

	i := slices.Index(s.waiting, e)
	if i < 0 {
		e.aborted = true
		started := e.started
		s.mu.Unlock()
		s.logger.Info("dispatched task marked aborted", "task_id", id, "started", started)
		return nil
	}
	s.waiting = slices.Delete(s.waiting, i, i+1)
	s.finish(e, model.StatusAborted, nil, "", fmt.Errorf("task %d: %w", id, ErrAborted))
	n := len(s.waiting)
	s.mu.Unlock()

	tasksWaiting.Set(float64(n))
	s.record(e)
	return nil
}

// Barrier blocks until every listed task has finished.
func (s *Scheduler) Barrier(ctx context.Context, ids []int) error {
	dones, err := s.dones(ids)
	if err != nil {
		return err
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CheckIDs returns ErrInvalidTaskID for the first unknown id.
func (s *Scheduler) CheckIDs(ids []int) error {
	_, err := s.dones(ids)
	return err
}

func (s *Scheduler) dones(ids []int) ([]chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dones := make([]chan struct{}, len(ids))
	for i, id := range ids {
		e, ok := s.tasks[id]
		if !ok {
			return nil, fmt.Errorf("task %d: %w", id, ErrInvalidTaskID)
		}
		dones[i] = e.done
	}
	return dones, nil
}

// Status reports every known task id by state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Waiting: []int{}, Running: []int{}, Finished: []int{}}
	for _, id := range slices.Sorted(maps.Keys(s.tasks)) {
		e := s.tasks[id]
		switch {
		case e.result != nil:
			st.Finished = append(st.Finished, id)
		case slices.Contains(s.waiting, e):
			st.Waiting = append(st.Waiting, id)
		default:
			st.Running = append(st.Running, id)
		}
	}
	return st
}

// Clear forgets finished tasks and returns how many were dropped. Their ids
// become invalid.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.tasks {
		if e.result != nil {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

// Close stops reacting to registrations and aborts every waiting task.
func (s *Scheduler) Close() {
	s.unsubscribe()

	s.mu.Lock()
	waiting := s.waiting
	s.waiting = nil
	for _, e := range waiting {
		s.finish(e, model.StatusAborted, nil, "", fmt.Errorf("task %d: %w", e.id, ErrAborted))
	}
	s.mu.Unlock()

	tasksWaiting.Set(0)
	for _, e := range waiting {
		s.record(e)
	}
}

