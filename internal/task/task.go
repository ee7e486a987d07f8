// Package task schedules tasks onto registered engines: dependency gating,
// first-fit placement, retries and recovery tasks.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

// MethodTask is the queue method name of a scheduled task run.
const MethodTask = "task"

var (
	// ErrRecoveryDepthExceeded fails a task whose recovery chain is deeper
	// than the configured bound, which includes recovery cycles.
	ErrRecoveryDepthExceeded = errors.New("recovery depth exceeded")

	// ErrAborted is the failure of a task aborted before it finished.
	ErrAborted = errors.New("task aborted")

	// ErrInvalidTaskID is returned for unknown or cleared task ids.
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrTaskFinished is returned when aborting a task that already finished.
	ErrTaskFinished = errors.New("task already finished")
)

// Task is a unit of schedulable work.
type Task struct {
	// Expression is the code executed on the engine.
	Expression string `json:"expression"`

	// Push is bound into the engine namespace before Expression runs.
	Push model.Namespace `json:"push,omitempty"`

	// Pull names the values copied into the result namespace afterwards.
	Pull []string `json:"pull,omitempty"`

	ClearBefore bool `json:"clear_before,omitempty"`
	ClearAfter  bool `json:"clear_after,omitempty"`

	// Retries is how many times a failed run is dispatched again.
	Retries int `json:"retries,omitempty"`

	// Recovery runs once retries are exhausted; its result becomes this
	// task's result.
	Recovery *Task `json:"recovery,omitempty"`

	// Depend restricts which engines may run the task. Nil accepts any.
	Depend Dependency `json:"-"`

	Options map[string]any `json:"options,omitempty"`
}

// Validate checks the task and its recovery chain. Cycles are left to the
// scheduler's recovery depth bound.
func (t *Task) Validate() error {
	seen := make(map[*Task]bool)
	for cur := t; cur != nil && !seen[cur]; cur = cur.Recovery {
		seen[cur] = true
		if cur.Retries < 0 {
			return fmt.Errorf("retries must be >= 0, got %d", cur.Retries)
		}
		if v, ok := cur.Depend.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// outcome is what one successful run produced.
type outcome struct {
	Namespace model.Namespace
	Exec      engine.ExecResult
}

// run executes t on e with exclusive use of the engine. ClearAfter resets the
// namespace whether or not the run succeeded.
func (t *Task) run(ctx context.Context, e engine.Engine) (any, error) {
	if t.ClearBefore {
		if err := e.Reset(ctx); err != nil {
			return nil, err
		}
	}
	if len(t.Push) > 0 {
		if err := e.Push(ctx, t.Push); err != nil {
			return nil, err
		}
	}

	out, err := t.execute(ctx, e)
	if t.ClearAfter {
		if rerr := e.Reset(ctx); err == nil {
			err = rerr
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Task) execute(ctx context.Context, e engine.Engine) (outcome, error) {
	res, err := e.Execute(ctx, t.Expression)
	if err != nil {
		return outcome{}, err
	}
	res.Code = t.Expression

	ns := make(model.Namespace, len(t.Pull))
	if len(t.Pull) > 0 {
		vals, err := e.Pull(ctx, t.Pull)
		if err != nil {
			return outcome{}, err
		}
		if len(vals) != len(t.Pull) {
			return outcome{}, &engine.ExecError{
				Kind:    "PullError",
				Message: fmt.Sprintf("engine returned %d values for %d keys", len(vals), len(t.Pull)),
			}
		}
		for i, k := range t.Pull {
			ns[k] = vals[i]
		}
	}
	return outcome{Namespace: ns, Exec: res}, nil
}

// Failure is the captured failure of a task: the original exception kind,
// message and engine-side traceback.
type Failure struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
	Err       error  `json:"-"`
}

func newFailure(err error) *Failure {
	f := &Failure{Err: err, Message: err.Error(), Kind: "Error"}
	var ee *engine.ExecError
	switch {
	case errors.As(err, &ee):
		f.Kind, f.Message, f.Traceback = ee.Kind, ee.Message, ee.Traceback
	case errors.Is(err, ErrAborted):
		f.Kind = "Aborted"
	case errors.Is(err, ErrRecoveryDepthExceeded):
		f.Kind = "RecoveryDepthExceeded"
	}
	return f
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Kind
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is the final outcome of a task. It is immutable once returned.
type Result struct {
	TaskID      int             `json:"task_id"`
	Status      string          `json:"status"`
	EngineID    int             `json:"engine_id"`
	Attempts    int             `json:"attempts"`
	Namespace   model.Namespace `json:"namespace"`
	Stdout      string          `json:"stdout,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Raise returns the task's failure, or nil if it succeeded.
func (r *Result) Raise() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Record converts r into a journal entry.
func (r *Result) Record(expression string) model.TaskRecord {
	finished := r.FinishedAt
	rec := model.TaskRecord{
		ID:          model.NewID(),
		TaskID:      r.TaskID,
		EngineID:    r.EngineID,
		Status:      r.Status,
		Attempts:    r.Attempts,
		Expression:  expression,
		Namespace:   r.Namespace,
		DurationMS:  int(r.FinishedAt.Sub(r.SubmittedAt).Milliseconds()),
		SubmittedAt: r.SubmittedAt,
		FinishedAt:  &finished,
	}
	if r.Failure != nil {
		rec.Failure = r.Failure.Error()
		rec.Traceback = r.Failure.Traceback
	}
	return rec
}
