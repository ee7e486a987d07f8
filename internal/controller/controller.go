// Package controller is the surface protocol adapters bind to. Every
// operation takes a block flag: blocking calls return the value, non-blocking
// calls return a pending id redeemable through PendingGet.
package controller

import (
	"context"
	"log/slog"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/multiplex"
	"github.com/seantiz/crucible/internal/pending"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/task"
)

// Options configures a Controller.
type Options struct {
	MaxRecoveryDepth int
	Recorder         task.ResultRecorder
	Logger           *slog.Logger
}

// Controller ties the registry, router, pending table and scheduler
// together.
type Controller struct {
	reg     *registry.Registry
	router  *multiplex.Router
	pending *pending.Table
	sched   *task.Scheduler
	logger  *slog.Logger
}

// New creates a controller over reg.
func New(reg *registry.Registry, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		reg:     reg,
		router:  multiplex.NewRouter(reg, logger.With("component", "router")),
		pending: pending.NewTable(logger.With("component", "pending")),
		sched: task.NewScheduler(reg, task.Options{
			MaxRecoveryDepth: opts.MaxRecoveryDepth,
			Recorder:         opts.Recorder,
			Logger:           logger.With("component", "scheduler"),
		}),
		logger: logger,
	}
}

// Registry returns the engine registry.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// Register adds e under requestedID, or the lowest free id for
// registry.AnyID.
func (c *Controller) Register(e engine.Engine, requestedID int) (int, error) {
	q, err := c.reg.Register(e, requestedID)
	if err != nil {
		return 0, err
	}
	return q.ID(), nil
}

// Unregister removes engine id.
func (c *Controller) Unregister(id int) error {
	return c.reg.Unregister(id)
}

// Engines lists registered engines.
func (c *Controller) Engines() []registry.EngineInfo {
	return c.reg.List()
}

// Do applies a multiplexed call. Targets are resolved before anything is
// queued, so an unknown engine id fails synchronously in both modes.
func (c *Controller) Do(ctx context.Context, t multiplex.Targets, call multiplex.Call, block bool) (pending.Reply, error) {
	if _, err := c.router.Resolve(t); err != nil {
		return pending.Reply{}, err
	}
	return c.pending.TwoPhase(ctx, block, func(ctx context.Context) (any, error) {
		return c.router.Do(ctx, t, call)
	})
}

func (c *Controller) Execute(ctx context.Context, t multiplex.Targets, code string, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallExecute, Code: code}, block)
}

func (c *Controller) Push(ctx context.Context, t multiplex.Targets, ns model.Namespace, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallPush, Namespace: ns}, block)
}

func (c *Controller) Pull(ctx context.Context, t multiplex.Targets, keys []string, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallPull, Keys: keys}, block)
}

func (c *Controller) Keys(ctx context.Context, t multiplex.Targets, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallKeys}, block)
}

// GetResult returns the history entry seq of every target; a negative seq
// selects the latest.
func (c *Controller) GetResult(ctx context.Context, t multiplex.Targets, seq int, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallGetResult, Seq: seq}, block)
}

func (c *Controller) Reset(ctx context.Context, t multiplex.Targets, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallReset}, block)
}

func (c *Controller) Kill(ctx context.Context, t multiplex.Targets, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallKill}, block)
}

func (c *Controller) QueueStatus(ctx context.Context, t multiplex.Targets, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallQueueStatus}, block)
}

func (c *Controller) ClearQueue(ctx context.Context, t multiplex.Targets, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallClearQueue}, block)
}

// Interrupt cancels the in-flight command on every target engine. Each
// result reports whether a command was running. Targets are resolved and the
// interrupt is delivered before returning in both modes; the pending form only
// defers the report.
func (c *Controller) Interrupt(ctx context.Context, t multiplex.Targets, block bool) (pending.Reply, error) {
	engines, err := c.router.Resolve(t)
	if err != nil {
		return pending.Reply{}, err
	}
	results := make([]multiplex.Result, len(engines))
	for i, q := range engines {
		results[i] = multiplex.Result{EngineID: q.ID(), Value: q.Interrupt()}
	}
	return c.pending.TwoPhase(ctx, block, func(context.Context) (any, error) {
		return results, nil
	})
}

func (c *Controller) Scatter(ctx context.Context, t multiplex.Targets, key string, seq []any, style multiplex.Style, flatten bool, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{
		Method:   multiplex.CallScatter,
		Key:      key,
		Sequence: seq,
		Style:    style,
		Flatten:  flatten,
	}, block)
}

func (c *Controller) Gather(ctx context.Context, t multiplex.Targets, key string, style multiplex.Style, block bool) (pending.Reply, error) {
	return c.Do(ctx, t, multiplex.Call{Method: multiplex.CallGather, Key: key, Style: style}, block)
}

// Run submits t and returns its task id. When block is true the reply holds
// the *task.Result; otherwise it holds a pending id for it.
func (c *Controller) Run(ctx context.Context, t task.Task, block bool) (int, pending.Reply, error) {
	id, err := c.sched.Submit(t)
	if err != nil {
		return 0, pending.Reply{}, err
	}
	reply, err := c.pending.TwoPhase(ctx, block, func(ctx context.Context) (any, error) {
		return c.sched.Result(ctx, id, true)
	})
	return id, reply, err
}

// TaskResult returns the *task.Result of task id, waiting for it to finish
// when block is true and returning a pending id for it otherwise. Unknown ids
// fail synchronously.
func (c *Controller) TaskResult(ctx context.Context, id int, block bool) (pending.Reply, error) {
	if err := c.sched.CheckIDs([]int{id}); err != nil {
		return pending.Reply{}, err
	}
	return c.pending.TwoPhase(ctx, block, func(ctx context.Context) (any, error) {
		return c.sched.Result(ctx, id, true)
	})
}

// Abort aborts task id. The abort itself is applied before returning, so
// unknown and finished tasks fail synchronously in both modes. The reply
// resolves to the task's final *task.Result: a queued task settles at once, a
// running one when its current run ends.
func (c *Controller) Abort(ctx context.Context, id int, block bool) (pending.Reply, error) {
	if err := c.sched.Abort(id); err != nil {
		return pending.Reply{}, err
	}
	return c.pending.TwoPhase(ctx, block, func(ctx context.Context) (any, error) {
		return c.sched.Result(ctx, id, true)
	})
}

// Barrier waits for every listed task. Unknown ids fail synchronously.
func (c *Controller) Barrier(ctx context.Context, ids []int, block bool) (pending.Reply, error) {
	if block {
		if err := c.sched.Barrier(ctx, ids); err != nil {
			return pending.Reply{}, err
		}
		return pending.Reply{Value: ids}, nil
	}

	if err := c.sched.CheckIDs(ids); err != nil {
		return pending.Reply{}, err
	}
	return c.pending.TwoPhase(ctx, false, func(ctx context.Context) (any, error) {
		if err := c.sched.Barrier(ctx, ids); err != nil {
			return nil, err
		}
		return ids, nil
	})
}

// TaskStatus lists task ids by state.
func (c *Controller) TaskStatus() task.Status {
	return c.sched.Status()
}

// ClearTasks forgets finished tasks.
func (c *Controller) ClearTasks() int {
	return c.sched.Clear()
}

// PendingGet redeems a pending id.
func (c *Controller) PendingGet(ctx context.Context, id string, block bool) (any, error) {
	return c.pending.Get(ctx, id, block)
}

// PendingDelete drops a pending id, waking any blocked getter with
// pending.ErrAbortedPendingDeferred.
func (c *Controller) PendingDelete(id string) error {
	return c.pending.Delete(id)
}

// PendingIDs lists outstanding pending ids.
func (c *Controller) PendingIDs() []string {
	return c.pending.IDs()
}

// Close aborts waiting tasks, drops pending entries and unregisters every
// engine.
func (c *Controller) Close() {
	c.sched.Close()
	n := c.pending.Clear()
	c.reg.Close()
	c.logger.Info("controller closed", "pending_dropped", n)
}
