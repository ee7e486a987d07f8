// Package multiplex resolves target sets to registered engines and fans
// operations out to them, returning per-engine results in target order.
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/future"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/registry"
)

// Multiplexer is the fixed set of operations that can be applied to a target
// set. Every method resolves targets first; resolution errors are returned
// before any engine is contacted.
type Multiplexer interface {
	Execute(ctx context.Context, t Targets, code string) ([]Result, error)
	Push(ctx context.Context, t Targets, ns model.Namespace) ([]Result, error)
	Pull(ctx context.Context, t Targets, keys []string) ([]Result, error)
	Keys(ctx context.Context, t Targets) ([]Result, error)
	GetResult(ctx context.Context, t Targets, seq int) ([]Result, error)
	Reset(ctx context.Context, t Targets) ([]Result, error)
	Kill(ctx context.Context, t Targets) ([]Result, error)
	QueueStatus(ctx context.Context, t Targets) ([]Result, error)
	ClearQueue(ctx context.Context, t Targets) ([]Result, error)
	Scatter(ctx context.Context, t Targets, key string, seq []any, style Style, flatten bool) ([]Result, error)
	Gather(ctx context.Context, t Targets, key string, style Style) ([]any, error)
}

// Compile-time interface satisfaction check.
var _ Multiplexer = (*Router)(nil)

// Result is the outcome of an operation on one engine.
type Result struct {
	EngineID int    `json:"engine_id"`
	Value    any    `json:"value,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

func newResult(id int, v any, err error) Result {
	r := Result{EngineID: id, Value: v, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Op produces the command for the engine at position i of a resolved target
// list.
type Op func(i int, q *engine.QueuedEngine) *future.Future

// Router dispatches operations to engines held by a registry.
type Router struct {
	reg    *registry.Registry
	logger *slog.Logger
}

// NewRouter creates a router over reg.
func NewRouter(reg *registry.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{reg: reg, logger: logger}
}

// Resolve returns the engines selected by t, in target order (ascending id
// for All).
func (r *Router) Resolve(t Targets) ([]*engine.QueuedEngine, error) {
	if t.IsAll() {
		return r.reg.All()
	}
	if len(t.IDs()) == 0 {
		return nil, fmt.Errorf("empty target list: %w", registry.ErrInvalidEngineID)
	}
	return r.reg.Lookup(t.IDs()...)
}

// Broadcast submits op to every engine concurrently and waits for all of
// them. Per-engine failures are reported in the results; the returned error is
// only set when ctx ends first.
func (r *Router) Broadcast(ctx context.Context, engines []*engine.QueuedEngine, op Op) ([]Result, error) {
	futures := make([]*future.Future, len(engines))
	for i, q := range engines {
		futures[i] = op(i, q)
	}

	results := make([]Result, len(engines))
	var g errgroup.Group
	for i, fut := range futures {
		g.Go(func() error {
			v, err := fut.Wait(ctx)
			if err != nil && ctx.Err() != nil && !fut.Completed() {
				fut.Discard()
				return ctx.Err()
			}
			results[i] = newResult(engines[i].ID(), v, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// apply resolves t and broadcasts op.
func (r *Router) apply(ctx context.Context, method string, t Targets, op Op) ([]Result, error) {
	engines, err := r.Resolve(t)
	if err != nil {
		return nil, err
	}
	routedCalls.WithLabelValues(method).Inc()
	r.logger.Debug("broadcast", "method", method, "targets", t.String(), "engines", len(engines))
	return r.Broadcast(ctx, engines, op)
}

// Execute runs code on every target.
func (r *Router) Execute(ctx context.Context, t Targets, code string) ([]Result, error) {
	return r.apply(ctx, engine.MethodExecute, t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return q.Execute(code)
	})
}

// Push binds ns on every target.
func (r *Router) Push(ctx context.Context, t Targets, ns model.Namespace) ([]Result, error) {
	return r.apply(ctx, engine.MethodPush, t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return q.Push(ns)
	})
}

// Pull reads keys from every target.
func (r *Router) Pull(ctx context.Context, t Targets, keys []string) ([]Result, error) {
	return r.apply(ctx, engine.MethodPull, t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return q.Pull(keys)
	})
}

// Keys lists the namespace of every target.
func (r *Router) Keys(ctx context.Context, t Targets) ([]Result, error) {
	return r.apply(ctx, engine.MethodKeys, t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return q.Keys()
	})
}

// GetResult reads history entry seq from every target; a negative seq reads
// the latest.
func (r *Router) GetResult(ctx context.Context, t Targets, seq int) ([]Result, error) {
	return r.apply(ctx, "get_result", t, func(_ int, q *engine.QueuedEngine) *future.Future {
		h, err := q.Result(seq)
		if err != nil {
			return future.Failed(err)
		}
		return future.Resolved(h)
	})
}

// Reset clears the namespace of every target.
func (r *Router) Reset(ctx context.Context, t Targets) ([]Result, error) {
	return r.apply(ctx, engine.MethodReset, t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return q.Reset()
	})
}

// Kill terminates every target and unregisters the ones that were killed.
func (r *Router) Kill(ctx context.Context, t Targets) ([]Result, error) {
	results, err := r.apply(ctx, engine.MethodKill, t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return q.Kill()
	})
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if uerr := r.reg.Unregister(res.EngineID); uerr != nil && !errors.Is(uerr, registry.ErrInvalidEngineID) {
			r.logger.Warn("unregister killed engine", "engine_id", res.EngineID, "error", uerr)
		}
	}
	return results, nil
}

// QueueStatus reports the queue of every target.
func (r *Router) QueueStatus(ctx context.Context, t Targets) ([]Result, error) {
	return r.apply(ctx, "queue_status", t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return future.Resolved(q.QueueStatus())
	})
}

// ClearQueue drops the waiting commands of every target. Each result value is
// the number of dropped commands.
func (r *Router) ClearQueue(ctx context.Context, t Targets) ([]Result, error) {
	return r.apply(ctx, "clear_queue", t, func(_ int, q *engine.QueuedEngine) *future.Future {
		return future.Resolved(q.ClearQueue())
	})
}

// Scatter partitions seq across the targets and pushes chunk i to the i-th
// target under key. With flatten, one-element chunks are pushed as scalars.
func (r *Router) Scatter(ctx context.Context, t Targets, key string, seq []any, style Style, flatten bool) ([]Result, error) {
	engines, err := r.Resolve(t)
	if err != nil {
		return nil, err
	}
	chunks, err := Partition(seq, len(engines), style)
	if err != nil {
		return nil, err
	}

	routedCalls.WithLabelValues("scatter").Inc()
	return r.Broadcast(ctx, engines, func(i int, q *engine.QueuedEngine) *future.Future {
		var v any = chunks[i]
		if flatten && len(chunks[i]) == 1 {
			v = chunks[i][0]
		}
		return q.Push(model.Namespace{key: v})
	})
}

// Gather pulls key from every target and reassembles the sequence with the
// inverse of style.
func (r *Router) Gather(ctx context.Context, t Targets, key string, style Style) ([]any, error) {
	engines, err := r.Resolve(t)
	if err != nil {
		return nil, err
	}

	routedCalls.WithLabelValues("gather").Inc()
	results, err := r.Broadcast(ctx, engines, func(_ int, q *engine.QueuedEngine) *future.Future {
		return q.Pull([]string{key})
	})
	if err != nil {
		return nil, err
	}
	values, err := Values(results)
	if err != nil {
		return nil, err
	}

	chunks := make([][]any, len(values))
	for i, v := range values {
		vals, _ := v.([]any)
		if len(vals) != 1 {
			return nil, fmt.Errorf("gather %q from engine %d: unexpected pull result %v", key, results[i].EngineID, v)
		}
		chunks[i] = asChunk(vals[0])
	}
	return Join(chunks, style)
}

// Values returns the per-engine values in order, or every per-engine failure
// combined into one error.
func Values(results []Result) ([]any, error) {
	var merr *multierror.Error
	values := make([]any, len(results))
	for i, res := range results {
		if res.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("engine %d: %w", res.EngineID, res.Err))
			continue
		}
		values[i] = res.Value
	}
	return values, merr.ErrorOrNil()
}
