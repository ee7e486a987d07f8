// Package inproc provides an Engine that holds its namespace in process memory
// and runs a small statement language whose expressions are evaluated by CUE.
// It backs local engines in the controller and the standalone engine agent.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

// Compile-time interface satisfaction check.
var _ engine.Engine = (*Engine)(nil)

// Engine is an in-process compute engine. It is safe for concurrent use;
// calls are serialized internally.
type Engine struct {
	mu     sync.Mutex
	ns     model.Namespace
	props  model.Properties
	eval   *Evaluator
	killed bool
}

// New creates an engine with an empty namespace and the given properties.
func New(props model.Properties) *Engine {
	return &Engine{
		ns:    model.Namespace{},
		props: props.Clone(),
		eval:  NewEvaluator(),
	}
}

// Execute runs code statement by statement. Cancellation of ctx is checked
// between statements.
func (e *Engine) Execute(ctx context.Context, code string) (engine.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return engine.ExecResult{}, engine.ErrEngineKilled
	}

	stmts, err := parse(code)
	if err != nil {
		return engine.ExecResult{}, &engine.ExecError{Kind: "SyntaxError", Message: err.Error(), Traceback: err.Error()}
	}

	var (
		stdout  strings.Builder
		display any
	)
	for _, st := range stmts {
		if err := ctx.Err(); err != nil {
			return engine.ExecResult{}, err
		}
		val, err := e.run(st, &stdout)
		if err != nil {
			return engine.ExecResult{Stdout: stdout.String()}, traceback(st, err)
		}
		if st.kind == stmtExpr {
			display = val
		}
	}

	return engine.ExecResult{Stdout: stdout.String(), Display: display}, nil
}

func (e *Engine) run(st statement, stdout *strings.Builder) (any, error) {
	switch st.kind {
	case stmtAssign:
		expr := st.expr
		if st.op != "" {
			expr = fmt.Sprintf("%s %s (%s)", st.name, st.op, st.expr)
		}
		v, err := e.eval.Eval(expr, e.ns)
		if err != nil {
			return nil, err
		}
		e.ns[st.name] = v
		return nil, nil

	case stmtDel:
		for _, name := range st.del {
			if _, ok := e.ns[name]; !ok {
				return nil, &engine.ExecError{Kind: "NameError", Message: fmt.Sprintf("name %q is not defined", name)}
			}
			delete(e.ns, name)
		}
		return nil, nil

	case stmtPrint:
		if st.expr == "" {
			stdout.WriteString("\n")
			return nil, nil
		}
		v, err := e.eval.Eval("["+st.expr+"]", e.ns)
		if err != nil {
			return nil, err
		}
		parts := make([]string, 0)
		for _, x := range v.([]any) {
			parts = append(parts, fmt.Sprint(x))
		}
		stdout.WriteString(strings.Join(parts, " "))
		stdout.WriteString("\n")
		return nil, nil

	case stmtRaise:
		msg := st.expr
		if msg != "" {
			if v, err := e.eval.Eval(msg, e.ns); err == nil {
				msg = fmt.Sprint(v)
			}
		}
		return nil, &engine.ExecError{Kind: st.name, Message: msg}

	default:
		return e.eval.Eval(st.expr, e.ns)
	}
}

// traceback converts err into an ExecError annotated with the failing statement.
func traceback(st statement, err error) error {
	var ee *engine.ExecError
	switch {
	case errors.As(err, &ee):
		ee = &engine.ExecError{Kind: ee.Kind, Message: ee.Message}
	default:
		var ev *EvalError
		if errors.As(err, &ev) {
			ee = &engine.ExecError{Kind: ev.Kind, Message: ev.Err.Error()}
		} else {
			ee = &engine.ExecError{Kind: "Error", Message: err.Error()}
		}
	}
	ee.Traceback = fmt.Sprintf("Traceback (most recent statement last):\n  line %d: %s\n%s", st.line, st.text, ee.Error())
	return ee
}

// Push binds every name in ns.
func (e *Engine) Push(_ context.Context, ns model.Namespace) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return engine.ErrEngineKilled
	}
	maps.Copy(e.ns, ns)
	return nil
}

// Pull returns the values bound to keys, in order.
func (e *Engine) Pull(_ context.Context, keys []string) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return nil, engine.ErrEngineKilled
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		v, ok := e.ns[k]
		if !ok {
			return nil, &engine.ExecError{Kind: "NameError", Message: fmt.Sprintf("name %q is not defined", k)}
		}
		out[i] = v
	}
	return out, nil
}

// Keys lists the bound names in sorted order.
func (e *Engine) Keys(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return nil, engine.ErrEngineKilled
	}
	return slices.Sorted(maps.Keys(e.ns)), nil
}

// Reset replaces the namespace with an empty one.
func (e *Engine) Reset(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return engine.ErrEngineKilled
	}
	e.ns = model.Namespace{}
	return nil
}

// Kill drops the namespace and makes every later call fail.
func (e *Engine) Kill(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.killed = true
	e.ns = nil
	return nil
}

// Properties returns a copy of the engine's properties.
func (e *Engine) Properties() model.Properties {
	return e.props.Clone()
}
