package inproc

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Evaluator compiles CUE expressions against a scope of named Go values.
// It is not safe for concurrent use.
type Evaluator struct {
	ctx *cue.Context
}

// NewEvaluator creates an evaluator with a fresh CUE context.
func NewEvaluator() *Evaluator {
	return &Evaluator{ctx: cuecontext.New()}
}

// Eval evaluates expr with every entry of scope visible as an identifier and
// converts the concrete result to a Go value.
func (ev *Evaluator) Eval(expr string, scope map[string]any) (any, error) {
	if scope == nil {
		scope = map[string]any{}
	}
	sv := ev.ctx.Encode(scope)
	if err := sv.Err(); err != nil {
		return nil, &EvalError{Kind: "TypeError", Err: err}
	}

	v := ev.ctx.CompileString(expr, cue.Scope(sv))
	if err := v.Err(); err != nil {
		return nil, classify(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, classify(err)
	}
	return toGo(v)
}

// EvalError is a failed evaluation, tagged with the exception kind reported
// to callers.
type EvalError struct {
	Kind string
	Err  error
}

func (e *EvalError) Error() string { return e.Err.Error() }

func (e *EvalError) Unwrap() error { return e.Err }

func classify(err error) *EvalError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "reference") && strings.Contains(msg, "not found"):
		return &EvalError{Kind: "NameError", Err: err}
	case strings.Contains(msg, "expected"):
		return &EvalError{Kind: "SyntaxError", Err: err}
	default:
		return &EvalError{Kind: "EvalError", Err: err}
	}
}

// toGo converts a concrete CUE value to plain Go values: int, float64,
// string, bool, nil, []any and map[string]any. Byte literals become strings.
func toGo(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, &EvalError{Kind: "OverflowError", Err: err}
		}
		return int(i), nil
	case cue.FloatKind:
		return v.Float64()
	case cue.StringKind:
		return v.String()
	case cue.BytesKind:
		b, err := v.Bytes()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case cue.ListKind:
		it, err := v.List()
		if err != nil {
			return nil, err
		}
		out := []any{}
		for it.Next() {
			x, err := toGo(it.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
		return out, nil
	case cue.StructKind:
		it, err := v.Fields()
		if err != nil {
			return nil, err
		}
		out := map[string]any{}
		for it.Next() {
			x, err := toGo(it.Value())
			if err != nil {
				return nil, err
			}
			out[it.Label()] = x
		}
		return out, nil
	default:
		return nil, &EvalError{Kind: "TypeError", Err: fmt.Errorf("unsupported value kind %s", v.Kind())}
	}
}
