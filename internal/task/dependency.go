package task

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"cuelang.org/go/cue/parser"

	"github.com/seantiz/crucible/internal/engine/inproc"
	"github.com/seantiz/crucible/internal/model"
)

// Dependency gates task placement on an engine's properties. A dependency
// never errors: anything it cannot evaluate fails the test.
type Dependency interface {
	Test(props model.Properties) bool
}

// Match requires every key to be present with an equal value.
type Match map[string]any

// Test implements Dependency.
func (m Match) Test(props model.Properties) bool {
	for k, want := range m {
		got, ok := props[k]
		if !ok || !equal(got, want) {
			return false
		}
	}
	return true
}

// Clause operators.
const (
	OpLess      = "<"
	OpLessEq    = "<="
	OpGreater   = ">"
	OpGreaterEq = ">="
	OpEqual     = "=="
	OpNotEqual  = "!="
	OpIn        = "in"
	OpNotIn     = "not in"
	OpHas       = "has"
)

// Clause tests one property. Comparisons read as "property Op Value"; OpIn
// holds when Value is contained in the property (substring, list element or
// map key). An empty Op or OpHas only requires the key to be present.
type Clause struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
	Op    string `json:"op,omitempty"`
}

// UnmarshalJSON accepts the object form or a [key, value, op] array.
func (c *Clause) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) == 0 || len(arr) > 3 {
			return fmt.Errorf("clause must have 1 to 3 elements, got %d", len(arr))
		}
		key, ok := arr[0].(string)
		if !ok {
			return fmt.Errorf("clause key must be a string, got %T", arr[0])
		}
		*c = Clause{Key: key}
		if len(arr) > 1 {
			c.Value = arr[1]
		}
		if len(arr) > 2 {
			op, ok := arr[2].(string)
			if !ok {
				return fmt.Errorf("clause operator must be a string, got %T", arr[2])
			}
			c.Op = op
		}
		return nil
	}

	type plain Clause
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Clause(p)
	return nil
}

// Validate reports an unknown operator.
func (c Clause) Validate() error {
	switch c.Op {
	case "", OpHas, OpLess, OpLessEq, OpGreater, OpGreaterEq, OpEqual, OpNotEqual, OpIn, OpNotIn:
		return nil
	default:
		return fmt.Errorf("unknown dependency operator %q", c.Op)
	}
}

func (c Clause) test(props model.Properties) bool {
	got, ok := props[c.Key]
	if !ok {
		return false
	}

	switch c.Op {
	case "", OpHas:
		return true
	case OpEqual:
		return equal(got, c.Value)
	case OpNotEqual:
		return !equal(got, c.Value)
	case OpLess, OpLessEq, OpGreater, OpGreaterEq:
		cmp, ok := compare(got, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLess:
			return cmp < 0
		case OpLessEq:
			return cmp <= 0
		case OpGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpIn, OpNotIn:
		in, ok := contains(got, c.Value)
		if !ok {
			return false
		}
		return in == (c.Op == OpIn)
	default:
		return false
	}
}

// Clauses requires every clause to hold. No clauses always passes.
type Clauses []Clause

// Test implements Dependency.
func (cs Clauses) Test(props model.Properties) bool {
	for _, c := range cs {
		if !c.test(props) {
			return false
		}
	}
	return true
}

// Validate reports the first clause with an unknown operator.
func (cs Clauses) Validate() error {
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Expr is a CUE expression evaluated with the properties in scope. It passes
// only when it evaluates to true; a reference to a missing property fails.
type Expr string

// Validate reports a syntax error.
func (x Expr) Validate() error {
	if _, err := parser.ParseExpr("depend", string(x)); err != nil {
		return fmt.Errorf("invalid dependency expression: %w", err)
	}
	return nil
}

// Test implements Dependency with a throwaway evaluator. The scheduler
// evaluates through its own exprEvaluator instead.
func (x Expr) Test(props model.Properties) bool {
	return x.eval(inproc.NewEvaluator(), props)
}

func (x Expr) eval(ev *inproc.Evaluator, props model.Properties) bool {
	v, err := ev.Eval(string(x), props)
	if err != nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// exprContextUses bounds how many evaluations share one CUE context.
const exprContextUses = 1024

// exprEvaluator evaluates Expr dependencies for one scheduler. Its CUE
// context is replaced every exprContextUses evaluations since compiled
// expressions are never released from it. Not safe for concurrent use.
type exprEvaluator struct {
	ev   *inproc.Evaluator
	uses int
}

func (x *exprEvaluator) test(d Dependency, props model.Properties) bool {
	expr, ok := d.(Expr)
	if !ok {
		return passes(d, props)
	}
	if x.ev == nil || x.uses >= exprContextUses {
		x.ev = inproc.NewEvaluator()
		x.uses = 0
	}
	x.uses++
	return expr.eval(x.ev, props)
}

// Func adapts a Go predicate.
type Func func(props model.Properties) bool

// Test implements Dependency.
func (f Func) Test(props model.Properties) bool {
	return f(props)
}

func passes(d Dependency, props model.Properties) bool {
	if d == nil {
		return true
	}
	return d.Test(props)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two numbers or two strings.
func compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	}
	x, ok1 := a.(string)
	y, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	return strings.Compare(x, y), true
}

// contains reports whether item is in container.
func contains(container, item any) (bool, bool) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, false
		}
		return strings.Contains(c, s), true
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true, true
			}
		}
		return false, true
	case []string:
		s, ok := item.(string)
		if !ok {
			return false, false
		}
		for _, v := range c {
			if v == s {
				return true, true
			}
		}
		return false, true
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, false
		}
		_, in := c[s]
		return in, true
	default:
		return false, false
	}
}
