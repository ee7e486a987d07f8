package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/crucible/internal/model"
)

// Engine is the interface that all compute engines must implement. Local
// in-process engines and remote engine clients provide their own
// implementations of these methods.
type Engine interface {
	// Execute runs code in the engine's namespace. A failure raised by the
	// code itself is returned as an *ExecError; any other error is a
	// transport or engine fault.
	Execute(ctx context.Context, code string) (ExecResult, error)

	// Push binds every name in ns into the engine's namespace.
	Push(ctx context.Context, ns model.Namespace) error

	// Pull returns the values bound to keys, in order. A missing key is an
	// *ExecError of kind NameError.
	Pull(ctx context.Context, keys []string) ([]any, error)

	// Keys lists the names bound in the namespace, sorted.
	Keys(ctx context.Context) ([]string, error)

	// Reset clears the namespace.
	Reset(ctx context.Context) error

	// Kill terminates the engine. Later calls fail with ErrEngineKilled.
	Kill(ctx context.Context) error

	// Properties reports the engine's metadata for dependency tests.
	Properties() model.Properties
}

// ExecResult holds what an engine produced while executing code.
type ExecResult struct {
	Seq     int    `json:"seq"`
	Code    string `json:"code"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Display any    `json:"display,omitempty"`
}

// ErrEngineKilled is returned by engines that have been killed.
var ErrEngineKilled = errors.New("engine killed")

// ExecError is a failure raised by user code running inside an engine. It
// carries the original exception kind and the engine-side traceback text.
type ExecError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *ExecError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
