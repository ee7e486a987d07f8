package model

import (
	"maps"
	"time"
)

// Namespace is the set of named values held by an engine.
type Namespace map[string]any

// Properties is arbitrary engine metadata consulted by task dependencies.
type Properties map[string]any

// Clone returns a shallow copy of p. A nil map clones to an empty one.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	maps.Copy(out, p)
	return out
}

// Task status constants.
const (
	StatusSubmitted  = "submitted"
	StatusDispatched = "dispatched"
	StatusRetrying   = "retrying"
	StatusRecovering = "recovering"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusAborted    = "aborted"
)

// validTransitions maps each task status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusSubmitted: {
		StatusDispatched: true,
		StatusAborted:    true,
	},
	StatusDispatched: {
		StatusSucceeded:  true,
		StatusRetrying:   true,
		StatusRecovering: true,
		StatusFailed:     true,
		StatusAborted:    true,
	},
	StatusRetrying: {
		StatusDispatched: true,
		StatusAborted:    true,
	},
	StatusRecovering: {
		StatusDispatched: true,
		StatusFailed:     true,
		StatusAborted:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is a final task state.
func Terminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusAborted
}

// CommandRecord is a journal entry for one completed engine command.
type CommandRecord struct {
	ID         string    `json:"id"`
	EngineID   int       `json:"engine_id"`
	Seq        int       `json:"seq"`
	Method     string    `json:"method"`
	Error      string    `json:"error,omitempty"`
	DurationMS int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskRecord is a journal entry for one finished task.
type TaskRecord struct {
	ID          string     `json:"id"`
	TaskID      int        `json:"task_id"`
	EngineID    int        `json:"engine_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Expression  string     `json:"expression"`
	Failure     string     `json:"failure,omitempty"`
	Traceback   string     `json:"traceback,omitempty"`
	Namespace   Namespace  `json:"namespace,omitempty"`
	DurationMS  int        `json:"duration_ms"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
