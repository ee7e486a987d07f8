package store

import (
	"context"

	"github.com/seantiz/crucible/internal/model"
)

// JournalStats holds aggregate statistics over the journal.
type JournalStats struct {
	Tasks            int            `json:"tasks"`
	TasksByStatus    map[string]int `json:"tasks_by_status"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	AvgAttempts      float64        `json:"avg_attempts"`
	Commands         int            `json:"commands"`
	CommandsByMethod map[string]int `json:"commands_by_method"`
	CommandErrors    int            `json:"command_errors"`
}

// Store defines the journal operations. The journal is write-only audit data:
// nothing in it is read back into controller state.
type Store interface {
	RecordTaskResult(ctx context.Context, rec model.TaskRecord) error
	GetTaskResult(ctx context.Context, id string) (*model.TaskRecord, error)
	ListTaskResults(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error)
	RecordCommand(ctx context.Context, rec model.CommandRecord) error
	ListCommands(ctx context.Context, engineID, limit int) ([]*model.CommandRecord, error)
	GetStats(ctx context.Context) (*JournalStats, error)
	Close() error
}
