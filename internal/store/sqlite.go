package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/task"

	_ "modernc.org/sqlite"
)

const createTaskResultsTable = `
CREATE TABLE IF NOT EXISTS task_results (
    id           TEXT PRIMARY KEY,
    task_id      INTEGER NOT NULL,
    engine_id    INTEGER NOT NULL,
    status       TEXT NOT NULL,
    attempts     INTEGER NOT NULL,
    expression   TEXT NOT NULL,
    failure      TEXT,
    traceback    TEXT,
    namespace    TEXT,
    duration_ms  INTEGER NOT NULL,
    submitted_at DATETIME NOT NULL,
    finished_at  DATETIME
)`

const createCommandsTable = `
CREATE TABLE IF NOT EXISTS commands (
    id          TEXT PRIMARY KEY,
    engine_id   INTEGER NOT NULL,
    seq         INTEGER NOT NULL,
    method      TEXT NOT NULL,
    error       TEXT,
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createCommandsIndex = `
CREATE INDEX IF NOT EXISTS idx_commands_engine ON commands(engine_id, created_at)`

// ErrNotFound is returned when a journal entry is not found.
var ErrNotFound = errors.New("journal entry not found")

// Compile-time interface satisfaction checks.
var (
	_ Store               = (*SQLiteStore)(nil)
	_ engine.Recorder     = (*SQLiteStore)(nil)
	_ task.ResultRecorder = (*SQLiteStore)(nil)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTaskResultsTable, createCommandsTable, createCommandsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTaskResult inserts a finished task. An empty ID is assigned a new one.
func (s *SQLiteStore) RecordTaskResult(ctx context.Context, rec model.TaskRecord) error {
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	var ns []byte
	if len(rec.Namespace) > 0 {
		var err error
		if ns, err = json.Marshal(rec.Namespace); err != nil {
			return fmt.Errorf("encode namespace: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (
			id, task_id, engine_id, status, attempts, expression, failure,
			traceback, namespace, duration_ms, submitted_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.EngineID, rec.Status, rec.Attempts, rec.Expression,
		nullString(rec.Failure), nullString(rec.Traceback), nullString(string(ns)),
		rec.DurationMS, rec.SubmittedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task result: %w", err)
	}
	return nil
}

const taskColumns = `id, task_id, engine_id, status, attempts, expression, failure,
	traceback, namespace, duration_ms, submitted_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTaskRecord(row scanner) (*model.TaskRecord, error) {
	var (
		rec                    model.TaskRecord
		failure, traceback, ns sql.NullString
		finished               sql.NullTime
	)
	if err := row.Scan(
		&rec.ID, &rec.TaskID, &rec.EngineID, &rec.Status, &rec.Attempts, &rec.Expression,
		&failure, &traceback, &ns, &rec.DurationMS, &rec.SubmittedAt, &finished,
	); err != nil {
		return nil, err
	}
	rec.Failure = failure.String
	rec.Traceback = traceback.String
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	if ns.Valid && ns.String != "" {
		if err := json.Unmarshal([]byte(ns.String), &rec.Namespace); err != nil {
			return nil, fmt.Errorf("decode namespace: %w", err)
		}
	}
	return &rec, nil
}

// GetTaskResult retrieves a journaled task by its journal id.
func (s *SQLiteStore) GetTaskResult(ctx context.Context, id string) (*model.TaskRecord, error) {
	rec, err := scanTaskRecord(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_results WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task result: %w", err)
	}
	return rec, nil
}

// ListTaskResults returns a page of journaled tasks, newest first, along with
// the total count.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_results").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task results: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_results
		ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list task results: %w", err)
	}
	defer rows.Close()

	var recs []*model.TaskRecord
	for rows.Next() {
		rec, err := scanTaskRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task result: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate task results: %w", err)
	}

	return recs, total, nil
}

// RecordCommand inserts a completed engine command.
func (s *SQLiteStore) RecordCommand(ctx context.Context, rec model.CommandRecord) error {
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, engine_id, seq, method, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EngineID, rec.Seq, rec.Method, nullString(rec.Error), rec.DurationMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// ListCommands returns the newest commands of engine engineID, or of every
// engine when engineID is negative.
func (s *SQLiteStore) ListCommands(ctx context.Context, engineID, limit int) ([]*model.CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, engine_id, seq, method, error, duration_ms, created_at
		FROM commands WHERE ? < 0 OR engine_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, engineID, engineID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var recs []*model.CommandRecord
	for rows.Next() {
		var (
			rec  model.CommandRecord
			cerr sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.EngineID, &rec.Seq, &rec.Method, &cerr, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		rec.Error = cerr.String
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return recs, nil
}

// GetStats aggregates the journal.
func (s *SQLiteStore) GetStats(ctx context.Context) (*JournalStats, error) {
	stats := &JournalStats{
		TasksByStatus:    make(map[string]int),
		CommandsByMethod: make(map[string]int),
	}

	var avgDur, avgAttempts sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), AVG(attempts) FROM task_results`,
	).Scan(&stats.Tasks, &avgDur, &avgAttempts)
	if err != nil {
		return nil, fmt.Errorf("task totals: %w", err)
	}
	stats.AvgDurationMS = avgDur.Float64
	stats.AvgAttempts = avgAttempts.Float64

	if err := countBy(ctx, s.db, `SELECT status, COUNT(*) FROM task_results GROUP BY status`, stats.TasksByStatus); err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(error) FROM commands`,
	).Scan(&stats.Commands, &stats.CommandErrors)
	if err != nil {
		return nil, fmt.Errorf("command totals: %w", err)
	}

	if err := countBy(ctx, s.db, `SELECT method, COUNT(*) FROM commands GROUP BY method`, stats.CommandsByMethod); err != nil {
		return nil, fmt.Errorf("commands by method: %w", err)
	}

	return stats, nil
}

func countBy(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
