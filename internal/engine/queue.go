package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/future"
	"github.com/seantiz/crucible/internal/model"
)

// DefaultHistorySize is the number of completed commands a QueuedEngine
// remembers when no size is configured.
const DefaultHistorySize = 1000

// Command method names.
const (
	MethodExecute = "execute"
	MethodPush    = "push"
	MethodPull    = "pull"
	MethodKeys    = "keys"
	MethodReset   = "reset"
	MethodKill    = "kill"
)

var (
	// ErrQueueCleared fails commands that were discarded before they started.
	ErrQueueCleared = errors.New("queue cleared")

	// ErrNoResult is returned when a history entry does not exist or was evicted.
	ErrNoResult = errors.New("no such result")
)

// Recorder receives a journal entry for every completed command.
type Recorder interface {
	RecordCommand(ctx context.Context, rec model.CommandRecord) error
}

// CommandFunc is the body of a queued command. It runs with exclusive use of
// the engine.
type CommandFunc func(ctx context.Context, e Engine) (any, error)

// QueueOptions configures a QueuedEngine. Zero values are valid.
type QueueOptions struct {
	HistorySize    int
	CommandTimeout time.Duration
	Broker         *OutputBroker
	Recorder       Recorder
	Logger         *slog.Logger
}

// HistoryEntry is the recorded outcome of one completed command.
type HistoryEntry struct {
	Seq        int       `json:"seq"`
	Method     string    `json:"method"`
	Value      any       `json:"value,omitempty"`
	Err        error     `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// QueueStatus is a snapshot of an engine's command queue.
type QueueStatus struct {
	EngineID int      `json:"engine_id"`
	Current  string   `json:"current,omitempty"`
	Waiting  []string `json:"waiting"`
}

type command struct {
	method string
	fn     CommandFunc
	fut    *future.Future
	cancel context.CancelFunc
}

// QueuedEngine wraps an Engine with a FIFO command queue. Commands submitted
// while another is executing wait their turn; a failed command is recorded and
// the next one starts. It is safe for concurrent use.
type QueuedEngine struct {
	id     int
	eng    Engine
	opts   QueueOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   *command
	waiting   []*command
	history   map[int]*HistoryEntry
	nextSeq   int
	oldestSeq int
	closed    bool
}

// NewQueuedEngine wraps e, identified by id, with a command queue.
func NewQueuedEngine(id int, e Engine, opts QueueOptions) *QueuedEngine {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueuedEngine{
		id:      id,
		eng:     e,
		opts:    opts,
		logger:  logger.With("engine_id", id),
		ctx:     ctx,
		cancel:  cancel,
		history: make(map[int]*HistoryEntry),
	}
}

// ID returns the registry id of the engine.
func (q *QueuedEngine) ID() int { return q.id }

// Engine returns the wrapped engine.
func (q *QueuedEngine) Engine() Engine { return q.eng }

// Properties returns the wrapped engine's properties.
func (q *QueuedEngine) Properties() model.Properties { return q.eng.Properties() }

// Submit queues a command and returns a Future for its outcome. The command
// starts immediately if the engine is idle.
func (q *QueuedEngine) Submit(method string, fn CommandFunc) *future.Future {
	c := &command{method: method, fn: fn, fut: future.New()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		c.fut.Fail(fmt.Errorf("engine %d: %w", q.id, ErrQueueCleared))
		return c.fut
	}
	if q.current != nil {
		q.waiting = append(q.waiting, c)
		depth := len(q.waiting)
		q.mu.Unlock()
		queueWaiting.WithLabelValues(q.label()).Set(float64(depth))
		return c.fut
	}
	q.current = c
	q.mu.Unlock()

	go q.drain(c)
	return c.fut
}

// Execute queues code for execution. The Future resolves to an ExecResult.
func (q *QueuedEngine) Execute(code string) *future.Future {
	return q.Submit(MethodExecute, func(ctx context.Context, e Engine) (any, error) {
		res, err := e.Execute(ctx, code)
		if err != nil {
			return nil, err
		}
		res.Code = code
		return res, nil
	})
}

// Push queues a namespace update.
func (q *QueuedEngine) Push(ns model.Namespace) *future.Future {
	return q.Submit(MethodPush, func(ctx context.Context, e Engine) (any, error) {
		return nil, e.Push(ctx, ns)
	})
}

// Pull queues a read of keys. The Future resolves to []any.
func (q *QueuedEngine) Pull(keys []string) *future.Future {
	return q.Submit(MethodPull, func(ctx context.Context, e Engine) (any, error) {
		return e.Pull(ctx, keys)
	})
}

// Keys queues a listing of the namespace. The Future resolves to []string.
func (q *QueuedEngine) Keys() *future.Future {
	return q.Submit(MethodKeys, func(ctx context.Context, e Engine) (any, error) {
		return e.Keys(ctx)
	})
}

// Reset queues a namespace reset behind every earlier command.
func (q *QueuedEngine) Reset() *future.Future {
	return q.Submit(MethodReset, func(ctx context.Context, e Engine) (any, error) {
		return nil, e.Reset(ctx)
	})
}

// Kill queues termination of the engine behind every earlier command.
func (q *QueuedEngine) Kill() *future.Future {
	return q.Submit(MethodKill, func(ctx context.Context, e Engine) (any, error) {
		return nil, e.Kill(ctx)
	})
}

// Result returns the history entry with sequence number seq. A negative seq
// selects the most recent entry.
func (q *QueuedEngine) Result(seq int) (HistoryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq < 0 {
		seq = q.nextSeq - 1
	}
	h, ok := q.history[seq]
	if !ok {
		return HistoryEntry{}, fmt.Errorf("engine %d result %d: %w", q.id, seq, ErrNoResult)
	}
	return *h, nil
}

// QueueStatus reports the executing command and the waiting ones in order.
func (q *QueuedEngine) QueueStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{EngineID: q.id, Waiting: make([]string, 0, len(q.waiting))}
	if q.current != nil {
		st.Current = q.current.method
	}
	for _, c := range q.waiting {
		st.Waiting = append(st.Waiting, c.method)
	}
	return st
}

// ClearQueue fails every waiting command with ErrQueueCleared and returns how
// many were dropped. The executing command is not affected.
func (q *QueuedEngine) ClearQueue() int {
	q.mu.Lock()
	dropped := q.waiting
	q.waiting = nil
	q.mu.Unlock()

	q.failDropped(dropped)
	return len(dropped)
}

// Interrupt cancels the context of the executing command, if any. Whether the
// command stops early depends on the engine honoring its context.
func (q *QueuedEngine) Interrupt() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil || q.current.cancel == nil {
		return false
	}
	q.current.cancel()
	return true
}

// Close drops every waiting command, cancels the executing one and rejects
// further submissions.
func (q *QueuedEngine) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.waiting
	q.waiting = nil
	q.mu.Unlock()

	q.cancel()
	q.failDropped(dropped)
	queueWaiting.DeleteLabelValues(q.label())
	if q.opts.Broker != nil {
		q.opts.Broker.Close(q.id)
	}
}

func (q *QueuedEngine) failDropped(dropped []*command) {
	if len(dropped) == 0 {
		return
	}
	for _, c := range dropped {
		commandsTotal.WithLabelValues(c.method, statusCleared).Inc()
		c.fut.Fail(fmt.Errorf("engine %d %s: %w", q.id, c.method, ErrQueueCleared))
	}
	q.logger.Info("queue cleared", "dropped", len(dropped))
	queueWaiting.WithLabelValues(q.label()).Set(0)
}

// drain runs c and then every command queued behind it until the queue is
// empty. Exactly one drain goroutine exists per engine while it is busy.
func (q *QueuedEngine) drain(c *command) {
	for c != nil {
		ctx, cancel := q.commandContext()
		q.mu.Lock()
		c.cancel = cancel
		q.mu.Unlock()

		started := time.Now()
		val, err := future.Call(func() (any, error) { return c.fn(ctx, q.eng) })
		cancel()
		finished := time.Now()

		q.mu.Lock()
		seq := q.nextSeq
		q.nextSeq++
		if res, ok := val.(ExecResult); ok {
			res.Seq = seq
			val = res
		}
		q.remember(&HistoryEntry{
			Seq:        seq,
			Method:     c.method,
			Value:      val,
			Err:        err,
			StartedAt:  started,
			FinishedAt: finished,
		})
		var next *command
		if len(q.waiting) > 0 {
			next = q.waiting[0]
			q.waiting = q.waiting[1:]
		}
		q.current = next
		depth := len(q.waiting)
		q.mu.Unlock()

		queueWaiting.WithLabelValues(q.label()).Set(float64(depth))
		q.finish(c, seq, val, err, finished.Sub(started))
		c = next
	}
}

func (q *QueuedEngine) commandContext() (context.Context, context.CancelFunc) {
	if q.opts.CommandTimeout > 0 {
		return context.WithTimeout(q.ctx, q.opts.CommandTimeout)
	}
	return context.WithCancel(q.ctx)
}

// remember stores h and evicts the oldest entries beyond the history size.
// Callers must hold q.mu.
func (q *QueuedEngine) remember(h *HistoryEntry) {
	q.history[h.Seq] = h
	for len(q.history) > q.opts.HistorySize {
		delete(q.history, q.oldestSeq)
		q.oldestSeq++
	}
}

// finish publishes the outcome of c: metrics, journal, output and finally the
// Future, so that waiters observe a fully recorded command.
func (q *QueuedEngine) finish(c *command, seq int, val any, err error, dur time.Duration) {
	status := statusOK
	if err != nil {
		status = statusError
		q.logger.Debug("command failed", "method", c.method, "seq", seq, "error", err)
	}
	commandsTotal.WithLabelValues(c.method, status).Inc()
	commandDuration.WithLabelValues(c.method).Observe(dur.Seconds())

	if res, ok := val.(ExecResult); ok && q.opts.Broker != nil {
		q.opts.Broker.Publish(q.id, seq, res.Stdout)
	}

	if q.opts.Recorder != nil {
		rec := model.CommandRecord{
			ID:         model.NewID(),
			EngineID:   q.id,
			Seq:        seq,
			Method:     c.method,
			DurationMS: int(dur.Milliseconds()),
			CreatedAt:  time.Now().UTC(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if rerr := q.opts.Recorder.RecordCommand(context.Background(), rec); rerr != nil {
			q.logger.Error("failed to journal command", "method", c.method, "seq", seq, "error", rerr)
		}
	}

	c.fut.Complete(val, err)
}

func (q *QueuedEngine) label() string {
	return fmt.Sprint(q.id)
}
