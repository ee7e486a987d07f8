// Package pending tracks asynchronous operation results that callers redeem
// later, exactly once, by an opaque id.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/crucible/internal/future"
	"github.com/seantiz/crucible/internal/model"
)

var (
	// ErrResultNotCompleted is returned by a non-blocking Get before the
	// operation has finished. The entry is kept.
	ErrResultNotCompleted = errors.New("result not completed")

	// ErrInvalidDeferredID is returned for ids that never existed or were
	// already redeemed.
	ErrInvalidDeferredID = errors.New("invalid deferred id")

	// ErrAbortedPendingDeferred is returned to getters blocked on an entry
	// that was deleted.
	ErrAbortedPendingDeferred = errors.New("pending deferred aborted")
)

// Callback transforms a successful value before it is handed to the caller.
type Callback func(v any) (any, error)

type entry struct {
	fut      *future.Future
	callback Callback
	aborted  chan struct{}
	waiters  int // blocked getters
}

// Table maps pending ids to in-flight futures. It is safe for concurrent use.
type Table struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable creates an empty table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Table{logger: logger, entries: make(map[string]*entry)}
}

// Save stores fut and returns the id under which its outcome can be redeemed.
// cb, if non-nil, is applied to a successful value at redemption time.
func (t *Table) Save(fut *future.Future, cb Callback) string {
	id := model.NewID()

	t.mu.Lock()
	t.entries[id] = &entry{fut: fut, callback: cb, aborted: make(chan struct{})}
	n := len(t.entries)
	t.mu.Unlock()

	pendingEntries.Set(float64(n))
	return id
}

// Get redeems id. If the operation has not finished, Get fails with
// ErrResultNotCompleted when block is false, or waits for it when block is
// true. Blocked getters do not hold the entry: it stays pollable, and the first
// caller to see the completed outcome consumes it. Later calls fail with
// ErrInvalidDeferredID.
func (t *Table) Get(ctx context.Context, id string, block bool) (any, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("pending %s: %w", id, ErrInvalidDeferredID)
	}
	if !e.fut.Completed() {
		if !block {
			t.mu.Unlock()
			return nil, fmt.Errorf("pending %s: %w", id, ErrResultNotCompleted)
		}
		e.waiters++
		t.mu.Unlock()

		var err error
		select {
		case <-e.fut.Done():
		case <-e.aborted:
			err = fmt.Errorf("pending %s: %w", id, ErrAbortedPendingDeferred)
		case <-ctx.Done():
			err = ctx.Err()
		}

		t.mu.Lock()
		e.waiters--
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}

	if cur, ok := t.entries[id]; !ok || cur != e {
		t.mu.Unlock()
		select {
		case <-e.aborted:
			return nil, fmt.Errorf("pending %s: %w", id, ErrAbortedPendingDeferred)
		default:
			return nil, fmt.Errorf("pending %s: %w", id, ErrInvalidDeferredID)
		}
	}
	delete(t.entries, id)
	n := len(t.entries)
	t.mu.Unlock()

	pendingEntries.Set(float64(n))
	redemptions.Inc()

	v, err := e.fut.Result()
	if err != nil {
		return nil, err
	}
	if e.callback != nil {
		return e.callback(v)
	}
	return v, nil
}

// Delete force-clears id. Blocked getters fail with ErrAbortedPendingDeferred
// and any later failure of the operation is marked as handled.
func (t *Table) Delete(id string) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("pending %s: %w", id, ErrInvalidDeferredID)
	}
	delete(t.entries, id)
	n := len(t.entries)
	t.mu.Unlock()

	t.abort(e)
	pendingEntries.Set(float64(n))
	t.logger.Debug("pending entry deleted", "pending_id", id)
	return nil
}

// Clear deletes every entry and returns how many were removed.
func (t *Table) Clear() int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		t.abort(e)
	}
	pendingEntries.Set(0)
	return len(entries)
}

func (t *Table) abort(e *entry) {
	e.fut.Discard()
	close(e.aborted)
}

// IDs returns the ids currently held.
func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
