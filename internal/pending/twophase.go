package pending

import (
	"context"

	"github.com/seantiz/crucible/internal/future"
)

// Reply is the outcome of a two-phase call: the value when the caller
// blocked, or the pending id to redeem later when it did not.
type Reply struct {
	Value     any    `json:"result,omitempty"`
	PendingID string `json:"pending_id,omitempty"`
}

// Pending reports whether the reply carries a pending id instead of a value.
func (r Reply) Pending() bool { return r.PendingID != "" }

// TwoPhase runs call directly when block is true. Otherwise it starts call in
// the background, detached from ctx cancellation, and returns the id of a new
// entry holding its outcome.
func (t *Table) TwoPhase(ctx context.Context, block bool, call func(ctx context.Context) (any, error)) (Reply, error) {
	if block {
		v, err := call(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Value: v}, nil
	}

	bg := context.WithoutCancel(ctx)
	fut := future.Go(func() (any, error) { return call(bg) })
	return Reply{PendingID: t.Save(fut, nil)}, nil
}
