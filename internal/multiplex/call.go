package multiplex

import (
	"context"
	"fmt"

	"github.com/seantiz/crucible/internal/model"
)

// Method names accepted by Do.
const (
	CallExecute     = "execute"
	CallPush        = "push"
	CallPull        = "pull"
	CallKeys        = "keys"
	CallGetResult   = "get_result"
	CallReset       = "reset"
	CallKill        = "kill"
	CallQueueStatus = "queue_status"
	CallClearQueue  = "clear_queue"
	CallScatter     = "scatter"
	CallGather      = "gather"
)

// Call names a Multiplexer operation and carries its arguments. Only the
// fields used by Method are read.
type Call struct {
	Method    string          `json:"method"`
	Code      string          `json:"code,omitempty"`
	Namespace model.Namespace `json:"namespace,omitempty"`
	Keys      []string        `json:"keys,omitempty"`
	Seq       int             `json:"seq,omitempty"`
	Key       string          `json:"key,omitempty"`
	Sequence  []any           `json:"sequence,omitempty"`
	Style     Style           `json:"style,omitempty"`
	Flatten   bool            `json:"flatten,omitempty"`
}

// Do applies c to t through m. Gather returns the reassembled []any; every
// other method returns []Result.
func Do(ctx context.Context, m Multiplexer, t Targets, c Call) (any, error) {
	switch c.Method {
	case CallExecute:
		return m.Execute(ctx, t, c.Code)
	case CallPush:
		return m.Push(ctx, t, c.Namespace)
	case CallPull:
		return m.Pull(ctx, t, c.Keys)
	case CallKeys:
		return m.Keys(ctx, t)
	case CallGetResult:
		return m.GetResult(ctx, t, c.Seq)
	case CallReset:
		return m.Reset(ctx, t)
	case CallKill:
		return m.Kill(ctx, t)
	case CallQueueStatus:
		return m.QueueStatus(ctx, t)
	case CallClearQueue:
		return m.ClearQueue(ctx, t)
	case CallScatter:
		return m.Scatter(ctx, t, c.Key, c.Sequence, c.Style, c.Flatten)
	case CallGather:
		return m.Gather(ctx, t, c.Key, c.Style)
	default:
		return nil, fmt.Errorf("unknown multiplexed method %q", c.Method)
	}
}

// Do applies c to t.
func (r *Router) Do(ctx context.Context, t Targets, c Call) (any, error) {
	return Do(ctx, r, t, c)
}
