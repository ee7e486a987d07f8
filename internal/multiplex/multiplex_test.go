package multiplex_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/engine/inproc"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/multiplex"
	"github.com/seantiz/crucible/internal/registry"
)

// newRouter registers n in-process engines and returns a router over them.
func newRouter(t *testing.T, n int) (*multiplex.Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{MaxEngines: 16})
	for range n {
		if _, err := reg.Register(inproc.New(nil), registry.AnyID); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	t.Cleanup(reg.Close)
	return multiplex.NewRouter(reg, nil), reg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func seq(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestParseTargets(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"all", "all", false},
		{"ALL", "all", false},
		{"3", "3", false},
		{"1, 2,5", "1,2,5", false},
		{"", "", true},
		{"x", "", true},
		{"1,-2", "", true},
	}

	for _, tt := range tests {
		got, err := multiplex.ParseTargets(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTargets(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got.String() != tt.want {
			t.Errorf("ParseTargets(%q) = %q, want %q", tt.in, got.String(), tt.want)
		}
	}
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		style multiplex.Style
		want  [][]any
	}{
		{"basic even", 2, multiplex.StyleBasic, [][]any{{0, 1, 2}, {3, 4, 5}}},
		{"basic uneven", 4, multiplex.StyleBasic, [][]any{{0, 1}, {2, 3}, {4}, {5}}},
		{"cyclic", 4, multiplex.StyleCyclic, [][]any{{0, 4}, {1, 5}, {2}, {3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := multiplex.Partition(seq(6), tt.n, tt.style)
			if err != nil {
				t.Fatalf("Partition: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Partition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartitionJoinRoundTrip(t *testing.T) {
	for _, style := range []multiplex.Style{multiplex.StyleBasic, multiplex.StyleCyclic} {
		for n := 1; n <= 5; n++ {
			for length := 0; length <= 12; length++ {
				chunks, err := multiplex.Partition(seq(length), n, style)
				if err != nil {
					t.Fatalf("Partition: %v", err)
				}
				got, _ := multiplex.Join(chunks, style)
				if !reflect.DeepEqual(got, seq(length)) {
					t.Errorf("%s n=%d len=%d: Join = %v", style, n, length, got)
				}
			}
		}
	}
}

func TestResolveErrors(t *testing.T) {
	r, _ := newRouter(t, 0)

	if _, err := r.Resolve(multiplex.All()); !errors.Is(err, registry.ErrNoEnginesRegistered) {
		t.Errorf("All on empty err = %v, want ErrNoEnginesRegistered", err)
	}
	if _, err := r.Execute(testCtx(t), multiplex.One(4), "a = 1"); !errors.Is(err, registry.ErrInvalidEngineID) {
		t.Errorf("unknown id err = %v, want ErrInvalidEngineID", err)
	}
	if _, err := r.Resolve(multiplex.IDs()); !errors.Is(err, registry.ErrInvalidEngineID) {
		t.Errorf("empty list err = %v, want ErrInvalidEngineID", err)
	}
}

func TestBroadcastPreservesTargetOrder(t *testing.T) {
	r, _ := newRouter(t, 4)
	ctx := testCtx(t)

	for _, id := range []int{0, 1, 2, 3} {
		if _, err := r.Push(ctx, multiplex.One(id), model.Namespace{"me": id}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	results, err := r.Pull(ctx, multiplex.IDs(3, 0, 2), []string{"me"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	for i, want := range []int{3, 0, 2} {
		if results[i].EngineID != want {
			t.Errorf("results[%d].EngineID = %d, want %d", i, results[i].EngineID, want)
		}
		if vals := results[i].Value.([]any); vals[0] != want {
			t.Errorf("results[%d] value = %v, want %d", i, vals[0], want)
		}
	}
}

func TestPerEngineFailureDoesNotFailBroadcast(t *testing.T) {
	r, _ := newRouter(t, 2)
	ctx := testCtx(t)

	r.Push(ctx, multiplex.One(1), model.Namespace{"x": 1})
	results, err := r.Pull(ctx, multiplex.All(), []string{"x"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if results[0].Err == nil || results[0].Error == "" {
		t.Error("engine 0 should report NameError")
	}
	if results[1].Err != nil {
		t.Errorf("engine 1 err = %v", results[1].Err)
	}

	_, err = multiplex.Values(results)
	if err == nil || !strings.Contains(err.Error(), "engine 0") {
		t.Errorf("Values err = %v, want mention of engine 0", err)
	}
	var ee *engine.ExecError
	if !errors.As(err, &ee) || ee.Kind != "NameError" {
		t.Errorf("Values err does not wrap the NameError: %v", err)
	}
}

func TestScatterGatherRoundTrip(t *testing.T) {
	r, _ := newRouter(t, 3)
	ctx := testCtx(t)

	for _, style := range []multiplex.Style{multiplex.StyleBasic, multiplex.StyleCyclic} {
		for _, length := range []int{0, 3, 6, 9} {
			if _, err := r.Scatter(ctx, multiplex.All(), "part", seq(length), style, false); err != nil {
				t.Fatalf("Scatter: %v", err)
			}
			got, err := r.Gather(ctx, multiplex.All(), "part", style)
			if err != nil {
				t.Fatalf("Gather: %v", err)
			}
			if !reflect.DeepEqual(got, seq(length)) {
				t.Errorf("%s len=%d: gathered %v", style, length, got)
			}
		}
	}
}

func TestScatterFlattenPushesScalars(t *testing.T) {
	r, _ := newRouter(t, 3)
	ctx := testCtx(t)

	if _, err := r.Scatter(ctx, multiplex.All(), "x", seq(3), multiplex.StyleBasic, true); err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	results, _ := r.Pull(ctx, multiplex.One(2), []string{"x"})
	if v := results[0].Value.([]any)[0]; v != 2 {
		t.Errorf("engine 2 x = %v (%T), want scalar 2", v, v)
	}

	got, err := r.Gather(ctx, multiplex.All(), "x", multiplex.StyleBasic)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if !reflect.DeepEqual(got, seq(3)) {
		t.Errorf("gathered %v, want [0 1 2]", got)
	}
}

func TestDoDispatchesByName(t *testing.T) {
	r, _ := newRouter(t, 2)
	ctx := testCtx(t)

	if _, err := r.Do(ctx, multiplex.All(), multiplex.Call{Method: multiplex.CallExecute, Code: "a = 7"}); err != nil {
		t.Fatalf("Do execute: %v", err)
	}
	out, err := r.Do(ctx, multiplex.All(), multiplex.Call{Method: multiplex.CallKeys})
	if err != nil {
		t.Fatalf("Do keys: %v", err)
	}
	results := out.([]multiplex.Result)
	if len(results) != 2 || !reflect.DeepEqual(results[1].Value, []string{"a"}) {
		t.Errorf("keys results = %+v", results)
	}

	out, err = r.Do(ctx, multiplex.One(0), multiplex.Call{Method: multiplex.CallGetResult, Seq: -1})
	if err != nil {
		t.Fatalf("Do get_result: %v", err)
	}
	h := out.([]multiplex.Result)[0].Value.(engine.HistoryEntry)
	if h.Method != engine.MethodKeys {
		t.Errorf("latest history method = %q, want keys", h.Method)
	}

	if _, err := r.Do(ctx, multiplex.All(), multiplex.Call{Method: "bogus"}); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestQueueStatusAndClearQueue(t *testing.T) {
	r, _ := newRouter(t, 1)
	ctx := testCtx(t)

	results, err := r.QueueStatus(ctx, multiplex.One(0))
	if err != nil {
		t.Fatalf("QueueStatus: %v", err)
	}
	if st := results[0].Value.(engine.QueueStatus); st.EngineID != 0 || len(st.Waiting) != 0 {
		t.Errorf("status = %+v", st)
	}

	results, err = r.ClearQueue(ctx, multiplex.One(0))
	if err != nil {
		t.Fatalf("ClearQueue: %v", err)
	}
	if results[0].Value != 0 {
		t.Errorf("dropped = %v, want 0", results[0].Value)
	}
}

func TestKillUnregisters(t *testing.T) {
	r, reg := newRouter(t, 2)

	results, err := r.Kill(testCtx(t), multiplex.One(1))
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("kill failed: %v", results[0].Err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
	if _, err := reg.Get(1); !errors.Is(err, registry.ErrInvalidEngineID) {
		t.Errorf("Get(1) err = %v, want ErrInvalidEngineID", err)
	}
}

func TestBroadcastHonorsContext(t *testing.T) {
	r, _ := newRouter(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The command may finish before the wait notices the cancellation.
	if _, err := r.Execute(ctx, multiplex.All(), "a = 1"); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled or nil", err)
	}
}
