package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

// gateEngine is a configurable mock engine. Execute blocks on gate (if set)
// and records the order in which code ran.
type gateEngine struct {
	mu    sync.Mutex
	ran   []string
	ns    model.Namespace
	gate  chan struct{}
	fail  map[string]error
	props model.Properties
}

func newGateEngine() *gateEngine {
	return &gateEngine{ns: model.Namespace{}, fail: map[string]error{}}
}

func (g *gateEngine) Execute(ctx context.Context, code string) (engine.ExecResult, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return engine.ExecResult{}, ctx.Err()
		}
	}
	g.mu.Lock()
	g.ran = append(g.ran, code)
	err := g.fail[code]
	g.mu.Unlock()
	if err != nil {
		return engine.ExecResult{}, err
	}
	return engine.ExecResult{Stdout: code + "\n"}, nil
}

func (g *gateEngine) Push(_ context.Context, ns model.Namespace) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range ns {
		g.ns[k] = v
	}
	return nil
}

func (g *gateEngine) Pull(_ context.Context, keys []string) ([]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]any, len(keys))
	for i, k := range keys {
		v, ok := g.ns[k]
		if !ok {
			return nil, &engine.ExecError{Kind: "NameError", Message: k}
		}
		out[i] = v
	}
	return out, nil
}

func (g *gateEngine) Keys(context.Context) ([]string, error) { return nil, nil }

func (g *gateEngine) Reset(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ns = model.Namespace{}
	g.ran = append(g.ran, "<reset>")
	return nil
}

func (g *gateEngine) Kill(context.Context) error { return nil }

func (g *gateEngine) Properties() model.Properties { return g.props }

func (g *gateEngine) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ran...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueuedEngineRunsInSubmissionOrder(t *testing.T) {
	g := newGateEngine()
	g.gate = make(chan struct{})
	q := engine.NewQueuedEngine(0, g, engine.QueueOptions{})
	defer q.Close()

	f1 := q.Execute("a")
	f2 := q.Execute("b")
	f3 := q.Reset()
	f4 := q.Execute("c")

	st := q.QueueStatus()
	if st.Current != engine.MethodExecute {
		t.Errorf("current = %q, want execute", st.Current)
	}
	if len(st.Waiting) != 3 {
		t.Fatalf("waiting = %v, want 3 entries", st.Waiting)
	}

	close(g.gate)
	ctx := waitCtx(t)
	for _, f := range []interface {
		Wait(context.Context) (any, error)
	}{f1, f2, f3, f4} {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	want := []string{"a", "b", "<reset>", "c"}
	got := g.order()
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueuedEngineFailureDoesNotBlockQueue(t *testing.T) {
	g := newGateEngine()
	g.fail["bad"] = &engine.ExecError{Kind: "Exception", Message: "bad"}
	q := engine.NewQueuedEngine(1, g, engine.QueueOptions{})
	defer q.Close()

	ctx := waitCtx(t)
	fBad := q.Execute("bad")
	fGood := q.Execute("good")

	_, err := fBad.Wait(ctx)
	var ee *engine.ExecError
	if !errors.As(err, &ee) || ee.Kind != "Exception" {
		t.Errorf("bad err = %v, want ExecError Exception", err)
	}
	v, err := fGood.Wait(ctx)
	if err != nil {
		t.Fatalf("good: %v", err)
	}
	res := v.(engine.ExecResult)
	if res.Code != "good" {
		t.Errorf("Code = %q, want good", res.Code)
	}
	if res.Seq != 1 {
		t.Errorf("Seq = %d, want 1", res.Seq)
	}
}

func TestQueuedEngineClearQueueKeepsInFlight(t *testing.T) {
	g := newGateEngine()
	g.gate = make(chan struct{})
	q := engine.NewQueuedEngine(2, g, engine.QueueOptions{})
	defer q.Close()

	inflight := q.Execute("first")
	w1 := q.Execute("second")
	w2 := q.Push(model.Namespace{"x": 1})

	if n := q.ClearQueue(); n != 2 {
		t.Errorf("ClearQueue dropped %d, want 2", n)
	}

	ctx := waitCtx(t)
	for _, f := range []interface {
		Wait(context.Context) (any, error)
	}{w1, w2} {
		if _, err := f.Wait(ctx); !errors.Is(err, engine.ErrQueueCleared) {
			t.Errorf("waiting command err = %v, want ErrQueueCleared", err)
		}
	}

	close(g.gate)
	if _, err := inflight.Wait(ctx); err != nil {
		t.Errorf("in-flight command err = %v, want nil", err)
	}
	if got := g.order(); len(got) != 1 || got[0] != "first" {
		t.Errorf("ran = %v, want [first]", got)
	}
}

func TestQueuedEngineHistory(t *testing.T) {
	g := newGateEngine()
	q := engine.NewQueuedEngine(3, g, engine.QueueOptions{HistorySize: 2})
	defer q.Close()

	ctx := waitCtx(t)
	for _, code := range []string{"one", "two", "three"} {
		if _, err := q.Execute(code).Wait(ctx); err != nil {
			t.Fatalf("Execute %s: %v", code, err)
		}
	}

	latest, err := q.Result(-1)
	if err != nil {
		t.Fatalf("Result(-1): %v", err)
	}
	if latest.Seq != 2 || latest.Value.(engine.ExecResult).Code != "three" {
		t.Errorf("latest = %+v, want seq 2 code three", latest)
	}

	if _, err := q.Result(0); !errors.Is(err, engine.ErrNoResult) {
		t.Errorf("Result(0) err = %v, want ErrNoResult (evicted)", err)
	}
	if h, err := q.Result(1); err != nil || h.Method != engine.MethodExecute {
		t.Errorf("Result(1) = %+v, %v", h, err)
	}
}

func TestQueuedEngineInterrupt(t *testing.T) {
	g := newGateEngine()
	g.gate = make(chan struct{}) // never closed
	q := engine.NewQueuedEngine(4, g, engine.QueueOptions{})
	defer q.Close()

	f := q.Execute("forever")
	deadline := time.Now().Add(2 * time.Second)
	for !q.Interrupt() {
		if time.Now().After(deadline) {
			t.Fatal("command never became interruptible")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := f.Wait(waitCtx(t))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestQueuedEngineCommandTimeout(t *testing.T) {
	g := newGateEngine()
	g.gate = make(chan struct{})
	q := engine.NewQueuedEngine(5, g, engine.QueueOptions{CommandTimeout: 20 * time.Millisecond})
	defer q.Close()

	_, err := q.Execute("slow").Wait(waitCtx(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestQueuedEnginePanicBecomesFailure(t *testing.T) {
	q := engine.NewQueuedEngine(6, newGateEngine(), engine.QueueOptions{})
	defer q.Close()

	ctx := waitCtx(t)
	_, err := q.Submit("boom", func(context.Context, engine.Engine) (any, error) {
		panic("engine exploded")
	}).Wait(ctx)
	if err == nil {
		t.Fatal("expected failure from panicking command")
	}

	if _, err := q.Execute("after").Wait(ctx); err != nil {
		t.Errorf("queue stuck after panic: %v", err)
	}
}

func TestQueuedEngineCloseRejectsSubmissions(t *testing.T) {
	q := engine.NewQueuedEngine(7, newGateEngine(), engine.QueueOptions{})
	q.Close()

	_, err := q.Execute("late").Wait(waitCtx(t))
	if !errors.Is(err, engine.ErrQueueCleared) {
		t.Errorf("err = %v, want ErrQueueCleared", err)
	}
}

func TestQueuedEnginePublishesOutput(t *testing.T) {
	broker := engine.NewOutputBroker(0)
	q := engine.NewQueuedEngine(8, newGateEngine(), engine.QueueOptions{Broker: broker})
	defer q.Close()

	_, ch, cancel := broker.Subscribe(8, engine.ReplayNone)
	defer cancel()

	if _, err := q.Execute("hello").Wait(waitCtx(t)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	entry, err := q.Result(-1)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}

	select {
	case l := <-ch:
		if l.Text != "hello" || l.Seq != entry.Seq {
			t.Errorf("line = %+v, want hello from seq %d", l, entry.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no output published")
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []model.CommandRecord
}

func (m *memRecorder) RecordCommand(_ context.Context, rec model.CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestQueuedEngineJournalsCommands(t *testing.T) {
	rec := &memRecorder{}
	g := newGateEngine()
	g.fail["bad"] = errors.New("boom")
	q := engine.NewQueuedEngine(9, g, engine.QueueOptions{Recorder: rec})
	defer q.Close()

	ctx := waitCtx(t)
	q.Execute("ok").Wait(ctx)
	q.Execute("bad").Wait(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recs) != 2 {
		t.Fatalf("journaled %d commands, want 2", len(rec.recs))
	}
	if rec.recs[0].Error != "" || rec.recs[1].Error != "boom" {
		t.Errorf("records = %+v", rec.recs)
	}
	if rec.recs[1].EngineID != 9 || rec.recs[1].Seq != 1 {
		t.Errorf("record[1] engine/seq = %d/%d, want 9/1", rec.recs[1].EngineID, rec.recs[1].Seq)
	}
}
