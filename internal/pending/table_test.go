package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/future"
)

func TestGetCompletedRedeemsOnce(t *testing.T) {
	tbl := NewTable(nil)
	id := tbl.Save(future.Resolved(42), nil)

	v, err := tbl.Get(context.Background(), id, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 42 {
		t.Errorf("v = %v, want 42", v)
	}

	if _, err := tbl.Get(context.Background(), id, false); !errors.Is(err, ErrInvalidDeferredID) {
		t.Errorf("second Get err = %v, want ErrInvalidDeferredID", err)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0", tbl.Len())
	}
}

func TestGetNotCompletedNonBlockingKeepsEntry(t *testing.T) {
	tbl := NewTable(nil)
	fut := future.New()
	id := tbl.Save(fut, nil)

	if _, err := tbl.Get(context.Background(), id, false); !errors.Is(err, ErrResultNotCompleted) {
		t.Fatalf("err = %v, want ErrResultNotCompleted", err)
	}

	fut.Resolve("done")
	v, err := tbl.Get(context.Background(), id, false)
	if err != nil || v != "done" {
		t.Errorf("Get after completion = %v, %v; want done", v, err)
	}
}

func TestGetBlockingWaits(t *testing.T) {
	tbl := NewTable(nil)
	fut := future.New()
	id := tbl.Save(fut, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		fut.Resolve(7)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := tbl.Get(ctx, id, true)
	if err != nil || v != 7 {
		t.Fatalf("Get = %v, %v; want 7", v, err)
	}
	if _, err := tbl.Get(ctx, id, true); !errors.Is(err, ErrInvalidDeferredID) {
		t.Errorf("second Get err = %v, want ErrInvalidDeferredID", err)
	}
}

func TestGetFailureIsReturnedAndConsumed(t *testing.T) {
	tbl := NewTable(nil)
	boom := errors.New("boom")
	id := tbl.Save(future.Failed(boom), nil)

	if _, err := tbl.Get(context.Background(), id, false); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if _, err := tbl.Get(context.Background(), id, false); !errors.Is(err, ErrInvalidDeferredID) {
		t.Errorf("second Get err = %v, want ErrInvalidDeferredID", err)
	}
}

func TestCallbackApplied(t *testing.T) {
	tbl := NewTable(nil)
	id := tbl.Save(future.Resolved(2), func(v any) (any, error) {
		return v.(int) * 10, nil
	})

	v, err := tbl.Get(context.Background(), id, false)
	if err != nil || v != 20 {
		t.Errorf("Get = %v, %v; want 20", v, err)
	}
}

func TestUnknownID(t *testing.T) {
	tbl := NewTable(nil)
	if _, err := tbl.Get(context.Background(), "nope", true); !errors.Is(err, ErrInvalidDeferredID) {
		t.Errorf("err = %v, want ErrInvalidDeferredID", err)
	}
	if err := tbl.Delete("nope"); !errors.Is(err, ErrInvalidDeferredID) {
		t.Errorf("Delete err = %v, want ErrInvalidDeferredID", err)
	}
}

// waitForWaiters polls until n getters are blocked on id.
func waitForWaiters(t *testing.T, tbl *Table, id string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		tbl.mu.Lock()
		got := tbl.entries[id].waiters
		tbl.mu.Unlock()
		if got == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", got, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDeleteWakesBlockedGetter(t *testing.T) {
	tbl := NewTable(nil)
	fut := future.New()
	id := tbl.Save(fut, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := tbl.Get(context.Background(), id, true)
		errc <- err
	}()

	waitForWaiters(t, tbl, id, 1)

	if err := tbl.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrAbortedPendingDeferred) {
			t.Errorf("err = %v, want ErrAbortedPendingDeferred", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked getter not woken")
	}
	if !fut.Discarded() {
		t.Error("future not marked as handled")
	}

	// A late completion goes nowhere.
	fut.Fail(errors.New("late"))
}

func TestConcurrentBlockingGettersRedeemOnce(t *testing.T) {
	tbl := NewTable(nil)
	fut := future.New()
	id := tbl.Save(fut, nil)

	const getters = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range getters {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := tbl.Get(ctx, id, true); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		})
	}

	waitForWaiters(t, tbl, id, getters)
	fut.Resolve("x")
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestPollWhileAnotherGetterBlocks(t *testing.T) {
	tbl := NewTable(nil)
	fut := future.New()
	id := tbl.Save(fut, nil)

	got := make(chan any, 1)
	go func() {
		v, _ := tbl.Get(context.Background(), id, true)
		got <- v
	}()
	waitForWaiters(t, tbl, id, 1)

	if _, err := tbl.Get(context.Background(), id, false); !errors.Is(err, ErrResultNotCompleted) {
		t.Fatalf("poll err = %v, want ErrResultNotCompleted", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d after poll, want 1", tbl.Len())
	}

	fut.Resolve(7)
	select {
	case v := <-got:
		if v != 7 {
			t.Errorf("blocked getter got %v, want 7", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked getter not woken")
	}
	if _, err := tbl.Get(context.Background(), id, false); !errors.Is(err, ErrInvalidDeferredID) {
		t.Errorf("err after redemption = %v, want ErrInvalidDeferredID", err)
	}
}

func TestGetBlockingHonorsContext(t *testing.T) {
	tbl := NewTable(nil)
	fut := future.New()
	id := tbl.Save(fut, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := tbl.Get(ctx, id, true); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	// The entry survives an abandoned wait.
	fut.Resolve(1)
	if v, err := tbl.Get(context.Background(), id, false); err != nil || v != 1 {
		t.Errorf("Get after timeout = %v, %v; want 1", v, err)
	}
}

func TestClear(t *testing.T) {
	tbl := NewTable(nil)
	tbl.Save(future.New(), nil)
	tbl.Save(future.Resolved(1), nil)

	if n := tbl.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if len(tbl.IDs()) != 0 {
		t.Errorf("IDs after Clear = %v", tbl.IDs())
	}
}

func TestTwoPhase(t *testing.T) {
	tbl := NewTable(nil)
	ctx := context.Background()
	call := func(context.Context) (any, error) { return "value", nil }

	r, err := tbl.TwoPhase(ctx, true, call)
	if err != nil || r.Pending() || r.Value != "value" {
		t.Fatalf("blocking reply = %+v, %v", r, err)
	}

	r, err = tbl.TwoPhase(ctx, false, call)
	if err != nil || !r.Pending() {
		t.Fatalf("non-blocking reply = %+v, %v", r, err)
	}
	v, err := tbl.Get(ctx, r.PendingID, true)
	if err != nil || v != "value" {
		t.Errorf("redeemed = %v, %v; want value", v, err)
	}
}

func TestTwoPhaseBlockingError(t *testing.T) {
	tbl := NewTable(nil)
	boom := errors.New("boom")

	if _, err := tbl.TwoPhase(context.Background(), true, func(context.Context) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestTwoPhaseDetachesFromCallerCancellation(t *testing.T) {
	tbl := NewTable(nil)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	r, _ := tbl.TwoPhase(ctx, false, func(ctx context.Context) (any, error) {
		<-release
		return nil, ctx.Err()
	})
	cancel()
	close(release)

	wait, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if _, err := tbl.Get(wait, r.PendingID, true); err != nil {
		t.Errorf("err = %v, want nil after caller cancellation", err)
	}
}
