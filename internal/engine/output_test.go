package engine_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/seantiz/crucible/internal/engine"
)

func texts(lines []engine.OutputLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func drain(ch <-chan engine.OutputLine) []engine.OutputLine {
	var got []engine.OutputLine
	for l := range ch {
		got = append(got, l)
	}
	return got
}

func TestOutputLinesCarryCommandSeq(t *testing.T) {
	b := engine.NewOutputBroker(0)
	_, ch, cancel := b.Subscribe(1, engine.ReplayNone)
	defer cancel()

	b.Publish(1, 4, "a\nb\n")
	b.Publish(1, 5, "")
	b.Close(1)

	got := drain(ch)
	want := []engine.OutputLine{{Seq: 4, Line: 0, Text: "a"}, {Seq: 4, Line: 1, Text: "b"}}
	if !slices.Equal(got, want) {
		t.Fatalf("lines = %+v, want %+v", got, want)
	}
	if id := got[1].ID(); id != "4.1" {
		t.Errorf("ID = %q, want 4.1", id)
	}
}

func TestOutputReplayAfterCursor(t *testing.T) {
	b := engine.NewOutputBroker(0)
	b.Publish(2, 0, "x")
	b.Publish(2, 1, "y\nz")

	tests := []struct {
		name  string
		after engine.OutputCursor
		want  []string
	}{
		{"all", engine.ReplayAll, []string{"x", "y", "z"}},
		{"none", engine.ReplayNone, []string{}},
		{"from seq", engine.FromSeq(1), []string{"y", "z"}},
		{"after line", engine.OutputCursor{Seq: 1, Line: 0}, []string{"z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backlog, _, cancel := b.Subscribe(2, tt.after)
			defer cancel()
			if got := texts(backlog); !slices.Equal(got, tt.want) {
				t.Errorf("backlog = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutputBacklogIsBounded(t *testing.T) {
	b := engine.NewOutputBroker(3)
	for seq := range 5 {
		b.Publish(0, seq, fmt.Sprint(seq))
	}

	backlog, _, cancel := b.Subscribe(0, engine.ReplayAll)
	defer cancel()
	if got := texts(backlog); !slices.Equal(got, []string{"2", "3", "4"}) {
		t.Errorf("backlog = %v", got)
	}
}

func TestOutputSlowSubscriberCatchesUpFromBacklog(t *testing.T) {
	b := engine.NewOutputBroker(0)
	_, ch, cancel := b.Subscribe(0, engine.ReplayNone)

	const n = 100
	for seq := range n {
		b.Publish(0, seq, fmt.Sprint(seq))
	}
	cancel()

	live := drain(ch)
	if len(live) == 0 || len(live) == n {
		t.Fatalf("received %d of %d lines live, want a partial delivery", len(live), n)
	}
	last := live[len(live)-1]

	rest, _, cancel := b.Subscribe(0, engine.OutputCursor{Seq: last.Seq, Line: last.Line})
	defer cancel()
	if got := len(live) + len(rest); got != n {
		t.Errorf("live %d + replayed %d = %d, want %d", len(live), len(rest), got, n)
	}
	if rest[0].Seq != last.Seq+1 {
		t.Errorf("replay starts at seq %d, want %d", rest[0].Seq, last.Seq+1)
	}
}

func TestOutputCloseKeepsBacklog(t *testing.T) {
	b := engine.NewOutputBroker(0)
	_, live, cancel := b.Subscribe(3, engine.ReplayNone)
	defer cancel()

	b.Publish(3, 0, "last words")
	b.Close(3)
	b.Publish(3, 1, "ignored")

	if got := texts(drain(live)); !slices.Equal(got, []string{"last words"}) {
		t.Errorf("live = %v", got)
	}

	backlog, ch, cancelLate := b.Subscribe(3, engine.ReplayAll)
	defer cancelLate()
	if got := texts(backlog); !slices.Equal(got, []string{"last words"}) {
		t.Errorf("late backlog = %v", got)
	}
	if _, ok := <-ch; ok {
		t.Error("late subscriber channel should be closed")
	}
}

func TestOutputOpenStartsFreshStream(t *testing.T) {
	b := engine.NewOutputBroker(0)
	b.Open(5)
	_, old, cancel := b.Subscribe(5, engine.ReplayNone)
	defer cancel()
	b.Publish(5, 0, "first engine")

	b.Open(5)
	if got := texts(drain(old)); !slices.Equal(got, []string{"first engine"}) {
		t.Errorf("old subscriber = %v", got)
	}

	backlog, ch, cancelNew := b.Subscribe(5, engine.ReplayAll)
	defer cancelNew()
	if len(backlog) != 0 {
		t.Errorf("backlog = %+v, want empty", backlog)
	}
	b.Publish(5, 0, "second engine")
	if l := <-ch; l.Text != "second engine" {
		t.Errorf("line = %+v", l)
	}
}

func TestOutputCancelStopsDelivery(t *testing.T) {
	b := engine.NewOutputBroker(0)
	_, ch, cancel := b.Subscribe(1, engine.ReplayNone)
	cancel()

	b.Publish(1, 0, "after cancel")
	b.Close(1)
	cancel()

	if got := drain(ch); len(got) != 0 {
		t.Errorf("got %+v after cancel", got)
	}
}
