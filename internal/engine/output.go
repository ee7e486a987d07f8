package engine

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultOutputBacklog is how many lines per engine a broker retains for
// replay when none is configured.
const DefaultOutputBacklog = 256

const subscriberBuffer = 64

// OutputLine is one line of stdout printed by an execute command.
type OutputLine struct {
	Seq  int    `json:"seq"`  // history seq of the command
	Line int    `json:"line"` // position within the command's output
	Text string `json:"text"`
}

// ID identifies the line within its engine's stream as "seq.line".
func (l OutputLine) ID() string {
	return fmt.Sprintf("%d.%d", l.Seq, l.Line)
}

// OutputCursor is a position in an engine's output. Lines strictly after it
// are replayed on subscribe.
type OutputCursor struct {
	Seq  int
	Line int
}

var (
	// ReplayAll replays every retained line.
	ReplayAll = OutputCursor{Seq: -1, Line: -1}

	// ReplayNone replays nothing.
	ReplayNone = OutputCursor{Seq: int(^uint(0) >> 1)}
)

// FromSeq replays the lines of command seq and later ones.
func FromSeq(seq int) OutputCursor {
	return OutputCursor{Seq: seq - 1, Line: int(^uint(0) >> 1)}
}

func (c OutputCursor) before(l OutputLine) bool {
	return l.Seq > c.Seq || (l.Seq == c.Seq && l.Line > c.Line)
}

// OutputBroker fans out execute output per engine and keeps the most recent
// lines so a subscriber can catch up on what it missed. It is safe for
// concurrent use.
type OutputBroker struct {
	backlog int

	mu      sync.Mutex
	streams map[int]*outputStream
}

type outputStream struct {
	recent []OutputLine // oldest first
	subs   map[chan OutputLine]struct{}
	ended  bool
}

// NewOutputBroker creates a broker retaining up to backlog lines per engine.
func NewOutputBroker(backlog int) *OutputBroker {
	if backlog <= 0 {
		backlog = DefaultOutputBacklog
	}
	return &OutputBroker{backlog: backlog, streams: make(map[int]*outputStream)}
}

// stream returns the stream of engineID, creating an open one. Callers must
// hold b.mu.
func (b *OutputBroker) stream(engineID int) *outputStream {
	s, ok := b.streams[engineID]
	if !ok {
		s = &outputStream{subs: make(map[chan OutputLine]struct{})}
		b.streams[engineID] = s
	}
	return s
}

// Open starts a fresh stream for engineID. Lines and subscribers left by an
// earlier engine under the same id are dropped.
func (b *OutputBroker) Open(engineID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.streams[engineID]; ok {
		old.end()
	}
	b.streams[engineID] = &outputStream{subs: make(map[chan OutputLine]struct{})}
}

// Publish splits the stdout of command seq into lines, retains them and
// delivers them to subscribers. Subscribers whose buffer is full miss the
// line; they can recover it from the backlog by resubscribing.
func (b *OutputBroker) Publish(engineID, seq int, stdout string) {
	stdout = strings.TrimRight(stdout, "\n")
	if stdout == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(engineID)
	if s.ended {
		return
	}
	i := 0
	for text := range strings.SplitSeq(stdout, "\n") {
		l := OutputLine{Seq: seq, Line: i, Text: text}
		i++

		s.recent = append(s.recent, l)
		if over := len(s.recent) - b.backlog; over > 0 {
			s.recent = s.recent[over:]
		}
		for ch := range s.subs {
			select {
			case ch <- l:
			default:
				outputDropped.Inc()
			}
		}
	}
	outputLines.Add(float64(i))
}

// Subscribe returns the retained lines after cursor and a channel carrying
// the lines published from now on. The channel is closed when the engine's
// stream ends, immediately if it already has. cancel releases the
// subscription.
func (b *OutputBroker) Subscribe(engineID int, after OutputCursor) (backlog []OutputLine, lines <-chan OutputLine, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(engineID)
	for _, l := range s.recent {
		if after.before(l) {
			backlog = append(backlog, l)
		}
	}

	ch := make(chan OutputLine, subscriberBuffer)
	if s.ended {
		close(ch)
		return backlog, ch, func() {}
	}
	s.subs[ch] = struct{}{}
	return backlog, ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Close ends the stream of engineID. Its retained lines stay readable until
// the id is opened again.
func (b *OutputBroker) Close(engineID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream(engineID).end()
}

func (s *outputStream) end() {
	if s.ended {
		return
	}
	s.ended = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}
