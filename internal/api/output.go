package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/engine"
)

// handleStreamOutput streams an engine's stdout lines as server-sent events
// until the engine is unregistered or the client disconnects. Each event id is
// the line's "seq.line", so a reconnecting client's Last-Event-ID resumes after
// the last line it saw. ?from_seq=N instead replays the retained output of
// command N onwards. Without either only new lines are sent.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "targets"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "output streams take a single engine id")
		return
	}
	after, err := outputCursor(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.broker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "output streaming disabled")
		return
	}
	if _, err := s.ctl.Registry().Get(id); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	// An engine unregistered between the lookup and here leaves an ended
	// stream, so the loop below stops after the backlog.
	backlog, ch, cancel := s.broker.Subscribe(id, after)
	defer cancel()

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	w.WriteHeader(http.StatusOK)
	for _, l := range backlog {
		if err := writeSSELine(w, l); err != nil {
			return
		}
	}
	flush()

	for {
		select {
		case l, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "engine unregistered")
				flush()
				return
			}
			if err := writeSSELine(w, l); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// outputCursor reads the replay position from Last-Event-ID or ?from_seq.
func outputCursor(r *http.Request) (engine.OutputCursor, error) {
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		seq, line, ok := strings.Cut(last, ".")
		s, err1 := strconv.Atoi(seq)
		l, err2 := strconv.Atoi(line)
		if !ok || err1 != nil || err2 != nil {
			return engine.OutputCursor{}, fmt.Errorf("invalid Last-Event-ID %q", last)
		}
		return engine.OutputCursor{Seq: s, Line: l}, nil
	}
	if v := r.URL.Query().Get("from_seq"); v != "" {
		seq, err := strconv.Atoi(v)
		if err != nil || seq < 0 {
			return engine.OutputCursor{}, fmt.Errorf("invalid from_seq %q", v)
		}
		return engine.FromSeq(seq), nil
	}
	return engine.ReplayNone, nil
}

func writeSSELine(w http.ResponseWriter, l engine.OutputLine) error {
	_, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", l.ID(), l.Text)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
