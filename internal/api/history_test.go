package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/controller"
	"github.com/seantiz/crucible/internal/registry"
)

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type taskHistory struct {
	Tasks []struct {
		ID         string `json:"id"`
		TaskID     int    `json:"task_id"`
		Status     string `json:"status"`
		Expression string `json:"expression"`
		Failure    string `json:"failure"`
	} `json:"tasks"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func TestTaskHistory(t *testing.T) {
	srv := newTestServer(t)

	srv.do(t, "POST", "/v1/tasks", map[string]any{"expression": "x = 1"}, nil)
	srv.do(t, "POST", "/v1/tasks", map[string]any{"expression": "raise ValueError: no"}, nil)

	var hist taskHistory
	eventually(t, func() bool {
		hist = taskHistory{}
		srv.do(t, "GET", "/v1/history/tasks?limit=10", nil, &hist)
		return hist.Total == 2
	})
	if len(hist.Tasks) != 2 || hist.Limit != 10 || hist.Offset != 0 {
		t.Fatalf("history = %+v", hist)
	}

	byExpr := make(map[string]string)
	for _, rec := range hist.Tasks {
		byExpr[rec.Expression] = rec.Failure
	}
	if f, ok := byExpr["x = 1"]; !ok || f != "" {
		t.Errorf("succeeded task = %q, %v", f, ok)
	}
	if f := byExpr["raise ValueError: no"]; f != "ValueError: no" {
		t.Errorf("failure = %q", f)
	}

	var rec struct {
		TaskID int `json:"task_id"`
	}
	if status := srv.do(t, "GET", "/v1/history/tasks/"+hist.Tasks[0].ID, nil, &rec); status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if rec.TaskID != hist.Tasks[0].TaskID {
		t.Errorf("task_id = %d, want %d", rec.TaskID, hist.Tasks[0].TaskID)
	}
	if status := srv.do(t, "GET", "/v1/history/tasks/nope", nil, nil); status != http.StatusNotFound {
		t.Errorf("unknown record status = %d, want 404", status)
	}
}

func TestCommandHistoryAndStats(t *testing.T) {
	srv := newTestServer(t)

	srv.do(t, "POST", "/v1/engines/0/execute", map[string]string{"code": "a = 1"}, nil)
	srv.do(t, "POST", "/v1/engines/1/execute", map[string]string{"code": "raise Exception"}, nil)

	var cmds struct {
		Commands []struct {
			EngineID int    `json:"engine_id"`
			Method   string `json:"method"`
			Error    string `json:"error"`
		} `json:"commands"`
	}
	eventually(t, func() bool {
		cmds.Commands = nil
		srv.do(t, "GET", "/v1/history/commands?engine_id=0", nil, &cmds)
		return len(cmds.Commands) == 1
	})
	if c := cmds.Commands[0]; c.EngineID != 0 || c.Method != "execute" || c.Error != "" {
		t.Errorf("command = %+v", c)
	}

	var stats struct {
		Commands         int            `json:"commands"`
		CommandsByMethod map[string]int `json:"commands_by_method"`
		CommandErrors    int            `json:"command_errors"`
	}
	eventually(t, func() bool {
		srv.do(t, "GET", "/v1/stats", nil, &stats)
		return stats.Commands == 2
	})
	if stats.CommandsByMethod["execute"] != 2 || stats.CommandErrors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ctl := controller.New(registry.New(registry.Options{Logger: logger}), controller.Options{Logger: logger})
	t.Cleanup(ctl.Close)
	srv := NewServer(":0", ctl, nil, nil, logger)

	for _, path := range []string{"/v1/stats", "/v1/history/tasks", "/v1/history/tasks/x", "/v1/history/commands"} {
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, w.Code)
		}
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/v1/engines/0/output", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("output without broker = %d, want 503", w.Code)
	}
}
