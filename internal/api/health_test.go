package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Engines != 2 {
		t.Errorf("engines = %d, want 2", body.Engines)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Make a request to generate metrics.
	http.Get(srv.ts.URL + "/healthz")

	resp, err := http.Get(srv.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	if !strings.Contains(body, "crucible_http_requests_total") {
		t.Error("metrics output missing crucible_http_requests_total")
	}
	for _, name := range []string{
		"crucible_http_request_duration_seconds",
		"crucible_registered_engines",
		"crucible_pending_entries",
		"crucible_tasks_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestMetricsLabelDeferredCalls(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, "GET", "/v1/engines/all/keys?block=false", nil, nil)

	resp, err := http.Get(srv.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := `crucible_http_requests_total{method="GET",mode="deferred",path="/v1/engines/{targets}/keys",status="202"}`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics output missing %s", want)
	}
}
