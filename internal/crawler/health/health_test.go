package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubProvider struct {
	snap Snapshot
}

func (s stubProvider) Snapshot(ctx context.Context) Snapshot {
	return s.snap
}

func TestHealthReturns200WhenHealthy(t *testing.T) {
	srv := New(":0", stubProvider{snap: Snapshot{Healthy: true, Running: true}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
}

func TestHealthReturns503WhenUnhealthy(t *testing.T) {
	srv := New(":0", stubProvider{snap: Snapshot{Healthy: false, CircuitBreaker: "open"}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestReadyReflectsRunningFlag(t *testing.T) {
	srv := New(":0", stubProvider{snap: Snapshot{Running: false}})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when not running, got %d", rec.Code)
	}
	if rec.Body.String() != "not ready" {
		t.Errorf("expected body 'not ready', got %q", rec.Body.String())
	}
}
