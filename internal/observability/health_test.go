package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"PerpVAMM/internal/observability"
)

func readiness(t *testing.T, h *observability.HealthChecker) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return w.Code, body
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	if code, body := readiness(t, h); code != http.StatusServiceUnavailable || body["status"] != "starting" {
		t.Errorf("before SetReady: %d %v", code, body)
	}

	h.SetReady(true)
	if code, body := readiness(t, h); code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready without checks: %d %v", code, body)
	}

	redisDown := errors.New("connection refused")
	h.AddCheck("postgres", func(context.Context) error { return nil })
	h.AddCheck("redis", func(context.Context) error { return redisDown })

	code, body := readiness(t, h)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("with failing check: %d %v", code, body)
	}
	failed, _ := body["failed"].(map[string]interface{})
	if len(failed) != 1 || failed["redis"] != "connection refused" {
		t.Errorf("failed checks = %v", failed)
	}

	h.AddCheck("redis", func(context.Context) error { return nil })
	if code, _ := readiness(t, h); code != http.StatusOK {
		t.Errorf("after recovery: %d", code)
	}
}

func TestLiveness(t *testing.T) {
	h := observability.NewHealthChecker()
	w := httptest.NewRecorder()
	h.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("liveness: %d", w.Code)
	}
}
