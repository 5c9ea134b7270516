package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"homematch/internal/infra"
	"homematch/internal/metrics"
	"homematch/internal/modules/contractor"
	"homematch/internal/modules/dispatch"
	"homematch/internal/modules/matching"
	"homematch/internal/notify"
)

type denyAll struct{}

func (denyAll) VerifyIDToken(context.Context, string) (*infra.FirebaseToken, error) {
	return nil, errors.New("denied")
}

func newRouter(checks map[string]HealthCheck) (*gin.Engine, *metrics.Metrics) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	matchSvc := matching.NewService(contractor.NewMemorySource(nil), matching.NewMatcher(matching.DefaultOptions()), log, m)
	dispatchSvc := dispatch.NewService(dispatch.ServiceDeps{
		Channel: dispatch.NewSimulatedChannel(nil, 0),
		Metrics: m,
	}, dispatch.Config{}, log)
	return NewRouter(RouterDeps{
		Matching:    matchSvc,
		Dispatch:    dispatchSvc,
		Hub:         notify.NewHub(log),
		Verifier:    denyAll{},
		Gatherer:    reg,
		Checks:      checks,
		CORSOrigins: []string{"https://app.homematch.test"},
		Log:         log,
	}), m
}

func get(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	r, _ := newRouter(map[string]HealthCheck{"postgres": ok, "redis": ok})
	if w := get(r, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("healthy: expected 200, got %d", w.Code)
	}

	r, _ = newRouter(map[string]HealthCheck{"postgres": ok, "redis": down})
	w := get(r, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded: expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("body should name the failing check: %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, m := newRouter(nil)
	m.DispatchStarted()
	w := get(r, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "homematch_dispatches_active 1") {
		t.Errorf("metrics output missing gauge:\n%s", w.Body.String())
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	r, _ := newRouter(nil)
	for _, path := range []string{"/api/dispatches/abc", "/ws/contractors"} {
		if w := get(r, path, nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	r, _ := newRouter(nil)
	w := get(r, "/health", map[string]string{"Origin": "https://app.homematch.test"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.homematch.test" {
		t.Errorf("allow-origin = %q", got)
	}
}
