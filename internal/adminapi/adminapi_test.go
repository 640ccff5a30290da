package adminapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"phi-redactor/internal/cache"
	"phi-redactor/internal/config"
	"phi-redactor/internal/logger"
	"phi-redactor/internal/metrics"
	"phi-redactor/internal/threshold"
)

func testServer(t *testing.T, token string) *Server {
	t.Helper()
	cfg := &config.Config{
		CalibrationMethod: "platt",
		LogLevel:          "error",
		AdminToken:        token,
	}
	c, err := cache.New(cache.DefaultConfig(filepath.Join(t.TempDir(), "exact.db")))
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return New(cfg, threshold.NewService(), c, metrics.New(), logger.New("TEST", "error"))
}

func TestHandleStatus_ReturnsRunning(t *testing.T) {
	s := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"running"`) {
		t.Errorf("expected status body to report running, got %s", rec.Body.String())
	}
}

func TestHandleMetrics_ReturnsSnapshot(t *testing.T) {
	s := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"documents"`) {
		t.Errorf("expected a metrics snapshot body, got %s", rec.Body.String())
	}
}

func TestHandleFeedback_ValidPayload_Recorded(t *testing.T) {
	s := testServer(t, "")
	body := strings.NewReader(`{"phiType":"SSN","wasFalseNegative":true,"confidence":0.2,"appliedThreshold":0.3}`)
	req := httptest.NewRequest(http.MethodPost, "/feedback", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleFeedback_MissingPHIType_BadRequest(t *testing.T) {
	s := testServer(t, "")
	body := strings.NewReader(`{"wasFalseNegative":true}`)
	req := httptest.NewRequest(http.MethodPost, "/feedback", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing phiType, got %d", rec.Code)
	}
}

func TestHandleFeedback_GetNotAllowed(t *testing.T) {
	s := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/feedback", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET /feedback, got %d", rec.Code)
	}
}

func TestHandleCacheInvalidate_ValidPayload_OK(t *testing.T) {
	s := testServer(t, "")
	body := strings.NewReader(`{"policyHash":"policy-a"}`)
	req := httptest.NewRequest(http.MethodPost, "/cache/invalidate", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCacheInvalidate_MissingPolicyHash_BadRequest(t *testing.T) {
	s := testServer(t, "")
	body := strings.NewReader(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/cache/invalidate", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing policyHash, got %d", rec.Code)
	}
}

func TestAuthMiddleware_NoToken_AllowsAllRequests(t *testing.T) {
	s := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", rec.Code)
	}
}

func TestAuthMiddleware_TokenConfigured_RejectsMissingAuth(t *testing.T) {
	s := testServer(t, "secret-token")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no Authorization header, got %d", rec.Code)
	}
}

func TestAuthMiddleware_TokenConfigured_AcceptsValidBearer(t *testing.T) {
	s := testServer(t, "secret-token")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with a valid bearer token, got %d", rec.Code)
	}
}

func TestAuthMiddleware_TokenConfigured_RejectsWrongBearer(t *testing.T) {
	s := testServer(t, "secret-token")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with a wrong bearer token, got %d", rec.Code)
	}
}
