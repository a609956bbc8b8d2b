package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sokohub/sentinel/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		AuthRateWindow:     15 * time.Minute,
		AuthRateMax:        10,
		APIRateWindow:      time.Minute,
		APIRateMax:         300,
		UploadRateWindow:   time.Hour,
		UploadRateMax:      60,
		RiskWarnThreshold:  0.5,
		RiskBlockThreshold: 0.8,
		EvaluatorTimeout:   time.Second,
		AdminSecret:        "test-secret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Errorf("liveness: expected 200, got %d", w.Code)
	}

	// Not ready until Run marks it so.
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before Run: expected 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	s := newTestServer(t)

	body := bytes.NewBufferString(`{"email":"user@example.com","password":"hunter2"}`)
	req := httptest.NewRequest("POST", "/v1/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Email", "user@example.com")

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("expected rate limit headers on auth routes")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request ID header")
	}
}

func TestLoginVelocityEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.AuthRateMax = 100 // keep the limiter out of the way
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	send := func() *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"email":"victim@example.com","password":"guess"}`)
		req := httptest.NewRequest("POST", "/v1/auth/login", body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Auth-Email", "victim@example.com")
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		return w
	}

	// The first five logins are clean.
	for i := 0; i < 5; i++ {
		if w := send(); w.Code != http.StatusOK {
			t.Fatalf("login %d: expected 200, got %d", i+1, w.Code)
		}
	}

	// The tenth doubles the velocity threshold and blocks.
	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last = send()
	}
	if last.Code != http.StatusForbidden {
		t.Errorf("tenth rapid login: expected 403, got %d: %s", last.Code, last.Body.String())
	}
}

func TestBlacklistedIPBlockedAtLogin(t *testing.T) {
	s := newTestServer(t)

	// Blacklist an IP through the admin API.
	entryBody := bytes.NewBufferString(`{"entityType":"IP","entityValue":"198.51.100.66","reason":"abuse","addedBy":"ops"}`)
	req := httptest.NewRequest("POST", "/v1/admin/fraud/blacklist", entryBody)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "test-secret")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("blacklist add: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// A login from that IP is rejected.
	body := bytes.NewBufferString(`{"email":"user@example.com","password":"x"}`)
	req = httptest.NewRequest("POST", "/v1/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.66:40000"
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for blacklisted IP, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/fraud/alerts", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without secret, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/v1/admin/fraud/alerts", nil)
	req.Header.Set("X-Admin-Secret", "test-secret")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with secret, got %d", w.Code)
	}
}

func TestPaymentMismatchFlagged(t *testing.T) {
	s := newTestServer(t)

	body := bytes.NewBufferString(`{
		"userId": "user_1",
		"orderId": "order_77",
		"expectedAmount": 100.00,
		"chargedAmount": 450.00,
		"paymentMethod": "card"
	}`)
	req := httptest.NewRequest("POST", "/v1/payments/confirm", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status  string `json:"status"`
		Flagged bool   `json:"flagged"`
		AlertID string `json:"alertId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if !resp.Flagged || resp.AlertID == "" {
		t.Errorf("expected flagged confirmation with an alert, got %+v", resp)
	}

	// The alert is visible in the admin API.
	req = httptest.NewRequest("GET", "/v1/admin/fraud/alerts?status=ACTIVE", nil)
	req.Header.Set("X-Admin-Secret", "test-secret")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("alert list: expected 200, got %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("expected 1 alert, got %d", list.Count)
	}
}

func TestUploadRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.UploadRateMax = 2
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	var last int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, httptest.NewRequest("POST", "/v1/uploads", nil))
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third upload: expected 429, got %d", last)
	}
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	if err := s.Shutdown(); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
