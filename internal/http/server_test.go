package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockSessions implements SessionStatus for testing.
type mockSessions struct {
	established int
	configured  int
	states      map[string]string
}

func (m *mockSessions) EstablishedCount() (int, int)    { return m.established, m.configured }
func (m *mockSessions) PeerStates() map[string]string   { return m.states }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(established, configured int) *Server {
	logger := zap.NewNop()
	sessions := &mockSessions{
		established: established,
		configured:  configured,
		states:      map[string]string{"peerA": "Established"},
	}
	// nil pool — readyz reports the mirror as "disabled".
	return NewServer(":0", nil, sessions, logger)
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(0, 1)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestHealthz_ContentType(t *testing.T) {
	s := newTestServer(0, 1)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NotReady_NoSessions(t *testing.T) {
	s := newTestServer(0, 2)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["sessions"] != "none_established" {
		t.Errorf("expected sessions 'none_established', got '%v'", checks["sessions"])
	}
	if checks["mirror"] != "disabled" {
		t.Errorf("expected mirror 'disabled' (nil pool), got '%v'", checks["mirror"])
	}
}

func TestReadyz_SessionUpButMirrorDown(t *testing.T) {
	s := newTestServer(1, 2)
	s.dbChecker = &mockDBChecker{err: context.DeadlineExceeded}
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (mirror down), got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	checks := body["checks"].(map[string]any)
	if checks["sessions"] != "ok" {
		t.Errorf("expected sessions 'ok', got '%v'", checks["sessions"])
	}
	if checks["mirror"] != "error" {
		t.Errorf("expected mirror 'error', got '%v'", checks["mirror"])
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	s := newTestServer(1, 1)
	s.dbChecker = &mockDBChecker{err: nil}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["mirror"] != "ok" {
		t.Errorf("expected mirror 'ok', got '%v'", checks["mirror"])
	}
}

func TestPeersEndpoint(t *testing.T) {
	s := newTestServer(1, 1)
	req := httptest.NewRequest(http.MethodGet, "/peers", nil)
	w := httptest.NewRecorder()

	s.handlePeers(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["peers"]["peerA"] != "Established" {
		t.Errorf("expected peerA Established, got %v", body["peers"])
	}
}
