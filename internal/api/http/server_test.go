package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/anika-dewari/safebox/internal/coordinator"
	"github.com/anika-dewari/safebox/internal/vector"
	"github.com/anika-dewari/safebox/pkg/httpresponse"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	coord, err := coordinator.New(vector.Vector{10, 10}, t.TempDir(), "sandbox-init", coordinator.Options{})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	hash := mustHash(t, "correcthorse")
	cfg := Config{OperatorUser: "operator", OperatorHash: hash, JWTSecret: "test-secret"}
	return New(cfg, coord), cfg.JWTSecret
}

func login(t *testing.T, srv *Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user": "operator", "password": "correcthorse"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp httpresponse.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected login data shape: %#v", resp.Data)
	}
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	return token
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"user": "operator", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatalf("expected login to fail, got 200")
	}
}

func TestProtectedRoute_RequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSubmit_RejectsJobExceedingTotals(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	body, _ := json.Marshal(map[string]interface{}{
		"job_id":  "job-1",
		"path":    "/bin/true",
		"max":     []int64{20, 20},
		"request": []int64{1, 1},
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}

	var resp httpresponse.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected data shape: %#v", resp.Data)
	}
	if admitted, _ := data["admitted"].(bool); admitted {
		t.Fatalf("expected job to be rejected, got admitted=true")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestState_ReturnsSafetySnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
}
