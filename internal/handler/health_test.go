package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(testConfig(), "test", nil)
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BasePath = "/proxy"
	cfg.Cache.Dir = "/var/cache/stream-proxy"
	cfg.Cache.Index = "leveldb"
	cfg.Cache.MaxAgeDuration = 20 * time.Minute
	_, _, svc := newTestProxy(t, cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(cfg, "1.2.3", svc)
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if body.BasePath != "/proxy" {
		t.Errorf("body.base_path = %q, want %q", body.BasePath, "/proxy")
	}
	if body.CacheIndex != "leveldb" {
		t.Errorf("body.cache_index = %q, want %q", body.CacheIndex, "leveldb")
	}
	if body.MaxAge != "20m0s" {
		t.Errorf("body.cache_max_age = %q, want %q", body.MaxAge, "20m0s")
	}
	if len(body.Handlers) != 2 {
		t.Errorf("body.handlers = %v, want 2 entries", body.Handlers)
	}
}
