package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	o := newOrigin(t, http.StatusOK, testBody)
	cfg := testConfig()
	_, proxy, svc := newTestProxy(t, cfg)
	tok := o.token(t, "/seg.ts")

	e := echo.New()
	RegisterRoutes(e, "/proxy", proxy, NewHealthHandler(cfg, "test", svc))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET mounted proxy", http.MethodGet, "/proxy/default/" + tok, http.StatusOK},
		{"POST mounted proxy", http.MethodPost, "/proxy/mpeg/" + tok, http.StatusOK},
		{"GET outside mount", http.MethodGet, "/default/" + tok, http.StatusNotFound},
		{"GET mount without token", http.MethodGet, "/proxy/default", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
