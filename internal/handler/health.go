package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	service *service.ProxyService
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, svc *service.ProxyService) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, service: svc}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	Handlers   []string `json:"handlers"`
	BasePath   string   `json:"base_path"`
	CacheDir   string   `json:"cache_dir"`
	CacheIndex string   `json:"cache_index"`
	MaxSize    int64    `json:"cache_max_size"`
	MinSize    int64    `json:"cache_min_size"`
	MaxAge     string   `json:"cache_max_age"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:     "ok",
		Version:    string(h.version),
		Handlers:   h.service.Handlers(),
		BasePath:   h.cfg.Server.BasePath,
		CacheDir:   h.cfg.Cache.Dir,
		CacheIndex: h.cfg.Cache.Index,
		MaxSize:    h.cfg.Cache.MaxSizeBytes,
		MinSize:    h.cfg.Cache.MinSizeBytes,
		MaxAge:     h.cfg.Cache.MaxAgeDuration.String(),
	})
}
