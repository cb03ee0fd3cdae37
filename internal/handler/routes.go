package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Proxy
// routes are mounted under basePath, which is empty or starts with '/'.
func RegisterRoutes(e *echo.Echo, basePath string, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.Any(basePath+"/*", proxy.Handle)
}
