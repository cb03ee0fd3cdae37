// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and header hygiene.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors are logged at error level and client errors at warn level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			switch {
			case res.Status >= http.StatusInternalServerError:
				level = slog.LevelError
			case res.Status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"route", c.Path(),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"range", req.Header.Get("Range"),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// TraceRequest returns a request observer that logs inbound proxy requests
// with their headers at debug level.
func TraceRequest(logger *slog.Logger) func(*http.Request) {
	logger = logger.With("component", "trace")
	return func(r *http.Request) {
		logger.Debug("inbound request",
			"method", r.Method,
			"url", r.URL.String(),
			"host", r.Host,
			"headers", r.Header,
		)
	}
}
