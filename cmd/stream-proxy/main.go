package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"stream-proxy-go/internal/cache"
	"stream-proxy-go/internal/client"
	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/content"
	"stream-proxy-go/internal/handler"
	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/middleware"
	"stream-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("stream-proxy"),
		kong.Description("Caching reverse proxy for HLS playlists and media segments."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newStore,
			newRegistry,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startJanitor, startWatcher, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Large segments are written in one piece to slow clients; a write
	// timeout would cut them off.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*cache.Store, error) {
	store, err := cache.Open(cache.Options{
		Dir:           cfg.Cache.Dir,
		Index:         cfg.Cache.Index,
		MaxAge:        cfg.Cache.MaxAgeDuration,
		MemoryEntries: cfg.Cache.MemoryEntries,
	}, logger, m)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newRegistry(cfg *config.Config, uc *client.UpstreamClient, logger *slog.Logger) (*content.Registry, error) {
	return content.Build(cfg.Handlers.Enabled, uc, logger)
}

func registerRoutes(e *echo.Echo, cfg *config.Config, proxy *handler.ProxyHandler, health *handler.HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	if cfg.Server.Debug {
		proxy.OnRequest(middleware.TraceRequest(logger))
	}
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
	handler.RegisterRoutes(e, cfg.Server.BasePath, proxy, health)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startJanitor(lc fx.Lifecycle, store *cache.Store, cfg *config.Config, logger *slog.Logger) {
	j := cache.NewJanitor(store, cfg.Cache.JanitorSchedule, cfg.Cache.JanitorGraceTime, logger)
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return j.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			cancel()
			j.Stop()
			return nil
		},
	})
}

func startWatcher(lc fx.Lifecycle, store *cache.Store, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.Cache.Watch || cfg.Cache.MemoryEntries == 0 {
		return nil
	}
	w, err := cache.NewWatcher(store, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := w.Watch(ctx); err != nil {
					logger.Error("cache watcher stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return w.Stop()
		},
	})
	return nil
}

func listen(cfg *config.Config) (net.Listener, string, error) {
	if fd := cfg.Server.ListenFD; fd != 0 {
		f := os.NewFile(uintptr(fd), "listen-fd")
		defer f.Close()
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, "", fmt.Errorf("listen on fd %d: %w", fd, err)
		}
		return ln, fmt.Sprintf("fd:%d", fd), nil
	}

	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, addr, nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, svc *service.ProxyService, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, addr, err := listen(cfg)
			if err != nil {
				return err
			}
			logger.Info("starting server",
				"addr", addr,
				"base_path", cfg.Server.BasePath,
				"handlers", svc.Handlers(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := e.Shutdown(ctx)
			// Let in-flight cache writes land before the store closes.
			svc.Wait()
			return err
		},
	})
}
