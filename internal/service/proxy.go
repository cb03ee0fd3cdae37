// Package service implements the dispatch logic behind the proxy route:
// token decoding, handler resolution, cache lookup and admission.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"stream-proxy-go/internal/cache"
	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/content"
	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/options"
)

// ErrHandlerNotFound is returned when the routed handler name is not registered.
var ErrHandlerNotFound = errors.New("handler not found")

// defaultMaxAge is the CORS preflight lifetime used when cache eviction is disabled.
const defaultMaxAge = 1728000

// ProxyService holds the per-instance dispatch state: the handler registry,
// the cache and the default response headers.
type ProxyService struct {
	registry *content.Registry
	store    *cache.Store
	policy   cache.Policy
	headers  http.Header

	logger  *slog.Logger
	metrics *metrics.Metrics

	admissions sync.WaitGroup
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(reg *content.Registry, store *cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	overrides, err := config.ParseHeaders(cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("parse default headers: %w", err)
	}

	return &ProxyService{
		registry: reg,
		store:    store,
		policy:   cache.Policy{MinSize: cfg.Cache.MinSizeBytes, MaxSize: cfg.Cache.MaxSizeBytes},
		headers:  DefaultHeaders(cfg.Cache.MaxAgeDuration, overrides),
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}, nil
}

// DefaultHeaders builds the header set sent with every proxied response.
// Entries in overrides replace the built-in CORS headers; list values are
// joined with ", ".
func DefaultHeaders(maxAge time.Duration, overrides http.Header) http.Header {
	age := defaultMaxAge
	if maxAge > 0 {
		age = int(maxAge.Seconds())
	}

	h := http.Header{}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	h.Set("Access-Control-Max-Age", strconv.Itoa(age))

	for k, v := range overrides {
		h.Set(k, strings.Join(v, ", "))
	}
	return h
}

// Decode parses a request token.
func (s *ProxyService) Decode(token string) (*model.Descriptor, error) {
	return options.Decode(token)
}

// Resolve returns the handler registered under name.
func (s *ProxyService) Resolve(name string) (content.Handler, error) {
	h, ok := s.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, name)
	}
	return h, nil
}

// Handlers returns the registered handler names.
func (s *ProxyService) Handlers() []string {
	return s.registry.Names()
}

// Cached reports whether a complete cache entry exists for token.
func (s *ProxyService) Cached(token string) bool {
	return s.store.Exists(token)
}

// Lookup returns the cached entry for token. Read failures are logged and
// reported as a miss.
func (s *ProxyService) Lookup(token string) (*cache.Entry, bool) {
	e, err := s.store.Fetch(token)
	switch {
	case err == nil:
		s.countLookup("hit")
		return e, true
	case errors.Is(err, cache.ErrNotFound):
		s.countLookup("miss")
	default:
		s.countLookup("error")
		s.logger.Warn("cache read failed, serving live", "error", err)
	}
	return nil, false
}

// Bypass records a lookup skipped because the client asked for no-cache.
func (s *ProxyService) Bypass() {
	s.countLookup("bypass")
}

// Invoke runs handler h for descriptor d.
func (s *ProxyService) Invoke(ctx context.Context, h content.Handler, d *model.Descriptor, req *http.Request) (*model.HandlerResponse, error) {
	s.logger.Debug("invoking handler",
		"handler", h.Name(),
		"method", d.RequestMethod(),
	)
	resp, err := h.Handle(ctx, d, req)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", h.Name(), err)
	}
	return resp, nil
}

// ShouldAdmit applies the admission rules to a live response: the client did
// not ask for no-cache, the status is a complete 2xx, and the size policy
// allows it. A 204 counts as size 0.
func (s *ProxyService) ShouldAdmit(status int, size int64, noCache bool) bool {
	admit := !noCache &&
		status >= 200 && status < 300 && status != http.StatusPartialContent &&
		s.policy.Allows(contentSize(status, size))
	if !admit && s.metrics != nil {
		s.metrics.CacheAdmissions.WithLabelValues("skipped").Inc()
	}
	return admit
}

func contentSize(status int, size int64) int64 {
	if status == http.StatusNoContent {
		return 0
	}
	return size
}

// ResponseHeaders merges handler headers with the default set. Default
// headers win on collisions; etag, when non-empty, is set last.
func (s *ProxyService) ResponseHeaders(handler http.Header, etag string) http.Header {
	h := handler.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for k, v := range s.headers {
		h[k] = append([]string(nil), v...)
	}
	if etag != "" {
		h.Set("ETag", etag)
	}
	return h
}

// AdmitAsync stores body under token in the background. Failures are logged;
// the response has already been sent.
func (s *ProxyService) AdmitAsync(token, mimetype string, body []byte) {
	s.admissions.Add(1)
	go func() {
		defer s.admissions.Done()
		if err := s.store.Admit(token, mimetype, body); err != nil {
			s.logger.Error("cache admission failed", "error", err)
			return
		}
		s.logger.Debug("cached response",
			"mimetype", mimetype,
			"size", humanize.IBytes(uint64(len(body))),
		)
	}()
}

// Wait blocks until background admissions have finished.
func (s *ProxyService) Wait() {
	s.admissions.Wait()
}

// CountServed records bytes served from the cache.
func (s *ProxyService) CountServed(n int) {
	if s.metrics != nil {
		s.metrics.CacheBytesOut.Add(float64(n))
	}
}

func (s *ProxyService) countLookup(result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

// WeakETag returns the validator attached to cached responses.
func WeakETag(token string) string {
	return `W/"` + token + `"`
}
