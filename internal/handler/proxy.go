package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/byterange"
	"stream-proxy-go/internal/cache"
	"stream-proxy-go/internal/service"
)

// credentialsPattern matches passwords embedded in URLs that end up in error messages.
var credentialsPattern = regexp.MustCompile(`(://[^/\s:@]+:)[^@\s/]+@`)

// skipResponseHeaders are never copied onto the client response; the body is
// fully buffered and its length is set on write.
var skipResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
	"Content-Length":    true,
}

// ProxyHandler dispatches /{handler}/{token} requests.
type ProxyHandler struct {
	service   *service.ProxyService
	logger    *slog.Logger
	observers []func(*http.Request)
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// OnRequest registers fn to be called with every inbound proxy request before
// it is dispatched. Register observers before the server starts.
func (h *ProxyHandler) OnRequest(fn func(*http.Request)) {
	h.observers = append(h.observers, fn)
}

// Handle decodes the route, serves from the cache when possible and otherwise
// invokes the content handler, caching its response when eligible.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	for _, fn := range h.observers {
		fn(req)
	}

	name, token, ok := splitRoute(c.Param("*"))
	if !ok {
		return c.String(http.StatusNotFound, "404 not found.")
	}

	d, err := h.service.Decode(token)
	if err != nil {
		h.logger.Debug("rejected token", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	handler, err := h.service.Resolve(name)
	if err != nil {
		h.logger.Debug("unknown handler", "handler", name)
		return c.String(http.StatusNotFound, "404 plugin not found.")
	}

	rangeHeader := req.Header.Get("Range")
	noCache := wantsNoCache(req.Header)
	if noCache {
		h.service.Bypass()
		if h.service.Cached(token) {
			req.Header.Del("Range")
		}
	} else if entry, ok := h.service.Lookup(token); ok {
		return h.serveCached(c, token, entry, rangeHeader)
	}

	resp, err := h.service.Invoke(req.Context(), handler, d, req)
	if err != nil {
		return h.handlerError(c, err)
	}

	status := resp.Status()
	admit := h.service.ShouldAdmit(status, int64(len(resp.Body)), noCache)
	etag := ""
	if admit {
		etag = service.WeakETag(token)
	}
	header := h.service.ResponseHeaders(resp.Header, etag)

	payload := resp.Body
	var writeErr error
	if r, rerr := h.liveRange(status, rangeHeader, payload); rerr != nil {
		writeErr = h.rangeNotSatisfiable(c, int64(len(payload)), rerr)
	} else {
		if r != nil {
			status = http.StatusPartialContent
			header.Set("Content-Range", r.ContentRange())
			payload = r.Slice(payload)
		}
		writeErr = h.write(c, status, header, payload)
	}

	if admit {
		h.service.AdmitAsync(token, mimetype(header, resp.UpstreamHeader), resp.Body)
	}
	return writeErr
}

// liveRange slices complete live responses for clients that sent a Range
// the handler did not honor.
func (h *ProxyHandler) liveRange(status int, rangeHeader string, body []byte) (*byterange.Range, error) {
	if status != http.StatusOK || rangeHeader == "" {
		return nil, nil
	}
	return byterange.Parse(rangeHeader, int64(len(body)))
}

func (h *ProxyHandler) serveCached(c echo.Context, token string, entry *cache.Entry, rangeHeader string) error {
	size := int64(len(entry.Body))
	r, err := byterange.Parse(rangeHeader, size)
	if err != nil {
		return h.rangeNotSatisfiable(c, size, err)
	}

	header := h.service.ResponseHeaders(http.Header{"Content-Type": {entry.Mimetype}}, service.WeakETag(token))
	header.Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	header.Set("Accept-Ranges", "bytes")

	status, payload := http.StatusOK, entry.Body
	if r != nil {
		status = http.StatusPartialContent
		header.Set("Content-Range", r.ContentRange())
		payload = r.Slice(entry.Body)
	}

	h.service.CountServed(len(payload))
	return h.write(c, status, header, payload)
}

func (h *ProxyHandler) rangeNotSatisfiable(c echo.Context, size int64, err error) error {
	header := h.service.ResponseHeaders(nil, "")
	header.Set("Content-Range", byterange.Unsatisfied(size))
	header.Set("Content-Type", echo.MIMEApplicationJSON)
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return h.write(c, http.StatusRequestedRangeNotSatisfiable, header, body)
}

// write sends a fully buffered response.
func (h *ProxyHandler) write(c echo.Context, status int, header http.Header, body []byte) error {
	resp := c.Response()
	dst := resp.Header()
	for k, v := range header {
		if skipResponseHeaders[k] || len(v) == 0 || (len(v) == 1 && v[0] == "") {
			continue
		}
		dst[k] = v
	}

	withBody := bodyAllowed(status)
	if withBody {
		dst.Set("Content-Length", strconv.Itoa(len(body)))
	}
	resp.WriteHeader(status)

	if !withBody || c.Request().Method == http.MethodHead {
		return nil
	}
	if _, err := resp.Write(body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) handlerError(c echo.Context, err error) error {
	msg := sanitizeError(err)
	h.logger.Error("handler failed",
		"err", msg,
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg})
}

// splitRoute splits "handler/token".
func splitRoute(p string) (name, token string, ok bool) {
	name, token, ok = strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if !ok || name == "" || token == "" || strings.Contains(token, "/") {
		return "", "", false
	}
	return name, token, true
}

func wantsNoCache(header http.Header) bool {
	for _, v := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-cache") {
				return true
			}
		}
	}
	return false
}

// mimetype picks the content type recorded with a cache entry.
func mimetype(header, upstream http.Header) string {
	if ct := header.Get("Content-Type"); ct != "" {
		return ct
	}
	if ct := upstream.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// sanitizeError redacts URL passwords from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return credentialsPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
