// Package content implements the pluggable handlers that fetch, and optionally
// transform, one class of upstream content.
package content

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"stream-proxy-go/internal/model"
)

// Handler fetches the resource a descriptor points at on behalf of an inbound request.
type Handler interface {
	Name() string
	Handle(ctx context.Context, d *model.Descriptor, req *http.Request) (*model.HandlerResponse, error)
}

// Fetcher performs a single upstream request. *client.UpstreamClient satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header) (*model.UpstreamResponse, error)
}

// UpstreamError reports that a handler could not obtain a usable upstream response.
type UpstreamError struct {
	Handler    string
	URL        string
	StatusCode int // set when the upstream answered with an error status
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: fetch %s: %v", e.Handler, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: fetch %s: upstream status %d", e.Handler, e.URL, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// fetch runs the upstream request and turns transport failures and error
// statuses into *UpstreamError.
func fetch(ctx context.Context, f Fetcher, handler string, d *model.Descriptor, header http.Header) (*model.UpstreamResponse, error) {
	resp, err := f.Fetch(ctx, d.RequestMethod(), d.URL, header)
	if err != nil {
		return nil, &UpstreamError{Handler: handler, URL: d.URL, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &UpstreamError{Handler: handler, URL: d.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// descriptorHeader converts the descriptor's header map into an http.Header.
func descriptorHeader(d *model.Descriptor) http.Header {
	h := make(http.Header, len(d.Headers))
	for k, v := range d.Headers {
		h.Set(k, v)
	}
	return h
}

// hopHeaders are connection-scoped and never copied between hops.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Registry holds the enabled handlers keyed by name. It is read-only after construction.
type Registry struct {
	handlers map[string]Handler
	names    []string
}

// NewRegistry builds a registry from handlers. A later handler with the same
// name replaces an earlier one.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.handlers[h.Name()]; !dup {
			r.names = append(r.names, h.Name())
		}
		r.handlers[h.Name()] = h
	}
	return r
}

// Build creates the built-in handlers listed in names.
func Build(names []string, f Fetcher, logger *slog.Logger) (*Registry, error) {
	handlers := make([]Handler, 0, len(names))
	for _, name := range names {
		switch name {
		case model.HandlerDefault:
			handlers = append(handlers, NewGeneric(f))
		case model.HandlerMedia:
			handlers = append(handlers, NewMedia(f))
		case model.HandlerPlaylist:
			handlers = append(handlers, NewPlaylist(f, logger))
		default:
			return nil, fmt.Errorf("content: unknown handler %q", name)
		}
	}
	return NewRegistry(handlers...), nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}
