// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// Names under which the built-in content handlers are registered. They appear
// verbatim as the first routed path segment.
const (
	HandlerDefault  = "default"
	HandlerMedia    = "mpeg"
	HandlerPlaylist = "hls"
)

// Descriptor is the decoded form of a request token: the upstream target plus
// the headers to send with it. Fields it does not know about are kept in Extra
// so that re-encoding is lossless.
type Descriptor struct {
	URL     string
	Headers map[string]string
	Method  string
	Extra   map[string][]byte
}

// RequestMethod returns the upstream method, defaulting to GET.
func (d *Descriptor) RequestMethod() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return d.Method
}

// HandlerResponse is what a content handler produces for one request.
type HandlerResponse struct {
	StatusCode int
	// Header is sent to the client (merged with the default header set).
	Header http.Header
	// UpstreamHeader holds the headers exactly as the upstream returned them.
	UpstreamHeader http.Header
	// Body is the exact payload to send or cache. It is never re-encoded.
	Body []byte
}

// Status returns the response status, defaulting to 200.
func (r *HandlerResponse) Status() int {
	if r.StatusCode == 0 {
		return http.StatusOK
	}
	return r.StatusCode
}

// UpstreamResponse is a fully read upstream reply.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
