package content

import (
	"context"
	"net/http"

	"stream-proxy-go/internal/model"
)

// Generic fetches a resource with the descriptor's method and headers and
// returns it verbatim.
type Generic struct {
	fetcher Fetcher
}

// NewGeneric creates the "default" handler.
func NewGeneric(f Fetcher) *Generic {
	return &Generic{fetcher: f}
}

func (g *Generic) Name() string { return model.HandlerDefault }

func (g *Generic) Handle(ctx context.Context, d *model.Descriptor, _ *http.Request) (*model.HandlerResponse, error) {
	resp, err := fetch(ctx, g.fetcher, g.Name(), d, descriptorHeader(d))
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	// The body is fully buffered; the dispatcher sets the length it writes.
	header.Del("Content-Length")

	return &model.HandlerResponse{
		StatusCode:     resp.StatusCode,
		Header:         header,
		UpstreamHeader: resp.Header,
		Body:           resp.Body,
	}, nil
}
