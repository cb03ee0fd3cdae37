package content

import (
	"context"
	"log/slog"
	"net/http"

	"stream-proxy-go/internal/hls"
	"stream-proxy-go/internal/model"
)

// Playlist fetches an HLS manifest and rewrites every reference in it so
// that players fetch them through the proxy.
type Playlist struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewPlaylist creates the "hls" handler.
func NewPlaylist(f Fetcher, logger *slog.Logger) *Playlist {
	return &Playlist{fetcher: f, logger: logger.With("component", "hls")}
}

func (p *Playlist) Name() string { return model.HandlerPlaylist }

func (p *Playlist) Handle(ctx context.Context, d *model.Descriptor, req *http.Request) (*model.HandlerResponse, error) {
	resp, err := fetch(ctx, p.fetcher, p.Name(), d, descriptorHeader(d))
	if err != nil {
		return nil, err
	}

	rw, err := hls.NewRewriter(d.URL, d.Headers, req)
	if err != nil {
		return nil, &UpstreamError{Handler: p.Name(), URL: d.URL, Err: err}
	}
	manifest, err := rw.RewriteManifest(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Handler: p.Name(), URL: d.URL, Err: err}
	}

	p.logger.Debug("playlist rewritten",
		"url", d.URL,
		"master", manifest.Master,
		"bytes_in", len(resp.Body),
		"bytes_out", len(manifest.Body),
	)

	// Content-Type is left to the default header set.
	header := make(http.Header)
	header.Set("Content-Location", manifest.Self)

	return &model.HandlerResponse{
		StatusCode:     resp.StatusCode,
		Header:         header,
		UpstreamHeader: resp.Header,
		Body:           manifest.Body,
	}, nil
}
