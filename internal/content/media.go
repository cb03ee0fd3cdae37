package content

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"stream-proxy-go/internal/model"
)

// mediaPassthrough lists upstream headers forwarded only when present.
var mediaPassthrough = []string{
	"Content-Disposition",
	"Content-Encoding",
	"Transfer-Encoding",
	"Content-Range",
}

// Media fetches binary media and answers with a byte-serving header set.
type Media struct {
	fetcher Fetcher
	now     func() time.Time
}

// NewMedia creates the "mpeg" handler.
func NewMedia(f Fetcher) *Media {
	return &Media{fetcher: f, now: time.Now}
}

func (m *Media) Name() string { return model.HandlerMedia }

func (m *Media) Handle(ctx context.Context, d *model.Descriptor, req *http.Request) (*model.HandlerResponse, error) {
	resp, err := fetch(ctx, m.fetcher, m.Name(), d, m.requestHeader(d, req))
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	up := resp.Header
	header := make(http.Header)

	if ct := up.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	if cl := up.Get("Content-Length"); cl != "" {
		header.Set("Content-Length", cl)
	} else {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	header.Set("Date", now.Format(http.TimeFormat))

	lastModified := now
	if lm, err := http.ParseTime(up.Get("Last-Modified")); err == nil {
		lastModified = lm
	}
	header.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))

	for _, name := range mediaPassthrough {
		if v := up.Get(name); v != "" {
			header.Set(name, v)
		}
	}
	header.Set("Accept-Ranges", "bytes")

	return &model.HandlerResponse{
		StatusCode:     resp.StatusCode,
		Header:         header,
		UpstreamHeader: up,
		Body:           resp.Body,
	}, nil
}

// requestHeader merges the inbound request headers with the descriptor's.
// Host and Accept-Encoding are never forwarded and descriptor headers win.
func (m *Media) requestHeader(d *model.Descriptor, req *http.Request) http.Header {
	var header http.Header
	if req != nil {
		header = req.Header.Clone()
	}
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Host")
	header.Del("Accept-Encoding")
	for _, h := range hopHeaders {
		header.Del(h)
	}
	for k, v := range d.Headers {
		header.Set(k, v)
	}
	return header
}
