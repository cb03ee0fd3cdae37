package hls

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/options"
)

// Rewriter turns references found in one manifest into proxied URLs. It is
// bound to the manifest's own URL, the headers to forward and the inbound
// request that asked for the manifest.
type Rewriter struct {
	origin  *url.URL
	headers map[string]string
	scheme  string
	host    string
	base    string
}

// NewRewriter creates a Rewriter for the manifest fetched from origin.
func NewRewriter(origin string, headers map[string]string, req *http.Request) (*Rewriter, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}
	return &Rewriter{
		origin:  u,
		headers: headers,
		scheme:  Scheme(req),
		host:    req.Host,
		base:    basePath(req.URL.Path),
	}, nil
}

// Rewrite resolves ref against the manifest URL and returns the absolute URL
// that routes it through the proxy with the handler its extension calls for.
func (r *Rewriter) Rewrite(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	resolved := r.origin.ResolveReference(u)

	token, err := options.Encode(&model.Descriptor{
		URL:     resolved.String(),
		Headers: r.headers,
	})
	if err != nil {
		return "", err
	}

	return r.scheme + "://" + r.host + r.base + "/" + HandlerFor(resolved) + "/" + token, nil
}

// Rewrite is a one-shot form of NewRewriter followed by Rewriter.Rewrite.
func Rewrite(ref, origin string, headers map[string]string, req *http.Request) (string, error) {
	rw, err := NewRewriter(origin, headers, req)
	if err != nil {
		return "", err
	}
	return rw.Rewrite(ref)
}

// Manifest is a rewritten playlist.
type Manifest struct {
	Body []byte
	// Self is the proxied URL of the manifest itself.
	Self string
	// Master reports whether the playlist lists variants rather than segments.
	Master bool
}

// RewriteManifest parses body and rewrites every URI it references. Master
// playlists get their variant and rendition URIs rewritten; media playlists
// get their segment, key and map URIs rewritten.
func (r *Rewriter) RewriteManifest(body []byte) (*Manifest, error) {
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("parse playlist: %w", err)
	}

	self, err := r.Rewrite(r.origin.String())
	if err != nil {
		return nil, err
	}

	out := &Manifest{Self: self}
	switch kind {
	case m3u8.MASTER:
		out.Master = true
		if err := r.rewriteMaster(pl.(*m3u8.MasterPlaylist)); err != nil {
			return nil, err
		}
	case m3u8.MEDIA:
		if err := r.rewriteMedia(pl.(*m3u8.MediaPlaylist)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("parse playlist: unknown playlist type")
	}

	out.Body = pl.Encode().Bytes()
	return out, nil
}

func (r *Rewriter) rewriteMaster(p *m3u8.MasterPlaylist) error {
	seen := make(map[*m3u8.Alternative]bool)
	for _, v := range p.Variants {
		if v == nil {
			continue
		}
		if err := r.replace(&v.URI); err != nil {
			return err
		}
		// Variants in the same group share their Alternative pointers.
		for _, alt := range v.Alternatives {
			if alt == nil || seen[alt] {
				continue
			}
			seen[alt] = true
			if err := r.replace(&alt.URI); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Rewriter) rewriteMedia(p *m3u8.MediaPlaylist) error {
	// Live playlists come back from the decoder with a sliding window that
	// would make Encode drop older segments.
	if err := p.SetWinSize(0); err != nil {
		return fmt.Errorf("reset playlist window: %w", err)
	}

	keys := make(map[*m3u8.Key]bool)
	maps := make(map[*m3u8.Map]bool)

	rewriteKey := func(k *m3u8.Key) error {
		if k == nil || keys[k] {
			return nil
		}
		keys[k] = true
		return r.replace(&k.URI)
	}
	rewriteMap := func(m *m3u8.Map) error {
		if m == nil || maps[m] {
			return nil
		}
		maps[m] = true
		return r.replace(&m.URI)
	}

	if err := rewriteKey(p.Key); err != nil {
		return err
	}
	if err := rewriteMap(p.Map); err != nil {
		return err
	}
	for _, seg := range p.Segments {
		if seg == nil {
			continue
		}
		if err := r.replace(&seg.URI); err != nil {
			return err
		}
		if err := rewriteKey(seg.Key); err != nil {
			return err
		}
		if err := rewriteMap(seg.Map); err != nil {
			return err
		}
	}
	return nil
}

// replace rewrites *uri in place. Empty URIs are left alone.
func (r *Rewriter) replace(uri *string) error {
	if *uri == "" {
		return nil
	}
	proxied, err := r.Rewrite(*uri)
	if err != nil {
		return err
	}
	*uri = proxied
	return nil
}

// Scheme reports the scheme the client used to reach the proxy, trusting
// X-Forwarded-Proto when it names http or https.
func Scheme(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-Proto"); fwd != "" {
		proto := strings.ToLower(strings.TrimSpace(strings.Split(fwd, ",")[0]))
		if proto == "http" || proto == "https" {
			return proto
		}
	}
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

// basePath drops the final two segments (handler name and token) from an
// inbound proxy path, keeping any mount prefix.
func basePath(p string) string {
	p = strings.TrimSuffix(p, "/")
	for n := 0; n < 2; n++ {
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			return ""
		}
		p = p[:i]
	}
	return p
}
