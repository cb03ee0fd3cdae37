package hls

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/options"
)

const manifestURL = "https://cdn.example.com/live/stream/index.m3u8"

var testHeaders = map[string]string{"Referer": "https://player.example.com/"}

// inbound builds the request a client would send for the manifest itself.
func inbound(t *testing.T, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://proxy.local"+path, nil)
	req.Host = "proxy.local:8080"
	return req
}

// decodeProxied splits a proxied URL into handler name and descriptor.
func decodeProxied(t *testing.T, raw, wantPrefix string) (string, *model.Descriptor) {
	t.Helper()
	if !strings.HasPrefix(raw, wantPrefix) {
		t.Fatalf("proxied url %q does not start with %q", raw, wantPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(raw, wantPrefix), "/")
	if len(parts) != 2 {
		t.Fatalf("proxied url %q: want <handler>/<token> after prefix, got %v", raw, parts)
	}
	d, err := options.Decode(parts[1])
	if err != nil {
		t.Fatalf("Decode(%q) error = %v", parts[1], err)
	}
	return parts[0], d
}

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// manifestURIs returns every URI line and URI="" attribute in a playlist.
func manifestURIs(body string) []string {
	var uris []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			for _, m := range uriAttr.FindAllStringSubmatch(line, -1) {
				uris = append(uris, m[1])
			}
			continue
		}
		uris = append(uris, line)
	}
	return uris
}

func TestRewrite(t *testing.T) {
	req := inbound(t, "/hls/sometoken")

	tests := []struct {
		name        string
		ref         string
		wantURL     string
		wantHandler string
	}{
		{"relative segment", "segment1.ts", "https://cdn.example.com/live/stream/segment1.ts", model.HandlerMedia},
		{"parent relative", "../other/index.m3u8", "https://cdn.example.com/live/other/index.m3u8", model.HandlerPlaylist},
		{"root relative", "/keys/k1", "https://cdn.example.com/keys/k1", model.HandlerDefault},
		{"absolute", "http://edge.example.net/a/b.mp4", "http://edge.example.net/a/b.mp4", model.HandlerMedia},
		{"query kept", "seg.ts?sig=xyz", "https://cdn.example.com/live/stream/seg.ts?sig=xyz", model.HandlerMedia},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Rewrite(tt.ref, manifestURL, testHeaders, req)
			if err != nil {
				t.Fatalf("Rewrite() error = %v", err)
			}
			handler, d := decodeProxied(t, got, "http://proxy.local:8080/")
			if handler != tt.wantHandler {
				t.Errorf("handler = %q, want %q", handler, tt.wantHandler)
			}
			if d.URL != tt.wantURL {
				t.Errorf("url = %q, want %q", d.URL, tt.wantURL)
			}
			if d.Headers["Referer"] != "https://player.example.com/" {
				t.Errorf("headers = %v, want forwarded headers", d.Headers)
			}
		})
	}
}

func TestRewrite_KeepsMountPrefix(t *testing.T) {
	req := inbound(t, "/api/v1/proxy/hls/sometoken")

	got, err := Rewrite("seg.ts", manifestURL, nil, req)
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	handler, _ := decodeProxied(t, got, "http://proxy.local:8080/api/v1/proxy/")
	if handler != model.HandlerMedia {
		t.Errorf("handler = %q, want %q", handler, model.HandlerMedia)
	}
}

func TestScheme(t *testing.T) {
	tests := []struct {
		name  string
		proto string
		tls   bool
		want  string
	}{
		{"plain", "", false, "http"},
		{"tls", "", true, "https"},
		{"forwarded https", "https", false, "https"},
		{"forwarded http over tls", "http", true, "http"},
		{"forwarded list", "HTTPS, http", false, "https"},
		{"forwarded garbage falls back", "gopher", true, "https"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/hls/x", nil)
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if got := Scheme(req); got != tt.want {
				t.Errorf("Scheme() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBasePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/hls/token", ""},
		{"/proxy/hls/token", "/proxy"},
		{"/a/b/hls/token/", "/a/b"},
		{"token", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := basePath(tt.path); got != tt.want {
				t.Errorf("basePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRewriteManifest_Media(t *testing.T) {
	body := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="key.bin"
#EXTINF:10.000,
segment1.ts
#EXTINF:10.000,
https://edge.example.net/abs/segment2.ts
#EXTINF:10.000,
sub/segment3.ts
#EXT-X-ENDLIST
`
	rw, err := NewRewriter(manifestURL, testHeaders, inbound(t, "/proxy/hls/sometoken"))
	if err != nil {
		t.Fatalf("NewRewriter() error = %v", err)
	}
	out, err := rw.RewriteManifest([]byte(body))
	if err != nil {
		t.Fatalf("RewriteManifest() error = %v", err)
	}
	if out.Master {
		t.Error("Master = true, want false for a media playlist")
	}

	want := map[string]string{
		"https://cdn.example.com/live/stream/segment1.ts":     model.HandlerMedia,
		"https://edge.example.net/abs/segment2.ts":            model.HandlerMedia,
		"https://cdn.example.com/live/stream/sub/segment3.ts": model.HandlerMedia,
		"https://cdn.example.com/live/stream/key.bin":         model.HandlerDefault,
	}
	got := make(map[string]string)
	for _, uri := range manifestURIs(string(out.Body)) {
		handler, d := decodeProxied(t, uri, "http://proxy.local:8080/proxy/")
		got[d.URL] = handler
	}
	for u, handler := range want {
		if got[u] != handler {
			t.Errorf("reference %s routed to %q, want %q", u, got[u], handler)
		}
	}
	if len(got) != len(want) {
		t.Errorf("rewritten references = %v, want %d distinct", got, len(want))
	}

	handler, self := decodeProxied(t, out.Self, "http://proxy.local:8080/proxy/")
	if handler != model.HandlerPlaylist || self.URL != manifestURL {
		t.Errorf("Self = %s -> %s, want hls -> %s", handler, self.URL, manifestURL)
	}
}

func TestRewriteManifest_LivePlaylistKeepsAllSegments(t *testing.T) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:100\n")
	for i := 0; i < 12; i++ {
		b.WriteString("#EXTINF:4.000,\n")
		b.WriteString("seg" + string(rune('a'+i)) + ".ts\n")
	}

	rw, err := NewRewriter(manifestURL, nil, inbound(t, "/hls/sometoken"))
	if err != nil {
		t.Fatalf("NewRewriter() error = %v", err)
	}
	out, err := rw.RewriteManifest([]byte(b.String()))
	if err != nil {
		t.Fatalf("RewriteManifest() error = %v", err)
	}
	if n := len(manifestURIs(string(out.Body))); n != 12 {
		t.Errorf("rewritten segments = %d, want 12", n)
	}
}

func TestRewriteManifest_Master(t *testing.T) {
	body := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1280000,AUDIO="aud"
low/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=2560000,AUDIO="aud"
http://other.example.com/high/index.m3u8
`
	rw, err := NewRewriter(manifestURL, testHeaders, inbound(t, "/hls/sometoken"))
	if err != nil {
		t.Fatalf("NewRewriter() error = %v", err)
	}
	out, err := rw.RewriteManifest([]byte(body))
	if err != nil {
		t.Fatalf("RewriteManifest() error = %v", err)
	}
	if !out.Master {
		t.Error("Master = false, want true for a master playlist")
	}

	want := map[string]bool{
		"https://cdn.example.com/live/stream/low/index.m3u8": true,
		"http://other.example.com/high/index.m3u8":           true,
		"https://cdn.example.com/live/stream/audio/en.m3u8":  true,
	}
	for _, uri := range manifestURIs(string(out.Body)) {
		handler, d := decodeProxied(t, uri, "http://proxy.local:8080/")
		if handler != model.HandlerPlaylist {
			t.Errorf("%s routed to %q, want %q", d.URL, handler, model.HandlerPlaylist)
		}
		delete(want, d.URL)
	}
	for u := range want {
		t.Errorf("reference %s was not rewritten", u)
	}
}

func TestRewriteManifest_Invalid(t *testing.T) {
	rw, err := NewRewriter(manifestURL, nil, inbound(t, "/hls/sometoken"))
	if err != nil {
		t.Fatalf("NewRewriter() error = %v", err)
	}
	if _, err := rw.RewriteManifest([]byte("<html>not a playlist</html>")); err == nil {
		t.Fatal("RewriteManifest() expected error for non-playlist body, got nil")
	}
}

func TestNewRewriter_BadOrigin(t *testing.T) {
	if _, err := NewRewriter("http://[::1", nil, inbound(t, "/hls/x")); err == nil {
		t.Fatal("NewRewriter() expected error for malformed origin")
	}
}
