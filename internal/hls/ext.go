// Package hls rewrites HLS manifests so every reference they carry is routed
// back through the proxy.
package hls

import (
	"net/url"
	"path"
	"strings"

	"stream-proxy-go/internal/model"
)

// extensionHandlers maps lower-cased file extensions to the content handler
// that should serve them.
var extensionHandlers = map[string]string{
	"m3u8":  model.HandlerPlaylist,
	"m3u":   model.HandlerPlaylist,
	"m3u8s": model.HandlerPlaylist,

	"mp4":  model.HandlerMedia,
	"ts":   model.HandlerMedia,
	"mpeg": model.HandlerMedia,
	"mpg":  model.HandlerMedia,
	"mpg4": model.HandlerMedia,
	"m4v":  model.HandlerMedia,
	"m4a":  model.HandlerMedia,
	"m4b":  model.HandlerMedia,
	"m4p":  model.HandlerMedia,
	"m4r":  model.HandlerMedia,
	"m4s":  model.HandlerMedia,
	"mov":  model.HandlerMedia,
	"avi":  model.HandlerMedia,
	"mkv":  model.HandlerMedia,
	"flv":  model.HandlerMedia,
}

// HandlerFor returns the handler name for the resource at u, chosen by the
// extension of its path. Unknown or missing extensions map to the default handler.
func HandlerFor(u *url.URL) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	if name, ok := extensionHandlers[ext]; ok {
		return name
	}
	return model.HandlerDefault
}
