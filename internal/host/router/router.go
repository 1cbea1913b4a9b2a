// Package router dispatches requests to mounted units by path prefix and
// hands everything else to the base service.
package router

import (
	"net/http"
	"net/url"

	"unithost/internal/host/loader"
	"unithost/internal/host/mount"
)

// Source provides the current routing table.
type Source interface {
	Snapshot() *mount.Table
}

// Router is the single entry handler of the host.
type Router struct {
	source Source
	base   http.Handler
}

// New creates a router over source that falls back to base.
func New(source Source, base http.Handler) *Router {
	return &Router{source: source, base: base}
}

// ServeHTTP resolves one snapshot per request. A mount retired after the
// snapshot was taken is skipped.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m, rest, ok := rt.source.Snapshot().Match(r.URL.Path)
	if !ok || !m.Acquire() {
		rt.base.ServeHTTP(w, r)
		return
	}
	defer m.Release()
	m.ServeHTTP(w, stripPrefix(r, m.Prefix, rest))
}

func stripPrefix(r *http.Request, prefix, rest string) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	r2.URL = new(url.URL)
	*r2.URL = *r.URL
	r2.URL.Path = rest
	r2.URL.RawPath = ""
	r2.Header = r.Header.Clone()
	r2.Header.Set(loader.ForwardedPrefixHeader, prefix)
	return r2
}
