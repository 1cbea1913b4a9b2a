// Package loader turns a unit source file into an HTTP handler that can be
// mounted under a path prefix.
package loader

import (
	"context"
	"net/http"
)

// ForwardedPrefixHeader carries the mount prefix stripped by the router.
const ForwardedPrefixHeader = "X-Forwarded-Prefix"

// Unit identifies the source to load.
type Unit struct {
	Name string
	Path string
}

// Handler is a loaded unit. Close releases whatever backs it and is called
// once, after the unit is unmounted and its in-flight requests drained.
type Handler interface {
	http.Handler
	Close() error
}

// Loader loads units.
type Loader interface {
	Load(ctx context.Context, unit Unit) (Handler, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, unit Unit) (Handler, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, unit Unit) (Handler, error) {
	return f(ctx, unit)
}

type nopCloser struct {
	http.Handler
}

func (nopCloser) Close() error { return nil }

// NopCloser wraps h with a Close that does nothing.
func NopCloser(h http.Handler) Handler {
	return nopCloser{h}
}
