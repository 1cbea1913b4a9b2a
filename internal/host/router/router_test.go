package router_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"unithost/internal/host/loader"
	"unithost/internal/host/mount"
	"unithost/internal/host/router"
)

type recordingHandler struct {
	mu      sync.Mutex
	paths   []string
	prefix  string
	release chan struct{}
	entered chan struct{}
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.paths = append(h.paths, r.URL.Path)
	h.prefix = r.Header.Get(loader.ForwardedPrefixHeader)
	h.mu.Unlock()
	if h.entered != nil {
		h.entered <- struct{}{}
	}
	if h.release != nil {
		<-h.release
	}
	_, _ = io.WriteString(w, "unit:"+r.URL.Path)
}

func (h *recordingHandler) Close() error { return nil }

func newRegistry(handlers map[string]*recordingHandler) *mount.Registry {
	l := loader.LoaderFunc(func(ctx context.Context, unit loader.Unit) (loader.Handler, error) {
		return handlers[unit.Name], nil
	})
	return mount.NewRegistry(l, mount.Config{DrainTimeout: 5 * time.Second})
}

func baseHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "base")
	})
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouterStripsPrefix(t *testing.T) {
	api := &recordingHandler{}
	reg := newRegistry(map[string]*recordingHandler{"api.py": api})
	if _, err := reg.Add(context.Background(), loader.Unit{Name: "api.py", Path: "x"}, "/u1/api", "1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	rt := router.New(reg, baseHandler())

	rec := get(rt, "/u1/api/users?id=3")
	if rec.Code != http.StatusOK || rec.Body.String() != "unit:/users" {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
	if api.prefix != "/u1/api" {
		t.Fatalf("unexpected forwarded prefix: %q", api.prefix)
	}
	if rec := get(rt, "/u1/api"); rec.Body.String() != "unit:/" {
		t.Fatalf("expected empty remainder to become root, got %q", rec.Body.String())
	}
	if rec := get(rt, "/u1/apix"); rec.Body.String() != "base" {
		t.Fatalf("expected base service for non-boundary match, got %q", rec.Body.String())
	}
	if rec := get(rt, "/"); rec.Body.String() != "base" {
		t.Fatalf("expected base service for root, got %q", rec.Body.String())
	}
}

func TestRouterFallsThroughAfterRemove(t *testing.T) {
	api := &recordingHandler{}
	reg := newRegistry(map[string]*recordingHandler{"api.py": api})
	_, _ = reg.Add(context.Background(), loader.Unit{Name: "api.py", Path: "x"}, "/u1/api", "1")
	rt := router.New(reg, baseHandler())

	if _, err := reg.Remove(context.Background(), "api.py", "1", false); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	rec := get(rt, "/u1/api/users")
	if rec.Code != http.StatusNotFound || rec.Body.String() != "base" {
		t.Fatalf("expected base 404 after remove, got %d %q", rec.Code, rec.Body.String())
	}
	if len(api.paths) != 0 {
		t.Fatalf("removed unit received a request")
	}
}

func TestInflightRequestCompletesAcrossRemove(t *testing.T) {
	api := &recordingHandler{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	reg := newRegistry(map[string]*recordingHandler{"api.py": api})
	_, _ = reg.Add(context.Background(), loader.Unit{Name: "api.py", Path: "x"}, "/u1/api", "1")
	rt := router.New(reg, baseHandler())

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- get(rt, "/u1/api/slow") }()
	<-api.entered

	if _, err := reg.Remove(context.Background(), "api.py", "1", false); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	close(api.release)
	rec := <-done
	if rec.Body.String() != "unit:/slow" {
		t.Fatalf("in-flight request was not completed by the unit: %q", rec.Body.String())
	}
	reg.Wait()
}
