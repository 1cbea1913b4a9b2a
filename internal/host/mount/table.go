// Package mount keeps the set of hosted units as an immutable routing table
// that is replaced atomically on every change.
package mount

import (
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"unithost/internal/host/loader"
	appErr "unithost/pkg/errors"
)

// Info is a read-only view of a mount.
type Info struct {
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	OwnerID   string    `json:"owner_id"`
	MountedAt time.Time `json:"mounted_at"`
}

// Mount is one hosted unit. Its fields never change after publication.
type Mount struct {
	Name      string
	Prefix    string
	OwnerID   string
	MountedAt time.Time

	handler  loader.Handler
	retired  atomic.Bool
	inflight atomic.Int64
	drained  chan struct{}
	drainOne sync.Once
}

func newMount(name, prefix, owner string, h loader.Handler) *Mount {
	return &Mount{
		Name:      name,
		Prefix:    prefix,
		OwnerID:   owner,
		MountedAt: time.Now(),
		handler:   h,
		drained:   make(chan struct{}),
	}
}

// Info returns a snapshot.
func (m *Mount) Info() Info {
	return Info{Name: m.Name, Prefix: m.Prefix, OwnerID: m.OwnerID, MountedAt: m.MountedAt}
}

// Acquire registers an in-flight request. It returns false once the mount is
// retired; the caller must then not use the mount.
func (m *Mount) Acquire() bool {
	m.inflight.Add(1)
	if m.retired.Load() {
		m.Release()
		return false
	}
	return true
}

// Release ends a request registered by Acquire.
func (m *Mount) Release() {
	if m.inflight.Add(-1) == 0 && m.retired.Load() {
		m.drainOne.Do(func() { close(m.drained) })
	}
}

// Retired reports whether the mount has been removed.
func (m *Mount) Retired() bool {
	return m.retired.Load()
}

// ServeHTTP forwards to the loaded handler.
func (m *Mount) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}

func (m *Mount) retire() {
	m.retired.Store(true)
	if m.inflight.Load() == 0 {
		m.drainOne.Do(func() { close(m.drained) })
	}
}

// Table is an immutable routing snapshot.
type Table struct {
	byName map[string]*Mount
	// ordered by prefix length, longest first
	ordered []*Mount
}

var emptyTable = &Table{byName: map[string]*Mount{}}

func (t *Table) with(m *Mount) *Table {
	next := make(map[string]*Mount, len(t.byName)+1)
	for k, v := range t.byName {
		next[k] = v
	}
	next[m.Name] = m
	return buildTable(next)
}

func (t *Table) without(name string) *Table {
	next := make(map[string]*Mount, len(t.byName))
	for k, v := range t.byName {
		if k != name {
			next[k] = v
		}
	}
	return buildTable(next)
}

func buildTable(byName map[string]*Mount) *Table {
	ordered := make([]*Mount, 0, len(byName))
	for _, m := range byName {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, k int) bool {
		if len(ordered[i].Prefix) != len(ordered[k].Prefix) {
			return len(ordered[i].Prefix) > len(ordered[k].Prefix)
		}
		return ordered[i].Prefix < ordered[k].Prefix
	})
	return &Table{byName: byName, ordered: ordered}
}

// Len returns the number of mounts.
func (t *Table) Len() int {
	return len(t.byName)
}

// Lookup returns the mount of a unit.
func (t *Table) Lookup(name string) (*Mount, bool) {
	m, ok := t.byName[name]
	return m, ok
}

func (t *Table) prefixTaken(prefix string) bool {
	for _, m := range t.ordered {
		if m.Prefix == prefix {
			return true
		}
	}
	return false
}

// Match finds the longest prefix that covers urlPath on a segment boundary
// and returns the remaining path, "/" when nothing remains.
func (t *Table) Match(urlPath string) (*Mount, string, bool) {
	for _, m := range t.ordered {
		if urlPath == m.Prefix {
			return m, "/", true
		}
		if strings.HasPrefix(urlPath, m.Prefix) && urlPath[len(m.Prefix)] == '/' {
			return m, urlPath[len(m.Prefix):], true
		}
	}
	return nil, "", false
}

// NormalizePrefix cleans a mount prefix to a leading slash and no trailing
// slash. The root prefix and dot segments are rejected.
func NormalizePrefix(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", appErr.Newf(appErr.InvalidPrefix, "mount path is empty")
	}
	for _, seg := range strings.Split(prefix, "/") {
		if seg == "." || seg == ".." {
			return "", appErr.Newf(appErr.InvalidPrefix, "mount path %q contains a dot segment", prefix)
		}
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = path.Clean(prefix)
	if prefix == "/" {
		return "", appErr.Newf(appErr.InvalidPrefix, "mount path must not be the root")
	}
	if strings.ContainsAny(prefix, "?#") {
		return "", appErr.Newf(appErr.InvalidPrefix, "mount path %q contains reserved characters", prefix)
	}
	return prefix, nil
}

var ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateOwnerID accepts only ids that stay one path segment under /u.
func ValidateOwnerID(ownerID string) error {
	if ownerID == "" {
		return appErr.Newf(appErr.InvalidPrefix, "owner id is required")
	}
	if !ownerIDPattern.MatchString(ownerID) {
		return appErr.Newf(appErr.InvalidPrefix, "owner id %q may only contain letters, digits, '_' and '-'", ownerID)
	}
	return nil
}

// PathFor returns the default prefix of a unit hosted by owner.
func PathFor(ownerID, unitName string) (string, error) {
	if err := ValidateOwnerID(ownerID); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(unitName, filepath.Ext(unitName))
	if base == "" || strings.Contains(base, "/") {
		return "", appErr.Newf(appErr.InvalidUnitName, "invalid unit name: %s", unitName)
	}
	return "/u" + ownerID + "/" + base, nil
}
