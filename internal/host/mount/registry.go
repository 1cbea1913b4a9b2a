package mount

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"unithost/internal/host/loader"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/contextkey"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultDrainTimeout = 30 * time.Second

// Config holds registry settings.
type Config struct {
	// DrainTimeout bounds how long a removed mount waits for in-flight
	// requests before its handler is closed.
	DrainTimeout time.Duration `yaml:"drainTimeout" toml:"drainTimeout"`
}

// Registry owns the mount set. Readers use Snapshot without locking; writers
// build a new Table and publish it with one pointer swap.
type Registry struct {
	loader  loader.Loader
	cfg     Config
	table   atomic.Pointer[Table]
	mu      sync.Mutex // serializes publication only
	pending sync.Map   // unit name -> struct{}, adds in progress
	closing sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(l loader.Loader, cfg Config) *Registry {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	r := &Registry{loader: l, cfg: cfg}
	r.table.Store(emptyTable)
	return r
}

// Snapshot returns the current routing table.
func (r *Registry) Snapshot() *Table {
	return r.table.Load()
}

// Add loads unit and mounts it under prefix for owner.
func (r *Registry) Add(ctx context.Context, unit loader.Unit, prefix, ownerID string) (Info, error) {
	prefix, err := NormalizePrefix(prefix)
	if err != nil {
		return Info{}, err
	}
	if _, ok := r.Snapshot().Lookup(unit.Name); ok {
		return Info{}, appErr.Newf(appErr.AlreadyMounted, "%s is already hosted", unit.Name)
	}
	if _, busy := r.pending.LoadOrStore(unit.Name, struct{}{}); busy {
		return Info{}, appErr.Newf(appErr.AlreadyMounted, "%s is already being hosted", unit.Name)
	}
	defer r.pending.Delete(unit.Name)
	// A concurrent add may have published between the first check and the reservation.
	if _, ok := r.Snapshot().Lookup(unit.Name); ok {
		return Info{}, appErr.Newf(appErr.AlreadyMounted, "%s is already hosted", unit.Name)
	}

	ctx = context.WithValue(ctx, contextkey.Unit, unit.Name)
	h, err := r.loader.Load(ctx, unit)
	if err != nil {
		if appErr.Is(err, appErr.MissingEntrypoint) || appErr.Is(err, appErr.LoadFailed) || appErr.Is(err, appErr.LoaderTimeout) {
			return Info{}, err
		}
		return Info{}, appErr.Wrapf(err, appErr.LoadFailed, "%s", err.Error())
	}
	if h == nil {
		return Info{}, appErr.Newf(appErr.MissingEntrypoint, "no entrypoint found in %s", unit.Name)
	}

	m := newMount(unit.Name, prefix, ownerID, h)
	r.mu.Lock()
	current := r.table.Load()
	if current.prefixTaken(prefix) {
		r.mu.Unlock()
		r.closeAsync(ctx, m)
		return Info{}, appErr.Newf(appErr.DuplicatePrefix, "%s is already in use", prefix)
	}
	r.table.Store(current.with(m))
	r.mu.Unlock()

	logger.Info(ctx, "unit mounted", zap.String("prefix", prefix), zap.String("owner_id", ownerID))
	return m.Info(), nil
}

// Remove unmounts a unit. Only the owner or a privileged requester may do so.
// Once Remove returns no new request is routed to the unit.
func (r *Registry) Remove(ctx context.Context, name, requesterID string, privileged bool) (Info, error) {
	r.mu.Lock()
	current := r.table.Load()
	m, ok := current.Lookup(name)
	if !ok {
		r.mu.Unlock()
		return Info{}, appErr.Newf(appErr.MountNotFound, "%s is not hosted", name)
	}
	if !privileged && m.OwnerID != requesterID {
		r.mu.Unlock()
		return Info{}, appErr.ForbiddenError("only the owner can stop hosting this unit")
	}
	r.table.Store(current.without(name))
	m.retire()
	r.mu.Unlock()

	ctx = context.WithValue(ctx, contextkey.Unit, name)
	logger.Info(ctx, "unit unmounted", zap.String("prefix", m.Prefix), zap.String("requester_id", requesterID))
	r.closeAsync(ctx, m)
	return m.Info(), nil
}

// ClearAll unmounts every unit and returns how many were removed.
func (r *Registry) ClearAll(ctx context.Context) int {
	r.mu.Lock()
	current := r.table.Load()
	r.table.Store(emptyTable)
	for _, m := range current.ordered {
		m.retire()
	}
	r.mu.Unlock()

	for _, m := range current.ordered {
		r.closeAsync(ctx, m)
	}
	if n := len(current.ordered); n > 0 {
		logger.Info(ctx, "all units unmounted", zap.Int("count", n))
	}
	return len(current.ordered)
}

// Get returns the mount of a unit.
func (r *Registry) Get(name string) (Info, bool) {
	m, ok := r.Snapshot().Lookup(name)
	if !ok {
		return Info{}, false
	}
	return m.Info(), true
}

// List returns the mounts visible to requester, ordered by prefix.
func (r *Registry) List(requesterID string, privileged bool) []Info {
	current := r.Snapshot()
	out := make([]Info, 0, current.Len())
	for _, m := range current.ordered {
		if privileged || m.OwnerID == requesterID {
			out = append(out, m.Info())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Prefix < out[k].Prefix })
	return out
}

// Count returns the number of mounts.
func (r *Registry) Count() int {
	return r.Snapshot().Len()
}

// Wait blocks until every retired handler has been closed.
func (r *Registry) Wait() {
	r.closing.Wait()
}

func (r *Registry) closeAsync(ctx context.Context, m *Mount) {
	ctx = context.WithoutCancel(ctx)
	m.retire()
	r.closing.Add(1)
	go func() {
		defer r.closing.Done()
		timer := time.NewTimer(r.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-m.drained:
		case <-timer.C:
			logger.Warn(ctx, "mount drain timed out", zap.String("prefix", m.Prefix), zap.Int64("inflight", m.inflight.Load()))
		}
		if err := m.handler.Close(); err != nil {
			logger.Warn(ctx, "close unit handler failed", zap.String("prefix", m.Prefix), zap.Error(err))
		}
	}()
}
