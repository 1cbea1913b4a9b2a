package deps

import (
	"context"
	"sort"
	"sync"

	"unithost/internal/common/cache"
	appErr "unithost/pkg/errors"
)

// InstalledSet records packages already installed for units.
type InstalledSet interface {
	Has(ctx context.Context, pkg string) (bool, error)
	Add(ctx context.Context, pkgs ...string) error
	List(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}

// MemorySet is a process-local InstalledSet.
type MemorySet struct {
	mu   sync.RWMutex
	pkgs map[string]struct{}
}

// NewMemorySet creates an empty MemorySet.
func NewMemorySet() *MemorySet {
	return &MemorySet{pkgs: make(map[string]struct{})}
}

func (s *MemorySet) Has(ctx context.Context, pkg string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pkgs[pkg]
	return ok, nil
}

func (s *MemorySet) Add(ctx context.Context, pkgs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pkgs {
		s.pkgs[p] = struct{}{}
	}
	return nil
}

func (s *MemorySet) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.pkgs))
	for p := range s.pkgs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *MemorySet) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pkgs), nil
}

// RedisSet keeps the installed set in a Redis SET so it survives restarts
// and is shared between hosts using the same interpreter image.
type RedisSet struct {
	cache cache.SetOps
	key   string
}

// NewRedisSet creates a RedisSet stored under key.
func NewRedisSet(c cache.SetOps, key string) *RedisSet {
	if key == "" {
		key = "unithost:packages"
	}
	return &RedisSet{cache: c, key: key}
}

func (s *RedisSet) Has(ctx context.Context, pkg string) (bool, error) {
	ok, err := s.cache.SIsMember(ctx, s.key, pkg)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "check installed package failed")
	}
	return ok, nil
}

func (s *RedisSet) Add(ctx context.Context, pkgs ...string) error {
	members := make([]interface{}, 0, len(pkgs))
	for _, p := range pkgs {
		members = append(members, p)
	}
	if err := s.cache.SAdd(ctx, s.key, members...); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "record installed package failed")
	}
	return nil
}

func (s *RedisSet) List(ctx context.Context) ([]string, error) {
	out, err := s.cache.SMembers(ctx, s.key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "list installed packages failed")
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisSet) Count(ctx context.Context) (int, error) {
	n, err := s.cache.SCard(ctx, s.key)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "count installed packages failed")
	}
	return int(n), nil
}
