// Package unitstore keeps the unit source files the host runs and mounts.
package unitstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxUnitBytes = 10 << 20
	tempPrefix          = ".upload-"
)

// Config configures the local store.
type Config struct {
	Dir          string `yaml:"dir" toml:"dir"`
	MaxUnitBytes int64  `yaml:"maxUnitBytes" toml:"maxUnitBytes"`
}

// UnitFile describes a stored unit.
type UnitFile struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a flat directory of unit files.
type Store struct {
	dir      string
	maxBytes int64
}

// New creates the directory if needed.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, appErr.ValidationError("dir", "required")
	}
	if cfg.MaxUnitBytes <= 0 {
		cfg.MaxUnitBytes = defaultMaxUnitBytes
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.UnitStoreFailed, "resolve unit dir failed")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.UnitStoreFailed, "create unit dir failed")
	}
	return &Store{dir: dir, maxBytes: cfg.MaxUnitBytes}, nil
}

// Dir returns the absolute store directory.
func (s *Store) Dir() string {
	return s.dir
}

// ValidateName rejects names that are not a single plain file name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return appErr.Newf(appErr.InvalidUnitName, "unit name is required")
	case strings.HasPrefix(name, "."):
		return appErr.Newf(appErr.InvalidUnitName, "invalid unit name: %s", name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return appErr.Newf(appErr.InvalidUnitName, "invalid unit name: %s", name)
	}
	return nil
}

func (s *Store) safeJoin(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	full := filepath.Join(s.dir, filepath.Clean(name))
	if !strings.HasPrefix(full, s.dir+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.InvalidUnitName, "path traversal detected")
	}
	return full, nil
}

// ResolvePath returns the absolute path of an existing unit.
func (s *Store) ResolvePath(name string) (string, error) {
	full, err := s.safeJoin(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return "", appErr.Newf(appErr.UnitNotFound, "%s not found", name)
	}
	if err != nil {
		return "", appErr.Wrapf(err, appErr.UnitStoreFailed, "stat unit failed")
	}
	return full, nil
}

// List returns the stored units ordered by name.
func (s *Store) List() ([]UnitFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.UnitStoreFailed, "read unit dir failed")
	}
	out := make([]UnitFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, UnitFile{Name: e.Name(), SizeBytes: info.Size(), UpdatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// Count returns the number of stored units, 0 on error.
func (s *Store) Count() int {
	units, err := s.List()
	if err != nil {
		return 0
	}
	return len(units)
}

// Save writes a unit atomically, replacing any previous version.
func (s *Store) Save(ctx context.Context, name string, r io.Reader) (UnitFile, error) {
	full, err := s.safeJoin(name)
	if err != nil {
		return UnitFile{}, err
	}
	tmp, err := os.CreateTemp(s.dir, tempPrefix)
	if err != nil {
		return UnitFile{}, appErr.Wrapf(err, appErr.UnitStoreFailed, "create temp file failed")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return UnitFile{}, appErr.Wrapf(err, appErr.UnitStoreFailed, "write unit failed")
	}
	if n > s.maxBytes {
		return UnitFile{}, appErr.Newf(appErr.UnitStoreFailed, "%s exceeds %d bytes", name, s.maxBytes)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return UnitFile{}, appErr.Wrapf(err, appErr.UnitStoreFailed, "store unit failed")
	}
	logger.Info(ctx, "unit saved", zap.String("unit", name), zap.Int64("size_bytes", n))
	return UnitFile{Name: name, SizeBytes: n, UpdatedAt: time.Now()}, nil
}

// Remove deletes a unit file.
func (s *Store) Remove(ctx context.Context, name string) error {
	full, err := s.ResolvePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return appErr.Newf(appErr.UnitNotFound, "%s not found", name)
		}
		return appErr.Wrapf(err, appErr.UnitStoreFailed, "remove unit failed")
	}
	logger.Info(ctx, "unit removed", zap.String("unit", name))
	return nil
}

// RemoveAll deletes every stored unit and returns how many were removed.
func (s *Store) RemoveAll(ctx context.Context) (int, error) {
	units, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, u := range units {
		if err := os.Remove(filepath.Join(s.dir, u.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn(ctx, "remove unit failed", zap.String("unit", u.Name), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
