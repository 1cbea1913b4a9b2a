package unitstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"unithost/internal/common/storage"
	"unithost/internal/unitstore"
	appErr "unithost/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

func newStore(t *testing.T, max int64) *unitstore.Store {
	t.Helper()
	s, err := unitstore.New(unitstore.Config{Dir: t.TempDir(), MaxUnitBytes: max})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return s
}

func TestSaveListResolveRemove(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	if _, err := s.Save(ctx, "b.py", strings.NewReader("print(1)\n")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := s.Save(ctx, "a.sh", strings.NewReader("echo hi\n")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	units, err := s.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(units) != 2 || units[0].Name != "a.sh" || units[1].Name != "b.py" {
		t.Fatalf("unexpected units: %+v", units)
	}

	path, err := s.ResolvePath("b.py")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if filepath.Dir(path) != s.Dir() {
		t.Fatalf("unexpected path: %s", path)
	}

	if err := s.Remove(ctx, "b.py"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := s.ResolvePath("b.py"); !appErr.Is(err, appErr.UnitNotFound) {
		t.Fatalf("expected UnitNotFound, got %v", err)
	}
	if s.Count() != 1 {
		t.Fatalf("unexpected count: %d", s.Count())
	}

	n, err := s.RemoveAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("remove all: n=%d err=%v", n, err)
	}
}

func TestRejectsTraversal(t *testing.T) {
	s := newStore(t, 0)
	for _, name := range []string{"", "../etc/passwd", "a/b.py", ".hidden", `..\x.py`} {
		if _, err := s.ResolvePath(name); !appErr.Is(err, appErr.InvalidUnitName) {
			t.Fatalf("expected InvalidUnitName for %q, got %v", name, err)
		}
	}
}

func TestSaveEnforcesLimit(t *testing.T) {
	s := newStore(t, 4)
	if _, err := s.Save(context.Background(), "big.py", strings.NewReader("0123456789")); !appErr.Is(err, appErr.UnitStoreFailed) {
		t.Fatalf("expected UnitStoreFailed, got %v", err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, got %d entries", len(entries))
	}
}

type fakeObjects struct {
	objects map[string][]byte
}

func (f *fakeObjects) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, errors.New("no such key")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeObjects) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	out := make(chan storage.ObjectInfo, len(f.objects))
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out <- storage.ObjectInfo{Key: k, SizeBytes: int64(len(v))}
		}
	}
	close(out)
	return out
}

func compress(t *testing.T, src string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("new encoder failed: %v", err)
	}
	if _, err := enc.Write([]byte(src)); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder failed: %v", err)
	}
	return buf.Bytes()
}

func TestImporter(t *testing.T) {
	s := newStore(t, 0)
	objects := &fakeObjects{objects: map[string][]byte{
		"units/plain.sh":   []byte("echo plain\n"),
		"units/bot.py.zst": compress(t, "print('bot')\n"),
	}}
	imp := unitstore.NewImporter(objects, s, "units-bucket", "units/")
	ctx := context.Background()

	unit, err := imp.Import(ctx, "bot.py.zst")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if unit.Name != "bot.py" {
		t.Fatalf("unexpected name: %s", unit.Name)
	}
	path, _ := s.ResolvePath("bot.py")
	data, _ := os.ReadFile(path)
	if string(data) != "print('bot')\n" {
		t.Fatalf("unexpected content: %q", data)
	}

	if _, err := imp.Import(ctx, "units/plain.sh"); err != nil {
		t.Fatalf("import with full key failed: %v", err)
	}
	if _, err := imp.Import(ctx, "missing.py"); !appErr.Is(err, appErr.UnitImportFailed) {
		t.Fatalf("expected UnitImportFailed, got %v", err)
	}

	keys, err := imp.Available(ctx)
	if err != nil || len(keys) != 2 {
		t.Fatalf("available: keys=%v err=%v", keys, err)
	}
}
