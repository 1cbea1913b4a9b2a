package unitstore

import (
	"context"
	"io"
	"path"
	"strings"

	"unithost/internal/common/storage"
	appErr "unithost/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const zstdSuffix = ".zst"

// Importer copies units from an object storage bucket into the store.
type Importer struct {
	objects storage.ObjectStorage
	store   *Store
	bucket  string
	prefix  string
}

// NewImporter creates an importer reading keys under prefix in bucket.
func NewImporter(objects storage.ObjectStorage, store *Store, bucket, prefix string) *Importer {
	return &Importer{objects: objects, store: store, bucket: bucket, prefix: prefix}
}

// Import downloads one object. Keys ending in .zst are decompressed and stored
// without the suffix.
func (i *Importer) Import(ctx context.Context, key string) (UnitFile, error) {
	if key == "" {
		return UnitFile{}, appErr.Newf(appErr.MissingArgs, "object key is required")
	}
	name := path.Base(key)
	compressed := strings.HasSuffix(name, zstdSuffix)
	if compressed {
		name = strings.TrimSuffix(name, zstdSuffix)
	}
	if err := ValidateName(name); err != nil {
		return UnitFile{}, err
	}

	objectKey := key
	if i.prefix != "" && !strings.HasPrefix(key, i.prefix) {
		objectKey = path.Join(i.prefix, key)
	}
	if _, err := i.objects.StatObject(ctx, i.bucket, objectKey); err != nil {
		return UnitFile{}, appErr.Wrapf(err, appErr.UnitImportFailed, "%s not found in storage", objectKey)
	}
	obj, err := i.objects.GetObject(ctx, i.bucket, objectKey)
	if err != nil {
		return UnitFile{}, appErr.Wrapf(err, appErr.UnitImportFailed, "download %s failed", objectKey)
	}
	defer obj.Close()

	var src io.Reader = obj
	if compressed {
		dec, err := zstd.NewReader(obj)
		if err != nil {
			return UnitFile{}, appErr.Wrapf(err, appErr.UnitImportFailed, "create zstd reader failed")
		}
		defer dec.Close()
		src = dec
	}

	unit, err := i.store.Save(ctx, name, src)
	if err != nil {
		return UnitFile{}, appErr.Wrapf(err, appErr.UnitImportFailed, "import %s failed: %v", objectKey, err)
	}
	return unit, nil
}

// Available lists the importable keys under the configured prefix.
func (i *Importer) Available(ctx context.Context) ([]string, error) {
	var keys []string
	for obj := range i.objects.ListObjects(ctx, i.bucket, i.prefix) {
		if obj.Err != nil {
			return nil, appErr.Wrapf(obj.Err, appErr.UnitImportFailed, "list objects failed")
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
