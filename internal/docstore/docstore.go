// Package docstore keeps downloaded item documents on the local filesystem
// under <root>/<platform>/<item>/<kind>/<name>.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/fsutil"
	"reviewtrail/internal/components/telemetry"
)

const report_store_save = "store.save"

type FileStore struct {
	root string
	tel  telemetry.API
}

func NewFileStore(root string, tel telemetry.API) FileStore {
	assert.NotEmptyStr(root)
	assert.NotNil(tel)
	return FileStore{
		root: root,
		tel:  telemetry.NewScopedAPI("docstore", tel),
	}
}

func (s FileStore) Path(platform, itemID, kind, name string) string {
	return filepath.Join(
		s.root,
		fsutil.SafeName(platform),
		fsutil.SafeName(itemID),
		fsutil.SafeName(kind),
		fsutil.SafeName(name),
	)
}

// Save replaces any previous copy of the document.
func (s FileStore) Save(ctx context.Context, platform, itemID, kind, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.Path(platform, itemID, kind, name)
	err := fsutil.WriteAtomic(path, data, 0644)
	if err != nil {
		s.tel.ReportBroken(report_store_save, err, path)
		return fmt.Errorf("save %s: %w", path, err)
	}
	s.tel.ReportDebug("saved document", path, len(data))
	return nil
}

func (s FileStore) Load(platform, itemID, kind, name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(platform, itemID, kind, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s/%s: %w", itemID, kind, name, os.ErrNotExist)
	}
	return data, err
}
