package jsonbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/FranksOps/pricewatch/internal/storage"
)

// ensure jsonBackend implements storage.Store
var _ storage.Store = (*jsonBackend)(nil)

const filePerm = 0o644

type jsonBackend struct {
	mu   sync.Mutex
	path string
}

// New creates a JSON-file-backed storage.Store. The file holds an indented
// array with one object per record. Missing directories and an empty
// collection are created on first use.
func New(filePath string) (storage.Store, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storage.PersistErr("create store directory", err)
		}
	}

	if _, err := os.Stat(filePath); errors.Is(err, fs.ErrNotExist) {
		if err := storage.WriteFileAtomic(filePath, []byte("[]\n"), filePerm); err != nil {
			return nil, storage.PersistErr("initialize store", err)
		}
	} else if err != nil {
		return nil, storage.PersistErr("stat store", err)
	}

	return &jsonBackend{path: filePath}, nil
}

func (b *jsonBackend) Upsert(ctx context.Context, rec storage.ProductRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	records, err := b.load()
	if err != nil {
		return false, err
	}

	records, updated := storage.Upsert(records, rec)
	if !updated {
		return false, nil
	}

	if err := b.save(records); err != nil {
		return false, err
	}
	return true, nil
}

func (b *jsonBackend) List(ctx context.Context) ([]storage.ProductRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

func (b *jsonBackend) Close() error {
	return nil
}

// load must be called with the lock held.
func (b *jsonBackend) load() ([]storage.ProductRecord, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, storage.PersistErr("read store", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []storage.ProductRecord{}, nil
	}

	var records []storage.ProductRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, storage.PersistErr("decode store", fmt.Errorf("%s: %w", b.path, err))
	}
	return records, nil
}

// save must be called with the lock held.
func (b *jsonBackend) save(records []storage.ProductRecord) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return storage.PersistErr("encode store", err)
	}
	data = append(data, '\n')

	if err := storage.WriteFileAtomic(b.path, data, filePerm); err != nil {
		return storage.PersistErr("write store", err)
	}
	return nil
}
