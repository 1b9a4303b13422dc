package csvbackend

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/FranksOps/pricewatch/internal/storage"
)

// ensure csvBackend implements storage.Store
var _ storage.Store = (*csvBackend)(nil)

// headers defines the CSV column order
var headers = []string{
	"product_title",
	"product_price",
	"path_to_image",
}

type csvBackend struct {
	mu   sync.Mutex
	path string
}

// New creates a CSV-backed storage.Store. Each record is one row under a
// fixed header, which keeps the catalog diffable line by line.
func New(filePath string) (storage.Store, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storage.PersistErr("create store directory", err)
		}
	}

	b := &csvBackend{path: filePath}

	if _, err := os.Stat(filePath); errors.Is(err, fs.ErrNotExist) {
		if err := b.save(nil); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, storage.PersistErr("stat store", err)
	}

	return b, nil
}

func (b *csvBackend) Upsert(ctx context.Context, rec storage.ProductRecord) (bool, error) {
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

func (b *csvBackend) List(ctx context.Context) ([]storage.ProductRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

func (b *csvBackend) Close() error {
	return nil
}

// load must be called with the lock held.
func (b *csvBackend) load() ([]storage.ProductRecord, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, storage.PersistErr("read store", err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(headers)

	// Read headers
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return []storage.ProductRecord{}, nil
		}
		return nil, storage.PersistErr("decode store header", err)
	}

	records := []storage.ProductRecord{}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, storage.PersistErr("decode store row", err)
		}

		price, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, storage.PersistErr("decode store row", fmt.Errorf("price for %q: %w", row[0], err))
		}

		records = append(records, storage.ProductRecord{
			Title:     row[0],
			Price:     price,
			ImagePath: row[2],
		})
	}

	return records, nil
}

// save must be called with the lock held.
func (b *csvBackend) save(records []storage.ProductRecord) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(headers); err != nil {
		return storage.PersistErr("encode store", err)
	}
	for _, rec := range records {
		row := []string{
			rec.Title,
			strconv.FormatFloat(rec.Price, 'f', -1, 64),
			rec.ImagePath,
		}
		if err := w.Write(row); err != nil {
			return storage.PersistErr("encode store", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return storage.PersistErr("encode store", err)
	}

	if err := storage.WriteFileAtomic(b.path, buf.Bytes(), 0o644); err != nil {
		return storage.PersistErr("write store", err)
	}
	return nil
}
