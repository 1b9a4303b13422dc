package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrPersistence marks failures of the local persistence layer (unreadable
	// or unwritable backing file, database errors). It is fatal to a run.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidRecord is returned when a record violates the data model.
	ErrInvalidRecord = errors.New("invalid product record")
)

// ProductRecord is the single persisted entity. Title is the business key.
// ImagePath is either a local asset path or, when the download failed, the
// remote image URL.
type ProductRecord struct {
	Title     string  `json:"product_title"`
	Price     float64 `json:"product_price"`
	ImagePath string  `json:"path_to_image"`
}

// Validate checks the record invariants.
func (r ProductRecord) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidRecord)
	}
	if r.Price < 0 {
		return fmt.Errorf("%w: negative price %v for %q", ErrInvalidRecord, r.Price, r.Title)
	}
	return nil
}

// Store is a durable record set keyed by title.
//
// Upsert inserts the record when its title is absent, replaces it in place when
// the stored price differs, and does nothing when the price is identical. It
// reports whether a write happened; new records always count as updated.
// Implementations must serialize Upsert calls so that concurrent runs never
// lose updates.
type Store interface {
	Upsert(ctx context.Context, rec ProductRecord) (updated bool, err error)
	List(ctx context.Context) ([]ProductRecord, error)
	Close() error
}

// Upsert applies upsert semantics to an in-memory ordered collection. The
// first record whose title matches wins; records keep their position when
// replaced and new titles are appended.
func Upsert(records []ProductRecord, rec ProductRecord) ([]ProductRecord, bool) {
	for i := range records {
		if records[i].Title != rec.Title {
			continue
		}
		if records[i].Price == rec.Price {
			return records, false
		}
		records[i] = rec
		return records, true
	}
	return append(records, rec), true
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it over path, so readers never observe a truncated file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// PersistErr wraps err as a persistence failure for the given operation.
func PersistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
