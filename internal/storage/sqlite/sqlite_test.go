package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/FranksOps/pricewatch/internal/storage"
)

func TestSQLiteBackend(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "products.db")
	b, err := New(dsn)
	if err != nil {
		t.Fatalf("Failed to create SQLite backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	rec := storage.ProductRecord{Title: "Toothbrush", Price: 9.99, ImagePath: "images/Toothbrush.jpg"}

	updated, err := b.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if !updated {
		t.Errorf("Expected new record to be updated")
	}

	updated, err = b.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if updated {
		t.Errorf("Expected identical record to be unchanged")
	}

	if _, err := b.Upsert(ctx, storage.ProductRecord{Title: "Comb", Price: 4.99}); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	rec.Price = 8.49
	updated, err = b.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if !updated {
		t.Errorf("Expected price change to update")
	}

	records, err := b.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0] != rec {
		t.Errorf("Expected %+v to keep its position, got %+v", rec, records[0])
	}
	if records[1].Title != "Comb" {
		t.Errorf("Expected Comb second, got %+v", records[1])
	}
}

func TestSQLiteBackend_RejectsInvalidRecord(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "products.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite backend: %v", err)
	}
	defer b.Close()

	_, err = b.Upsert(context.Background(), storage.ProductRecord{Price: 1})
	if !errors.Is(err, storage.ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord, got %v", err)
	}
}

func TestSQLiteBackend_ClosedDatabase(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "products.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite backend: %v", err)
	}
	b.Close()

	_, err = b.Upsert(context.Background(), storage.ProductRecord{Title: "Comb", Price: 1})
	if !errors.Is(err, storage.ErrPersistence) {
		t.Errorf("Expected ErrPersistence, got %v", err)
	}
}

func TestSQLiteBackend_CreatesDirectory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "data", "products.db")
	b, err := New(dsn)
	if err != nil {
		t.Fatalf("Failed to create SQLite backend in a missing directory: %v", err)
	}
	defer b.Close()

	if _, err := b.Upsert(context.Background(), storage.ProductRecord{Title: "Comb", Price: 4.99}); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Errorf("Expected database file at %s: %v", dsn, err)
	}
}

func TestFileDir(t *testing.T) {
	tests := map[string]string{
		":memory:":                 "",
		"file:test.db?mode=memory": "",
		"products.db":              "",
		"data/products.db":         "data",
		"/var/lib/pricewatch/p.db": "/var/lib/pricewatch",
	}
	for dsn, want := range tests {
		if got := fileDir(dsn); got != filepath.FromSlash(want) {
			t.Errorf("fileDir(%q) = %q, want %q", dsn, got, want)
		}
	}
}
