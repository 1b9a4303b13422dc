package jsonbackend

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/FranksOps/pricewatch/internal/storage"
)

func TestJSONBackend_CreatesEmptyCollection(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "data", "products.json")

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("Expected store file to exist: %v", err)
	}

	var records []storage.ProductRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("Expected valid JSON array, got %q: %v", data, err)
	}
	if len(records) != 0 {
		t.Errorf("Expected empty collection, got %d records", len(records))
	}
}

func TestJSONBackend_IdempotentUpsert(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "products.json")
	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	rec := storage.ProductRecord{Title: "Toothbrush", Price: 9.99, ImagePath: "images/Toothbrush.jpg"}

	updated, err := b.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	if !updated {
		t.Errorf("Expected first upsert to report updated")
	}

	updated, err = b.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	if updated {
		t.Errorf("Expected second upsert to report unchanged")
	}

	records, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0] != rec {
		t.Errorf("Expected %+v, got %+v", rec, records[0])
	}
}

func TestJSONBackend_PriceChangeOverwritesInPlace(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "products.json")
	seed := `[
    {"product_title": "Comb", "product_price": 4.99, "path_to_image": "images/Comb.jpg"},
    {"product_title": "Soap", "product_price": 2.00, "path_to_image": "images/Soap.jpg"}
]`
	if err := os.WriteFile(filePath, []byte(seed), 0o644); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	updated, err := b.Upsert(ctx, storage.ProductRecord{Title: "Comb", Price: 4.50, ImagePath: "images/Comb.jpg"})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !updated {
		t.Errorf("Expected price change to report updated")
	}

	records, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Title != "Comb" || records[0].Price != 4.50 {
		t.Errorf("Expected Comb overwritten to 4.50 in place, got %+v", records[0])
	}
}

func TestJSONBackend_UnchangedDoesNotWrite(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "products.json")
	// Compact formatting differs from what save() produces, so a rewrite is detectable.
	seed := `[{"product_title":"Comb","product_price":4.99,"path_to_image":"images/Comb.jpg"}]`
	if err := os.WriteFile(filePath, []byte(seed), 0o644); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	updated, err := b.Upsert(context.Background(), storage.ProductRecord{Title: "Comb", Price: 4.99, ImagePath: "images/Comb.jpg"})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if updated {
		t.Errorf("Expected unchanged")
	}

	got, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != seed {
		t.Errorf("Expected file untouched, got %q", got)
	}
}

func TestJSONBackend_CorruptFileIsPersistenceFailure(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "products.json")
	if err := os.WriteFile(filePath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	_, err = b.Upsert(context.Background(), storage.ProductRecord{Title: "Comb", Price: 1})
	if !errors.Is(err, storage.ErrPersistence) {
		t.Fatalf("Expected ErrPersistence, got %v", err)
	}
}

func TestJSONBackend_RejectsInvalidRecord(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "products.json"))
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	_, err = b.Upsert(context.Background(), storage.ProductRecord{Title: "Comb", Price: -1})
	if !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("Expected ErrInvalidRecord, got %v", err)
	}
}

func TestJSONBackend_ConcurrentUpsertsDoNotLoseUpdates(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "products.json"))
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	titles := []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	var wg sync.WaitGroup
	for _, title := range titles {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			if _, err := b.Upsert(ctx, storage.ProductRecord{Title: title, Price: 1}); err != nil {
				t.Errorf("Upsert %s failed: %v", title, err)
			}
		}(title)
	}
	wg.Wait()

	records, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != len(titles) {
		t.Errorf("Expected %d records, got %d", len(titles), len(records))
	}
}
