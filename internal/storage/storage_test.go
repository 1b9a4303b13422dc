package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestUpsert_Semantics(t *testing.T) {
	var records []ProductRecord

	records, updated := Upsert(records, ProductRecord{Title: "Comb", Price: 4.99, ImagePath: "images/Comb.jpg"})
	if !updated {
		t.Fatalf("expected new record to count as updated")
	}

	records, updated = Upsert(records, ProductRecord{Title: "Comb", Price: 4.99, ImagePath: "images/Comb.jpg"})
	if updated {
		t.Errorf("expected identical price to be a no-op")
	}

	records, updated = Upsert(records, ProductRecord{Title: "Toothbrush", Price: 9.99})
	if !updated {
		t.Errorf("expected append for new title")
	}

	records, updated = Upsert(records, ProductRecord{Title: "Comb", Price: 4.50, ImagePath: "images/Comb.jpg"})
	if !updated {
		t.Errorf("expected price change to update")
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Replaced records keep their position.
	if records[0].Title != "Comb" || records[0].Price != 4.50 {
		t.Errorf("expected Comb at 4.50 first, got %+v", records[0])
	}
	if records[1].Title != "Toothbrush" {
		t.Errorf("expected Toothbrush second, got %+v", records[1])
	}
}

func TestUpsert_TitleIsCaseSensitive(t *testing.T) {
	records, _ := Upsert(nil, ProductRecord{Title: "comb", Price: 1})
	records, updated := Upsert(records, ProductRecord{Title: "Comb", Price: 1})
	if !updated || len(records) != 2 {
		t.Errorf("expected distinct titles by case, got %d records", len(records))
	}
}

func TestProductRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rec     ProductRecord
		wantErr bool
	}{
		{"valid", ProductRecord{Title: "Comb", Price: 4.99}, false},
		{"zero price", ProductRecord{Title: "Free sample", Price: 0}, false},
		{"empty title", ProductRecord{Price: 1}, true},
		{"negative price", ProductRecord{Title: "Comb", Price: -1}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rec.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "products.json")

	if err := WriteFileAtomic(path, []byte("[]"), 0o644); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`[{"a":1}]`), 0o644); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != `[{"a":1}]` {
		t.Errorf("unexpected content %q", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "products.json")
	if err := WriteFileAtomic(path, []byte("[]"), 0o644); err == nil {
		t.Fatalf("expected error writing into a missing directory")
	}
}

func TestPersistErr(t *testing.T) {
	cause := os.ErrPermission
	err := PersistErr("save", cause)
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence in chain")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected cause in chain")
	}
}
