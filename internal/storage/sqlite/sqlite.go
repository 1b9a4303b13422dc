package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/FranksOps/pricewatch/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteBackend implements storage.Store
var _ storage.Store = (*sqliteBackend)(nil)

type sqliteBackend struct {
	mu sync.Mutex
	db *sql.DB
}

// seq preserves insertion order; title is the business key.
const schema = `
CREATE TABLE IF NOT EXISTS products (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL UNIQUE,
	price REAL NOT NULL,
	image_path TEXT NOT NULL
);
`

// New creates a new SQLite-backed storage.Store.
func New(dsn string) (storage.Store, error) {
	if dir := fileDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storage.PersistErr("create store directory", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.PersistErr("open sqlite", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, storage.PersistErr("create schema", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Upsert(ctx context.Context, rec storage.ProductRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storage.PersistErr("begin upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current float64
	err = tx.QueryRowContext(ctx, `SELECT price FROM products WHERE title = ?`, rec.Title).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO products (title, price, image_path) VALUES (?, ?, ?)`,
			rec.Title, rec.Price, rec.ImagePath)
		if err != nil {
			return false, storage.PersistErr("insert product", err)
		}
	case err != nil:
		return false, storage.PersistErr("lookup product", err)
	case current == rec.Price:
		return false, nil
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE products SET price = ?, image_path = ? WHERE title = ?`,
			rec.Price, rec.ImagePath, rec.Title)
		if err != nil {
			return false, storage.PersistErr("update product", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, storage.PersistErr("commit upsert", err)
	}
	return true, nil
}

func (b *sqliteBackend) List(ctx context.Context) ([]storage.ProductRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT title, price, image_path FROM products ORDER BY seq`)
	if err != nil {
		return nil, storage.PersistErr("list products", err)
	}
	defer rows.Close()

	records := []storage.ProductRecord{}
	for rows.Next() {
		var r storage.ProductRecord
		if err := rows.Scan(&r.Title, &r.Price, &r.ImagePath); err != nil {
			return nil, storage.PersistErr("scan product", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storage.PersistErr("list products", fmt.Errorf("rows: %w", err))
	}

	return records, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

// fileDir returns the parent directory of a plain file DSN, or "" for
// in-memory databases and file: URIs.
func fileDir(dsn string) string {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return ""
	}
	return dir
}
