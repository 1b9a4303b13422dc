package postgres

import (
	"context"
	"errors"
	"sync"

	"github.com/FranksOps/pricewatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Store
var _ storage.Store = (*postgresBackend)(nil)

type postgresBackend struct {
	mu   sync.Mutex
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS products (
	seq BIGSERIAL,
	title TEXT PRIMARY KEY,
	price DOUBLE PRECISION NOT NULL,
	image_path TEXT NOT NULL
);
`

// The conditional DO UPDATE returns no row when the stored price is
// identical, which is how an unchanged upsert is detected.
const upsertQuery = `
INSERT INTO products (title, price, image_path)
VALUES ($1, $2, $3)
ON CONFLICT (title) DO UPDATE
	SET price = EXCLUDED.price, image_path = EXCLUDED.image_path
	WHERE products.price IS DISTINCT FROM EXCLUDED.price
RETURNING title
`

// New creates a new Postgres-backed storage.Store.
func New(ctx context.Context, dsn string) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storage.PersistErr("open postgres", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.PersistErr("ping postgres", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, storage.PersistErr("create schema", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Upsert(ctx context.Context, rec storage.ProductRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var title string
	err := b.pool.QueryRow(ctx, upsertQuery, rec.Title, rec.Price, rec.ImagePath).Scan(&title)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storage.PersistErr("upsert product", err)
	}
	return true, nil
}

func (b *postgresBackend) List(ctx context.Context) ([]storage.ProductRecord, error) {
	rows, err := b.pool.Query(ctx, `SELECT title, price, image_path FROM products ORDER BY seq`)
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
		return nil, storage.PersistErr("list products", err)
	}

	return records, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
