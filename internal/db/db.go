package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// RunMigrations runs database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS order_lines (
			id UUID PRIMARY KEY,
			table_id TEXT NOT NULL,
			product_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'pending',
			owner_id TEXT NOT NULL,
			is_split BOOLEAN NOT NULL DEFAULT FALSE,
			split_parts INTEGER NOT NULL DEFAULT 1,
			original_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			split_requester TEXT NOT NULL DEFAULT '',
			split_participants TEXT[],
			split_master BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_order_lines_table ON order_lines(table_id);
		CREATE INDEX IF NOT EXISTS idx_order_lines_owner ON order_lines(table_id, owner_id);

		CREATE TABLE IF NOT EXISTS menu_items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			available BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS diners (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return err
	}

	// Starter menu so a fresh deployment has something to order.
	_, err = db.pool.Exec(ctx, `
		INSERT INTO menu_items (id, name, price) VALUES
			('vinho', 'Vinho', 100),
			('pizza-margherita', 'Pizza Margherita', 80),
			('moqueca', 'Moqueca', 55.5),
			('agua', 'Água', 6)
		ON CONFLICT (id) DO NOTHING
	`)
	return err
}
