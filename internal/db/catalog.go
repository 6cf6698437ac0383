package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/susu3304/warikan/internal/order"
)

// Item resolves a catalog id to its authoritative entry. Unknown or
// unavailable items yield (nil, nil).
func (db *DB) Item(ctx context.Context, productID string) (*order.MenuItem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, price FROM menu_items WHERE id = $1 AND available`, productID)
	var item order.MenuItem
	if err := row.Scan(&item.ID, &item.Name, &item.Price); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// Menu returns all available catalog items.
func (db *DB) Menu(ctx context.Context) ([]order.MenuItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, price FROM menu_items WHERE available ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []order.MenuItem
	for rows.Next() {
		var item order.MenuItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Price); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// UpsertMenuItem adds or updates a catalog entry.
func (db *DB) UpsertMenuItem(ctx context.Context, item order.MenuItem, available bool) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO menu_items (id, name, price, available)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, available = EXCLUDED.available`,
		item.ID, item.Name, item.Price, available,
	)
	return err
}
