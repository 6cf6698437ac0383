package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/susu3304/warikan/internal/order"
)

// Profile resolves a registered diner id. Unknown ids yield (nil, nil);
// presence falls back to a placeholder for those.
func (db *DB) Profile(ctx context.Context, userID string) (*order.Profile, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, avatar FROM diners WHERE id = $1`, userID)
	var p order.Profile
	if err := row.Scan(&p.ID, &p.Name, &p.Avatar); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// UpsertProfile records a registered diner, refreshing display data on
// every login.
func (db *DB) UpsertProfile(ctx context.Context, p order.Profile) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO diners (id, name, avatar)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, avatar = EXCLUDED.avatar`,
		p.ID, p.Name, p.Avatar,
	)
	return err
}
