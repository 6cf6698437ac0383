package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/susu3304/warikan/internal/order"
)

const orderColumns = `id, table_id, product_id, name, price, quantity, status, owner_id,
	is_split, split_parts, original_price, split_requester, split_participants, split_master,
	metadata, created_at`

// Insert persists a new order line, assigning an id when missing.
func (db *DB) Insert(ctx context.Context, line *order.Line) (*order.Line, error) {
	c := line.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = order.StatusPending
	}

	isSplit := c.IsSplit()
	parts, originalPrice, requester, master := 1, 0.0, "", false
	var participants []string
	if c.Split != nil {
		parts = c.Split.Parts
		originalPrice = c.Split.OriginalPrice
		requester = c.Split.RequesterID
		participants = c.Split.Participants
		master = c.Split.Master
	}
	meta, err := json.Marshal(metadataOrEmpty(c.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO order_lines (id, table_id, product_id, name, price, quantity, status, owner_id,
			is_split, split_parts, original_price, split_requester, split_participants, split_master,
			metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.TableID, c.ProductID, c.Name, c.Price, c.Quantity, string(c.Status), c.OwnerID,
		isSplit, parts, originalPrice, requester, participants, master,
		meta, c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Update applies a partial update. A missing or rejected row yields
// (nil, nil) so callers can branch without unwrapping errors.
func (db *DB) Update(ctx context.Context, id string, patch order.Patch) (*order.Line, error) {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 10)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Name != nil {
		sets = append(sets, "name = "+arg(*patch.Name))
	}
	if patch.Price != nil {
		sets = append(sets, "price = "+arg(*patch.Price))
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.OwnerID != nil {
		sets = append(sets, "owner_id = "+arg(*patch.OwnerID))
	}
	if patch.ClearSplit {
		sets = append(sets,
			"is_split = FALSE", "split_parts = 1", "original_price = 0",
			"split_requester = ''", "split_participants = NULL", "split_master = FALSE")
	} else if patch.Split != nil {
		d := patch.Split
		sets = append(sets, "is_split = TRUE")
		sets = append(sets, "split_parts = "+arg(d.Parts))
		sets = append(sets, "original_price = "+arg(d.OriginalPrice))
		sets = append(sets, "split_requester = "+arg(d.RequesterID))
		sets = append(sets, "split_participants = "+arg(d.Participants))
		sets = append(sets, "split_master = "+arg(d.Master))
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("empty patch for %s", id)
	}

	query := "UPDATE order_lines SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = " + arg(id) + " RETURNING " + orderColumns

	row := db.pool.QueryRow(ctx, query, args...)
	line, err := scanLine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return line, nil
}

// Delete removes a line, reporting whether anything was removed.
func (db *DB) Delete(ctx context.Context, id string) (bool, error) {
	ct, err := db.pool.Exec(ctx, `DELETE FROM order_lines WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// Query returns the table's lines narrowed by the filter, oldest first.
func (db *DB) Query(ctx context.Context, tableID string, f order.Filter) ([]*order.Line, error) {
	query := `SELECT ` + orderColumns + ` FROM order_lines WHERE table_id = $1`
	args := []any{tableID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.OwnerID != "" {
		query += " AND owner_id = " + arg(f.OwnerID)
	}
	if f.ProductID != "" {
		query += " AND product_id = " + arg(f.ProductID)
	}
	if f.RequesterID != "" {
		query += " AND split_requester = " + arg(f.RequesterID)
	}
	if f.ExcludeStatus != "" {
		query += " AND status <> " + arg(string(f.ExcludeStatus))
	}
	if f.OnlySplit {
		query += " AND is_split AND split_parts > 1"
	}
	query += " ORDER BY created_at, id"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*order.Line
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func scanLine(row pgx.Row) (*order.Line, error) {
	var l order.Line
	var status string
	var isSplit, master bool
	var parts int
	var originalPrice float64
	var requester string
	var participants []string
	var meta []byte
	if err := row.Scan(
		&l.ID, &l.TableID, &l.ProductID, &l.Name, &l.Price, &l.Quantity, &status, &l.OwnerID,
		&isSplit, &parts, &originalPrice, &requester, &participants, &master,
		&meta, &l.CreatedAt,
	); err != nil {
		return nil, err
	}
	l.Status = order.Status(status)
	if isSplit {
		l.Split = &order.SplitDescriptor{
			Parts:         parts,
			OriginalPrice: originalPrice,
			RequesterID:   requester,
			Participants:  participants,
			Master:        master,
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &l.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &l, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
