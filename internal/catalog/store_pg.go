package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/labdesk-api/internal/db"
)

// PGStore reads the lab_tests table.
type PGStore struct {
	Pool *pgxpool.Pool
}

// Tests implements Lookup.
func (s PGStore) Tests(ctx context.Context, ids []uuid.UUID) ([]Test, error) {
	if len(ids) == 0 {
		return []Test{}, nil
	}
	const q = `SELECT id, code, name, price::text, active FROM lab_tests WHERE id = ANY($1)`
	rows, err := db.Conn(ctx, s.Pool).Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("query lab tests: %w", err)
	}
	defer rows.Close()

	found := make(map[uuid.UUID]Test, len(ids))
	for rows.Next() {
		var (
			t     Test
			price string
		)
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &price, &t.Active); err != nil {
			return nil, fmt.Errorf("scan lab test: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("lab test %s price: %w", t.ID, err)
		}
		found[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lab tests: %w", err)
	}
	return order(ids, found)
}

// Upsert inserts or updates a test keyed by code and returns its ID.
func (s PGStore) Upsert(ctx context.Context, t Test) (uuid.UUID, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	const q = `INSERT INTO lab_tests (id, code, name, price, active)
VALUES ($1, $2, $3, $4::numeric, $5)
ON CONFLICT (code) DO UPDATE
SET name = EXCLUDED.name, price = EXCLUDED.price, active = EXCLUDED.active, updated_at = NOW()
RETURNING id`
	var id uuid.UUID
	if err := db.Conn(ctx, s.Pool).QueryRow(ctx, q, t.ID, t.Code, t.Name, t.Price.String(), t.Active).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("upsert lab test %s: %w", t.Code, err)
	}
	return id, nil
}
