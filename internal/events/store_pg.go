package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/labdesk-api/internal/db"
)

// PGStore stores events in the domain_events table. Inserts join the
// transaction on ctx, if any.
type PGStore struct {
	Pool *pgxpool.Pool
}

// Insert writes ev and returns the stored row.
func (s PGStore) Insert(ctx context.Context, ev Event) (Event, error) {
	const q = `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING occurred_at`
	row := db.Conn(ctx, s.Pool).QueryRow(ctx, q, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt)
	if err := row.Scan(&ev.OccurredAt); err != nil {
		return Event{}, fmt.Errorf("insert domain event: %w", err)
	}
	return ev, nil
}
