package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresEventStore keeps processed gateway events in the gateway_events
// table so every replica shares one dedup record.
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

// NewPostgresEventStore creates a store on db. The schema comes from migrations.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Claim inserts a processing row, or takes over an abandoned one. The single
// statement makes concurrent claims race on the primary key.
func (p *PostgresEventStore) Claim(ctx context.Context, eventID, eventType string, now time.Time, ttl time.Duration) (ClaimResult, error) {
	var claimed string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO gateway_events (event_id, event_type, state, claimed_at)
		VALUES ($1, $2, 'processing', $3)
		ON CONFLICT (event_id) DO UPDATE
			SET claimed_at = EXCLUDED.claimed_at
			WHERE gateway_events.state = 'processing'
			  AND gateway_events.claimed_at <= $4
		RETURNING event_id
	`, eventID, eventType, now, now.Add(-ttl)).Scan(&claimed)
	if err == nil {
		return ClaimAcquired, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("claim gateway event: %w", err)
	}

	var state string
	err = p.db.QueryRowContext(ctx,
		`SELECT state FROM gateway_events WHERE event_id = $1`, eventID,
	).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Released between the two statements; let the gateway redeliver.
		return ClaimInProgress, nil
	case err != nil:
		return 0, fmt.Errorf("read gateway event: %w", err)
	case state == "done":
		return ClaimDuplicate, nil
	default:
		return ClaimInProgress, nil
	}
}

func (p *PostgresEventStore) Complete(ctx context.Context, eventID string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE gateway_events SET state = 'done', completed_at = $2
		WHERE event_id = $1
	`, eventID, now)
	return err
}

func (p *PostgresEventStore) Release(ctx context.Context, eventID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM gateway_events WHERE event_id = $1 AND state = 'processing'`, eventID)
	return err
}

// PruneCompleted deletes done events older than before and returns how many
// were removed. Gateways stop redelivering after a few days.
func (p *PostgresEventStore) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM gateway_events WHERE state = 'done' AND completed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
