package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists entries in PostgreSQL. The full entry lives in a
// JSONB body; the columns beside it are projections used for filtering and
// reporting and are rewritten on every update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

// projection holds the column values derived from an entry.
type projection struct {
	payoutStatus, payoutRef, refundStatus, refundRef sql.NullString
	payoutAmount                                     decimal.NullDecimal
	autoReleaseAt                                    sql.NullTime
	body                                             []byte
}

func project(e *Entry) (projection, error) {
	var p projection
	body, err := json.Marshal(e)
	if err != nil {
		return p, fmt.Errorf("marshal entry: %w", err)
	}
	p.body = body
	if e.Payout != nil {
		p.payoutStatus = nullString(string(e.Payout.Status))
		p.payoutRef = nullString(e.Payout.TransactionRef)
		p.payoutAmount = decimal.NullDecimal{Decimal: e.Payout.Amount, Valid: true}
	}
	if e.Refund != nil {
		p.refundStatus = nullString(string(e.Refund.Status))
		p.refundRef = nullString(e.Refund.TransactionRef)
	}
	p.autoReleaseAt = nullTime(e.AutoRelease.ScheduledAt)
	return p, nil
}

func (p *PostgresStore) Create(ctx context.Context, e *Entry) error {
	e.Version = 1
	pr, err := project(e)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_entries (
			id, rental_id, payer_id, payee_id, amount, currency, status,
			dispute_open, renter_confirmed, owner_confirmed,
			auto_release_enabled, auto_release_at, capture_ref,
			payout_status, payout_ref, payout_amount, refund_status, refund_ref,
			version, body, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		e.ID, e.RentalID, e.PayerID, e.PayeeID, e.Amount, e.Currency, string(e.Status),
		e.DisputeOpen(), e.Confirmations.RenterConfirmed, e.Confirmations.OwnerConfirmed,
		e.AutoRelease.Enabled, pr.autoReleaseAt, nullString(e.CaptureRef),
		pr.payoutStatus, pr.payoutRef, pr.payoutAmount, pr.refundStatus, pr.refundRef,
		e.Version, pr.body, e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateEntry
	}
	return err
}

const entryColumns = `body, version, rental_synced_status`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	return p.getOne(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE id = $1`, id)
}

func (p *PostgresStore) GetByRental(ctx context.Context, rentalID string) (*Entry, error) {
	return p.getOne(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE rental_id = $1`, rentalID)
}

func (p *PostgresStore) GetByGatewayRef(ctx context.Context, ref string) (*Entry, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return p.getOne(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries
		WHERE capture_ref = $1 OR payout_ref = $1 OR refund_ref = $1
		LIMIT 1`, ref)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg any) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Entry, expectedVersion int64) error {
	next := *e
	next.Version = expectedVersion + 1
	pr, err := project(&next)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_entries SET
			status = $1, dispute_open = $2, renter_confirmed = $3, owner_confirmed = $4,
			auto_release_enabled = $5, auto_release_at = $6, capture_ref = $7,
			payout_status = $8, payout_ref = $9, payout_amount = $10,
			refund_status = $11, refund_ref = $12,
			body = $13, updated_at = $14, version = version + 1
		WHERE id = $15 AND version = $16`,
		string(e.Status), e.DisputeOpen(), e.Confirmations.RenterConfirmed, e.Confirmations.OwnerConfirmed,
		e.AutoRelease.Enabled, pr.autoReleaseAt, nullString(e.CaptureRef),
		pr.payoutStatus, pr.payoutRef, pr.payoutAmount,
		pr.refundStatus, pr.refundRef,
		pr.body, e.UpdatedAt,
		e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_entries WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	e.Version = next.Version
	return nil
}

func (p *PostgresStore) MarkRentalSynced(ctx context.Context, id string, status Status) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE escrow_entries SET rental_synced_status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error) {
	o := applyListOpts(opts)
	if o.cursor != nil {
		return p.list(ctx, `
			SELECT `+entryColumns+` FROM escrow_entries
			WHERE (payer_id = $1 OR payee_id = $1)
			  AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, partyID, limit, o.cursor.CreatedAt, o.cursor.ID)
	}
	return p.list(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, partyID, limit)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	return p.list(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries
		WHERE status = 'held'
		  AND dispute_open = FALSE
		  AND auto_release_enabled = TRUE
		  AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListPendingRelease(ctx context.Context, limit int) ([]*Entry, error) {
	return p.list(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries
		WHERE status = 'held'
		  AND dispute_open = FALSE
		  AND renter_confirmed = TRUE
		  AND owner_confirmed = TRUE
		ORDER BY created_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListUnsynced(ctx context.Context, limit int) ([]*Entry, error) {
	return p.list(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries
		WHERE rental_synced_status IS DISTINCT FROM status
		ORDER BY updated_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListLegs(ctx context.Context, status LegStatus, limit int) ([]LegRef, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind FROM (
			SELECT id, 'payout' AS kind, updated_at FROM escrow_entries WHERE payout_status = $1
			UNION ALL
			SELECT id, 'refund' AS kind, updated_at FROM escrow_entries WHERE refund_status = $1
		) legs
		ORDER BY updated_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []LegRef
	for rows.Next() {
		var ref LegRef
		var kind string
		if err := rows.Scan(&ref.EntryID, &kind); err != nil {
			return nil, err
		}
		ref.Kind = LegKind(kind)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (p *PostgresStore) SumHeld(ctx context.Context, currency string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_entries
		WHERE status = 'held' AND currency = $1`, currency).Scan(&total)
	return total, err
}

func (p *PostgresStore) ListHeldCurrencies(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT currency FROM escrow_entries WHERE status = 'held' ORDER BY currency`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) OwnerEarnings(ctx context.Context, payeeID string) ([]Earnings, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT currency, COALESCE(SUM(payout_amount), 0), COUNT(*)
		FROM escrow_entries
		WHERE payee_id = $1
		  AND payout_amount IS NOT NULL
		  AND status IN ('released', 'refunded')
		GROUP BY currency
		ORDER BY currency`, payeeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []Earnings{}
	for rows.Next() {
		var e Earnings
		if err := rows.Scan(&e.Currency, &e.Amount, &e.Entries); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM escrow_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) CountByOutcome(ctx context.Context) (map[Outcome]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT body->'dispute'->>'outcome', COUNT(*) FROM escrow_entries
		WHERE body->'dispute'->>'outcome' IS NOT NULL
		GROUP BY 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		body    []byte
		version int64
		synced  sql.NullString
	)
	if err := s.Scan(&body, &version, &synced); err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := json.Unmarshal(body, e); err != nil {
		return nil, fmt.Errorf("decode entry body: %w", err)
	}
	e.Version = version
	e.RentalSyncedStatus = Status(synced.String)
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
