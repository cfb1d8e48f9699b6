package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed entry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, booking_id, payment_id, payer_id, payee_id, platform_account_id,
	       amount, platform_fee, net_amount, currency,
	       payment_intent_ref, transfer_ref, refund_ref,
	       status, release_mode, event_date, days_after_event, requires_confirmation, auto_release_at,
	       release_process, refund_process,
	       dispute_id, is_disputed, disputed_amount,
	       gateway_metadata, version,
	       created_at, updated_at, released_at, refunded_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, e *Entry) error {
	releaseJSON, refundJSON, err := processJSON(e)
	if err != nil {
		return err
	}

	e.Version = 1
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_entries (
			id, booking_id, payment_id, payer_id, payee_id, platform_account_id,
			amount, platform_fee, net_amount, currency,
			payment_intent_ref, transfer_ref, refund_ref,
			status, release_mode, event_date, days_after_event, requires_confirmation, auto_release_at,
			release_process, refund_process,
			dispute_id, is_disputed, disputed_amount,
			gateway_metadata, version,
			created_at, updated_at, released_at, refunded_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21,
			$22, $23, $24,
			$25, $26,
			$27, $28, $29, $30, $31
		)`,
		e.ID, e.BookingID, e.PaymentID, e.PayerID, e.PayeeID, nullString(e.PlatformAccountID),
		e.Amount, e.PlatformFee, e.NetAmount, e.Currency,
		e.PaymentIntentRef, nullString(e.TransferRef), nullString(e.RefundRef),
		string(e.Status), string(e.Release.Mode), nullTime(e.Release.EventDate),
		nullInt(e.Release.DaysAfterEvent), e.Release.RequiresConfirmation, nullTime(e.Release.AutoReleaseAt),
		releaseJSON, refundJSON,
		nullString(e.DisputeID), e.IsDisputed, e.DisputedAmount,
		metadataJSON(e), e.Version,
		e.CreatedAt, e.UpdatedAt, nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE id = $1`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByPaymentIntent(ctx context.Context, ref string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE payment_intent_ref = $1`, ref)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Update writes the entry conditioned on the version the caller read.
// A zero-row update against an existing entry means another writer got
// there first.
func (p *PostgresStore) Update(ctx context.Context, e *Entry) error {
	releaseJSON, refundJSON, err := processJSON(e)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_entries SET
			amount = $1, platform_fee = $2, net_amount = $3,
			transfer_ref = $4, refund_ref = $5,
			status = $6, release_mode = $7, event_date = $8, days_after_event = $9,
			requires_confirmation = $10, auto_release_at = $11,
			release_process = $12, refund_process = $13,
			dispute_id = $14, is_disputed = $15, disputed_amount = $16,
			gateway_metadata = $17, version = version + 1,
			updated_at = $18, released_at = $19, refunded_at = $20
		WHERE id = $21 AND version = $22`,
		e.Amount, e.PlatformFee, e.NetAmount,
		nullString(e.TransferRef), nullString(e.RefundRef),
		string(e.Status), string(e.Release.Mode), nullTime(e.Release.EventDate), nullInt(e.Release.DaysAfterEvent),
		e.Release.RequiresConfirmation, nullTime(e.Release.AutoReleaseAt),
		releaseJSON, refundJSON,
		nullString(e.DisputeID), e.IsDisputed, e.DisputedAmount,
		metadataJSON(e),
		e.UpdatedAt, nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing entry from a lost version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_entries WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	e.Version++
	return nil
}

func (p *PostgresStore) FindDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM escrow_entries
		WHERE status = 'held'
		  AND is_disputed = FALSE
		  AND release_mode IN ('automatic', 'event_based')
		  AND auto_release_at IS NOT NULL
		  AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM escrow_entries
		WHERE status IN ('pending', 'held')
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error) {
	o := applyListOpts(opts)

	query := `
		SELECT ` + entryColumns + `
		FROM escrow_entries
		WHERE (payer_id = $1 OR payee_id = $1)`
	args := []interface{}{partyID}

	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}

	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM escrow_entries
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		platformAccountID sql.NullString
		transferRef       sql.NullString
		refundRef         sql.NullString
		status            string
		mode              string
		eventDate         sql.NullTime
		daysAfterEvent    sql.NullInt64
		autoReleaseAt     sql.NullTime
		releaseJSON       []byte
		refundJSON        []byte
		disputeID         sql.NullString
		metadata          []byte
		releasedAt        sql.NullTime
		refundedAt        sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BookingID, &e.PaymentID, &e.PayerID, &e.PayeeID, &platformAccountID,
		&e.Amount, &e.PlatformFee, &e.NetAmount, &e.Currency,
		&e.PaymentIntentRef, &transferRef, &refundRef,
		&status, &mode, &eventDate, &daysAfterEvent, &e.Release.RequiresConfirmation, &autoReleaseAt,
		&releaseJSON, &refundJSON,
		&disputeID, &e.IsDisputed, &e.DisputedAmount,
		&metadata, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &releasedAt, &refundedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Release.Mode = ReleaseMode(mode)
	e.PlatformAccountID = platformAccountID.String
	e.TransferRef = transferRef.String
	e.RefundRef = refundRef.String
	e.DisputeID = disputeID.String
	if eventDate.Valid {
		e.Release.EventDate = &eventDate.Time
	}
	if daysAfterEvent.Valid {
		d := int(daysAfterEvent.Int64)
		e.Release.DaysAfterEvent = &d
	}
	if autoReleaseAt.Valid {
		e.Release.AutoReleaseAt = &autoReleaseAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if len(releaseJSON) > 0 {
		_ = json.Unmarshal(releaseJSON, &e.ReleaseProcess)
	}
	if len(refundJSON) > 0 {
		_ = json.Unmarshal(refundJSON, &e.RefundProcess)
	}
	if len(metadata) > 0 {
		e.GatewayMetadata = append([]byte(nil), metadata...)
	}

	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
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

func processJSON(e *Entry) (release, refund []byte, err error) {
	release = []byte("null")
	if e.ReleaseProcess != nil {
		if release, err = json.Marshal(e.ReleaseProcess); err != nil {
			return nil, nil, err
		}
	}
	refund = []byte("null")
	if e.RefundProcess != nil {
		if refund, err = json.Marshal(e.RefundProcess); err != nil {
			return nil, nil, err
		}
	}
	return release, refund, nil
}

func metadataJSON(e *Entry) []byte {
	if len(e.GatewayMetadata) == 0 {
		return []byte("null")
	}
	return e.GatewayMetadata
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt converts a *int to sql.NullInt64.
func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
