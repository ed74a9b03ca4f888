package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/safehold/internal/pagination"
)

// PostgresStore persists escrow records in PostgreSQL. Updates are guarded by
// the version column; a stale writer gets ErrConcurrentModification.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer_id, seller_id, amount, currency, description,
		       payment_provider, payment_reference, transfer_reference, status,
		       seller_notified_at, locked_at, acknowledged_at, completed_at, confirmed_at,
		       authorized_at, released_at, resolved_at, dispute_opened_at, cancelled_at,
		       release_trigger, dispute_reason, completion_note, cancel_reason,
		       settlement_kind, settlement_state, settlement_attempt_key, settlement_attempts,
		       settlement_reference, settlement_last_error, settlement_last_attempt_at,
		       settlement_unresolved, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	s := settlementColumns(tx.Settlement)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, buyer_id, seller_id, amount, currency, description,
			payment_provider, payment_reference, transfer_reference, status,
			seller_notified_at, locked_at, acknowledged_at, completed_at, confirmed_at,
			authorized_at, released_at, resolved_at, dispute_opened_at, cancelled_at,
			release_trigger, dispute_reason, completion_note, cancel_reason,
			settlement_kind, settlement_state, settlement_attempt_key, settlement_attempts,
			settlement_reference, settlement_last_error, settlement_last_attempt_at,
			settlement_unresolved, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, $23, $24,
			$25, $26, $27, $28,
			$29, $30, $31,
			$32, 1, $33, $34
		)`,
		tx.ID, tx.BuyerID, tx.SellerID, tx.Amount, tx.Currency, nullString(tx.Description),
		nullString(tx.PaymentProvider), nullString(tx.PaymentReference), nullString(tx.TransferReference), string(tx.Status),
		nullTime(tx.SellerNotifiedAt), nullTime(tx.LockedAt), nullTime(tx.AcknowledgedAt), nullTime(tx.CompletedAt), nullTime(tx.ConfirmedAt),
		nullTime(tx.AuthorizedAt), nullTime(tx.ReleasedAt), nullTime(tx.ResolvedAt), nullTime(tx.DisputeOpenedAt), nullTime(tx.CancelledAt),
		nullString(string(tx.ReleaseTrigger)), nullString(tx.DisputeReason), nullString(tx.CompletionNote), nullString(tx.CancelReason),
		s.kind, s.state, s.attemptKey, s.attempts,
		s.reference, s.lastError, s.lastAttemptAt,
		s.unresolved, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if isPaymentRefConflict(err) {
			return ErrPaymentReferenceInUse
		}
		return fmt.Errorf("insert escrow %s: %w", tx.ID, err)
	}
	tx.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id)

	tx, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return tx, err
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	s := settlementColumns(tx.Settlement)
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			payment_reference = $1, transfer_reference = $2, status = $3,
			seller_notified_at = $4, locked_at = $5, acknowledged_at = $6, completed_at = $7, confirmed_at = $8,
			authorized_at = $9, released_at = $10, resolved_at = $11, dispute_opened_at = $12, cancelled_at = $13,
			release_trigger = $14, dispute_reason = $15, completion_note = $16, cancel_reason = $17,
			settlement_kind = $18, settlement_state = $19, settlement_attempt_key = $20, settlement_attempts = $21,
			settlement_reference = $22, settlement_last_error = $23, settlement_last_attempt_at = $24,
			settlement_unresolved = $25, updated_at = $26, version = version + 1
		WHERE id = $27 AND version = $28`,
		nullString(tx.PaymentReference), nullString(tx.TransferReference), string(tx.Status),
		nullTime(tx.SellerNotifiedAt), nullTime(tx.LockedAt), nullTime(tx.AcknowledgedAt), nullTime(tx.CompletedAt), nullTime(tx.ConfirmedAt),
		nullTime(tx.AuthorizedAt), nullTime(tx.ReleasedAt), nullTime(tx.ResolvedAt), nullTime(tx.DisputeOpenedAt), nullTime(tx.CancelledAt),
		nullString(string(tx.ReleaseTrigger)), nullString(tx.DisputeReason), nullString(tx.CompletionNote), nullString(tx.CancelReason),
		s.kind, s.state, s.attemptKey, s.attempts,
		s.reference, s.lastError, s.lastAttemptAt,
		s.unresolved, tx.UpdatedAt,
		tx.ID, tx.Version,
	)
	if err != nil {
		if isPaymentRefConflict(err) {
			return ErrPaymentReferenceInUse
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrConcurrentModification
	}
	tx.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrow_transactions
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrow_transactions
			WHERE (buyer_id = $1 OR seller_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, inactiveSince time.Time, limit int) ([]*Transaction, error) {
	// GREATEST ignores NULLs, so unreached checkpoints drop out.
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE status IN ('service_in_progress', 'delivery_confirmed')
		  AND dispute_opened_at IS NULL
		  AND GREATEST(created_at, locked_at, acknowledged_at, completed_at, confirmed_at) < $1
		ORDER BY created_at
		LIMIT $2`, inactiveSince, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, maxAttempts, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE status IN ('released', 'refunded')
		  AND settlement_state IN ('pending', 'failed')
		  AND ($1 <= 0 OR COALESCE(settlement_attempts, 0) < $1)
		ORDER BY settlement_last_attempt_at NULLS FIRST, created_at
		LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE status IN ('initiated', 'payment_pending')
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		description, provider, paymentRef, transferRef sql.NullString
		releaseTrigger, disputeRsn, note, cancelRsn    sql.NullString
		status                                         string

		sellerNotifiedAt, lockedAt, acknowledgedAt, completedAt, confirmedAt sql.NullTime
		authorizedAt, releasedAt, resolvedAt, disputeOpenedAt, cancelledAt  sql.NullTime

		sKind, sState, sKey, sRef, sErr sql.NullString
		sAttempts                       sql.NullInt64
		sLastAttempt                    sql.NullTime
		sUnresolved                     bool
	)

	err := sc.Scan(
		&tx.ID, &tx.BuyerID, &tx.SellerID, &tx.Amount, &tx.Currency, &description,
		&provider, &paymentRef, &transferRef, &status,
		&sellerNotifiedAt, &lockedAt, &acknowledgedAt, &completedAt, &confirmedAt,
		&authorizedAt, &releasedAt, &resolvedAt, &disputeOpenedAt, &cancelledAt,
		&releaseTrigger, &disputeRsn, &note, &cancelRsn,
		&sKind, &sState, &sKey, &sAttempts,
		&sRef, &sErr, &sLastAttempt,
		&sUnresolved, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	tx.Description = description.String
	tx.PaymentProvider = provider.String
	tx.PaymentReference = paymentRef.String
	tx.TransferReference = transferRef.String
	tx.ReleaseTrigger = ReleaseTrigger(releaseTrigger.String)
	tx.DisputeReason = disputeRsn.String
	tx.CompletionNote = note.String
	tx.CancelReason = cancelRsn.String

	tx.SellerNotifiedAt = timePtr(sellerNotifiedAt)
	tx.LockedAt = timePtr(lockedAt)
	tx.AcknowledgedAt = timePtr(acknowledgedAt)
	tx.CompletedAt = timePtr(completedAt)
	tx.ConfirmedAt = timePtr(confirmedAt)
	tx.AuthorizedAt = timePtr(authorizedAt)
	tx.ReleasedAt = timePtr(releasedAt)
	tx.ResolvedAt = timePtr(resolvedAt)
	tx.DisputeOpenedAt = timePtr(disputeOpenedAt)
	tx.CancelledAt = timePtr(cancelledAt)

	if sKind.Valid {
		tx.Settlement = &Settlement{
			Kind:          SettlementKind(sKind.String),
			State:         SettlementState(sState.String),
			AttemptKey:    sKey.String,
			Attempts:      int(sAttempts.Int64),
			Reference:     sRef.String,
			LastError:     sErr.String,
			LastAttemptAt: timePtr(sLastAttempt),
			Unresolved:    sUnresolved,
		}
	}

	return tx, nil
}

func scanEscrows(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

type settlementCols struct {
	kind, state, attemptKey, reference, lastError sql.NullString
	attempts                                      sql.NullInt64
	lastAttemptAt                                 sql.NullTime
	unresolved                                    bool
}

func settlementColumns(s *Settlement) settlementCols {
	if s == nil {
		return settlementCols{}
	}
	return settlementCols{
		kind:          nullString(string(s.Kind)),
		state:         nullString(string(s.State)),
		attemptKey:    nullString(s.AttemptKey),
		reference:     nullString(s.Reference),
		lastError:     nullString(s.LastError),
		attempts:      sql.NullInt64{Int64: int64(s.Attempts), Valid: true},
		lastAttemptAt: nullTime(s.LastAttemptAt),
		unresolved:    s.Unresolved,
	}
}

// isPaymentRefConflict reports a unique violation on idx_escrow_tx_payment_ref.
func isPaymentRefConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_escrow_tx_payment_ref"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
