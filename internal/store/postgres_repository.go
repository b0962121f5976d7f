/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL for the validation_requests table:
 * intake, the lease-based claim used by the dispatcher, per-step progress
 * writes, cancellation, and the maintenance sweeps.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * The validation_requests table is managed by the platform's migration
 * tooling. Relevant shape: expected_amount/extracted_amount/authority_amount
 * are NUMERIC(14,2), authority_document is BYTEA, and a partial unique index
 * on (order_no, receipt_image_ref) WHERE state NOT IN
 * ('confirmed','mismatch','failed') backs duplicate-submission detection.
 */

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesoswap/verification-service/internal/domain"
)

var (
	ErrRequestNotFound  = errors.New("validation request not found")
	ErrDuplicateRequest = errors.New("an active validation request already exists for this receipt")
	// ErrLeaseLost means another instance recovered and reclaimed the request
	// while this worker held it. The worker must discard its in-flight result.
	ErrLeaseLost = errors.New("validation request lease lost")
)

const requestColumns = `id, order_no, expected_amount, expected_account, expected_sender_bank, expected_receiver_bank, window_start, window_end, receipt_image_ref, state, failure_reason, mismatch_detail, attempt_count, fetch_attempt_count, tracking_code, raw_bank_name, sender_bank_code, extracted_amount, extracted_date, account_suffix, ocr_confidence, authority_amount, authority_document, cancel_requested, not_before_at, deadline_at, lease_token, lease_expires_at, last_attempt_at, created_at, updated_at`

func prefixedRequestColumns(alias string) string {
	cols := strings.Split(requestColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanValidationRequest(row rowScanner) (*domain.ValidationRequest, error) {
	var req domain.ValidationRequest
	err := row.Scan(
		&req.ID,
		&req.OrderNo,
		&req.ExpectedAmount,
		&req.ExpectedAccount,
		&req.ExpectedSenderBank,
		&req.ExpectedReceiverBank,
		&req.WindowStart,
		&req.WindowEnd,
		&req.ReceiptImageRef,
		&req.State,
		&req.FailureReason,
		&req.MismatchDetail,
		&req.AttemptCount,
		&req.FetchAttemptCount,
		&req.TrackingCode,
		&req.RawBankName,
		&req.SenderBankCode,
		&req.ExtractedAmount,
		&req.ExtractedDate,
		&req.AccountSuffix,
		&req.OCRConfidence,
		&req.AuthorityAmount,
		&req.AuthorityDocument,
		&req.CancelRequested,
		&req.NotBeforeAt,
		&req.DeadlineAt,
		&req.LeaseToken,
		&req.LeaseExpiresAt,
		&req.LastAttemptAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// CreateValidationRequest inserts a new queued request. The caller sets ID,
// expected fields and deadline_at; timestamps come back from the database.
func (r *PostgresRepository) CreateValidationRequest(ctx context.Context, req *domain.ValidationRequest) error {
	query := `
		INSERT INTO validation_requests (
			id, order_no, expected_amount, expected_account, expected_sender_bank,
			expected_receiver_bank, window_start, window_end, receipt_image_ref,
			state, deadline_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		req.ID, req.OrderNo, req.ExpectedAmount, req.ExpectedAccount, req.ExpectedSenderBank,
		req.ExpectedReceiverBank, req.WindowStart, req.WindowEnd, req.ReceiptImageRef,
		req.State, req.DeadlineAt,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return err
	}
	return nil
}

// FindValidationRequestByID retrieves a single request by its ID.
func (r *PostgresRepository) FindValidationRequestByID(ctx context.Context, id uuid.UUID) (*domain.ValidationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM validation_requests WHERE id = $1`
	req, err := scanValidationRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// FindActiveByOrderAndReceipt retrieves the non-terminal request for a given
// order and receipt image, if any. Used for duplicate-submission detection.
func (r *PostgresRepository) FindActiveByOrderAndReceipt(ctx context.Context, orderNo, receiptImageRef string) (*domain.ValidationRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM validation_requests
		WHERE order_no = $1 AND receipt_image_ref = $2
		  AND state NOT IN ('confirmed', 'mismatch', 'failed')
		ORDER BY created_at DESC
		LIMIT 1
	`
	req, err := scanValidationRequest(r.db.QueryRow(ctx, query, orderNo, receiptImageRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// FindLatestByOrderAndReceipt retrieves the newest request for a given order
// and receipt image, terminal states included. Resubmissions of a finished
// pair are answered with the stored result.
func (r *PostgresRepository) FindLatestByOrderAndReceipt(ctx context.Context, orderNo, receiptImageRef string) (*domain.ValidationRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM validation_requests
		WHERE order_no = $1 AND receipt_image_ref = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	req, err := scanValidationRequest(r.db.QueryRow(ctx, query, orderNo, receiptImageRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ClaimDueValidationRequests leases up to `limit` due requests for this
// instance. A request is due when it is queued, its not_before_at backoff has
// elapsed, its lease is free or expired, and no earlier request for the same
// order is still unfinished. SKIP LOCKED keeps concurrent dispatchers from
// blocking each other.
func (r *PostgresRepository) ClaimDueValidationRequests(ctx context.Context, leaseToken uuid.UUID, limit int, leaseSeconds int) ([]domain.ValidationRequest, error) {
	query := `
		WITH due AS (
			SELECT vr.id
			FROM validation_requests vr
			WHERE vr.state = 'queued'
			  AND (vr.not_before_at IS NULL OR vr.not_before_at <= now())
			  AND (vr.lease_expires_at IS NULL OR vr.lease_expires_at < now())
			  AND NOT EXISTS (
				SELECT 1 FROM validation_requests prior
				WHERE prior.order_no = vr.order_no
				  AND prior.created_at < vr.created_at
				  AND prior.state NOT IN ('confirmed', 'mismatch', 'failed')
			  )
			ORDER BY vr.created_at
			LIMIT $2
			FOR UPDATE OF vr SKIP LOCKED
		)
		UPDATE validation_requests AS v SET
			lease_token = $1,
			lease_expires_at = now() + make_interval(secs => $3),
			updated_at = now()
		FROM due
		WHERE v.id = due.id
		RETURNING ` + prefixedRequestColumns("v")
	rows, err := r.db.Query(ctx, query, leaseToken, limit, leaseSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []domain.ValidationRequest
	for rows.Next() {
		req, err := scanValidationRequest(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *req)
	}
	return claimed, rows.Err()
}

// AdvanceState moves a leased request into a non-terminal working state.
func (r *PostgresRepository) AdvanceState(ctx context.Context, id uuid.UUID, lease uuid.UUID, state domain.RequestState) error {
	query := `
		UPDATE validation_requests
		SET state = $3, updated_at = now()
		WHERE id = $1 AND lease_token = $2
	`
	tag, err := r.db.Exec(ctx, query, id, lease, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SaveExtraction persists the fields recovered from the receipt image.
func (r *PostgresRepository) SaveExtraction(ctx context.Context, id uuid.UUID, lease uuid.UUID, receipt domain.ExtractedReceipt) error {
	query := `
		UPDATE validation_requests
		SET tracking_code = NULLIF($3, ''),
		    raw_bank_name = NULLIF($4, ''),
		    extracted_amount = $5,
		    extracted_date = $6,
		    account_suffix = NULLIF($7, ''),
		    ocr_confidence = $8,
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2
	`
	tag, err := r.db.Exec(ctx, query, id, lease,
		receipt.TrackingCode, receipt.RawBankName, receipt.Amount, receipt.TransferDate, receipt.AccountSuffix, receipt.OCRConfidence)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SaveBankResolution persists the resolved sender bank code.
func (r *PostgresRepository) SaveBankResolution(ctx context.Context, id uuid.UUID, lease uuid.UUID, senderBankCode string) error {
	query := `
		UPDATE validation_requests
		SET sender_bank_code = $3, updated_at = now()
		WHERE id = $1 AND lease_token = $2
	`
	tag, err := r.db.Exec(ctx, query, id, lease, senderBankCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// BeginAuthorityAttempt moves the request into validating and burns one
// authority attempt. Returns the new attempt count, which the retry policy
// checks against the attempt budget.
func (r *PostgresRepository) BeginAuthorityAttempt(ctx context.Context, id uuid.UUID, lease uuid.UUID) (int, error) {
	query := `
		UPDATE validation_requests
		SET state = 'validating',
		    attempt_count = attempt_count + 1,
		    last_attempt_at = now(),
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2
		RETURNING attempt_count
	`
	var attemptCount int
	err := r.db.QueryRow(ctx, query, id, lease).Scan(&attemptCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrLeaseLost
		}
		return 0, err
	}
	return attemptCount, nil
}

// RescheduleValidationRequest re-enqueues a leased request with a backoff.
// The attempt already burned stays burned.
func (r *PostgresRepository) RescheduleValidationRequest(ctx context.Context, id uuid.UUID, lease uuid.UUID, notBefore time.Time) error {
	query := `
		UPDATE validation_requests
		SET state = 'queued',
		    not_before_at = $3,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2
	`
	tag, err := r.db.Exec(ctx, query, id, lease, notBefore)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RescheduleImageFetch re-enqueues after a transient media failure. Fetch
// retries have their own counter so they never consume authority attempts.
func (r *PostgresRepository) RescheduleImageFetch(ctx context.Context, id uuid.UUID, lease uuid.UUID, notBefore time.Time) (int, error) {
	query := `
		UPDATE validation_requests
		SET state = 'queued',
		    fetch_attempt_count = fetch_attempt_count + 1,
		    not_before_at = $3,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2
		RETURNING fetch_attempt_count
	`
	var fetchAttempts int
	err := r.db.QueryRow(ctx, query, id, lease, notBefore).Scan(&fetchAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrLeaseLost
		}
		return 0, err
	}
	return fetchAttempts, nil
}

// MarkValidationTerminal writes the final state and outcome fields and
// releases the lease. Terminal states are never overwritten.
func (r *PostgresRepository) MarkValidationTerminal(ctx context.Context, id uuid.UUID, lease uuid.UUID, params TerminalParams) error {
	query := `
		UPDATE validation_requests
		SET state = $3,
		    failure_reason = $4,
		    mismatch_detail = $5,
		    authority_amount = $6,
		    authority_document = $7,
		    not_before_at = NULL,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND lease_token = $2
		  AND state NOT IN ('confirmed', 'mismatch', 'failed')
	`
	tag, err := r.db.Exec(ctx, query, id, lease,
		params.State, params.FailureReason, params.MismatchDetail, params.AuthorityAmount, params.Document)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CancelQueuedValidationRequest finalizes an unleased queued request as
// failed/cancelled. Returns false when the request is not in that state, in
// which case the caller falls back to FlagCancellation.
func (r *PostgresRepository) CancelQueuedValidationRequest(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE validation_requests
		SET state = 'failed',
		    failure_reason = 'cancelled',
		    cancel_requested = TRUE,
		    not_before_at = NULL,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND state = 'queued'
		  AND (lease_expires_at IS NULL OR lease_expires_at < now())
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FlagCancellation records a cancellation request against an in-flight
// request. The worker observes the flag at its next scheduling point.
func (r *PostgresRepository) FlagCancellation(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE validation_requests
		SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND state NOT IN ('confirmed', 'mismatch', 'failed')
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecoverExpiredLeases re-enqueues requests whose worker died mid-step.
func (r *PostgresRepository) RecoverExpiredLeases(ctx context.Context) (int64, error) {
	query := `
		UPDATE validation_requests
		SET state = 'queued',
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE state IN ('extracting', 'resolving', 'validating')
		  AND lease_expires_at < now()
	`
	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailOverdueRequests fails queued requests whose deadline has passed while
// they sat waiting for a retry slot. Returns the failed rows so the caller
// can publish their result events.
func (r *PostgresRepository) FailOverdueRequests(ctx context.Context) ([]domain.ValidationRequest, error) {
	query := `
		UPDATE validation_requests
		SET state = 'failed',
		    failure_reason = 'deadline',
		    not_before_at = NULL,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE state = 'queued'
		  AND deadline_at < now()
		  AND (lease_expires_at IS NULL OR lease_expires_at < now())
		RETURNING ` + requestColumns
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failed []domain.ValidationRequest
	for rows.Next() {
		req, err := scanValidationRequest(rows)
		if err != nil {
			return nil, err
		}
		failed = append(failed, *req)
	}
	return failed, rows.Err()
}

// PurgeAuthorityDocuments drops stored CEP documents past the retention
// window. The row itself stays for audit.
func (r *PostgresRepository) PurgeAuthorityDocuments(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE validation_requests
		SET authority_document = NULL, updated_at = now()
		WHERE state IN ('confirmed', 'mismatch', 'failed')
		  AND updated_at < now() - make_interval(secs => $1)
		  AND authority_document IS NOT NULL
	`
	tag, err := r.db.Exec(ctx, query, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListMismatchedRequests returns mismatched requests for fraud review, most
// recent first.
func (r *PostgresRepository) ListMismatchedRequests(ctx context.Context, limit, offset int) ([]domain.ValidationRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM validation_requests
		WHERE state = 'mismatch'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.ValidationRequest
	for rows.Next() {
		req, err := scanValidationRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}
