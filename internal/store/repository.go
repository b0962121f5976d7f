/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the verification-service. By
 * defining an interface, we decouple the pipeline's business logic from the
 * specific database implementation (e.g., PostgreSQL), making the code more
 * modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesoswap/verification-service/internal/domain"
)

// TerminalParams carries everything written when a request reaches a final
// state. Fields not relevant to the outcome stay nil.
type TerminalParams struct {
	State           domain.RequestState
	FailureReason   *domain.FailureReason
	MismatchDetail  *string
	AuthorityAmount *decimal.Decimal
	Document        []byte
}

// Repository defines the set of methods for interacting with the database.
//
// Every per-request mutation after a claim takes the worker's lease token and
// affects zero rows when the lease has been recovered by another instance;
// implementations surface that as ErrLeaseLost so the worker discards its
// in-flight work.
type Repository interface {
	// Intake
	CreateValidationRequest(ctx context.Context, req *domain.ValidationRequest) error
	FindValidationRequestByID(ctx context.Context, id uuid.UUID) (*domain.ValidationRequest, error)
	FindActiveByOrderAndReceipt(ctx context.Context, orderNo, receiptImageRef string) (*domain.ValidationRequest, error)
	FindLatestByOrderAndReceipt(ctx context.Context, orderNo, receiptImageRef string) (*domain.ValidationRequest, error)

	// Dispatch. ClaimDueValidationRequests leases up to `limit` due queued
	// requests under `leaseToken`, skipping any request whose order still has
	// an earlier unfinished request.
	ClaimDueValidationRequests(ctx context.Context, leaseToken uuid.UUID, limit int, leaseSeconds int) ([]domain.ValidationRequest, error)

	// Per-step progress, all lease-guarded.
	AdvanceState(ctx context.Context, id uuid.UUID, lease uuid.UUID, state domain.RequestState) error
	SaveExtraction(ctx context.Context, id uuid.UUID, lease uuid.UUID, receipt domain.ExtractedReceipt) error
	SaveBankResolution(ctx context.Context, id uuid.UUID, lease uuid.UUID, senderBankCode string) error
	BeginAuthorityAttempt(ctx context.Context, id uuid.UUID, lease uuid.UUID) (attemptCount int, err error)
	RescheduleValidationRequest(ctx context.Context, id uuid.UUID, lease uuid.UUID, notBefore time.Time) error
	RescheduleImageFetch(ctx context.Context, id uuid.UUID, lease uuid.UUID, notBefore time.Time) (fetchAttemptCount int, err error)
	MarkValidationTerminal(ctx context.Context, id uuid.UUID, lease uuid.UUID, params TerminalParams) error

	// Cancellation. CancelQueuedValidationRequest finalizes an unleased queued
	// request directly; FlagCancellation records the flag for an in-flight one.
	CancelQueuedValidationRequest(ctx context.Context, id uuid.UUID) (bool, error)
	FlagCancellation(ctx context.Context, id uuid.UUID) (bool, error)

	// Maintenance jobs.
	RecoverExpiredLeases(ctx context.Context) (int64, error)
	FailOverdueRequests(ctx context.Context) ([]domain.ValidationRequest, error)
	PurgeAuthorityDocuments(ctx context.Context, olderThan time.Duration) (int64, error)

	// Fraud review.
	ListMismatchedRequests(ctx context.Context, limit, offset int) ([]domain.ValidationRequest, error)
}
