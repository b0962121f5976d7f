/**
 * @description
 * This file contains the core application service for the verification
 * pipeline's external surface: accepting new validation requests (from the
 * HTTP API and the AMQP intake), reading their status, handling cancellation,
 * assembling terminal results and publishing result events.
 *
 * The asynchronous processing itself lives in pipeline.go; this service only
 * ever touches durable state and the message broker.
 *
 * @dependencies
 * - internal/store: The data access layer.
 * - internal/domain: The service's domain models.
 * - pkg/rabbitmq: Publishes validation result events.
 * - internal/metrics: Prometheus counters.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesoswap/verification-service/internal/domain"
	"github.com/pesoswap/verification-service/internal/metrics"
	"github.com/pesoswap/verification-service/internal/store"
	"github.com/pesoswap/verification-service/pkg/rabbitmq"
)

var (
	ErrInvalidPayload  = errors.New("invalid validation request payload")
	ErrRequestNotFound = store.ErrRequestNotFound
)

// SubmissionGuard keeps two racing submissions of the same (order, receipt)
// pair from both reaching the insert. RedisSubmissionGuard implements it.
type SubmissionGuard interface {
	Claim(ctx context.Context, orderNo, receiptImageRef string) (bool, error)
	Release(ctx context.Context, orderNo, receiptImageRef string)
}

// Service exposes the synchronous operations of the verification-service.
type Service struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	guard    SubmissionGuard

	eventsExchange string
	deadline       time.Duration
}

// NewService creates a new application service.
func NewService(repo store.Repository, producer rabbitmq.Publisher, guard SubmissionGuard, eventsExchange string, deadline time.Duration) *Service {
	return &Service{
		repo:           repo,
		producer:       producer,
		guard:          guard,
		eventsExchange: eventsExchange,
		deadline:       deadline,
	}
}

// CreateValidation accepts a payment-proof submission and enqueues it for
// verification. Resubmitting the same (order, receipt image) pair returns
// the existing request unchanged, whether it is still active or already
// reached a terminal state.
func (s *Service) CreateValidation(ctx context.Context, payload domain.CreateValidationPayload) (*domain.ValidationRequest, error) {
	req, err := buildRequestFromPayload(payload, time.Now().UTC(), s.deadline)
	if err != nil {
		return nil, err
	}

	claimed := true
	if s.guard != nil {
		var guardErr error
		claimed, guardErr = s.guard.Claim(ctx, req.OrderNo, req.ReceiptImageRef)
		if guardErr != nil {
			// Redis trouble must not block intake; Postgres still enforces
			// uniqueness.
			log.Printf("level=warn component=service op=create_validation order_no=%s msg=\"submission guard unavailable\" err=%v", req.OrderNo, guardErr)
			claimed = true
		}
	}
	if !claimed {
		existing, findErr := s.repo.FindActiveByOrderAndReceipt(ctx, req.OrderNo, req.ReceiptImageRef)
		if findErr == nil {
			return existing, nil
		}
		// The claim key can outlive the request it guarded; a pair that
		// already finished is answered with its stored result.
		finished, findErr := s.repo.FindLatestByOrderAndReceipt(ctx, req.OrderNo, req.ReceiptImageRef)
		if findErr == nil {
			return finished, nil
		}
		// The other submission has not reached a durable row yet.
		return nil, fmt.Errorf("%w: submission already in progress for this receipt", ErrInvalidPayload)
	}

	if err := s.repo.CreateValidationRequest(ctx, req); err != nil {
		s.releaseGuard(ctx, req)
		if errors.Is(err, store.ErrDuplicateRequest) {
			existing, findErr := s.repo.FindActiveByOrderAndReceipt(ctx, req.OrderNo, req.ReceiptImageRef)
			if findErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	metrics.ValidationRequestsCreatedTotal.Inc()
	log.Printf("level=info component=service op=create_validation request_id=%s order_no=%s amount=%s", req.ID, req.OrderNo, req.ExpectedAmount.StringFixed(2))
	return req, nil
}

// GetValidation returns the current state of one request.
func (s *Service) GetValidation(ctx context.Context, id uuid.UUID) (*domain.ValidationRequest, error) {
	return s.repo.FindValidationRequestByID(ctx, id)
}

// CancelValidation asks the pipeline to abandon a request. A queued request
// is finalized immediately; an in-flight one is flagged and the worker
// observes the flag at its next step boundary. Cancelling a request that
// already finished is a no-op that returns the existing terminal row.
func (s *Service) CancelValidation(ctx context.Context, id uuid.UUID) (*domain.ValidationRequest, error) {
	req, err := s.repo.FindValidationRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State.Terminal() {
		return req, nil
	}

	cancelled, err := s.repo.CancelQueuedValidationRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cancelled {
		req, err = s.repo.FindValidationRequestByID(ctx, id)
		if err != nil {
			return nil, err
		}
		s.PublishResult(ctx, req)
		return req, nil
	}

	if _, err := s.repo.FlagCancellation(ctx, id); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service op=cancel_validation request_id=%s msg=\"cancellation flagged for in-flight request\"", id)
	return s.repo.FindValidationRequestByID(ctx, id)
}

// ListMismatches returns mismatched requests for the fraud-review surface.
func (s *Service) ListMismatches(ctx context.Context, limit, offset int) ([]domain.ValidationRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListMismatchedRequests(ctx, limit, offset)
}

// BuildResult assembles the terminal ValidationResult view of a request.
// Returns nil for a request that has not finished.
func BuildResult(req *domain.ValidationRequest) *domain.ValidationResult {
	if req == nil || !req.State.Terminal() {
		return nil
	}
	result := &domain.ValidationResult{
		RequestID:       req.ID,
		OrderNo:         req.OrderNo,
		AuthorityAmount: req.AuthorityAmount,
		AttemptCount:    req.AttemptCount,
		CompletedAt:     req.UpdatedAt,
	}
	switch req.State {
	case domain.StateConfirmed:
		result.Status = domain.ResultConfirmed
		result.MatchedDocument = req.AuthorityDocument
	case domain.StateMismatch:
		result.Status = domain.ResultMismatch
		result.MismatchDetail = req.MismatchDetail
	default:
		result.Status = domain.ResultFailed
		result.Reason = req.FailureReason
	}
	return result
}

// PublishResult emits the terminal result event for a finished request.
// Publish failures are logged, not surfaced: the durable row is the source
// of truth and collaborators can always poll it.
func (s *Service) PublishResult(ctx context.Context, req *domain.ValidationRequest) {
	result := BuildResult(req)
	if result == nil {
		return
	}
	// The pair is settled; a resubmission must read the stored result
	// instead of tripping over a stale claim.
	s.releaseGuard(ctx, req)

	event := domain.ValidationResultEvent{
		RequestID:         result.RequestID,
		OrderNo:           result.OrderNo,
		Status:            string(result.Status),
		DocumentAvailable: len(result.MatchedDocument) > 0,
		AttemptCount:      result.AttemptCount,
		CompletedAt:       result.CompletedAt,
	}
	if result.Reason != nil {
		event.Reason = string(*result.Reason)
	}
	if result.MismatchDetail != nil {
		event.MismatchDetail = *result.MismatchDetail
	}
	if result.AuthorityAmount != nil {
		event.AuthorityAmount = result.AuthorityAmount.StringFixed(2)
	}

	routingKey := domain.ResultRoutingKey(result.Status)
	if err := s.producer.Publish(ctx, s.eventsExchange, routingKey, event); err != nil {
		log.Printf("level=error component=service op=publish_result request_id=%s routing_key=%s err=%v", req.ID, routingKey, err)
		return
	}
	metrics.ValidationResultsTotal.WithLabelValues(string(result.Status)).Inc()
	log.Printf("level=info component=service op=publish_result request_id=%s order_no=%s status=%s attempts=%d", req.ID, req.OrderNo, result.Status, result.AttemptCount)
}

func (s *Service) releaseGuard(ctx context.Context, req *domain.ValidationRequest) {
	if s.guard == nil {
		return
	}
	s.guard.Release(ctx, req.OrderNo, req.ReceiptImageRef)
}

func buildRequestFromPayload(payload domain.CreateValidationPayload, now time.Time, deadline time.Duration) (*domain.ValidationRequest, error) {
	orderNo := strings.TrimSpace(payload.OrderNo)
	receiptRef := strings.TrimSpace(payload.ReceiptImageRef)
	account := strings.TrimSpace(payload.ExpectedAccount)
	senderBank := strings.TrimSpace(payload.ExpectedSenderBank)
	receiverBank := strings.TrimSpace(payload.ExpectedReceiverBank)

	if orderNo == "" || receiptRef == "" || account == "" || senderBank == "" || receiverBank == "" {
		return nil, fmt.Errorf("%w: order_no, receipt_image_ref, expected_account and expected banks are required", ErrInvalidPayload)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(payload.ExpectedAmount))
	if err != nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: expected_amount must be a positive decimal string", ErrInvalidPayload)
	}

	windowStart, err := time.Parse(time.RFC3339, payload.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("%w: window_start must be RFC 3339", ErrInvalidPayload)
	}
	windowEnd, err := time.Parse(time.RFC3339, payload.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: window_end must be RFC 3339", ErrInvalidPayload)
	}
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("%w: window_end must be after window_start", ErrInvalidPayload)
	}

	return &domain.ValidationRequest{
		ID:                   uuid.New(),
		OrderNo:              orderNo,
		ExpectedAmount:       amount,
		ExpectedAccount:      account,
		ExpectedSenderBank:   senderBank,
		ExpectedReceiverBank: receiverBank,
		WindowStart:          windowStart.UTC(),
		WindowEnd:            windowEnd.UTC(),
		ReceiptImageRef:      receiptRef,
		State:                domain.StateQueued,
		DeadlineAt:           now.Add(deadline),
	}, nil
}
