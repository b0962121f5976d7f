package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesoswap/verification-service/internal/domain"
	"github.com/pesoswap/verification-service/internal/store"
)

type serviceRepoStub struct {
	store.Repository

	created  *domain.ValidationRequest
	existing *domain.ValidationRequest
	latest   *domain.ValidationRequest

	createErr       error
	cancelQueuedOK  bool
	cancelFlagged   bool
	mismatchedRows  []domain.ValidationRequest
	mismatchedLimit int
}

func (s *serviceRepoStub) CreateValidationRequest(ctx context.Context, req *domain.ValidationRequest) error {
	if s.createErr != nil {
		return s.createErr
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	s.created = req
	return nil
}

func (s *serviceRepoStub) FindActiveByOrderAndReceipt(ctx context.Context, orderNo, receiptImageRef string) (*domain.ValidationRequest, error) {
	if s.existing == nil {
		return nil, store.ErrRequestNotFound
	}
	return s.existing, nil
}

func (s *serviceRepoStub) FindLatestByOrderAndReceipt(ctx context.Context, orderNo, receiptImageRef string) (*domain.ValidationRequest, error) {
	if s.latest == nil {
		return nil, store.ErrRequestNotFound
	}
	return s.latest, nil
}

func (s *serviceRepoStub) FindValidationRequestByID(ctx context.Context, id uuid.UUID) (*domain.ValidationRequest, error) {
	if s.existing == nil {
		return nil, store.ErrRequestNotFound
	}
	return s.existing, nil
}

func (s *serviceRepoStub) CancelQueuedValidationRequest(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.cancelQueuedOK {
		reason := domain.ReasonCancelled
		s.existing.State = domain.StateFailed
		s.existing.FailureReason = &reason
		return true, nil
	}
	return false, nil
}

func (s *serviceRepoStub) FlagCancellation(ctx context.Context, id uuid.UUID) (bool, error) {
	s.cancelFlagged = true
	s.existing.CancelRequested = true
	return true, nil
}

func (s *serviceRepoStub) ListMismatchedRequests(ctx context.Context, limit, offset int) ([]domain.ValidationRequest, error) {
	s.mismatchedLimit = limit
	return s.mismatchedRows, nil
}

type guardStub struct {
	allow    bool
	claims   int
	released int
}

func (g *guardStub) Claim(ctx context.Context, orderNo, receiptImageRef string) (bool, error) {
	g.claims++
	return g.allow, nil
}

func (g *guardStub) Release(ctx context.Context, orderNo, receiptImageRef string) {
	g.released++
}

func validPayload() domain.CreateValidationPayload {
	return domain.CreateValidationPayload{
		OrderNo:              "ORD-2024-0311-77",
		ExpectedAmount:       "28500.00",
		ExpectedAccount:      "646180146006124571",
		ExpectedSenderBank:   "BBVA",
		ExpectedReceiverBank: "STP",
		WindowStart:          "2024-03-11T12:00:00Z",
		WindowEnd:            "2024-03-11T18:00:00Z",
		ReceiptImageRef:      "img-123",
	}
}

func TestCreateValidationEnqueuesRequest(t *testing.T) {
	repo := &serviceRepoStub{}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	req, err := service.CreateValidation(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("CreateValidation: %v", err)
	}
	if req.State != domain.StateQueued {
		t.Errorf("state = %s, want queued", req.State)
	}
	if !req.ExpectedAmount.Equal(decimal.RequireFromString("28500.00")) {
		t.Errorf("expected amount = %s", req.ExpectedAmount)
	}
	if remaining := time.Until(req.DeadlineAt); remaining < 119*time.Minute || remaining > 121*time.Minute {
		t.Errorf("deadline_at %v not ~2h out", req.DeadlineAt)
	}
	if repo.created == nil {
		t.Fatal("request was not persisted")
	}
}

func TestCreateValidationRejectsBadPayloads(t *testing.T) {
	repo := &serviceRepoStub{}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	cases := []struct {
		name   string
		mutate func(*domain.CreateValidationPayload)
	}{
		{"missing order_no", func(p *domain.CreateValidationPayload) { p.OrderNo = " " }},
		{"missing receipt ref", func(p *domain.CreateValidationPayload) { p.ReceiptImageRef = "" }},
		{"zero amount", func(p *domain.CreateValidationPayload) { p.ExpectedAmount = "0.00" }},
		{"malformed amount", func(p *domain.CreateValidationPayload) { p.ExpectedAmount = "28,500" }},
		{"inverted window", func(p *domain.CreateValidationPayload) {
			p.WindowStart = "2024-03-11T18:00:00Z"
			p.WindowEnd = "2024-03-11T12:00:00Z"
		}},
		{"garbage window", func(p *domain.CreateValidationPayload) { p.WindowStart = "yesterday" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := validPayload()
			tc.mutate(&payload)
			_, err := service.CreateValidation(context.Background(), payload)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("err = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestCreateValidationDuplicateReturnsExisting(t *testing.T) {
	existing := testRequest()
	repo := &serviceRepoStub{existing: existing, createErr: store.ErrDuplicateRequest}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	req, err := service.CreateValidation(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("CreateValidation: %v", err)
	}
	if req.ID != existing.ID {
		t.Errorf("returned %s, want the existing request %s", req.ID, existing.ID)
	}
}

func TestCreateValidationAfterTerminalReturnsStoredResult(t *testing.T) {
	finished := testRequest()
	finished.State = domain.StateConfirmed
	finished.LeaseToken = nil
	repo := &serviceRepoStub{latest: finished}
	guard := &guardStub{allow: false}
	service := NewService(repo, &producerStub{}, guard, "escrow.events", 2*time.Hour)

	req, err := service.CreateValidation(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("CreateValidation: %v", err)
	}
	if req.ID != finished.ID {
		t.Errorf("returned %s, want the finished request %s", req.ID, finished.ID)
	}
	if req.State != domain.StateConfirmed {
		t.Errorf("state = %s, want the stored terminal state", req.State)
	}
	if repo.created != nil {
		t.Error("resubmission of a finished pair must not create a new request")
	}
}

func TestPublishResultReleasesSubmissionGuard(t *testing.T) {
	guard := &guardStub{allow: true}
	service := NewService(&serviceRepoStub{}, &producerStub{}, guard, "escrow.events", 2*time.Hour)

	req := testRequest()
	req.State = domain.StateConfirmed
	service.PublishResult(context.Background(), req)
	if guard.released != 1 {
		t.Fatalf("guard released %d times, want 1 on terminal publish", guard.released)
	}

	inFlight := testRequest()
	inFlight.State = domain.StateValidating
	service.PublishResult(context.Background(), inFlight)
	if guard.released != 1 {
		t.Error("non-terminal request must not release the guard")
	}
}

func TestCancelValidationQueuedFinalizesAndPublishes(t *testing.T) {
	existing := testRequest()
	repo := &serviceRepoStub{existing: existing, cancelQueuedOK: true}
	producer := &producerStub{}
	service := NewService(repo, producer, nil, "escrow.events", 2*time.Hour)

	req, err := service.CancelValidation(context.Background(), existing.ID)
	if err != nil {
		t.Fatalf("CancelValidation: %v", err)
	}
	if req.State != domain.StateFailed || req.FailureReason == nil || *req.FailureReason != domain.ReasonCancelled {
		t.Errorf("request = state %s reason %v, want failed/cancelled", req.State, req.FailureReason)
	}
	if len(producer.published) != 1 || producer.published[0].routingKey != "payment.validation.failed" {
		t.Fatalf("published = %+v, want one payment.validation.failed event", producer.published)
	}
}

func TestCancelValidationInFlightOnlyFlags(t *testing.T) {
	existing := testRequest()
	existing.State = domain.StateValidating
	repo := &serviceRepoStub{existing: existing}
	producer := &producerStub{}
	service := NewService(repo, producer, nil, "escrow.events", 2*time.Hour)

	req, err := service.CancelValidation(context.Background(), existing.ID)
	if err != nil {
		t.Fatalf("CancelValidation: %v", err)
	}
	if !repo.cancelFlagged {
		t.Error("in-flight cancellation should set the flag")
	}
	if req.State.Terminal() {
		t.Errorf("state = %s, in-flight request must stay non-terminal until the worker observes the flag", req.State)
	}
	if len(producer.published) != 0 {
		t.Error("no result event until the worker finalizes")
	}
}

func TestCancelValidationTerminalIsNoOp(t *testing.T) {
	existing := testRequest()
	existing.State = domain.StateConfirmed
	repo := &serviceRepoStub{existing: existing, cancelQueuedOK: true}
	producer := &producerStub{}
	service := NewService(repo, producer, nil, "escrow.events", 2*time.Hour)

	req, err := service.CancelValidation(context.Background(), existing.ID)
	if err != nil {
		t.Fatalf("CancelValidation: %v", err)
	}
	if req.State != domain.StateConfirmed {
		t.Errorf("state = %s, terminal request must be untouched", req.State)
	}
	if len(producer.published) != 0 {
		t.Error("cancelling a finished request must not republish its result")
	}
}

func TestListMismatchesClampsLimit(t *testing.T) {
	repo := &serviceRepoStub{}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	if _, err := service.ListMismatches(context.Background(), 10000, -5); err != nil {
		t.Fatalf("ListMismatches: %v", err)
	}
	if repo.mismatchedLimit != 50 {
		t.Errorf("limit = %d, want clamped default 50", repo.mismatchedLimit)
	}
}

func TestBuildResultMapsStates(t *testing.T) {
	req := testRequest()
	req.State = domain.StateFailed
	reason := domain.ReasonDeadline
	req.FailureReason = &reason

	result := BuildResult(req)
	if result == nil || result.Status != domain.ResultFailed {
		t.Fatalf("result = %+v, want failed", result)
	}
	if result.Reason == nil || *result.Reason != domain.ReasonDeadline {
		t.Errorf("reason = %v, want deadline", result.Reason)
	}

	req.State = domain.StateValidating
	if BuildResult(req) != nil {
		t.Error("non-terminal request must not produce a result")
	}
}
