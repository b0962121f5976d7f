package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesoswap/verification-service/internal/app"
	"github.com/pesoswap/verification-service/internal/domain"
	"github.com/pesoswap/verification-service/internal/store"
)

const testInternalKey = "internal-test-key"

type handlerRepoStub struct {
	store.Repository

	byID map[uuid.UUID]*domain.ValidationRequest
}

func (s *handlerRepoStub) CreateValidationRequest(ctx context.Context, req *domain.ValidationRequest) error {
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	if s.byID == nil {
		s.byID = map[uuid.UUID]*domain.ValidationRequest{}
	}
	s.byID[req.ID] = req
	return nil
}

func (s *handlerRepoStub) FindValidationRequestByID(ctx context.Context, id uuid.UUID) (*domain.ValidationRequest, error) {
	req, ok := s.byID[id]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	return req, nil
}

func (s *handlerRepoStub) FindActiveByOrderAndReceipt(ctx context.Context, orderNo, receiptImageRef string) (*domain.ValidationRequest, error) {
	return nil, store.ErrRequestNotFound
}

func (s *handlerRepoStub) CancelQueuedValidationRequest(ctx context.Context, id uuid.UUID) (bool, error) {
	req, ok := s.byID[id]
	if !ok || req.State != domain.StateQueued {
		return false, nil
	}
	reason := domain.ReasonCancelled
	req.State = domain.StateFailed
	req.FailureReason = &reason
	return true, nil
}

func (s *handlerRepoStub) FlagCancellation(ctx context.Context, id uuid.UUID) (bool, error) {
	req, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	req.CancelRequested = true
	return true, nil
}

type noopProducer struct{}

func (noopProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}
func (noopProducer) Close() {}

func newTestServer(t *testing.T, repo *handlerRepoStub) http.Handler {
	t.Helper()
	service := app.NewService(repo, noopProducer{}, nil, "escrow.events", 2*time.Hour)
	handlers := NewValidationHandlers(service)
	return ValidationRoutes(handlers, testInternalKey, "")
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

const createBody = `{
	"order_no": "ORD-2024-0311-77",
	"expected_amount": "28500.00",
	"expected_account": "646180146006124571",
	"expected_sender_bank": "BBVA",
	"expected_receiver_bank": "STP",
	"window_start": "2024-03-11T12:00:00Z",
	"window_end": "2024-03-11T18:00:00Z",
	"receipt_image_ref": "img-123"
}`

func TestCreateValidationEndpoint(t *testing.T) {
	repo := &handlerRepoStub{}
	router := newTestServer(t, repo)

	recorder := doRequest(t, router, http.MethodPost, "/validations", createBody)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", recorder.Code, recorder.Body.String())
	}

	var resp struct {
		ID             string `json:"id"`
		State          string `json:"state"`
		ExpectedAmount string `json:"expected_amount"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "queued" {
		t.Errorf("state = %q, want queued", resp.State)
	}
	if resp.ExpectedAmount != "28500.00" {
		t.Errorf("expected_amount = %q", resp.ExpectedAmount)
	}
	if _, err := uuid.Parse(resp.ID); err != nil {
		t.Errorf("id %q is not a uuid", resp.ID)
	}
}

func TestCreateValidationEndpointRejectsInvalidPayload(t *testing.T) {
	router := newTestServer(t, &handlerRepoStub{})

	body := strings.Replace(createBody, `"28500.00"`, `"-1"`, 1)
	recorder := doRequest(t, router, http.MethodPost, "/validations", body)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", recorder.Code)
	}
}

func TestValidationEndpointsRequireInternalKey(t *testing.T) {
	router := newTestServer(t, &handlerRepoStub{})

	req := httptest.NewRequest(http.MethodPost, "/validations", strings.NewReader(createBody))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", recorder.Code)
	}
}

func TestGetValidationEndpoint(t *testing.T) {
	repo := &handlerRepoStub{byID: map[uuid.UUID]*domain.ValidationRequest{}}
	existing := &domain.ValidationRequest{
		ID:             uuid.New(),
		OrderNo:        "ORD-2024-0311-77",
		ExpectedAmount: decimal.RequireFromString("28500.00"),
		State:          domain.StateMismatch,
		DeadlineAt:     time.Now().UTC().Add(time.Hour),
	}
	detail := "amount: authority 28400.00, expected 28500.00"
	existing.MismatchDetail = &detail
	repo.byID[existing.ID] = existing
	router := newTestServer(t, repo)

	recorder := doRequest(t, router, http.MethodGet, "/validations/"+existing.ID.String(), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var resp struct {
		State          string  `json:"state"`
		MismatchDetail *string `json:"mismatch_detail"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "mismatch" || resp.MismatchDetail == nil {
		t.Errorf("response = %+v, want mismatch with detail", resp)
	}
}

func TestGetValidationEndpointNotFound(t *testing.T) {
	router := newTestServer(t, &handlerRepoStub{byID: map[uuid.UUID]*domain.ValidationRequest{}})

	recorder := doRequest(t, router, http.MethodGet, "/validations/"+uuid.NewString(), "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestGetValidationEndpointRejectsBadID(t *testing.T) {
	router := newTestServer(t, &handlerRepoStub{})

	recorder := doRequest(t, router, http.MethodGet, "/validations/not-a-uuid", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestCancelValidationEndpointFinalizesQueuedRequest(t *testing.T) {
	repo := &handlerRepoStub{byID: map[uuid.UUID]*domain.ValidationRequest{}}
	existing := &domain.ValidationRequest{
		ID:             uuid.New(),
		OrderNo:        "ORD-2024-0311-77",
		ExpectedAmount: decimal.RequireFromString("28500.00"),
		State:          domain.StateQueued,
		DeadlineAt:     time.Now().UTC().Add(time.Hour),
	}
	repo.byID[existing.ID] = existing
	router := newTestServer(t, repo)

	recorder := doRequest(t, router, http.MethodPost, "/validations/"+existing.ID.String()+"/cancel", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		State         string  `json:"state"`
		FailureReason *string `json:"failure_reason"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "failed" || resp.FailureReason == nil || *resp.FailureReason != "cancelled" {
		t.Errorf("response = %+v, want failed/cancelled", resp)
	}
}
