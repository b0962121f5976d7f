package app

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pesoswap/verification-service/internal/domain"
)

func TestHandleProofSubmittedCreatesRequest(t *testing.T) {
	repo := &serviceRepoStub{}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	event := domain.PaymentProofSubmittedEvent{
		OrderNo:              "ORD-2024-0311-77",
		ExpectedAmount:       "28500.00",
		ExpectedAccount:      "646180146006124571",
		ExpectedSenderBank:   "BBVA",
		ExpectedReceiverBank: "STP",
		WindowStart:          time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC),
		WindowEnd:            time.Date(2024, 3, 11, 18, 0, 0, 0, time.UTC),
		ReceiptImageRef:      "img-123",
		SubmittedAt:          time.Date(2024, 3, 11, 14, 35, 0, 0, time.UTC),
	}
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	if ack := service.handleProofSubmitted(body); !ack {
		t.Fatal("valid event must be acked")
	}
	if repo.created == nil {
		t.Fatal("intake did not persist a request")
	}
	if repo.created.OrderNo != "ORD-2024-0311-77" || repo.created.State != domain.StateQueued {
		t.Errorf("created request = %+v", repo.created)
	}
}

func TestHandleProofSubmittedDropsMalformedBody(t *testing.T) {
	repo := &serviceRepoStub{}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	if ack := service.handleProofSubmitted([]byte("{not json")); !ack {
		t.Error("malformed body must be acked and dropped; redelivery cannot fix it")
	}
	if repo.created != nil {
		t.Error("no request should be created from a malformed body")
	}
}

func TestHandleProofSubmittedDropsInvalidPayload(t *testing.T) {
	repo := &serviceRepoStub{}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	if ack := service.handleProofSubmitted([]byte(`{"order_no": ""}`)); !ack {
		t.Error("invalid payload must be acked and dropped")
	}
}

func TestHandleProofSubmittedRequeuesOnStoreFailure(t *testing.T) {
	repo := &serviceRepoStub{createErr: errors.New("connection reset")}
	service := NewService(repo, &producerStub{}, nil, "escrow.events", 2*time.Hour)

	event := domain.PaymentProofSubmittedEvent{
		OrderNo:              "ORD-2024-0311-77",
		ExpectedAmount:       "28500.00",
		ExpectedAccount:      "646180146006124571",
		ExpectedSenderBank:   "BBVA",
		ExpectedReceiverBank: "STP",
		WindowStart:          time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC),
		WindowEnd:            time.Date(2024, 3, 11, 18, 0, 0, 0, time.UTC),
		ReceiptImageRef:      "img-123",
	}
	body, _ := json.Marshal(event)

	if ack := service.handleProofSubmitted(body); ack {
		t.Error("infrastructure failure must be nacked for redelivery")
	}
}
