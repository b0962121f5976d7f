/**
 * @description
 * Message payloads exchanged with the rest of the marketplace over RabbitMQ.
 * All events travel on the durable `escrow.events` topic exchange.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentProofSubmittedEvent is published by the order-management service
// when a buyer attaches a bank receipt image to an order chat. Routing key:
// payment.proof.submitted.
type PaymentProofSubmittedEvent struct {
	OrderNo              string    `json:"order_no"`
	ExpectedAmount       string    `json:"expected_amount"`
	ExpectedAccount      string    `json:"expected_account"`
	ExpectedSenderBank   string    `json:"expected_sender_bank"`
	ExpectedReceiverBank string    `json:"expected_receiver_bank"`
	WindowStart          time.Time `json:"window_start"`
	WindowEnd            time.Time `json:"window_end"`
	ReceiptImageRef      string    `json:"receipt_image_ref"`
	SubmittedAt          time.Time `json:"submitted_at"`
}

// ValidationResultEvent is published when a request reaches a terminal state.
// Routing keys: payment.validation.confirmed, payment.validation.mismatch,
// payment.validation.failed.
type ValidationResultEvent struct {
	RequestID         uuid.UUID `json:"request_id"`
	OrderNo           string    `json:"order_no"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	MismatchDetail    string    `json:"mismatch_detail,omitempty"`
	AuthorityAmount   string    `json:"authority_amount,omitempty"`
	DocumentAvailable bool      `json:"document_available"`
	AttemptCount      int       `json:"attempt_count"`
	CompletedAt       time.Time `json:"completed_at"`
}

// ResultRoutingKey maps a terminal status to its event routing key.
func ResultRoutingKey(status ResultStatus) string {
	switch status {
	case ResultConfirmed:
		return "payment.validation.confirmed"
	case ResultMismatch:
		return "payment.validation.mismatch"
	default:
		return "payment.validation.failed"
	}
}
