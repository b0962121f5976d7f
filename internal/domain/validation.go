/**
 * @description
 * This file defines the core domain models for the verification-service.
 * These structs represent the lifecycle of a payment-proof validation: the
 * durable ValidationRequest record, the OCR-derived ExtractedReceipt, the
 * normalized CanonicalQuery sent to the CEP authority, and the terminal
 * ValidationResult handed back to the order-management service.
 *
 * @notes
 * - Amounts are `decimal.Decimal` (MXN). SPEI amounts arrive as formatted
 *   strings from both the OCR text and the CEP response; decimal arithmetic
 *   avoids float drift when comparing them against the expected order amount.
 * - Terminal states are final. No code path transitions a request out of
 *   confirmed, mismatch or failed.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RequestState is the pipeline state of a ValidationRequest.
type RequestState string

const (
	StateQueued     RequestState = "queued"
	StateExtracting RequestState = "extracting"
	StateResolving  RequestState = "resolving"
	StateValidating RequestState = "validating"
	StateConfirmed  RequestState = "confirmed"
	StateMismatch   RequestState = "mismatch"
	StateFailed     RequestState = "failed"
)

// Terminal reports whether the state is final.
func (s RequestState) Terminal() bool {
	return s == StateConfirmed || s == StateMismatch || s == StateFailed
}

// FailureReason is the reason code carried by a failed ValidationResult.
type FailureReason string

const (
	ReasonExtraction        FailureReason = "extraction"
	ReasonBankResolution    FailureReason = "bank_resolution"
	ReasonRejectedInput     FailureReason = "rejected_input"
	ReasonAttemptsExhausted FailureReason = "attempts_exhausted"
	ReasonDeadline          FailureReason = "deadline"
	ReasonCancelled         FailureReason = "cancelled"
)

// ValidationRequest is one verification lifecycle for one order's payment
// proof. It maps directly to the `validation_requests` table.
//
// attempt_count only counts authority lookups; transient image-fetch retries
// are tracked separately in fetch_attempt_count so a flaky CDN cannot eat the
// authority attempt budget. deadline_at is fixed at creation and never
// extended.
type ValidationRequest struct {
	ID                   uuid.UUID       `json:"id"`
	OrderNo              string          `json:"order_no"`
	ExpectedAmount       decimal.Decimal `json:"expected_amount"`
	ExpectedAccount      string          `json:"expected_account"`
	ExpectedSenderBank   string          `json:"expected_sender_bank"`
	ExpectedReceiverBank string          `json:"expected_receiver_bank"`
	WindowStart          time.Time       `json:"window_start"`
	WindowEnd            time.Time       `json:"window_end"`
	ReceiptImageRef      string          `json:"receipt_image_ref"`

	State          RequestState   `json:"state"`
	FailureReason  *FailureReason `json:"failure_reason,omitempty"`
	MismatchDetail *string        `json:"mismatch_detail,omitempty"`

	AttemptCount      int `json:"attempt_count"`
	FetchAttemptCount int `json:"fetch_attempt_count"`

	// Fields populated after extraction/resolution.
	TrackingCode      *string          `json:"tracking_code,omitempty"`
	RawBankName       *string          `json:"raw_bank_name,omitempty"`
	SenderBankCode    *string          `json:"sender_bank_code,omitempty"`
	ExtractedAmount   *decimal.Decimal `json:"extracted_amount,omitempty"`
	ExtractedDate     *time.Time       `json:"extracted_date,omitempty"`
	AccountSuffix     *string          `json:"account_suffix,omitempty"`
	OCRConfidence     *float64         `json:"ocr_confidence,omitempty"`
	AuthorityAmount   *decimal.Decimal `json:"authority_amount,omitempty"`
	AuthorityDocument []byte           `json:"-"`

	CancelRequested bool       `json:"cancel_requested"`
	NotBeforeAt     *time.Time `json:"not_before_at,omitempty"`
	DeadlineAt      time.Time  `json:"deadline_at"`
	LeaseToken      *uuid.UUID `json:"-"`
	LeaseExpiresAt  *time.Time `json:"-"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ExtractedReceipt holds the structured fields recovered from one receipt
// image. Parsing is per-field best effort: a zero TrackingCode or RawBankName
// makes the receipt unusable for an authority lookup, while a missing amount
// or date only disables mismatch pre-checks on that field.
type ExtractedReceipt struct {
	TrackingCode  string           `json:"tracking_code"`
	RawBankName   string           `json:"raw_bank_name"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	TransferDate  *time.Time       `json:"transfer_date,omitempty"`
	AccountSuffix string           `json:"account_suffix,omitempty"`
	OCRConfidence float64          `json:"ocr_confidence"`
}

// Usable reports whether the extraction carries the mandatory lookup fields.
func (r ExtractedReceipt) Usable() bool {
	return r.TrackingCode != "" && r.RawBankName != ""
}

// CanonicalQuery is the normalized input to the CEP authority client.
// Derived deterministically from an ExtractedReceipt plus the bank-code
// resolver and the order's expected fields; never mutated after construction.
type CanonicalQuery struct {
	Date             time.Time
	TrackingCode     string
	SenderBankCode   string
	ReceiverBankCode string
	Account          string
	Amount           decimal.Decimal
}

// ResultStatus is the terminal status of a ValidationResult.
type ResultStatus string

const (
	ResultConfirmed ResultStatus = "confirmed"
	ResultMismatch  ResultStatus = "mismatch"
	ResultFailed    ResultStatus = "failed"
)

// ValidationResult is the terminal outcome handed to the order collaborator.
// MatchedDocument is the official CEP receipt and is present only when the
// status is confirmed.
type ValidationResult struct {
	RequestID       uuid.UUID        `json:"request_id"`
	OrderNo         string           `json:"order_no"`
	Status          ResultStatus     `json:"status"`
	Reason          *FailureReason   `json:"reason,omitempty"`
	MismatchDetail  *string          `json:"mismatch_detail,omitempty"`
	AuthorityAmount *decimal.Decimal `json:"authority_amount,omitempty"`
	MatchedDocument []byte           `json:"-"`
	AttemptCount    int              `json:"attempt_count"`
	CompletedAt     time.Time        `json:"completed_at"`
}

// CreateValidationPayload is the DTO for creating a new validation request,
// shared by the HTTP API and the AMQP intake.
type CreateValidationPayload struct {
	OrderNo              string `json:"order_no"`
	ExpectedAmount       string `json:"expected_amount"`
	ExpectedAccount      string `json:"expected_account"`
	ExpectedSenderBank   string `json:"expected_sender_bank"`
	ExpectedReceiverBank string `json:"expected_receiver_bank"`
	WindowStart          string `json:"window_start"` // RFC 3339
	WindowEnd            string `json:"window_end"`   // RFC 3339
	ReceiptImageRef      string `json:"receipt_image_ref"`
}
