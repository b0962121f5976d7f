/**
 * @description
 * This package provides a client for the CEP validation authority, the
 * external service that authoritatively confirms whether a SPEI transfer
 * settled. It encapsulates the logic for making authenticated HTTP requests,
 * handling request body construction, and parsing responses.
 *
 * The client performs no retry logic itself; it classifies every call into a
 * closed Outcome variant and leaves retry policy to the pipeline. This keeps
 * the boundary stateless and trivially mockable.
 */
package cepclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeKind enumerates every possible result of one authority lookup.
// Call sites switch over the kind and must handle all four cases.
type OutcomeKind int

const (
	// OutcomeConfirmed means the authority located a settled transfer
	// matching the query and returned the official document.
	OutcomeConfirmed OutcomeKind = iota
	// OutcomeNotFound means the authority has no record yet. This is the
	// expected state for a transfer that settled very recently.
	OutcomeNotFound
	// OutcomeRejectedInput means the authority rejected the query itself
	// (malformed tracking code, unknown bank code). Never retried.
	OutcomeRejectedInput
	// OutcomeServiceError covers timeouts, network failures and 5xx
	// responses. Transient, counted against the attempt budget.
	OutcomeServiceError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeRejectedInput:
		return "rejected_input"
	default:
		return "service_error"
	}
}

// ConfirmedTransfer carries the fields the authority itself recorded for a
// settled transfer. These, not the OCR-extracted values, are the trust
// anchor for final reconciliation.
type ConfirmedTransfer struct {
	TrackingCode       string
	SenderBankCode     string
	ReceiverBankCode   string
	BeneficiaryAccount string
	Amount             decimal.Decimal
	SettledAt          time.Time
}

// Outcome is the closed result variant of one Validate call. Transfer and
// Document are populated only when Kind is OutcomeConfirmed; Err only when
// Kind is OutcomeServiceError.
type Outcome struct {
	Kind     OutcomeKind
	Transfer *ConfirmedTransfer
	Document []byte
	Detail   string
	Err      error
}

// Query is the canonical lookup sent to the authority.
type Query struct {
	Date             time.Time
	TrackingCode     string
	SenderBankCode   string
	ReceiverBankCode string
	Account          string
	Amount           decimal.Decimal
}

// Client is a client for the CEP authority API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new CEP authority client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type validateRequest struct {
	FechaOperacion string `json:"fechaOperacion"` // YYYY-MM-DD
	ClaveRastreo   string `json:"claveRastreo"`
	EmisorCodigo   string `json:"institucionOrdenante"`
	ReceptorCodigo string `json:"institucionBeneficiaria"`
	Cuenta         string `json:"cuentaBeneficiario"`
	Monto          string `json:"monto"`
}

type validateResponse struct {
	Transferencia struct {
		ClaveRastreo   string `json:"claveRastreo"`
		EmisorCodigo   string `json:"institucionOrdenante"`
		ReceptorCodigo string `json:"institucionBeneficiaria"`
		Cuenta         string `json:"cuentaBeneficiario"`
		Monto          string `json:"monto"`
		FechaAbono     string `json:"fechaAbono"` // RFC 3339
	} `json:"transferencia"`
	CEPDocumento string `json:"cep"` // base64 PDF
}

type errorResponse struct {
	Codigo  string `json:"codigo"`
	Mensaje string `json:"mensaje"`
}

// Validate performs one authority lookup for a canonical query.
func (c *Client) Validate(ctx context.Context, q Query) Outcome {
	reqPayload := validateRequest{
		FechaOperacion: q.Date.Format("2006-01-02"),
		ClaveRastreo:   q.TrackingCode,
		EmisorCodigo:   q.SenderBankCode,
		ReceptorCodigo: q.ReceiverBankCode,
		Cuenta:         q.Account,
		Monto:          q.Amount.StringFixed(2),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Outcome{Kind: OutcomeServiceError, Err: fmt.Errorf("failed to marshal validate request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/cep/validate", bytes.NewBuffer(body))
	if err != nil {
		return Outcome{Kind: OutcomeServiceError, Err: fmt.Errorf("failed to create validate request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-cep-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeServiceError, Err: fmt.Errorf("failed to execute validate request: %w", err)}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: OutcomeServiceError, Err: fmt.Errorf("failed to read validate response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return c.parseConfirmed(bodyBytes)
	case resp.StatusCode == http.StatusNotFound:
		return Outcome{Kind: OutcomeNotFound, Detail: "no transfer indexed for query"}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail := errorDetail(bodyBytes)
		log.Printf("level=warn component=cep_client op=validate status=%d detail=%q msg=\"query rejected\"", resp.StatusCode, detail)
		return Outcome{Kind: OutcomeRejectedInput, Detail: detail}
	default:
		detail := errorDetail(bodyBytes)
		log.Printf("level=warn component=cep_client op=validate status=%d detail=%q msg=\"authority unavailable\"", resp.StatusCode, detail)
		return Outcome{Kind: OutcomeServiceError, Detail: detail, Err: fmt.Errorf("cep authority returned status %d", resp.StatusCode)}
	}
}

func (c *Client) parseConfirmed(bodyBytes []byte) Outcome {
	var ok validateResponse
	if err := json.Unmarshal(bodyBytes, &ok); err != nil {
		return Outcome{Kind: OutcomeServiceError, Err: fmt.Errorf("failed to decode validate response: %w", err)}
	}

	amount, err := decimal.NewFromString(ok.Transferencia.Monto)
	if err != nil {
		return Outcome{Kind: OutcomeServiceError, Err: fmt.Errorf("authority amount %q is not a decimal: %w", ok.Transferencia.Monto, err)}
	}

	transfer := &ConfirmedTransfer{
		TrackingCode:       ok.Transferencia.ClaveRastreo,
		SenderBankCode:     ok.Transferencia.EmisorCodigo,
		ReceiverBankCode:   ok.Transferencia.ReceptorCodigo,
		BeneficiaryAccount: ok.Transferencia.Cuenta,
		Amount:             amount,
	}
	if ok.Transferencia.FechaAbono != "" {
		if settled, parseErr := time.Parse(time.RFC3339, ok.Transferencia.FechaAbono); parseErr == nil {
			transfer.SettledAt = settled
		}
	}

	var document []byte
	if ok.CEPDocumento != "" {
		document, err = base64.StdEncoding.DecodeString(ok.CEPDocumento)
		if err != nil {
			return Outcome{Kind: OutcomeServiceError, Err: fmt.Errorf("failed to decode cep document: %w", err)}
		}
	}

	return Outcome{Kind: OutcomeConfirmed, Transfer: transfer, Document: document}
}

func errorDetail(bodyBytes []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Mensaje == "" {
		return "unparsable error body"
	}
	if errResp.Codigo != "" {
		return fmt.Sprintf("%s: %s", errResp.Codigo, errResp.Mensaje)
	}
	return errResp.Mensaje
}
