/**
 * @description
 * This file contains the HTTP handlers for the verification-service API. The
 * validation endpoints are consumed by the order-management service; the
 * mismatch listing feeds the back-office fraud-review queue.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app: The application service holding the business logic.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pesoswap/verification-service/internal/app"
	"github.com/pesoswap/verification-service/internal/domain"
)

// ValidationHandlers holds the application service that handlers will use.
type ValidationHandlers struct {
	service *app.Service
}

// NewValidationHandlers creates a new set of handlers.
func NewValidationHandlers(service *app.Service) *ValidationHandlers {
	return &ValidationHandlers{service: service}
}

// validationResponse is the API view of a request. The authority document is
// deliberately excluded; collaborators fetch it out of band when needed.
type validationResponse struct {
	ID              string  `json:"id"`
	OrderNo         string  `json:"order_no"`
	State           string  `json:"state"`
	FailureReason   *string `json:"failure_reason,omitempty"`
	MismatchDetail  *string `json:"mismatch_detail,omitempty"`
	AttemptCount    int     `json:"attempt_count"`
	ExpectedAmount  string  `json:"expected_amount"`
	AuthorityAmount *string `json:"authority_amount,omitempty"`
	TrackingCode    *string `json:"tracking_code,omitempty"`
	SenderBankCode  *string `json:"sender_bank_code,omitempty"`
	DeadlineAt      string  `json:"deadline_at"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func buildValidationResponse(req *domain.ValidationRequest) validationResponse {
	resp := validationResponse{
		ID:             req.ID.String(),
		OrderNo:        req.OrderNo,
		State:          string(req.State),
		MismatchDetail: req.MismatchDetail,
		AttemptCount:   req.AttemptCount,
		ExpectedAmount: req.ExpectedAmount.StringFixed(2),
		TrackingCode:   req.TrackingCode,
		SenderBankCode: req.SenderBankCode,
		DeadlineAt:     req.DeadlineAt.Format(timeFormat),
		CreatedAt:      req.CreatedAt.Format(timeFormat),
		UpdatedAt:      req.UpdatedAt.Format(timeFormat),
	}
	if req.FailureReason != nil {
		reason := string(*req.FailureReason)
		resp.FailureReason = &reason
	}
	if req.AuthorityAmount != nil {
		amount := req.AuthorityAmount.StringFixed(2)
		resp.AuthorityAmount = &amount
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// CreateValidationHandler accepts a payment-proof submission.
// POST /validations
func (h *ValidationHandlers) CreateValidationHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.CreateValidationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := h.service.CreateValidation(r.Context(), payload)
	if err != nil {
		if errors.Is(err, app.ErrInvalidPayload) {
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Printf("level=error component=api op=create_validation err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create validation request")
		return
	}

	h.writeJSON(w, http.StatusAccepted, buildValidationResponse(req))
}

// GetValidationHandler returns the current state of one request.
// GET /validations/{id}
func (h *ValidationHandlers) GetValidationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	req, err := h.service.GetValidation(r.Context(), id)
	if err != nil {
		if errors.Is(err, app.ErrRequestNotFound) {
			h.writeError(w, http.StatusNotFound, "validation request not found")
			return
		}
		log.Printf("level=error component=api op=get_validation request_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "failed to load validation request")
		return
	}

	h.writeJSON(w, http.StatusOK, buildValidationResponse(req))
}

// CancelValidationHandler asks the pipeline to abandon a request.
// POST /validations/{id}/cancel
func (h *ValidationHandlers) CancelValidationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	req, err := h.service.CancelValidation(r.Context(), id)
	if err != nil {
		if errors.Is(err, app.ErrRequestNotFound) {
			h.writeError(w, http.StatusNotFound, "validation request not found")
			return
		}
		log.Printf("level=error component=api op=cancel_validation request_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "failed to cancel validation request")
		return
	}

	h.writeJSON(w, http.StatusOK, buildValidationResponse(req))
}

// ListMismatchesHandler returns mismatched requests for the review queue.
// GET /validations/mismatches?limit=&offset=
func (h *ValidationHandlers) ListMismatchesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	requests, err := h.service.ListMismatches(r.Context(), limit, offset)
	if err != nil {
		log.Printf("level=error component=api op=list_mismatches err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list mismatches")
		return
	}

	responses := make([]validationResponse, 0, len(requests))
	for i := range requests {
		responses = append(responses, buildValidationResponse(&requests[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"mismatches": responses})
}

func (h *ValidationHandlers) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid validation request id")
		return uuid.Nil, false
	}
	return id, true
}

// writeJSON is a helper for writing JSON responses.
func (h *ValidationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *ValidationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
