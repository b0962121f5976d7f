/**
 * @description
 * This file contains the AMQP intake for the verification pipeline. The
 * order-management service publishes a `payment.proof.submitted` event when a
 * buyer attaches a bank receipt to an order chat; the handler here turns that
 * event into a queued validation request.
 *
 * Handlers return an ack decision: malformed events are acked and dropped
 * (redelivery cannot fix them), while infrastructure failures are nacked for
 * redelivery.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/pesoswap/verification-service/internal/domain"
)

// ProofSubmittedBindings returns the routing-key bindings the intake consumer
// attaches to the events exchange.
func (s *Service) ProofSubmittedBindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		"payment.proof.submitted": s.handleProofSubmitted,
	}
}

func (s *Service) handleProofSubmitted(body []byte) bool {
	// The event's window timestamps are RFC 3339 strings on the wire, exactly
	// what CreateValidationPayload carries.
	var payload domain.CreateValidationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Printf("level=error component=consumer event=payment.proof.submitted msg=\"malformed event body; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := s.CreateValidation(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			log.Printf("level=error component=consumer event=payment.proof.submitted order_no=%s msg=\"invalid event payload; dropping\" err=%v", payload.OrderNo, err)
			return true
		}
		log.Printf("level=error component=consumer event=payment.proof.submitted order_no=%s msg=\"intake failed; requeueing\" err=%v", payload.OrderNo, err)
		return false
	}

	log.Printf("level=info component=consumer event=payment.proof.submitted request_id=%s order_no=%s state=%s", req.ID, req.OrderNo, req.State)
	return true
}
