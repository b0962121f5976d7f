/**
 * @description
 * This file contains the asynchronous verification pipeline: a dispatcher
 * that leases due requests from Postgres and a bounded pool of workers that
 * walk each request through extraction, bank resolution and the CEP
 * authority lookup.
 *
 * Concurrency model:
 * - Leases make each request exclusive to one worker across instances; every
 *   write after a claim is lease-guarded and a lost lease discards the
 *   in-flight work.
 * - Authority lookups pass through a semaphore so at most
 *   AUTHORITY_MAX_CONCURRENT calls hit the CEP portal regardless of the
 *   worker count.
 * - Cancellation is cooperative: the flag is re-read at step boundaries, and
 *   a flagged request is finalized without publishing a verdict from any
 *   in-flight authority call.
 *
 * @dependencies
 * - internal/store: Claiming, progress writes and terminal writes.
 * - internal/extract, internal/banks, pkg/cepclient: The three step engines.
 * - internal/metrics: Prometheus counters and histograms.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesoswap/verification-service/internal/banks"
	"github.com/pesoswap/verification-service/internal/domain"
	"github.com/pesoswap/verification-service/internal/extract"
	"github.com/pesoswap/verification-service/internal/metrics"
	"github.com/pesoswap/verification-service/internal/store"
	"github.com/pesoswap/verification-service/pkg/cepclient"
)

// ReceiptExtractor is the extraction step engine.
type ReceiptExtractor interface {
	Extract(ctx context.Context, imageRef string) (domain.ExtractedReceipt, error)
}

// BankResolver maps a raw bank name to a SPEI institution code.
type BankResolver interface {
	Resolve(rawName string) (string, error)
}

// AuthorityClient performs one CEP lookup.
type AuthorityClient interface {
	Validate(ctx context.Context, q cepclient.Query) cepclient.Outcome
}

// PipelineConfig carries the tuning knobs the pipeline needs.
type PipelineConfig struct {
	WorkerCount            int
	AuthorityMaxConcurrent int
	LeaseSeconds           int
	DispatchInterval       time.Duration
	FetchMaxAttempts       int
	FetchRetryDelay        time.Duration
	MinOCRConfidence       float64
	AmountTolerance        decimal.Decimal
}

// Pipeline runs the asynchronous verification lifecycle.
type Pipeline struct {
	repo      store.Repository
	service   *Service
	extractor ReceiptExtractor
	resolver  BankResolver
	authority AuthorityClient
	retry     *RetryPolicy
	cfg       PipelineConfig

	jobs         chan domain.ValidationRequest
	authoritySem chan struct{}
	wg           sync.WaitGroup
}

// NewPipeline wires the pipeline. The authority semaphore is sized to
// AuthorityMaxConcurrent, never above the worker count.
func NewPipeline(repo store.Repository, service *Service, extractor ReceiptExtractor, resolver BankResolver, authority AuthorityClient, retry *RetryPolicy, cfg PipelineConfig) *Pipeline {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.AuthorityMaxConcurrent < 1 || cfg.AuthorityMaxConcurrent > cfg.WorkerCount {
		cfg.AuthorityMaxConcurrent = cfg.WorkerCount
	}
	if cfg.FetchMaxAttempts < 1 {
		cfg.FetchMaxAttempts = 1
	}
	return &Pipeline{
		repo:         repo,
		service:      service,
		extractor:    extractor,
		resolver:     resolver,
		authority:    authority,
		retry:        retry,
		cfg:          cfg,
		jobs:         make(chan domain.ValidationRequest),
		authoritySem: make(chan struct{}, cfg.AuthorityMaxConcurrent),
	}
}

// Start launches the workers and the dispatcher loop. It returns immediately;
// Stop waits for in-flight work after the context is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.dispatch(ctx)
	log.Printf("level=info component=pipeline msg=\"pipeline started\" workers=%d authority_max_concurrent=%d", p.cfg.WorkerCount, p.cfg.AuthorityMaxConcurrent)
}

// Stop blocks until the dispatcher and all workers have drained.
func (p *Pipeline) Stop() {
	p.wg.Wait()
}

func (p *Pipeline) dispatch(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(p.jobs)
			return
		case <-ticker.C:
		}

		leaseToken := uuid.New()
		claimed, err := p.repo.ClaimDueValidationRequests(ctx, leaseToken, p.cfg.WorkerCount, p.cfg.LeaseSeconds)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("level=error component=pipeline op=claim err=%v", err)
			}
			continue
		}
		for _, req := range claimed {
			metrics.ClaimedRequestsInFlight.Inc()
			select {
			case p.jobs <- req:
			case <-ctx.Done():
				metrics.ClaimedRequestsInFlight.Dec()
				close(p.jobs)
				return
			}
		}
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for req := range p.jobs {
		p.process(ctx, req)
		metrics.ClaimedRequestsInFlight.Dec()
	}
}

// process walks one leased request as far as it can go in this lease. The
// request either reaches a terminal state, gets re-enqueued with a backoff,
// or the lease is lost and the work is discarded.
func (p *Pipeline) process(ctx context.Context, req domain.ValidationRequest) {
	lease := *req.LeaseToken
	now := time.Now().UTC()

	if req.CancelRequested {
		p.finalizeFailure(ctx, &req, lease, domain.ReasonCancelled)
		return
	}
	if now.After(req.DeadlineAt) {
		p.finalizeFailure(ctx, &req, lease, domain.ReasonDeadline)
		return
	}

	// Extraction and resolution only run once; their outputs are durable and
	// a re-enqueued request resumes at the authority step.
	if req.TrackingCode == nil {
		if done := p.runExtraction(ctx, &req, lease); done {
			return
		}
	}
	if req.SenderBankCode == nil {
		if done := p.runBankResolution(ctx, &req, lease); done {
			return
		}
	}

	if p.cancelObserved(ctx, &req, lease) {
		return
	}

	p.runAuthorityValidation(ctx, &req, lease)
}

// runExtraction returns true when the request hit a terminal or rescheduled
// state and processing must stop for this lease.
func (p *Pipeline) runExtraction(ctx context.Context, req *domain.ValidationRequest, lease uuid.UUID) bool {
	if err := p.repo.AdvanceState(ctx, req.ID, lease, domain.StateExtracting); err != nil {
		p.logLeaseOutcome(req.ID, "extract", err)
		return true
	}

	receipt, err := p.extractor.Extract(ctx, req.ReceiptImageRef)
	if err != nil {
		var extractionErr *extract.ExtractionError
		if errors.As(err, &extractionErr) && extractionErr.Transient && req.FetchAttemptCount+1 < p.cfg.FetchMaxAttempts {
			metrics.ExtractionFailuresTotal.WithLabelValues("transient").Inc()
			notBefore := time.Now().UTC().Add(p.cfg.FetchRetryDelay)
			if _, reschedErr := p.repo.RescheduleImageFetch(ctx, req.ID, lease, notBefore); reschedErr != nil {
				p.logLeaseOutcome(req.ID, "reschedule_fetch", reschedErr)
			} else {
				log.Printf("level=warn component=pipeline op=extract request_id=%s msg=\"transient fetch failure; rescheduled\" fetch_attempts=%d err=%v", req.ID, req.FetchAttemptCount+1, err)
			}
			return true
		}
		metrics.ExtractionFailuresTotal.WithLabelValues("terminal").Inc()
		log.Printf("level=warn component=pipeline op=extract request_id=%s msg=\"extraction failed\" err=%v", req.ID, err)
		p.finalizeFailure(ctx, req, lease, domain.ReasonExtraction)
		return true
	}

	if !receipt.Usable() || receipt.OCRConfidence < p.cfg.MinOCRConfidence {
		metrics.ExtractionFailuresTotal.WithLabelValues("unusable").Inc()
		log.Printf("level=warn component=pipeline op=extract request_id=%s msg=\"unusable extraction\" tracking_code_found=%t bank_found=%t confidence=%.2f", req.ID, receipt.TrackingCode != "", receipt.RawBankName != "", receipt.OCRConfidence)
		p.finalizeFailure(ctx, req, lease, domain.ReasonExtraction)
		return true
	}

	if err := p.repo.SaveExtraction(ctx, req.ID, lease, receipt); err != nil {
		p.logLeaseOutcome(req.ID, "save_extraction", err)
		return true
	}
	req.TrackingCode = &receipt.TrackingCode
	req.RawBankName = &receipt.RawBankName
	req.ExtractedAmount = receipt.Amount
	req.ExtractedDate = receipt.TransferDate
	req.OCRConfidence = &receipt.OCRConfidence
	return false
}

func (p *Pipeline) runBankResolution(ctx context.Context, req *domain.ValidationRequest, lease uuid.UUID) bool {
	if err := p.repo.AdvanceState(ctx, req.ID, lease, domain.StateResolving); err != nil {
		p.logLeaseOutcome(req.ID, "resolve", err)
		return true
	}

	rawBank := ""
	if req.RawBankName != nil {
		rawBank = *req.RawBankName
	}
	code, err := p.resolver.Resolve(rawBank)
	if err != nil {
		log.Printf("level=warn component=pipeline op=resolve request_id=%s msg=\"sender bank not resolved\" raw_bank=%q", req.ID, rawBank)
		p.finalizeFailure(ctx, req, lease, domain.ReasonBankResolution)
		return true
	}

	if err := p.repo.SaveBankResolution(ctx, req.ID, lease, code); err != nil {
		p.logLeaseOutcome(req.ID, "save_resolution", err)
		return true
	}
	req.SenderBankCode = &code
	return false
}

func (p *Pipeline) runAuthorityValidation(ctx context.Context, req *domain.ValidationRequest, lease uuid.UUID) {
	expectedSenderCode, err := p.resolver.Resolve(req.ExpectedSenderBank)
	if err != nil {
		log.Printf("level=warn component=pipeline op=validate request_id=%s msg=\"expected sender bank not resolved\" raw_bank=%q", req.ID, req.ExpectedSenderBank)
		p.finalizeFailure(ctx, req, lease, domain.ReasonBankResolution)
		return
	}
	receiverCode, err := p.resolver.Resolve(req.ExpectedReceiverBank)
	if err != nil {
		log.Printf("level=warn component=pipeline op=validate request_id=%s msg=\"receiver bank not resolved\" raw_bank=%q", req.ID, req.ExpectedReceiverBank)
		p.finalizeFailure(ctx, req, lease, domain.ReasonBankResolution)
		return
	}

	attemptCount, err := p.repo.BeginAuthorityAttempt(ctx, req.ID, lease)
	if err != nil {
		p.logLeaseOutcome(req.ID, "begin_attempt", err)
		return
	}
	req.AttemptCount = attemptCount

	select {
	case p.authoritySem <- struct{}{}:
	case <-ctx.Done():
		// Shutting down; give the attempt back to the queue.
		_ = p.repo.RescheduleValidationRequest(context.Background(), req.ID, lease, time.Now().UTC())
		return
	}
	started := time.Now()
	outcome := p.authority.Validate(ctx, p.buildQuery(req, receiverCode))
	<-p.authoritySem
	metrics.AuthorityAttemptDuration.Observe(time.Since(started).Seconds())
	metrics.AuthorityAttemptsTotal.WithLabelValues(outcome.Kind.String()).Inc()

	if p.cancelObserved(ctx, req, lease) {
		// The verdict from the in-flight call is discarded.
		return
	}

	switch outcome.Kind {
	case cepclient.OutcomeConfirmed:
		p.reconcile(ctx, req, lease, outcome, expectedSenderCode, receiverCode)
	case cepclient.OutcomeRejectedInput:
		log.Printf("level=warn component=pipeline op=validate request_id=%s msg=\"authority rejected query\" detail=%q", req.ID, outcome.Detail)
		p.finalizeFailure(ctx, req, lease, domain.ReasonRejectedInput)
	case cepclient.OutcomeNotFound, cepclient.OutcomeServiceError:
		p.scheduleRetry(ctx, req, lease, outcome)
	}
}

// reconcile compares the authority's recorded transfer against the order's
// expectations and finalizes confirmed or mismatch. Every field the order
// pins must match: amount within tolerance, both bank codes, the beneficiary
// account and the settlement window. One discrepancy is enough for mismatch.
func (p *Pipeline) reconcile(ctx context.Context, req *domain.ValidationRequest, lease uuid.UUID, outcome cepclient.Outcome, expectedSenderCode, expectedReceiverCode string) {
	transfer := outcome.Transfer
	var discrepancies []string

	if transfer.Amount.Sub(req.ExpectedAmount).Abs().GreaterThan(p.cfg.AmountTolerance) {
		discrepancies = append(discrepancies, fmt.Sprintf("amount: authority %s, expected %s", transfer.Amount.StringFixed(2), req.ExpectedAmount.StringFixed(2)))
	}
	if transfer.SenderBankCode != expectedSenderCode {
		discrepancies = append(discrepancies, fmt.Sprintf("sender_bank: authority %s, expected %s", transfer.SenderBankCode, expectedSenderCode))
	}
	if transfer.ReceiverBankCode != expectedReceiverCode {
		discrepancies = append(discrepancies, fmt.Sprintf("receiver_bank: authority %s, expected %s", transfer.ReceiverBankCode, expectedReceiverCode))
	}
	switch {
	case transfer.BeneficiaryAccount == "":
		// The destination cannot be verified without it.
		discrepancies = append(discrepancies, "account: authority reported no beneficiary account")
	case transfer.BeneficiaryAccount != req.ExpectedAccount:
		discrepancies = append(discrepancies, fmt.Sprintf("account: authority %s, expected %s", transfer.BeneficiaryAccount, req.ExpectedAccount))
	}
	if !transfer.SettledAt.IsZero() && (transfer.SettledAt.Before(req.WindowStart) || transfer.SettledAt.After(req.WindowEnd)) {
		discrepancies = append(discrepancies, fmt.Sprintf("settled_at: authority %s outside window [%s, %s]", transfer.SettledAt.Format(time.RFC3339), req.WindowStart.Format(time.RFC3339), req.WindowEnd.Format(time.RFC3339)))
	}

	authorityAmount := transfer.Amount
	if len(discrepancies) > 0 {
		detail := strings.Join(discrepancies, "; ")
		err := p.repo.MarkValidationTerminal(ctx, req.ID, lease, store.TerminalParams{
			State:           domain.StateMismatch,
			MismatchDetail:  &detail,
			AuthorityAmount: &authorityAmount,
			Document:        outcome.Document,
		})
		if err != nil {
			p.logLeaseOutcome(req.ID, "mark_mismatch", err)
			return
		}
		req.State = domain.StateMismatch
		req.MismatchDetail = &detail
		req.AuthorityAmount = &authorityAmount
		req.AuthorityDocument = outcome.Document
		req.UpdatedAt = time.Now().UTC()
		p.service.PublishResult(ctx, req)
		return
	}

	err := p.repo.MarkValidationTerminal(ctx, req.ID, lease, store.TerminalParams{
		State:           domain.StateConfirmed,
		AuthorityAmount: &authorityAmount,
		Document:        outcome.Document,
	})
	if err != nil {
		p.logLeaseOutcome(req.ID, "mark_confirmed", err)
		return
	}
	req.State = domain.StateConfirmed
	req.AuthorityAmount = &authorityAmount
	req.AuthorityDocument = outcome.Document
	req.UpdatedAt = time.Now().UTC()
	p.service.PublishResult(ctx, req)
}

func (p *Pipeline) scheduleRetry(ctx context.Context, req *domain.ValidationRequest, lease uuid.UUID, outcome cepclient.Outcome) {
	now := time.Now().UTC()
	decision := p.retry.Next(now, req.AttemptCount, req.DeadlineAt)
	if !decision.Retry {
		log.Printf("level=warn component=pipeline op=validate request_id=%s msg=\"retry budget exhausted\" reason=%s attempts=%d", req.ID, decision.Reason, req.AttemptCount)
		p.finalizeFailure(ctx, req, lease, decision.Reason)
		return
	}

	if err := p.repo.RescheduleValidationRequest(ctx, req.ID, lease, decision.NotBefore); err != nil {
		p.logLeaseOutcome(req.ID, "reschedule", err)
		return
	}
	metrics.RetriesScheduledTotal.Inc()
	log.Printf("level=info component=pipeline op=validate request_id=%s msg=\"transient authority outcome; retry scheduled\" outcome=%s attempts=%d not_before=%s", req.ID, outcome.Kind, req.AttemptCount, decision.NotBefore.Format(time.RFC3339))
}

// cancelObserved re-reads the cancellation flag at a step boundary and, when
// set, finalizes the request as cancelled.
func (p *Pipeline) cancelObserved(ctx context.Context, req *domain.ValidationRequest, lease uuid.UUID) bool {
	fresh, err := p.repo.FindValidationRequestByID(ctx, req.ID)
	if err != nil {
		log.Printf("level=error component=pipeline op=cancel_check request_id=%s err=%v", req.ID, err)
		return false
	}
	if !fresh.CancelRequested {
		return false
	}
	p.finalizeFailure(ctx, req, lease, domain.ReasonCancelled)
	return true
}

func (p *Pipeline) finalizeFailure(ctx context.Context, req *domain.ValidationRequest, lease uuid.UUID, reason domain.FailureReason) {
	err := p.repo.MarkValidationTerminal(ctx, req.ID, lease, store.TerminalParams{
		State:         domain.StateFailed,
		FailureReason: &reason,
	})
	if err != nil {
		p.logLeaseOutcome(req.ID, "mark_failed", err)
		return
	}
	req.State = domain.StateFailed
	req.FailureReason = &reason
	req.UpdatedAt = time.Now().UTC()
	p.service.PublishResult(ctx, req)
}

func (p *Pipeline) logLeaseOutcome(id uuid.UUID, op string, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		log.Printf("level=warn component=pipeline op=%s request_id=%s msg=\"lease lost; discarding in-flight work\"", op, id)
		return
	}
	log.Printf("level=error component=pipeline op=%s request_id=%s err=%v", op, id, err)
}

func (p *Pipeline) buildQuery(req *domain.ValidationRequest, receiverCode string) cepclient.Query {
	date := req.WindowStart
	if req.ExtractedDate != nil {
		date = *req.ExtractedDate
	}
	amount := req.ExpectedAmount
	if req.ExtractedAmount != nil {
		amount = *req.ExtractedAmount
	}
	return cepclient.Query{
		Date:             date,
		TrackingCode:     *req.TrackingCode,
		SenderBankCode:   *req.SenderBankCode,
		ReceiverBankCode: receiverCode,
		Account:          req.ExpectedAccount,
		Amount:           amount,
	}
}

var _ BankResolver = (*banks.Resolver)(nil)
