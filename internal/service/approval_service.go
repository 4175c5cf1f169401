package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/budget"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/client"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/repository"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/workflow"
)

// ApprovalService orchestrates the approval lifecycle: workflow resolution,
// chain construction, budget reservation, voting, cancellation and the SLA
// sweep. Budget commitments follow the request to its terminal state: settled
// on approval, released on rejection, cancellation or SLA expiry.
type ApprovalService struct {
	configRepo  *repository.ConfigRepository
	requestRepo *repository.RequestRepository
	auditRepo   *repository.AuditRepository
	builder     *workflow.ChainBuilder
	engine      *workflow.Engine
	ledger      *budget.Ledger
	notifier    *client.NotificationPublisher
	log         zerolog.Logger
}

// NewApprovalService creates a new approval service.
func NewApprovalService(
	configRepo *repository.ConfigRepository,
	requestRepo *repository.RequestRepository,
	auditRepo *repository.AuditRepository,
	builder *workflow.ChainBuilder,
	engine *workflow.Engine,
	ledger *budget.Ledger,
	notifier *client.NotificationPublisher,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		configRepo:  configRepo,
		requestRepo: requestRepo,
		auditRepo:   auditRepo,
		builder:     builder,
		engine:      engine,
		ledger:      ledger,
		notifier:    notifier,
		log:         log,
	}
}

// SubmitRequest represents a submit-for-approval request.
type SubmitRequest struct {
	TenantID     string
	DocumentID   string
	EntityType   string
	Amount       int64
	Currency     string
	DepartmentID *string
	CategoryID   *string
	RequesterID  string
	Fields       map[string]string
	BudgetID     *string
}

// VoteRequest represents a cast-vote request.
type VoteRequest struct {
	RequestID string
	VoterID   string
	Decision  string
	Comment   *string
}

// ── Resolution ────────────────────────────────────────────────────────────────

// ResolveWorkflow returns the single workflow configuration that applies to
// the document, or nil when none matches.
func (s *ApprovalService) ResolveWorkflow(ctx context.Context, doc workflow.DocumentContext) (*workflow.WorkflowConfig, error) {
	configs, err := s.configRepo.ListActive(ctx, doc.TenantID, doc.EntityType)
	if err != nil {
		return nil, err
	}
	return workflow.Resolve(doc, configs)
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitForApproval resolves the applicable workflow for the document, builds
// its approval chain, optionally reserves budget and starts the first step.
// When no workflow matches the document is auto-approved with no steps. A
// budget reservation taken here is rolled back if anything after it fails.
func (s *ApprovalService) SubmitForApproval(ctx context.Context, req *SubmitRequest) (*workflow.ApprovalRequest, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	if existing, err := s.requestRepo.GetByDocumentID(ctx, req.TenantID, req.DocumentID); err == nil && existing != nil && !existing.Status.Terminal() {
		return nil, apperr.Newf(apperr.ErrCodeConflict,
			"document %s already has an open approval request", req.DocumentID)
	}

	doc := workflow.DocumentContext{
		TenantID:     req.TenantID,
		DocumentID:   req.DocumentID,
		EntityType:   req.EntityType,
		Amount:       req.Amount,
		Currency:     strings.ToUpper(req.Currency),
		DepartmentID: req.DepartmentID,
		CategoryID:   req.CategoryID,
		RequesterID:  req.RequesterID,
		Fields:       req.Fields,
	}

	cfg, err := s.ResolveWorkflow(ctx, doc)
	if err != nil {
		return nil, err
	}

	var steps []*workflow.StepInstance
	if cfg != nil {
		steps, err = s.builder.Build(ctx, cfg, doc)
		if err != nil {
			return nil, err
		}
	}

	var token *string
	if req.BudgetID != nil && cfg != nil {
		t, err := s.ledger.Reserve(ctx, *req.BudgetID, req.Amount, "approval:"+req.DocumentID)
		if err != nil {
			return nil, err
		}
		token = &t
	}

	ar, err := s.engine.Submit(ctx, cfg, doc, steps, token)
	if err != nil {
		if token != nil {
			if relErr := s.ledger.Release(ctx, *token); relErr != nil {
				s.log.Error().Err(relErr).
					Str("reservation_token", *token).
					Msg("Failed to roll back budget reservation after submit failure")
			}
		}
		return nil, err
	}

	action := "submitted"
	if ar.Status == workflow.StatusApproved {
		action = "auto_approved"
	}
	s.appendAudit(ctx, ar, action, req.RequesterID, string(workflow.StatusDraft), map[string]interface{}{
		"amount":   req.Amount,
		"currency": doc.Currency,
	})

	if current := ar.Current(); current != nil {
		s.notifier.PublishApprovalEvent(ctx, "approval_required", ar.TenantID, ar.ID, req.RequesterID,
			current.Approvers, map[string]interface{}{
				"document_id": ar.DocumentID,
				"step_order":  current.StepOrder,
				"amount":      ar.Amount,
				"currency":    ar.Currency,
			})
	}

	return ar, nil
}

// ── Voting ────────────────────────────────────────────────────────────────────

// CastVote records one vote and settles or releases the budget commitment
// when the vote drives the request to a terminal state.
func (s *ApprovalService) CastVote(ctx context.Context, req *VoteRequest) (*workflow.StepResult, error) {
	decision := workflow.Decision(strings.ToLower(req.Decision))
	result, err := s.engine.CastVote(ctx, req.RequestID, req.VoterID, decision, req.Comment)
	if err != nil {
		return nil, err
	}

	ar, err := s.requestRepo.Get(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, ar, "vote_cast", req.VoterID, string(workflow.StatusInProgress), map[string]interface{}{
		"decision":   string(decision),
		"step_order": result.StepOrder,
	})

	switch {
	case result.Completed && ar.Status == workflow.StatusApproved:
		s.closeReservation(ctx, ar, true)
		s.appendAudit(ctx, ar, "approved", req.VoterID, string(workflow.StatusInProgress), nil)
		s.notifier.PublishApprovalEvent(ctx, "request_approved", ar.TenantID, ar.ID, req.VoterID,
			[]string{ar.RequesterID}, map[string]interface{}{"document_id": ar.DocumentID})

	case result.Completed && ar.Status == workflow.StatusRejected:
		s.closeReservation(ctx, ar, false)
		s.appendAudit(ctx, ar, "rejected", req.VoterID, string(workflow.StatusInProgress), map[string]interface{}{
			"reason": rejectionReason(ar),
		})
		s.notifier.PublishApprovalEvent(ctx, "request_rejected", ar.TenantID, ar.ID, req.VoterID,
			[]string{ar.RequesterID}, map[string]interface{}{
				"document_id": ar.DocumentID,
				"reason":      rejectionReason(ar),
			})

	case result.Advanced:
		if current := ar.Current(); current != nil {
			s.notifier.PublishApprovalEvent(ctx, "approval_required", ar.TenantID, ar.ID, req.VoterID,
				current.Approvers, map[string]interface{}{
					"document_id": ar.DocumentID,
					"step_order":  current.StepOrder,
					"amount":      ar.Amount,
					"currency":    ar.Currency,
				})
		}
	}

	return result, nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// Cancel withdraws an open approval request and releases its budget
// reservation.
func (s *ApprovalService) Cancel(ctx context.Context, requestID, actorID string) (*workflow.ApprovalRequest, error) {
	ar, err := s.engine.Cancel(ctx, requestID, actorID)
	if err != nil {
		return nil, err
	}

	s.closeReservation(ctx, ar, false)
	s.appendAudit(ctx, ar, "cancelled", actorID, string(workflow.StatusInProgress), nil)
	s.notifier.PublishApprovalEvent(ctx, "request_cancelled", ar.TenantID, ar.ID, actorID,
		[]string{ar.RequesterID}, map[string]interface{}{"document_id": ar.DocumentID})

	return ar, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns one approval request with its steps and votes.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID string) (*workflow.ApprovalRequest, error) {
	return s.requestRepo.Get(ctx, requestID)
}

// GetByDocument returns the approval request for a document, newest first.
func (s *ApprovalService) GetByDocument(ctx context.Context, tenantID, documentID string) (*workflow.ApprovalRequest, error) {
	return s.requestRepo.GetByDocumentID(ctx, tenantID, documentID)
}

// PendingForUser lists in-flight requests whose current step names the user
// as an eligible approver.
func (s *ApprovalService) PendingForUser(ctx context.Context, tenantID, userID string) ([]*workflow.ApprovalRequest, error) {
	return s.requestRepo.PendingForUser(ctx, tenantID, userID)
}

// History returns the audit trail for a document.
func (s *ApprovalService) History(ctx context.Context, tenantID, documentID string) ([]*repository.AuditEntry, error) {
	return s.auditRepo.GetByDocumentID(ctx, tenantID, documentID)
}

// ── SLA sweep ─────────────────────────────────────────────────────────────────

// RunSLASweep drives one pass of the engine's deadline sweep and performs the
// follow-up side effects: escalation notices for escalated requests, budget
// release and rejection notices for expired ones.
func (s *ApprovalService) RunSLASweep(ctx context.Context) (*workflow.SweepReport, error) {
	report, err := s.engine.Sweep(ctx)
	if err != nil {
		return nil, err
	}

	for _, ar := range report.Escalated {
		step := ar.Current()
		s.appendAudit(ctx, ar, "escalated", "system", string(workflow.StatusInProgress), map[string]interface{}{
			"step_order": ar.CurrentStep,
		})
		if step != nil {
			s.notifier.PublishApprovalEvent(ctx, "request_escalated", ar.TenantID, ar.ID, "system",
				step.Approvers, map[string]interface{}{
					"document_id": ar.DocumentID,
					"step_order":  step.StepOrder,
				})
		}
	}

	for _, ar := range report.Expired {
		s.closeReservation(ctx, ar, false)
		s.appendAudit(ctx, ar, "rejected", "system", string(workflow.StatusInProgress), map[string]interface{}{
			"reason": workflow.ReasonSLAExpired,
		})
		s.notifier.PublishApprovalEvent(ctx, "request_rejected", ar.TenantID, ar.ID, "system",
			[]string{ar.RequesterID}, map[string]interface{}{
				"document_id": ar.DocumentID,
				"reason":      workflow.ReasonSLAExpired,
			})
	}

	if len(report.Escalated) > 0 || len(report.Expired) > 0 {
		s.log.Info().
			Int("escalated", len(report.Escalated)).
			Int("expired", len(report.Expired)).
			Msg("SLA sweep pass complete")
	}
	return report, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// closeReservation settles (approved) or releases (any other terminal state)
// the request's budget commitment. Failures are logged, not propagated: the
// request outcome stands and the ledger can be reconciled from transactions.
func (s *ApprovalService) closeReservation(ctx context.Context, ar *workflow.ApprovalRequest, settle bool) {
	if ar.ReservationToken == nil {
		return
	}
	var err error
	if settle {
		err = s.ledger.Settle(ctx, *ar.ReservationToken, ar.Amount)
	} else {
		err = s.ledger.Release(ctx, *ar.ReservationToken)
	}
	if err != nil && !apperr.HasCode(err, apperr.ErrCodeConflict) {
		s.log.Error().Err(err).
			Str("request_id", ar.ID).
			Str("reservation_token", *ar.ReservationToken).
			Bool("settle", settle).
			Msg("Failed to close budget reservation for terminal request")
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *ApprovalService) appendAudit(ctx context.Context, ar *workflow.ApprovalRequest, action, actorID, statusBefore string, metadata map[string]interface{}) {
	after := string(ar.Status)
	entry := &repository.AuditEntry{
		TenantID:     ar.TenantID,
		DocumentID:   ar.DocumentID,
		RequestID:    &ar.ID,
		Action:       action,
		PerformedBy:  actorID,
		StatusBefore: &statusBefore,
		StatusAfter:  &after,
		Metadata:     metadata,
	}
	if ar.CurrentStep > 0 {
		step := ar.CurrentStep
		entry.StepOrder = &step
	}
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", ar.ID).
			Str("action", action).
			Msg("Failed to write audit log entry")
	}
}

func rejectionReason(ar *workflow.ApprovalRequest) string {
	for _, step := range ar.Steps {
		if step.Status == workflow.StepRejected || step.Status == workflow.StepTimedOut {
			if step.Reason != "" {
				return step.Reason
			}
		}
	}
	return ""
}

func validateSubmit(req *SubmitRequest) error {
	switch {
	case req.TenantID == "":
		return apperr.InvalidInput("tenant_id", "tenant_id is required")
	case req.DocumentID == "":
		return apperr.InvalidInput("document_id", "document_id is required")
	case req.RequesterID == "":
		return apperr.InvalidInput("requester_id", "requester_id is required")
	case req.Amount <= 0:
		return apperr.InvalidInput("amount", "amount must be positive")
	case len(req.Currency) != 3:
		return apperr.InvalidInput("currency", "currency must be a 3-letter ISO code")
	}
	validEntities := map[string]bool{
		"purchase_request": true,
		"purchase_order":   true,
		"invoice":          true,
	}
	if !validEntities[strings.ToLower(req.EntityType)] {
		return apperr.InvalidInput("entity_type", "invalid entity type")
	}
	return nil
}
