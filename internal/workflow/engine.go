package workflow

import (
	"context"
	"time"

	"github.com/anggasct/fluo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// RequestStore persists approval request aggregates. Save must be atomic:
// the request row, its steps and their votes commit together or not at all.
type RequestStore interface {
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	Save(ctx context.Context, req *ApprovalRequest) error
	ListInFlight(ctx context.Context) ([]*ApprovalRequest, error)
}

// DelegationSource provides the current delegation mapping for a tenant.
type DelegationSource interface {
	Delegations(ctx context.Context, tenantID string) (DelegationSet, error)
}

// SweepReport summarizes one SLA sweep pass.
type SweepReport struct {
	Escalated []*ApprovalRequest
	Expired   []*ApprovalRequest
}

// Engine owns the lifecycle of approval requests: vote tallying, step
// advancement, delegation substitution, SLA escalation and cancellation.
// Every mutation of a request is serialized through a per-request mutex.
type Engine struct {
	store       RequestStore
	delegations DelegationSource
	lifecycle   fluo.MachineDefinition
	locks       *keyedMutex
	now         func() time.Time
	log         zerolog.Logger
}

// NewEngine creates an Engine backed by the given store and delegation source.
func NewEngine(store RequestStore, delegations DelegationSource, log zerolog.Logger) *Engine {
	return &Engine{
		store:       store,
		delegations: delegations,
		lifecycle:   newLifecycle(),
		locks:       newKeyedMutex(),
		now:         time.Now,
		log:         log,
	}
}

// WithClock overrides the engine clock. Used by tests and the sweep driver.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Submit creates an approval request from a built chain and starts its first
// step. With a nil config (no workflow matched) the request is recorded as
// auto-approved with no steps.
func (e *Engine) Submit(ctx context.Context, cfg *WorkflowConfig, doc DocumentContext, steps []*StepInstance, reservationToken *string) (*ApprovalRequest, error) {
	now := e.now()
	req := &ApprovalRequest{
		ID:               uuid.NewString(),
		TenantID:         doc.TenantID,
		DocumentID:       doc.DocumentID,
		EntityType:       doc.EntityType,
		RequesterID:      doc.RequesterID,
		Amount:           doc.Amount,
		Currency:         doc.Currency,
		Status:           StatusDraft,
		Steps:            steps,
		ReservationToken: reservationToken,
		SubmittedAt:      now,
		UpdatedAt:        now,
	}

	if cfg == nil {
		// No applicable workflow: auto-approved without a chain.
		req.Status = StatusApproved
		req.CompletedAt = &now
		if err := e.store.Save(ctx, req); err != nil {
			return nil, err
		}
		e.log.Info().
			Str("request_id", req.ID).
			Str("document_id", doc.DocumentID).
			Msg("No workflow matched; document auto-approved")
		return req, nil
	}

	req.ConfigID = &cfg.ID
	if err := transition(e.lifecycle, req, eventSubmit); err != nil {
		return nil, err
	}
	if err := transition(e.lifecycle, req, eventStart); err != nil {
		return nil, err
	}
	e.startStep(req, req.NextAfter(0), now)

	if err := e.store.Save(ctx, req); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("document_id", doc.DocumentID).
		Str("workflow", cfg.Name).
		Int("steps", len(steps)).
		Msg("Approval request submitted")

	return req, nil
}

// CastVote applies one vote to the request's current step. The effective
// principal is resolved through the delegation mapping; at most one vote is
// recorded per distinct principal and a re-vote overwrites rather than double
// counts.
func (e *Engine) CastVote(ctx context.Context, requestID, voterID string, decision Decision, comment *string) (*StepResult, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, apperr.InvalidInput("decision", "must be approve or reject")
	}

	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, apperr.Newf(apperr.ErrCodeAlreadyTerminal,
			"approval request %s is already %s", requestID, req.Status)
	}

	step := req.Current()
	if step == nil || step.Terminal() {
		return nil, apperr.Newf(apperr.ErrCodeAlreadyTerminal,
			"step is no longer open on request %s", requestID)
	}

	now := e.now()
	delegs, err := e.delegations.Delegations(ctx, req.TenantID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to load delegation mapping")
	}

	principal, delegated, err := resolvePrincipal(step, voterID, delegs, now)
	if err != nil {
		return nil, err
	}
	if delegated && !step.AllowDelegation {
		return nil, apperr.Newf(apperr.ErrCodeUnauthorized,
			"step %d does not allow delegated votes", step.StepOrder)
	}
	if !step.AllowSelfApproval && voterID == req.RequesterID {
		return nil, apperr.New(apperr.ErrCodeUnauthorized,
			"requester cannot approve their own document on this step")
	}

	step.Votes[principal] = Vote{
		Principal: principal,
		VoterID:   voterID,
		Decision:  decision,
		Comment:   comment,
		CastAt:    now,
	}

	result := &StepResult{
		RequestID: req.ID,
		StepOrder: step.StepOrder,
		Quorum:    step.Quorum,
	}

	switch {
	case decision == DecisionReject:
		// Default reject-on-first policy: one rejection vetoes the request.
		e.completeStep(step, StepRejected, "", now)
		if err := transition(e.lifecycle, req, eventReject); err != nil {
			return nil, err
		}
		req.CompletedAt = &now
		result.Completed = true

	case step.ApproveCount() >= step.Quorum:
		e.completeStep(step, StepApproved, "", now)
		if next := req.NextAfter(step.StepOrder); next != nil {
			if req.Status == StatusEscalated {
				if err := transition(e.lifecycle, req, eventResume); err != nil {
					return nil, err
				}
			}
			e.startStep(req, next, now)
			result.Advanced = true
		} else {
			if err := transition(e.lifecycle, req, eventApprove); err != nil {
				return nil, err
			}
			req.CurrentStep = 0
			req.CompletedAt = &now
			result.Completed = true
		}

	default:
		// Dead-chain detection: when the votes still possible can no longer
		// reach quorum the step terminates instead of pending forever.
		possible := step.ApproveCount() + (len(step.Approvers) - len(step.Votes))
		if possible < step.Quorum {
			e.completeStep(step, StepRejected, ReasonQuorumUnreachable, now)
			if err := transition(e.lifecycle, req, eventReject); err != nil {
				return nil, err
			}
			req.CompletedAt = &now
			result.Completed = true
		}
	}

	req.UpdatedAt = now
	if err := e.store.Save(ctx, req); err != nil {
		return nil, err
	}

	result.RequestStatus = req.Status
	result.StepStatus = step.Status
	result.Approvals = step.ApproveCount()

	e.log.Info().
		Str("request_id", req.ID).
		Str("voter_id", voterID).
		Str("principal", principal).
		Str("decision", string(decision)).
		Int("step", step.StepOrder).
		Str("request_status", string(req.Status)).
		Msg("Vote recorded")

	return result, nil
}

// Cancel terminates a pending or in-progress request. Racing a final vote
// resolves by lock order: the loser observes AlreadyTerminal.
func (e *Engine) Cancel(ctx context.Context, requestID, actorID string) (*ApprovalRequest, error) {
	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if err := transition(e.lifecycle, req, eventCancel); err != nil {
		return nil, err
	}

	now := e.now()
	for _, s := range req.Steps {
		if !s.Terminal() {
			e.completeStep(s, StepCancelled, "", now)
		}
	}
	req.CurrentStep = 0
	req.CompletedAt = &now
	req.UpdatedAt = now

	if err := e.store.Save(ctx, req); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("actor_id", actorID).
		Msg("Approval request cancelled")

	return req, nil
}

// Sweep visits every in-flight request and handles current steps past their
// deadline: auto-escalating steps gain their escalation approver and one
// deadline extension (at most once, guarded by the Escalated flag); all others
// time out, equivalent to rejection with reason SLA_EXPIRED. Running the sweep
// twice in a row yields identical state.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	reqs, err := e.store.ListInFlight(ctx)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, stale := range reqs {
		escalated, expired, err := e.sweepOne(ctx, stale.ID)
		if err != nil {
			e.log.Error().Err(err).Str("request_id", stale.ID).Msg("SLA sweep failed for request")
			continue
		}
		if escalated != nil {
			report.Escalated = append(report.Escalated, escalated)
		}
		if expired != nil {
			report.Expired = append(report.Expired, expired)
		}
	}
	return report, nil
}

func (e *Engine) sweepOne(ctx context.Context, requestID string) (escalated, expired *ApprovalRequest, err error) {
	unlock := e.locks.Lock(requestID)
	defer unlock()

	// Re-read under the lock; the listing snapshot may be stale.
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status.Terminal() {
		return nil, nil, nil
	}

	step := req.Current()
	if step == nil || step.Terminal() || step.Deadline == nil {
		return nil, nil, nil
	}

	now := e.now()
	if now.Before(*step.Deadline) {
		return nil, nil, nil
	}

	if step.AutoEscalate && step.EscalateToID != nil && !step.Escalated {
		// Additive: the escalation approver joins the eligible set, existing
		// approvers stay. One-shot flag makes re-running the sweep idempotent.
		step.Escalated = true
		if !step.Eligible(*step.EscalateToID) {
			step.Approvers = append(step.Approvers, *step.EscalateToID)
		}
		deadline := now.Add(time.Duration(step.SLAHours) * time.Hour)
		step.Deadline = &deadline
		if req.Status == StatusInProgress {
			if err := transition(e.lifecycle, req, eventEscalate); err != nil {
				return nil, nil, err
			}
		}
		req.UpdatedAt = now
		if err := e.store.Save(ctx, req); err != nil {
			return nil, nil, err
		}
		e.log.Warn().
			Str("request_id", req.ID).
			Int("step", step.StepOrder).
			Str("escalate_to", *step.EscalateToID).
			Time("new_deadline", deadline).
			Msg("Step escalated on SLA breach")
		return req, nil, nil
	}

	e.completeStep(step, StepTimedOut, ReasonSLAExpired, now)
	if err := transition(e.lifecycle, req, eventReject); err != nil {
		return nil, nil, err
	}
	req.CompletedAt = &now
	req.UpdatedAt = now
	if err := e.store.Save(ctx, req); err != nil {
		return nil, nil, err
	}
	e.log.Warn().
		Str("request_id", req.ID).
		Int("step", step.StepOrder).
		Msg("Step timed out; request rejected with SLA_EXPIRED")
	return nil, req, nil
}

// startStep makes the given step current and stamps its deadline from now.
func (e *Engine) startStep(req *ApprovalRequest, step *StepInstance, now time.Time) {
	if step == nil {
		return
	}
	req.CurrentStep = step.StepOrder
	step.Status = StepInProgress
	step.StartedAt = &now
	if step.SLAHours > 0 {
		deadline := now.Add(time.Duration(step.SLAHours) * time.Hour)
		step.Deadline = &deadline
	}
}

func (e *Engine) completeStep(step *StepInstance, status StepStatus, reason string, now time.Time) {
	step.Status = status
	step.Reason = reason
	step.CompletedAt = &now
}

// resolvePrincipal maps the caster to the eligible approver the vote counts
// for. A direct approver votes as themselves; otherwise the caster may vote
// as the delegate of exactly one eligible approver whose delegation window is
// currently active.
func resolvePrincipal(step *StepInstance, voterID string, delegs DelegationSet, now time.Time) (string, bool, error) {
	if step.Eligible(voterID) {
		return voterID, false, nil
	}
	for _, a := range step.Approvers {
		if delegs.DelegateOf(a, now) == voterID {
			return a, true, nil
		}
	}
	return "", false, apperr.Newf(apperr.ErrCodeUnauthorized,
		"user %s is not eligible to vote on step %d", voterID, step.StepOrder)
}
