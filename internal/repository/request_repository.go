package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/database"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/workflow"
)

// RequestRepository is the Postgres-backed workflow.RequestStore. A request
// and its step instances are always written together in one transaction, so a
// state change and its vote records commit atomically or not at all.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Get loads a request with all of its step instances.
func (r *RequestRepository) Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	query := selectRequest + ` WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, err
	}

	steps, err := r.stepsFor(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	req.Steps = steps
	return req, nil
}

// Save upserts the request row and all step rows in a single transaction.
func (r *RequestRepository) Save(ctx context.Context, req *workflow.ApprovalRequest) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			INSERT INTO approval_requests
			    (id, tenant_id, document_id, entity_type, config_id, requester_id,
			     amount, currency, status, current_step, reservation_token,
			     submitted_at, completed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10, $11,
			        $12, $13, $14)
			ON CONFLICT (id) DO UPDATE
			SET status            = EXCLUDED.status,
			    current_step      = EXCLUDED.current_step,
			    reservation_token = EXCLUDED.reservation_token,
			    completed_at      = EXCLUDED.completed_at,
			    updated_at        = EXCLUDED.updated_at
		`
		_, err := tx.Exec(ctx, reqQuery,
			req.ID,
			req.TenantID,
			req.DocumentID,
			req.EntityType,
			req.ConfigID,
			req.RequesterID,
			req.Amount,
			req.Currency,
			string(req.Status),
			req.CurrentStep,
			req.ReservationToken,
			req.SubmittedAt,
			req.CompletedAt,
			req.UpdatedAt,
		)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to save approval request")
		}

		stepQuery := `
			INSERT INTO approval_step_instances
			    (id, request_id, tenant_id, step_order, approvers, quorum,
			     allow_self_approval, allow_delegation, sla_hours,
			     auto_escalate, escalate_to_id, status, deadline, escalated,
			     votes, reason, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9,
			        $10, $11, $12, $13, $14,
			        $15, $16, $17, $18)
			ON CONFLICT (id) DO UPDATE
			SET approvers    = EXCLUDED.approvers,
			    status       = EXCLUDED.status,
			    deadline     = EXCLUDED.deadline,
			    escalated    = EXCLUDED.escalated,
			    votes        = EXCLUDED.votes,
			    reason       = EXCLUDED.reason,
			    started_at   = EXCLUDED.started_at,
			    completed_at = EXCLUDED.completed_at
		`
		for _, step := range req.Steps {
			approversJSON, err := json.Marshal(step.Approvers)
			if err != nil {
				return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal step approvers")
			}
			votesJSON, err := json.Marshal(step.Votes)
			if err != nil {
				return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal step votes")
			}

			_, err = tx.Exec(ctx, stepQuery,
				step.ID,
				req.ID,
				req.TenantID,
				step.StepOrder,
				approversJSON,
				step.Quorum,
				step.AllowSelfApproval,
				step.AllowDelegation,
				step.SLAHours,
				step.AutoEscalate,
				step.EscalateToID,
				string(step.Status),
				step.Deadline,
				step.Escalated,
				votesJSON,
				step.Reason,
				step.StartedAt,
				step.CompletedAt,
			)
			if err != nil {
				return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to save approval step")
			}
		}
		return nil
	})
}

// ListInFlight returns all requests not in a terminal status, with their
// steps. Used by the SLA sweep.
func (r *RequestRepository) ListInFlight(ctx context.Context) ([]*workflow.ApprovalRequest, error) {
	query := selectRequest + `
		WHERE status IN ('pending', 'in_progress', 'escalated')
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list in-flight requests")
	}
	defer rows.Close()

	var reqs []*workflow.ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	rows.Close()

	for _, req := range reqs {
		steps, err := r.stepsFor(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		req.Steps = steps
	}
	return reqs, nil
}

// GetByDocumentID returns the most recent request for a document, or nil.
func (r *RequestRepository) GetByDocumentID(ctx context.Context, tenantID, documentID string) (*workflow.ApprovalRequest, error) {
	query := selectRequest + `
		WHERE tenant_id = $1 AND document_id = $2
		ORDER BY submitted_at DESC
		LIMIT 1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, tenantID, documentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	steps, err := r.stepsFor(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	req.Steps = steps
	return req, nil
}

// PendingForUser returns all open step instances whose approver snapshot
// contains the user, ordered by deadline.
func (r *RequestRepository) PendingForUser(ctx context.Context, tenantID, userID string) ([]*workflow.ApprovalRequest, error) {
	query := selectRequest + `
		WHERE tenant_id = $1
		  AND status IN ('in_progress', 'escalated')
		  AND id IN (
		      SELECT s.request_id
		      FROM approval_step_instances s
		      JOIN approval_requests q ON q.id = s.request_id
		      WHERE s.tenant_id = $1
		        AND s.status = 'in_progress'
		        AND s.step_order = q.current_step
		        AND s.approvers @> to_jsonb(ARRAY[$2::text])
		  )
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	var reqs []*workflow.ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	rows.Close()

	for _, req := range reqs {
		steps, err := r.stepsFor(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		req.Steps = steps
	}
	return reqs, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectRequest = `
	SELECT id, tenant_id, document_id, entity_type, config_id, requester_id,
	       amount, currency, status, current_step, reservation_token,
	       submitted_at, completed_at, updated_at
	FROM approval_requests`

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*workflow.ApprovalRequest, error) {
	req := &workflow.ApprovalRequest{}
	var status string

	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.DocumentID,
		&req.EntityType,
		&req.ConfigID,
		&req.RequesterID,
		&req.Amount,
		&req.Currency,
		&status,
		&req.CurrentStep,
		&req.ReservationToken,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = workflow.RequestStatus(status)
	return req, nil
}

func (r *RequestRepository) stepsFor(ctx context.Context, requestID string) ([]*workflow.StepInstance, error) {
	query := `
		SELECT id, step_order, approvers, quorum,
		       allow_self_approval, allow_delegation, sla_hours,
		       auto_escalate, escalate_to_id, status, deadline, escalated,
		       votes, reason, started_at, completed_at
		FROM approval_step_instances
		WHERE request_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get step instances")
	}
	defer rows.Close()

	var steps []*workflow.StepInstance
	for rows.Next() {
		s := &workflow.StepInstance{}
		var status string
		var approversJSON, votesJSON []byte

		err := rows.Scan(
			&s.ID,
			&s.StepOrder,
			&approversJSON,
			&s.Quorum,
			&s.AllowSelfApproval,
			&s.AllowDelegation,
			&s.SLAHours,
			&s.AutoEscalate,
			&s.EscalateToID,
			&status,
			&s.Deadline,
			&s.Escalated,
			&votesJSON,
			&s.Reason,
			&s.StartedAt,
			&s.CompletedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan step instance")
		}

		s.Status = workflow.StepStatus(status)
		if err := json.Unmarshal(approversJSON, &s.Approvers); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to unmarshal step approvers")
		}
		if err := json.Unmarshal(votesJSON, &s.Votes); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to unmarshal step votes")
		}
		if s.Votes == nil {
			s.Votes = map[string]workflow.Vote{}
		}
		steps = append(steps, s)
	}
	return steps, nil
}
