// Package workflow implements the purchase approval engine: configuration
// resolution, approval chain construction and the per-request state machine.
package workflow

import "time"

// DocumentContext is the slice of a purchasing document the engine needs.
// It is provided by the purchase request/order/invoice aggregates.
type DocumentContext struct {
	TenantID     string            `json:"tenant_id"`
	DocumentID   string            `json:"document_id"`
	EntityType   string            `json:"entity_type"` // purchase_request | purchase_order | invoice
	Amount       int64             `json:"amount"`      // minor currency units
	Currency     string            `json:"currency"`
	DepartmentID *string           `json:"department_id,omitempty"`
	CategoryID   *string           `json:"category_id,omitempty"`
	RequesterID  string            `json:"requester_id"`
	Fields       map[string]string `json:"fields,omitempty"` // custom rule fields
}

// WorkflowConfig is one configurable approval workflow with its scope keys,
// matching rules and ordered step definitions.
type WorkflowConfig struct {
	ID           string
	TenantID     string
	Name         string
	EntityType   string
	DepartmentID *string
	CategoryID   *string
	MinAmount    *int64 // inclusive; nil = no lower bound
	MaxAmount    *int64 // exclusive; nil = no upper bound
	Currency     string // empty = any currency
	Priority     int    // lower = more specific, wins ties
	IsActive     bool
	Rules        []WorkflowRule
	Steps        []StepDef
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Rule operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpIn       = "in"
)

// WorkflowRule is one field/operator/value condition. All rules of a config
// must match (logical AND).
type WorkflowRule struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"` // for the "in" operator
}

// StepDef is a workflow step definition inside a config.
type StepDef struct {
	StepOrder              int     `json:"step_order"`
	MinAmount              *int64  `json:"min_amount,omitempty"` // amount sub-range, inclusive
	MaxAmount              *int64  `json:"max_amount,omitempty"` // exclusive
	ApproverID             *string `json:"approver_id,omitempty"`
	ApproverRole           *string `json:"approver_role,omitempty"`
	ApproverGroupID        *string `json:"approver_group_id,omitempty"`
	FallbackApproverID     *string `json:"fallback_approver_id,omitempty"`
	RequiredApprovals      int     `json:"required_approvals"`
	MinApproversRequired   *int    `json:"min_approvers_required,omitempty"` // floor on quorum
	RequireAllGroupMembers bool    `json:"require_all_group_members"`
	AllowSelfApproval      bool    `json:"allow_self_approval"`
	AllowDelegation        bool    `json:"allow_delegation"`
	SLAHours               int     `json:"sla_hours"`
	AutoEscalate           bool    `json:"auto_escalate"`
	EscalateToID           *string `json:"escalate_to_id,omitempty"`
}

// ApprovalGroup is a named set of approvers.
type ApprovalGroup struct {
	ID       string
	TenantID string
	Name     string
	IsActive bool
	Members  []GroupMember
}

// GroupMember is one group membership with an optional time-bounded
// delegation window. Delegation is never permanent.
type GroupMember struct {
	UserID          string     `json:"user_id"`
	IsActive        bool       `json:"is_active"`
	DelegateToID    *string    `json:"delegate_to_id,omitempty"`
	DelegationStart *time.Time `json:"delegation_start,omitempty"`
	DelegationEnd   *time.Time `json:"delegation_end,omitempty"`
}

// Decision is an approver's verdict on a step.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Vote is one recorded vote. Principal is the eligible approver the vote
// counts for; VoterID differs from it when the vote was cast by a delegate.
type Vote struct {
	Principal string    `json:"principal"`
	VoterID   string    `json:"voter_id"`
	Decision  Decision  `json:"decision"`
	Comment   *string   `json:"comment,omitempty"`
	CastAt    time.Time `json:"cast_at"`
}

// StepStatus is the lifecycle state of one step instance.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepApproved   StepStatus = "approved"
	StepRejected   StepStatus = "rejected"
	StepTimedOut   StepStatus = "timed_out"
	StepCancelled  StepStatus = "cancelled"
)

// Step completion reasons recorded alongside a terminal step status.
const (
	ReasonSLAExpired        = "SLA_EXPIRED"
	ReasonQuorumUnreachable = "QUORUM_UNREACHABLE"
)

// RequestStatus is the overall lifecycle state of an approval request.
type RequestStatus string

const (
	StatusDraft      RequestStatus = "draft"
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusEscalated  RequestStatus = "escalated"
	StatusApproved   RequestStatus = "approved"
	StatusRejected   RequestStatus = "rejected"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// StepInstance is a materialized step of an approval request. Eligible
// approvers and quorum are snapshotted at build time and never re-queried,
// so membership drift cannot corrupt quorum math mid-step.
type StepInstance struct {
	ID                string
	StepOrder         int
	Approvers         []string // snapshot of eligible approver ids
	Quorum            int
	AllowSelfApproval bool
	AllowDelegation   bool
	SLAHours          int
	AutoEscalate      bool
	EscalateToID      *string
	Status            StepStatus
	Deadline          *time.Time // stamped when the step becomes current
	Escalated         bool       // one-shot: a step escalates at most once
	Votes             map[string]Vote
	Reason            string
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// Terminal reports whether the step reached a final status.
func (s *StepInstance) Terminal() bool {
	switch s.Status {
	case StepApproved, StepRejected, StepTimedOut, StepCancelled:
		return true
	}
	return false
}

// Eligible reports whether userID is in the step's approver snapshot.
func (s *StepInstance) Eligible(userID string) bool {
	for _, id := range s.Approvers {
		if id == userID {
			return true
		}
	}
	return false
}

// ApproveCount returns the number of distinct principals that approved.
func (s *StepInstance) ApproveCount() int {
	n := 0
	for _, v := range s.Votes {
		if v.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// ApprovalRequest is the per-document approval instance. It is never mutated
// after reaching a terminal status.
type ApprovalRequest struct {
	ID               string
	TenantID         string
	DocumentID       string
	EntityType       string
	ConfigID         *string // nil when the document was auto-approved
	RequesterID      string
	Amount           int64
	Currency         string
	Status           RequestStatus
	CurrentStep      int // StepOrder of the active step; 0 when none
	Steps            []*StepInstance
	ReservationToken *string // budget commitment held for this request
	SubmittedAt      time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// Current returns the active step instance, or nil.
func (r *ApprovalRequest) Current() *StepInstance {
	if r.CurrentStep == 0 {
		return nil
	}
	for _, s := range r.Steps {
		if s.StepOrder == r.CurrentStep {
			return s
		}
	}
	return nil
}

// NextAfter returns the first step ordered after the given StepOrder, or nil.
func (r *ApprovalRequest) NextAfter(order int) *StepInstance {
	var next *StepInstance
	for _, s := range r.Steps {
		if s.StepOrder > order && (next == nil || s.StepOrder < next.StepOrder) {
			next = s
		}
	}
	return next
}

// StepResult describes the outcome of one vote application.
type StepResult struct {
	RequestID     string        `json:"request_id"`
	RequestStatus RequestStatus `json:"request_status"`
	StepOrder     int           `json:"step_order"`
	StepStatus    StepStatus    `json:"step_status"`
	Approvals     int           `json:"approvals"`
	Quorum        int           `json:"quorum"`
	Advanced      bool          `json:"advanced"`  // chain moved to a later step
	Completed     bool          `json:"completed"` // request reached a terminal status
}
