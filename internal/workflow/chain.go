package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// Directory resolves role references against the identity service.
type Directory interface {
	// UsersWithRole returns active user ids holding the role within a tenant.
	UsersWithRole(ctx context.Context, tenantID, role string) ([]string, error)
	// UserActive reports whether the user exists and is active.
	UserActive(ctx context.Context, tenantID, userID string) (bool, error)
}

// GroupSource loads approval groups with their membership.
type GroupSource interface {
	GroupByID(ctx context.Context, tenantID, groupID string) (*ApprovalGroup, error)
}

// ChainBuilder expands a resolved config into an ordered, amount-gated
// sequence of step instances with resolved approver sets.
type ChainBuilder struct {
	directory Directory
	groups    GroupSource
	log       zerolog.Logger
}

// NewChainBuilder creates a ChainBuilder.
func NewChainBuilder(directory Directory, groups GroupSource, log zerolog.Logger) *ChainBuilder {
	return &ChainBuilder{directory: directory, groups: groups, log: log}
}

// Build resolves every step definition whose amount sub-range contains the
// document amount. Approver sets are resolved once here and snapshotted on the
// step instances; they are never re-queried later. A step resolving to zero
// eligible approvers, or to a quorum no approver set can satisfy, fails chain
// construction with a ConfigurationError; it is never silently skipped.
func (b *ChainBuilder) Build(ctx context.Context, cfg *WorkflowConfig, doc DocumentContext) ([]*StepInstance, error) {
	var steps []*StepInstance

	for _, def := range cfg.Steps {
		if def.MinAmount != nil && doc.Amount < *def.MinAmount {
			continue
		}
		if def.MaxAmount != nil && doc.Amount >= *def.MaxAmount {
			continue
		}

		approvers, err := b.resolveApprovers(ctx, doc.TenantID, def)
		if err != nil {
			return nil, err
		}
		if len(approvers) == 0 {
			return nil, apperr.Newf(apperr.ErrCodeConfiguration,
				"step %d of workflow %q resolved to zero eligible approvers", def.StepOrder, cfg.Name)
		}

		quorum := b.resolveQuorum(def, len(approvers))
		if quorum > len(approvers) {
			return nil, apperr.Newf(apperr.ErrCodeConfiguration,
				"step %d of workflow %q requires %d approvals but only %d approvers are eligible",
				def.StepOrder, cfg.Name, quorum, len(approvers))
		}

		steps = append(steps, &StepInstance{
			ID:                uuid.NewString(),
			StepOrder:         def.StepOrder,
			Approvers:         approvers,
			Quorum:            quorum,
			AllowSelfApproval: def.AllowSelfApproval,
			AllowDelegation:   def.AllowDelegation,
			SLAHours:          def.SLAHours,
			AutoEscalate:      def.AutoEscalate,
			EscalateToID:      def.EscalateToID,
			Status:            StepPending,
			Votes:             map[string]Vote{},
		})
	}

	if len(steps) == 0 {
		return nil, apperr.Newf(apperr.ErrCodeConfiguration,
			"workflow %q produced no steps for amount %d", cfg.Name, doc.Amount)
	}

	b.log.Debug().
		Str("workflow", cfg.Name).
		Str("document_id", doc.DocumentID).
		Int("steps", len(steps)).
		Msg("Approval chain built")

	return steps, nil
}

// resolveApprovers returns the deduplicated eligible approver set for a step:
// a direct user (with fallback), the holders of a role, or a group's active
// members.
func (b *ChainBuilder) resolveApprovers(ctx context.Context, tenantID string, def StepDef) ([]string, error) {
	switch {
	case def.ApproverID != nil && *def.ApproverID != "":
		active, err := b.directory.UserActive(ctx, tenantID, *def.ApproverID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to resolve approver")
		}
		if active {
			return []string{*def.ApproverID}, nil
		}
		fallthrough

	case def.FallbackApproverID != nil && *def.FallbackApproverID != "":
		if def.FallbackApproverID == nil || *def.FallbackApproverID == "" {
			return nil, nil
		}
		active, err := b.directory.UserActive(ctx, tenantID, *def.FallbackApproverID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to resolve fallback approver")
		}
		if active {
			return []string{*def.FallbackApproverID}, nil
		}
		return nil, nil

	case def.ApproverRole != nil && *def.ApproverRole != "":
		users, err := b.directory.UsersWithRole(ctx, tenantID, *def.ApproverRole)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to resolve role approvers")
		}
		return dedupe(users), nil

	case def.ApproverGroupID != nil && *def.ApproverGroupID != "":
		group, err := b.groups.GroupByID(ctx, tenantID, *def.ApproverGroupID)
		if err != nil {
			return nil, err
		}
		if group == nil || !group.IsActive {
			return nil, nil
		}
		var users []string
		for _, m := range group.Members {
			if m.IsActive {
				users = append(users, m.UserID)
			}
		}
		return dedupe(users), nil
	}
	return nil, nil
}

// resolveQuorum applies the quorum rules: RequiredApprovals (default 1),
// overridden by the full member count when RequireAllGroupMembers, then
// floored by MinApproversRequired.
func (b *ChainBuilder) resolveQuorum(def StepDef, eligible int) int {
	quorum := def.RequiredApprovals
	if quorum < 1 {
		quorum = 1
	}
	if def.RequireAllGroupMembers {
		quorum = eligible
	}
	if def.MinApproversRequired != nil && quorum < *def.MinApproversRequired {
		quorum = *def.MinApproversRequired
	}
	return quorum
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
