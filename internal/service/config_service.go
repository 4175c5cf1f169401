package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/repository"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/workflow"
)

// ConfigService manages workflow configurations and approval groups.
// Configuration changes never touch in-flight requests: chains are
// snapshotted at submit time.
type ConfigService struct {
	configRepo *repository.ConfigRepository
	groupRepo  *repository.GroupRepository
	log        zerolog.Logger
}

// NewConfigService creates a new config service.
func NewConfigService(configRepo *repository.ConfigRepository, groupRepo *repository.GroupRepository, log zerolog.Logger) *ConfigService {
	return &ConfigService{
		configRepo: configRepo,
		groupRepo:  groupRepo,
		log:        log,
	}
}

// CreateConfig validates and stores a workflow configuration.
func (s *ConfigService) CreateConfig(ctx context.Context, cfg *workflow.WorkflowConfig) (*workflow.WorkflowConfig, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if err := s.configRepo.Create(ctx, cfg); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("config_id", cfg.ID).
		Str("tenant_id", cfg.TenantID).
		Str("name", cfg.Name).
		Int("steps", len(cfg.Steps)).
		Msg("Workflow configuration created")
	return cfg, nil
}

// GetConfig returns one workflow configuration.
func (s *ConfigService) GetConfig(ctx context.Context, id, tenantID string) (*workflow.WorkflowConfig, error) {
	return s.configRepo.GetByID(ctx, id, tenantID)
}

// ListConfigs lists the active configurations for an entity type, ordered by
// priority.
func (s *ConfigService) ListConfigs(ctx context.Context, tenantID, entityType string) ([]*workflow.WorkflowConfig, error) {
	return s.configRepo.ListActive(ctx, tenantID, entityType)
}

// UpdateConfig validates and replaces a workflow configuration.
func (s *ConfigService) UpdateConfig(ctx context.Context, cfg *workflow.WorkflowConfig) (*workflow.WorkflowConfig, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if err := s.configRepo.Update(ctx, cfg); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("config_id", cfg.ID).
		Str("tenant_id", cfg.TenantID).
		Msg("Workflow configuration updated")
	return cfg, nil
}

// DeleteConfig removes a workflow configuration. Requests already submitted
// under it keep their snapshotted chains.
func (s *ConfigService) DeleteConfig(ctx context.Context, id, tenantID string) error {
	return s.configRepo.Delete(ctx, id, tenantID)
}

// CreateGroup validates and stores an approval group.
func (s *ConfigService) CreateGroup(ctx context.Context, g *workflow.ApprovalGroup) (*workflow.ApprovalGroup, error) {
	if err := validateGroup(g); err != nil {
		return nil, err
	}
	if err := s.groupRepo.Create(ctx, g); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("group_id", g.ID).
		Str("tenant_id", g.TenantID).
		Int("members", len(g.Members)).
		Msg("Approval group created")
	return g, nil
}

// GetGroup returns one approval group.
func (s *ConfigService) GetGroup(ctx context.Context, tenantID, groupID string) (*workflow.ApprovalGroup, error) {
	return s.groupRepo.GroupByID(ctx, tenantID, groupID)
}

// UpdateGroup validates and replaces an approval group, including member
// delegation windows.
func (s *ConfigService) UpdateGroup(ctx context.Context, g *workflow.ApprovalGroup) (*workflow.ApprovalGroup, error) {
	if err := validateGroup(g); err != nil {
		return nil, err
	}
	if err := s.groupRepo.Update(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

var validOperators = map[string]bool{
	workflow.OpEq:       true,
	workflow.OpNeq:      true,
	workflow.OpGt:       true,
	workflow.OpGte:      true,
	workflow.OpLt:       true,
	workflow.OpLte:      true,
	workflow.OpContains: true,
	workflow.OpIn:       true,
}

func validateConfig(cfg *workflow.WorkflowConfig) error {
	if cfg.TenantID == "" {
		return apperr.InvalidInput("tenant_id", "tenant_id is required")
	}
	if cfg.Name == "" {
		return apperr.InvalidInput("name", "name is required")
	}
	if cfg.EntityType == "" {
		return apperr.InvalidInput("entity_type", "entity_type is required")
	}
	if cfg.MinAmount != nil && cfg.MaxAmount != nil && *cfg.MaxAmount <= *cfg.MinAmount {
		return apperr.InvalidInput("max_amount", "max_amount must be greater than min_amount")
	}
	if len(cfg.Steps) == 0 {
		return apperr.InvalidInput("steps", "at least one step is required")
	}

	for i, r := range cfg.Rules {
		if r.Field == "" {
			return apperr.InvalidInput("rules", fmt.Sprintf("rule %d: field is required", i))
		}
		if !validOperators[r.Operator] {
			return apperr.InvalidInput("rules", fmt.Sprintf("rule %d: unknown operator %q", i, r.Operator))
		}
		if r.Operator == workflow.OpIn && len(r.Values) == 0 {
			return apperr.InvalidInput("rules", fmt.Sprintf("rule %d: operator in requires values", i))
		}
	}

	prev := 0
	for i, st := range cfg.Steps {
		if st.StepOrder <= prev {
			return apperr.InvalidInput("steps",
				fmt.Sprintf("step %d: step_order must be strictly increasing", i))
		}
		prev = st.StepOrder
		if st.ApproverID == nil && st.ApproverRole == nil && st.ApproverGroupID == nil {
			return apperr.InvalidInput("steps",
				fmt.Sprintf("step %d: one of approver_id, approver_role or approver_group_id is required", st.StepOrder))
		}
		if st.RequiredApprovals < 0 {
			return apperr.InvalidInput("steps",
				fmt.Sprintf("step %d: required_approvals cannot be negative", st.StepOrder))
		}
		if st.MinAmount != nil && st.MaxAmount != nil && *st.MaxAmount <= *st.MinAmount {
			return apperr.InvalidInput("steps",
				fmt.Sprintf("step %d: max_amount must be greater than min_amount", st.StepOrder))
		}
		if st.AutoEscalate && st.EscalateToID == nil {
			return apperr.InvalidInput("steps",
				fmt.Sprintf("step %d: auto_escalate requires escalate_to_id", st.StepOrder))
		}
	}
	return nil
}

func validateGroup(g *workflow.ApprovalGroup) error {
	if g.TenantID == "" {
		return apperr.InvalidInput("tenant_id", "tenant_id is required")
	}
	if g.Name == "" {
		return apperr.InvalidInput("name", "name is required")
	}
	seen := make(map[string]bool, len(g.Members))
	for i, m := range g.Members {
		if m.UserID == "" {
			return apperr.InvalidInput("members", fmt.Sprintf("member %d: user_id is required", i))
		}
		if seen[m.UserID] {
			return apperr.InvalidInput("members", fmt.Sprintf("duplicate member %s", m.UserID))
		}
		seen[m.UserID] = true
		if m.DelegateToID != nil {
			if m.DelegationStart == nil || m.DelegationEnd == nil {
				return apperr.InvalidInput("members",
					fmt.Sprintf("member %s: delegation requires start and end times", m.UserID))
			}
			if !m.DelegationEnd.After(*m.DelegationStart) {
				return apperr.InvalidInput("members",
					fmt.Sprintf("member %s: delegation_end must be after delegation_start", m.UserID))
			}
			if *m.DelegateToID == m.UserID {
				return apperr.InvalidInput("members",
					fmt.Sprintf("member %s: cannot delegate to self", m.UserID))
			}
		}
	}
	return nil
}
