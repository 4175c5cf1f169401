package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/database"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/workflow"
)

// GroupRepository handles approval groups and their membership. Members,
// including delegation windows, live in a JSONB column. It backs both the
// chain builder's GroupSource and the engine's DelegationSource.
type GroupRepository struct {
	db *database.DB
}

// NewGroupRepository creates a new GroupRepository.
func NewGroupRepository(db *database.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// Create inserts a new approval group.
func (r *GroupRepository) Create(ctx context.Context, g *workflow.ApprovalGroup) error {
	membersJSON, err := json.Marshal(g.Members)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal group members")
	}

	query := `
		INSERT INTO approval_groups (tenant_id, name, is_active, members)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	return r.db.QueryRow(ctx, query, g.TenantID, g.Name, g.IsActive, membersJSON).Scan(&g.ID)
}

// GroupByID retrieves a group with its membership snapshot.
func (r *GroupRepository) GroupByID(ctx context.Context, tenantID, groupID string) (*workflow.ApprovalGroup, error) {
	query := `
		SELECT id, tenant_id, name, is_active, members
		FROM approval_groups
		WHERE id = $1 AND tenant_id = $2
	`

	g := &workflow.ApprovalGroup{}
	var membersJSON []byte
	err := r.db.QueryRow(ctx, query, groupID, tenantID).Scan(
		&g.ID, &g.TenantID, &g.Name, &g.IsActive, &membersJSON)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("approval_group", groupID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get approval group")
	}
	if err := json.Unmarshal(membersJSON, &g.Members); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to unmarshal group members")
	}
	return g, nil
}

// Update replaces a group's name, active flag and membership.
func (r *GroupRepository) Update(ctx context.Context, g *workflow.ApprovalGroup) error {
	membersJSON, err := json.Marshal(g.Members)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal group members")
	}

	query := `
		UPDATE approval_groups
		SET name = $3, is_active = $4, members = $5, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING id
	`
	var id string
	err = r.db.QueryRow(ctx, query, g.ID, g.TenantID, g.Name, g.IsActive, membersJSON).Scan(&id)
	if err == pgx.ErrNoRows {
		return apperr.NotFound("approval_group", g.ID)
	}
	return err
}

// Delegations builds the current delegation mapping for a tenant from all
// group memberships that declare a delegation window. Window validity is
// evaluated by the engine at vote time, not here.
func (r *GroupRepository) Delegations(ctx context.Context, tenantID string) (workflow.DelegationSet, error) {
	query := `
		SELECT members
		FROM approval_groups
		WHERE tenant_id = $1 AND is_active = TRUE
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to load delegations")
	}
	defer rows.Close()

	set := workflow.DelegationSet{}
	for rows.Next() {
		var membersJSON []byte
		if err := rows.Scan(&membersJSON); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan group members")
		}
		var members []workflow.GroupMember
		if err := json.Unmarshal(membersJSON, &members); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to unmarshal group members")
		}
		for _, m := range members {
			if m.DelegateToID == nil || *m.DelegateToID == "" {
				continue
			}
			set[m.UserID] = workflow.Delegation{
				FromUserID: m.UserID,
				ToUserID:   *m.DelegateToID,
				Start:      m.DelegationStart,
				End:        m.DelegationEnd,
			}
		}
	}
	return set, nil
}
