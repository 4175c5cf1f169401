package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/database"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/workflow"
)

// ConfigRepository handles CRUD for approval_workflow_configs. Rules and step
// definitions are stored as JSONB alongside the scope columns.
type ConfigRepository struct {
	db *database.DB
}

// NewConfigRepository creates a new ConfigRepository.
func NewConfigRepository(db *database.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// Create inserts a new workflow config.
func (r *ConfigRepository) Create(ctx context.Context, cfg *workflow.WorkflowConfig) error {
	rulesJSON, err := json.Marshal(cfg.Rules)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal workflow rules")
	}
	stepsJSON, err := json.Marshal(cfg.Steps)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal workflow steps")
	}

	query := `
		INSERT INTO approval_workflow_configs
		    (tenant_id, name, entity_type, department_id, category_id,
		     min_amount, max_amount, currency, priority, is_active,
		     rules, steps)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		cfg.TenantID,
		cfg.Name,
		cfg.EntityType,
		cfg.DepartmentID,
		cfg.CategoryID,
		cfg.MinAmount,
		cfg.MaxAmount,
		nullIfEmpty(cfg.Currency),
		cfg.Priority,
		cfg.IsActive,
		rulesJSON,
		stepsJSON,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
}

// GetByID retrieves a config by primary key.
func (r *ConfigRepository) GetByID(ctx context.Context, id, tenantID string) (*workflow.WorkflowConfig, error) {
	query := selectConfig + ` WHERE id = $1 AND tenant_id = $2`

	cfg, err := r.scanConfig(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("workflow_config", id)
	}
	return cfg, err
}

// ListActive returns the active configs for a tenant and entity type, ordered
// by priority. This is the snapshot handed to the resolver.
func (r *ConfigRepository) ListActive(ctx context.Context, tenantID, entityType string) ([]*workflow.WorkflowConfig, error) {
	query := selectConfig + `
		WHERE tenant_id = $1
		  AND entity_type = $2
		  AND is_active = TRUE
		ORDER BY priority ASC, name ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, entityType)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list workflow configs")
	}
	defer rows.Close()

	var configs []*workflow.WorkflowConfig
	for rows.Next() {
		cfg, err := r.scanConfig(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan workflow config")
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Update persists changes to an existing config.
func (r *ConfigRepository) Update(ctx context.Context, cfg *workflow.WorkflowConfig) error {
	rulesJSON, err := json.Marshal(cfg.Rules)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal workflow rules")
	}
	stepsJSON, err := json.Marshal(cfg.Steps)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to marshal workflow steps")
	}

	query := `
		UPDATE approval_workflow_configs
		SET name          = $3,
		    entity_type   = $4,
		    department_id = $5,
		    category_id   = $6,
		    min_amount    = $7,
		    max_amount    = $8,
		    currency      = $9,
		    priority      = $10,
		    is_active     = $11,
		    rules         = $12,
		    steps         = $13,
		    updated_at    = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		cfg.ID,
		cfg.TenantID,
		cfg.Name,
		cfg.EntityType,
		cfg.DepartmentID,
		cfg.CategoryID,
		cfg.MinAmount,
		cfg.MaxAmount,
		nullIfEmpty(cfg.Currency),
		cfg.Priority,
		cfg.IsActive,
		rulesJSON,
		stepsJSON,
	).Scan(&cfg.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperr.NotFound("workflow_config", cfg.ID)
	}
	return err
}

// Delete removes a workflow config.
func (r *ConfigRepository) Delete(ctx context.Context, id, tenantID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM approval_workflow_configs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to delete workflow config")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("workflow_config", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectConfig = `
	SELECT id, tenant_id, name, entity_type, department_id, category_id,
	       min_amount, max_amount, currency, priority, is_active,
	       rules, steps, created_at, updated_at
	FROM approval_workflow_configs`

type configScanner interface {
	Scan(dest ...any) error
}

func (r *ConfigRepository) scanConfig(row configScanner) (*workflow.WorkflowConfig, error) {
	cfg := &workflow.WorkflowConfig{}
	var currency *string
	var rulesJSON, stepsJSON []byte

	err := row.Scan(
		&cfg.ID,
		&cfg.TenantID,
		&cfg.Name,
		&cfg.EntityType,
		&cfg.DepartmentID,
		&cfg.CategoryID,
		&cfg.MinAmount,
		&cfg.MaxAmount,
		&currency,
		&cfg.Priority,
		&cfg.IsActive,
		&rulesJSON,
		&stepsJSON,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if currency != nil {
		cfg.Currency = *currency
	}
	if err := json.Unmarshal(rulesJSON, &cfg.Rules); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to unmarshal workflow rules")
	}
	if err := json.Unmarshal(stepsJSON, &cfg.Steps); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to unmarshal workflow steps")
	}
	return cfg, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
