package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/budget"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/database"
)

// BudgetRepository is the Postgres-backed budget.Store. Apply writes the
// budget row and appends the ledger entry in one transaction, keeping the
// materialized aggregate fields consistent with the log.
type BudgetRepository struct {
	db *database.DB
}

// NewBudgetRepository creates a new BudgetRepository.
func NewBudgetRepository(db *database.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

// Get retrieves one budget node.
func (r *BudgetRepository) Get(ctx context.Context, id string) (*budget.Budget, error) {
	query := `
		SELECT id, tenant_id, name, parent_id,
		       allocated_amount, committed_amount, spent_amount,
		       warning_threshold, critical_threshold, block_on_exceed,
		       warning_active, critical_active,
		       created_at, updated_at
		FROM budgets
		WHERE id = $1
	`

	b := &budget.Budget{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&b.ID,
		&b.TenantID,
		&b.Name,
		&b.ParentID,
		&b.Allocated,
		&b.Committed,
		&b.Spent,
		&b.WarningThreshold,
		&b.CriticalThreshold,
		&b.BlockOnExceed,
		&b.WarningActive,
		&b.CriticalActive,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("budget", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get budget")
	}
	return b, nil
}

// Create inserts a budget node.
func (r *BudgetRepository) Create(ctx context.Context, b *budget.Budget) error {
	query := `
		INSERT INTO budgets
		    (id, tenant_id, name, parent_id,
		     allocated_amount, committed_amount, spent_amount,
		     warning_threshold, critical_threshold, block_on_exceed,
		     warning_active, critical_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10,
		        $11, $12, $13, $14)
	`
	_, err := r.db.Exec(ctx, query,
		b.ID, b.TenantID, b.Name, b.ParentID,
		b.Allocated, b.Committed, b.Spent,
		b.WarningThreshold, b.CriticalThreshold, b.BlockOnExceed,
		b.WarningActive, b.CriticalActive, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create budget")
	}
	return nil
}

// Apply updates the budget aggregates and appends the transaction atomically.
func (r *BudgetRepository) Apply(ctx context.Context, b *budget.Budget, txn *budget.Transaction) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		updateQuery := `
			UPDATE budgets
			SET committed_amount = $2,
			    spent_amount     = $3,
			    warning_active   = $4,
			    critical_active  = $5,
			    updated_at       = $6
			WHERE id = $1
			RETURNING id
		`
		var id string
		err := tx.QueryRow(ctx, updateQuery,
			b.ID, b.Committed, b.Spent, b.WarningActive, b.CriticalActive, b.UpdatedAt,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return apperr.NotFound("budget", b.ID)
		}
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to update budget")
		}

		txnQuery := `
			INSERT INTO budget_transactions
			    (id, tenant_id, budget_id, type, amount, reserved_amount,
			     reservation_token, reference, over_threshold, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err = tx.Exec(ctx, txnQuery,
			txn.ID, txn.TenantID, txn.BudgetID, string(txn.Type),
			txn.Amount, txn.ReservedAmount, txn.ReservationToken,
			txn.Reference, txn.OverThreshold, txn.CreatedAt,
		)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to append budget transaction")
		}
		return nil
	})
}

// ApplyRevision updates the allocation and appends the revision atomically.
func (r *BudgetRepository) ApplyRevision(ctx context.Context, b *budget.Budget, rev *budget.Revision) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		updateQuery := `
			UPDATE budgets
			SET allocated_amount = $2,
			    warning_active   = $3,
			    critical_active  = $4,
			    updated_at       = $5
			WHERE id = $1
			RETURNING id
		`
		var id string
		err := tx.QueryRow(ctx, updateQuery,
			b.ID, b.Allocated, b.WarningActive, b.CriticalActive, b.UpdatedAt,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return apperr.NotFound("budget", b.ID)
		}
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to revise budget")
		}

		revQuery := `
			INSERT INTO budget_revisions
			    (id, tenant_id, budget_id, previous_amount, new_amount,
			     reason, revised_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err = tx.Exec(ctx, revQuery,
			rev.ID, rev.TenantID, rev.BudgetID, rev.PreviousAmount, rev.NewAmount,
			rev.Reason, rev.RevisedBy, rev.CreatedAt,
		)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to append budget revision")
		}
		return nil
	})
}

// OpenReservation returns the reserve transaction for a token, failing with
// Conflict when a release or settle already closed it.
func (r *BudgetRepository) OpenReservation(ctx context.Context, token string) (*budget.Reservation, error) {
	query := `
		SELECT t.id, t.tenant_id, t.budget_id, t.amount, t.reference,
		       EXISTS (
		           SELECT 1 FROM budget_transactions c
		           WHERE c.reservation_token = t.id
		       ) AS closed
		FROM budget_transactions t
		WHERE t.id = $1 AND t.type = 'reserve'
	`

	res := &budget.Reservation{}
	var closed bool
	err := r.db.QueryRow(ctx, query, token).Scan(
		&res.Token, &res.TenantID, &res.BudgetID, &res.Amount, &res.Reference, &closed)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("reservation", token)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get reservation")
	}
	if closed {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "reservation %s already closed", token)
	}
	return res, nil
}

// TransactionsFor returns the ledger entries for a budget, oldest first.
func (r *BudgetRepository) TransactionsFor(ctx context.Context, budgetID string) ([]*budget.Transaction, error) {
	query := `
		SELECT id, tenant_id, budget_id, type, amount, reserved_amount,
		       reservation_token, reference, over_threshold, created_at
		FROM budget_transactions
		WHERE budget_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, budgetID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list budget transactions")
	}
	defer rows.Close()

	var txns []*budget.Transaction
	for rows.Next() {
		t := &budget.Transaction{}
		var typ string
		err := rows.Scan(
			&t.ID, &t.TenantID, &t.BudgetID, &typ, &t.Amount, &t.ReservedAmount,
			&t.ReservationToken, &t.Reference, &t.OverThreshold, &t.CreatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan budget transaction")
		}
		t.Type = budget.TransactionType(typ)
		txns = append(txns, t)
	}
	return txns, nil
}
