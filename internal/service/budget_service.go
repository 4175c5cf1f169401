package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/budget"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/repository"
)

// BudgetService handles budget business logic on top of the ledger.
type BudgetService struct {
	ledger     *budget.Ledger
	budgetRepo *repository.BudgetRepository
	log        zerolog.Logger
}

// NewBudgetService creates a new budget service.
func NewBudgetService(ledger *budget.Ledger, budgetRepo *repository.BudgetRepository, log zerolog.Logger) *BudgetService {
	return &BudgetService{
		ledger:     ledger,
		budgetRepo: budgetRepo,
		log:        log,
	}
}

// CreateBudgetRequest represents a create budget request.
type CreateBudgetRequest struct {
	TenantID          string
	Name              string
	ParentID          *string
	Allocated         int64
	WarningThreshold  float64
	CriticalThreshold float64
	BlockOnExceed     bool
}

// ReserveRequest represents a budget reservation request.
type ReserveRequest struct {
	BudgetID  string
	Amount    int64
	Reference string
}

// SettleRequest represents a reservation settlement request.
type SettleRequest struct {
	ReservationToken string
	ActualAmount     int64
}

// ReviseRequest represents an allocation revision request.
type ReviseRequest struct {
	BudgetID     string
	NewAllocated int64
	Reason       string
	ActorID      string
	Force        bool
}

// CreateBudget validates and creates a new budget.
func (s *BudgetService) CreateBudget(ctx context.Context, req *CreateBudgetRequest) (*budget.Budget, error) {
	if req.TenantID == "" {
		return nil, apperr.InvalidInput("tenant_id", "tenant_id is required")
	}
	if req.Name == "" {
		return nil, apperr.InvalidInput("name", "name is required")
	}

	b := &budget.Budget{
		TenantID:          req.TenantID,
		Name:              req.Name,
		ParentID:          req.ParentID,
		Allocated:         req.Allocated,
		WarningThreshold:  req.WarningThreshold,
		CriticalThreshold: req.CriticalThreshold,
		BlockOnExceed:     req.BlockOnExceed,
	}
	if err := s.ledger.CreateBudget(ctx, b); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("budget_id", b.ID).
		Str("tenant_id", b.TenantID).
		Int64("allocated", b.Allocated).
		Msg("Budget created")
	return b, nil
}

// GetBudget returns one budget with its derived utilization figures.
func (s *BudgetService) GetBudget(ctx context.Context, budgetID string) (*budget.Budget, error) {
	return s.ledger.Get(ctx, budgetID)
}

// Reserve places a commitment against the budget and returns the reservation
// token the caller must present to release or settle it.
func (s *BudgetService) Reserve(ctx context.Context, req *ReserveRequest) (string, error) {
	return s.ledger.Reserve(ctx, req.BudgetID, req.Amount, req.Reference)
}

// Release cancels an open reservation, returning its amount to Remaining.
func (s *BudgetService) Release(ctx context.Context, token string) error {
	return s.ledger.Release(ctx, token)
}

// Settle converts an open reservation into actual spend.
func (s *BudgetService) Settle(ctx context.Context, req *SettleRequest) error {
	return s.ledger.Settle(ctx, req.ReservationToken, req.ActualAmount)
}

// Revise changes a budget's allocation, recording the revision.
func (s *BudgetService) Revise(ctx context.Context, req *ReviseRequest) (string, error) {
	if req.Reason == "" {
		return "", apperr.InvalidInput("reason", "reason is required")
	}
	return s.ledger.Revise(ctx, req.BudgetID, req.NewAllocated, req.Reason, req.ActorID, req.Force)
}

// Transactions lists the append-only transaction log for a budget, newest first.
func (s *BudgetService) Transactions(ctx context.Context, budgetID string) ([]*budget.Transaction, error) {
	return s.budgetRepo.TransactionsFor(ctx, budgetID)
}
