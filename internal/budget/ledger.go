package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// Store persists budgets, the transaction log and revisions. Apply and
// ApplyRevision are atomic: the budget row and the appended entry commit
// together or not at all.
type Store interface {
	Get(ctx context.Context, id string) (*Budget, error)
	Create(ctx context.Context, b *Budget) error
	Apply(ctx context.Context, b *Budget, txn *Transaction) error
	ApplyRevision(ctx context.Context, b *Budget, rev *Revision) error
	// OpenReservation returns the reservation for a token that has not been
	// released or settled yet.
	OpenReservation(ctx context.Context, token string) (*Reservation, error)
}

// maxDepth caps ancestor walks so a corrupted parent chain cannot loop.
const maxDepth = 32

// Ledger is the append-only ledger of reservations and settlements against
// hierarchical budgets. Mutations are serialized per budget id; ancestor
// availability is read as an unlocked snapshot, accepting transient
// over-commit among concurrent siblings rather than locking whole subtrees.
type Ledger struct {
	store  Store
	alerts *AlertEvaluator
	locks  *keyedMutex
	now    func() time.Time
	log    zerolog.Logger
}

// NewLedger creates a Ledger.
func NewLedger(store Store, alerts *AlertEvaluator, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		alerts: alerts,
		locks:  newKeyedMutex(),
		now:    time.Now,
		log:    log,
	}
}

// WithClock overrides the ledger clock for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreateBudget validates the parent chain and inserts the budget node.
func (l *Ledger) CreateBudget(ctx context.Context, b *Budget) error {
	if b.Allocated < 0 {
		return apperr.InvalidInput("allocated_amount", "must not be negative")
	}
	if b.WarningThreshold < 0 || b.WarningThreshold > 100 ||
		b.CriticalThreshold < 0 || b.CriticalThreshold > 100 {
		return apperr.InvalidInput("thresholds", "must be percentages between 0 and 100")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := l.validateParentChain(ctx, b.ID, b.ParentID); err != nil {
		return err
	}
	now := l.now()
	b.CreatedAt = now
	b.UpdatedAt = now
	return l.store.Create(ctx, b)
}

// Reserve places a commitment hold against a budget. Available funds are
// min(own Remaining, every ancestor's Remaining) read as of call time. A
// shortfall on a node with BlockOnExceed fails; otherwise the reservation
// proceeds and the over-threshold condition is recorded on the transaction,
// never silently hidden.
func (l *Ledger) Reserve(ctx context.Context, budgetID string, amount int64, reference string) (string, error) {
	if amount <= 0 {
		return "", apperr.InvalidInput("amount", "must be positive")
	}

	unlock := l.locks.Lock(budgetID)
	defer unlock()

	b, err := l.store.Get(ctx, budgetID)
	if err != nil {
		return "", err
	}

	overThreshold := false
	if b.Remaining() < amount {
		if b.BlockOnExceed {
			return "", apperr.Newf(apperr.ErrCodeInsufficientFunds,
				"budget %s has %d remaining, %d requested", budgetID, b.Remaining(), amount)
		}
		overThreshold = true
	}

	// Hierarchy caps: ancestors are read unlocked. Parents are never mutated
	// here; the check is read-time only.
	ancestors, err := l.ancestors(ctx, b)
	if err != nil {
		return "", err
	}
	for _, anc := range ancestors {
		if anc.Remaining() < amount {
			if anc.BlockOnExceed {
				return "", apperr.Newf(apperr.ErrCodeHierarchyCap,
					"ancestor budget %s has %d remaining, %d requested", anc.ID, anc.Remaining(), amount)
			}
			overThreshold = true
		}
	}

	b.Committed += amount
	b.UpdatedAt = l.now()

	txn := &Transaction{
		ID:            uuid.NewString(),
		TenantID:      b.TenantID,
		BudgetID:      b.ID,
		Type:          TxnReserve,
		Amount:        amount,
		Reference:     reference,
		OverThreshold: overThreshold,
		CreatedAt:     b.UpdatedAt,
	}

	alerts := l.alerts.Evaluate(b)
	if err := l.store.Apply(ctx, b, txn); err != nil {
		return "", err
	}
	l.alerts.Dispatch(ctx, b, alerts)

	l.log.Info().
		Str("budget_id", b.ID).
		Str("token", txn.ID).
		Int64("amount", amount).
		Bool("over_threshold", overThreshold).
		Msg("Budget reserved")

	return txn.ID, nil
}

// Release reverses a reservation: the exact inverse of Reserve, for documents
// that cancel or reject.
func (l *Ledger) Release(ctx context.Context, token string) error {
	res, err := l.store.OpenReservation(ctx, token)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(res.BudgetID)
	defer unlock()

	// Re-read under the lock: a concurrent close of the same token may have
	// committed between the lookup and the lock, and must surface as Conflict
	// here rather than apply twice.
	res, err = l.store.OpenReservation(ctx, token)
	if err != nil {
		return err
	}

	b, err := l.store.Get(ctx, res.BudgetID)
	if err != nil {
		return err
	}

	b.Committed -= res.Amount
	b.UpdatedAt = l.now()

	txn := &Transaction{
		ID:               uuid.NewString(),
		TenantID:         b.TenantID,
		BudgetID:         b.ID,
		Type:             TxnRelease,
		Amount:           res.Amount,
		ReservationToken: &res.Token,
		Reference:        res.Reference,
		CreatedAt:        b.UpdatedAt,
	}

	alerts := l.alerts.Evaluate(b)
	if err := l.store.Apply(ctx, b, txn); err != nil {
		return err
	}
	l.alerts.Dispatch(ctx, b, alerts)

	l.log.Info().
		Str("budget_id", b.ID).
		Str("token", token).
		Int64("amount", res.Amount).
		Msg("Budget reservation released")

	return nil
}

// Settle converts a reservation into actual spend, supporting variance
// between the reserved and actual amount. Threshold evaluation re-runs on
// the delta.
func (l *Ledger) Settle(ctx context.Context, token string, actualAmount int64) error {
	if actualAmount < 0 {
		return apperr.InvalidInput("actual_amount", "must not be negative")
	}

	res, err := l.store.OpenReservation(ctx, token)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(res.BudgetID)
	defer unlock()

	// Same re-validation as Release: the token may have been closed while
	// waiting for the budget lock.
	res, err = l.store.OpenReservation(ctx, token)
	if err != nil {
		return err
	}

	b, err := l.store.Get(ctx, res.BudgetID)
	if err != nil {
		return err
	}

	b.Committed -= res.Amount
	b.Spent += actualAmount
	b.UpdatedAt = l.now()

	txn := &Transaction{
		ID:               uuid.NewString(),
		TenantID:         b.TenantID,
		BudgetID:         b.ID,
		Type:             TxnSettle,
		Amount:           actualAmount,
		ReservedAmount:   res.Amount,
		ReservationToken: &res.Token,
		Reference:        res.Reference,
		CreatedAt:        b.UpdatedAt,
	}

	alerts := l.alerts.Evaluate(b)
	if err := l.store.Apply(ctx, b, txn); err != nil {
		return err
	}
	l.alerts.Dispatch(ctx, b, alerts)

	l.log.Info().
		Str("budget_id", b.ID).
		Str("token", token).
		Int64("reserved", res.Amount).
		Int64("actual", actualAmount).
		Msg("Budget reservation settled")

	return nil
}

// Revise changes a budget's allocation, recording an audit revision. Shrinking
// the allocation below Committed+Spent is InvalidRevision unless forced.
func (l *Ledger) Revise(ctx context.Context, budgetID string, newAllocated int64, reason, actorID string, force bool) (string, error) {
	if newAllocated < 0 {
		return "", apperr.InvalidInput("new_allocated", "must not be negative")
	}
	if reason == "" {
		return "", apperr.InvalidInput("reason", "revision reason is required")
	}

	unlock := l.locks.Lock(budgetID)
	defer unlock()

	b, err := l.store.Get(ctx, budgetID)
	if err != nil {
		return "", err
	}

	if newAllocated < b.Committed+b.Spent && !force {
		return "", apperr.Newf(apperr.ErrCodeInvalidRevision,
			"new allocation %d is below committed+spent %d on budget %s",
			newAllocated, b.Committed+b.Spent, budgetID)
	}

	rev := &Revision{
		ID:             uuid.NewString(),
		TenantID:       b.TenantID,
		BudgetID:       b.ID,
		PreviousAmount: b.Allocated,
		NewAmount:      newAllocated,
		Reason:         reason,
		RevisedBy:      actorID,
		CreatedAt:      l.now(),
	}

	b.Allocated = newAllocated
	b.UpdatedAt = rev.CreatedAt

	alerts := l.alerts.Evaluate(b)
	if err := l.store.ApplyRevision(ctx, b, rev); err != nil {
		return "", err
	}
	l.alerts.Dispatch(ctx, b, alerts)

	l.log.Info().
		Str("budget_id", b.ID).
		Int64("previous", rev.PreviousAmount).
		Int64("new", rev.NewAmount).
		Str("revised_by", actorID).
		Msg("Budget allocation revised")

	return rev.ID, nil
}

// Get returns one budget node.
func (l *Ledger) Get(ctx context.Context, budgetID string) (*Budget, error) {
	return l.store.Get(ctx, budgetID)
}

// ancestors walks the parent chain root-ward, unlocked.
func (l *Ledger) ancestors(ctx context.Context, b *Budget) ([]*Budget, error) {
	var out []*Budget
	parentID := b.ParentID
	for depth := 0; parentID != nil; depth++ {
		if depth >= maxDepth {
			return nil, apperr.Newf(apperr.ErrCodeConfiguration,
				"budget hierarchy too deep above %s", b.ID)
		}
		parent, err := l.store.Get(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		parentID = parent.ParentID
	}
	return out, nil
}

// validateParentChain rejects parent pointers that would create a cycle.
// Acyclicity is checked at creation/revision time, not at read time.
func (l *Ledger) validateParentChain(ctx context.Context, id string, parentID *string) error {
	for depth := 0; parentID != nil; depth++ {
		if depth >= maxDepth {
			return apperr.New(apperr.ErrCodeConfiguration, "budget hierarchy too deep")
		}
		if *parentID == id {
			return apperr.Newf(apperr.ErrCodeValidation,
				"budget %s cannot be its own ancestor", id)
		}
		parent, err := l.store.Get(ctx, *parentID)
		if err != nil {
			return err
		}
		parentID = parent.ParentID
	}
	return nil
}

// keyedMutex serializes ledger mutations per budget id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(id string) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
