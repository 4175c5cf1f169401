package budget

import (
	"context"
	"sync"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// MemStore is an in-memory Store: an arena of budget nodes keyed by id plus
// the transaction and revision logs. Suitable for tests and single-process
// embedding; the Postgres-backed store lives in the repository package.
type MemStore struct {
	mu        sync.RWMutex
	budgets   map[string]*Budget
	txns      []*Transaction
	revisions []*Revision
	closed    map[string]bool // reservation tokens already released/settled
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		budgets: make(map[string]*Budget),
		closed:  make(map[string]bool),
	}
}

// Get returns a copy of the budget node. Callers mutate the copy and hand it
// back through Apply; a mutation abandoned before Apply leaves the stored row
// untouched, matching the database-backed store.
func (s *MemStore) Get(_ context.Context, id string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, apperr.NotFound("budget", id)
	}
	cp := *b
	return &cp, nil
}

// Create inserts a new budget node.
func (s *MemStore) Create(_ context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[b.ID]; ok {
		return apperr.Newf(apperr.ErrCodeConflict, "budget %s already exists", b.ID)
	}
	s.budgets[b.ID] = b
	return nil
}

// Apply stores the mutated budget and appends the transaction.
func (s *MemStore) Apply(_ context.Context, b *Budget, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.ID] = b
	s.txns = append(s.txns, txn)
	if txn.ReservationToken != nil {
		s.closed[*txn.ReservationToken] = true
	}
	return nil
}

// ApplyRevision stores the mutated budget and appends the revision.
func (s *MemStore) ApplyRevision(_ context.Context, b *Budget, rev *Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.ID] = b
	s.revisions = append(s.revisions, rev)
	return nil
}

// OpenReservation finds the reserve transaction for a token that has not been
// closed by a release or settle yet.
func (s *MemStore) OpenReservation(_ context.Context, token string) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed[token] {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "reservation %s already closed", token)
	}
	for _, txn := range s.txns {
		if txn.ID == token && txn.Type == TxnReserve {
			return &Reservation{
				Token:     txn.ID,
				TenantID:  txn.TenantID,
				BudgetID:  txn.BudgetID,
				Amount:    txn.Amount,
				Reference: txn.Reference,
			}, nil
		}
	}
	return nil, apperr.NotFound("reservation", token)
}

// Transactions returns a copy of the transaction log, oldest first.
func (s *MemStore) Transactions() []*Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Transaction, len(s.txns))
	copy(out, s.txns)
	return out
}

// Revisions returns a copy of the revision log, oldest first.
func (s *MemStore) Revisions() []*Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Revision, len(s.revisions))
	copy(out, s.revisions)
	return out
}
