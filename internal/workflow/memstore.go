package workflow

import (
	"context"
	"sync"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// MemRequestStore is an in-memory RequestStore. Suitable for tests and
// single-process embedding; the Postgres-backed store lives in the
// repository package.
type MemRequestStore struct {
	mu   sync.RWMutex
	reqs map[string]*ApprovalRequest
}

// NewMemRequestStore creates an empty in-memory store.
func NewMemRequestStore() *MemRequestStore {
	return &MemRequestStore{reqs: make(map[string]*ApprovalRequest)}
}

// Get returns the stored request.
func (s *MemRequestStore) Get(_ context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, apperr.NotFound("approval_request", id)
	}
	return req, nil
}

// Save stores the request.
func (s *MemRequestStore) Save(_ context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs[req.ID] = req
	return nil
}

// ListInFlight returns every request not yet in a terminal status.
func (s *MemRequestStore) ListInFlight(_ context.Context) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ApprovalRequest
	for _, req := range s.reqs {
		if !req.Status.Terminal() {
			out = append(out, req)
		}
	}
	return out, nil
}

// StaticDelegations is a fixed DelegationSource keyed by tenant.
type StaticDelegations map[string]DelegationSet

// Delegations returns the delegation mapping for a tenant.
func (d StaticDelegations) Delegations(_ context.Context, tenantID string) (DelegationSet, error) {
	if set, ok := d[tenantID]; ok {
		return set, nil
	}
	return DelegationSet{}, nil
}
