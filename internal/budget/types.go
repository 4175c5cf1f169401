// Package budget implements the hierarchical budget ledger and its threshold
// alerting. Budget aggregate fields are a materialized view of the append-only
// transaction log.
package budget

import "time"

// Budget is one node of the budget tree. The invariant
//
//	Allocated == Committed + Spent + Remaining()
//
// holds algebraically at all times; Remaining may go negative only when
// BlockOnExceed is false.
type Budget struct {
	ID                string
	TenantID          string
	Name              string
	ParentID          *string // single parent pointer; tree is validated acyclic
	Allocated         int64   // minor currency units
	Committed         int64
	Spent             int64
	WarningThreshold  float64 // percent, e.g. 70
	CriticalThreshold float64 // percent, e.g. 90
	BlockOnExceed     bool
	// Alert latches: true while utilization sits at or above the threshold.
	// Persisted so a restart cannot re-fire an alert for the same crossing.
	WarningActive  bool
	CriticalActive bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining is the derived uncommitted, unspent allocation.
func (b *Budget) Remaining() int64 {
	return b.Allocated - b.Committed - b.Spent
}

// Utilization returns (Committed+Spent)/Allocated as a percentage.
func (b *Budget) Utilization() float64 {
	if b.Allocated <= 0 {
		return 0
	}
	return float64(b.Committed+b.Spent) / float64(b.Allocated) * 100
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxnReserve TransactionType = "reserve"
	TxnRelease TransactionType = "release"
	TxnSettle  TransactionType = "settle"
	TxnRevise  TransactionType = "revise"
)

// Transaction is one immutable ledger entry. The ID of a reserve transaction
// doubles as the reservation token handed back to the caller.
type Transaction struct {
	ID               string
	TenantID         string
	BudgetID         string
	Type             TransactionType
	Amount           int64
	ReservedAmount   int64   // settle only: the commitment being consumed
	ReservationToken *string // release/settle: the reserve entry this closes
	Reference        string
	OverThreshold    bool // reservation proceeded despite a shortfall
	CreatedAt        time.Time
}

// Revision is one audit record of an AllocatedAmount change.
type Revision struct {
	ID             string
	TenantID       string
	BudgetID       string
	PreviousAmount int64
	NewAmount      int64
	Reason         string
	RevisedBy      string
	CreatedAt      time.Time
}

// Reservation is an open budget commitment.
type Reservation struct {
	Token     string
	TenantID  string
	BudgetID  string
	Amount    int64
	Reference string
}
