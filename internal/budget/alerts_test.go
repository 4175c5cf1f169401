package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlerts_WarningThenCritical(t *testing.T) {
	f := newLedgerFixture()
	b := deptBudget("b-1", 10_000)
	b.BlockOnExceed = false
	f.mustCreate(t, b)

	// 75% crosses warning only.
	_, err := f.ledger.Reserve(context.Background(), b.ID, 7_500, "approval:doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{AlertWarning}, f.notifier.alerts)

	// 91% crosses critical; warning stays latched and silent.
	_, err = f.ledger.Reserve(context.Background(), b.ID, 1_600, "approval:doc-2")
	require.NoError(t, err)
	assert.Equal(t, []string{AlertWarning, AlertCritical}, f.notifier.alerts)

	got, _ := f.ledger.Get(context.Background(), b.ID)
	assert.True(t, got.WarningActive)
	assert.True(t, got.CriticalActive)
}

func TestAlerts_NoRefireWhileAboveThreshold(t *testing.T) {
	f := newLedgerFixture()
	b := deptBudget("b-1", 10_000)
	b.BlockOnExceed = false
	f.mustCreate(t, b)

	for _, amount := range []int64{7_500, 100, 100, 100} {
		_, err := f.ledger.Reserve(context.Background(), b.ID, amount, "approval:doc")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{AlertWarning}, f.notifier.alerts,
		"repeated transactions above the same threshold fire once")
}

func TestAlerts_DropBelowRearmsLatch(t *testing.T) {
	f := newLedgerFixture()
	b := deptBudget("b-1", 10_000)
	b.BlockOnExceed = false
	f.mustCreate(t, b)

	token, err := f.ledger.Reserve(context.Background(), b.ID, 7_500, "approval:doc-1")
	require.NoError(t, err)
	require.Equal(t, []string{AlertWarning}, f.notifier.alerts)

	// Utilization falls back to 0%: the latch re-arms.
	require.NoError(t, f.ledger.Release(context.Background(), token))
	got, _ := f.ledger.Get(context.Background(), b.ID)
	assert.False(t, got.WarningActive)

	// Crossing again fires again.
	_, err = f.ledger.Reserve(context.Background(), b.ID, 8_000, "approval:doc-2")
	require.NoError(t, err)
	assert.Equal(t, []string{AlertWarning, AlertWarning}, f.notifier.alerts)
}

func TestAlerts_JumpStraightPastCritical(t *testing.T) {
	f := newLedgerFixture()
	b := deptBudget("b-1", 10_000)
	b.BlockOnExceed = false
	f.mustCreate(t, b)

	// One transaction crossing both thresholds announces only the highest.
	_, err := f.ledger.Reserve(context.Background(), b.ID, 9_500, "approval:doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{AlertCritical}, f.notifier.alerts)

	got, _ := f.ledger.Get(context.Background(), b.ID)
	assert.True(t, got.WarningActive, "warning still latches so a later dip past warning alone stays silent")
	assert.True(t, got.CriticalActive)
}

func TestAlerts_ZeroAllocationNeverAlerts(t *testing.T) {
	f := newLedgerFixture()
	b := deptBudget("b-1", 0)
	b.BlockOnExceed = false
	f.mustCreate(t, b)

	_, err := f.ledger.Reserve(context.Background(), b.ID, 500, "approval:doc-1")
	require.NoError(t, err)
	assert.Empty(t, f.notifier.alerts)
}

func TestAlerts_RevisionCanTriggerAlert(t *testing.T) {
	f := newLedgerFixture()
	b := deptBudget("b-1", 100_000)
	b.BlockOnExceed = false
	f.mustCreate(t, b)

	_, err := f.ledger.Reserve(context.Background(), b.ID, 50_000, "approval:doc-1")
	require.NoError(t, err)
	assert.Empty(t, f.notifier.alerts, "50% is below warning")

	// Shrinking the allocation pushes utilization to 83%.
	_, err = f.ledger.Revise(context.Background(), b.ID, 60_000, "cuts", "u-cfo", false)
	require.NoError(t, err)
	assert.Equal(t, []string{AlertWarning}, f.notifier.alerts)
}
