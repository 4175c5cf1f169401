package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine *Engine
	store  *MemRequestStore
	clock  *fakeClock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time        { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newEngineFixture(delegs StaticDelegations) *engineFixture {
	store := NewMemRequestStore()
	clock := &fakeClock{t: epoch}
	if delegs == nil {
		delegs = StaticDelegations{}
	}
	eng := NewEngine(store, delegs, zerolog.Nop()).WithClock(clock.Now)
	return &engineFixture{engine: eng, store: store, clock: clock}
}

func newStep(order int, quorum, slaHours int, approvers ...string) *StepInstance {
	return &StepInstance{
		ID:        uuid.NewString(),
		StepOrder: order,
		Approvers: approvers,
		Quorum:    quorum,
		SLAHours:  slaHours,
		Status:    StepPending,
		Votes:     map[string]Vote{},
	}
}

func submitted(t *testing.T, f *engineFixture, steps ...*StepInstance) *ApprovalRequest {
	t.Helper()
	cfg := chainConfig()
	req, err := f.engine.Submit(context.Background(), cfg, testDoc(), steps, nil)
	require.NoError(t, err)
	return req
}

func TestEngine_SubmitStartsFirstStep(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 1, 24, "u-1"), newStep(2, 1, 24, "u-2"))

	assert.Equal(t, StatusInProgress, req.Status)
	assert.Equal(t, 1, req.CurrentStep)

	step := req.Current()
	require.NotNil(t, step)
	assert.Equal(t, StepInProgress, step.Status)
	require.NotNil(t, step.Deadline)
	assert.Equal(t, epoch.Add(24*time.Hour), *step.Deadline)
}

func TestEngine_SubmitWithoutConfigAutoApproves(t *testing.T) {
	f := newEngineFixture(nil)
	req, err := f.engine.Submit(context.Background(), nil, testDoc(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, req.Status)
	assert.Empty(t, req.Steps)
	assert.NotNil(t, req.CompletedAt)
}

func TestEngine_SingleApproverCompletesRequest(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 1, 24, "u-1"))

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Equal(t, StatusApproved, result.RequestStatus)

	stored, err := f.store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentStep)
	assert.NotNil(t, stored.CompletedAt)
}

func TestEngine_QuorumTwoOfThree(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 2, 24, "u-1", "u-2", "u-3"))

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.Approvals)
	assert.Equal(t, StepInProgress, result.StepStatus)

	result, err = f.engine.CastVote(context.Background(), req.ID, "u-2", DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, StatusApproved, result.RequestStatus)

	// The late third vote lands after the terminal transition.
	_, err = f.engine.CastVote(context.Background(), req.ID, "u-3", DecisionApprove, nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeAlreadyTerminal))
}

func TestEngine_RevoteOverwritesNotDoubleCounts(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 2, 24, "u-1", "u-2"))

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Approvals)

	result, err = f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Approvals, "same principal re-voting must not add a second approval")
	assert.False(t, result.Completed)
}

func TestEngine_RejectVetoesRequest(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 2, 24, "u-1", "u-2", "u-3"), newStep(2, 1, 24, "u-4"))

	_, err := f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
	require.NoError(t, err)

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-2", DecisionReject, str("over budget"))
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, StatusRejected, result.RequestStatus)
	assert.Equal(t, StepRejected, result.StepStatus)

	stored, _ := f.store.Get(context.Background(), req.ID)
	assert.Equal(t, StepPending, stored.Steps[1].Status, "later steps never start after a veto")
}

func TestEngine_StepAdvanceIsMonotone(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f,
		newStep(1, 1, 24, "u-1"),
		newStep(2, 1, 24, "u-2"),
		newStep(3, 1, 24, "u-3"),
	)

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.Advanced)

	stored, _ := f.store.Get(context.Background(), req.ID)
	assert.Equal(t, 2, stored.CurrentStep)

	// An approver of the already-approved step cannot vote again.
	_, err = f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeUnauthorized))

	result, err = f.engine.CastVote(context.Background(), req.ID, "u-2", DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.Advanced)

	stored, _ = f.store.Get(context.Background(), req.ID)
	assert.Equal(t, 3, stored.CurrentStep)
}

func TestEngine_IneligibleVoterRejected(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 1, 24, "u-1"))

	_, err := f.engine.CastVote(context.Background(), req.ID, "u-stranger", DecisionApprove, nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeUnauthorized))
}

func TestEngine_SelfApprovalBlocked(t *testing.T) {
	f := newEngineFixture(nil)
	step := newStep(1, 1, 24, "u-requester")
	req := submitted(t, f, step)

	_, err := f.engine.CastVote(context.Background(), req.ID, "u-requester", DecisionApprove, nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeUnauthorized))
}

func TestEngine_SelfApprovalAllowedWhenConfigured(t *testing.T) {
	f := newEngineFixture(nil)
	step := newStep(1, 1, 24, "u-requester")
	step.AllowSelfApproval = true
	req := submitted(t, f, step)

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-requester", DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
}

func TestEngine_DelegatedVoteCountsForPrincipal(t *testing.T) {
	delegs := StaticDelegations{
		"t1": DelegationSet{
			"u-1": {FromUserID: "u-1", ToUserID: "u-deputy", Start: tp(epoch.Add(-time.Hour)), End: tp(epoch.Add(72 * time.Hour))},
		},
	}
	f := newEngineFixture(delegs)
	step := newStep(1, 1, 24, "u-1")
	step.AllowDelegation = true
	req := submitted(t, f, step)

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-deputy", DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)

	stored, _ := f.store.Get(context.Background(), req.ID)
	vote, ok := stored.Steps[0].Votes["u-1"]
	require.True(t, ok, "vote recorded under the principal")
	assert.Equal(t, "u-deputy", vote.VoterID)
	assert.Equal(t, "u-1", vote.Principal)
}

func TestEngine_DelegationWindow(t *testing.T) {
	delegs := StaticDelegations{
		"t1": DelegationSet{
			"u-1": {FromUserID: "u-1", ToUserID: "u-deputy", Start: tp(epoch.Add(48 * time.Hour)), End: tp(epoch.Add(96 * time.Hour))},
		},
	}

	t.Run("before window opens", func(t *testing.T) {
		f := newEngineFixture(delegs)
		step := newStep(1, 1, 200, "u-1")
		step.AllowDelegation = true
		req := submitted(t, f, step)

		_, err := f.engine.CastVote(context.Background(), req.ID, "u-deputy", DecisionApprove, nil)
		require.Error(t, err)
		assert.True(t, apperr.HasCode(err, apperr.ErrCodeUnauthorized))
	})

	t.Run("inside window", func(t *testing.T) {
		f := newEngineFixture(delegs)
		step := newStep(1, 1, 200, "u-1")
		step.AllowDelegation = true
		req := submitted(t, f, step)

		f.clock.Advance(49 * time.Hour)
		result, err := f.engine.CastVote(context.Background(), req.ID, "u-deputy", DecisionApprove, nil)
		require.NoError(t, err)
		assert.True(t, result.Completed)
	})

	t.Run("after window closes", func(t *testing.T) {
		f := newEngineFixture(delegs)
		step := newStep(1, 1, 200, "u-1")
		step.AllowDelegation = true
		req := submitted(t, f, step)

		f.clock.Advance(96 * time.Hour)
		_, err := f.engine.CastVote(context.Background(), req.ID, "u-deputy", DecisionApprove, nil)
		require.Error(t, err)
	})
}

func TestEngine_DelegationDisallowedOnStep(t *testing.T) {
	delegs := StaticDelegations{
		"t1": DelegationSet{
			"u-1": {FromUserID: "u-1", ToUserID: "u-deputy", Start: tp(epoch.Add(-time.Hour)), End: tp(epoch.Add(72 * time.Hour))},
		},
	}
	f := newEngineFixture(delegs)
	req := submitted(t, f, newStep(1, 1, 24, "u-1")) // AllowDelegation off

	_, err := f.engine.CastVote(context.Background(), req.ID, "u-deputy", DecisionApprove, nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeUnauthorized))
}

func TestEngine_DeadChainRejectsWithQuorumUnreachable(t *testing.T) {
	f := newEngineFixture(nil)
	step := newStep(1, 3, 24, "u-1", "u-2", "u-3")
	// A pre-recorded rejection that did not veto (e.g. migrated state) leaves
	// at most two possible approvals against a quorum of three.
	step.Votes["u-1"] = Vote{Principal: "u-1", VoterID: "u-1", Decision: DecisionReject, CastAt: epoch}
	req := submitted(t, f, step)

	result, err := f.engine.CastVote(context.Background(), req.ID, "u-2", DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, StatusRejected, result.RequestStatus)

	stored, _ := f.store.Get(context.Background(), req.ID)
	assert.Equal(t, ReasonQuorumUnreachable, stored.Steps[0].Reason)
}

func TestEngine_Cancel(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 1, 24, "u-1"), newStep(2, 1, 24, "u-2"))

	cancelled, err := f.engine.Cancel(context.Background(), req.ID, "u-requester")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.CurrentStep)
	for _, s := range cancelled.Steps {
		assert.Equal(t, StepCancelled, s.Status)
	}

	t.Run("cancel after terminal", func(t *testing.T) {
		_, err := f.engine.Cancel(context.Background(), req.ID, "u-requester")
		require.Error(t, err)
		assert.True(t, apperr.HasCode(err, apperr.ErrCodeAlreadyTerminal))
	})

	t.Run("vote after cancel", func(t *testing.T) {
		_, err := f.engine.CastVote(context.Background(), req.ID, "u-1", DecisionApprove, nil)
		require.Error(t, err)
		assert.True(t, apperr.HasCode(err, apperr.ErrCodeAlreadyTerminal))
	})
}

func TestEngine_SweepEscalatesOnce(t *testing.T) {
	f := newEngineFixture(nil)
	step := newStep(1, 1, 24, "u-1")
	step.AutoEscalate = true
	step.EscalateToID = str("u-boss")
	req := submitted(t, f, step)

	// Hour 24: deadline reached, step escalates and gains one extension.
	f.clock.Advance(24 * time.Hour)
	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Escalated, 1)
	assert.Empty(t, report.Expired)

	stored, _ := f.store.Get(context.Background(), req.ID)
	assert.Equal(t, StatusEscalated, stored.Status)
	current := stored.Current()
	assert.True(t, current.Escalated)
	assert.Contains(t, current.Approvers, "u-boss")
	assert.Contains(t, current.Approvers, "u-1", "escalation is additive")
	assert.Equal(t, epoch.Add(48*time.Hour), *current.Deadline)

	// Hour 25: nothing left to do; the sweep is idempotent.
	f.clock.Advance(time.Hour)
	report, err = f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Escalated)
	assert.Empty(t, report.Expired)

	// The escalation approver can now approve; the request resumes and completes.
	result, err := f.engine.CastVote(context.Background(), req.ID, "u-boss", DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, StatusApproved, result.RequestStatus)
}

func TestEngine_SweepExpiresWithoutEscalation(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 1, 24, "u-1"))

	f.clock.Advance(24 * time.Hour)
	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Expired, 1)

	stored, _ := f.store.Get(context.Background(), req.ID)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, StepTimedOut, stored.Steps[0].Status)
	assert.Equal(t, ReasonSLAExpired, stored.Steps[0].Reason)
}

func TestEngine_SweepExpiresEscalatedStepSecondTime(t *testing.T) {
	f := newEngineFixture(nil)
	step := newStep(1, 1, 24, "u-1")
	step.AutoEscalate = true
	step.EscalateToID = str("u-boss")
	req := submitted(t, f, step)

	f.clock.Advance(24 * time.Hour)
	_, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)

	// The extended deadline passes with no vote: the step times out for good.
	f.clock.Advance(24 * time.Hour)
	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Expired, 1)

	stored, _ := f.store.Get(context.Background(), req.ID)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, ReasonSLAExpired, stored.Steps[0].Reason)
}

func TestEngine_SweepSkipsStepsBeforeDeadline(t *testing.T) {
	f := newEngineFixture(nil)
	submitted(t, f, newStep(1, 1, 24, "u-1"))

	f.clock.Advance(23 * time.Hour)
	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Escalated)
	assert.Empty(t, report.Expired)
}

func TestEngine_NoSLAMeansNoDeadline(t *testing.T) {
	f := newEngineFixture(nil)
	req := submitted(t, f, newStep(1, 1, 0, "u-1"))

	stored, _ := f.store.Get(context.Background(), req.ID)
	assert.Nil(t, stored.Current().Deadline)

	f.clock.Advance(1000 * time.Hour)
	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Expired)
}
