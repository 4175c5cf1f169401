package workflow

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// stubDirectory backs role and activity lookups with fixed maps.
type stubDirectory struct {
	roles    map[string][]string
	inactive map[string]bool
}

func (d *stubDirectory) UsersWithRole(_ context.Context, _, role string) ([]string, error) {
	return d.roles[role], nil
}

func (d *stubDirectory) UserActive(_ context.Context, _, userID string) (bool, error) {
	return !d.inactive[userID], nil
}

type stubGroups struct {
	groups map[string]*ApprovalGroup
}

func (g *stubGroups) GroupByID(_ context.Context, _, groupID string) (*ApprovalGroup, error) {
	grp, ok := g.groups[groupID]
	if !ok {
		return nil, apperr.NotFound("approval group", groupID)
	}
	return grp, nil
}

func newTestBuilder(dir *stubDirectory, groups *stubGroups) *ChainBuilder {
	if dir == nil {
		dir = &stubDirectory{}
	}
	if groups == nil {
		groups = &stubGroups{}
	}
	return NewChainBuilder(dir, groups, zerolog.Nop())
}

func chainConfig(steps ...StepDef) *WorkflowConfig {
	return &WorkflowConfig{
		ID:         "cfg-1",
		TenantID:   "t1",
		Name:       "test-chain",
		EntityType: "purchase_order",
		IsActive:   true,
		Steps:      steps,
	}
}

func TestChainBuilder_DirectApprover(t *testing.T) {
	b := newTestBuilder(nil, nil)
	cfg := chainConfig(StepDef{StepOrder: 1, ApproverID: str("u-mgr")})

	steps, err := b.Build(context.Background(), cfg, testDoc())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, []string{"u-mgr"}, steps[0].Approvers)
	assert.Equal(t, 1, steps[0].Quorum)
	assert.Equal(t, StepPending, steps[0].Status)
	assert.NotEmpty(t, steps[0].ID)
	assert.NotNil(t, steps[0].Votes)
}

func TestChainBuilder_FallbackWhenPrimaryInactive(t *testing.T) {
	dir := &stubDirectory{inactive: map[string]bool{"u-mgr": true}}
	b := newTestBuilder(dir, nil)
	cfg := chainConfig(StepDef{
		StepOrder:          1,
		ApproverID:         str("u-mgr"),
		FallbackApproverID: str("u-deputy"),
	})

	steps, err := b.Build(context.Background(), cfg, testDoc())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, []string{"u-deputy"}, steps[0].Approvers)
}

func TestChainBuilder_PrimaryAndFallbackInactive(t *testing.T) {
	dir := &stubDirectory{inactive: map[string]bool{"u-mgr": true, "u-deputy": true}}
	b := newTestBuilder(dir, nil)
	cfg := chainConfig(StepDef{
		StepOrder:          1,
		ApproverID:         str("u-mgr"),
		FallbackApproverID: str("u-deputy"),
	})

	_, err := b.Build(context.Background(), cfg, testDoc())
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeConfiguration))
}

func TestChainBuilder_RoleApprovers(t *testing.T) {
	dir := &stubDirectory{roles: map[string][]string{
		"finance_controller": {"u-1", "u-2", "u-1"},
	}}
	b := newTestBuilder(dir, nil)
	cfg := chainConfig(StepDef{StepOrder: 1, ApproverRole: str("finance_controller"), RequiredApprovals: 2})

	steps, err := b.Build(context.Background(), cfg, testDoc())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, []string{"u-1", "u-2"}, steps[0].Approvers, "duplicate role holders deduplicated")
	assert.Equal(t, 2, steps[0].Quorum)
}

func TestChainBuilder_GroupApprovers(t *testing.T) {
	groups := &stubGroups{groups: map[string]*ApprovalGroup{
		"g-fin": {
			ID: "g-fin", TenantID: "t1", Name: "Finance", IsActive: true,
			Members: []GroupMember{
				{UserID: "u-1", IsActive: true},
				{UserID: "u-2", IsActive: false},
				{UserID: "u-3", IsActive: true},
			},
		},
	}}
	b := newTestBuilder(nil, groups)

	t.Run("inactive members excluded", func(t *testing.T) {
		cfg := chainConfig(StepDef{StepOrder: 1, ApproverGroupID: str("g-fin")})
		steps, err := b.Build(context.Background(), cfg, testDoc())
		require.NoError(t, err)
		assert.Equal(t, []string{"u-1", "u-3"}, steps[0].Approvers)
	})

	t.Run("require all group members sets quorum to eligible count", func(t *testing.T) {
		cfg := chainConfig(StepDef{StepOrder: 1, ApproverGroupID: str("g-fin"), RequireAllGroupMembers: true})
		steps, err := b.Build(context.Background(), cfg, testDoc())
		require.NoError(t, err)
		assert.Equal(t, 2, steps[0].Quorum)
	})

	t.Run("unknown group fails", func(t *testing.T) {
		cfg := chainConfig(StepDef{StepOrder: 1, ApproverGroupID: str("g-none")})
		_, err := b.Build(context.Background(), cfg, testDoc())
		require.Error(t, err)
		assert.True(t, apperr.HasCode(err, apperr.ErrCodeNotFound))
	})
}

func TestChainBuilder_MinApproversFloor(t *testing.T) {
	dir := &stubDirectory{roles: map[string][]string{"buyer": {"u-1", "u-2", "u-3"}}}
	b := newTestBuilder(dir, nil)

	min := 2
	cfg := chainConfig(StepDef{
		StepOrder:            1,
		ApproverRole:         str("buyer"),
		RequiredApprovals:    1,
		MinApproversRequired: &min,
	})

	steps, err := b.Build(context.Background(), cfg, testDoc())
	require.NoError(t, err)
	assert.Equal(t, 2, steps[0].Quorum)
}

func TestChainBuilder_QuorumExceedsApprovers(t *testing.T) {
	dir := &stubDirectory{roles: map[string][]string{"buyer": {"u-1", "u-2"}}}
	b := newTestBuilder(dir, nil)
	cfg := chainConfig(StepDef{StepOrder: 1, ApproverRole: str("buyer"), RequiredApprovals: 3})

	_, err := b.Build(context.Background(), cfg, testDoc())
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeConfiguration))
}

func TestChainBuilder_AmountGatedSteps(t *testing.T) {
	b := newTestBuilder(nil, nil)
	cfg := chainConfig(
		StepDef{StepOrder: 1, ApproverID: str("u-mgr")},
		StepDef{StepOrder: 2, ApproverID: str("u-dir"), MinAmount: i64(1_000_000)},
		StepDef{StepOrder: 3, ApproverID: str("u-cfo"), MinAmount: i64(10_000_000)},
	)

	t.Run("small amount keeps only ungated step", func(t *testing.T) {
		doc := testDoc()
		doc.Amount = 500_000
		steps, err := b.Build(context.Background(), cfg, doc)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, 1, steps[0].StepOrder)
	})

	t.Run("large amount includes gated steps", func(t *testing.T) {
		doc := testDoc()
		doc.Amount = 10_000_000
		steps, err := b.Build(context.Background(), cfg, doc)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{steps[0].StepOrder, steps[1].StepOrder, steps[2].StepOrder})
	})
}

func TestChainBuilder_AllStepsGatedOut(t *testing.T) {
	b := newTestBuilder(nil, nil)
	cfg := chainConfig(StepDef{StepOrder: 1, ApproverID: str("u-cfo"), MinAmount: i64(10_000_000)})

	doc := testDoc()
	doc.Amount = 100
	_, err := b.Build(context.Background(), cfg, doc)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeConfiguration))
}
