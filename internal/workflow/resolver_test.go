package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

func i64(v int64) *int64 { return &v }
func str(s string) *string { return &s }

func testDoc() DocumentContext {
	return DocumentContext{
		TenantID:    "t1",
		DocumentID:  "doc-1",
		EntityType:  "purchase_order",
		Amount:      500_000,
		Currency:    "EUR",
		RequesterID: "u-requester",
	}
}

func activeConfig(name string, priority int) *WorkflowConfig {
	return &WorkflowConfig{
		ID:         "cfg-" + name,
		TenantID:   "t1",
		Name:       name,
		EntityType: "purchase_order",
		Priority:   priority,
		IsActive:   true,
		Steps:      []StepDef{{StepOrder: 1, ApproverID: str("u-1")}},
	}
}

func TestResolve_NoMatchReturnsNil(t *testing.T) {
	cfg := activeConfig("invoices-only", 10)
	cfg.EntityType = "invoice"

	got, err := Resolve(testDoc(), []*WorkflowConfig{cfg})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve_InactiveConfigIgnored(t *testing.T) {
	cfg := activeConfig("disabled", 10)
	cfg.IsActive = false

	got, err := Resolve(testDoc(), []*WorkflowConfig{cfg})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve_AmountBounds(t *testing.T) {
	cfg := activeConfig("mid-range", 10)
	cfg.MinAmount = i64(100_000)
	cfg.MaxAmount = i64(500_000) // exclusive

	t.Run("below lower bound", func(t *testing.T) {
		doc := testDoc()
		doc.Amount = 99_999
		got, err := Resolve(doc, []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("at lower bound matches", func(t *testing.T) {
		doc := testDoc()
		doc.Amount = 100_000
		got, err := Resolve(doc, []*WorkflowConfig{cfg})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, cfg.ID, got.ID)
	})

	t.Run("at upper bound excluded", func(t *testing.T) {
		doc := testDoc()
		doc.Amount = 500_000
		got, err := Resolve(doc, []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestResolve_LowestPriorityWins(t *testing.T) {
	broad := activeConfig("broad", 100)
	specific := activeConfig("specific", 10)

	got, err := Resolve(testDoc(), []*WorkflowConfig{broad, specific})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "specific", got.Name)
}

func TestResolve_PriorityTieIsConfigurationError(t *testing.T) {
	a := activeConfig("a", 10)
	b := activeConfig("b", 10)

	_, err := Resolve(testDoc(), []*WorkflowConfig{a, b})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeConfiguration))
}

func TestResolve_TieBelowWinnerIsFine(t *testing.T) {
	winner := activeConfig("winner", 5)
	a := activeConfig("a", 10)
	b := activeConfig("b", 10)

	got, err := Resolve(testDoc(), []*WorkflowConfig{a, winner, b})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "winner", got.Name)
}

func TestResolve_CurrencyCaseInsensitive(t *testing.T) {
	cfg := activeConfig("euros", 10)
	cfg.Currency = "eur"

	got, err := Resolve(testDoc(), []*WorkflowConfig{cfg})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestResolve_DepartmentScope(t *testing.T) {
	cfg := activeConfig("it-dept", 10)
	cfg.DepartmentID = str("dept-it")

	t.Run("document without department", func(t *testing.T) {
		got, err := Resolve(testDoc(), []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("matching department", func(t *testing.T) {
		doc := testDoc()
		doc.DepartmentID = str("dept-it")
		got, err := Resolve(doc, []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func TestResolve_Rules(t *testing.T) {
	t.Run("all rules must match", func(t *testing.T) {
		cfg := activeConfig("ruled", 10)
		cfg.Rules = []WorkflowRule{
			{Field: "amount", Operator: OpGte, Value: "100000"},
			{Field: "currency", Operator: OpEq, Value: "EUR"},
		}
		got, err := Resolve(testDoc(), []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.NotNil(t, got)

		cfg.Rules[0].Value = "1000000"
		got, err = Resolve(testDoc(), []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("numeric comparison not lexical", func(t *testing.T) {
		cfg := activeConfig("numeric", 10)
		cfg.Rules = []WorkflowRule{{Field: "amount", Operator: OpGt, Value: "99999"}}
		// lexical "500000" < "99999" would fail here
		got, err := Resolve(testDoc(), []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("in operator over custom field", func(t *testing.T) {
		cfg := activeConfig("vendors", 10)
		cfg.Rules = []WorkflowRule{{Field: "vendor_tier", Operator: OpIn, Values: []string{"gold", "silver"}}}

		doc := testDoc()
		doc.Fields = map[string]string{"vendor_tier": "gold"}
		got, err := Resolve(doc, []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.NotNil(t, got)

		doc.Fields["vendor_tier"] = "bronze"
		got, err = Resolve(doc, []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("absent field never matches", func(t *testing.T) {
		cfg := activeConfig("custom", 10)
		cfg.Rules = []WorkflowRule{{Field: "cost_center", Operator: OpEq, Value: "cc-9"}}
		got, err := Resolve(testDoc(), []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("contains is case insensitive", func(t *testing.T) {
		cfg := activeConfig("contains", 10)
		cfg.Rules = []WorkflowRule{{Field: "description", Operator: OpContains, Value: "LAPTOP"}}

		doc := testDoc()
		doc.Fields = map[string]string{"description": "3x laptop chargers"}
		got, err := Resolve(doc, []*WorkflowConfig{cfg})
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func TestResolve_SnapshotSemantics(t *testing.T) {
	// Resolution is pure over the passed snapshot: mutating the slice
	// afterwards does not change an earlier result.
	cfg := activeConfig("only", 10)
	snapshot := []*WorkflowConfig{cfg}

	got, err := Resolve(testDoc(), snapshot)
	require.NoError(t, err)
	require.NotNil(t, got)

	later, err := Resolve(testDoc(), nil)
	require.NoError(t, err)
	assert.Nil(t, later)
	assert.Equal(t, cfg.ID, got.ID)
}
