package workflow

import (
	"sort"
	"strconv"
	"strings"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// Resolve selects the single applicable workflow configuration for a document.
// It is a pure function of (doc, configs): the caller passes an explicit config
// snapshot, so re-running it later with a changed config set never retroactively
// alters an already-built chain.
//
// Among all matching configs the lowest Priority wins. A tie on the winning
// priority is a ConfigurationError rather than a guess. No match returns
// (nil, nil), meaning the document is auto-approved without a chain.
func Resolve(doc DocumentContext, configs []*WorkflowConfig) (*WorkflowConfig, error) {
	var matches []*WorkflowConfig
	for _, cfg := range configs {
		if configMatches(cfg, doc) {
			matches = append(matches, cfg)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Priority < matches[j].Priority
	})

	if len(matches) > 1 && matches[1].Priority == matches[0].Priority {
		return nil, apperr.Newf(apperr.ErrCodeConfiguration,
			"ambiguous workflow resolution: configs %q and %q both match at priority %d",
			matches[0].Name, matches[1].Name, matches[0].Priority)
	}
	return matches[0], nil
}

// configMatches checks the config's scope keys, then its full rule set.
func configMatches(cfg *WorkflowConfig, doc DocumentContext) bool {
	if !cfg.IsActive {
		return false
	}
	if cfg.TenantID != "" && cfg.TenantID != doc.TenantID {
		return false
	}
	if cfg.EntityType != doc.EntityType {
		return false
	}
	if cfg.Currency != "" && !strings.EqualFold(cfg.Currency, doc.Currency) {
		return false
	}
	if cfg.MinAmount != nil && doc.Amount < *cfg.MinAmount {
		return false
	}
	if cfg.MaxAmount != nil && doc.Amount >= *cfg.MaxAmount {
		return false
	}
	if cfg.DepartmentID != nil {
		if doc.DepartmentID == nil || *doc.DepartmentID != *cfg.DepartmentID {
			return false
		}
	}
	if cfg.CategoryID != nil {
		if doc.CategoryID == nil || *doc.CategoryID != *cfg.CategoryID {
			return false
		}
	}

	// Rules combine with logical AND.
	for _, rule := range cfg.Rules {
		if !ruleMatches(rule, doc) {
			return false
		}
	}
	return true
}

func ruleMatches(rule WorkflowRule, doc DocumentContext) bool {
	actual, ok := fieldValue(rule.Field, doc)
	if !ok {
		// A rule over an absent field never matches.
		return false
	}

	switch rule.Operator {
	case OpEq:
		return compare(actual, rule.Value) == 0
	case OpNeq:
		return compare(actual, rule.Value) != 0
	case OpGt:
		return compare(actual, rule.Value) > 0
	case OpGte:
		return compare(actual, rule.Value) >= 0
	case OpLt:
		return compare(actual, rule.Value) < 0
	case OpLte:
		return compare(actual, rule.Value) <= 0
	case OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(rule.Value))
	case OpIn:
		for _, v := range rule.Values {
			if compare(actual, v) == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// fieldValue resolves a rule field against the document's built-in attributes
// first, then its custom fields.
func fieldValue(field string, doc DocumentContext) (string, bool) {
	switch field {
	case "amount":
		return strconv.FormatInt(doc.Amount, 10), true
	case "currency":
		return doc.Currency, true
	case "entity_type":
		return doc.EntityType, true
	case "requester_id":
		return doc.RequesterID, true
	case "department_id":
		if doc.DepartmentID == nil {
			return "", false
		}
		return *doc.DepartmentID, true
	case "category_id":
		if doc.CategoryID == nil {
			return "", false
		}
		return *doc.CategoryID, true
	}
	v, ok := doc.Fields[field]
	return v, ok
}

// compare orders two values numerically when both parse as numbers,
// lexically otherwise. Returns -1, 0 or 1.
func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
