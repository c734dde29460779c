package policy_test

import (
	"testing"

	"github.com/openclaw/vcevidence/internal/policy"
	"github.com/openclaw/vcevidence/internal/tenant"
	"github.com/stretchr/testify/assert"
)

func basePolicy() tenant.ScopePolicy {
	return tenant.ScopePolicy{
		AllowPrefixes:   []string{"desktop_common/"},
		DenyPatterns:    []string{"*.tmp", "secret"},
		AllowedDocTypes: []string{"ir_deck", "tax_invoice"},
	}
}

func TestEvaluate_EmptyPath(t *testing.T) {
	d := policy.Evaluate(basePolicy(), "", "ir_deck")
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ReasonEmptyPath, d.Reason)
}

func TestEvaluate_OutsideScope(t *testing.T) {
	d := policy.Evaluate(basePolicy(), "other_folder/file.txt", "ir_deck")
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ReasonOutsideScope, d.Reason)
}

func TestEvaluate_DenyGlob(t *testing.T) {
	d := policy.Evaluate(basePolicy(), "desktop_common/draft.tmp", "ir_deck")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "deny_pattern:")
}

func TestEvaluate_DenySubstring(t *testing.T) {
	d := policy.Evaluate(basePolicy(), "desktop_common/secret_plans.txt", "ir_deck")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "deny_pattern:")
}

func TestEvaluate_DocTypeNotAllowed(t *testing.T) {
	d := policy.Evaluate(basePolicy(), "desktop_common/notes.txt", "unknown")
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ReasonDocTypeNotAllow, d.Reason)
}

func TestEvaluate_InScope(t *testing.T) {
	d := policy.Evaluate(basePolicy(), "desktop_common/invoice.txt", "tax_invoice")
	assert.True(t, d.Allow)
	assert.Equal(t, policy.ReasonInScope, d.Reason)
}

func TestEvaluate_EmptyAllowedDocTypesAllowsAny(t *testing.T) {
	p := basePolicy()
	p.AllowedDocTypes = nil
	d := policy.Evaluate(p, "desktop_common/notes.txt", "unknown")
	assert.True(t, d.Allow)
}

// Property-style sweep across a matrix of inputs — mirrors the "for all
// artifacts" invariant from the collection contract.
func TestEvaluate_Matrix(t *testing.T) {
	p := basePolicy()
	cases := []struct {
		relPath string
		docType string
		want    bool
	}{
		{"desktop_common/a.txt", "ir_deck", true},
		{"desktop_common/a.txt", "social_insurance", false},
		{"outside/a.txt", "ir_deck", false},
		{"desktop_common/a.tmp", "ir_deck", false},
		{"", "ir_deck", false},
	}
	for _, c := range cases {
		d := policy.Evaluate(p, c.relPath, c.docType)
		assert.Equal(t, c.want, d.Allow, "relPath=%s docType=%s", c.relPath, c.docType)
	}
}
