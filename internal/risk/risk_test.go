package risk_test

import (
	"testing"

	"github.com/openclaw/vcevidence/internal/risk"
	"github.com/stretchr/testify/assert"
)

func TestAssess_NoArtifacts(t *testing.T) {
	a := risk.Assess(risk.Input{ArtifactCount: 0})
	assert.Contains(t, a.Reasons, "no_artifacts_collected")
	assert.Equal(t, risk.LevelMedium, a.Level)
}

func TestAssess_MissingCoreDocsOnly(t *testing.T) {
	a := risk.Assess(risk.Input{
		ArtifactCount:     2,
		DocTypeCounts:     map[string]int{"ir_deck": 2},
		AverageConfidence: 0.9,
	})
	assert.Contains(t, a.Reasons, "missing_core_docs:business_registration,tax_invoice,investment_decision")
	assert.Equal(t, risk.LevelLow, a.Level)
}

func TestAssess_HighRiskManyFactors(t *testing.T) {
	a := risk.Assess(risk.Input{
		ArtifactCount:     250,
		DocTypeCounts:     map[string]int{"unknown": 200, "ir_deck": 50},
		AverageConfidence: 0.3,
		ScopeRejectCount:  10,
		EmailRecipients:   []string{"partner@gmail.com"},
	})
	assert.Equal(t, risk.LevelHigh, a.Level)
	assert.Equal(t, 1.0, a.Score)
}

func TestAssess_FreeMailRecipientOnce(t *testing.T) {
	a := risk.Assess(risk.Input{
		ArtifactCount:     5,
		DocTypeCounts:     map[string]int{"business_registration": 1, "tax_invoice": 1, "investment_decision": 1, "ir_deck": 2},
		AverageConfidence: 0.9,
		EmailRecipients:   []string{"a@gmail.com", "b@gmail.com"},
	})
	count := 0
	for _, r := range a.Reasons {
		if r == "free_mail_recipient:gmail.com" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAssess_Deterministic(t *testing.T) {
	in := risk.Input{
		ArtifactCount:     12,
		DocTypeCounts:     map[string]int{"tax_invoice": 12},
		AverageConfidence: 0.6,
		ScopeRejectCount:  2,
	}
	a1 := risk.Assess(in)
	a2 := risk.Assess(in)
	assert.Equal(t, a1, a2)
}

func TestAssess_ScoreClampedToOne(t *testing.T) {
	a := risk.Assess(risk.Input{
		ArtifactCount:     0,
		DocTypeCounts:     map[string]int{},
		ScopeRejectCount:  100,
		AverageConfidence: 0,
		EmailRecipients:   []string{"x@yahoo.com"},
	})
	assert.LessOrEqual(t, a.Score, 1.0)
}
