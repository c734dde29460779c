// Package risk implements the deterministic collection-risk scoring
// function described in §4.7. The score feeds both the operator UI and the
// approval workflow's dual sign-off gate.
package risk

import (
	"fmt"
	"math"
	"strings"
)

// Level buckets a score into a human label.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

var freeMailDomains = map[string]bool{
	"gmail.com":   true,
	"naver.com":   true,
	"daum.net":    true,
	"outlook.com": true,
	"hotmail.com": true,
	"yahoo.com":   true,
}

var coreDocTypes = []string{"business_registration", "tax_invoice", "investment_decision"}

// Assessment is the output of Assess.
type Assessment struct {
	Score   float64  `json:"score"`
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons"`
}

// Input carries everything the scoring function needs from one collection
// cycle: artifact counts/confidence, doc-type histogram, scope rejections,
// and the recipients a dispatch would use.
type Input struct {
	ArtifactCount      int
	DocTypeCounts      map[string]int
	AverageConfidence  float64
	ScopeRejectCount   int
	EmailRecipients    []string
}

// Assess computes a deterministic {score, level, reasons} for one collection.
func Assess(in Input) Assessment {
	var score float64
	var reasons []string

	if in.ArtifactCount == 0 {
		score += 0.55
		reasons = append(reasons, "no_artifacts_collected")
	}

	if in.ArtifactCount > 0 {
		unknownRatio := float64(in.DocTypeCounts["unknown"]) / float64(in.ArtifactCount)
		if unknownRatio > 0 {
			delta := math.Min(0.30, 0.10+0.40*unknownRatio)
			score += delta
			reasons = append(reasons, fmt.Sprintf("unknown_doc_ratio:%.2f", unknownRatio))
		}
	}

	if in.ScopeRejectCount > 0 {
		delta := math.Min(0.20, 0.05*float64(in.ScopeRejectCount))
		score += delta
		reasons = append(reasons, fmt.Sprintf("scope_rejections:%d", in.ScopeRejectCount))
	}

	switch {
	case in.ArtifactCount > 200:
		score += 0.20
		reasons = append(reasons, "large_collection_over_200")
	case in.ArtifactCount > 80:
		score += 0.10
		reasons = append(reasons, "large_collection_over_80")
	}

	if in.ArtifactCount > 0 && in.AverageConfidence < 0.55 {
		score += 0.12
		reasons = append(reasons, fmt.Sprintf("low_classifier_confidence:%.2f", in.AverageConfidence))
	}

	if missingCoreDocs(in.DocTypeCounts) {
		score += 0.10
		reasons = append(reasons, "missing_core_docs:"+strings.Join(coreDocTypes, ","))
	}

	if domain, ok := firstFreeMailDomain(in.EmailRecipients); ok {
		score += 0.08
		reasons = append(reasons, "free_mail_recipient:"+domain)
	}

	score = clamp01(score)

	return Assessment{
		Score:   round4(score),
		Level:   levelFor(score),
		Reasons: reasons,
	}
}

func missingCoreDocs(counts map[string]int) bool {
	for _, docType := range coreDocTypes {
		if counts[docType] == 0 {
			return true
		}
	}
	return false
}

func firstFreeMailDomain(recipients []string) (string, bool) {
	for _, r := range recipients {
		parts := strings.SplitN(r, "@", 2)
		if len(parts) != 2 {
			continue
		}
		domain := strings.ToLower(strings.TrimSpace(parts[1]))
		if freeMailDomains[domain] {
			return domain, true
		}
	}
	return "", false
}

func levelFor(score float64) Level {
	switch {
	case score >= 0.70:
		return LevelHigh
	case score >= 0.35:
		return LevelMedium
	default:
		return LevelLow
	}
}

func clamp01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
