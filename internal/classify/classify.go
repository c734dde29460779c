// Package classify maps a collected artifact's filename and an optional text
// preview to a document-type label used by policy, normalization, and risk
// scoring downstream.
package classify

import (
	"regexp"
	"strings"
)

// DocType is one of the recognized evidence document categories.
type DocType string

const (
	BusinessRegistration DocType = "business_registration"
	IRDeck                DocType = "ir_deck"
	TaxInvoice            DocType = "tax_invoice"
	SocialInsurance       DocType = "social_insurance"
	InvestmentDecision    DocType = "investment_decision"
	Unknown               DocType = "unknown"
)

// Result is the classifier's verdict for one artifact.
type Result struct {
	DocType    DocType
	Confidence float64
}

type rule struct {
	docType  DocType
	filename *regexp.Regexp
	preview  *regexp.Regexp
	weight   float64
}

// rules are all evaluated; the highest-scoring match wins, and on a tie the
// earlier rule is kept.
var rules = []rule{
	{
		docType:  BusinessRegistration,
		filename: regexp.MustCompile(`(?i)(business[_-]?reg|법인등기|사업자등록)`),
		preview:  regexp.MustCompile(`\b\d{3}-\d{2}-\d{5}\b`),
		weight:   0.9,
	},
	{
		docType:  TaxInvoice,
		filename: regexp.MustCompile(`(?i)(tax[_-]?invoice|세금계산서|invoice)`),
		preview:  regexp.MustCompile(`(?i)(invoice|inv)[-_ ]?[a-z0-9]{3,}`),
		weight:   0.85,
	},
	{
		docType:  SocialInsurance,
		filename: regexp.MustCompile(`(?i)(social[_-]?insurance|4대보험|국민연금)`),
		preview:  regexp.MustCompile(`(?i)(납부|완료|confirmed|paid)`),
		weight:   0.8,
	},
	{
		docType:  InvestmentDecision,
		filename: regexp.MustCompile(`(?i)(investment[_-]?decision|ic[_-]?memo|의결서)`),
		preview:  regexp.MustCompile(`(?i)(approved|rejected|board|committee)`),
		weight:   0.85,
	},
	{
		docType:  IRDeck,
		filename: regexp.MustCompile(`(?i)(ir[_-]?deck|pitch[_-]?deck|투자설명)`),
		preview:  regexp.MustCompile(`(?i)(roadmap|series [a-z]|valuation)`),
		weight:   0.8,
	},
}

// Classify returns the best-matching doc type and a confidence in [0,1].
// An empty filename with no rule match yields Unknown with low confidence.
func Classify(filename, preview string) Result {
	best := Result{DocType: Unknown, Confidence: 0.2}

	lowerName := strings.ToLower(filename)
	for _, r := range rules {
		nameMatch := r.filename.MatchString(lowerName)
		previewMatch := preview != "" && r.preview.MatchString(preview)

		switch {
		case nameMatch && previewMatch:
			if r.weight > best.Confidence {
				best = Result{DocType: r.docType, Confidence: clamp(r.weight + 0.08)}
			}
		case nameMatch:
			if r.weight-0.15 > best.Confidence {
				best = Result{DocType: r.docType, Confidence: clamp(r.weight - 0.15)}
			}
		case previewMatch:
			if r.weight-0.3 > best.Confidence {
				best = Result{DocType: r.docType, Confidence: clamp(r.weight - 0.3)}
			}
		}
	}

	return best
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}
