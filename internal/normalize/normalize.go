// Package normalize extracts doc-type-specific fields from artifact payloads
// into versioned JSON records, per §4.6.
package normalize

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const schemaVersion = "vc_evidence_v1"

// Record is one normalized extraction, ready to be upserted by record ID.
type Record struct {
	RecordID string
	Payload  Payload
}

// Payload is the JSON-serializable body of a NormalizedRecord.
type Payload struct {
	SchemaVersion string                 `json:"schema_version"`
	SchemaType    string                 `json:"schema_type"`
	Source        string                 `json:"source"`
	Fields        map[string]interface{} `json:"fields"`
	Quality       Quality                `json:"quality"`
	NormalizedAt  string                 `json:"normalized_at"`
}

// Quality reports extraction confidence and size signals.
type Quality struct {
	ClassifierConfidence float64 `json:"classifier_confidence"`
	TextLength           int     `json:"text_length"`
	FieldCount           int     `json:"field_count"`
}

var (
	reRegistrationNumber = regexp.MustCompile(`\b\d{3}-\d{2}-\d{5}\b`)
	reInvoiceReference   = regexp.MustCompile(`(?i)(invoice|inv)[-_ ]?([a-z0-9]{3,})`)
	reAmountHint         = regexp.MustCompile(`[\$₩]?\s?[0-9][0-9,]{2,}(\.[0-9]{1,2})?`)
	reRoadmapHint        = regexp.MustCompile(`(?i)roadmap`)
)

var confirmedTerms = []string{"납부", "완료", "confirmed", "paid"}
var approvedTerms = []string{"approved", "승인"}
var rejectedTerms = []string{"rejected", "반려", "거절"}

// RecordID derives the deterministic, idempotent identifier for a
// (collection, artifact, doc type) triple.
func RecordID(collectionID, artifactID, docType string) string {
	h := sha256.Sum256([]byte(collectionID + ":" + artifactID + ":" + docType))
	return hex.EncodeToString(h[:])
}

// Normalize extracts fields for one artifact given its doc type and the
// base64-encoded payload bytes (possibly empty). confidence is the
// classifier's confidence for this artifact, carried through to Quality.
func Normalize(collectionID, artifactID, docType, payloadB64, source string, confidence float64) Record {
	text := decodeText(payloadB64)

	fields := map[string]interface{}{}
	switch docType {
	case "business_registration":
		if m := reRegistrationNumber.FindString(text); m != "" {
			fields["registration_number"] = m
		}
		if title := firstNonEmptyLine(text, 120); title != "" {
			fields["entity_name"] = title
		}
	case "tax_invoice":
		if m := reInvoiceReference.FindString(text); m != "" {
			fields["invoice_reference"] = strings.TrimSpace(m)
		}
		if m := reAmountHint.FindString(text); m != "" {
			fields["amount_hint"] = m
		}
	case "social_insurance":
		fields["status"] = boolToStatus(containsAny(text, confirmedTerms))
	case "investment_decision":
		fields["decision"] = decisionKeyword(text)
		if title := firstNonEmptyLine(text, 120); title != "" {
			fields["meeting_note_title"] = title
		}
	case "ir_deck":
		if title := firstNonEmptyLine(text, 120); title != "" {
			fields["deck_title"] = title
		}
		fields["has_roadmap_hint"] = reRoadmapHint.MatchString(text)
	default:
		if preview := firstNonEmptyLine(text, 120); preview != "" {
			fields["preview"] = preview
		}
	}

	payload := Payload{
		SchemaVersion: schemaVersion,
		SchemaType:    docType,
		Source:        source,
		Fields:        fields,
		Quality: Quality{
			ClassifierConfidence: round4(confidence),
			TextLength:           utf8.RuneCountInString(text),
			FieldCount:           len(fields),
		},
		NormalizedAt: time.Now().UTC().Format(time.RFC3339),
	}

	return Record{
		RecordID: RecordID(collectionID, artifactID, docType),
		Payload:  payload,
	}
}

func decodeText(payloadB64 string) string {
	if payloadB64 == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(raw), "�")
}

func firstNonEmptyLine(text string, maxLen int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxLen {
			runes := []rune(line)
			return string(runes[:maxLen])
		}
		return line
	}
	return ""
}

func containsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func boolToStatus(confirmed bool) string {
	if confirmed {
		return "confirmed"
	}
	return "pending"
}

func decisionKeyword(text string) string {
	switch {
	case containsAny(text, approvedTerms):
		return "approved"
	case containsAny(text, rejectedTerms):
		return "rejected"
	default:
		return "unknown"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
