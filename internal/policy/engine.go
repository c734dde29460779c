// Package policy implements the scope-policy gate that decides whether a
// manifest entry may be collected, per §4.5 of the evidence-collection
// contract.
package policy

import (
	"path"
	"strings"

	"github.com/openclaw/vcevidence/internal/tenant"
)

// Decision is the verdict for one artifact.
type Decision struct {
	Allow  bool
	Reason string
}

const (
	ReasonEmptyPath       = "empty_rel_path"
	ReasonOutsideScope    = "outside_allowed_scope"
	ReasonDocTypeNotAllow = "doc_type_not_allowed"
	ReasonInScope         = "in_scope"
	ReasonDenyPatternFmt  = "deny_pattern:"
)

// Evaluate decides whether relPath/docType may be collected under policy.
func Evaluate(p tenant.ScopePolicy, relPath, docType string) Decision {
	if relPath == "" {
		return Decision{Allow: false, Reason: ReasonEmptyPath}
	}

	lowerPath := strings.ToLower(relPath)

	if len(p.AllowPrefixes) > 0 {
		matched := false
		for _, prefix := range p.AllowPrefixes {
			if strings.HasPrefix(lowerPath, strings.ToLower(prefix)) {
				matched = true
				break
			}
		}
		if !matched {
			return Decision{Allow: false, Reason: ReasonOutsideScope}
		}
	}

	for _, pattern := range p.DenyPatterns {
		lowerPattern := strings.ToLower(pattern)
		matched, _ := path.Match(lowerPattern, lowerPath)
		if !matched {
			matched, _ = path.Match(lowerPattern, path.Base(lowerPath))
		}
		if matched {
			return Decision{Allow: false, Reason: ReasonDenyPatternFmt + pattern}
		}
		if strings.Contains(lowerPath, lowerPattern) {
			return Decision{Allow: false, Reason: ReasonDenyPatternFmt + pattern}
		}
	}

	if len(p.AllowedDocTypes) > 0 && !contains(p.AllowedDocTypes, docType) {
		return Decision{Allow: false, Reason: ReasonDocTypeNotAllow}
	}

	return Decision{Allow: true, Reason: ReasonInScope}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
