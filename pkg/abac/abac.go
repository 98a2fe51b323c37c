// Package abac implements the pure classification × clearance × role ×
// jurisdiction access evaluator. It never suspends and never fails —
// every input maps to exactly one AccessDecision.
package abac

import "github.com/semregistry/kernel/pkg/types"

// AccessDecision is the closed enum of outcomes.
type AccessDecision string

const (
	Allow  AccessDecision = "allow"
	Redact AccessDecision = "redact"
	Deny   AccessDecision = "deny"
)

// ActorContext carries the caller's clearance, roles, and jurisdictions.
// There is no implicit identity store — every evaluation takes this
// explicitly.
type ActorContext struct {
	ActorID       string
	Clearance     types.Classification
	Roles         []string
	Jurisdictions []string
}

const piiReaderRole = "pii-reader"

func (a ActorContext) hasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// Evaluate runs five first-match-wins rules against a security label
// and an actor context.
func Evaluate(label types.SecurityLabel, actor ActorContext) AccessDecision {
	// Rule 1: restricted classification requires restricted clearance.
	if label.Classification == types.ClassificationRestricted && actor.Clearance < types.ClassificationRestricted {
		return Deny
	}
	// Rule 2: PII requires the pii-reader role.
	if label.PII && !actor.hasRole(piiReaderRole) {
		return Redact
	}
	// Rule 3: jurisdiction mismatch denies outright.
	if len(label.Jurisdictions) > 0 && !intersects(label.Jurisdictions, actor.Jurisdictions) {
		return Deny
	}
	// Rule 4: confidential classification without confidential clearance redacts.
	if label.Classification == types.ClassificationConfidential && actor.Clearance < types.ClassificationConfidential {
		return Redact
	}
	// Rule 5: otherwise allow.
	return Allow
}

// Stricter reports whether b is at least as strict as a on every axis
// (raising classification, adding PII, narrowing jurisdictions never
// loosens). Used by tests asserting ABAC monotonicity.
func Stricter(a, b types.SecurityLabel) bool {
	if b.Classification < a.Classification {
		return false
	}
	if a.PII && !b.PII {
		return false
	}
	// b must be a superset of a's jurisdiction constraint: if a had no
	// constraint, b may add one; if a had one, b must keep at least
	// the same members (adding more narrows further, which is fine).
	if len(a.Jurisdictions) > 0 {
		set := make(map[string]struct{}, len(b.Jurisdictions))
		for _, j := range b.Jurisdictions {
			set[j] = struct{}{}
		}
		for _, j := range a.Jurisdictions {
			if _, ok := set[j]; !ok {
				return false
			}
		}
	}
	return true
}

// rank orders decisions from most to least permissive, so monotonicity
// tests can assert Evaluate never moves "up" when a label strengthens.
func rank(d AccessDecision) int {
	switch d {
	case Allow:
		return 2
	case Redact:
		return 1
	case Deny:
		return 0
	default:
		return -1
	}
}

// NotLooser reports whether decision `after` is at least as strict as
// `before` (i.e. rank(after) <= rank(before)).
func NotLooser(before, after AccessDecision) bool {
	return rank(after) <= rank(before)
}
