package abac

import (
	"testing"
	"testing/quick"

	"github.com/semregistry/kernel/pkg/types"
)

func TestEvaluateRestrictedRequiresRestrictedClearance(t *testing.T) {
	label := types.SecurityLabel{Classification: types.ClassificationRestricted}
	actor := ActorContext{Clearance: types.ClassificationConfidential}
	if got := Evaluate(label, actor); got != Deny {
		t.Fatalf("Evaluate() = %s, want deny", got)
	}
}

func TestEvaluatePIIRedactsWithoutRole(t *testing.T) {
	label := types.SecurityLabel{Classification: types.ClassificationInternal, PII: true}
	actor := ActorContext{Clearance: types.ClassificationRestricted}
	if got := Evaluate(label, actor); got != Redact {
		t.Fatalf("Evaluate() = %s, want redact", got)
	}

	actor.Roles = []string{"pii-reader"}
	if got := Evaluate(label, actor); got != Allow {
		t.Fatalf("Evaluate() with pii-reader role = %s, want allow", got)
	}
}

func TestEvaluateJurisdictionMismatchDenies(t *testing.T) {
	label := types.SecurityLabel{Jurisdictions: []string{"US"}}
	actor := ActorContext{Clearance: types.ClassificationRestricted, Jurisdictions: []string{"EU"}}
	if got := Evaluate(label, actor); got != Deny {
		t.Fatalf("Evaluate() = %s, want deny", got)
	}
}

func TestEvaluateConfidentialRedactsBelowClearance(t *testing.T) {
	label := types.SecurityLabel{Classification: types.ClassificationConfidential}
	actor := ActorContext{Clearance: types.ClassificationInternal}
	if got := Evaluate(label, actor); got != Redact {
		t.Fatalf("Evaluate() = %s, want redact", got)
	}
}

func TestEvaluateDefaultAllow(t *testing.T) {
	label := types.SecurityLabel{Classification: types.ClassificationInternal}
	actor := ActorContext{Clearance: types.ClassificationInternal}
	if got := Evaluate(label, actor); got != Allow {
		t.Fatalf("Evaluate() = %s, want allow", got)
	}
}

// TestMonotonicity checks that strengthening a label (raising
// classification or adding jurisdictions) never loosens the decision
// for a fixed actor.
func TestMonotonicity(t *testing.T) {
	actor := ActorContext{Clearance: types.ClassificationInternal, Jurisdictions: []string{"US"}}

	f := func(classDelta uint8, pii bool, addJurisdiction bool) bool {
		base := types.SecurityLabel{Classification: types.ClassificationPublic, Jurisdictions: []string{"US"}}
		before := Evaluate(base, actor)

		strengthened := base
		strengthened.Classification = types.Classification(int(base.Classification) + int(classDelta%4))
		if strengthened.Classification > types.ClassificationRestricted {
			strengthened.Classification = types.ClassificationRestricted
		}
		if pii {
			strengthened.PII = true
		}
		if addJurisdiction {
			strengthened.Jurisdictions = append(strengthened.Jurisdictions, "EU")
		}

		if !Stricter(base, strengthened) {
			return true // not a strengthening case, skip
		}
		after := Evaluate(strengthened, actor)
		return NotLooser(before, after)
	}

	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("ABAC monotonicity violated: %v", err)
	}
}
