package authoring

import (
	"context"
	"strings"
	"testing"

	"github.com/semregistry/kernel/pkg/types"
)

func TestParseBundleYAMLDecodesAWellFormedBundle(t *testing.T) {
	src := `
title: add risk score attribute
rationale: kyc needs a numeric risk indicator
entries:
  - entry_id: e1
    action: add
    object_type: attribute_def
    object_fqn: kyc.risk_score
    change_type: created
    governance_tier: operational
    trust_class: authoritative
    draft_payload:
      data_type: number
    security_label:
      classification: internal
      pii: false
`
	bundle, err := ParseBundleYAML(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseBundleYAML() error = %v", err)
	}
	if bundle.Title != "add risk score attribute" {
		t.Fatalf("Title = %q", bundle.Title)
	}
	if len(bundle.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(bundle.Entries))
	}

	entry := bundle.Entries[0]
	if entry.ObjectFQN != types.FQN("kyc.risk_score") {
		t.Fatalf("ObjectFQN = %q", entry.ObjectFQN)
	}
	if entry.GovernanceTier != types.Operational {
		t.Fatalf("GovernanceTier = %q", entry.GovernanceTier)
	}
	if entry.SecurityLabel.Classification != types.ClassificationInternal {
		t.Fatalf("Classification = %v, want internal", entry.SecurityLabel.Classification)
	}
}

func TestParseBundleYAMLRejectsUnknownFields(t *testing.T) {
	src := `
title: t
entries:
  - entry_id: e1
    action: add
    bogus_field: nope
`
	if _, err := ParseBundleYAML(strings.NewReader(src)); err == nil {
		t.Fatalf("expected an error for an unknown field")
	}
}

func TestParseBundleYAMLDefaultsUnrecognizedClassificationToRestricted(t *testing.T) {
	src := `
title: t
entries:
  - entry_id: e1
    action: add
    object_type: attribute_def
    object_fqn: kyc.x
    change_type: created
    governance_tier: operational
    trust_class: authoritative
    draft_payload:
      data_type: string
    security_label:
      classification: made_up
`
	bundle, err := ParseBundleYAML(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseBundleYAML() error = %v", err)
	}
	if bundle.Entries[0].SecurityLabel.Classification != types.ClassificationRestricted {
		t.Fatalf("Classification = %v, want restricted", bundle.Entries[0].SecurityLabel.Classification)
	}
}

func TestParseBundleYAMLFeedsProposeEndToEnd(t *testing.T) {
	src := `
title: add risk score attribute
rationale: kyc needs a numeric risk indicator
entries:
  - entry_id: e1
    action: add
    object_type: attribute_def
    object_fqn: kyc.risk_score
    change_type: created
    governance_tier: operational
    trust_class: authoritative
    draft_payload:
      data_type: number
    security_label:
      classification: internal
`
	bundle, err := ParseBundleYAML(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseBundleYAML() error = %v", err)
	}

	p, _ := newTestPipeline()
	id, err := p.Propose(context.Background(), bundle, "alice")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	cs, err := p.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(cs.Entries) != 1 || cs.Entries[0].ObjectFQN != types.FQN("kyc.risk_score") {
		t.Fatalf("Entries = %+v", cs.Entries)
	}
}
