package authoring

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/semregistry/kernel/pkg/types"
)

// yamlBundle mirrors Bundle/ChangeSetEntry with snake_case tags, the
// hand-authored shape a steward actually writes for a change proposal
// rather than the in-memory struct's field names.
type yamlBundle struct {
	Title      string            `yaml:"title"`
	Rationale  string            `yaml:"rationale"`
	Supersedes string            `yaml:"supersedes,omitempty"`
	Entries    []yamlBundleEntry `yaml:"entries"`
}

type yamlBundleEntry struct {
	EntryID        string                 `yaml:"entry_id"`
	Action         string                 `yaml:"action"`
	ObjectType     string                 `yaml:"object_type"`
	ObjectFQN      string                 `yaml:"object_fqn"`
	BaseSnapshotID string                 `yaml:"base_snapshot_id,omitempty"`
	DraftPayload   map[string]interface{} `yaml:"draft_payload"`
	ChangeType     string                 `yaml:"change_type"`
	GovernanceTier string                 `yaml:"governance_tier"`
	TrustClass     string                 `yaml:"trust_class"`
	SecurityLabel  struct {
		Classification string   `yaml:"classification"`
		PII            bool     `yaml:"pii"`
		Jurisdictions  []string `yaml:"jurisdictions,omitempty"`
		Tags           []string `yaml:"tags,omitempty"`
	} `yaml:"security_label"`
}

// ParseBundleYAML decodes a YAML-authored change bundle — the format a
// steward hand-writes to propose a batch of edits — into a Bundle ready
// for Pipeline.Propose. It is the authoring-time counterpart to a
// caller assembling a Bundle programmatically; both feed the same
// Propose call and the same content-hash-based idempotency.
func ParseBundleYAML(r io.Reader) (Bundle, error) {
	var yb yamlBundle
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&yb); err != nil {
		return Bundle{}, fmt.Errorf("parse bundle yaml: %w", err)
	}

	bundle := Bundle{
		Title:     yb.Title,
		Rationale: yb.Rationale,
	}
	if yb.Supersedes != "" {
		parsed, err := uuid.Parse(yb.Supersedes)
		if err != nil {
			return Bundle{}, fmt.Errorf("parse bundle yaml: supersedes: %w", err)
		}
		id := ChangeSetId(parsed)
		bundle.Supersedes = &id
	}

	for i, ye := range yb.Entries {
		entry := ChangeSetEntry{
			EntryID:        ye.EntryID,
			Action:         Action(ye.Action),
			ObjectType:     types.ObjectType(ye.ObjectType),
			ObjectFQN:      types.FQN(ye.ObjectFQN),
			DraftPayload:   ye.DraftPayload,
			ChangeType:     types.ChangeType(ye.ChangeType),
			GovernanceTier: types.GovernanceTier(ye.GovernanceTier),
			TrustClass:     types.TrustClass(ye.TrustClass),
			SecurityLabel: types.SecurityLabel{
				Classification: parseClassification(ye.SecurityLabel.Classification),
				PII:            ye.SecurityLabel.PII,
				Jurisdictions:  ye.SecurityLabel.Jurisdictions,
				Tags:           ye.SecurityLabel.Tags,
			},
		}
		if ye.BaseSnapshotID != "" {
			parsed, err := uuid.Parse(ye.BaseSnapshotID)
			if err != nil {
				return Bundle{}, fmt.Errorf("parse bundle yaml: entries[%d].base_snapshot_id: %w", i, err)
			}
			id := types.SnapshotId(parsed)
			entry.BaseSnapshotID = &id
		}
		bundle.Entries = append(bundle.Entries, entry)
	}
	return bundle, nil
}

// parseClassification maps the security_label.classification string a
// bundle author writes to the ordered Classification enum abac.go's
// clearance comparisons rely on. An unrecognized value defaults to the
// most restrictive level rather than silently granting public access.
func parseClassification(s string) types.Classification {
	switch s {
	case "public":
		return types.ClassificationPublic
	case "internal":
		return types.ClassificationInternal
	case "confidential":
		return types.ClassificationConfidential
	default:
		return types.ClassificationRestricted
	}
}
