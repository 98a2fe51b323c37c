// Package gates implements the publish gate pipeline: a fixed, ordered
// set of structural checks plus a pluggable guardrail layer, both run
// against a proposed snapshot and (where one exists) its predecessor.
package gates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/shared/telemetry"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

// Severity is the closed enum of guardrail report levels. Standard
// gates only ever fail at Block; Severity also lets a guardrail report
// warn/advise without stopping the pipeline.
type Severity string

const (
	Block  Severity = "block"
	Warn   Severity = "warn"
	Advise Severity = "advise"
)

// Outcome is the result of running one gate or guardrail.
type Outcome struct {
	Name     string
	Passed   bool
	Reason   string
	Severity Severity
}

// Candidate bundles everything a gate needs: the proposed row, its
// predecessor (nil for a first version), and the rest of the batch it
// is being published alongside (for intra-batch referential closure).
type Candidate struct {
	Meta          snapshot.SnapshotMeta
	Definition    map[string]interface{}
	Predecessor   *snapshot.Snapshot
	BatchFQNs     map[types.FQN]struct{}
	ActingRoles   []string
	DemotionToken string
}

// Gate is a structural check, always Block severity on failure.
type Gate func(ctx context.Context, c Candidate) Outcome

// Resolver is the minimal read surface gates need from the Snapshot
// Store to check referential closure against the active set.
type Resolver interface {
	Resolve(ctx context.Context, objectType types.ObjectType, fqn types.FQN, asOf *time.Time) (snapshot.Snapshot, error)
}

// HashStability recomputes the content hash from Definition and fails
// only when Definition cannot be hashed. Candidate carries no previously
// computed hash, so nothing is compared; the stores compute content_hash
// from Definition themselves at publish time.
func HashStability(ctx context.Context, c Candidate) Outcome {
	hash, err := types.HashDefinition(c.Definition)
	if err != nil {
		return Outcome{Name: "hash_stability", Passed: false, Reason: err.Error(), Severity: Block}
	}
	_ = hash // only hashability is checked; Candidate carries no stored hash to compare.
	return Outcome{Name: "hash_stability", Passed: true, Severity: Block}
}

// VersionMonotonicity requires strictly increasing (major, minor)
// relative to the predecessor, when one exists.
func VersionMonotonicity(ctx context.Context, c Candidate) Outcome {
	if c.Predecessor == nil {
		return Outcome{Name: "version_monotonicity", Passed: true, Severity: Block}
	}
	if !c.Meta.Version.GreaterThan(c.Predecessor.Version) {
		return Outcome{
			Name: "version_monotonicity", Passed: false, Severity: Block,
			Reason: fmt.Sprintf("version %s does not exceed predecessor %s", c.Meta.Version, c.Predecessor.Version),
		}
	}
	return Outcome{Name: "version_monotonicity", Passed: true, Severity: Block}
}

// RationalePresent requires a non-empty ChangeRationale whenever a
// predecessor is set.
func RationalePresent(ctx context.Context, c Candidate) Outcome {
	if c.Predecessor != nil && strings.TrimSpace(c.Meta.ChangeRationale) == "" {
		return Outcome{Name: "rationale_present", Passed: false, Severity: Block, Reason: "change_rationale required when predecessor_id is set"}
	}
	return Outcome{Name: "rationale_present", Passed: true, Severity: Block}
}

// SecurityLabelPresent requires at least one jurisdiction when the label
// is PII. It does not check Classification, whose zero value is
// ClassificationPublic.
func SecurityLabelPresent(ctx context.Context, c Candidate) Outcome {
	label := c.Meta.SecurityLabel
	if label.PII && len(label.Jurisdictions) == 0 {
		return Outcome{Name: "security_label_present", Passed: false, Severity: Block, Reason: "pii=true requires at least one jurisdiction"}
	}
	return Outcome{Name: "security_label_present", Passed: true, Severity: Block}
}

// GovernanceTierCompatible blocks a governed→operational downgrade
// unless the caller supplied an explicit demotion token.
func GovernanceTierCompatible(ctx context.Context, c Candidate) Outcome {
	if c.Predecessor == nil {
		return Outcome{Name: "governance_tier_compatible", Passed: true, Severity: Block}
	}
	downgrading := c.Predecessor.GovernanceTier == types.Governed && c.Meta.GovernanceTier == types.Operational
	if downgrading && c.DemotionToken == "" {
		return Outcome{Name: "governance_tier_compatible", Passed: false, Severity: Block, Reason: "governed to operational demotion requires a demotion token"}
	}
	return Outcome{Name: "governance_tier_compatible", Passed: true, Severity: Block}
}

// ProofChainCompatible requires the predecessor's structural signature
// (field set + datatypes) to survive unless change_type=breaking.
func ProofChainCompatible(ctx context.Context, c Candidate) Outcome {
	if c.Predecessor == nil || c.Meta.ChangeType == types.ChangeBreaking {
		return Outcome{Name: "proof_chain_compatible", Passed: true, Severity: Block}
	}
	for key, prevVal := range c.Predecessor.Definition {
		newVal, ok := c.Definition[key]
		if !ok {
			return Outcome{
				Name: "proof_chain_compatible", Passed: false, Severity: Block,
				Reason: fmt.Sprintf("field %q dropped without change_type=breaking", key),
			}
		}
		if fieldKind(prevVal) != fieldKind(newVal) {
			return Outcome{
				Name: "proof_chain_compatible", Passed: false, Severity: Block,
				Reason: fmt.Sprintf("field %q changed type from %s to %s without change_type=breaking", key, fieldKind(prevVal), fieldKind(newVal)),
			}
		}
	}
	return Outcome{Name: "proof_chain_compatible", Passed: true, Severity: Block}
}

func fieldKind(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// NamingConvention requires the candidate's FQN to match the registry
// grammar.
func NamingConvention(ctx context.Context, c Candidate) Outcome {
	fqn, _ := c.Definition["fqn"].(string)
	if !types.FQN(fqn).Valid() {
		return Outcome{Name: "naming_convention", Passed: false, Severity: Block, Reason: fmt.Sprintf("fqn %q does not match naming convention", fqn)}
	}
	return Outcome{Name: "naming_convention", Passed: true, Severity: Block}
}

// ReferentialClosure requires every FQN the candidate references to
// resolve either in the active set (via resolver) or elsewhere in the
// same batch.
func ReferentialClosure(resolver Resolver) Gate {
	return func(ctx context.Context, c Candidate) Outcome {
		refs := extractRefs(c.Definition)
		for _, ref := range refs {
			if _, ok := c.BatchFQNs[ref]; ok {
				continue
			}
			if resolver == nil {
				return Outcome{Name: "referential_closure", Passed: false, Severity: Block, Reason: fmt.Sprintf("cannot resolve %q: no resolver configured", ref)}
			}
			resolved := false
			for _, ot := range types.ValidObjectTypes {
				if _, err := resolver.Resolve(ctx, ot, ref, nil); err == nil {
					resolved = true
					break
				}
			}
			if !resolved {
				return Outcome{Name: "referential_closure", Passed: false, Severity: Block, Reason: fmt.Sprintf("reference %q resolves neither in the active set nor the batch", ref)}
			}
		}
		return Outcome{Name: "referential_closure", Passed: true, Severity: Block}
	}
}

func extractRefs(definition map[string]interface{}) []types.FQN {
	var out []types.FQN
	for k, v := range definition {
		if !strings.HasSuffix(k, "_ref") && !strings.HasSuffix(k, "_fqn") {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out = append(out, types.FQN(s))
		}
	}
	return out
}

// StandardGates returns the eight structural gates in evaluation order.
func StandardGates(resolver Resolver) []Gate {
	return []Gate{
		HashStability,
		VersionMonotonicity,
		RationalePresent,
		SecurityLabelPresent,
		GovernanceTierCompatible,
		ProofChainCompatible,
		NamingConvention,
		ReferentialClosure(resolver),
	}
}

// Guardrail is a pluggable, severity-reporting check layered on top of
// the standard gates. Unlike a Gate, a Guardrail's failure only stops
// the pipeline at Block severity; Warn/Advise flow through to the
// caller's report.
type Guardrail func(ctx context.Context, c Candidate) Outcome

// RoleConstraints blocks a publish when the acting principal lacks any
// role in requiredRoles for governed-tier objects.
func RoleConstraints(requiredRoles ...string) Guardrail {
	return func(ctx context.Context, c Candidate) Outcome {
		if c.Meta.GovernanceTier != types.Governed || len(requiredRoles) == 0 {
			return Outcome{Name: "role_constraints", Passed: true, Severity: Block}
		}
		actorRoles := make(map[string]struct{}, len(c.ActingRoles))
		for _, r := range c.ActingRoles {
			actorRoles[r] = struct{}{}
		}
		for _, required := range requiredRoles {
			if _, ok := actorRoles[required]; ok {
				return Outcome{Name: "role_constraints", Passed: true, Severity: Block}
			}
		}
		return Outcome{
			Name: "role_constraints", Passed: false, Severity: Block,
			Reason: fmt.Sprintf("acting principal lacks any of required roles %v for a governed-tier publish", requiredRoles),
		}
	}
}

// Report is the outcome of running the full gate pipeline: standard
// gates followed by guardrails, in order.
type Report struct {
	Outcomes []Outcome
	Blocked  bool
}

// Run evaluates gates in order, short-circuiting on the first Block
// failure unless enforce is false (report-only mode collects every
// outcome and never short-circuits).
func Run(ctx context.Context, c Candidate, stdGates []Gate, guardrails []Guardrail, enforce bool) Report {
	var report Report
	for _, g := range stdGates {
		outcome := g(ctx, c)
		report.Outcomes = append(report.Outcomes, outcome)
		observeOutcome(outcome)
		if !outcome.Passed {
			report.Blocked = true
			if enforce {
				return report
			}
		}
	}
	for _, gr := range guardrails {
		outcome := gr(ctx, c)
		report.Outcomes = append(report.Outcomes, outcome)
		observeOutcome(outcome)
		if !outcome.Passed && outcome.Severity == Block {
			report.Blocked = true
			if enforce {
				return report
			}
		}
	}
	return report
}

func observeOutcome(o Outcome) {
	result := "pass"
	if !o.Passed {
		result = "fail"
	}
	severity := o.Severity
	if severity == "" {
		severity = Block
	}
	telemetry.GateOutcomes.WithLabelValues(o.Name, result, string(severity)).Inc()
}

// AsError converts a blocked Report into a kernelerr.Error naming the
// first failing gate, for callers that just want pass/fail.
func (r Report) AsError() error {
	if !r.Blocked {
		return nil
	}
	for _, o := range r.Outcomes {
		if !o.Passed && o.Severity == Block {
			return kernelerr.Newf(kernelerr.GateFailed, "%s: %s", o.Name, o.Reason)
		}
	}
	return kernelerr.New(kernelerr.GateFailed, "gate pipeline blocked")
}
