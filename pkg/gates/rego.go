package gates

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// RegoGuardrail runs a compiled Rego policy against a candidate and
// maps its result to a Guardrail Outcome. Policies are expected to
// return an object {"allow": bool, "severity": string, "reason": string};
// severity defaults to "block" when absent.
type RegoGuardrail struct {
	Name  string
	query rego.PreparedEvalQuery
}

// NewRegoGuardrail prepares a query against the given module source.
// query is a fully-qualified Rego path, e.g. "data.gates.role_binding.result".
func NewRegoGuardrail(ctx context.Context, name, query, moduleName, moduleSrc string) (*RegoGuardrail, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(moduleName, moduleSrc),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego query %s: %w", query, err)
	}
	return &RegoGuardrail{Name: name, query: prepared}, nil
}

// Guardrail adapts r to the Guardrail function type.
func (r *RegoGuardrail) Guardrail() Guardrail {
	return func(ctx context.Context, c Candidate) Outcome {
		input := map[string]interface{}{
			"object_type":     string(c.Meta.ObjectType),
			"governance_tier": string(c.Meta.GovernanceTier),
			"change_type":     string(c.Meta.ChangeType),
			"classification":  c.Meta.SecurityLabel.Classification.String(),
			"pii":             c.Meta.SecurityLabel.PII,
			"jurisdictions":   c.Meta.SecurityLabel.Jurisdictions,
			"acting_roles":    c.ActingRoles,
			"definition":      c.Definition,
			"demotion_token":  c.DemotionToken,
		}
		results, err := r.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return Outcome{Name: r.Name, Passed: false, Severity: Block, Reason: fmt.Sprintf("rego evaluation error: %v", err)}
		}
		if len(results) == 0 || len(results[0].Expressions) == 0 {
			return Outcome{Name: r.Name, Passed: true, Severity: Block}
		}
		return decodeRegoResult(r.Name, results[0].Expressions[0].Value)
	}
}

func decodeRegoResult(name string, value interface{}) Outcome {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return Outcome{Name: name, Passed: true, Severity: Block}
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	severity := Block
	if s, ok := obj["severity"].(string); ok {
		switch Severity(s) {
		case Warn:
			severity = Warn
		case Advise:
			severity = Advise
		}
	}
	return Outcome{Name: name, Passed: allow, Reason: reason, Severity: severity}
}
