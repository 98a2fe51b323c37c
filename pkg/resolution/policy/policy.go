// Package policy evaluates PolicyRule snapshots against a subject and
// actor, compiling each rule's Rego source to a prepared query the
// first time it's seen. Its RegoEvaluator is its own, structurally
// similar to pkg/gates's guardrail evaluator but sharing no code with it.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/semregistry/kernel/pkg/types"
)

// Verdict is the result of evaluating one PolicyRule against a subject.
type Verdict struct {
	RuleFQN types.FQN
	Allow   bool
	Reason  string
}

// Input is everything a policy rule may read. Evaluate hands it to Rego
// under its own snake_case keys (subject_kind, actor_roles, ...), which
// differ from the guardrail input keys in pkg/gates/rego.go.
type Input struct {
	SubjectKind        string
	SubjectAttributes  map[string]interface{}
	ActorRoles         []string
	ActorClearance     string
	ActorJurisdictions []string
}

// Rule is the minimal read surface a policy evaluator needs from a
// PolicyRule snapshot; pkg/resolution adapts snapshot.Snapshot to this.
type Rule struct {
	FQN    types.FQN
	SnapID string // cache key; a PolicyRule's SnapshotID, stringified
	Rego   string
	Query  string
}

// Evaluator evaluates a compiled PolicyRule against an Input.
type Evaluator interface {
	Evaluate(ctx context.Context, rule Rule, input Input) (Verdict, error)
}

// RegoEvaluator is the reference Evaluator: each rule's Rego module is
// prepared once and cached by snapshot id, since PolicyRule snapshots
// are immutable.
type RegoEvaluator struct {
	mu    sync.Mutex
	cache map[string]rego.PreparedEvalQuery
}

// NewRegoEvaluator builds an empty, cache-backed evaluator.
func NewRegoEvaluator() *RegoEvaluator {
	return &RegoEvaluator{cache: make(map[string]rego.PreparedEvalQuery)}
}

func (e *RegoEvaluator) prepare(ctx context.Context, rule Rule) (rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.cache[rule.SnapID]; ok {
		return q, nil
	}
	query := rule.Query
	if query == "" {
		query = "data.policy.result"
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(fmt.Sprintf("policy_%s.rego", rule.FQN), rule.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("prepare policy rule %s: %w", rule.FQN, err)
	}
	e.cache[rule.SnapID] = prepared
	return prepared, nil
}

// Evaluate runs rule's compiled policy against input and decodes its
// {"allow": bool, "reason": string} result.
func (e *RegoEvaluator) Evaluate(ctx context.Context, rule Rule, input Input) (Verdict, error) {
	prepared, err := e.prepare(ctx, rule)
	if err != nil {
		return Verdict{}, err
	}

	regoInput := map[string]interface{}{
		"subject_kind":        input.SubjectKind,
		"subject_attributes":  input.SubjectAttributes,
		"actor_roles":         input.ActorRoles,
		"actor_clearance":     input.ActorClearance,
		"actor_jurisdictions": input.ActorJurisdictions,
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(regoInput))
	if err != nil {
		return Verdict{RuleFQN: rule.FQN, Allow: false, Reason: fmt.Sprintf("rego evaluation error: %v", err)}, nil
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{RuleFQN: rule.FQN, Allow: true}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Verdict{RuleFQN: rule.FQN, Allow: true}, nil
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Verdict{RuleFQN: rule.FQN, Allow: allow, Reason: reason}, nil
}
