// Package resolution implements Context Resolution: the deterministic
// 12-step pipeline that, given a subject and an acting principal,
// produces the applicable views, candidate verbs and attributes,
// evidence gaps, policy verdicts, and an overall access decision and
// confidence score.
package resolution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/itchyny/gojq"

	"github.com/semregistry/kernel/pkg/abac"
	"github.com/semregistry/kernel/pkg/ports"
	"github.com/semregistry/kernel/pkg/resolution/policy"
	"github.com/semregistry/kernel/pkg/shared/telemetry"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

// EvidenceMode is the closed enum modulating evidence freshness
// tolerance (step 9) and the policy default when no rule matches
// (step 10).
type EvidenceMode string

const (
	Strict      EvidenceMode = "strict"
	Normal      EvidenceMode = "normal"
	Exploratory EvidenceMode = "exploratory"
	Governance  EvidenceMode = "governance"
)

// toleranceFactor scales an EvidenceRequirement's max_age: stricter
// modes shrink the allowed window, exploratory widens it.
func (m EvidenceMode) toleranceFactor() float64 {
	switch m {
	case Strict:
		return 0.5
	case Governance:
		return 0.25
	case Exploratory:
		return 2.0
	default:
		return 1.0
	}
}

// defaultPolicyAllow is the step-10 default verdict when no PolicyRule
// matches the subject: governance mode fails closed, every other mode
// fails open.
func (m EvidenceMode) defaultPolicyAllow() bool {
	return m != Governance
}

// Subject is the pre-loaded thing Context Resolution reasons about —
// a case, entity, document, task, or view. Loading it from wherever
// the platform stores cases/entities/documents is outside this
// kernel's scope (see the Non-goals on external data providers); the
// caller supplies it already materialized.
type Subject struct {
	Kind       types.FQN // the EntityTypeDef FQN this subject is an instance of
	Attributes map[string]interface{}
	// Evidence maps an attribute name to when it was last observed;
	// an attribute absent here is treated as never observed.
	Evidence map[string]time.Time
}

// Request is one Context Resolution call.
type Request struct {
	Subject      Subject
	Actor        abac.ActorContext
	PointInTime  *time.Time
	EvidenceMode EvidenceMode
}

// CandidateView is a ViewDef that survived precondition filtering.
type CandidateView struct {
	FQN          types.FQN
	OverlapScore float64
}

// CandidateVerb is a VerbContract that survived ranking and the ABAC
// filter (or was retained in redacted form).
type CandidateVerb struct {
	FQN          types.FQN
	TierWeight   int
	OverlapScore float64
	ArgCount     int
	Decision     abac.AccessDecision
}

// EvidenceGap records an attribute whose evidence is missing or stale
// relative to its EvidenceRequirement, as tolerated by the request's
// EvidenceMode.
type EvidenceGap struct {
	Attribute  string
	ObservedAt *time.Time
	MaxAge     time.Duration
}

// DisambiguationQuestion is emitted when two candidate verbs rank
// within 5% of each other and differ on exactly one required attribute.
type DisambiguationQuestion struct {
	VerbA, VerbB  types.FQN
	DifferingAttr string
	Prompt        string
}

// Response is the plain record Context Resolution returns.
type Response struct {
	AsOfTime                time.Time
	ResolvedAt              time.Time
	ApplicableViews         []CandidateView
	CandidateVerbs          []CandidateVerb
	CandidateAttributes     []string
	EvidenceGaps            []EvidenceGap
	DisambiguationQuestions []DisambiguationQuestion
	PolicyVerdicts          []policy.Verdict
	SecurityHandling        abac.AccessDecision
	GovernanceSignals       []string
	Confidence              float64
}

// Resolver drives the 12-step pipeline against a Snapshot Store.
type Resolver struct {
	Store     snapshot.Store
	Evaluator policy.Evaluator

	// Enricher, if set, augments the subject's attribute bag before
	// step 2. Enrichment is advisory: a failing Enricher never fails
	// Resolve, it just leaves the subject's attributes as the caller
	// supplied them.
	Enricher ports.Enricher
}

// NewResolver wires a Resolver over store, defaulting to the reference
// Rego policy evaluator when none is supplied.
func NewResolver(store snapshot.Store, evaluator policy.Evaluator) *Resolver {
	if evaluator == nil {
		evaluator = policy.NewRegoEvaluator()
	}
	return &Resolver{Store: store, Evaluator: evaluator}
}

// Resolve runs the full 12-step Context Resolution pipeline.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "resolution.ResolveContext")
	defer span.End()

	// Step 1 (subject load) is the caller's responsibility; req.Subject
	// already carries it. An optional Enricher augments it here, before
	// anything downstream reads req.Subject.Attributes.
	if r.Enricher != nil {
		if enriched, err := r.Enricher.Enrich(ctx, string(req.Subject.Kind), req.Subject.Attributes); err == nil {
			req.Subject.Attributes = enriched
		}
	}

	// Step 2: pin as_of.
	asOf := req.PointInTime
	resolvedAt := time.Now().UTC()
	effectiveAsOf := resolvedAt
	if asOf != nil {
		effectiveAsOf = *asOf
	}

	// Step 3: view enumeration.
	viewRows, err := r.Store.ListActive(ctx, types.ViewDef, 0, 0)
	if err != nil {
		return Response{}, err
	}
	var matchingViews []snapshot.Snapshot
	for _, v := range viewRows {
		if baseEntityType(v) == req.Subject.Kind {
			matchingViews = append(matchingViews, v)
		}
	}

	// Step 4: view filtering by precondition + overlap_score.
	var views []CandidateView
	viewByFQN := make(map[types.FQN]snapshot.Snapshot, len(matchingViews))
	for _, v := range matchingViews {
		ok, err := evalPrecondition(precondition(v), req.Subject.Attributes)
		if err != nil {
			return Response{}, fmt.Errorf("view %s precondition: %w", v.FQN(), err)
		}
		if !ok {
			continue
		}
		score := overlapScore(declaredAttrs(v), req.Subject.Attributes)
		views = append(views, CandidateView{FQN: v.FQN(), OverlapScore: score})
		viewByFQN[v.FQN()] = v
	}
	sort.Slice(views, func(i, j int) bool { return views[i].FQN < views[j].FQN })

	// Step 5: verb enumeration, reachable from surviving views.
	verbFQNs := make(map[types.FQN]struct{})
	for _, v := range views {
		for _, vf := range verbFQNsOf(viewByFQN[v.FQN]) {
			verbFQNs[vf] = struct{}{}
		}
	}
	var verbRows []snapshot.Snapshot
	for fqn := range verbFQNs {
		row, err := r.Store.Resolve(ctx, types.VerbContract, fqn, asOf)
		if err != nil {
			continue // a dangling reference is a gate-time concern, not a resolution-time failure
		}
		verbRows = append(verbRows, row)
	}

	// Step 6: verb ranking by (tier_weight desc, overlap_score desc,
	// inverse_arg_count i.e. fewer args ranks higher).
	type ranked struct {
		row      snapshot.Snapshot
		overlap  float64
		argCount int
	}
	var rankedVerbs []ranked
	for _, row := range verbRows {
		reqAttrs := requiredAttrs(row)
		rankedVerbs = append(rankedVerbs, ranked{
			row:      row,
			overlap:  overlapScore(reqAttrs, req.Subject.Attributes),
			argCount: len(reqAttrs),
		})
	}
	sort.Slice(rankedVerbs, func(i, j int) bool {
		wi, wj := tierWeight(rankedVerbs[i].row), tierWeight(rankedVerbs[j].row)
		if wi != wj {
			return wi > wj
		}
		if rankedVerbs[i].overlap != rankedVerbs[j].overlap {
			return rankedVerbs[i].overlap > rankedVerbs[j].overlap
		}
		return rankedVerbs[i].argCount < rankedVerbs[j].argCount
	})

	// Step 7: ABAC filter — drop deny, mark redact.
	var candidateVerbs []CandidateVerb
	var survivingVerbRows []snapshot.Snapshot
	strictest := abac.Allow
	var governanceSignals []string
	for _, rv := range rankedVerbs {
		decision := abac.Evaluate(rv.row.SecurityLabel, req.Actor)
		if abac.NotLooser(strictest, decision) {
			strictest = decision
		}
		if rv.row.GovernanceTier == types.Governed {
			governanceSignals = append(governanceSignals, fmt.Sprintf("%s:governed", rv.row.FQN()))
		}
		if decision == abac.Deny {
			continue
		}
		candidateVerbs = append(candidateVerbs, CandidateVerb{
			FQN: rv.row.FQN(), TierWeight: tierWeight(rv.row),
			OverlapScore: rv.overlap, ArgCount: rv.argCount, Decision: decision,
		})
		survivingVerbRows = append(survivingVerbRows, rv.row)
	}

	// Step 8: attribute enumeration.
	attrSet := make(map[string]struct{})
	for _, v := range views {
		for _, a := range declaredAttrs(viewByFQN[v.FQN]) {
			attrSet[a] = struct{}{}
		}
	}
	for _, row := range survivingVerbRows {
		for _, a := range requiredAttrs(row) {
			attrSet[a] = struct{}{}
		}
	}
	var attributes []string
	for a := range attrSet {
		attributes = append(attributes, a)
	}
	sort.Strings(attributes)

	// Step 9: evidence check.
	evidenceReqRows, err := r.Store.ListActive(ctx, types.EvidenceRequirement, 0, 0)
	if err != nil {
		return Response{}, err
	}
	var gaps []EvidenceGap
	factor := req.EvidenceMode.toleranceFactor()
	for _, er := range evidenceReqRows {
		attr, _ := er.Definition["attribute"].(string)
		if _, wanted := attrSet[attr]; !wanted {
			continue
		}
		maxAgeSeconds, _ := er.Definition["max_age_seconds"].(float64)
		maxAge := time.Duration(maxAgeSeconds*factor) * time.Second
		observedAt, has := req.Subject.Evidence[attr]
		if !has {
			gaps = append(gaps, EvidenceGap{Attribute: attr, MaxAge: maxAge})
			continue
		}
		if effectiveAsOf.Sub(observedAt) > maxAge {
			ts := observedAt
			gaps = append(gaps, EvidenceGap{Attribute: attr, ObservedAt: &ts, MaxAge: maxAge})
		}
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Attribute < gaps[j].Attribute })

	// Step 10: policy evaluation.
	policyRows, err := r.Store.ListActive(ctx, types.PolicyRule, 0, 0)
	if err != nil {
		return Response{}, err
	}
	var verdicts []policy.Verdict
	var denyCount int
	var matchedAny bool
	for _, pr := range policyRows {
		scope, _ := pr.Definition["scope"].(string)
		if scope != "" && scope != string(req.Subject.Kind) && scope != "*" {
			continue
		}
		matchedAny = true
		src, _ := pr.Definition["rego"].(string)
		query, _ := pr.Definition["query"].(string)
		rule := policy.Rule{FQN: pr.FQN(), SnapID: pr.SnapshotID.String(), Rego: src, Query: query}
		input := policy.Input{
			SubjectKind: string(req.Subject.Kind), SubjectAttributes: req.Subject.Attributes,
			ActorRoles: req.Actor.Roles, ActorClearance: req.Actor.Clearance.String(),
			ActorJurisdictions: req.Actor.Jurisdictions,
		}
		verdict, err := r.Evaluator.Evaluate(ctx, rule, input)
		if err != nil {
			return Response{}, err
		}
		verdicts = append(verdicts, verdict)
		if !verdict.Allow {
			denyCount++
		}
	}
	if !matchedAny {
		verdicts = append(verdicts, policy.Verdict{Allow: req.EvidenceMode.defaultPolicyAllow(), Reason: "no policy rule matched this subject's scope"})
		if !req.EvidenceMode.defaultPolicyAllow() {
			denyCount++
		}
	}
	policyDenyFraction := 0.0
	if len(verdicts) > 0 {
		policyDenyFraction = float64(denyCount) / float64(len(verdicts))
	}

	// Step 11: disambiguation questions.
	questions := disambiguate(candidateVerbs, survivingVerbRows)

	// Step 12: confidence.
	confidence := meanOverlap(views) * (1 - policyDenyFraction)

	return Response{
		AsOfTime: effectiveAsOf, ResolvedAt: resolvedAt,
		ApplicableViews: views, CandidateVerbs: candidateVerbs, CandidateAttributes: attributes,
		EvidenceGaps: gaps, DisambiguationQuestions: questions, PolicyVerdicts: verdicts,
		SecurityHandling: strictest, GovernanceSignals: governanceSignals, Confidence: confidence,
	}, nil
}

func baseEntityType(v snapshot.Snapshot) types.FQN {
	s, _ := v.Definition["base_entity_type"].(string)
	return types.FQN(s)
}

func precondition(v snapshot.Snapshot) string {
	s, _ := v.Definition["precondition"].(string)
	return s
}

func declaredAttrs(v snapshot.Snapshot) []string {
	return stringSlice(v.Definition["declared_attrs"])
}

func verbFQNsOf(v snapshot.Snapshot) []types.FQN {
	var out []types.FQN
	for _, s := range stringSlice(v.Definition["verbs"]) {
		out = append(out, types.FQN(s))
	}
	return out
}

func requiredAttrs(v snapshot.Snapshot) []string {
	return stringSlice(v.Definition["required_attrs"])
}

func stringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func tierWeight(v snapshot.Snapshot) int {
	if v.GovernanceTier == types.Governed {
		return 2
	}
	return 1
}

// overlapScore computes |declared ∩ known| / |declared|. An empty
// declared set scores 1.0 (nothing to satisfy, trivially satisfied).
func overlapScore(declared []string, known map[string]interface{}) float64 {
	if len(declared) == 0 {
		return 1.0
	}
	var hit int
	for _, a := range declared {
		if _, ok := known[a]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(declared))
}

func meanOverlap(views []CandidateView) float64 {
	if len(views) == 0 {
		return 0
	}
	var sum float64
	for _, v := range views {
		sum += v.OverlapScore
	}
	return sum / float64(len(views))
}

// disambiguate emits a question for every pair of candidate verbs whose
// overall score is within 5% and whose required-attribute sets differ
// by exactly one attribute.
func disambiguate(verbs []CandidateVerb, rows []snapshot.Snapshot) []DisambiguationQuestion {
	attrsByFQN := make(map[types.FQN][]string, len(rows))
	for _, row := range rows {
		attrsByFQN[row.FQN()] = requiredAttrs(row)
	}
	var out []DisambiguationQuestion
	for i := 0; i < len(verbs); i++ {
		for j := i + 1; j < len(verbs); j++ {
			a, b := verbs[i], verbs[j]
			if a.TierWeight != b.TierWeight || !withinFivePercent(score(a), score(b)) {
				continue
			}
			diff, ok := singleAttrDiff(attrsByFQN[a.FQN], attrsByFQN[b.FQN])
			if !ok {
				continue
			}
			out = append(out, DisambiguationQuestion{
				VerbA: a.FQN, VerbB: b.FQN, DifferingAttr: diff,
				Prompt: fmt.Sprintf("did you mean %s or %s? they differ on %q", a.FQN, b.FQN, diff),
			})
		}
	}
	return out
}

// score is the continuous component of a verb's rank. tier_weight and
// arg_count are coarse, discrete tie-breakers (§4.5 step 6); "ranks
// within 5%" is evaluated against overlap_score, the only continuous
// signal, and only within the same tier_weight bucket — a governed and
// an operational verb are never ambiguous with each other.
func score(v CandidateVerb) float64 {
	return v.OverlapScore
}

// withinFivePercent treats the ±0.05 band as inclusive; the epsilon
// absorbs float64 rounding (1.0 - 0.95 evaluates to 0.050000000000000044).
func withinFivePercent(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= 0.05+1e-9
}

// singleAttrDiff reports the one attribute present in exactly one of
// the two sets, when the symmetric difference has size exactly one.
func singleAttrDiff(a, b []string) (string, bool) {
	inA := make(map[string]struct{}, len(a))
	for _, s := range a {
		inA[s] = struct{}{}
	}
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}
	var diffs []string
	for s := range inA {
		if _, ok := inB[s]; !ok {
			diffs = append(diffs, s)
		}
	}
	for s := range inB {
		if _, ok := inA[s]; !ok {
			diffs = append(diffs, s)
		}
	}
	if len(diffs) != 1 {
		return "", false
	}
	return diffs[0], true
}

// evalPrecondition evaluates a boolean jq expression over subject
// attributes; an empty expression is trivially true.
func evalPrecondition(expr string, attributes map[string]interface{}) (bool, error) {
	if expr == "" {
		return true, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse precondition %q: %w", expr, err)
	}
	iter := query.Run(attributes)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, fmt.Errorf("evaluate precondition %q: %w", expr, err)
	}
	b, ok := v.(bool)
	return ok && b, nil
}
