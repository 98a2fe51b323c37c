// Package authoring implements the ChangeSet lifecycle and the
// propose/validate/dry_run/diff/publish pipeline that moves a batch of
// drafted edits into the Snapshot Store as one atomic publication.
package authoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/semregistry/kernel/pkg/gates"
	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/reasoning"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

// bundleValidator enforces the struct-tag contract on Bundle/
// ChangeSetEntry before a Bundle is ever turned into a ChangeSet.
var bundleValidator = validator.New()

// ChangeSetId identifies a proposed transactional unit of publication.
type ChangeSetId uuid.UUID

func newChangeSetId() ChangeSetId { return ChangeSetId(uuid.New()) }

func (c ChangeSetId) String() string { return uuid.UUID(c).String() }

// Status is the closed enum of ChangeSet lifecycle states.
type Status string

const (
	Draft        Status = "Draft"
	Validated    Status = "Validated"
	DryRunPassed Status = "DryRunPassed"
	Published    Status = "Published"
	Rejected     Status = "Rejected"
	DryRunFailed Status = "DryRunFailed"
	Superseded   Status = "Superseded"
)

// Action is the closed enum of what a ChangeSetEntry does to its FQN.
type Action string

const (
	Add    Action = "add"
	Modify Action = "modify"
	Remove Action = "remove"
)

// ChangeSetEntry is one drafted edit within a ChangeSet.
type ChangeSetEntry struct {
	EntryID        string                 `validate:"required"`
	Action         Action                 `validate:"required,oneof=add modify remove"`
	ObjectType     types.ObjectType       `validate:"required"`
	ObjectFQN      types.FQN              `validate:"required"`
	BaseSnapshotID *types.SnapshotId
	DraftPayload   map[string]interface{} `validate:"required"`
	ChangeType     types.ChangeType       `validate:"required"`
	GovernanceTier types.GovernanceTier   `validate:"required"`
	TrustClass     types.TrustClass       `validate:"required"`
	SecurityLabel  types.SecurityLabel
}

// ValidationReport records one run of structural checks and non-DB
// gates against a ChangeSet.
type ValidationReport struct {
	Report    gates.Report
	CreatedAt time.Time
}

// ChangeSet is a proposed transactional unit of publication.
type ChangeSet struct {
	ChangeSetID           ChangeSetId
	Title                 string
	Rationale             string
	Status                Status
	ContentHash           types.ContentHash
	SupersedesChangeSetID *ChangeSetId
	SupersededBy          *ChangeSetId
	SupersededAt          *time.Time
	Entries               []ChangeSetEntry
	ValidationReports     []ValidationReport
	CreatedBy             string
	CreatedAt             time.Time
	StaleDraftReason      string

	// Advice holds the non-binding reasoning-service guidance collected
	// during DryRun, one entry per ChangeSetEntry, in entry order. A nil
	// Reasoning backend leaves this nil; a failed advisory call leaves
	// that entry's string empty — it is never a gate and never blocks
	// dry_run.
	Advice []string
}

// Bundle is the caller-supplied proposal: a manifest plus a set of
// opaque artifacts (draft snapshot bodies).
// Emptiness of Title/Rationale/Entries is deliberately not enforced
// here: an empty bundle is a legal Draft that Validate (not Propose)
// rejects, so a caller can inspect why via the ordinary ValidationReport
// path instead of a bare struct-validation error. Populated entries are
// still dived into, so a present-but-malformed entry is rejected at
// Propose time rather than surfacing three pipeline stages later.
type Bundle struct {
	Title      string
	Rationale  string
	Supersedes *ChangeSetId
	Entries    []ChangeSetEntry `validate:"dive"`
}

func (b Bundle) contentHash() (types.ContentHash, error) {
	canon := map[string]interface{}{
		"title":     b.Title,
		"rationale": b.Rationale,
	}
	entries := make([]interface{}, 0, len(b.Entries))
	for _, e := range b.Entries {
		entries = append(entries, map[string]interface{}{
			"action":      string(e.Action),
			"object_type": string(e.ObjectType),
			"object_fqn":  string(e.ObjectFQN),
			"payload":     e.DraftPayload,
		})
	}
	canon["entries"] = entries
	return types.HashDefinition(canon)
}

// DryRunner exercises a ChangeSet's effects against a disposable
// simulated active set and reports whether the gate pipeline passes
// after the trial apply. The in-memory implementation below stands in
// for a real scratch-schema adapter (Postgres + goose migrations).
type DryRunner interface {
	Run(ctx context.Context, cs *ChangeSet, stdGates []gates.Gate, guardrails []gates.Guardrail) (gates.Report, error)
}

// ScratchDryRunner clones the current active set into a throwaway
// in-memory store, replays the ChangeSet's entries as a trial publish,
// and runs the gate pipeline against the result. It is the reference
// DryRunner; a Postgres-backed one would instead provision a scratch
// schema with goose and replay real migrations.
type ScratchDryRunner struct {
	Source snapshot.Store
}

// Run implements DryRunner.
func (d ScratchDryRunner) Run(ctx context.Context, cs *ChangeSet, stdGates []gates.Gate, guardrails []gates.Guardrail) (gates.Report, error) {
	scratch := snapshot.NewInMemoryStore(snapshot.NewOutboxLog())
	for _, objectType := range types.ValidObjectTypes {
		active, err := d.Source.ListActive(ctx, objectType, 0, 0)
		if err != nil {
			return gates.Report{}, err
		}
		for _, row := range active {
			meta := snapshot.SnapshotMeta{
				ObjectType: row.ObjectType, ObjectID: row.ObjectID, Version: row.Version,
				Status: row.Status, GovernanceTier: row.GovernanceTier, TrustClass: row.TrustClass,
				SecurityLabel: row.SecurityLabel, ChangeType: types.ChangeCreated, CreatedBy: "dry-run-seed",
			}
			if _, err := scratch.PublishSet(ctx, []snapshot.PublishItem{{Meta: meta, Definition: row.Definition}}, "dry-run-seed", "dry-run-seed"); err != nil {
				return gates.Report{}, err
			}
		}
	}
	return RunDryRunCandidates(ctx, scratch, cs, stdGates, guardrails)
}

// RunDryRunCandidates evaluates every entry of cs as a trial candidate
// against store through the standard gate pipeline, and aggregates the
// per-entry reports. It is the shared second half of a DryRunner: the
// in-memory ScratchDryRunner and a Postgres-backed scratch-schema
// DryRunner differ only in how they provision store; both hand the
// seeded store to this function to produce the ChangeSet's report.
func RunDryRunCandidates(ctx context.Context, store snapshot.Store, cs *ChangeSet, stdGates []gates.Gate, guardrails []gates.Guardrail) (gates.Report, error) {
	batchFQNs := make(map[types.FQN]struct{}, len(cs.Entries))
	for _, e := range cs.Entries {
		batchFQNs[e.ObjectFQN] = struct{}{}
	}

	var report gates.Report
	for _, e := range cs.Entries {
		candidate, err := buildCandidate(ctx, store, e, batchFQNs)
		if err != nil {
			return gates.Report{}, err
		}
		entryReport := gates.Run(ctx, candidate, stdGates, guardrails, false)
		report.Outcomes = append(report.Outcomes, entryReport.Outcomes...)
		if entryReport.Blocked {
			report.Blocked = true
		}
	}
	return report, nil
}

func buildCandidate(ctx context.Context, store snapshot.Store, e ChangeSetEntry, batchFQNs map[types.FQN]struct{}) (gates.Candidate, error) {
	objectID := types.NewObjectId(e.ObjectType, e.ObjectFQN)
	var predecessor *snapshot.Snapshot
	if e.BaseSnapshotID != nil {
		history, err := store.History(ctx, e.ObjectType, objectID)
		if err != nil {
			return gates.Candidate{}, err
		}
		for i := range history {
			if history[i].SnapshotID == *e.BaseSnapshotID {
				predecessor = &history[i]
				break
			}
		}
	}

	status := types.StatusActive
	if e.Action == Remove {
		status = types.StatusRetired
	}
	rationale, _ := e.DraftPayload["change_rationale"].(string)

	var version types.Version
	if predecessor != nil {
		version = nextVersion(predecessor.Version, e.ChangeType)
	} else {
		version = types.Version{Major: 1, Minor: 0}
	}

	return gates.Candidate{
		Meta: snapshot.SnapshotMeta{
			ObjectType:      e.ObjectType,
			ObjectID:        objectID,
			Version:         version,
			Status:          status,
			GovernanceTier:  e.GovernanceTier,
			TrustClass:      e.TrustClass,
			SecurityLabel:   e.SecurityLabel,
			ChangeType:      e.ChangeType,
			PredecessorID:   e.BaseSnapshotID,
			ChangeRationale: rationale,
		},
		Definition:  e.DraftPayload,
		Predecessor: predecessor,
		BatchFQNs:   batchFQNs,
	}, nil
}

// nextVersion bumps base by one minor release, or one major release
// (resetting minor to zero) when changeType is breaking.
func nextVersion(base types.Version, changeType types.ChangeType) types.Version {
	if changeType == types.ChangeBreaking {
		return types.Version{Major: base.Major + 1, Minor: 0}
	}
	return types.Version{Major: base.Major, Minor: base.Minor + 1}
}

// Pipeline drives ChangeSets through propose/validate/dry_run/publish
// against a backing Snapshot Store.
type Pipeline struct {
	mu sync.Mutex

	store      snapshot.Store
	stdGates   []gates.Gate
	guardrails []gates.Guardrail
	dryRunner  DryRunner

	// Reasoning is the optional advisory backend dry_run consults for
	// non-binding guidance. Nil disables it.
	Reasoning *reasoning.Advisor

	changeSets    map[ChangeSetId]*ChangeSet
	byContentHash map[types.ContentHash]ChangeSetId
	publishAudit  []PublishBatchAudit
}

// PublishBatchAudit is an immutable record of one publish_batch call.
type PublishBatchAudit struct {
	SnapshotSetID types.SnapshotSetId
	ChangeSetIDs  []ChangeSetId
	Publisher     string
	PublishedAt   time.Time
}

// NewPipeline wires a Pipeline over store using stdGates/guardrails for
// validation and dry-run gate checks.
func NewPipeline(store snapshot.Store, stdGates []gates.Gate, guardrails []gates.Guardrail, dryRunner DryRunner) *Pipeline {
	if dryRunner == nil {
		dryRunner = ScratchDryRunner{Source: store}
	}
	return &Pipeline{
		store:         store,
		stdGates:      stdGates,
		guardrails:    guardrails,
		dryRunner:     dryRunner,
		changeSets:    make(map[ChangeSetId]*ChangeSet),
		byContentHash: make(map[types.ContentHash]ChangeSetId),
	}
}

// Propose registers a Bundle as a new Draft ChangeSet, or returns the
// existing one if an identical bundle (by content hash) already exists.
func (p *Pipeline) Propose(ctx context.Context, bundle Bundle, principal string) (ChangeSetId, error) {
	if err := bundleValidator.Struct(bundle); err != nil {
		return ChangeSetId{}, kernelerr.Wrap(kernelerr.InvalidInput, "bundle failed struct validation", err)
	}

	hash, err := bundle.contentHash()
	if err != nil {
		return ChangeSetId{}, kernelerr.Wrap(kernelerr.InvalidInput, "hash bundle", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existingID, ok := p.byContentHash[hash]; ok {
		return existingID, nil
	}

	id := newChangeSetId()
	cs := &ChangeSet{
		ChangeSetID:           id,
		Title:                 bundle.Title,
		Rationale:             bundle.Rationale,
		Status:                Draft,
		ContentHash:           hash,
		SupersedesChangeSetID: bundle.Supersedes,
		Entries:               bundle.Entries,
		CreatedBy:             principal,
		CreatedAt:             time.Now().UTC(),
	}
	p.changeSets[id] = cs
	p.byContentHash[hash] = id
	return id, nil
}

// Validate runs structural checks and every non-DB gate against a
// Draft ChangeSet's entries, transitioning it to Validated on success.
func (p *Pipeline) Validate(ctx context.Context, id ChangeSetId) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cs, ok := p.changeSets[id]
	if !ok {
		return kernelerr.Newf(kernelerr.NotFound, "no change set %s", id)
	}
	if cs.Status != Draft {
		return kernelerr.InvalidState("validate", string(cs.Status), string(Draft))
	}
	if len(cs.Entries) == 0 {
		return kernelerr.New(kernelerr.InvalidInput, "change set has no entries")
	}

	batchFQNs := make(map[types.FQN]struct{}, len(cs.Entries))
	for _, e := range cs.Entries {
		batchFQNs[e.ObjectFQN] = struct{}{}
	}

	var report gates.Report
	for _, e := range cs.Entries {
		if !e.ObjectFQN.Valid() {
			report.Blocked = true
			report.Outcomes = append(report.Outcomes, gates.Outcome{Name: "fqn_valid", Passed: false, Severity: gates.Block, Reason: fmt.Sprintf("%q is not a valid FQN", e.ObjectFQN)})
			continue
		}
		candidate, err := buildCandidate(ctx, p.store, e, batchFQNs)
		if err != nil {
			return err
		}
		// Validate is explicitly limited to non-DB gates: drop
		// referential_closure here since it requires resolving against
		// the live store, which dry_run exercises against the scratch
		// set instead.
		entryReport := gates.Run(ctx, candidate, nonDBGates(p.stdGates), p.guardrails, false)
		report.Outcomes = append(report.Outcomes, entryReport.Outcomes...)
		if entryReport.Blocked {
			report.Blocked = true
		}
	}
	cs.ValidationReports = append(cs.ValidationReports, ValidationReport{Report: report, CreatedAt: time.Now().UTC()})

	if report.Blocked {
		cs.Status = Rejected
		return report.AsError()
	}
	cs.Status = Validated
	return nil
}

func nonDBGates(stdGates []gates.Gate) []gates.Gate {
	// referential_closure is always the last standard gate in
	// gates.StandardGates's order; everything else is pure.
	if len(stdGates) == 0 {
		return nil
	}
	return stdGates[:len(stdGates)-1]
}

// DryRun allocates a disposable scratch store, replays this ChangeSet
// against it, and runs the full gate pipeline over the simulated
// result. Invocable only from Validated.
func (p *Pipeline) DryRun(ctx context.Context, id ChangeSetId) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cs, ok := p.changeSets[id]
	if !ok {
		return kernelerr.Newf(kernelerr.NotFound, "no change set %s", id)
	}
	if cs.Status != Validated {
		return kernelerr.InvalidState("dry_run", string(cs.Status), string(Validated))
	}

	report, err := p.dryRunner.Run(ctx, cs, p.stdGates, p.guardrails)
	if err != nil {
		cs.Status = DryRunFailed
		return kernelerr.Wrap(kernelerr.DryRunFailed, "dry run", err)
	}
	cs.ValidationReports = append(cs.ValidationReports, ValidationReport{Report: report, CreatedAt: time.Now().UTC()})
	if report.Blocked {
		cs.Status = DryRunFailed
		return report.AsError()
	}
	cs.Status = DryRunPassed
	p.collectAdvice(ctx, cs)
	return nil
}

// collectAdvice consults the optional reasoning backend once per entry.
// A nil backend or a failing call is silently skipped: advice is never
// a gate and a reasoning-service outage must never fail a dry run.
func (p *Pipeline) collectAdvice(ctx context.Context, cs *ChangeSet) {
	if p.Reasoning == nil {
		return
	}
	advice := make([]string, len(cs.Entries))
	for i, e := range cs.Entries {
		text, err := p.Reasoning.AdviseChangeSetEntry(ctx, string(e.ObjectFQN), string(e.Action), string(e.ChangeType), string(e.GovernanceTier), e.DraftPayload)
		if err != nil {
			continue
		}
		advice[i] = text
	}
	cs.Advice = advice
}

// Diff is the symmetric set-level difference between two ChangeSets'
// entries, keyed by (object_type, fqn).
type Diff struct {
	Added    []ChangeSetEntry
	Removed  []ChangeSetEntry
	Modified []ChangeSetEntry
}

// ChangeSetDiff computes diff(a, b); diff(b, a) is its Added/Removed
// swapped, satisfying diff(a,b) = inverse(diff(b,a)).
func (p *Pipeline) ChangeSetDiff(ctx context.Context, a, b ChangeSetId) (Diff, error) {
	p.mu.Lock()
	csA, okA := p.changeSets[a]
	csB, okB := p.changeSets[b]
	p.mu.Unlock()
	if !okA {
		return Diff{}, kernelerr.Newf(kernelerr.NotFound, "no change set %s", a)
	}
	if !okB {
		return Diff{}, kernelerr.Newf(kernelerr.NotFound, "no change set %s", b)
	}

	type key struct {
		ot  types.ObjectType
		fqn types.FQN
	}
	inA := make(map[key]ChangeSetEntry, len(csA.Entries))
	for _, e := range csA.Entries {
		inA[key{e.ObjectType, e.ObjectFQN}] = e
	}

	var diff Diff
	seen := make(map[key]struct{})
	for _, e := range csB.Entries {
		k := key{e.ObjectType, e.ObjectFQN}
		seen[k] = struct{}{}
		if _, ok := inA[k]; !ok {
			diff.Added = append(diff.Added, e)
		} else if fmt.Sprint(inA[k].DraftPayload) != fmt.Sprint(e.DraftPayload) {
			diff.Modified = append(diff.Modified, e)
		}
	}
	for k, e := range inA {
		if _, ok := seen[k]; !ok {
			diff.Removed = append(diff.Removed, e)
		}
	}
	return diff, nil
}

// ChangeSetImpact returns every FQN that currently depends on any FQN
// this ChangeSet touches.
func (p *Pipeline) ChangeSetImpact(ctx context.Context, id ChangeSetId) ([]types.FQN, error) {
	p.mu.Lock()
	cs, ok := p.changeSets[id]
	p.mu.Unlock()
	if !ok {
		return nil, kernelerr.Newf(kernelerr.NotFound, "no change set %s", id)
	}

	seen := make(map[types.FQN]struct{})
	var out []types.FQN
	for _, e := range cs.Entries {
		deps, err := p.store.FindDependents(ctx, e.ObjectFQN, 0)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ChangeSetGatePreview runs the gate pipeline against the ChangeSet's
// current entries without transitioning its status or writing anything.
func (p *Pipeline) ChangeSetGatePreview(ctx context.Context, id ChangeSetId) (gates.Report, error) {
	p.mu.Lock()
	cs, ok := p.changeSets[id]
	p.mu.Unlock()
	if !ok {
		return gates.Report{}, kernelerr.Newf(kernelerr.NotFound, "no change set %s", id)
	}
	return p.dryRunner.Run(ctx, cs, p.stdGates, p.guardrails)
}

// PublishPlan previews the order publish_batch would apply ChangeSets in.
type PublishPlan struct {
	Order []ChangeSetId
}

// PlanPublish topologically sorts ids by supersedes edges without
// publishing anything.
func (p *Pipeline) PlanPublish(ctx context.Context, ids []ChangeSetId) (PublishPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, err := p.topoSort(ids)
	if err != nil {
		return PublishPlan{}, err
	}
	return PublishPlan{Order: order}, nil
}

func (p *Pipeline) topoSort(ids []ChangeSetId) ([]ChangeSetId, error) {
	inBatch := make(map[ChangeSetId]struct{}, len(ids))
	for _, id := range ids {
		inBatch[id] = struct{}{}
	}

	visited := make(map[ChangeSetId]int) // 0=unvisited, 1=in-progress, 2=done
	var order []ChangeSetId

	var visit func(id ChangeSetId) error
	visit = func(id ChangeSetId) error {
		switch visited[id] {
		case 2:
			return nil
		case 1:
			return kernelerr.Newf(kernelerr.InvalidInput, "supersedes cycle detected at %s", id)
		}
		visited[id] = 1
		cs, ok := p.changeSets[id]
		if !ok {
			return kernelerr.Newf(kernelerr.NotFound, "no change set %s", id)
		}
		if cs.SupersedesChangeSetID != nil {
			if _, ok := inBatch[*cs.SupersedesChangeSetID]; ok {
				if err := visit(*cs.SupersedesChangeSetID); err != nil {
					return err
				}
			}
		}
		visited[id] = 2
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Publish publishes a single ChangeSet; a thin view over PublishBatch.
func (p *Pipeline) Publish(ctx context.Context, id ChangeSetId, publisher, correlationID string) (types.SnapshotSetId, error) {
	return p.PublishBatch(ctx, []ChangeSetId{id}, publisher, correlationID)
}

// PromoteChangeSet is a thin alias over Publish.
func (p *Pipeline) PromoteChangeSet(ctx context.Context, id ChangeSetId, publisher, correlationID string) (types.SnapshotSetId, error) {
	return p.Publish(ctx, id, publisher, correlationID)
}

// PublishBatch topologically sorts ids by supersedes edges, verifies
// every entry is DryRunPassed with a non-stale base_snapshot_id, then
// publishes the whole batch as one snapshot set.
func (p *Pipeline) PublishBatch(ctx context.Context, ids []ChangeSetId, publisher, correlationID string) (types.SnapshotSetId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(ids) == 0 {
		return types.SnapshotSetId{}, kernelerr.New(kernelerr.InvalidInput, "publish_batch requires at least one change set")
	}

	order, err := p.topoSort(ids)
	if err != nil {
		return types.SnapshotSetId{}, err
	}

	for _, id := range order {
		cs := p.changeSets[id]
		if cs.Status != DryRunPassed {
			return types.SnapshotSetId{}, kernelerr.InvalidState(fmt.Sprintf("publish_batch(%s)", id), string(cs.Status), string(DryRunPassed))
		}
	}

	// Stale-draft detection before any writes: compare every entry's
	// base_snapshot_id against the currently-active row.
	for _, id := range order {
		cs := p.changeSets[id]
		for _, e := range cs.Entries {
			if e.BaseSnapshotID == nil {
				continue
			}
			active, err := p.store.Resolve(ctx, e.ObjectType, e.ObjectFQN, nil)
			if err != nil && kernelerr.KindOf(err) != kernelerr.NotFound {
				return types.SnapshotSetId{}, err
			}
			if err == nil && active.SnapshotID != *e.BaseSnapshotID {
				cs.Status = DryRunFailed
				cs.StaleDraftReason = fmt.Sprintf("base_snapshot_id %s no longer matches active snapshot %s for %s", e.BaseSnapshotID, active.SnapshotID, e.ObjectFQN)
				return types.SnapshotSetId{}, kernelerr.Newf(kernelerr.Conflict, "stale draft: %s", cs.StaleDraftReason)
			}
		}
	}

	items, err := p.buildPublishItems(ctx, order)
	if err != nil {
		return types.SnapshotSetId{}, err
	}

	setID, err := p.store.PublishSet(ctx, items, publisher, correlationID)
	if err != nil {
		return types.SnapshotSetId{}, err
	}

	now := time.Now().UTC()
	for _, id := range order {
		cs := p.changeSets[id]
		cs.Status = Published
		if cs.SupersedesChangeSetID != nil {
			if superseded, ok := p.changeSets[*cs.SupersedesChangeSetID]; ok {
				superseded.Status = Superseded
				superseded.SupersededBy = &id
				superseded.SupersededAt = &now
			}
		}
	}

	p.publishAudit = append(p.publishAudit, PublishBatchAudit{
		SnapshotSetID: setID, ChangeSetIDs: order, Publisher: publisher, PublishedAt: now,
	})
	return setID, nil
}

func (p *Pipeline) buildPublishItems(ctx context.Context, order []ChangeSetId) ([]snapshot.PublishItem, error) {
	var items []snapshot.PublishItem
	for _, id := range order {
		cs := p.changeSets[id]
		for _, e := range cs.Entries {
			objectID := types.NewObjectId(e.ObjectType, e.ObjectFQN)

			version := types.Version{Major: 1, Minor: 0}
			if e.BaseSnapshotID != nil {
				history, err := p.store.History(ctx, e.ObjectType, objectID)
				if err != nil {
					return nil, err
				}
				for i := range history {
					if history[i].SnapshotID == *e.BaseSnapshotID {
						version = nextVersion(history[i].Version, e.ChangeType)
						break
					}
				}
			}

			status := types.StatusActive
			if e.Action == Remove {
				status = types.StatusRetired
			}

			items = append(items, snapshot.PublishItem{
				Meta: snapshot.SnapshotMeta{
					ObjectType:      e.ObjectType,
					ObjectID:        objectID,
					Version:         version,
					Status:          status,
					GovernanceTier:  e.GovernanceTier,
					TrustClass:      e.TrustClass,
					SecurityLabel:   e.SecurityLabel,
					ChangeType:      e.ChangeType,
					ChangeRationale: cs.Rationale,
					CreatedBy:       cs.CreatedBy,
					PredecessorID:   e.BaseSnapshotID,
				},
				Definition: e.DraftPayload,
			})
		}
	}
	return items, nil
}

// BootstrapSeedBundle publishes bundle as one idempotent seed batch:
// entries whose FQN already resolves in the active set are skipped
// rather than re-proposed, so re-running a bootstrap is a no-op.
func (p *Pipeline) BootstrapSeedBundle(ctx context.Context, bundle Bundle, principal, correlationID string) (types.SnapshotSetId, error) {
	var fresh []ChangeSetEntry
	for _, e := range bundle.Entries {
		if _, err := p.store.Resolve(ctx, e.ObjectType, e.ObjectFQN, nil); err == nil {
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return types.SnapshotSetId{}, nil
	}
	bundle.Entries = fresh

	id, err := p.Propose(ctx, bundle, principal)
	if err != nil {
		return types.SnapshotSetId{}, err
	}
	if err := p.Validate(ctx, id); err != nil {
		return types.SnapshotSetId{}, err
	}
	if err := p.DryRun(ctx, id); err != nil {
		return types.SnapshotSetId{}, err
	}
	return p.Publish(ctx, id, principal, correlationID)
}

// Get returns a copy of a ChangeSet's current state.
func (p *Pipeline) Get(id ChangeSetId) (ChangeSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.changeSets[id]
	if !ok {
		return ChangeSet{}, kernelerr.Newf(kernelerr.NotFound, "no change set %s", id)
	}
	return *cs, nil
}

// List returns every ChangeSet matching status (when non-empty) and
// owner (when non-empty).
func (p *Pipeline) List(status Status, owner string) []ChangeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ChangeSet
	for _, cs := range p.changeSets {
		if status != "" && cs.Status != status {
			continue
		}
		if owner != "" && cs.CreatedBy != owner {
			continue
		}
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PublishAudit returns every recorded PublishBatch audit row.
func (p *Pipeline) PublishAudit() []PublishBatchAudit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishBatchAudit, len(p.publishAudit))
	copy(out, p.publishAudit)
	return out
}
