// Package snapshot implements the immutable, content-addressed,
// append-only versioning core of the registry: the Snapshot record,
// the Store port every storage adapter must satisfy, and an in-memory
// reference adapter used by tests and by components that don't need
// Postgres.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/shared/telemetry"
	"github.com/semregistry/kernel/pkg/types"
)

// Snapshot is the atomic, immutable unit of the registry.
type Snapshot struct {
	SnapshotID      types.SnapshotId
	ObjectType      types.ObjectType
	ObjectID        types.ObjectId
	Version         types.Version
	ContentHash     types.ContentHash
	Definition      map[string]interface{}
	Status          types.SnapshotStatus
	GovernanceTier  types.GovernanceTier
	TrustClass      types.TrustClass
	SecurityLabel   types.SecurityLabel
	ChangeType      types.ChangeType
	ChangeRationale string
	CreatedBy       string
	ApprovedBy      string
	PredecessorID   *types.SnapshotId
	SnapshotSetID   types.SnapshotSetId
	EffectiveFrom   time.Time
	EffectiveUntil  *time.Time
}

// FQN returns the snapshot's own FQN, read out of its definition body.
// The registry stores FQN as a required top-level field of every
// definition so the active-set index can be keyed by it.
func (s Snapshot) FQN() types.FQN {
	if v, ok := s.Definition["fqn"].(string); ok {
		return types.FQN(v)
	}
	return ""
}

// IsActive reports whether the row is the live member of the
// active-snapshot index.
func (s Snapshot) IsActive() bool {
	return s.Status == types.StatusActive && s.EffectiveUntil == nil
}

// SnapshotMeta is the caller-supplied metadata half of a publish item;
// the body (definition JSON) travels alongside it.
type SnapshotMeta struct {
	ObjectType      types.ObjectType
	ObjectID        types.ObjectId
	Version         types.Version
	Status          types.SnapshotStatus
	GovernanceTier  types.GovernanceTier
	TrustClass      types.TrustClass
	SecurityLabel   types.SecurityLabel
	ChangeType      types.ChangeType
	ChangeRationale string
	CreatedBy       string
	ApprovedBy      string
	PredecessorID   *types.SnapshotId
}

// PublishItem pairs a SnapshotMeta with its definition body.
type PublishItem struct {
	Meta       SnapshotMeta
	Definition map[string]interface{}
}

// ManifestEntry is one row of a snapshot set's manifest.
type ManifestEntry struct {
	SnapshotID  types.SnapshotId
	ObjectType  types.ObjectType
	FQN         types.FQN
	ContentHash types.ContentHash
}

// Manifest describes one published batch.
type Manifest struct {
	SnapshotSetID types.SnapshotSetId
	PublishedAt   time.Time
	Entries       []ManifestEntry
}

// Store is the port every storage adapter (Postgres or in-memory) must
// satisfy. Every method is a suspension point.
type Store interface {
	// PublishSet atomically appends every item as a new snapshot row,
	// updates the active-snapshot index for each (object_type,
	// object_id), and appends exactly one OutboxEvent.
	PublishSet(ctx context.Context, items []PublishItem, publisher string, correlationID string) (types.SnapshotSetId, error)

	// Resolve returns the active snapshot for fqn, or the one active
	// at asOf when asOf is non-nil.
	Resolve(ctx context.Context, objectType types.ObjectType, fqn types.FQN, asOf *time.Time) (Snapshot, error)

	// History returns every snapshot ever written for objectID, ordered
	// by (version_major, version_minor).
	History(ctx context.Context, objectType types.ObjectType, objectID types.ObjectId) ([]Snapshot, error)

	// ListActive pages through the active set for one ObjectType.
	ListActive(ctx context.Context, objectType types.ObjectType, limit, offset int) ([]Snapshot, error)

	// FindDependents returns FQNs whose definition references source.
	FindDependents(ctx context.Context, source types.FQN, limit int) ([]types.FQN, error)

	// Manifest returns the manifest for a previously published set.
	Manifest(ctx context.Context, setID types.SnapshotSetId) (Manifest, error)

	// ExportSet returns every snapshot published in setID.
	ExportSet(ctx context.Context, setID types.SnapshotSetId) ([]Snapshot, error)
}

// InMemoryStore is a reference Store adapter backed by plain Go maps
// guarded by a mutex, for tests and for components with no Postgres
// dependency.
type InMemoryStore struct {
	mu sync.Mutex

	// rows holds every snapshot ever written, keyed by SnapshotID.
	rows map[types.SnapshotId]Snapshot

	// history indexes rows by (object_type, object_id), ordered by
	// version as they're appended.
	history map[historyKey][]types.SnapshotId

	// active is the logical active-snapshot index.
	active map[historyKey]types.SnapshotId

	// byFQN indexes the active snapshot id by (object_type, fqn).
	byFQN map[fqnKey]types.SnapshotId

	// contentIndex supports idempotent republish: the same content
	// hash against the same predecessor returns the existing row.
	contentIndex map[contentKey]types.SnapshotId

	sets map[types.SnapshotSetId]Manifest

	outbox *OutboxLog
}

type historyKey struct {
	objectType types.ObjectType
	objectID   types.ObjectId
}

type fqnKey struct {
	objectType types.ObjectType
	fqn        types.FQN
}

type contentKey struct {
	objectID    types.ObjectId
	contentHash types.ContentHash
	predecessor types.SnapshotId
}

// NewInMemoryStore builds an empty store wired to outbox.
func NewInMemoryStore(outbox *OutboxLog) *InMemoryStore {
	return &InMemoryStore{
		rows:         make(map[types.SnapshotId]Snapshot),
		history:      make(map[historyKey][]types.SnapshotId),
		active:       make(map[historyKey]types.SnapshotId),
		byFQN:        make(map[fqnKey]types.SnapshotId),
		contentIndex: make(map[contentKey]types.SnapshotId),
		sets:         make(map[types.SnapshotSetId]Manifest),
		outbox:       outbox,
	}
}

// PublishSet implements Store. Atomicity is modeled by holding the
// single mutex for the whole operation: a reader either observes the
// store before the call or fully after it, never a partial batch.
func (s *InMemoryStore) PublishSet(ctx context.Context, items []PublishItem, publisher, correlationID string) (types.SnapshotSetId, error) {
	ctx, span := telemetry.StartSpan(ctx, "snapshot.PublishSet")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.PublishLatency.Observe(time.Since(start).Seconds()) }()

	if len(items) == 0 {
		return types.SnapshotSetId{}, kernelerr.New(kernelerr.InvalidInput, "publish_set requires at least one item")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	setID := types.NewSnapshotSetId()
	now := time.Now().UTC()
	manifest := Manifest{SnapshotSetID: setID, PublishedAt: now}
	var outboxItems []OutboxSnapshotItem

	for _, item := range items {
		hash, err := types.HashDefinition(item.Definition)
		if err != nil {
			return types.SnapshotSetId{}, kernelerr.Wrap(kernelerr.InvalidInput, "hash definition", err)
		}

		hk := historyKey{objectType: item.Meta.ObjectType, objectID: item.Meta.ObjectID}

		// Idempotent republish: identical content against the same
		// predecessor returns the existing snapshot.
		var predecessor types.SnapshotId
		if item.Meta.PredecessorID != nil {
			predecessor = *item.Meta.PredecessorID
		}
		ck := contentKey{objectID: item.Meta.ObjectID, contentHash: hash, predecessor: predecessor}
		if existingID, ok := s.contentIndex[ck]; ok {
			existing := s.rows[existingID]
			manifest.Entries = append(manifest.Entries, ManifestEntry{
				SnapshotID: existing.SnapshotID, ObjectType: existing.ObjectType,
				FQN: existing.FQN(), ContentHash: existing.ContentHash,
			})
			continue
		}

		snapID := types.NewSnapshotId()
		snap := Snapshot{
			SnapshotID:      snapID,
			ObjectType:      item.Meta.ObjectType,
			ObjectID:        item.Meta.ObjectID,
			Version:         item.Meta.Version,
			ContentHash:     hash,
			Definition:      item.Definition,
			Status:          item.Meta.Status,
			GovernanceTier:  item.Meta.GovernanceTier,
			TrustClass:      item.Meta.TrustClass,
			SecurityLabel:   item.Meta.SecurityLabel,
			ChangeType:      item.Meta.ChangeType,
			ChangeRationale: item.Meta.ChangeRationale,
			CreatedBy:       item.Meta.CreatedBy,
			ApprovedBy:      item.Meta.ApprovedBy,
			PredecessorID:   item.Meta.PredecessorID,
			SnapshotSetID:   setID,
			EffectiveFrom:   now,
		}

		// Close out the previously-active row for this object, if any.
		if prevID, ok := s.active[hk]; ok {
			prev := s.rows[prevID]
			until := now
			prev.EffectiveUntil = &until
			if prev.Status == types.StatusActive {
				prev.Status = types.StatusSuperseded
			}
			s.rows[prevID] = prev
		}

		s.rows[snapID] = snap
		s.history[hk] = append(s.history[hk], snapID)
		s.contentIndex[ck] = snapID

		if snap.Status == types.StatusActive {
			s.active[hk] = snapID
			s.byFQN[fqnKey{objectType: snap.ObjectType, fqn: snap.FQN()}] = snapID
		} else if snap.Status == types.StatusRetired {
			delete(s.active, hk)
			delete(s.byFQN, fqnKey{objectType: snap.ObjectType, fqn: snap.FQN()})
		}

		manifest.Entries = append(manifest.Entries, ManifestEntry{
			SnapshotID: snapID, ObjectType: snap.ObjectType, FQN: snap.FQN(), ContentHash: hash,
		})
		outboxItems = append(outboxItems, OutboxSnapshotItem{
			ObjectType: snap.ObjectType, ObjectID: snap.ObjectID, FQN: snap.FQN(),
			SnapshotID: snapID, Version: snap.Version, ContentHash: hash, ChangeType: snap.ChangeType,
		})
	}

	s.sets[setID] = manifest

	// Exactly one outbox event per batch, regardless of item count.
	if s.outbox != nil {
		s.outbox.Append(OutboxEvent{
			EventID:       types.NewSnapshotId(),
			SnapshotSetID: setID,
			CorrelationID: correlationID,
			EventType:     SnapshotsPublished,
			Items:         outboxItems,
			CreatedAt:     now,
		})
	}

	return setID, nil
}

func (s *InMemoryStore) Resolve(ctx context.Context, objectType types.ObjectType, fqn types.FQN, asOf *time.Time) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asOf == nil {
		id, ok := s.byFQN[fqnKey{objectType: objectType, fqn: fqn}]
		if !ok {
			return Snapshot{}, kernelerr.Newf(kernelerr.NotFound, "no active snapshot for %s %s", objectType, fqn)
		}
		return s.rows[id], nil
	}

	// Point-in-time: scan history for the FQN's object id and find the
	// row whose [EffectiveFrom, EffectiveUntil) window contains asOf.
	for _, ids := range s.history {
		for _, id := range ids {
			row := s.rows[id]
			if row.ObjectType != objectType || row.FQN() != fqn {
				continue
			}
			if row.EffectiveFrom.After(*asOf) {
				continue
			}
			if row.EffectiveUntil != nil && !row.EffectiveUntil.After(*asOf) {
				continue
			}
			return row, nil
		}
	}
	return Snapshot{}, kernelerr.Newf(kernelerr.NotFound, "no snapshot for %s %s as of %s", objectType, fqn, asOf)
}

func (s *InMemoryStore) History(ctx context.Context, objectType types.ObjectType, objectID types.ObjectId) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.history[historyKey{objectType: objectType, objectID: objectID}]
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rows[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version.Major != out[j].Version.Major {
			return out[i].Version.Major < out[j].Version.Major
		}
		return out[i].Version.Minor < out[j].Version.Minor
	})
	return out, nil
}

func (s *InMemoryStore) ListActive(ctx context.Context, objectType types.ObjectType, limit, offset int) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Snapshot
	for hk, id := range s.active {
		if hk.objectType != objectType {
			continue
		}
		all = append(all, s.rows[id])
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FQN() < all[j].FQN() })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *InMemoryStore) FindDependents(ctx context.Context, source types.FQN, limit int) ([]types.FQN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.FQN
	for _, id := range s.active {
		row := s.rows[id]
		if referencesFQN(row.Definition, source) {
			out = append(out, row.FQN())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *InMemoryStore) Manifest(ctx context.Context, setID types.SnapshotSetId) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sets[setID]
	if !ok {
		return Manifest{}, kernelerr.Newf(kernelerr.NotFound, "no manifest for snapshot set %s", setID)
	}
	return m, nil
}

func (s *InMemoryStore) ExportSet(ctx context.Context, setID types.SnapshotSetId) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for _, row := range s.rows {
		if row.SnapshotSetID == setID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQN() < out[j].FQN() })
	return out, nil
}

// refKeyQuery walks definition recursively and collects every value
// found under a key ending in "_ref" or "_fqn" — whether a bare string
// or an array of strings — then keeps only the string members. The
// real shape is supplied by each ObjectType's schema; this jq
// expression is the structural fallback used when no schema-specific
// walker is registered.
var refKeyQuery = mustParseJQ(
	`[.. | objects | to_entries[] | select(.key | test("_ref$|_fqn$")) | .value] | flatten | map(select(type == "string"))`,
)

func mustParseJQ(src string) *gojq.Query {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(fmt.Sprintf("snapshot: invalid built-in jq query %q: %v", src, err))
	}
	return q
}

// referencesFQN reports whether target appears as a "_ref"/"_fqn"-keyed
// scalar anywhere in definition, walked via the refKeyQuery jq
// expression (recursive descent over objects) rather than a hand-rolled
// recursive type switch.
func referencesFQN(definition map[string]interface{}, target types.FQN) bool {
	iter := refKeyQuery.Run(definition)
	for {
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if err, ok := v.(error); ok {
			_ = err
			continue
		}
		results, ok := v.([]interface{})
		if !ok {
			continue
		}
		for _, r := range results {
			if s, ok := r.(string); ok && s == string(target) {
				return true
			}
		}
	}
}
