// Package projector maintains the active-snapshot projection by
// draining the snapshot outbox: a single-writer claim loop that
// applies each SnapshotsPublished/SnapshotRetired event to a read
// model, idempotently, and dead-letters anything it can't apply
// rather than retrying in place.
package projector

import (
	"sync"
	"time"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

// ActiveRow is one row of the projection's active-snapshot index —
// deliberately a separate read model from snapshot.Store's own
// internal index, so a Postgres-backed Store (whose active index
// lives in the same transaction as the publish) and this projection
// (fed asynchronously off the outbox) can be reconciled against each
// other rather than assumed identical.
type ActiveRow struct {
	ObjectType     types.ObjectType
	ObjectID       types.ObjectId
	FQN            types.FQN
	SnapshotID     types.SnapshotId
	Version        types.Version
	ContentHash    types.ContentHash
	ChangeType     types.ChangeType
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
}

type objectKey struct {
	objectType types.ObjectType
	objectID   types.ObjectId
}

type fqnKey struct {
	objectType types.ObjectType
	fqn        types.FQN
}

// Projection is the in-memory active-snapshot read model the worker
// applies outbox events to. It tracks which event ids it has already
// applied so replay of an already-processed event is a no-op, per the
// idempotence requirement.
type Projection struct {
	mu      sync.Mutex
	active  map[objectKey]ActiveRow
	byFQN   map[fqnKey]ActiveRow
	applied map[types.SnapshotId]bool
	retired map[objectKey]ActiveRow
}

// NewProjection builds an empty projection.
func NewProjection() *Projection {
	return &Projection{
		active:  make(map[objectKey]ActiveRow),
		byFQN:   make(map[fqnKey]ActiveRow),
		applied: make(map[types.SnapshotId]bool),
		retired: make(map[objectKey]ActiveRow),
	}
}

// Get returns the active row for (objectType, objectID), if any.
func (p *Projection) Get(objectType types.ObjectType, objectID types.ObjectId) (ActiveRow, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.active[objectKey{objectType: objectType, objectID: objectID}]
	return row, ok
}

// Resolve returns the active row for (objectType, fqn), if any.
func (p *Projection) Resolve(objectType types.ObjectType, fqn types.FQN) (ActiveRow, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.byFQN[fqnKey{objectType: objectType, fqn: fqn}]
	return row, ok
}

// Apply projects one outbox event onto the active index. It is
// idempotent: an event whose id has already been applied is a no-op,
// and within a single application, upserting an item whose snapshot id
// is already the current active row for that object is also a no-op —
// so re-delivery (whether of the same event id, or of a duplicate
// publish racing ahead of its own ack) never double-supersedes.
func (p *Projection) Apply(event snapshot.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.applied[event.EventID] {
		return nil
	}

	switch event.EventType {
	case snapshot.SnapshotsPublished:
		for _, item := range event.Items {
			p.upsertActiveLocked(item, event.CreatedAt)
		}
	case snapshot.SnapshotRetired:
		for _, item := range event.Items {
			p.retireLocked(item, event.CreatedAt)
		}
	default:
		return kernelerr.Newf(kernelerr.InvalidInput, "projector: unknown outbox event type %q", event.EventType)
	}

	p.applied[event.EventID] = true
	return nil
}

func (p *Projection) upsertActiveLocked(item snapshot.OutboxSnapshotItem, asOf time.Time) {
	key := objectKey{objectType: item.ObjectType, objectID: item.ObjectID}

	if prev, ok := p.active[key]; ok {
		if prev.SnapshotID == item.SnapshotID {
			return
		}
		until := asOf
		prev.EffectiveUntil = &until
		p.retired[key] = prev
		delete(p.byFQN, fqnKey{objectType: prev.ObjectType, fqn: prev.FQN})
	}

	row := ActiveRow{
		ObjectType:    item.ObjectType,
		ObjectID:      item.ObjectID,
		FQN:           item.FQN,
		SnapshotID:    item.SnapshotID,
		Version:       item.Version,
		ContentHash:   item.ContentHash,
		ChangeType:    item.ChangeType,
		EffectiveFrom: asOf,
	}
	p.active[key] = row
	p.byFQN[fqnKey{objectType: item.ObjectType, fqn: item.FQN}] = row
}

func (p *Projection) retireLocked(item snapshot.OutboxSnapshotItem, asOf time.Time) {
	key := objectKey{objectType: item.ObjectType, objectID: item.ObjectID}
	row, ok := p.active[key]
	if !ok || row.SnapshotID != item.SnapshotID {
		return
	}
	until := asOf
	row.EffectiveUntil = &until
	delete(p.active, key)
	delete(p.byFQN, fqnKey{objectType: row.ObjectType, fqn: row.FQN})
	p.retired[key] = row
}
