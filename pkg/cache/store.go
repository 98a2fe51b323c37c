package cache

import (
	"context"
	"time"

	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

// Store decorates a snapshot.Store with a read-through Cache over
// Resolve's active-snapshot lookups. Every other method, and Resolve
// itself when asOf is set, passes straight through: only the "give me
// the row active right now" path is worth caching, since an as_of
// query is already point-in-time and won't repeat the same way.
type Store struct {
	Inner snapshot.Store
	Cache *Cache
}

// NewStore wires inner behind cache.
func NewStore(inner snapshot.Store, cache *Cache) *Store {
	return &Store{Inner: inner, Cache: cache}
}

var _ snapshot.Store = (*Store)(nil)

func (s *Store) PublishSet(ctx context.Context, items []snapshot.PublishItem, publisher, correlationID string) (types.SnapshotSetId, error) {
	return s.Inner.PublishSet(ctx, items, publisher, correlationID)
}

func (s *Store) Resolve(ctx context.Context, objectType types.ObjectType, fqn types.FQN, asOf *time.Time) (snapshot.Snapshot, error) {
	if asOf != nil {
		return s.Inner.Resolve(ctx, objectType, fqn, asOf)
	}

	if cached, hit, err := s.Cache.Get(ctx, objectType, fqn); err == nil && hit {
		return cached, nil
	}

	row, err := s.Inner.Resolve(ctx, objectType, fqn, nil)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	_ = s.Cache.Set(ctx, row)
	return row, nil
}

func (s *Store) History(ctx context.Context, objectType types.ObjectType, objectID types.ObjectId) ([]snapshot.Snapshot, error) {
	return s.Inner.History(ctx, objectType, objectID)
}

func (s *Store) ListActive(ctx context.Context, objectType types.ObjectType, limit, offset int) ([]snapshot.Snapshot, error) {
	return s.Inner.ListActive(ctx, objectType, limit, offset)
}

func (s *Store) FindDependents(ctx context.Context, source types.FQN, limit int) ([]types.FQN, error) {
	return s.Inner.FindDependents(ctx, source, limit)
}

func (s *Store) Manifest(ctx context.Context, setID types.SnapshotSetId) (snapshot.Manifest, error) {
	return s.Inner.Manifest(ctx, setID)
}

func (s *Store) ExportSet(ctx context.Context, setID types.SnapshotSetId) ([]snapshot.Snapshot, error) {
	return s.Inner.ExportSet(ctx, setID)
}
