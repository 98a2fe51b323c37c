package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

// countingStore wraps an InMemoryStore and counts Resolve calls, so
// tests can assert a cache hit never reaches the inner store.
type countingStore struct {
	*snapshot.InMemoryStore
	resolveCalls int
}

func (c *countingStore) Resolve(ctx context.Context, objectType types.ObjectType, fqn types.FQN, asOf *time.Time) (snapshot.Snapshot, error) {
	c.resolveCalls++
	return c.InMemoryStore.Resolve(ctx, objectType, fqn, asOf)
}

func newTestStore(t *testing.T) (*Store, *countingStore) {
	t.Helper()
	inner := &countingStore{InMemoryStore: snapshot.NewInMemoryStore(snapshot.NewOutboxLog())}
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewStore(inner, New(rdb, time.Minute)), inner
}

func publishView(t *testing.T, inner *countingStore, fqn string) {
	t.Helper()
	item := snapshot.PublishItem{
		Meta: snapshot.SnapshotMeta{
			ObjectType: types.ViewDef,
			ObjectID:   types.NewObjectId(types.ViewDef, types.FQN(fqn)),
			Version:    types.Version{Major: 1},
			Status:     types.StatusActive,
		},
		Definition: map[string]interface{}{"fqn": fqn},
	}
	if _, err := inner.PublishSet(context.Background(), []snapshot.PublishItem{item}, "tester", "corr-1"); err != nil {
		t.Fatalf("PublishSet() error = %v", err)
	}
}

func TestResolveIsServedFromCacheOnSecondCall(t *testing.T) {
	store, inner := newTestStore(t)
	publishView(t, inner, "kyc.risk_view")

	if _, err := store.Resolve(context.Background(), types.ViewDef, "kyc.risk_view", nil); err != nil {
		t.Fatalf("Resolve() first call error = %v", err)
	}
	if inner.resolveCalls != 1 {
		t.Fatalf("resolveCalls after first call = %d, want 1", inner.resolveCalls)
	}

	if _, err := store.Resolve(context.Background(), types.ViewDef, "kyc.risk_view", nil); err != nil {
		t.Fatalf("Resolve() second call error = %v", err)
	}
	if inner.resolveCalls != 1 {
		t.Fatalf("resolveCalls after second call = %d, want 1 (should be served from cache)", inner.resolveCalls)
	}
}

func TestResolveWithAsOfBypassesTheCache(t *testing.T) {
	store, inner := newTestStore(t)
	publishView(t, inner, "kyc.risk_view")
	asOf := time.Now().UTC()

	if _, err := store.Resolve(context.Background(), types.ViewDef, "kyc.risk_view", &asOf); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, err := store.Resolve(context.Background(), types.ViewDef, "kyc.risk_view", &asOf); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if inner.resolveCalls != 2 {
		t.Fatalf("resolveCalls = %d, want 2 (as_of queries always hit the inner store)", inner.resolveCalls)
	}
}
