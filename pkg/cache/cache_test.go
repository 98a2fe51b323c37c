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

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return New(rdb, time.Minute), srv
}

func sampleSnapshot(fqn types.FQN) snapshot.Snapshot {
	return snapshot.Snapshot{
		SnapshotID: types.NewSnapshotId(),
		ObjectType: types.ViewDef,
		Definition: map[string]interface{}{"fqn": string(fqn)},
		Status:     types.StatusActive,
	}
}

func TestCacheMissReturnsFalseWithoutError(t *testing.T) {
	c, _ := newTestCache(t)
	_, hit, err := c.Get(context.Background(), types.ViewDef, "kyc.risk_view")
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if hit {
		t.Fatalf("Get() hit = true on an empty cache, want false")
	}
}

func TestSetThenGetRoundTripsTheActiveSnapshot(t *testing.T) {
	c, _ := newTestCache(t)
	snap := sampleSnapshot("kyc.risk_view")

	if err := c.Set(context.Background(), snap); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, hit, err := c.Get(context.Background(), snap.ObjectType, snap.FQN())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !hit {
		t.Fatalf("Get() hit = false, want true after Set()")
	}
	if got.SnapshotID != snap.SnapshotID {
		t.Fatalf("Get() SnapshotID = %v, want %v", got.SnapshotID, snap.SnapshotID)
	}
}

func TestInvalidateEvictsACachedEntry(t *testing.T) {
	c, _ := newTestCache(t)
	snap := sampleSnapshot("kyc.risk_view")
	if err := c.Set(context.Background(), snap); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := c.Invalidate(context.Background(), snap.ObjectType, snap.FQN()); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	_, hit, err := c.Get(context.Background(), snap.ObjectType, snap.FQN())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if hit {
		t.Fatalf("Get() hit = true after Invalidate(), want false")
	}
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	c := New(rdb, time.Second)
	snap := sampleSnapshot("kyc.risk_view")
	if err := c.Set(context.Background(), snap); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	srv.FastForward(2 * time.Second)

	_, hit, err := c.Get(context.Background(), snap.ObjectType, snap.FQN())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if hit {
		t.Fatalf("Get() hit = true past TTL, want false")
	}
}
