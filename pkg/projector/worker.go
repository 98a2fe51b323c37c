package projector

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/semregistry/kernel/pkg/shared/logging"
	"github.com/semregistry/kernel/pkg/shared/telemetry"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

// CacheInvalidator is the read-through cache's eviction hook. Worker
// depends only on this narrow interface, not on pkg/cache itself, so
// the projector has no dependency on a particular cache backend.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, objectType types.ObjectType, fqn types.FQN) error
}

// Worker is the single long-running task per process that drains the
// outbox serially, per the one-task-per-process outbox-worker
// scheduler. Multiple processes coordinate through the outbox's own
// claim_next single-writer semantics; the worker itself holds no
// cross-process state.
type Worker struct {
	Outbox     *snapshot.OutboxLog
	Projection *Projection
	ClaimerID  string
	Log        logr.Logger

	// PollInterval is how long Run waits before re-checking an empty
	// outbox. Zero uses a 50ms default.
	PollInterval time.Duration

	// Cache, if set, is invalidated for every item of a successfully
	// applied event — the read-through cache's only eviction path.
	Cache CacheInvalidator
}

// NewWorker builds a worker bound to one outbox, one projection, and a
// claimer identity (used for the outbox's single-writer claim). Log
// defaults to logr's discard logger; set Worker.Log to wire a real one.
func NewWorker(outbox *snapshot.OutboxLog, projection *Projection, claimerID string) *Worker {
	return &Worker{Outbox: outbox, Projection: projection, ClaimerID: claimerID, Log: logr.Discard()}
}

// Run drains the outbox until ctx is cancelled, sleeping between empty
// polls. It never returns a claim/apply error — those are dead-lettered
// on the event itself per the no-retry-in-place contract — and returns
// only when ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed := w.drainOnce()
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// drainOnce claims and applies a single pending event, if any, and
// reports whether one was found.
func (w *Worker) drainOnce() bool {
	event, ok := w.Outbox.ClaimNext(w.ClaimerID)
	if !ok {
		return false
	}
	w.applyAndFinalize(event)
	return true
}

// applyAndFinalize applies event to the projection and marks it
// processed on success or dead-letters it (with the failing cause) on
// any error — the outbox never retries an event in place.
func (w *Worker) applyAndFinalize(event snapshot.OutboxEvent) error {
	_, span := telemetry.StartSpan(context.Background(), "projector.apply")
	defer span.End()

	fields := logging.NewFields().Component("projector").Operation("apply").
		Custom("event_id", event.EventID).Custom("event_type", string(event.EventType))
	telemetry.ObserveOutboxLag(event.CreatedAt)

	if err := w.Projection.Apply(event); err != nil {
		w.Outbox.MarkDeadLetter(event.EventID, err)
		telemetry.OutboxEventsTotal.WithLabelValues("dead_letter").Inc()
		w.Log.Error(err, "dead-lettered outbox event", fields.Error(err).KeysAndValues()...)
		return err
	}
	w.Outbox.MarkProcessed(event.EventID)
	telemetry.OutboxEventsTotal.WithLabelValues("processed").Inc()
	w.Log.V(1).Info("projected outbox event", fields.KeysAndValues()...)
	w.invalidateCache(event)
	return nil
}

// invalidateCache evicts every item's active-row cache entry once its
// event has been durably projected. A cache-side failure here is
// logged, not propagated: the event is already marked processed, and a
// stale cache entry self-heals on its own TTL or next successful
// invalidation.
func (w *Worker) invalidateCache(event snapshot.OutboxEvent) {
	if w.Cache == nil {
		return
	}
	for _, item := range event.Items {
		if err := w.Cache.Invalidate(context.Background(), item.ObjectType, item.FQN); err != nil {
			w.Log.Error(err, "cache invalidate failed", "event_id", event.EventID, "fqn", item.FQN)
		}
	}
}

// DrainOutbox synchronously drains every currently-pending event (the
// `drain_outbox` test helper), in FIFO order. A failing event is still
// dead-lettered, same as Run would do; draining continues through the
// rest of the queue, and the first error encountered is returned once
// the queue is empty.
func (w *Worker) DrainOutbox(ctx context.Context) error {
	var firstErr error
	for {
		select {
		case <-ctx.Done():
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		default:
		}

		event, ok := w.Outbox.ClaimNext(w.ClaimerID)
		if !ok {
			return firstErr
		}
		if err := w.applyAndFinalize(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}
