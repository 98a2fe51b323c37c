package snapshot

import (
	"sync"
	"time"

	"github.com/semregistry/kernel/pkg/types"
)

// EventType is the closed enum of outbox event kinds.
type EventType string

const (
	SnapshotsPublished EventType = "SnapshotsPublished"
	SnapshotRetired    EventType = "SnapshotRetired"
)

// OutboxSnapshotItem is one line of an outbox payload.
type OutboxSnapshotItem struct {
	ObjectType  types.ObjectType
	ObjectID    types.ObjectId
	FQN         types.FQN
	SnapshotID  types.SnapshotId
	Version     types.Version
	ContentHash types.ContentHash
	ChangeType  types.ChangeType
}

// OutboxEvent is a durable, FIFO-per-set post-commit event.
type OutboxEvent struct {
	EventID       types.SnapshotId
	SnapshotSetID types.SnapshotSetId
	CorrelationID string
	EventType     EventType
	Items         []OutboxSnapshotItem
	CreatedAt     time.Time

	ClaimedBy    string
	ClaimedAt    *time.Time
	ProcessedAt  *time.Time
	DeadLetterAt *time.Time
	Error        string
}

// Processed reports whether the event has reached a terminal state
// (processed or dead-lettered).
func (e OutboxEvent) Processed() bool {
	return e.ProcessedAt != nil || e.DeadLetterAt != nil
}

// OutboxLog is an in-process, FIFO-per-set durable event log. It is the
// reference implementation of the outbox half of the Store port; a
// Postgres adapter would back this with a table and
// `SELECT ... FOR UPDATE SKIP LOCKED` for claim_next's single-writer
// semantics. This in-memory version uses a mutex for the same effect.
type OutboxLog struct {
	mu     sync.Mutex
	events []OutboxEvent
	byID   map[types.SnapshotId]int
}

// NewOutboxLog builds an empty log.
func NewOutboxLog() *OutboxLog {
	return &OutboxLog{byID: make(map[types.SnapshotId]int)}
}

// Append enqueues a new event. Called only by PublishSet, under the
// same critical section as the batch it describes, so "exactly one
// event per batch" holds even under concurrent publishers.
func (l *OutboxLog) Append(e OutboxEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	l.byID[e.EventID] = len(l.events) - 1
}

// ClaimNext grabs the oldest unclaimed, unprocessed event under a
// single-writer claim contract. Returns ok=false when nothing is pending.
func (l *OutboxLog) ClaimNext(claimer string) (OutboxEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.events {
		e := &l.events[i]
		if e.Processed() || e.ClaimedAt != nil {
			continue
		}
		now := time.Now().UTC()
		e.ClaimedBy = claimer
		e.ClaimedAt = &now
		return *e, true
	}
	return OutboxEvent{}, false
}

// MarkProcessed marks an event terminal-success.
func (l *OutboxLog) MarkProcessed(eventID types.SnapshotId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[eventID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	l.events[idx].ProcessedAt = &now
}

// MarkDeadLetter marks an event terminal-failure; the outbox never
// retries in-place — an operator must re-enqueue.
func (l *OutboxLog) MarkDeadLetter(eventID types.SnapshotId, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[eventID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	l.events[idx].DeadLetterAt = &now
	if cause != nil {
		l.events[idx].Error = cause.Error()
	}
}

// Pending reports how many events are neither processed nor dead-lettered.
func (l *OutboxLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if !e.Processed() {
			n++
		}
	}
	return n
}

// All returns a snapshot of every event, for test assertions.
func (l *OutboxLog) All() []OutboxEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OutboxEvent, len(l.events))
	copy(out, l.events)
	return out
}
