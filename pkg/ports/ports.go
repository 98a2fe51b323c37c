// Package ports defines the boundary interfaces the workflow VM and
// authoring pipeline dispatch through: job execution, timers,
// correlated messages, and pluggable reasoning/enrichment backends.
// Concrete adapters (cmd/kernelctl, pkg/reasoning) implement these;
// pkg/workflow/vm and pkg/authoring only ever see the interface.
package ports

import (
	"context"
	"time"
)

// JobKey identifies one at-most-once ExecNative activation.
type JobKey struct {
	InstanceID string
	Pc         uint32
}

// JobResult is what a ServiceTask execution returns to the VM: either
// a successful completion or a coded failure the error_route_map can
// route on.
type JobResult struct {
	Ok        bool
	ErrorCode *string
	Err       error
}

// JobPort executes a native task out-of-process (or in a worker pool)
// and reports completion asynchronously via the returned channel.
// Implementations must guarantee at-most-once delivery per JobKey —
// the VM drops any duplicate completion it observes.
type JobPort interface {
	Dispatch(ctx context.Context, key JobKey, taskType string) (<-chan JobResult, error)
}

// TimerPort arms a duration or deadline timer and delivers once on the
// returned channel when it fires. It does not re-arm.
type TimerPort interface {
	After(ctx context.Context, d time.Duration) (<-chan time.Time, error)
	At(ctx context.Context, deadline time.Time) (<-chan time.Time, error)
}

// MessagePort delivers externally-correlated messages (business
// messages or human task completions) to whichever wait is listening
// for (name, correlation key).
type MessagePort interface {
	// Await suspends until a message named name with the given
	// correlation key arrives, or ctx is cancelled.
	Await(ctx context.Context, name string, corrKey string) (<-chan Delivery, error)
	// Deliver is called by the inbound edge (webhook, human task UI,
	// whatever supplies external messages) to satisfy a pending Await.
	Deliver(ctx context.Context, name string, corrKey string, payload map[string]interface{}) error
}

// Delivery is the payload a MessagePort hands back to a satisfied wait.
type Delivery struct {
	Payload map[string]interface{}
}

// ReasoningService is the pluggable advisory backend the authoring
// pipeline's dry_run step consults for non-binding guidance — never a
// gate, never blocking.
type ReasoningService interface {
	Advise(ctx context.Context, prompt string) (string, error)
}

// Enricher augments a subject's attribute bag with derived or
// external values before context resolution reads it (e.g. third-party
// sanctions or KYC lookups). Enrichment is advisory: resolution
// proceeds with whatever the subject already knew if an Enricher fails.
type Enricher interface {
	Enrich(ctx context.Context, subjectKind string, known map[string]interface{}) (map[string]interface{}, error)
}
