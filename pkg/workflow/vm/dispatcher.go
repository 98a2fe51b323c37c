package vm

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/semregistry/kernel/pkg/ports"
	"github.com/semregistry/kernel/pkg/workflow/compiler"
)

// Dispatcher multiplexes many workflow instances onto a bounded pool —
// the "small pool" the VM dispatcher's one-logical-task-per-instance
// model is multiplexed over.
type Dispatcher struct {
	sem   *semaphore.Weighted
	Job   ports.JobPort
	Timer ports.TimerPort
	Msg   ports.MessagePort
}

// NewDispatcher builds a Dispatcher that runs at most maxConcurrent
// instances at once.
func NewDispatcher(maxConcurrent int64, job ports.JobPort, timer ports.TimerPort, msg ports.MessagePort) *Dispatcher {
	return &Dispatcher{sem: semaphore.NewWeighted(maxConcurrent), Job: job, Timer: timer, Msg: msg}
}

// Start acquires a dispatcher slot and runs program as instanceID,
// blocking until the instance completes, is cancelled, or ctx is
// done. The slot is released before Start returns.
func (d *Dispatcher) Start(ctx context.Context, instanceID string, program *compiler.CompiledProgram) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	instance := NewInstance(instanceID, program, d.Job, d.Timer, d.Msg)
	return instance.Run(ctx)
}

// StartMany runs every instance concurrently, subject to the
// dispatcher's pool bound, and returns the first error encountered (if
// any) after every instance has finished.
func (d *Dispatcher) StartMany(ctx context.Context, instances map[string]*compiler.CompiledProgram) error {
	g, gctx := errgroup.WithContext(ctx)
	for id, program := range instances {
		id, program := id, program
		g.Go(func() error { return d.Start(gctx, id, program) })
	}
	return g.Wait()
}
