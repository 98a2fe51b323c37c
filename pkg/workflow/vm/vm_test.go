package vm

import (
	"context"
	"testing"
	"time"

	"github.com/semregistry/kernel/pkg/ports"
	"github.com/semregistry/kernel/pkg/workflow/compiler"
	"github.com/semregistry/kernel/pkg/workflow/ir"
)

// fakeJobPort completes every job immediately and successfully, unless
// a taskType has an explicit override registered.
type fakeJobPort struct {
	overrides map[string]ports.JobResult
	delay     map[string]time.Duration
}

func newFakeJobPort() *fakeJobPort {
	return &fakeJobPort{overrides: map[string]ports.JobResult{}, delay: map[string]time.Duration{}}
}

func (f *fakeJobPort) Dispatch(ctx context.Context, key ports.JobKey, taskType string) (<-chan ports.JobResult, error) {
	ch := make(chan ports.JobResult, 1)
	result := ports.JobResult{Ok: true}
	if r, ok := f.overrides[taskType]; ok {
		result = r
	}
	delay := f.delay[taskType]
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		ch <- result
	}()
	return ch, nil
}

// fakeTimerPort fires after a fixed scale delay, whatever duration or
// deadline it is asked for.
type fakeTimerPort struct {
	scale time.Duration
}

func (f *fakeTimerPort) After(ctx context.Context, d time.Duration) (<-chan time.Time, error) {
	ch := make(chan time.Time, 1)
	go func() {
		select {
		case <-time.After(f.scale):
			ch <- time.Now()
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (f *fakeTimerPort) At(ctx context.Context, deadline time.Time) (<-chan time.Time, error) {
	return f.After(ctx, time.Until(deadline))
}

func linearProgram(t *testing.T) *compiler.CompiledProgram {
	t.Helper()
	g := ir.NewGraph()
	g.AddNode(ir.Node{ID: "start", Kind: ir.Start})
	g.AddNode(ir.Node{ID: "task1", Kind: ir.ServiceTask, TaskType: "create_case"})
	g.AddNode(ir.Node{ID: "end", Kind: ir.End})
	g.AddEdge(ir.Edge{ID: "f1", From: "start", To: "task1"})
	g.AddEdge(ir.Edge{ID: "f2", From: "task1", To: "end"})
	program, err := compiler.Lower(g)
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}
	return program
}

func TestInstanceRunsLinearProgramToCompletion(t *testing.T) {
	program := linearProgram(t)
	instance := NewInstance("inst-1", program, newFakeJobPort(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := instance.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestInstanceForkJoinWaitsForBothBranches(t *testing.T) {
	g := ir.NewGraph()
	g.AddNode(ir.Node{ID: "start", Kind: ir.Start})
	g.AddNode(ir.Node{ID: "fork1", Kind: ir.GatewayAnd, Direction: ir.Diverging})
	g.AddNode(ir.Node{ID: "task_a", Kind: ir.ServiceTask, TaskType: "do_a"})
	g.AddNode(ir.Node{ID: "task_b", Kind: ir.ServiceTask, TaskType: "do_b"})
	g.AddNode(ir.Node{ID: "join1", Kind: ir.GatewayAnd, Direction: ir.Converging})
	g.AddNode(ir.Node{ID: "end", Kind: ir.End})
	g.AddEdge(ir.Edge{ID: "f1", From: "start", To: "fork1"})
	g.AddEdge(ir.Edge{ID: "f2", From: "fork1", To: "task_a"})
	g.AddEdge(ir.Edge{ID: "f3", From: "fork1", To: "task_b"})
	g.AddEdge(ir.Edge{ID: "f4", From: "task_a", To: "join1"})
	g.AddEdge(ir.Edge{ID: "f5", From: "task_b", To: "join1"})
	g.AddEdge(ir.Edge{ID: "f6", From: "join1", To: "end"})
	program, err := compiler.Lower(g)
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}

	jobs := newFakeJobPort()
	jobs.delay["do_a"] = 5 * time.Millisecond
	jobs.delay["do_b"] = 15 * time.Millisecond
	instance := NewInstance("inst-2", program, jobs, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := instance.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestInstanceXorGatewayFollowsSeededFlag(t *testing.T) {
	g := ir.NewGraph()
	g.AddNode(ir.Node{ID: "start", Kind: ir.Start})
	g.AddNode(ir.Node{ID: "gw1", Kind: ir.GatewayXor})
	g.AddNode(ir.Node{ID: "task_a", Kind: ir.ServiceTask, TaskType: "do_a"})
	g.AddNode(ir.Node{ID: "task_b", Kind: ir.ServiceTask, TaskType: "do_b"})
	g.AddNode(ir.Node{ID: "end", Kind: ir.End})
	g.AddEdge(ir.Edge{ID: "f1", From: "start", To: "gw1"})
	g.AddEdge(ir.Edge{ID: "f2", From: "gw1", To: "task_a", Condition: &ir.Condition{FlagName: "approved", Op: ir.Eq, Literal: true}})
	g.AddEdge(ir.Edge{ID: "f3", From: "gw1", To: "task_b"})
	g.AddEdge(ir.Edge{ID: "f4", From: "task_a", To: "end"})
	g.AddEdge(ir.Edge{ID: "f5", From: "task_b", To: "end"})
	program, err := compiler.Lower(g)
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}

	var approvedKey compiler.FlagKey
	for _, k := range program.WriteSet["approved"] {
		approvedKey = k
	}

	jobs := newFakeJobPort()
	jobs.overrides["do_b"] = ports.JobResult{Ok: false, Err: errTestShouldNotRun}
	instance := NewInstance("inst-3", program, jobs, nil, nil)
	instance.SetFlag(approvedKey, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := instance.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v (approved=true should route to do_a, not the failing do_b)", err)
	}
}

var errTestShouldNotRun = &testError{"do_b must not run when approved=true"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestBoundaryTimerRaceResumesAtJobWhenJobWinsRace(t *testing.T) {
	g := ir.NewGraph()
	g.AddNode(ir.Node{ID: "start", Kind: ir.Start})
	g.AddNode(ir.Node{ID: "task1", Kind: ir.ServiceTask, TaskType: "await_docs"})
	g.AddNode(ir.Node{ID: "bt1", Kind: ir.BoundaryTimer, AttachedTo: "task1", Interrupting: true, Timer: ir.TimerSpec{Kind: ir.TimerDuration, Ms: 60000}})
	g.AddNode(ir.Node{ID: "escalate", Kind: ir.ServiceTask, TaskType: "escalate"})
	g.AddNode(ir.Node{ID: "end", Kind: ir.End})
	g.AddEdge(ir.Edge{ID: "f1", From: "start", To: "task1"})
	g.AddEdge(ir.Edge{ID: "f2", From: "task1", To: "end"})
	g.AddEdge(ir.Edge{ID: "f3", From: "bt1", To: "escalate"})
	g.AddEdge(ir.Edge{ID: "f4", From: "escalate", To: "end"})
	program, err := compiler.Lower(g)
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}

	jobs := newFakeJobPort()
	jobs.delay["await_docs"] = time.Millisecond
	// escalate must never run: the job should win the race comfortably
	// before the 60s timer, scaled to 50ms in this fake, ever fires.
	jobs.overrides["escalate"] = ports.JobResult{Ok: false, Err: errTestShouldNotRun}

	instance := NewInstance("inst-4", program, jobs, &fakeTimerPort{scale: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := instance.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v (job should win the boundary-timer race)", err)
	}
}

func TestBoundaryTimerRaceEscalatesWhenTimerWinsRace(t *testing.T) {
	g := ir.NewGraph()
	g.AddNode(ir.Node{ID: "start", Kind: ir.Start})
	g.AddNode(ir.Node{ID: "task1", Kind: ir.ServiceTask, TaskType: "await_docs"})
	g.AddNode(ir.Node{ID: "bt1", Kind: ir.BoundaryTimer, AttachedTo: "task1", Interrupting: true, Timer: ir.TimerSpec{Kind: ir.TimerDuration, Ms: 1}})
	g.AddNode(ir.Node{ID: "escalate", Kind: ir.ServiceTask, TaskType: "escalate"})
	g.AddNode(ir.Node{ID: "end", Kind: ir.End})
	g.AddEdge(ir.Edge{ID: "f1", From: "start", To: "task1"})
	g.AddEdge(ir.Edge{ID: "f2", From: "task1", To: "end"})
	g.AddEdge(ir.Edge{ID: "f3", From: "bt1", To: "escalate"})
	g.AddEdge(ir.Edge{ID: "f4", From: "escalate", To: "end"})
	program, err := compiler.Lower(g)
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}

	jobs := newFakeJobPort()
	// the docs job never completes within the test's timeout window,
	// so the 5ms-scaled timer must win.
	jobs.delay["await_docs"] = time.Hour

	instance := NewInstance("inst-5", program, jobs, &fakeTimerPort{scale: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := instance.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v (timer should win and escalate)", err)
	}
}

func TestBoundaryErrorRoutesToCoded(t *testing.T) {
	g := ir.NewGraph()
	g.AddNode(ir.Node{ID: "start", Kind: ir.Start})
	g.AddNode(ir.Node{ID: "task1", Kind: ir.ServiceTask, TaskType: "call_verifier"})
	code := "TIMEOUT"
	g.AddNode(ir.Node{ID: "be1", Kind: ir.BoundaryError, AttachedTo: "task1", ErrorCode: &code})
	g.AddNode(ir.Node{ID: "retry", Kind: ir.ServiceTask, TaskType: "retry"})
	g.AddNode(ir.Node{ID: "end", Kind: ir.End})
	g.AddEdge(ir.Edge{ID: "f1", From: "start", To: "task1"})
	g.AddEdge(ir.Edge{ID: "f2", From: "task1", To: "end"})
	g.AddEdge(ir.Edge{ID: "f3", From: "be1", To: "retry"})
	g.AddEdge(ir.Edge{ID: "f4", From: "retry", To: "end"})
	program, err := compiler.Lower(g)
	if err != nil {
		t.Fatalf("Lower() error = %v", err)
	}

	jobs := newFakeJobPort()
	jobs.overrides["call_verifier"] = ports.JobResult{Ok: false, ErrorCode: &code}
	instance := NewInstance("inst-6", program, jobs, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := instance.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want the coded error routed to retry", err)
	}
}

func TestUncodedErrorWithNoMatchingRoutePropagates(t *testing.T) {
	program := linearProgram(t)
	jobs := newFakeJobPort()
	jobs.overrides["create_case"] = ports.JobResult{Ok: false, Err: errTestShouldNotRun}
	instance := NewInstance("inst-7", program, jobs, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := instance.Run(ctx); err == nil {
		t.Fatalf("Run() error = nil, want an error (no boundary route for this host)")
	}
}
