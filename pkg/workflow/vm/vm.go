// Package vm executes a compiler.CompiledProgram: one cooperative,
// single-threaded-per-token dispatcher per workflow instance, with
// Fork/Join/ForkInclusive/JoinDynamic branching, boundary-timer races,
// and error-route dispatch.
package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/ports"
	"github.com/semregistry/kernel/pkg/shared/telemetry"
	"github.com/semregistry/kernel/pkg/workflow/compiler"
)

// joinCounter tracks arrivals at one Join or JoinDynamic.
type joinCounter struct {
	expected uint16
	arrived  uint16
}

// Instance is one running workflow: an immutable program plus the
// mutable state a single execution accrues. Instances are fully
// isolated — registers, flags, and joins never cross instance
// boundaries, matching the dispatcher's one-logical-task-per-instance
// model.
type Instance struct {
	ID      string
	Program *compiler.CompiledProgram

	Job   ports.JobPort
	Timer ports.TimerPort
	Msg   ports.MessagePort

	mu        sync.Mutex
	flags     map[compiler.FlagKey]bool
	registers map[uint8]string
	joins     map[compiler.JoinID]*joinCounter
	claimed   map[ports.JobKey]bool
	cancel    context.CancelFunc
}

// NewInstance builds an instance ready to Run. Ports may be nil only
// for programs that never reach the corresponding instruction kind;
// Run returns an Internal error if one is needed and absent.
func NewInstance(id string, program *compiler.CompiledProgram, job ports.JobPort, timer ports.TimerPort, msg ports.MessagePort) *Instance {
	return &Instance{
		ID: id, Program: program, Job: job, Timer: timer, Msg: msg,
		flags:     make(map[compiler.FlagKey]bool),
		registers: make(map[uint8]string),
		joins:     make(map[compiler.JoinID]*joinCounter),
		claimed:   make(map[ports.JobKey]bool),
	}
}

// SetFlag seeds a flag value before Run — the compiler's write_set
// documents which flag names a given program ever branches on.
func (i *Instance) SetFlag(key compiler.FlagKey, value bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.flags[key] = value
}

// SetRegister seeds a correlation register (e.g. a case id a
// MessageWait/HumanWait will correlate on) before Run.
func (i *Instance) SetRegister(reg uint8, value string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.registers[reg] = value
}

// Run drives the instance from its Start address to completion. It
// returns when every token has reached an End, or the whole instance
// was cancelled by EndTerminate or ctx.
func (i *Instance) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
	defer cancel()

	err := i.runToken(ctx, 0)
	if err == errTerminated {
		return nil
	}
	return err
}

// errTerminated signals EndTerminate unwound the call stack; Run
// treats it as a clean stop, not a failure.
var errTerminated = kernelerr.New(kernelerr.Cancelled, "instance terminated")

func (i *Instance) getFlag(key compiler.FlagKey) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.flags[key]
}

func (i *Instance) setFlagLocked(key compiler.FlagKey, v bool) {
	i.mu.Lock()
	i.flags[key] = v
	i.mu.Unlock()
}

// arrive registers one arrival at a join and reports whether this
// arrival completed it (in which case the caller — the last token to
// arrive — continues execution at the join's resume address; every
// other arriving token stops here).
func (i *Instance) arrive(id compiler.JoinID, expected uint16) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.joins[id]
	if !ok {
		c = &joinCounter{expected: expected}
		i.joins[id] = c
	}
	c.arrived++
	if c.arrived > c.expected {
		// A late arrival past the expected count is a defect in the
		// program's fork/join pairing, not a runtime race — every
		// legitimate arrival is accounted for by the fork that spawned it.
		return false
	}
	done := c.arrived == c.expected
	if done {
		delete(i.joins, id)
	}
	return done
}

// seedDynamicJoin records how many branches a ForkInclusive actually
// activated, so the paired JoinDynamic knows its expected count.
func (i *Instance) seedDynamicJoin(id compiler.JoinID, expected uint16) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.joins[id] = &joinCounter{expected: expected}
}

func (i *Instance) dynamicJoinExpected(id compiler.JoinID) uint16 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.joins[id]; ok {
		return c.expected
	}
	return 0
}

// claimJob enforces at-most-once job scheduling keyed by
// (instance_id, pc): a second claim of the same key reports false, and
// execNative then fails with an Internal error instead of dispatching
// the job again.
func (i *Instance) claimJob(key ports.JobKey) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.claimed[key] {
		return false
	}
	i.claimed[key] = true
	return true
}

// runToken executes one token (a single thread of control through the
// program) starting at pc, returning when it reaches End, is absorbed
// into a Join that isn't yet complete, or the instance terminates.
func (i *Instance) runToken(ctx context.Context, pc compiler.Addr) error {
	var stackTop bool
	for {
		select {
		case <-ctx.Done():
			return kernelerr.Wrap(kernelerr.Cancelled, "instance cancelled", ctx.Err())
		default:
		}

		if int(pc) >= len(i.Program.Instructions) {
			return kernelerr.Newf(kernelerr.Internal, "pc %d out of bounds (program has %d instructions)", pc, len(i.Program.Instructions))
		}
		instr := i.Program.Instructions[pc]
		telemetry.VMInstructionsTotal.WithLabelValues(fmt.Sprintf("%T", instr)).Inc()

		switch v := instr.(type) {
		case compiler.Jump:
			pc = v.Target

		case compiler.End:
			return nil

		case compiler.EndTerminate:
			i.terminateAll()
			return errTerminated

		case compiler.LoadFlag:
			stackTop = i.getFlag(v.Key)
			pc++

		case compiler.BrIf:
			if stackTop {
				pc = v.Target
			} else {
				pc++
			}

		case compiler.BrIfNot:
			if !stackTop {
				pc = v.Target
			} else {
				pc++
			}

		case compiler.ExecNative:
			next, err := i.execNative(ctx, pc, v)
			if err != nil {
				return err
			}
			pc = next

		case compiler.Fork:
			g, gctx := errgroup.WithContext(ctx)
			for _, target := range v.Targets {
				target := target
				g.Go(func() error { return i.runToken(gctx, target) })
			}
			return g.Wait()

		case compiler.Join:
			if i.arrive(v.ID, v.Expected) {
				pc = v.Next
			} else {
				return nil
			}

		case compiler.ForkInclusive:
			targets := i.activateInclusiveBranches(v)
			i.seedDynamicJoin(v.JoinID, uint16(len(targets)))
			if len(targets) == 0 {
				return nil
			}
			g, gctx := errgroup.WithContext(ctx)
			for _, target := range targets {
				target := target
				g.Go(func() error { return i.runToken(gctx, target) })
			}
			return g.Wait()

		case compiler.JoinDynamic:
			expected := i.dynamicJoinExpected(v.ID)
			if i.arrive(v.ID, expected) {
				pc = v.Next
			} else {
				return nil
			}

		case compiler.WaitFor:
			if err := i.waitDuration(ctx, time.Duration(v.Ms)*time.Millisecond); err != nil {
				return err
			}
			pc++

		case compiler.WaitUntil:
			if err := i.waitDeadline(ctx, v.DeadlineMs); err != nil {
				return err
			}
			pc++

		case compiler.WaitMsg:
			if err := i.waitMsg(ctx, v); err != nil {
				return err
			}
			pc++

		default:
			return kernelerr.Newf(kernelerr.Internal, "unknown instruction %T at pc %d", instr, pc)
		}
	}
}

func (i *Instance) terminateAll() {
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// activateInclusiveBranches evaluates each branch's condition flag
// (nil means unconditional) and returns the activated targets.
func (i *Instance) activateInclusiveBranches(fork compiler.ForkInclusive) []compiler.Addr {
	var targets []compiler.Addr
	for _, b := range fork.Branches {
		if b.ConditionFlag == nil || i.getFlag(*b.ConditionFlag) {
			targets = append(targets, b.Target)
		}
	}
	if len(targets) == 0 && fork.DefaultTarget != nil {
		targets = append(targets, *fork.DefaultTarget)
	}
	return targets
}

func (i *Instance) waitDuration(ctx context.Context, d time.Duration) error {
	if i.Timer == nil {
		return kernelerr.New(kernelerr.Internal, "program needs a TimerPort but none was configured")
	}
	ch, err := i.Timer.After(ctx, d)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "arm timer", err)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return kernelerr.Wrap(kernelerr.Cancelled, "wait cancelled", ctx.Err())
	}
}

func (i *Instance) waitDeadline(ctx context.Context, deadlineMs int64) error {
	if i.Timer == nil {
		return kernelerr.New(kernelerr.Internal, "program needs a TimerPort but none was configured")
	}
	ch, err := i.Timer.At(ctx, time.UnixMilli(deadlineMs))
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "arm deadline", err)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return kernelerr.Wrap(kernelerr.Cancelled, "wait cancelled", ctx.Err())
	}
}

func (i *Instance) waitMsg(ctx context.Context, w compiler.WaitMsg) error {
	if i.Msg == nil {
		return kernelerr.New(kernelerr.Internal, "program needs a MessagePort but none was configured")
	}
	entry := i.Program.WaitPlan[w.WaitID]
	name := i.flagName(entry.Name)
	i.mu.Lock()
	corrKey := i.registers[w.CorrReg]
	i.mu.Unlock()

	ch, err := i.Msg.Await(ctx, name, corrKey)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "await message", err)
	}
	select {
	case delivery := <-ch:
		if v, ok := delivery.Payload["_value"].(string); ok {
			i.SetRegister(w.CorrReg, v)
		}
		return nil
	case <-ctx.Done():
		return kernelerr.Wrap(kernelerr.Cancelled, "wait cancelled", ctx.Err())
	}
}

// flagName reverses the compiler's flag interning for the one call
// site (MessagePort.Await) that needs the original name rather than
// the interned key.
func (i *Instance) flagName(key compiler.FlagKey) string {
	for name, keys := range i.Program.WriteSet {
		for _, k := range keys {
			if k == key {
				return name
			}
		}
	}
	return ""
}
