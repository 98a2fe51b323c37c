package vm

import (
	"context"
	"time"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/ports"
	"github.com/semregistry/kernel/pkg/workflow/compiler"
)

// execNative runs one ServiceTask activation. If the host has an
// attached BoundaryTimer, the job races against the timer; otherwise
// it simply awaits completion. The return value is the address
// execution resumes at.
func (i *Instance) execNative(ctx context.Context, pc compiler.Addr, instr compiler.ExecNative) (compiler.Addr, error) {
	if i.Job == nil {
		return 0, kernelerr.New(kernelerr.Internal, "program needs a JobPort but none was configured")
	}
	key := ports.JobKey{InstanceID: i.ID, Pc: uint32(pc)}
	if !i.claimJob(key) {
		return 0, kernelerr.Newf(kernelerr.Internal, "duplicate job claim at pc %d", pc)
	}

	taskType := ""
	if int(instr.TaskType) < len(i.Program.TaskManifest) {
		taskType = i.Program.TaskManifest[instr.TaskType]
	}
	resultCh, err := i.Job.Dispatch(ctx, key, taskType)
	if err != nil {
		return 0, kernelerr.Wrapf(kernelerr.Internal, err, "dispatch job at pc %d", pc)
	}

	if raceID, ok := i.Program.BoundaryMap[pc]; ok {
		return i.runRace(ctx, raceID, pc, resultCh)
	}

	normalNext := pc + 1
	select {
	case res := <-resultCh:
		if res.Ok {
			return normalNext, nil
		}
		if addr, ok := i.routeError(pc, res.ErrorCode); ok {
			return addr, nil
		}
		return 0, jobError(res)
	case <-ctx.Done():
		return 0, kernelerr.Wrap(kernelerr.Cancelled, "job wait cancelled", ctx.Err())
	}
}

func jobError(res ports.JobResult) error {
	if res.Err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "job failed", res.Err)
	}
	code := "unknown"
	if res.ErrorCode != nil {
		code = *res.ErrorCode
	}
	return kernelerr.Newf(kernelerr.Internal, "job failed with uncaught error code %q", code)
}

// routeError consults the error_route_map for host address pc,
// returning the first route matching code (the catch-all, code=nil,
// sorted last, matches any code).
func (i *Instance) routeError(pc compiler.Addr, code *string) (compiler.Addr, bool) {
	routes, ok := i.Program.ErrorRouteMap[pc]
	if !ok {
		return 0, false
	}
	for _, r := range routes {
		if r.Code == nil {
			return r.ResumeAt, true
		}
		if code != nil && *r.Code == *code {
			return r.ResumeAt, true
		}
	}
	return 0, false
}

type raceOutcome struct {
	resumeAt compiler.Addr
	err      error
}

// runRace resolves a boundary-timer race: the host job completing
// normally (or failing with a routable error) against the attached
// timer firing. The first arm to fire wins; every other arm is
// cancelled via ctx.
func (i *Instance) runRace(parentCtx context.Context, raceID compiler.RaceID, execAddr compiler.Addr, jobCh <-chan ports.JobResult) (compiler.Addr, error) {
	entry := i.Program.RacePlan[raceID]
	raceCtx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	out := make(chan raceOutcome, len(entry.Arms))
	for _, arm := range entry.Arms {
		switch a := arm.(type) {
		case compiler.InternalArm:
			go i.raceInternalArm(raceCtx, execAddr, a, jobCh, out)
		case compiler.TimerArm:
			go i.raceTimerArm(raceCtx, a, out)
		case compiler.DeadlineArm:
			go i.raceDeadlineArm(raceCtx, a, out)
		}
	}

	select {
	case outcome := <-out:
		return outcome.resumeAt, outcome.err
	case <-parentCtx.Done():
		return 0, kernelerr.Wrap(kernelerr.Cancelled, "race cancelled", parentCtx.Err())
	}
}

func (i *Instance) raceInternalArm(ctx context.Context, execAddr compiler.Addr, arm compiler.InternalArm, jobCh <-chan ports.JobResult, out chan<- raceOutcome) {
	select {
	case res := <-jobCh:
		if res.Ok {
			send(out, raceOutcome{resumeAt: arm.ResumeAt})
			return
		}
		if addr, ok := i.routeError(execAddr, res.ErrorCode); ok {
			send(out, raceOutcome{resumeAt: addr})
			return
		}
		send(out, raceOutcome{err: jobError(res)})
	case <-ctx.Done():
	}
}

func (i *Instance) raceTimerArm(ctx context.Context, arm compiler.TimerArm, out chan<- raceOutcome) {
	if i.Timer == nil {
		return
	}
	fires := 1
	if arm.Cycle != nil {
		fires = arm.Cycle.MaxFires
		if fires <= 0 {
			fires = 1
		}
	}
	for n := 0; n < fires; n++ {
		ch, err := i.Timer.After(ctx, time.Duration(arm.DurationMs)*time.Millisecond)
		if err != nil {
			return
		}
		select {
		case <-ch:
			send(out, raceOutcome{resumeAt: arm.ResumeAt})
			return
		case <-ctx.Done():
			return
		}
	}
}

func (i *Instance) raceDeadlineArm(ctx context.Context, arm compiler.DeadlineArm, out chan<- raceOutcome) {
	if i.Timer == nil {
		return
	}
	ch, err := i.Timer.At(ctx, time.UnixMilli(arm.DeadlineMs))
	if err != nil {
		return
	}
	select {
	case <-ch:
		send(out, raceOutcome{resumeAt: arm.ResumeAt})
	case <-ctx.Done():
	}
}

func send(out chan<- raceOutcome, o raceOutcome) {
	select {
	case out <- o:
	default:
	}
}
