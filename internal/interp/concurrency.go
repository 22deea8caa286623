package interp

import (
	"context"
	"time"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
)

func (in *Interpreter) opAwait(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	ref, ok := v.Ref().(task.Ref)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "await on non-task value"))
	}
	id := ref.ID()
	target, ok := in.Sched.Registry().Get(id)
	if !ok {
		push(t, value.Null)
		return rOK()
	}
	if target.Status().Terminal() {
		return in.deliverTaskOutcome(t, target)
	}
	return suspendWith(t, task.SuspendReason{Kind: task.SuspendAwaitTask, TargetID: id})
}

func (in *Interpreter) opWaitAll(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	n := int(readU16(fn, ip))
	vals, err := popN(t, n)
	if err != nil {
		return fail(t, err)
	}
	ids := make([]uint64, n)
	for i, v := range vals {
		ref, ok := v.Ref().(task.Ref)
		if !ok {
			return in.raise(t, vmerr.New(vmerr.KindTypeError, "wait_all on non-task value"))
		}
		ids[i] = ref.ID()
	}
	return in.resumeWaitAll(ctx, t, ids)
}

// opSleep pops a millisecond-count integer and suspends the task until that
// much time has elapsed (spec §4.4/§5). The scheduler's timer wheel, not
// the interpreter, owns the actual wait.
func (in *Interpreter) opSleep(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	if !v.IsNumeric() {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "sleep duration must be numeric"))
	}
	ms := v.AsFloat()
	if ms < 0 {
		ms = 0
	}
	deadline := time.Now().Add(time.Duration(ms * float64(time.Millisecond)))
	return suspendWith(t, task.SuspendReason{Kind: task.SuspendSleep, Deadline: deadline})
}

// opMutexLock never attempts the lock itself: it only constructs the
// suspend reason. The scheduler's finishSuspended performs the actual
// Lock attempt once the task is off the worker's stack, and immediately
// re-wakes the task if it acquired uncontended (spec §4.4).
func (in *Interpreter) opMutexLock(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	ref, ok := v.Ref().(syncx.Ref)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "mutex_lock on non-mutex value"))
	}
	return suspendWith(t, task.SuspendReason{Kind: task.SuspendAcquireMutex, TargetID: ref.ID()})
}

func (in *Interpreter) opMutexUnlock(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	ref, ok := v.Ref().(syncx.Ref)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "mutex_unlock on non-mutex value"))
	}
	m, ok := in.Mutexes.Get(ref.ID())
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "unlock of unknown mutex"))
	}
	newOwner, transferred, uerr := m.Unlock(t.ID)
	if uerr != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindNativeError, uerr))
	}
	t.ReleaseMutexRecord(ref.ID())
	if transferred {
		in.Sched.Wake(newOwner)
	}
	return rOK()
}

// opTaskCancel requests cooperative cancellation of a Running target, or
// transitions a Ready or Suspended target straight to Cancelled, releasing
// the mutexes it holds (spec §4.4:
// cancellation of a task that never started running never executes any of
// its bytecode).
func (in *Interpreter) opTaskCancel(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	ref, ok := v.Ref().(task.Ref)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "task_cancel on non-task value"))
	}
	target, ok := in.Sched.Registry().Get(ref.ID())
	if !ok {
		return rOK()
	}
	switch target.Status() {
	case task.StatusRunning:
		target.RequestCancel()
	case task.StatusReady, task.StatusSuspended:
		if target.TryTransition(target.Status(), task.StatusCancelled) {
			in.releaseExcessMutexes(target, 0)
			for _, awaiterID := range target.Cancel() {
				in.Sched.Wake(awaiterID)
			}
		}
	}
	return rOK()
}
