// Package interp implements the flat-switch bytecode interpreter of spec
// §4.6: one Interpreter.Run call executes a single task until it suspends,
// terminates, or is preempted at a safepoint, satisfying
// scheduler.Executor. Grounded on the teacher's eventloop dispatch loop
// (a single hot for-select over a tagged union of actions) generalized
// from callback dispatch to bytecode opcode dispatch.
package interp

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/config"
	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/ioreactor"
	"github.com/joeycumines/corevm/internal/native"
	"github.com/joeycumines/corevm/internal/safepoint"
	"github.com/joeycumines/corevm/internal/scheduler"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
	"github.com/joeycumines/corevm/internal/vmlog"
)

// Interpreter is the execution core's instruction dispatcher. It implements
// scheduler.Executor. Sched is set once, after the Scheduler it will be
// wired into is constructed (New(Scheduler) needs the Executor argument
// before the Executor itself can hold a scheduler reference back).
type Interpreter struct {
	Module   *bytecode.Module
	Heap     *heap.Heap
	Classes  *heap.ClassRegistry
	Globals  *heap.Globals
	Mutexes  *syncx.Registry
	Channels *syncx.ChannelRegistry
	Natives  *native.Registry
	Coord    *safepoint.Coordinator
	Cfg      config.Config
	Log      *vmlog.Logger

	Sched *scheduler.Scheduler
}

// New constructs an Interpreter. Call SetScheduler once the owning
// Scheduler exists.
func New(mod *bytecode.Module, h *heap.Heap, classes *heap.ClassRegistry, globals *heap.Globals, mutexes *syncx.Registry, channels *syncx.ChannelRegistry, natives *native.Registry, coord *safepoint.Coordinator, cfg config.Config, log *vmlog.Logger) *Interpreter {
	if log == nil {
		log = vmlog.Nop()
	}
	return &Interpreter{
		Module:   mod,
		Heap:     h,
		Classes:  classes,
		Globals:  globals,
		Mutexes:  mutexes,
		Channels: channels,
		Natives:  natives,
		Coord:    coord,
		Cfg:      cfg,
		Log:      log,
	}
}

// SetScheduler completes the wiring cycle between the Scheduler (which
// needs an Executor at construction time) and the Interpreter (which needs
// the Scheduler back, to spawn tasks and wake waiters).
func (in *Interpreter) SetScheduler(s *scheduler.Scheduler) { in.Sched = s }

func (in *Interpreter) function(id uint32) (*bytecode.Function, *vmerr.VMError) {
	fn, ok := in.Module.FunctionByID(id)
	if !ok {
		return nil, vmerr.Trap(vmerr.KindInvalidOpcode, fmt.Sprintf("unknown function id %d", id))
	}
	return fn, nil
}

// stepResult is what one opcode's handler reports back to Run.
type stepResult struct {
	jumped   bool // the handler already set t.IP; Run must not overwrite it
	suspend  bool
	terminal bool
	preempt  bool
}

func rOK() stepResult      { return stepResult{} }
func rJumped() stepResult  { return stepResult{jumped: true} }
func rSuspend() stepResult { return stepResult{suspend: true} }
func rPreempt() stepResult { return stepResult{preempt: true} }
func rTerminal() stepResult { return stepResult{terminal: true} }

// suspendWith parks t with reason and reports Suspended. Per the scheduler
// contract (spec §4.4), the Executor — not the scheduler — performs the
// Running->Suspended transition before returning OutcomeSuspended.
func suspendWith(t *task.Task, reason task.SuspendReason) stepResult {
	t.Reason = reason
	t.TryTransition(task.StatusRunning, task.StatusSuspended)
	return rSuspend()
}

// fail fails t with a fatal trap (invalid opcode, stack underflow) that
// bypasses the handler-stack unwind entirely, per spec §7.
func fail(t *task.Task, err error) stepResult {
	t.Fail(err)
	return rTerminal()
}

func push(t *task.Task, v value.Value) { t.OperandStack = append(t.OperandStack, v) }

func pop(t *task.Task) (value.Value, error) {
	n := len(t.OperandStack)
	if n == 0 {
		return value.Value{}, vmerr.Trap(vmerr.KindStackUnderflow, "pop from empty operand stack")
	}
	v := t.OperandStack[n-1]
	t.OperandStack = t.OperandStack[:n-1]
	return v, nil
}

func peek(t *task.Task) (value.Value, error) {
	n := len(t.OperandStack)
	if n == 0 {
		return value.Value{}, vmerr.Trap(vmerr.KindStackUnderflow, "peek on empty operand stack")
	}
	return t.OperandStack[n-1], nil
}

// popN pops n values off the top of the stack, returning them in their
// original (bottom-to-top / left-to-right push) order.
func popN(t *task.Task, n int) ([]value.Value, error) {
	if len(t.OperandStack) < n {
		return nil, vmerr.Trap(vmerr.KindStackUnderflow, "insufficient operands")
	}
	start := len(t.OperandStack) - n
	args := append([]value.Value(nil), t.OperandStack[start:]...)
	t.OperandStack = t.OperandStack[:start]
	return args, nil
}

func readU8(fn *bytecode.Function, ip *uint32) uint8 {
	b := fn.Code[*ip]
	*ip++
	return b
}

func readU16(fn *bytecode.Function, ip *uint32) uint16 {
	v := binary.LittleEndian.Uint16(fn.Code[*ip:])
	*ip += 2
	return v
}

func readU32(fn *bytecode.Function, ip *uint32) uint32 {
	v := binary.LittleEndian.Uint32(fn.Code[*ip:])
	*ip += 4
	return v
}

func readI32(fn *bytecode.Function, ip *uint32) int32 { return int32(readU32(fn, ip)) }

// exceptionValue converts a non-fatal VMError into the Value a catch
// handler observes. The language has no dedicated error-object layout in
// this core (spec's class/instance machinery is host-defined), so internal
// traps surface as plain strings; user `throw` always carries whatever
// Value the program constructed.
func exceptionValue(err *vmerr.VMError) value.Value {
	return value.String(value.NewString(err.Error()))
}

// Run executes t until it suspends, terminates, or is preempted,
// implementing scheduler.Executor.
func (in *Interpreter) Run(ctx context.Context, t *task.Task) scheduler.Outcome {
	if res := in.resume(ctx, t); res.suspend {
		return scheduler.OutcomeSuspended
	} else if res.terminal {
		return scheduler.OutcomeTerminal
	}

	var sinceSafepoint uint32
	for {
		if t.CancelPending() {
			t.ClearCancel()
			if !t.CancelUnwinding {
				t.CancelUnwinding = true
				if res := in.beginCancelUnwind(t); res.terminal {
					return scheduler.OutcomeTerminal
				}
				continue
			}
		}
		if len(t.Frames) == 0 {
			t.Complete(value.Null)
			return scheduler.OutcomeTerminal
		}

		frame := &t.Frames[len(t.Frames)-1]
		fn, ferr := in.function(frame.FunctionID)
		if ferr != nil {
			t.Fail(ferr)
			return scheduler.OutcomeTerminal
		}

		ip := t.IP
		if int(ip) >= len(fn.Code) {
			t.Fail(vmerr.Trap(vmerr.KindStackUnderflow, "instruction pointer past function end"))
			return scheduler.OutcomeTerminal
		}
		op := bytecode.Op(fn.Code[ip])
		ip++
		if !op.Valid() {
			t.Fail(vmerr.Trap(vmerr.KindInvalidOpcode, fmt.Sprintf("opcode %d", fn.Code[t.IP])))
			return scheduler.OutcomeTerminal
		}

		res := in.step(ctx, t, frame, fn, op, &ip)
		if !res.jumped {
			t.IP = ip
		}

		switch {
		case res.suspend:
			return scheduler.OutcomeSuspended
		case res.terminal:
			return scheduler.OutcomeTerminal
		case res.preempt:
			return scheduler.OutcomePreempted
		}

		if t.PreemptRequested() {
			return scheduler.OutcomePreempted
		}
		sinceSafepoint++
		if sinceSafepoint >= in.Cfg.SafepointInstrCount {
			sinceSafepoint = 0
			in.Coord.PollPoint(ctx)
			if t.PreemptRequested() {
				return scheduler.OutcomePreempted
			}
		}
	}
}

// resume delivers the result of a just-completed suspension (spec §4.4)
// before normal dispatch continues: a channel receive's payload, an
// awaited task's result, a native I/O completion, or (for WaitAll) a
// re-check of the full target set.
func (in *Interpreter) resume(ctx context.Context, t *task.Task) stepResult {
	reason := t.Reason
	if reason.Kind == task.SuspendNone {
		return rOK()
	}
	t.Reason = task.SuspendReason{}

	switch reason.Kind {
	case task.SuspendAwaitTask:
		if len(reason.Targets) > 0 {
			return in.resumeWaitAll(ctx, t, reason.Targets)
		}
		return in.pushAwaitResult(t, reason.TargetID)

	case task.SuspendChannelOp:
		if reason.IsSend {
			push(t, value.Null)
		} else {
			push(t, reason.Payload)
		}
		return rOK()

	case task.SuspendNativeIO:
		req, ok := reason.IORequest.(*ioreactor.Request)
		if !ok {
			push(t, value.Null)
			return rOK()
		}
		c := req.Result()
		if c.Err != nil {
			return in.raise(t, vmerr.Wrap(vmerr.KindNativeError, c.Err))
		}
		push(t, c.Value)
		return rOK()

	case task.SuspendAcquireMutex:
		// The scheduler records an uncontended acquisition; a handoff from
		// Unlock only sets the mutex's owner, so record it here.
		if m, ok := in.Mutexes.Get(reason.TargetID); ok {
			if owner, has := m.Owner(); has && owner == t.ID {
				t.HoldMutex(reason.TargetID)
			}
		}
		return rOK()

	default:
		// SuspendSleep: nothing to deliver, the deadline fired.
		return rOK()
	}
}

func (in *Interpreter) pushAwaitResult(t *task.Task, targetID uint64) stepResult {
	target, ok := in.Sched.Registry().Get(targetID)
	if !ok {
		push(t, value.Null)
		return rOK()
	}
	return in.deliverTaskOutcome(t, target)
}

func (in *Interpreter) deliverTaskOutcome(t *task.Task, target *task.Task) stepResult {
	switch target.Status() {
	case task.StatusCompleted:
		push(t, target.Result)
		return rOK()
	case task.StatusFailed:
		msg := "task failed"
		if target.Err != nil {
			msg = target.Err.Error()
		}
		return in.raise(t, vmerr.New(vmerr.KindNativeError, msg))
	case task.StatusCancelled:
		return in.raise(t, vmerr.New(vmerr.KindCancellation, "awaited task was cancelled"))
	default:
		push(t, value.Null)
		return rOK()
	}
}

func (in *Interpreter) resumeWaitAll(ctx context.Context, t *task.Task, targets []uint64) stepResult {
	results := make([]value.Value, len(targets))
	for i, id := range targets {
		target, ok := in.Sched.Registry().Get(id)
		if !ok || !target.Status().Terminal() {
			return suspendWith(t, task.SuspendReason{Kind: task.SuspendAwaitTask, Targets: targets})
		}
		results[i] = target.Result
	}
	arr := heap.NewArray(results...)
	obj, err := in.Heap.Alloc(ctx, arr)
	if err != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, err))
	}
	push(t, value.Array(obj))
	return rOK()
}

// raise routes a VMError through the handler-stack unwind, or straight to
// task.Fail if it is fatal (spec §7).
func (in *Interpreter) raise(t *task.Task, err *vmerr.VMError) stepResult {
	if err.Fatal {
		return fail(t, err)
	}
	return in.throwValue(t, exceptionValue(err))
}

// step dispatches a single opcode. ip has already advanced past the
// opcode byte; handlers that read operands advance it further themselves.
func (in *Interpreter) step(ctx context.Context, t *task.Task, frame *task.Frame, fn *bytecode.Function, op bytecode.Op, ip *uint32) stepResult {
	start := *ip - 1 // the opcode's own offset, for backward-branch safepoints

	switch op {
	case bytecode.OpNop:
		return rOK()
	case bytecode.OpPop:
		if _, err := pop(t); err != nil {
			return fail(t, err)
		}
		return rOK()
	case bytecode.OpDup:
		v, err := peek(t)
		if err != nil {
			return fail(t, err)
		}
		push(t, v)
		return rOK()
	case bytecode.OpSwap:
		vs, err := popN(t, 2)
		if err != nil {
			return fail(t, err)
		}
		push(t, vs[1])
		push(t, vs[0])
		return rOK()

	case bytecode.OpPushNull:
		push(t, value.Null)
		return rOK()
	case bytecode.OpPushTrue:
		push(t, value.Bool(true))
		return rOK()
	case bytecode.OpPushFalse:
		push(t, value.Bool(false))
		return rOK()
	case bytecode.OpPushInt:
		idx := readU32(fn, ip)
		push(t, value.Int(fn.Constants[idx].Int))
		return rOK()
	case bytecode.OpPushFloat:
		idx := readU32(fn, ip)
		push(t, value.Float(fn.Constants[idx].Flt))
		return rOK()
	case bytecode.OpPushStr:
		idx := readU32(fn, ip)
		push(t, value.String(value.NewString(fn.Constants[idx].Str)))
		return rOK()

	case bytecode.OpLoadLocal:
		slot := readU16(fn, ip)
		push(t, t.OperandStack[frame.LocalBase+int(slot)])
		return rOK()
	case bytecode.OpStoreLocal:
		slot := readU16(fn, ip)
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		t.OperandStack[frame.LocalBase+int(slot)] = v
		return rOK()
	case bytecode.OpLoadGlobal:
		idx := readU32(fn, ip)
		push(t, in.Globals.Get(idx))
		return rOK()
	case bytecode.OpStoreGlobal:
		idx := readU32(fn, ip)
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		in.Globals.Set(idx, v)
		return rOK()

	case bytecode.OpIAdd, bytecode.OpISub, bytecode.OpIMul, bytecode.OpIDiv, bytecode.OpIMod:
		return in.intBinOp(t, op)
	case bytecode.OpINeg:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.Int(-v.Int()))
		return rOK()

	case bytecode.OpFAdd, bytecode.OpFSub, bytecode.OpFMul, bytecode.OpFDiv, bytecode.OpFMod:
		return in.floatBinOp(t, op)
	case bytecode.OpFNeg:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.Float(-v.Float()))
		return rOK()

	case bytecode.OpIEq, bytecode.OpINe, bytecode.OpILt, bytecode.OpILe, bytecode.OpIGt, bytecode.OpIGe:
		return in.intCmp(t, op)
	case bytecode.OpFEq, bytecode.OpFNe, bytecode.OpFLt, bytecode.OpFLe, bytecode.OpFGt, bytecode.OpFGe:
		return in.floatCmp(t, op)
	case bytecode.OpSEq, bytecode.OpSNe, bytecode.OpSLt, bytecode.OpSLe, bytecode.OpSGt, bytecode.OpSGe:
		return in.strCmp(t, op)
	case bytecode.OpStrictEq:
		vs, err := popN(t, 2)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.Bool(vs[0].StrictEqual(vs[1])))
		return rOK()
	case bytecode.OpLooseEq:
		vs, err := popN(t, 2)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.Bool(vs[0].Equal(vs[1])))
		return rOK()

	case bytecode.OpNot:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.Bool(!v.Truthy()))
		return rOK()

	case bytecode.OpJump:
		off := readI32(fn, ip)
		return in.doJump(ctx, t, start, off)
	case bytecode.OpJumpIfTrue:
		off := readI32(fn, ip)
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		if v.Truthy() {
			return in.doJump(ctx, t, start, off)
		}
		return rOK()
	case bytecode.OpJumpIfFalse:
		off := readI32(fn, ip)
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		if !v.Truthy() {
			return in.doJump(ctx, t, start, off)
		}
		return rOK()
	case bytecode.OpJumpIfNull:
		off := readI32(fn, ip)
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		if v.IsNull() {
			return in.doJump(ctx, t, start, off)
		}
		return rOK()
	case bytecode.OpJumpIfNotNull:
		off := readI32(fn, ip)
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		if !v.IsNull() {
			return in.doJump(ctx, t, start, off)
		}
		return rOK()

	case bytecode.OpReturnValue:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		return in.doReturn(ctx, t, v, true)
	case bytecode.OpReturnVoid:
		return in.doReturn(ctx, t, value.Null, false)

	case bytecode.OpCallStatic:
		return in.opCallStatic(ctx, t, fn, ip)
	case bytecode.OpCallClosure:
		return in.opCallClosure(ctx, t, fn, ip)
	case bytecode.OpCallMethod:
		return in.opCallMethod(ctx, t, fn, ip)
	case bytecode.OpCallCtor:
		return in.opCallCtor(ctx, t, fn, ip)
	case bytecode.OpCallSuper:
		return in.opCallSuper(ctx, t, fn, ip)

	case bytecode.OpMakeClosure:
		return in.opMakeClosure(ctx, t, fn, ip)
	case bytecode.OpLoadCapture:
		return in.opLoadCapture(t, frame, fn, ip)
	case bytecode.OpStoreCapture:
		return in.opStoreCapture(t, frame, fn, ip)
	case bytecode.OpMakeCell:
		return in.opMakeCell(ctx, t)
	case bytecode.OpLoadCell:
		return in.opLoadCell(t)
	case bytecode.OpStoreCell:
		return in.opStoreCell(t)

	case bytecode.OpNewObject:
		return in.opNewObject(ctx, t, fn, ip)
	case bytecode.OpLoadField:
		return in.opLoadField(t, fn, ip, false)
	case bytecode.OpLoadFieldOpt:
		return in.opLoadField(t, fn, ip, true)
	case bytecode.OpStoreField:
		return in.opStoreField(t, fn, ip)
	case bytecode.OpObjectLiteral:
		return in.opObjectLiteral(ctx, t, fn, ip)

	case bytecode.OpNewArray:
		return in.opNewArray(ctx, t, fn, ip)
	case bytecode.OpLoadElem:
		return in.opLoadElem(t)
	case bytecode.OpStoreElem:
		return in.opStoreElem(t)
	case bytecode.OpArrayLen:
		return in.opArrayLen(t)
	case bytecode.OpArrayPush:
		return in.opArrayPush(t)
	case bytecode.OpArrayPop:
		return in.opArrayPop(t)
	case bytecode.OpArrayLiteral:
		return in.opArrayLiteral(ctx, t, fn, ip)

	case bytecode.OpStrConcat:
		vs, err := popN(t, 2)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.String(value.NewString(vs[0].Str()+vs[1].Str())))
		return rOK()
	case bytecode.OpStrLen:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.Int(int32(len(v.Str()))))
		return rOK()
	case bytecode.OpStrCmp:
		vs, err := popN(t, 2)
		if err != nil {
			return fail(t, err)
		}
		a, b := vs[0].Str(), vs[1].Str()
		switch {
		case a < b:
			push(t, value.Int(-1))
		case a > b:
			push(t, value.Int(1))
		default:
			push(t, value.Int(0))
		}
		return rOK()
	case bytecode.OpToString:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.String(value.NewString(v.String())))
		return rOK()

	case bytecode.OpSpawnFunc:
		return in.opSpawnFunc(t, fn, ip)
	case bytecode.OpSpawnClosure:
		return in.opSpawnClosure(t, fn, ip)
	case bytecode.OpAwait:
		return in.opAwait(t)
	case bytecode.OpWaitAll:
		return in.opWaitAll(ctx, t, fn, ip)
	case bytecode.OpSleep:
		return in.opSleep(t)
	case bytecode.OpMutexLock:
		return in.opMutexLock(t)
	case bytecode.OpMutexUnlock:
		return in.opMutexUnlock(t)
	case bytecode.OpYield:
		return rPreempt()
	case bytecode.OpTaskCancel:
		return in.opTaskCancel(t)

	case bytecode.OpTry:
		return in.opTry(t, fn, ip)
	case bytecode.OpEndTry:
		if len(t.Handlers) > 0 {
			t.Handlers = t.Handlers[:len(t.Handlers)-1]
		}
		if t.CancelUnwinding && len(t.Handlers) == t.CancelUnwindDepth {
			return in.beginCancelUnwind(t)
		}
		return rOK()
	case bytecode.OpThrow:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		return in.throwValue(t, v)
	case bytecode.OpRethrow:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		return in.throwValue(t, v)

	case bytecode.OpNativeCall:
		return in.opNativeCall(ctx, t, fn, ip, false)
	case bytecode.OpNativeCallName:
		return in.opNativeCall(ctx, t, fn, ip, true)

	case bytecode.OpInstanceOf:
		return in.opInstanceOf(t, fn, ip)
	case bytecode.OpTypeOf:
		v, err := pop(t)
		if err != nil {
			return fail(t, err)
		}
		push(t, value.String(value.NewString(v.TypeOf())))
		return rOK()
	case bytecode.OpCast:
		return in.opCast(t, fn, ip)

	default:
		return fail(t, vmerr.Trap(vmerr.KindInvalidOpcode, op.String()))
	}
}

func (in *Interpreter) doJump(ctx context.Context, t *task.Task, start uint32, off int32) stepResult {
	if off <= int32(start) {
		in.Coord.PollPoint(ctx)
	}
	t.IP = uint32(off)
	return rJumped()
}

func (in *Interpreter) intBinOp(t *task.Task, op bytecode.Op) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	a, b := vs[0].Int(), vs[1].Int()
	switch op {
	case bytecode.OpIAdd:
		push(t, value.Int(a+b))
	case bytecode.OpISub:
		push(t, value.Int(a-b))
	case bytecode.OpIMul:
		push(t, value.Int(a*b))
	case bytecode.OpIDiv:
		if b == 0 {
			return in.raise(t, vmerr.New(vmerr.KindArithmeticError, "integer division by zero"))
		}
		push(t, value.Int(a/b))
	case bytecode.OpIMod:
		if b == 0 {
			return in.raise(t, vmerr.New(vmerr.KindArithmeticError, "integer modulo by zero"))
		}
		push(t, value.Int(a%b))
	}
	return rOK()
}

func (in *Interpreter) floatBinOp(t *task.Task, op bytecode.Op) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	a, b := vs[0].AsFloat(), vs[1].AsFloat()
	switch op {
	case bytecode.OpFAdd:
		push(t, value.Float(a+b))
	case bytecode.OpFSub:
		push(t, value.Float(a-b))
	case bytecode.OpFMul:
		push(t, value.Float(a*b))
	case bytecode.OpFDiv:
		push(t, value.Float(a/b))
	case bytecode.OpFMod:
		push(t, value.Float(fmod(a, b)))
	}
	return rOK()
}

func fmod(a, b float64) float64 {
	if b == 0 {
		return a
	}
	m := a - b*float64(int64(a/b))
	return m
}

func (in *Interpreter) intCmp(t *task.Task, op bytecode.Op) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	a, b := vs[0].Int(), vs[1].Int()
	push(t, value.Bool(intCompare(op, a, b)))
	return rOK()
}

func intCompare(op bytecode.Op, a, b int32) bool {
	switch op {
	case bytecode.OpIEq:
		return a == b
	case bytecode.OpINe:
		return a != b
	case bytecode.OpILt:
		return a < b
	case bytecode.OpILe:
		return a <= b
	case bytecode.OpIGt:
		return a > b
	case bytecode.OpIGe:
		return a >= b
	default:
		return false
	}
}

func (in *Interpreter) floatCmp(t *task.Task, op bytecode.Op) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	a, b := vs[0].AsFloat(), vs[1].AsFloat()
	var result bool
	switch op {
	case bytecode.OpFEq:
		result = a == b
	case bytecode.OpFNe:
		result = a != b
	case bytecode.OpFLt:
		result = a < b
	case bytecode.OpFLe:
		result = a <= b
	case bytecode.OpFGt:
		result = a > b
	case bytecode.OpFGe:
		result = a >= b
	}
	push(t, value.Bool(result))
	return rOK()
}

func (in *Interpreter) strCmp(t *task.Task, op bytecode.Op) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	a, b := vs[0].Str(), vs[1].Str()
	var result bool
	switch op {
	case bytecode.OpSEq:
		result = a == b
	case bytecode.OpSNe:
		result = a != b
	case bytecode.OpSLt:
		result = a < b
	case bytecode.OpSLe:
		result = a <= b
	case bytecode.OpSGt:
		result = a > b
	case bytecode.OpSGe:
		result = a >= b
	}
	push(t, value.Bool(result))
	return rOK()
}

func (in *Interpreter) opInstanceOf(t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	classID := readU32(fn, ip)
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	inst, ok := v.Ref().(*heap.Instance)
	if !ok {
		push(t, value.Bool(false))
		return rOK()
	}
	for c := inst.Class; c != nil; {
		if c.ID == classID {
			push(t, value.Bool(true))
			return rOK()
		}
		if c.ParentClassID < 0 {
			break
		}
		c = in.Classes.ByID(uint32(c.ParentClassID))
	}
	push(t, value.Bool(false))
	return rOK()
}

func (in *Interpreter) opCast(t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	target := value.Kind(readU8(fn, ip))
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	switch target {
	case value.KindInt:
		if !v.IsNumeric() {
			return in.raise(t, vmerr.Newf(vmerr.KindTypeError, "cannot cast %s to integer", v.TypeOf()))
		}
		push(t, value.Int(int32(v.AsFloat())))
	case value.KindFloat:
		if !v.IsNumeric() {
			return in.raise(t, vmerr.Newf(vmerr.KindTypeError, "cannot cast %s to float", v.TypeOf()))
		}
		push(t, value.Float(v.AsFloat()))
	case value.KindString:
		push(t, value.String(value.NewString(v.String())))
	default:
		push(t, v)
	}
	return rOK()
}
