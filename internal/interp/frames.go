package interp

import (
	"context"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
)

// doCall pushes a new Frame for funcID, placing args at the bottom of its
// local slots (zero-padded to the callee's LocalCount) and recording what
// to do with its eventual return value via disp/thisVal. returnIP is the
// caller-frame offset to resume at once the callee returns.
func (in *Interpreter) doCall(ctx context.Context, t *task.Task, funcID uint32, args []value.Value, closure value.Value, disp task.Disposition, thisVal value.Value, returnIP uint32) stepResult {
	in.Coord.PollPoint(ctx)
	if len(t.Frames) >= in.Cfg.MaxFrameDepth {
		return fail(t, vmerr.Trap(vmerr.KindStackOverflow, "call stack depth exceeded"))
	}
	callee, verr := in.function(funcID)
	if verr != nil {
		return in.raise(t, verr)
	}
	if len(args) > callee.LocalCount {
		return fail(t, vmerr.Trap(vmerr.KindStackOverflow, "call argument count exceeds local slots"))
	}
	base := len(t.OperandStack)
	t.OperandStack = append(t.OperandStack, args...)
	for i := len(args); i < callee.LocalCount; i++ {
		t.OperandStack = append(t.OperandStack, value.Null)
	}
	t.Frames = append(t.Frames, task.Frame{
		FunctionID:   funcID,
		ReturnIP:     returnIP,
		LocalBase:    base,
		Disposition:  disp,
		ThisValue:    thisVal,
		ClosureValue: closure,
	})
	t.IP = 0
	return rJumped()
}

// doReturn pops the current frame, truncates the operand stack back to its
// locals region, and either completes the task (no caller left) or resumes
// the caller at its recorded ReturnIP, applying the returning frame's
// Disposition to v.
func (in *Interpreter) doReturn(ctx context.Context, t *task.Task, v value.Value, hasValue bool) stepResult {
	in.Coord.PollPoint(ctx)
	if len(t.Frames) == 0 {
		t.Complete(v)
		return rTerminal()
	}
	frame := t.Frames[len(t.Frames)-1]
	t.Frames = t.Frames[:len(t.Frames)-1]
	t.OperandStack = t.OperandStack[:frame.LocalBase]

	if len(t.Frames) == 0 {
		t.Complete(v)
		return rTerminal()
	}

	t.IP = frame.ReturnIP
	switch frame.Disposition {
	case task.DispositionPush:
		push(t, v)
	case task.DispositionThis:
		push(t, frame.ThisValue)
	case task.DispositionDiscard:
		// nothing pushed
	}
	return rJumped()
}

func (in *Interpreter) opCallStatic(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	funcID := readU32(fn, ip)
	argc := int(readU8(fn, ip))
	args, err := popN(t, argc)
	if err != nil {
		return fail(t, err)
	}
	return in.doCall(ctx, t, funcID, args, value.Null, task.DispositionPush, value.Null, *ip)
}

func (in *Interpreter) opCallClosure(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	argc := int(readU8(fn, ip))
	args, err := popN(t, argc)
	if err != nil {
		return fail(t, err)
	}
	closureVal, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	cl, ok := closureVal.Ref().(*heap.Closure)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "call target is not a closure"))
	}
	return in.doCall(ctx, t, cl.FunctionID, args, closureVal, task.DispositionPush, value.Null, *ip)
}

func (in *Interpreter) opCallMethod(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	vtableIdx := readU32(fn, ip)
	argc := int(readU8(fn, ip))
	args, err := popN(t, argc+1)
	if err != nil {
		return fail(t, err)
	}
	receiver := args[0]
	inst, ok := receiver.Ref().(*heap.Instance)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "method call on non-object receiver"))
	}
	if int(vtableIdx) >= len(inst.Class.Methods) {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "vtable index out of range"))
	}
	funcID := inst.Class.Methods[vtableIdx]
	return in.doCall(ctx, t, funcID, args, value.Null, task.DispositionPush, value.Null, *ip)
}

func (in *Interpreter) opCallCtor(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	classID := readU32(fn, ip)
	argc := int(readU8(fn, ip))
	args, err := popN(t, argc)
	if err != nil {
		return fail(t, err)
	}
	schema := in.Classes.ByID(classID)
	if schema == nil {
		return in.raise(t, vmerr.Newf(vmerr.KindTypeError, "unknown class id %d", classID))
	}
	inst := heap.NewInstance(schema)
	obj, aerr := in.Heap.Alloc(ctx, inst)
	if aerr != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, aerr))
	}
	instVal := value.Object(obj)

	if _, verr := in.function(schema.ConstructorFunc); verr != nil {
		// No constructor function registered for this class: fields stay at
		// their zero values and the literal instance is the call's result.
		push(t, instVal)
		return rOK()
	}
	callArgs := append([]value.Value{instVal}, args...)
	return in.doCall(ctx, t, schema.ConstructorFunc, callArgs, value.Null, task.DispositionThis, instVal, *ip)
}

func (in *Interpreter) opCallSuper(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	funcID := readU32(fn, ip)
	argc := int(readU8(fn, ip))
	args, err := popN(t, argc+1)
	if err != nil {
		return fail(t, err)
	}
	return in.doCall(ctx, t, funcID, args, value.Null, task.DispositionPush, value.Null, *ip)
}

// spawn builds a brand-new Ready task with args as its first frame's
// locals and hands it to the scheduler's injector. The spawning task is
// never blocked by this — it receives a task handle back immediately.
func (in *Interpreter) spawn(t *task.Task, funcID uint32, args []value.Value, closure value.Value) stepResult {
	callee, verr := in.function(funcID)
	if verr != nil {
		return in.raise(t, verr)
	}
	if len(args) > callee.LocalCount {
		return fail(t, vmerr.Trap(vmerr.KindStackOverflow, "spawn argument count exceeds local slots"))
	}
	id := in.Sched.Registry().NextID()
	nt := task.New(id, in.Log)
	nt.OperandStack = append(nt.OperandStack, args...)
	for i := len(args); i < callee.LocalCount; i++ {
		nt.OperandStack = append(nt.OperandStack, value.Null)
	}
	nt.Frames = append(nt.Frames, task.Frame{
		FunctionID:   funcID,
		LocalBase:    0,
		Disposition:  task.DispositionDiscard,
		ClosureValue: closure,
	})
	in.Sched.SpawnExternal(nt)
	push(t, task.Handle(id))
	return rOK()
}

func (in *Interpreter) opSpawnFunc(t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	funcID := readU32(fn, ip)
	argc := int(readU8(fn, ip))
	args, err := popN(t, argc)
	if err != nil {
		return fail(t, err)
	}
	return in.spawn(t, funcID, args, value.Null)
}

func (in *Interpreter) opSpawnClosure(t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	argc := int(readU8(fn, ip))
	args, err := popN(t, argc)
	if err != nil {
		return fail(t, err)
	}
	closureVal, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	cl, ok := closureVal.Ref().(*heap.Closure)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "spawn target is not a closure"))
	}
	return in.spawn(t, cl.FunctionID, args, closureVal)
}
