package interp

import (
	"context"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
)

func (in *Interpreter) opNewObject(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	classID := readU32(fn, ip)
	schema := in.Classes.ByID(classID)
	if schema == nil {
		return in.raise(t, vmerr.Newf(vmerr.KindTypeError, "unknown class id %d", classID))
	}
	inst := heap.NewInstance(schema)
	obj, err := in.Heap.Alloc(ctx, inst)
	if err != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, err))
	}
	push(t, value.Object(obj))
	return rOK()
}

func (in *Interpreter) opLoadField(t *task.Task, fn *bytecode.Function, ip *uint32, optional bool) stepResult {
	idx := readU16(fn, ip)
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	if v.IsNull() {
		if optional {
			push(t, value.Null)
			return rOK()
		}
		return in.raise(t, vmerr.New(vmerr.KindNullReference, "field access on null"))
	}
	inst, ok := v.Ref().(*heap.Instance)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "field access on non-object"))
	}
	if int(idx) >= len(inst.Fields) {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "field index out of range"))
	}
	push(t, inst.Fields[idx])
	return rOK()
}

func (in *Interpreter) opStoreField(t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	idx := readU16(fn, ip)
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	obj, val := vs[0], vs[1]
	if obj.IsNull() {
		return in.raise(t, vmerr.New(vmerr.KindNullReference, "field store on null"))
	}
	inst, ok := obj.Ref().(*heap.Instance)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "field store on non-object"))
	}
	if int(idx) >= len(inst.Fields) {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "field index out of range"))
	}
	inst.Fields[idx] = val
	return rOK()
}

func (in *Interpreter) opObjectLiteral(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	classID := readU32(fn, ip)
	fieldCount := int(readU16(fn, ip))
	vals, err := popN(t, fieldCount)
	if err != nil {
		return fail(t, err)
	}
	schema := in.Classes.ByID(classID)
	if schema == nil {
		return in.raise(t, vmerr.Newf(vmerr.KindTypeError, "unknown class id %d", classID))
	}
	inst := heap.NewInstance(schema)
	n := len(inst.Fields)
	if n > len(vals) {
		n = len(vals)
	}
	copy(inst.Fields, vals[:n])
	obj, aerr := in.Heap.Alloc(ctx, inst)
	if aerr != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, aerr))
	}
	push(t, value.Object(obj))
	return rOK()
}

func (in *Interpreter) opNewArray(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	n := readU32(fn, ip)
	arr := heap.NewArray()
	if n > 0 {
		arr.Elements = make([]value.Value, n)
	}
	obj, err := in.Heap.Alloc(ctx, arr)
	if err != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, err))
	}
	push(t, value.Array(obj))
	return rOK()
}

func (in *Interpreter) opLoadElem(t *task.Task) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	arrVal, idxVal := vs[0], vs[1]
	arr, ok := arrVal.Ref().(*heap.Array)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "index access on non-array"))
	}
	idx := int(idxVal.Int())
	if idx < 0 || idx >= len(arr.Elements) {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "array index out of range"))
	}
	push(t, arr.Elements[idx])
	return rOK()
}

func (in *Interpreter) opStoreElem(t *task.Task) stepResult {
	vs, err := popN(t, 3)
	if err != nil {
		return fail(t, err)
	}
	arrVal, idxVal, val := vs[0], vs[1], vs[2]
	arr, ok := arrVal.Ref().(*heap.Array)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "index store on non-array"))
	}
	idx := int(idxVal.Int())
	if idx < 0 || idx >= len(arr.Elements) {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "array index out of range"))
	}
	arr.Elements[idx] = val
	return rOK()
}

func (in *Interpreter) opArrayLen(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	arr, ok := v.Ref().(*heap.Array)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "len of non-array"))
	}
	push(t, value.Int(int32(arr.Len())))
	return rOK()
}

func (in *Interpreter) opArrayPush(t *task.Task) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	arrVal, val := vs[0], vs[1]
	arr, ok := arrVal.Ref().(*heap.Array)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "push on non-array"))
	}
	arr.Push(val)
	return rOK()
}

func (in *Interpreter) opArrayPop(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	arr, ok := v.Ref().(*heap.Array)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "pop on non-array"))
	}
	elem, ok := arr.Pop()
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindNullReference, "pop on empty array"))
	}
	push(t, elem)
	return rOK()
}

func (in *Interpreter) opArrayLiteral(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	n := int(readU32(fn, ip))
	vals, err := popN(t, n)
	if err != nil {
		return fail(t, err)
	}
	arr := heap.NewArray(vals...)
	obj, aerr := in.Heap.Alloc(ctx, arr)
	if aerr != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, aerr))
	}
	push(t, value.Array(obj))
	return rOK()
}

func (in *Interpreter) opMakeClosure(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	funcID := readU32(fn, ip)
	count := int(readU16(fn, ip))
	vals, err := popN(t, count)
	if err != nil {
		return fail(t, err)
	}
	captures := make([]heap.Capture, count)
	for i, v := range vals {
		if cell, ok := v.Ref().(*heap.RefCell); ok {
			captures[i] = heap.Capture{Cell: cell}
		} else {
			captures[i] = heap.Capture{Value: v}
		}
	}
	cl := heap.NewClosure(funcID, captures)
	obj, aerr := in.Heap.Alloc(ctx, cl)
	if aerr != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, aerr))
	}
	push(t, value.Closure(obj))
	return rOK()
}

func (in *Interpreter) opLoadCapture(t *task.Task, frame *task.Frame, fn *bytecode.Function, ip *uint32) stepResult {
	idx := int(readU16(fn, ip))
	cl, ok := frame.ClosureValue.Ref().(*heap.Closure)
	if !ok || idx >= len(cl.Captures) {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "load_capture outside a closure frame"))
	}
	push(t, cl.Captures[idx].Load())
	return rOK()
}

func (in *Interpreter) opStoreCapture(t *task.Task, frame *task.Frame, fn *bytecode.Function, ip *uint32) stepResult {
	idx := int(readU16(fn, ip))
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	cl, ok := frame.ClosureValue.Ref().(*heap.Closure)
	if !ok || idx >= len(cl.Captures) {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "store_capture outside a closure frame"))
	}
	cl.Captures[idx].Store(v)
	return rOK()
}

func (in *Interpreter) opMakeCell(ctx context.Context, t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	cell := heap.NewRefCell(v)
	obj, aerr := in.Heap.Alloc(ctx, cell)
	if aerr != nil {
		return in.raise(t, vmerr.Wrap(vmerr.KindOutOfMemory, aerr))
	}
	push(t, value.Object(obj))
	return rOK()
}

func (in *Interpreter) opLoadCell(t *task.Task) stepResult {
	v, err := pop(t)
	if err != nil {
		return fail(t, err)
	}
	cell, ok := v.Ref().(*heap.RefCell)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "load_cell on non-cell value"))
	}
	push(t, cell.Value)
	return rOK()
}

func (in *Interpreter) opStoreCell(t *task.Task) stepResult {
	vs, err := popN(t, 2)
	if err != nil {
		return fail(t, err)
	}
	cellVal, val := vs[0], vs[1]
	cell, ok := cellVal.Ref().(*heap.RefCell)
	if !ok {
		return in.raise(t, vmerr.New(vmerr.KindTypeError, "store_cell on non-cell value"))
	}
	cell.Value = val
	return rOK()
}
