package interp

import (
	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
)

func (in *Interpreter) opTry(t *task.Task, fn *bytecode.Function, ip *uint32) stepResult {
	catchOff := readI32(fn, ip)
	finallyOff := readI32(fn, ip)
	t.Handlers = append(t.Handlers, task.HandlerEntry{
		CatchOffset:   catchOff,
		FinallyOffset: finallyOff,
		OperandDepth:  len(t.OperandStack),
		FrameDepth:    len(t.Frames),
		MutexesHeld:   t.HeldMutexCount(),
	})
	return rOK()
}

// throwValue walks the handler stack from the top, unwinding frames,
// mutexes, and operands back to each handler's recorded depth until one
// catches (or finally-intercepts) exc, or the task fails uncaught (spec
// §4.6/§7).
func (in *Interpreter) throwValue(t *task.Task, exc value.Value) stepResult {
	for len(t.Handlers) > 0 {
		h := t.Handlers[len(t.Handlers)-1]
		t.Handlers = t.Handlers[:len(t.Handlers)-1]

		if len(t.Frames) > h.FrameDepth {
			t.Frames = t.Frames[:h.FrameDepth]
		}
		in.releaseExcessMutexes(t, h.MutexesHeld)
		if len(t.OperandStack) > h.OperandDepth {
			t.OperandStack = t.OperandStack[:h.OperandDepth]
		}

		if h.CatchOffset >= 0 {
			push(t, exc)
			t.IP = uint32(h.CatchOffset)
			return rJumped()
		}
		if h.FinallyOffset >= 0 {
			push(t, exc)
			t.IP = uint32(h.FinallyOffset)
			return rJumped()
		}
	}
	t.Fail(vmerr.New(vmerr.KindNativeError, exc.String()))
	return rTerminal()
}

// beginCancelUnwind drives a cancellation through the same handler-stack
// walk throwValue uses for thrown exceptions (spec §4.4: cancellation
// "begins exception-style unwind..., releasing mutexes and running finally
// blocks, then terminate"). Unlike throwValue, a handler with no finally is
// simply discarded rather than entered — cancellation is not a catchable
// exception, so catch blocks never run — and a handler that does have a
// finally is left on t.Handlers (rather than popped up front) so that its
// own OpEndTry, reached once the finally body actually executes via the
// normal dispatch loop, is the one that removes it; CancelUnwindDepth
// records the t.Handlers length that OpEndTry closing it will produce, so
// the interpreter can tell that moment apart from an unrelated try/catch
// nested inside the finally body.
func (in *Interpreter) beginCancelUnwind(t *task.Task) stepResult {
	for len(t.Handlers) > 0 {
		h := t.Handlers[len(t.Handlers)-1]

		if h.FinallyOffset < 0 {
			t.Handlers = t.Handlers[:len(t.Handlers)-1]
			in.unwindToHandler(t, h)
			continue
		}

		in.unwindToHandler(t, h)
		t.CancelUnwindDepth = len(t.Handlers) - 1
		t.IP = uint32(h.FinallyOffset)
		return rJumped()
	}
	t.CancelUnwinding = false
	t.Cancel()
	return rTerminal()
}

// unwindToHandler truncates frames, mutexes, and operands back to the
// depths h recorded when its try scope was entered.
func (in *Interpreter) unwindToHandler(t *task.Task, h task.HandlerEntry) {
	if len(t.Frames) > h.FrameDepth {
		t.Frames = t.Frames[:h.FrameDepth]
	}
	in.releaseExcessMutexes(t, h.MutexesHeld)
	if len(t.OperandStack) > h.OperandDepth {
		t.OperandStack = t.OperandStack[:h.OperandDepth]
	}
}

// releaseExcessMutexes releases currently-held mutexes down to keep,
// mirroring what an explicit unlock in the try body would have done. The
// held-mutex set is unordered, so this approximates LIFO release order —
// acceptable because a single try scope holding more than one mutex at
// once is rare and the release order of unrelated mutexes is unobservable.
func (in *Interpreter) releaseExcessMutexes(t *task.Task, keep int) {
	held := t.HeldMutexes()
	for len(held) > keep {
		id := held[len(held)-1]
		held = held[:len(held)-1]
		m, ok := in.Mutexes.Get(id)
		if !ok {
			t.ReleaseMutexRecord(id)
			continue
		}
		newOwner, transferred, err := m.Unlock(t.ID)
		if err != nil {
			continue
		}
		t.ReleaseMutexRecord(id)
		if transferred {
			in.Sched.Wake(newOwner)
		}
	}
}
