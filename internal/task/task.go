// Package task implements the per-task state of spec §3: identity, status,
// execution state (IP, operand stack, frame stack), scheduling metadata,
// waiter lists, and held-mutex set.
package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmlog"
)

// Status is the task state machine of spec §3, modeled as an atomic
// uint32 following the teacher's FastState pattern (eventloop/state.go) so
// the scheduler's hot dispatch path never takes a lock just to check
// whether a task is Ready.
type Status uint32

const (
	StatusReady Status = iota
	StatusRunning
	StatusSuspended
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Disposition tells the call-return mechanics (spec §4.6) what to do with
// a returning frame's value.
type Disposition uint8

const (
	DispositionPush Disposition = iota
	DispositionDiscard
	DispositionThis // constructor call: ignore the void return, push the allocated object
)

// Frame records one function-call activation record (spec §3 glossary).
type Frame struct {
	FunctionID   uint32
	ReturnIP     uint32
	LocalBase    int
	Disposition  Disposition
	ThisValue    value.Value // set when Disposition == DispositionThis
	ClosureValue value.Value // the closure this frame was entered through, for LoadCapture/StoreCapture
}

// HandlerEntry is one installed try/catch/finally scope (spec §4.6).
type HandlerEntry struct {
	CatchOffset    int32 // -1 = no catch
	FinallyOffset  int32 // -1 = no finally
	OperandDepth   int
	FrameDepth     int
	MutexesHeld    int
	PendingRethrow bool
}

// SuspendReason identifies why a task is parked (spec §4.4).
type SuspendReasonKind uint8

const (
	SuspendNone SuspendReasonKind = iota
	SuspendAwaitTask
	SuspendAcquireMutex
	SuspendSleep
	SuspendNativeIO
	SuspendChannelOp
)

type SuspendReason struct {
	Kind     SuspendReasonKind
	TargetID uint64 // task id or mutex id or channel id, depending on Kind
	Deadline time.Time
	IsSend   bool        // for SuspendChannelOp
	Payload  value.Value // the value being sent, for SuspendChannelOp(send); the value received, after wake
	IORequest any        // opaque request handed to the io reactor

	// Targets is set for a SuspendAwaitTask fan-in (WaitAll on more than
	// one task): the full set of tasks being awaited. TargetID is unused
	// in this case; the interpreter re-checks every id in Targets each
	// time it is woken, and re-suspends on the same list until all of
	// them report terminal.
	Targets []uint64
}

// Ref is the value.Ref a task-handle Value points at — identity is the
// dense task id, not a Go pointer, since a task outlives any single
// in-memory representation across a snapshot/restore cycle (spec §6).
type Ref uint64

func (r Ref) RefEqual(other value.Ref) bool {
	o, ok := other.(Ref)
	return ok && o == r
}

func (r Ref) ID() uint64 { return uint64(r) }

// Handle wraps id as a task-handle Value, returned by the spawn opcode
// (spec §4.3: "Spawn returns a task handle value").
func Handle(id uint64) value.Value { return value.TaskHandle(Ref(id)) }

// Task is one green thread (spec §3).
type Task struct {
	ID uint64

	status atomic.Uint32

	// Execution state — owned exclusively by the worker currently running
	// the task (spec §3 invariant); never touched concurrently.
	IP           uint32
	OperandStack []value.Value
	Frames       []Frame
	Handlers     []HandlerEntry

	// CancelUnwinding is true from the moment a cancellation request is
	// first observed until the task terminates: it marks that the handler
	// stack is being walked to run finally blocks rather than normal
	// control flow (spec §4.4/§4.6). CancelUnwindDepth is the len(Handlers)
	// at which the handler scope currently being unwound will have fully
	// closed, used to tell "this OpEndTry closed the scope we're waiting
	// on" apart from an unrelated try/catch nested inside the finally body.
	CancelUnwinding  bool
	CancelUnwindDepth int

	// Result, valid once Terminal().
	Result value.Value
	Err    error

	// Suspend reason, valid while Status == StatusSuspended.
	Reason SuspendReason

	// Scheduling metadata (spec §4.3's preemption monitor).
	lastDispatch   atomic.Int64 // UnixNano
	preemptFlag    atomic.Bool
	cancelPending  atomic.Bool

	mu          sync.Mutex
	awaiters    []uint64 // task ids awaiting this task's completion
	heldMutexes map[uint64]struct{}

	Log *vmlog.Logger
}

// New constructs a Ready task with the given id and an empty execution
// state; the caller builds its operand stack and first frame.
func New(id uint64, log *vmlog.Logger) *Task {
	if log == nil {
		log = vmlog.Nop()
	}
	t := &Task{ID: id, heldMutexes: make(map[uint64]struct{}), Log: log}
	t.status.Store(uint32(StatusReady))
	return t
}

func (t *Task) Status() Status { return Status(t.status.Load()) }

func (t *Task) setStatus(s Status) { t.status.Store(uint32(s)) }

// TryTransition performs a CAS on the status field, used by the scheduler
// for ownership-transfer points (spec §3 invariant 2).
func (t *Task) TryTransition(from, to Status) bool {
	return t.status.CompareAndSwap(uint32(from), uint32(to))
}

func (t *Task) MarkDispatched(now time.Time) {
	t.lastDispatch.Store(now.UnixNano())
}

func (t *Task) LastDispatch() time.Time {
	return time.Unix(0, t.lastDispatch.Load())
}

func (t *Task) RequestPreempt()   { t.preemptFlag.Store(true) }
func (t *Task) ClearPreempt()     { t.preemptFlag.Store(false) }
func (t *Task) PreemptRequested() bool { return t.preemptFlag.Load() }

// RequestCancel sets the cancel-pending flag unconditionally. Only a
// Running task observes the flag, so callers move a task that is not
// running straight to Cancelled instead.
func (t *Task) RequestCancel() { t.cancelPending.Store(true) }
func (t *Task) CancelPending() bool { return t.cancelPending.Load() }
func (t *Task) ClearCancel()   { t.cancelPending.Store(false) }

// AddAwaiter registers awaiterID to be woken when t completes. Returns
// false if t is already terminal, in which case the caller should resume
// the awaiter immediately instead (spec §4.4: "Await on an already-completed
// task completes immediately").
func (t *Task) AddAwaiter(awaiterID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status().Terminal() {
		return false
	}
	t.awaiters = append(t.awaiters, awaiterID)
	return true
}

// DrainAwaiters returns and clears the current awaiter list, called once
// the task transitions to a terminal state.
func (t *Task) DrainAwaiters() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.awaiters
	t.awaiters = nil
	return ids
}

func (t *Task) HoldMutex(mutexID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heldMutexes[mutexID] = struct{}{}
}

func (t *Task) ReleaseMutexRecord(mutexID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.heldMutexes, mutexID)
}

// HeldMutexes returns a snapshot of currently-held mutex ids, used when a
// task terminates and every held mutex must be released as if unlock had
// been called (spec §4.4).
func (t *Task) HeldMutexes() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint64, 0, len(t.heldMutexes))
	for id := range t.heldMutexes {
		ids = append(ids, id)
	}
	return ids
}

func (t *Task) HeldMutexCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heldMutexes)
}

// Complete transitions the task to Completed with the given result,
// draining and returning its awaiters for the scheduler to re-enqueue.
func (t *Task) Complete(result value.Value) []uint64 {
	t.Result = result
	t.setStatus(StatusCompleted)
	return t.DrainAwaiters()
}

func (t *Task) Fail(err error) []uint64 {
	t.Err = err
	t.setStatus(StatusFailed)
	return t.DrainAwaiters()
}

func (t *Task) Cancel() []uint64 {
	t.setStatus(StatusCancelled)
	return t.DrainAwaiters()
}

// RestoreState is the full persisted state of one task, as captured by
// Snapshot and consumed by Restore (spec §6).
type RestoreState struct {
	ID           uint64
	Status       Status
	IP           uint32
	OperandStack []value.Value
	Frames       []Frame
	Handlers     []HandlerEntry
	Result       value.Value
	HasErr       bool
	ErrMessage   string
	Reason       SuspendReason
	Awaiters     []uint64
	HeldMutexes  []uint64

	CancelUnwinding   bool
	CancelUnwindDepth int
}

// Snapshot captures t's full persisted state for the snapshot subsystem.
// The suspend reason's IORequest field, an opaque host-defined value, is
// never restorable and is dropped — a task restored while suspended on
// NativeIO must be re-submitted to the reactor by the caller.
func (t *Task) Snapshot() RestoreState {
	t.mu.Lock()
	awaiters := append([]uint64(nil), t.awaiters...)
	held := make([]uint64, 0, len(t.heldMutexes))
	for id := range t.heldMutexes {
		held = append(held, id)
	}
	t.mu.Unlock()

	reason := t.Reason
	reason.IORequest = nil

	s := RestoreState{
		ID:           t.ID,
		Status:       t.Status(),
		IP:           t.IP,
		OperandStack: append([]value.Value(nil), t.OperandStack...),
		Frames:       append([]Frame(nil), t.Frames...),
		Handlers:     append([]HandlerEntry(nil), t.Handlers...),
		Result:       t.Result,
		Reason:       reason,
		Awaiters:     awaiters,
		HeldMutexes:  held,

		CancelUnwinding:   t.CancelUnwinding,
		CancelUnwindDepth: t.CancelUnwindDepth,
	}
	if t.Err != nil {
		s.HasErr = true
		s.ErrMessage = t.Err.Error()
	}
	return s
}

// Restore reconstructs a Task from a previously captured RestoreState.
func Restore(s RestoreState, log *vmlog.Logger) *Task {
	if log == nil {
		log = vmlog.Nop()
	}
	t := &Task{
		ID:           s.ID,
		IP:           s.IP,
		OperandStack: append([]value.Value(nil), s.OperandStack...),
		Frames:       append([]Frame(nil), s.Frames...),
		Handlers:     append([]HandlerEntry(nil), s.Handlers...),
		Result:       s.Result,
		Reason:       s.Reason,
		awaiters:     append([]uint64(nil), s.Awaiters...),
		heldMutexes:  make(map[uint64]struct{}, len(s.HeldMutexes)),
		Log:          log,

		CancelUnwinding:   s.CancelUnwinding,
		CancelUnwindDepth: s.CancelUnwindDepth,
	}
	t.status.Store(uint32(s.Status))
	if s.HasErr {
		t.Err = errors.New(s.ErrMessage)
	}
	for _, id := range s.HeldMutexes {
		t.heldMutexes[id] = struct{}{}
	}
	return t
}

// ScanRoots visits every Value reachable from this task's execution state
// (operand stack and, transitively through closures already on the
// operand stack, frame-local captures) — spec §4.2's per-task root set.
// Local slots themselves are modeled as part of the operand stack region
// below each frame's LocalBase in this calling convention, so scanning the
// operand stack covers both.
func (t *Task) ScanRoots(visit func(value.Value)) {
	if t.Status() == StatusRunning {
		// Execution state is owned exclusively by the running worker; a GC
		// cycle can only observe it once the worker has parked at a
		// safepoint, at which point Status is never Running for the
		// duration of the collection (the safepoint coordinator guarantees
		// this). If we get here mid-run scanning is unsafe, so skip —
		// the safepoint protocol is responsible for never calling
		// ScanRoots while any task is Running.
		return
	}
	for _, v := range t.OperandStack {
		visit(v)
	}
	if !t.Result.IsNull() {
		visit(t.Result)
	}
}
