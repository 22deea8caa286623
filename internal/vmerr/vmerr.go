// Package vmerr is the closed error taxonomy of the execution core (see
// spec §7). Every error a task can fail with is one of the types declared
// here, each satisfying errors.Is/As via Unwrap, following the cause-chain
// discipline used throughout the teacher's error types.
package vmerr

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind int

const (
	KindStackOverflow Kind = iota
	KindStackUnderflow
	KindInvalidOpcode
	KindNullReference
	KindTypeError
	KindArithmeticError
	KindOutOfMemory
	KindNativeError
	KindCancellation
	KindDeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case KindStackOverflow:
		return "stack overflow"
	case KindStackUnderflow:
		return "stack underflow"
	case KindInvalidOpcode:
		return "invalid opcode"
	case KindNullReference:
		return "null reference access"
	case KindTypeError:
		return "type error"
	case KindArithmeticError:
		return "arithmetic error"
	case KindOutOfMemory:
		return "out of memory"
	case KindNativeError:
		return "native error"
	case KindCancellation:
		return "cancelled"
	case KindDeadlineExceeded:
		return "deadline exceeded"
	default:
		return "unknown error"
	}
}

// VMError is the concrete error type raised by the interpreter for every
// Kind in the taxonomy. A Frame slice reconstructed from the bytecode's
// source-location table is attached as structured data, not interpolated
// into Error(), per spec §7's "message and optional stack trace" contract.
type VMError struct {
	Kind    Kind
	Message string
	Cause   error
	Stack   []StackFrame

	// Fatal marks errors that are traps rather than throwable exceptions:
	// invalid opcode and stack underflow skip the handler-stack unwind
	// entirely (spec §7) because task state is already corrupt.
	Fatal bool
}

// StackFrame is one reconstructed call-site for a VMError's Stack.
type StackFrame struct {
	FunctionID uint32
	Offset     uint32
	File       string
	Line       int
	Column     int
}

func (e *VMError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VMError) Unwrap() error { return e.Cause }

// Is matches on Kind so callers can write errors.Is(err, vmerr.New(vmerr.KindOutOfMemory, "")).
func (e *VMError) Is(target error) bool {
	var t *VMError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs a non-fatal VMError (goes through the handler-stack unwind).
func New(kind Kind, message string) *VMError {
	return &VMError{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *VMError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new VMError of the given kind.
func Wrap(kind Kind, cause error) *VMError {
	return &VMError{Kind: kind, Message: cause.Error(), Cause: cause}
}

// Trap constructs a fatal VMError — invalid opcode or stack underflow —
// which bypasses try/finally unwind per spec §7.
func Trap(kind Kind, message string) *VMError {
	return &VMError{Kind: kind, Message: message, Fatal: true}
}

// Sentinel errors for scheduler/task-level conditions that are not
// exceptions inside a task's bytecode (they never enter the handler-stack
// unwind machinery at all).
var (
	// ErrCycleDetected names a task that (directly or transitively) awaits
	// itself. No code path in the core returns it: await performs no cycle
	// check.
	ErrCycleDetected = errors.New("vmerr: await cycle detected")

	// ErrTaskNotFound indicates an operation referenced an unknown task id,
	// e.g. the target of an AwaitTask or a mutex's recorded owner after
	// corruption of the shared tables would be a programming error.
	ErrTaskNotFound = errors.New("vmerr: task not found")

	// ErrMutexNotOwned is returned by unlock when the calling task does not
	// hold the mutex, per spec §4.4's "must equal owner" contract.
	ErrMutexNotOwned = errors.New("vmerr: mutex not owned by caller")

	// ErrSchedulerClosed names a stopped scheduler. No code path in the core
	// returns it: Scheduler.Stop does not make later spawns fail.
	ErrSchedulerClosed = errors.New("vmerr: scheduler is shut down")
)
