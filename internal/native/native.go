// Package native implements the native call boundary of spec §4.7/§6: a
// typed context exposed to host-provided handlers, dispatched by integer
// id (and, for dynamically loaded modules, resolved from a name-based
// registry into dense ids at link time).
package native

import (
	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/value"
)

// ResultKind is one of the four closed outcomes a handler may return (spec
// §4.7).
type ResultKind uint8

const (
	ResultValue ResultKind = iota
	ResultError
	ResultUnhandled
	ResultSuspend
)

// Result is the closed four-variant contract. Exactly one of the
// kind-specific fields is meaningful, selected by Kind.
type Result struct {
	Kind    ResultKind
	Value   value.Value
	Message string
	Request any // opaque I/O request, valid when Kind == ResultSuspend
}

func Value_(v value.Value) Result { return Result{Kind: ResultValue, Value: v} }
func Error(message string) Result { return Result{Kind: ResultError, Message: message} }
func Unhandled() Result            { return Result{Kind: ResultUnhandled} }
func Suspend(request any) Result   { return Result{Kind: ResultSuspend, Request: request} }

// Context is the minimal, typed handle set a native handler receives
// (spec §4.7: "handles to the heap, the class registry, the scheduler,
// and the id of the currently running task, plus helper operations for
// reading/writing buffers, strings, arrays, and objects").
type Context struct {
	Heap      *heap.Heap
	Classes   *heap.ClassRegistry
	Globals   *heap.Globals
	TaskID    uint64
	Scheduler Scheduler
}

// Scheduler is the minimal slice of scheduler capability a native handler
// may need (waking a task whose wait the handler has satisfied); kept as
// an interface so this
// package never imports internal/scheduler directly (scheduler does not
// need to know about native calls, only the interpreter wires the two
// together).
type Scheduler interface {
	Wake(taskID uint64)
}

// Handler is a host-provided native function, dispatched by dense id.
type Handler func(ctx *Context, args []value.Value) Result

// Registry resolves native calls both by dense id (the fast path
// OpNativeCall uses) and by name (OpNativeCallName, for dynamically loaded
// modules — spec §6: "registered (name → handler) pairs are resolved at
// link time into dense ids for fast dispatch").
type Registry struct {
	byID   map[uint32]Handler
	byName map[string]uint32
	names  []string
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint32]Handler), byName: make(map[string]uint32)}
}

// RegisterID binds a handler directly to a dense id, for natives compiled
// in ahead of time (stdlib-provided natives, per spec §1's "standard
// library native function implementations" collaborator).
func (r *Registry) RegisterID(id uint32, h Handler) {
	r.byID[id] = h
}

// RegisterName binds a handler under a name and assigns it the next dense
// id, returning that id so the loader/linker can record it in a module's
// constant pool resolution.
func (r *Registry) RegisterName(name string, h Handler) uint32 {
	id := uint32(len(r.names))
	r.names = append(r.names, name)
	r.byName[name] = id
	r.byID[id] = h
	return id
}

// ResolveName looks up the dense id a name was registered under, for
// link-time resolution of OpNativeCallName's name constant into the fast
// dense-id path.
func (r *Registry) ResolveName(name string) (uint32, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Invoke dispatches to the handler at id, returning Unhandled if nothing
// is registered there (the interpreter raises a native error for an
// Unhandled result; it has no fallback resolver).
func (r *Registry) Invoke(id uint32, ctx *Context, args []value.Value) Result {
	h, ok := r.byID[id]
	if !ok {
		return Unhandled()
	}
	return h(ctx, args)
}
