// Package vm is the embedding surface of spec §6: it wires every execution-
// core subsystem (safepoint coordinator, heap, scheduler, interpreter,
// native registry, I/O reactor) into one handle an embedder constructs
// once per loaded module, then uses to spawn tasks, drive execution, and
// capture/restore snapshots. Grounded on the teacher's top-level
// constructor pattern (eventloop.New wiring a Loop's subsystems together
// from a Config) generalized from one event loop to the full VM subsystem
// graph.
package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/config"
	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/interp"
	"github.com/joeycumines/corevm/internal/ioreactor"
	"github.com/joeycumines/corevm/internal/native"
	"github.com/joeycumines/corevm/internal/safepoint"
	"github.com/joeycumines/corevm/internal/scheduler"
	"github.com/joeycumines/corevm/internal/snapshot"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/timer"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmlog"
)

// Options configures optional collaborators beyond the required Module and
// Config. IOExecutor and IOConfig are only consulted if IOExecutor is
// non-nil; a VM with no native I/O natives registered can leave both zero.
type Options struct {
	Log        *vmlog.Logger
	MaxHeapBytes int64
	IOExecutor ioreactor.Executor
	IOConfig   ioreactor.Config
}

// VM is one loaded module's execution state: the heap, scheduler, and
// interpreter wired together, plus every resource a task spawned against
// it can suspend on (mutexes, channels, timers, native I/O).
type VM struct {
	mod *bytecode.Module
	cfg config.Config
	log *vmlog.Logger

	coord    *safepoint.Coordinator
	classes  *heap.ClassRegistry
	globals  *heap.Globals
	heap     *heap.Heap
	mutexes  *syncx.Registry
	channels *syncx.ChannelRegistry
	timers   *timer.Wheel
	natives  *native.Registry
	reactor  *ioreactor.Reactor

	sched   *scheduler.Scheduler
	interp  *interp.Interpreter
	monitor *scheduler.Monitor

	waitMu sync.Mutex
	waitCh map[uint64]chan struct{}
}

// New loads mod and wires every subsystem named in spec §2's package map.
// Classes are registered into the heap's ClassRegistry up front, and
// globals are allocated to mod's declared global count, each starting as
// null; New runs no initializer code.
func New(mod *bytecode.Module, cfg config.Config, opts Options) (*VM, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	log := opts.Log
	if log == nil {
		log = vmlog.Nop()
	}

	classes, err := loadClasses(mod)
	if err != nil {
		return nil, err
	}

	globals := heap.NewGlobals(len(mod.Globals))
	coord := safepoint.New(cfg.Workers, log)
	mutexes := syncx.NewRegistry()
	channels := syncx.NewChannelRegistry()
	timers := timer.New()
	natives := native.NewRegistry()
	interp.RegisterChannelNatives(natives, channels)
	interp.RegisterMutexNatives(natives, mutexes)

	maxBytes := opts.MaxHeapBytes
	h := heap.New(coord, classes, globals, maxBytes, log)

	in := interp.New(mod, h, classes, globals, mutexes, channels, natives, coord, cfg, log)

	v := &VM{
		mod:      mod,
		cfg:      cfg,
		log:      log,
		coord:    coord,
		classes:  classes,
		globals:  globals,
		heap:     h,
		mutexes:  mutexes,
		channels: channels,
		timers:   timers,
		natives:  natives,
		interp:   in,
		waitCh:   make(map[uint64]chan struct{}),
	}

	// The reactor needs a way to Wake tasks back on the scheduler, but the
	// scheduler itself needs the reactor (as its IOReactor) at construction
	// time. schedWaker breaks the cycle: it forwards to v.sched, which is
	// set a few lines below, before either side's Wake/Submit can fire.
	var reactor *ioreactor.Reactor
	var ior scheduler.IOReactor
	if opts.IOExecutor != nil {
		reactor = ioreactor.New(opts.IOConfig, opts.IOExecutor, schedWaker{v}, log)
		ior = reactor
	}
	v.reactor = reactor

	sched := scheduler.New(cfg, coord, mutexes, channels, timers, ior, v, log)
	v.sched = sched
	in.SetScheduler(sched)
	h.RegisterRootProvider(sched.Registry())

	threshold := cfg.PreemptThreshold
	if threshold <= 0 {
		threshold = config.DefaultPreemptThreshold
	}
	interval := cfg.PreemptPollInterval
	if interval <= 0 {
		interval = config.DefaultPreemptPollInterval
	}
	v.monitor = scheduler.NewMonitor(sched.Registry(), threshold, interval)

	return v, nil
}

// loadClasses registers every class the module declares into a fresh
// ClassRegistry, preserving the module's own dense class ids (ClassDef.ID
// must run 0..len(mod.Classes)-1 with no gaps, matching the classID
// operand OpNewObject/OpCallCtor decode directly). A class's method
// vtable, keyed by name in the module format, is ordered alphabetically by
// name to produce the dense index OpCallMethod's vtableIdx operand
// addresses — the compiler that emits vtableIdx is expected to use the
// same ordering.
func loadClasses(mod *bytecode.Module) (*heap.ClassRegistry, error) {
	classes := heap.NewClassRegistry()
	ordered := make([]*bytecode.ClassDef, len(mod.Classes))
	for i := range mod.Classes {
		cd := &mod.Classes[i]
		if int(cd.ID) >= len(mod.Classes) {
			return nil, fmt.Errorf("vm: class %q id %d out of range for %d declared classes", cd.Name, cd.ID, len(mod.Classes))
		}
		if ordered[cd.ID] != nil {
			return nil, fmt.Errorf("vm: duplicate class id %d", cd.ID)
		}
		ordered[cd.ID] = cd
	}
	for _, cd := range ordered {
		parent := int32(-1)
		if cd.HasParent {
			parent = int32(cd.ParentID)
		}
		methodNames := make([]string, 0, len(cd.Methods))
		for name := range cd.Methods {
			methodNames = append(methodNames, name)
		}
		sort.Strings(methodNames)
		methods := make([]uint32, len(methodNames))
		for i, name := range methodNames {
			methods[i] = cd.Methods[name]
		}
		fieldIndex := make(map[string]int, len(cd.FieldNames))
		for idx, name := range cd.FieldNames {
			fieldIndex[name] = idx
		}
		schema := &heap.ClassSchema{
			Name:            cd.Name,
			FieldNames:      cd.FieldNames,
			FieldIndex:      fieldIndex,
			Methods:         methods,
			ParentClassID:   parent,
			ConstructorFunc: cd.CtorFuncID,
		}
		if id := classes.Register(schema); id != cd.ID {
			return nil, fmt.Errorf("vm: class %q registered at id %d, expected %d", cd.Name, id, cd.ID)
		}
	}
	return classes, nil
}

// schedWaker defers to v.sched.Wake, letting the I/O reactor be
// constructed before the Scheduler it will eventually wake tasks on
// exists.
type schedWaker struct{ v *VM }

func (w schedWaker) Wake(taskID uint64) { w.v.sched.Wake(taskID) }

// Run implements scheduler.Executor by delegating to the wired
// Interpreter, then signaling any goroutine blocked in Wait for t's
// completion. This indirection is what lets an external caller (the CLI,
// an embedder's own goroutine) observe task completion without becoming a
// task itself.
func (v *VM) Run(ctx context.Context, t *task.Task) scheduler.Outcome {
	outcome := v.interp.Run(ctx, t)
	if outcome == scheduler.OutcomeTerminal {
		v.signalDone(t.ID)
	}
	return outcome
}

// RegisterNative exposes a host-provided function under name, resolvable
// from bytecode via OpNativeCallName. Must be called before Start.
func (v *VM) RegisterNative(name string, h native.Handler) uint32 {
	return v.natives.RegisterName(name, h)
}

// Natives exposes the native registry directly, for embedders that need
// the dense id a name resolves to ahead of time.
func (v *VM) Natives() *native.Registry { return v.natives }

// Start launches the scheduler's worker pool and the preemption monitor.
// ctx governs the lifetime of every worker goroutine; cancelling it is
// equivalent to calling Stop.
func (v *VM) Start(ctx context.Context) {
	v.monitor.Start()
	v.sched.Start(ctx)
}

// Stop halts the preemption monitor and every worker goroutine, and closes
// the I/O reactor if one is wired.
func (v *VM) Stop() {
	v.monitor.Stop()
	v.sched.Stop()
	if v.reactor != nil {
		if err := v.reactor.Close(); err != nil {
			v.log.Err().Err(err).Log("vm: error closing io reactor")
		}
	}
}

// Spawn creates a new Ready task invoking funcID with args and enqueues it
// on the shared injector, returning its task id.
func (v *VM) Spawn(funcID uint32, args ...value.Value) (uint64, error) {
	fn, ok := v.mod.FunctionByID(funcID)
	if !ok {
		return 0, fmt.Errorf("vm: unknown function id %d", funcID)
	}
	if len(args) > fn.LocalCount {
		return 0, fmt.Errorf("vm: function %q takes at most %d locals, got %d args", fn.Name, fn.LocalCount, len(args))
	}
	id := v.sched.Registry().NextID()
	t := task.New(id, v.log)
	t.OperandStack = append(t.OperandStack, args...)
	for i := len(args); i < fn.LocalCount; i++ {
		t.OperandStack = append(t.OperandStack, value.Null)
	}
	t.Frames = append(t.Frames, task.Frame{FunctionID: funcID, LocalBase: 0, Disposition: task.DispositionDiscard})
	v.sched.SpawnExternal(t)
	return id, nil
}

// SpawnExport resolves name against the module's export table (expecting
// an ExportFunction) and spawns it, per spec §6's export mechanism.
func (v *VM) SpawnExport(name string, args ...value.Value) (uint64, error) {
	for _, exp := range v.mod.Exports {
		if exp.Kind == bytecode.ExportFunction && exp.Name == name {
			return v.Spawn(exp.ID, args...)
		}
	}
	return 0, fmt.Errorf("vm: no exported function %q", name)
}

// Wait blocks until the task identified by id reaches a terminal status,
// or ctx is cancelled. It returns the task's final Result and Err (the
// latter non-nil only for StatusFailed).
func (v *VM) Wait(ctx context.Context, id uint64) (value.Value, error) {
	t, ok := v.sched.Registry().Get(id)
	if !ok {
		return value.Null, fmt.Errorf("vm: unknown task id %d", id)
	}
	// Register before checking Terminal(): if the task finishes between the
	// check and the registration, Run's signalDone would otherwise close a
	// channel nobody is listening on yet, and this call would block
	// forever. Registering first and re-checking after closes that window;
	// signalDone is idempotent, so it's safe whichever side observes
	// Terminal() first.
	ch := v.registerWaiter(id)
	if t.Status().Terminal() {
		v.signalDone(id)
		return t.Result, t.Err
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return value.Null, ctx.Err()
	}
	return t.Result, t.Err
}

func (v *VM) registerWaiter(id uint64) chan struct{} {
	v.waitMu.Lock()
	defer v.waitMu.Unlock()
	ch, ok := v.waitCh[id]
	if !ok {
		ch = make(chan struct{})
		v.waitCh[id] = ch
	}
	return ch
}

func (v *VM) signalDone(id uint64) {
	v.waitMu.Lock()
	ch, ok := v.waitCh[id]
	if ok {
		delete(v.waitCh, id)
	}
	v.waitMu.Unlock()
	if ok {
		close(ch)
	}
}

// Snapshot captures the full VM state (heap, globals, tasks, mutexes,
// channels) into the binary format of spec §6. The scheduler must be
// stopped first, or the capture may race a worker mid-dispatch.
func (v *VM) Snapshot() ([]byte, error) {
	return snapshot.Capture(snapshot.Sources{
		Heap:     v.heap,
		Classes:  v.classes,
		Globals:  v.globals,
		Tasks:    v.sched.Registry(),
		Mutexes:  v.mutexes,
		Channels: v.channels,
	})
}

// Restore replaces the VM's heap, global, task, mutex, and channel state
// with data previously produced by Snapshot, for the same compiled module
// (class schemas are not part of the payload; see internal/snapshot).
// Restored Ready tasks are placed on the scheduler's injector. Must be
// called before Start.
func (v *VM) Restore(data []byte) error {
	if err := snapshot.Restore(data, snapshot.Sources{
		Heap:     v.heap,
		Classes:  v.classes,
		Globals:  v.globals,
		Tasks:    v.sched.Registry(),
		Mutexes:  v.mutexes,
		Channels: v.channels,
	}); err != nil {
		return err
	}
	for _, t := range v.sched.Registry().Snapshot() {
		if t.Status() == task.StatusReady {
			v.sched.SpawnExternal(t)
		}
	}
	return nil
}

// Heap exposes the underlying heap, for embedders that need direct access
// (e.g. a reflection/debugging surface built on top of this package).
func (v *VM) Heap() *heap.Heap { return v.heap }

// WorkerCount reports the number of scheduler worker goroutines.
func (v *VM) WorkerCount() int { return v.sched.WorkerCount() }
