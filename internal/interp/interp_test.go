package interp

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/config"
	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/native"
	"github.com/joeycumines/corevm/internal/safepoint"
	"github.com/joeycumines/corevm/internal/scheduler"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/timer"
	"github.com/joeycumines/corevm/internal/value"
)

// asm is a tiny bytecode assembler for test fixtures: it mirrors the
// little-endian operand encoding module.go and opcode.go document, without
// pulling in a real compiler.
type asm struct {
	code []byte
}

func (a *asm) op(o bytecode.Op) *asm {
	a.code = append(a.code, byte(o))
	return a
}

func (a *asm) u8(v uint8) *asm {
	a.code = append(a.code, v)
	return a
}

func (a *asm) u16(v uint16) *asm {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	a.code = append(a.code, b[:]...)
	return a
}

func (a *asm) u32(v uint32) *asm {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.code = append(a.code, b[:]...)
	return a
}

func (a *asm) i32(v int32) *asm { return a.u32(uint32(v)) }

// testVM bundles the subsystems a standalone interp test needs, wired the
// same way vm.VM will wire them, minus the CLI/embedding surface.
type testVM struct {
	mod      *bytecode.Module
	interp   *Interpreter
	sched    *scheduler.Scheduler
	heap     *heap.Heap
	mutexes  *syncx.Registry
	channels *syncx.ChannelRegistry
}

func newTestVM(t *testing.T, workers int, mod *bytecode.Module) *testVM {
	t.Helper()
	cfg := config.Config{
		Workers:             workers,
		PreemptThreshold:    50 * time.Millisecond,
		PreemptPollInterval: time.Millisecond,
		SafepointInstrCount: config.DefaultSafepointInstrCount,
		MaxFrameDepth:       config.DefaultMaxFrameDepth,
	}
	coord := safepoint.New(workers, nil)
	classes := heap.NewClassRegistry()
	globals := heap.NewGlobals(len(mod.Globals))
	h := heap.New(coord, classes, globals, 0, nil)
	mutexes := syncx.NewRegistry()
	channels := syncx.NewChannelRegistry()
	timers := timer.New()
	natives := native.NewRegistry()
	RegisterChannelNatives(natives, channels)
	RegisterMutexNatives(natives, mutexes)

	in := New(mod, h, classes, globals, mutexes, channels, natives, coord, cfg, nil)
	s := scheduler.New(cfg, coord, mutexes, channels, timers, nil, in, nil)
	in.SetScheduler(s)
	h.RegisterRootProvider(s.Registry())

	return &testVM{mod: mod, interp: in, sched: s, heap: h, mutexes: mutexes, channels: channels}
}

func (vm *testVM) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	vm.sched.Start(ctx)
	return func() {
		cancel()
		vm.sched.Stop()
	}
}

func (vm *testVM) spawn(funcID uint32, args ...value.Value) *task.Task {
	fn, ok := vm.mod.FunctionByID(funcID)
	if !ok {
		panic("unknown function id")
	}
	id := vm.sched.Registry().NextID()
	nt := task.New(id, nil)
	nt.OperandStack = append(nt.OperandStack, args...)
	for i := len(args); i < fn.LocalCount; i++ {
		nt.OperandStack = append(nt.OperandStack, value.Null)
	}
	nt.Frames = append(nt.Frames, task.Frame{FunctionID: funcID, LocalBase: 0, Disposition: task.DispositionDiscard})
	vm.sched.SpawnExternal(nt)
	return nt
}

func waitTerminal(t *testing.T, timeout time.Duration, tk *task.Task) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tk.Status().Terminal() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %d did not reach a terminal status before timeout (status=%v)", tk.ID, tk.Status())
}

// TestIntegerArithmetic covers 2*21 == 42 (spec §8 scenario 1).
func TestIntegerArithmetic(t *testing.T) {
	var code asm
	code.op(bytecode.OpPushInt).u32(0) // 2
	code.op(bytecode.OpPushInt).u32(1) // 21
	code.op(bytecode.OpIMul)
	code.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{Functions: []bytecode.Function{
		{ID: 1, Name: "main", LocalCount: 0, Code: code.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 2},
			{Kind: bytecode.ConstInt, Int: 21},
		}},
	}}

	vm := newTestVM(t, 1, mod)
	stop := vm.start(t)
	defer stop()

	tk := vm.spawn(1)
	waitTerminal(t, time.Second, tk)
	if tk.Status() != task.StatusCompleted {
		t.Fatalf("expected completion, got %v (%v)", tk.Status(), tk.Err)
	}
	if tk.Result.Int() != 42 {
		t.Fatalf("expected 42, got %v", tk.Result)
	}
}

// TestSpawnAwait covers work(41) == 42 via spawn+await (spec §8 scenario 2).
func TestSpawnAwait(t *testing.T) {
	// work(n) { return n + 1 }
	var work asm
	work.op(bytecode.OpLoadLocal).u16(0)
	work.op(bytecode.OpPushInt).u32(0) // 1
	work.op(bytecode.OpIAdd)
	work.op(bytecode.OpReturnValue)

	// main() { t := spawn_func work(41); return await(t) }
	var main asm
	main.op(bytecode.OpPushInt).u32(0) // 41
	main.op(bytecode.OpSpawnFunc).u32(2).u8(1)
	main.op(bytecode.OpAwait)
	main.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{Functions: []bytecode.Function{
		{ID: 1, Name: "main", LocalCount: 0, Code: main.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 41},
		}},
		{ID: 2, Name: "work", ParamCount: 1, LocalCount: 1, Code: work.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 1},
		}},
	}}

	vm := newTestVM(t, 2, mod)
	stop := vm.start(t)
	defer stop()

	tk := vm.spawn(1)
	waitTerminal(t, time.Second, tk)
	if tk.Status() != task.StatusCompleted {
		t.Fatalf("expected completion, got %v (%v)", tk.Status(), tk.Err)
	}
	if tk.Result.Int() != 42 {
		t.Fatalf("expected 42, got %v", tk.Result)
	}
}

// TestWaitAllParallelSum covers 4 tasks each summing 1..25, fanned into one
// total via wait_all (spec §8 scenario 3): 4*325 == 1300.
func TestWaitAllParallelSum(t *testing.T) {
	// sumTo25() { total := 0; i := 1; loop: if i > 25 goto done; total += i; i += 1; goto loop; done: return total }
	var sumTo25 asm
	// locals: 0 = total, 1 = i
	sumTo25.op(bytecode.OpPushInt).u32(0) // 0
	sumTo25.op(bytecode.OpStoreLocal).u16(0)
	sumTo25.op(bytecode.OpPushInt).u32(1) // 1
	sumTo25.op(bytecode.OpStoreLocal).u16(1)
	loopOff := len(sumTo25.code)
	sumTo25.op(bytecode.OpLoadLocal).u16(1)
	sumTo25.op(bytecode.OpPushInt).u32(2) // 25
	sumTo25.op(bytecode.OpIGt)
	jumpDoneAt := len(sumTo25.code)
	sumTo25.op(bytecode.OpJumpIfTrue).i32(0) // patched below
	sumTo25.op(bytecode.OpLoadLocal).u16(0)
	sumTo25.op(bytecode.OpLoadLocal).u16(1)
	sumTo25.op(bytecode.OpIAdd)
	sumTo25.op(bytecode.OpStoreLocal).u16(0)
	sumTo25.op(bytecode.OpLoadLocal).u16(1)
	sumTo25.op(bytecode.OpPushInt).u32(3) // 1
	sumTo25.op(bytecode.OpIAdd)
	sumTo25.op(bytecode.OpStoreLocal).u16(1)
	sumTo25.op(bytecode.OpJump).i32(int32(loopOff))
	doneOff := len(sumTo25.code)
	binary.LittleEndian.PutUint32(sumTo25.code[jumpDoneAt+1:], uint32(doneOff))
	sumTo25.op(bytecode.OpLoadLocal).u16(0)
	sumTo25.op(bytecode.OpReturnValue)

	// main() { spawn 4x sumTo25, wait_all, sum the resulting array }
	var main asm
	for i := 0; i < 4; i++ {
		main.op(bytecode.OpSpawnFunc).u32(2).u8(0)
	}
	main.op(bytecode.OpWaitAll).u16(4)
	// stack: [array]; sum its 4 elements via a fixed unrolled loop.
	main.op(bytecode.OpDup)
	main.op(bytecode.OpPushInt).u32(0)
	main.op(bytecode.OpLoadElem)
	main.op(bytecode.OpSwap)
	main.op(bytecode.OpDup)
	main.op(bytecode.OpPushInt).u32(1)
	main.op(bytecode.OpLoadElem)
	main.op(bytecode.OpSwap)
	main.op(bytecode.OpDup)
	main.op(bytecode.OpPushInt).u32(2)
	main.op(bytecode.OpLoadElem)
	main.op(bytecode.OpSwap)
	main.op(bytecode.OpPushInt).u32(3)
	main.op(bytecode.OpLoadElem)
	// stack now: e0 e1 e2 e3 (bottom to top)
	main.op(bytecode.OpIAdd)
	main.op(bytecode.OpIAdd)
	main.op(bytecode.OpIAdd)
	main.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{Functions: []bytecode.Function{
		{ID: 1, Name: "main", LocalCount: 0, Code: main.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 0},
			{Kind: bytecode.ConstInt, Int: 1},
			{Kind: bytecode.ConstInt, Int: 2},
			{Kind: bytecode.ConstInt, Int: 3},
		}},
		{ID: 2, Name: "sumTo25", LocalCount: 2, Code: sumTo25.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 0},
			{Kind: bytecode.ConstInt, Int: 1},
			{Kind: bytecode.ConstInt, Int: 25},
			{Kind: bytecode.ConstInt, Int: 1},
		}},
	}}

	vm := newTestVM(t, 4, mod)
	stop := vm.start(t)
	defer stop()

	tk := vm.spawn(1)
	waitTerminal(t, 2*time.Second, tk)
	if tk.Status() != task.StatusCompleted {
		t.Fatalf("expected completion, got %v (%v)", tk.Status(), tk.Err)
	}
	if tk.Result.Int() != 1300 {
		t.Fatalf("expected 1300, got %v", tk.Result)
	}
}

// TestMutexProtectedCounter covers 100 tasks each incrementing a shared
// mutex-protected counter global 1000 times (spec §8 scenario 4):
// 100*1000 == 100000.
func TestMutexProtectedCounter(t *testing.T) {
	const numTasks = 100
	const incrPerTask = 1000

	// incr1000(mutexHandle) {
	//   i := 0
	//   loop: if i >= 1000 goto done
	//   mutex_lock(mutexHandle)
	//   store_global(0, load_global(0) + 1)
	//   mutex_unlock(mutexHandle)
	//   i += 1
	//   goto loop
	//   done: return void
	// }
	var incr asm
	// local 0 = mutex handle (param), local 1 = i
	incr.op(bytecode.OpPushInt).u32(0) // 0
	incr.op(bytecode.OpStoreLocal).u16(1)
	loopOff := len(incr.code)
	incr.op(bytecode.OpLoadLocal).u16(1)
	incr.op(bytecode.OpPushInt).u32(1) // 1000
	incr.op(bytecode.OpIGe)
	jumpDoneAt := len(incr.code)
	incr.op(bytecode.OpJumpIfTrue).i32(0)
	incr.op(bytecode.OpLoadLocal).u16(0)
	incr.op(bytecode.OpMutexLock)
	incr.op(bytecode.OpLoadGlobal).u32(0)
	incr.op(bytecode.OpPushInt).u32(2) // 1
	incr.op(bytecode.OpIAdd)
	incr.op(bytecode.OpStoreGlobal).u32(0)
	incr.op(bytecode.OpLoadLocal).u16(0)
	incr.op(bytecode.OpMutexUnlock)
	incr.op(bytecode.OpLoadLocal).u16(1)
	incr.op(bytecode.OpPushInt).u32(2) // 1
	incr.op(bytecode.OpIAdd)
	incr.op(bytecode.OpStoreLocal).u16(1)
	incr.op(bytecode.OpJump).i32(int32(loopOff))
	doneOff := len(incr.code)
	binary.LittleEndian.PutUint32(incr.code[jumpDoneAt+1:], uint32(doneOff))
	incr.op(bytecode.OpReturnVoid)

	// main(mutexHandle) {
	//   for i in 0..100 { spawned[i] := spawn_func incr1000(mutexHandle) }
	//   wait_all(spawned)
	//   return load_global(0)
	// }
	var main asm
	for i := 0; i < numTasks; i++ {
		main.op(bytecode.OpLoadLocal).u16(0)
		main.op(bytecode.OpSpawnFunc).u32(2).u8(1)
	}
	main.op(bytecode.OpWaitAll).u16(numTasks)
	main.op(bytecode.OpPop) // discard the result array
	main.op(bytecode.OpLoadGlobal).u32(0)
	main.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{
		Functions: []bytecode.Function{
			{ID: 1, Name: "main", ParamCount: 1, LocalCount: 1, Code: main.code},
			{ID: 2, Name: "incr1000", ParamCount: 1, LocalCount: 2, Code: incr.code, Constants: []bytecode.Constant{
				{Kind: bytecode.ConstInt, Int: 0},
				{Kind: bytecode.ConstInt, Int: incrPerTask},
				{Kind: bytecode.ConstInt, Int: 1},
			}},
		},
		Globals: []bytecode.Global{{Name: "counter"}},
	}

	vm := newTestVM(t, 8, mod)
	stop := vm.start(t)
	defer stop()

	m := vm.mutexes.New()
	tk := vm.spawn(1, syncx.Handle(m.ID))
	waitTerminal(t, 5*time.Second, tk)
	if tk.Status() != task.StatusCompleted {
		t.Fatalf("expected completion, got %v (%v)", tk.Status(), tk.Err)
	}
	if tk.Result.Int() != numTasks*incrPerTask {
		t.Fatalf("expected %d, got %v", numTasks*incrPerTask, tk.Result)
	}
}

// TestPreemptionFairness covers scenario 5: a task stuck in a tight
// infinite-looking loop still yields at a backward-branch safepoint,
// letting a second task make progress concurrently on a single worker.
func TestPreemptionFairness(t *testing.T) {
	// spin(n) { i := 0; loop: if i >= n goto done; i += 1; goto loop; done: return i }
	var spin asm
	spin.op(bytecode.OpPushInt).u32(0) // 0
	spin.op(bytecode.OpStoreLocal).u16(1)
	loopOff := len(spin.code)
	spin.op(bytecode.OpLoadLocal).u16(1)
	spin.op(bytecode.OpLoadLocal).u16(0)
	spin.op(bytecode.OpIGe)
	jumpDoneAt := len(spin.code)
	spin.op(bytecode.OpJumpIfTrue).i32(0) // patched below
	spin.op(bytecode.OpLoadLocal).u16(1)
	spin.op(bytecode.OpPushInt).u32(1) // 1
	spin.op(bytecode.OpIAdd)
	spin.op(bytecode.OpStoreLocal).u16(1)
	spin.op(bytecode.OpJump).i32(int32(loopOff))
	doneOff := len(spin.code)
	binary.LittleEndian.PutUint32(spin.code[jumpDoneAt+1:], uint32(doneOff))
	spin.op(bytecode.OpLoadLocal).u16(1)
	spin.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{Functions: []bytecode.Function{
		{ID: 1, Name: "spin", ParamCount: 1, LocalCount: 2, Code: spin.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 0},
			{Kind: bytecode.ConstInt, Int: 1},
		}},
	}}

	cfg := config.Config{
		Workers:             1,
		PreemptThreshold:    time.Millisecond,
		PreemptPollInterval: time.Millisecond,
		SafepointInstrCount: 8,
		MaxFrameDepth:       config.DefaultMaxFrameDepth,
	}
	coord := safepoint.New(1, nil)
	classes := heap.NewClassRegistry()
	globals := heap.NewGlobals(0)
	h := heap.New(coord, classes, globals, 0, nil)
	mutexes := syncx.NewRegistry()
	channels := syncx.NewChannelRegistry()
	timers := timer.New()
	natives := native.NewRegistry()
	in := New(mod, h, classes, globals, mutexes, channels, natives, coord, cfg, nil)
	s := scheduler.New(cfg, coord, mutexes, channels, timers, nil, in, nil)
	in.SetScheduler(s)
	h.RegisterRootProvider(s.Registry())
	monitor := scheduler.NewMonitor(s.Registry(), cfg.PreemptThreshold, cfg.PreemptPollInterval)
	monitor.Start()
	defer monitor.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	vm := &testVM{mod: mod, interp: in, sched: s, heap: h, mutexes: mutexes, channels: channels}
	heavy := vm.spawn(1, value.Int(5_000_000))
	light := vm.spawn(1, value.Int(10))

	waitTerminal(t, 5*time.Second, light)
	if light.Status() != task.StatusCompleted || light.Result.Int() != 10 {
		t.Fatalf("expected the short task to complete promptly while the long one spins, got %v %v", light.Status(), light.Result)
	}
	waitTerminal(t, 10*time.Second, heavy)
	if heavy.Status() != task.StatusCompleted || heavy.Result.Int() != 5_000_000 {
		t.Fatalf("expected the long task to eventually complete, got %v %v", heavy.Status(), heavy.Result)
	}
}

// TestTryFinallyReleasesMutexOnThrow covers scenario 6: a mutex acquired
// inside a try block is released by the unwind even though the body threw
// before reaching an explicit unlock.
func TestTryFinallyReleasesMutexOnThrow(t *testing.T) {
	// runner(mutexHandle) {
	//   try (catch=-1, finally=F) {
	//     mutex_lock(mutexHandle)
	//     throw "boom"
	//   }
	//   F: return void   // finally body; the unwind has already released
	//                    // the mutex, so it does not unlock again
	// }
	var fn asm
	tryAt := len(fn.code)
	fn.op(bytecode.OpTry).i32(0).i32(0) // patched below
	fn.op(bytecode.OpLoadLocal).u16(0)
	fn.op(bytecode.OpMutexLock)
	fn.op(bytecode.OpPushStr).u32(0)
	fn.op(bytecode.OpThrow)
	finallyOff := len(fn.code)
	binary.LittleEndian.PutUint32(fn.code[tryAt+1+4:], uint32(finallyOff)) // finallyOffset field
	binary.LittleEndian.PutUint32(fn.code[tryAt+1:], ^uint32(0))           // catchOffset = -1
	fn.op(bytecode.OpReturnVoid)

	mod := &bytecode.Module{Functions: []bytecode.Function{
		{ID: 1, Name: "runner", ParamCount: 1, LocalCount: 1, Code: fn.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstStr, Str: "boom"},
		}},
	}}

	vm := newTestVM(t, 1, mod)
	stop := vm.start(t)
	defer stop()

	m := vm.mutexes.New()
	tk := vm.spawn(1, syncx.Handle(m.ID))
	waitTerminal(t, time.Second, tk)

	// The finally body returns without re-throwing, so the task completes
	// normally once it reaches ReturnVoid.
	if tk.Status() != task.StatusCompleted {
		t.Fatalf("expected completion after finally ran, got %v (%v)", tk.Status(), tk.Err)
	}
	if owner, hasOwner := m.Owner(); hasOwner {
		t.Fatalf("expected mutex to be released by the finally unwind, got owner=%d", owner)
	}
}
