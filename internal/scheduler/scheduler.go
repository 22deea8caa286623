// Package scheduler implements the multi-worker work-stealing scheduler of
// spec §4.3: one OS thread per worker, a local LIFO/FIFO deque per worker,
// a shared injector for externally-spawned tasks, and random-victim
// stealing when a worker runs dry. Grounded on the teacher's eventloop
// package (ChunkedIngress for queueing, the registry pattern for task
// lookup, and FastState for lock-free status checks), generalized from a
// single-threaded JS-style loop to N cooperating OS threads.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/joeycumines/corevm/internal/config"
	"github.com/joeycumines/corevm/internal/safepoint"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/timer"
	"github.com/joeycumines/corevm/internal/vmlog"
)

// Outcome is what a worker observes after handing a task to the Executor
// for one dispatch (spec §4.3/§4.4).
type Outcome uint8

const (
	// OutcomeSuspended means the Executor left t in StatusSuspended with
	// Reason populated.
	OutcomeSuspended Outcome = iota
	// OutcomeTerminal means the Executor left t in StatusCompleted,
	// StatusFailed, or StatusCancelled.
	OutcomeTerminal
	// OutcomePreempted means the Executor voluntarily yielded at a
	// safepoint because t.PreemptRequested() was observed true; t is left
	// in StatusRunning and the scheduler is responsible for the
	// Running->Ready transition and requeue (spec §4.3).
	OutcomePreempted
)

// Executor runs one task until it suspends, terminates, or is preempted.
// Implemented by the interpreter; kept as an interface here so scheduler
// has no dependency on interp (which itself depends on scheduler).
type Executor interface {
	Run(ctx context.Context, t *task.Task) Outcome
}

// IOReactor hands a native-I/O suspend request off for asynchronous
// completion. Implemented by internal/ioreactor; the scheduler only needs
// to submit and later receive a Wake callback.
type IOReactor interface {
	Submit(taskID uint64, request any)
}

// Scheduler owns the worker pool, the shared injector, the task registry,
// and the subsystems a suspended task is parked against (mutexes,
// channels, timers, native I/O).
type Scheduler struct {
	cfg config.Config
	log *vmlog.Logger

	workers  []*worker
	injector *Injector
	registry *Registry

	coord    *safepoint.Coordinator
	mutexes  *syncx.Registry
	channels *syncx.ChannelRegistry
	timers   *timer.Wheel
	io       IOReactor

	executor Executor

	wakeCh chan struct{} // buffered(1); signals an idle worker to re-check

	stopped chan struct{}
	wg      sync.WaitGroup
}

type worker struct {
	idx   int
	queue *Deque
	rng   *rand.Rand
}

// New constructs a Scheduler with cfg.Workers workers, none of them
// running yet; call Start to launch the dispatch loops.
func New(cfg config.Config, coord *safepoint.Coordinator, mutexes *syncx.Registry, channels *syncx.ChannelRegistry, timers *timer.Wheel, io IOReactor, executor Executor, log *vmlog.Logger) *Scheduler {
	if log == nil {
		log = vmlog.Nop()
	}
	n := cfg.Workers
	if n < 1 {
		n = 1
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		injector: NewInjector(),
		registry: NewRegistry(),
		coord:    coord,
		mutexes:  mutexes,
		channels: channels,
		timers:   timers,
		io:       io,
		executor: executor,
		wakeCh:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		s.workers = append(s.workers, &worker{
			idx:   i,
			queue: NewDeque(),
			rng:   rand.New(rand.NewSource(int64(i) + 1)),
		})
	}
	return s
}

// Registry exposes the task registry so callers can wire it into the heap
// as a RootProvider and look up tasks by id (spec §4.2/§4.3).
func (s *Scheduler) Registry() *Registry { return s.registry }

// Start launches one goroutine per worker plus the timer-draining loop.
func (s *Scheduler) Start(ctx context.Context) {
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, w)
	}
	s.wg.Add(1)
	go s.runTimerLoop(ctx)
}

// Stop signals every worker and the timer loop to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopped)
	s.wg.Wait()
}

// SpawnOnWorker creates t, registers it, and pushes it onto workerIdx's
// local LIFO queue (spec §4.3: the spawn opcode pushes onto the spawning
// worker's own queue). The interpreter does not call it; its spawn opcodes
// go through SpawnExternal.
func (s *Scheduler) SpawnOnWorker(workerIdx int, t *task.Task) {
	s.registry.Put(t)
	s.workers[workerIdx%len(s.workers)].queue.PushOwn(t.ID)
	s.wake()
}

// SpawnExternal creates t, registers it, and places it on the shared
// injector — used by the embedding host starting the program's entry task
// and by the interpreter's spawn opcodes.
func (s *Scheduler) SpawnExternal(t *task.Task) {
	s.registry.Put(t)
	s.injector.Push(t.ID)
	s.wake()
}

// Wake transitions taskID from Suspended back to Ready and places it on
// the injector, for any subsystem (mutex handoff, timer fire, channel
// rendezvous, native I/O completion) that just satisfied a task's wait
// condition. Safe to call from any goroutine.
func (s *Scheduler) Wake(taskID uint64) {
	t, ok := s.registry.Get(taskID)
	if !ok {
		return
	}
	if !t.TryTransition(task.StatusSuspended, task.StatusReady) {
		return
	}
	s.injector.Push(taskID)
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// runWorker is the dispatch loop of spec §4.3: pop local LIFO, else poll
// the injector, else steal from a random victim, else park.
func (s *Scheduler) runWorker(ctx context.Context, w *worker) {
	defer s.wg.Done()
	const stealBatch = 32
	idleBackoff := time.Millisecond
	for {
		select {
		case <-s.stopped:
			return
		default:
		}

		id, ok := w.queue.PopOwn()
		if !ok {
			if batch := s.injector.PopBatch(stealBatch); len(batch) > 0 {
				id, ok = batch[0], true
				for _, extra := range batch[1:] {
					w.queue.PushOwn(extra)
				}
			}
		}
		if !ok {
			id, ok = s.stealFrom(w)
		}
		if !ok {
			select {
			case <-s.wakeCh:
			case <-time.After(idleBackoff):
			case <-s.stopped:
				return
			}
			continue
		}

		s.dispatch(ctx, w, id)
	}
}

// stealFrom tries every other worker once, starting from a random offset,
// taking the first nonempty queue's oldest (FIFO) entry.
func (s *Scheduler) stealFrom(w *worker) (uint64, bool) {
	n := len(s.workers)
	if n <= 1 {
		return 0, false
	}
	start := w.rng.Intn(n)
	for i := 0; i < n; i++ {
		victim := s.workers[(start+i)%n]
		if victim == w {
			continue
		}
		if id, ok := victim.queue.PopSteal(); ok {
			return id, true
		}
	}
	return 0, false
}

func (s *Scheduler) dispatch(ctx context.Context, w *worker, id uint64) {
	t, ok := s.registry.Get(id)
	if !ok {
		return
	}
	if !t.TryTransition(task.StatusReady, task.StatusRunning) {
		return
	}
	t.MarkDispatched(time.Now())
	t.ClearPreempt()

	outcome := s.executor.Run(ctx, t)

	switch outcome {
	case OutcomePreempted:
		t.TryTransition(task.StatusRunning, task.StatusReady)
		w.queue.PushPreempted(id)
		s.wake()

	case OutcomeTerminal:
		s.finishTerminal(t)

	case OutcomeSuspended:
		s.finishSuspended(t)
	}
}

func (s *Scheduler) finishTerminal(t *task.Task) {
	for _, mutexID := range t.HeldMutexes() {
		m, ok := s.mutexes.Get(mutexID)
		if !ok {
			continue
		}
		newOwner, transferred := m.ReleaseForTermination(t.ID)
		t.ReleaseMutexRecord(mutexID)
		if transferred {
			s.Wake(newOwner)
		}
	}
	for _, awaiterID := range t.DrainAwaiters() {
		s.Wake(awaiterID)
	}
	if s.timers != nil {
		s.timers.Cancel(t.ID)
	}
}

func (s *Scheduler) finishSuspended(t *task.Task) {
	reason := t.Reason
	switch reason.Kind {
	case task.SuspendAwaitTask:
		if len(reason.Targets) > 0 {
			// Fan-in (WaitAll): register as an awaiter of every
			// not-yet-terminal target. Whichever finishes first wakes us;
			// the interpreter re-checks all of them on resume and
			// re-suspends on the same Targets list if any remain pending.
			registered := false
			for _, id := range reason.Targets {
				target, ok := s.registry.Get(id)
				if ok && target.AddAwaiter(t.ID) {
					registered = true
				}
			}
			if !registered {
				s.Wake(t.ID)
			}
			return
		}
		target, ok := s.registry.Get(reason.TargetID)
		if !ok || !target.AddAwaiter(t.ID) {
			s.Wake(t.ID)
		}

	case task.SuspendAcquireMutex:
		m, ok := s.mutexes.Get(reason.TargetID)
		if !ok {
			s.Wake(t.ID)
			return
		}
		if m.Lock(t.ID) {
			t.HoldMutex(reason.TargetID)
			s.Wake(t.ID)
		}

	case task.SuspendSleep:
		if s.timers != nil {
			s.timers.Sleep(t.ID, reason.Deadline)
		}

	case task.SuspendChannelOp:
		ch, ok := s.channels.Get(reason.TargetID)
		if !ok {
			s.Wake(t.ID)
			return
		}
		if reason.IsSend {
			if woke, delivered, _ := ch.TrySend(t.ID, reason.Payload); delivered {
				if woke != 0 {
					if r, ok := s.registry.Get(woke); ok {
						r.Reason.Payload = reason.Payload
					}
					s.Wake(woke)
				}
				s.Wake(t.ID)
			}
		} else {
			if v, woke, delivered, _ := ch.TryReceive(t.ID); delivered {
				t.Reason.Payload = v
				if woke != 0 {
					s.Wake(woke)
				}
				s.Wake(t.ID)
			}
		}

	case task.SuspendNativeIO:
		if s.io != nil {
			s.io.Submit(t.ID, reason.IORequest)
		} else {
			s.Wake(t.ID)
		}
	}
}

// runTimerLoop periodically drains expired sleeps and wakes their tasks.
func (s *Scheduler) runTimerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.timers.Expired() {
				s.Wake(id)
			}
		}
	}
}

// WorkerCount reports the configured worker count.
func (s *Scheduler) WorkerCount() int { return len(s.workers) }
