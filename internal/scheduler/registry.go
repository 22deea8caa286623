package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
)

// Registry is the dense id-indexed task table of spec §4.3 ("a dense,
// id-indexed registry the scheduler and the GC both consult"). Grounded on
// the teacher's weak-pointer registry (eventloop/registry.go), but holds
// strong references: a Task's lifetime here is scheduler-owned, not
// caller-owned, so there is no analogue of the teacher's finalizer-driven
// cleanup — nothing in the scheduler removes a task; a terminal task stays
// in the table until a caller calls Remove.
type Registry struct {
	nextID atomic.Uint64

	mu    sync.RWMutex
	tasks map[uint64]*task.Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[uint64]*task.Task)}
}

// NextID reserves a fresh dense task id.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

func (r *Registry) Put(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

func (r *Registry) Get(id uint64) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Remove drops id from the registry. The scheduler itself never calls it;
// a removed task's final Result/Err remain reachable to anyone holding the
// *task.Task directly.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// ScanRoots implements heap.RootProvider structurally (the heap package
// never imports scheduler; embedders wire Registry in via
// Heap.RegisterRootProvider). It visits every live task's execution-state
// roots (spec §4.2: "the operand stack and local slots of every live
// task").
func (r *Registry) ScanRoots(visit func(value.Value)) {
	r.mu.RLock()
	tasks := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()
	for _, t := range tasks {
		t.ScanRoots(visit)
	}
}

// Snapshot returns every live task, for the snapshot subsystem (spec §6).
func (r *Registry) Snapshot() []*task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// CurrentNextID reports the id NextID will hand out on its next call, for
// the snapshot subsystem.
func (r *Registry) CurrentNextID() uint64 {
	return r.nextID.Load()
}

// Restore replaces the registry's contents with previously restored tasks,
// continuing id allocation from nextID.
func (r *Registry) Restore(tasks []*task.Task, nextID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[uint64]*task.Task, len(tasks))
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	r.nextID.Store(nextID)
}
