// Package syncx implements the task-aware synchronization primitives of
// spec §4.4/§4.5: mutexes with FIFO waiter queues keyed by task id, and
// channel rendezvous for blocked senders/receivers.
package syncx

import (
	"sync"

	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
)

// Ref is the value.Ref a mutex-handle Value points at, identified by dense
// mutex id (spec §3: "mutexes ... are heap objects with extra identity").
type Ref uint64

func (r Ref) RefEqual(other value.Ref) bool {
	o, ok := other.(Ref)
	return ok && o == r
}

func (r Ref) ID() uint64 { return uint64(r) }

// Handle wraps a mutex id as a mutex-handle Value.
func Handle(id uint64) value.Value { return value.MutexHandle(Ref(id)) }

// Mutex is one task-aware mutex: at most one owner task, an ordered FIFO
// of waiting task ids (spec §3 invariant, §4.4 contract).
type Mutex struct {
	ID uint64

	mu      sync.Mutex // protects owner/waiters; release-then-handoff is atomic under this lock (spec §4.5 item 2)
	owner   uint64
	hasOwner bool
	waiters []uint64
}

// Lock attempts to acquire m for task. If m is unowned, task becomes owner
// and ok is true. Otherwise task is appended to the FIFO waiter queue and
// ok is false — the caller (interpreter) must then return
// Suspended(AcquireMutex) per spec §4.4.
func (m *Mutex) Lock(taskID uint64) (acquired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasOwner {
		m.owner = taskID
		m.hasOwner = true
		return true
	}
	for _, w := range m.waiters {
		if w == taskID {
			return false // already queued; no duplicates (spec §3 invariant)
		}
	}
	m.waiters = append(m.waiters, taskID)
	return false
}

// Unlock releases m, which must currently be owned by taskID. If waiters
// are queued, ownership transfers atomically to the head waiter (spec
// §4.5 item 2: "no third task may observe the mutex as unowned between
// release-by-owner and acquire-by-waiter" — guaranteed here because the
// entire operation holds m.mu throughout). Returns the new owner's task id
// and true if ownership transferred to a waiter, so the caller can make
// that task Ready.
func (m *Mutex) Unlock(taskID uint64) (newOwner uint64, transferred bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasOwner || m.owner != taskID {
		return 0, false, vmerr.ErrMutexNotOwned
	}
	if len(m.waiters) == 0 {
		m.hasOwner = false
		m.owner = 0
		return 0, false, nil
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next
	return next, true, nil
}

// ReleaseForTermination releases m as-if Unlock(taskID) were called,
// ignoring ErrMutexNotOwned (the task may not actually hold it — callers
// iterate a task's held-mutex set, which is already authoritative). Used
// on task termination/cancellation per spec §4.4.
func (m *Mutex) ReleaseForTermination(taskID uint64) (newOwner uint64, transferred bool) {
	newOwner, transferred, err := m.Unlock(taskID)
	if err != nil {
		return 0, false
	}
	return newOwner, transferred
}

func (m *Mutex) Owner() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.hasOwner
}

func (m *Mutex) WaiterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Waiters returns a snapshot of the FIFO waiter list, for snapshot/debug
// enumeration (spec §3: "a snapshot or debugger can enumerate them").
func (m *Mutex) Waiters() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.waiters...)
}

// Registry is the global mutex table (spec §3: "registered in a global
// table"), indexed by dense id.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	mutexes map[uint64]*Mutex
}

func NewRegistry() *Registry {
	return &Registry{mutexes: make(map[uint64]*Mutex), nextID: 1}
}

// New allocates a fresh, unowned mutex (the "allocate mutex" heap object
// constructor, per spec §3: "mutexes ... are heap objects with extra
// identity").
func (r *Registry) New() *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	m := &Mutex{ID: id}
	r.mutexes[id] = m
	return m
}

func (r *Registry) Get(id uint64) (*Mutex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mutexes[id]
	return m, ok
}

// Snapshot returns every registered mutex's (id, owner, waiters) for the
// snapshot subsystem (spec §6).
func (r *Registry) Snapshot() []MutexState {
	r.mu.RLock()
	ids := make([]*Mutex, 0, len(r.mutexes))
	for _, m := range r.mutexes {
		ids = append(ids, m)
	}
	r.mu.RUnlock()

	out := make([]MutexState, 0, len(ids))
	for _, m := range ids {
		owner, hasOwner := m.Owner()
		out = append(out, MutexState{
			ID:       m.ID,
			Owner:    owner,
			HasOwner: hasOwner,
			Waiters:  m.Waiters(),
		})
	}
	return out
}

type MutexState struct {
	ID       uint64
	Owner    uint64
	HasOwner bool
	Waiters  []uint64
}

// NextIDValue reports the id that the next New call will assign, for the
// snapshot subsystem.
func (r *Registry) NextIDValue() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// Restore replaces the registry's contents with previously captured states,
// continuing id allocation from nextID.
func (r *Registry) Restore(states []MutexState, nextID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutexes = make(map[uint64]*Mutex, len(states))
	for _, s := range states {
		r.mutexes[s.ID] = &Mutex{
			ID:       s.ID,
			owner:    s.Owner,
			hasOwner: s.HasOwner,
			waiters:  append([]uint64(nil), s.Waiters...),
		}
	}
	r.nextID = nextID
}
