package scheduler

import "sync"

// Deque is a worker-local double-ended queue of ready task ids: LIFO for
// the owning worker, FIFO for thieves (spec §4.3). Grounded on the
// teacher's ChunkedIngress (eventloop/ingress.go), whose doc comment
// records a deliberate benchmark-driven choice of mutex+slice over
// lock-free CAS under contention; this deque keeps that same tradeoff but
// drops the chunked-linked-list internals (a single slice is enough at the
// scale one worker's ready set reaches, and simplifies the front/back
// bookkeeping a steal deque needs that a single-ended ingress queue does
// not).
type Deque struct {
	mu    sync.Mutex
	items []uint64
}

func NewDeque() *Deque {
	return &Deque{}
}

// PushOwn appends a newly-Ready task at the owner's end (spawn semantics,
// spec §4.3: "pushes it onto the spawning worker's local queue (LIFO)").
func (d *Deque) PushOwn(id uint64) {
	d.mu.Lock()
	d.items = append(d.items, id)
	d.mu.Unlock()
}

// PopOwn pops from the owner's end: LIFO, step 1 of the dispatch loop.
func (d *Deque) PopOwn() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return 0, false
	}
	id := d.items[n-1]
	d.items = d.items[:n-1]
	return id, true
}

// PushPreempted re-enqueues a preempted task at the opposite end from
// PushOwn/PopOwn (spec §4.3: "placed back on a ready queue (local, tail)").
// Placing it at the steal end means it is both the last thing this worker
// will get back to via its own LIFO pops, and the first thing a thief will
// take — preempted work (by definition, work that has already had more
// than its share of a worker's time) is prioritized for redistribution
// rather than immediate local re-run.
func (d *Deque) PushPreempted(id uint64) {
	d.mu.Lock()
	d.items = append([]uint64{id}, d.items...)
	d.mu.Unlock()
}

// PopSteal pops from the front: FIFO, used by a thief stealing from
// another worker's queue, or during a bounded batch steal.
func (d *Deque) PopSteal() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return 0, false
	}
	id := d.items[0]
	d.items = d.items[1:]
	return id, true
}

// StealBatch removes up to n items from the front, for a worker bootstrapping
// its own queue from a victim in one lock acquisition.
func (d *Deque) StealBatch(n int) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.items) {
		n = len(d.items)
	}
	out := append([]uint64(nil), d.items[:n]...)
	d.items = d.items[n:]
	return out
}

func (d *Deque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Injector is the shared, externally-spawned-task queue (spec §4.3). It is
// a plain FIFO: Push appends, PopBatch drains up to n from the
// front.
type Injector struct {
	mu    sync.Mutex
	items []uint64
}

func NewInjector() *Injector { return &Injector{} }

func (i *Injector) Push(id uint64) {
	i.mu.Lock()
	i.items = append(i.items, id)
	i.mu.Unlock()
}

func (i *Injector) PopBatch(n int) []uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n > len(i.items) {
		n = len(i.items)
	}
	out := append([]uint64(nil), i.items[:n]...)
	i.items = i.items[n:]
	return out
}

func (i *Injector) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}
