// Package safepoint implements the global pause barrier of spec §4.1: one
// concurrent requester (GC, snapshot) can pause every registered worker at
// its next poll point, act exclusively, then release them.
package safepoint

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/corevm/internal/vmlog"
)

// state mirrors the teacher's FastState pattern (eventloop/state.go): a
// small, explicitly-ordered atomic state machine instead of a mutex-guarded
// struct field, so PollPoint (called from every interpreter safepoint site)
// is a single atomic load on the common, unpaused path.
type state uint32

const (
	stateIdle state = iota
	stateRequested
	stateExclusive
)

// Coordinator is the safepoint barrier. One Coordinator is shared by every
// worker in a Scheduler and by the Heap's GC and the snapshot subsystem.
type Coordinator struct {
	workers int32 // registered worker count, set once before Run

	st     atomic.Uint32
	parked atomic.Int32

	mu   sync.Mutex
	cond *sync.Cond

	log *vmlog.Logger
}

// New constructs a Coordinator for the given number of workers. log may be
// nil, in which case vmlog.Nop() is used.
func New(workers int, log *vmlog.Logger) *Coordinator {
	if log == nil {
		log = vmlog.Nop()
	}
	c := &Coordinator{workers: int32(workers), log: log}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetWorkers updates the registered worker count. Used by the scheduler if
// the worker pool is resized; must not be called concurrently with a
// request in flight.
func (c *Coordinator) SetWorkers(n int) {
	atomic.StoreInt32(&c.workers, int32(n))
}

// Ticket is held by the requester between a successful Request and the
// matching Release.
type Ticket struct {
	c *Coordinator
}

// Request raises the pause-requested flag and blocks until every registered
// worker has called PollPoint and observed it (i.e. parked), or ctx is
// done. Only one Request may be outstanding at a time; a second concurrent
// call blocks until the first's Ticket is released (spec §4.1: "supports
// one concurrent request at a time").
func (c *Coordinator) Request(ctx context.Context) (*Ticket, error) {
	c.mu.Lock()
	for !c.st.CompareAndSwap(uint32(stateIdle), uint32(stateRequested)) {
		c.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.mu.Lock()
	}
	c.mu.Unlock()

	c.log.Debug().Log("safepoint request raised")

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.parked.Load() < atomic.LoadInt32(&c.workers) && c.st.Load() == uint32(stateRequested) {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Lower the flag so workers that already parked resume and a later
		// Request can raise it again.
		c.mu.Lock()
		c.st.Store(uint32(stateIdle))
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	c.st.Store(uint32(stateExclusive))
	c.log.Debug().Int("parked", int(c.parked.Load())).Log("safepoint acquired, exclusive action may proceed")
	return &Ticket{c: c}, nil
}

// Release lowers the pause flag and wakes every parked worker.
func (t *Ticket) Release() {
	c := t.c
	c.mu.Lock()
	c.st.Store(uint32(stateIdle))
	c.cond.Broadcast()
	c.mu.Unlock()
	c.log.Debug().Log("safepoint released")
}

// PollPoint is called from every safepoint location named in spec §4.1
// (backward branches, call/return, allocation, native-call entry/exit, and
// the bounded-latency N-instruction fallback). It parks the calling worker
// until the outstanding request is released, then returns. On the common
// path (no request outstanding) it is a single atomic load.
func (c *Coordinator) PollPoint(ctx context.Context) {
	if c.st.Load() != uint32(stateRequested) && c.st.Load() != uint32(stateExclusive) {
		return
	}
	c.mu.Lock()
	c.parked.Add(1)
	c.cond.Broadcast() // wake the Request goroutine's Wait in case we're the last
	for c.st.Load() == uint32(stateRequested) || c.st.Load() == uint32(stateExclusive) {
		c.cond.Wait()
	}
	c.parked.Add(-1)
	c.mu.Unlock()
	_ = ctx
}

// Requested reports whether a pause is currently outstanding, without
// parking. Used by callers that want to check-then-branch before entering
// PollPoint's blocking path.
func (c *Coordinator) Requested() bool {
	s := c.st.Load()
	return s == uint32(stateRequested) || s == uint32(stateExclusive)
}
