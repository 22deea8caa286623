package heap

import (
	"context"
	"sync"

	"github.com/joeycumines/corevm/internal/safepoint"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
	"github.com/joeycumines/corevm/internal/vmlog"
)

// RootProvider is implemented by the scheduler (and any other subsystem
// holding live Values outside the heap) so that ScanRoots can enumerate
// every reachable Value without the heap package depending on scheduler or
// task. Each provider visits its roots by calling the supplied fn once per
// reachable Value.
type RootProvider interface {
	ScanRoots(visit func(value.Value))
}

// Globals is the dense-indexed global-variable vector (spec §4.6:
// "load/store global (by dense index)"). It is itself a GC root.
type Globals struct {
	mu     sync.RWMutex
	values []value.Value
}

func NewGlobals(n int) *Globals {
	return &Globals{values: make([]value.Value, n)}
}

func (g *Globals) Get(idx uint32) value.Value {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.values[idx]
}

func (g *Globals) Set(idx uint32, v value.Value) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[idx] = v
}

func (g *Globals) ScanRoots(visit func(value.Value)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, v := range g.values {
		visit(v)
	}
}

// All returns every global slot's current value in dense-index order, for
// the snapshot subsystem (spec §6).
func (g *Globals) All() []value.Value {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]value.Value(nil), g.values...)
}

// Restore replaces every global slot's value in dense-index order.
func (g *Globals) Restore(vs []value.Value) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = append([]value.Value(nil), vs...)
}

// Heap is the non-moving mark-sweep allocator of spec §4.2. The GC policy
// (non-moving) is an explicit resolution of an ambiguity spec.md leaves
// open — see SPEC_FULL.md / DESIGN.md — which is why Heap never needs to
// rewrite a Value held across an allocation: object identity (the Go
// pointer) never changes.
type Heap struct {
	mu        sync.Mutex
	allocated map[Object]struct{}
	liveBytes int64
	maxBytes  int64

	coord   *safepoint.Coordinator
	roots   []RootProvider
	classes *ClassRegistry
	globals *Globals

	log *vmlog.Logger
}

// New constructs a Heap bounded by maxBytes (0 = unbounded), coordinated
// with coord for stop-the-world mark-sweep cycles.
func New(coord *safepoint.Coordinator, classes *ClassRegistry, globals *Globals, maxBytes int64, log *vmlog.Logger) *Heap {
	if log == nil {
		log = vmlog.Nop()
	}
	return &Heap{
		allocated: make(map[Object]struct{}),
		maxBytes:  maxBytes,
		coord:     coord,
		classes:   classes,
		globals:   globals,
		log:       log,
	}
}

// RegisterRootProvider adds a RootProvider that GC root scanning (spec
// §4.2) must visit on every cycle — typically the scheduler's task
// registry and any in-flight native-call pin sets.
func (h *Heap) RegisterRootProvider(p RootProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots = append(h.roots, p)
}

func sizeOf(o Object) int64 {
	switch v := o.(type) {
	case *Instance:
		return 32 + 16*int64(len(v.Fields))
	case *Array:
		return 24 + 16*int64(len(v.Elements))
	case *Closure:
		return 16 + 24*int64(len(v.Captures))
	case *Buffer:
		return 16 + int64(len(v.Bytes))
	case *Map:
		return 48 + 32*int64(len(v.Entries))
	case *Set:
		return 48 + 24*int64(len(v.Entries))
	case *RefCell:
		return 24
	default:
		return 32
	}
}

// Alloc records a freshly-constructed Object as live and, if the heap is
// over budget, triggers a GC cycle (spec §4.2: "Allocation may trigger a GC
// cycle, which requires a safepoint round-trip"). The caller constructs the
// object itself (NewInstance, NewArray, ...); Alloc is the accounting and
// GC-trigger point every allocation opcode must call through.
func (h *Heap) Alloc(ctx context.Context, o Object) (Object, error) {
	h.coord.PollPoint(ctx)

	size := sizeOf(o)
	h.mu.Lock()
	over := h.maxBytes > 0 && h.liveBytes+size > h.maxBytes
	h.mu.Unlock()

	if over {
		if err := h.Collect(ctx); err != nil {
			return nil, err
		}
		h.mu.Lock()
		stillOver := h.liveBytes+size > h.maxBytes
		h.mu.Unlock()
		if stillOver {
			return nil, vmerr.New(vmerr.KindOutOfMemory, "heap exceeds configured maximum after collection")
		}
	}

	h.mu.Lock()
	h.allocated[o] = struct{}{}
	h.liveBytes += size
	h.mu.Unlock()
	return o, nil
}

// Collect runs one stop-the-world mark-sweep cycle: requests a safepoint,
// marks every object reachable from globals and every registered
// RootProvider, sweeps unmarked objects, then
// releases the safepoint (spec §4.2/§4.1).
func (h *Heap) Collect(ctx context.Context) error {
	ticket, err := h.coord.Request(ctx)
	if err != nil {
		return err
	}
	defer ticket.Release()

	h.log.Debug().Log("gc: mark phase starting")

	h.mu.Lock()
	for o := range h.allocated {
		o.setMarked(false)
	}
	h.mu.Unlock()

	visit := func(v value.Value) {
		h.markValue(v)
	}
	if h.globals != nil {
		h.globals.ScanRoots(visit)
	}
	h.mu.Lock()
	roots := append([]RootProvider(nil), h.roots...)
	h.mu.Unlock()
	for _, p := range roots {
		p.ScanRoots(visit)
	}

	h.log.Debug().Log("gc: sweep phase starting")

	h.mu.Lock()
	var freed int64
	for o := range h.allocated {
		if !o.marked() {
			freed += sizeOf(o)
			delete(h.allocated, o)
		}
	}
	h.liveBytes -= freed
	live := h.liveBytes
	h.mu.Unlock()

	h.log.Debug().Int64("freed_bytes", freed).Int64("live_bytes", live).Log("gc: cycle complete")
	return nil
}

// markValue marks o and, transitively, everything it references. Cycles
// are safe because the mark bit is checked before recursing.
func (h *Heap) markValue(v value.Value) {
	switch v.Kind() {
	case value.KindObject, value.KindArray, value.KindClosure:
		if o, ok := v.Ref().(Object); ok {
			h.markObject(o)
		}
	}
}

func (h *Heap) markObject(o Object) {
	if o == nil || o.marked() {
		return
	}
	o.setMarked(true)
	switch v := o.(type) {
	case *Instance:
		for _, f := range v.Fields {
			h.markValue(f)
		}
	case *Array:
		for _, e := range v.Elements {
			h.markValue(e)
		}
	case *Closure:
		for _, c := range v.Captures {
			if c.Cell != nil {
				h.markObject(c.Cell)
			} else {
				h.markValue(c.Value)
			}
		}
	case *RefCell:
		h.markValue(v.Value)
	case *Map:
		for _, e := range v.Entries {
			h.markValue(e)
		}
	case *Set:
		for e := range v.Entries {
			h.markValue(e)
		}
	}
}

// AllObjects returns every currently-live object in an arbitrary but
// stable-for-the-call order, for the snapshot subsystem (spec §6: "heap
// dump"). The caller must not mutate the heap concurrently with iterating
// the result without its own safepoint round-trip.
func (h *Heap) AllObjects() []Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Object, 0, len(h.allocated))
	for o := range h.allocated {
		out = append(out, o)
	}
	return out
}

// RestoreObjects replaces the heap's live-object set wholesale, used by the
// snapshot subsystem after deserializing a heap dump. Live byte accounting
// is recomputed from the restored objects rather than trusted verbatim from
// the snapshot.
func (h *Heap) RestoreObjects(objs []Object) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allocated = make(map[Object]struct{}, len(objs))
	var live int64
	for _, o := range objs {
		h.allocated[o] = struct{}{}
		live += sizeOf(o)
	}
	h.liveBytes = live
}

// Classes exposes the class registry for callers (snapshot, native
// context construction) that were handed a *Heap but also need class
// lookups.
func (h *Heap) Classes() *ClassRegistry { return h.classes }

// Coordinator exposes the safepoint coordinator this heap collects under.
func (h *Heap) Coordinator() *safepoint.Coordinator { return h.coord }

// LiveBytes reports current accounted live-object size, for diagnostics.
func (h *Heap) LiveBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveBytes
}

// DefaultMaxBytes is used by embedders that don't configure a heap cap
// explicitly but still want the out-of-memory path to be reachable.
const DefaultMaxBytes = int64(256) << 20
