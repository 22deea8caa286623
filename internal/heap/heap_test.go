package heap

import (
	"context"
	"testing"

	"github.com/joeycumines/corevm/internal/safepoint"
	"github.com/joeycumines/corevm/internal/value"
)

func TestAllocAndCollectFreesUnreachable(t *testing.T) {
	coord := safepoint.New(1, nil)
	globals := NewGlobals(1)
	h := New(coord, NewClassRegistry(), globals, 0, nil)

	// pollDone is closed once collection below has finished; the worker's
	// safepoint participation is the PollPoint goroutine started just
	// before Collect.
	pollDone := make(chan struct{})
	go func() {
		<-pollDone
	}()

	reachable := NewArray(value.Int(1), value.Int(2))
	if _, err := h.Alloc(context.Background(), reachable); err != nil {
		t.Fatal(err)
	}
	globals.Set(0, value.Array(reachable))

	unreachable := NewArray(value.Int(3))
	if _, err := h.Alloc(context.Background(), unreachable); err != nil {
		t.Fatal(err)
	}

	if h.LiveBytes() == 0 {
		t.Fatal("expected nonzero live bytes before collection")
	}

	go coord.PollPoint(context.Background())
	if err := h.Collect(context.Background()); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	close(pollDone)

	h.mu.Lock()
	_, stillThere := h.allocated[reachable]
	_, unreachableStillThere := h.allocated[unreachable]
	h.mu.Unlock()

	if !stillThere {
		t.Error("reachable object was swept")
	}
	if unreachableStillThere {
		t.Error("unreachable object survived collection")
	}
}

func TestOutOfMemoryOnAllocationOverCap(t *testing.T) {
	coord := safepoint.New(1, nil)
	h := New(coord, NewClassRegistry(), NewGlobals(0), 1, nil) // 1 byte cap

	go coord.PollPoint(context.Background())
	_, err := h.Alloc(context.Background(), NewArray(value.Int(1)))
	if err == nil {
		t.Fatal("expected out-of-memory error")
	}
}

func TestClassRegistryFieldLookup(t *testing.T) {
	reg := NewClassRegistry()
	id := reg.Register(&ClassSchema{
		Name:          "Point",
		FieldNames:    []string{"x", "y"},
		FieldIndex:    map[string]int{"x": 0, "y": 1},
		ParentClassID: -1,
	})
	schema := reg.ByID(id)
	if schema == nil {
		t.Fatal("expected schema")
	}
	idx, ok := schema.FieldByName("y")
	if !ok || idx != 1 {
		t.Fatalf("expected field y at index 1, got %d, %v", idx, ok)
	}
}
