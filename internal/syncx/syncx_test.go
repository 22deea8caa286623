package syncx

import (
	"testing"

	"github.com/joeycumines/corevm/internal/value"
)

func TestMutexFIFOHandoff(t *testing.T) {
	reg := NewRegistry()
	m := reg.New()

	if !m.Lock(1) {
		t.Fatal("expected task 1 to acquire uncontended mutex")
	}
	if m.Lock(2) {
		t.Fatal("expected task 2 to block")
	}
	if m.Lock(3) {
		t.Fatal("expected task 3 to block")
	}
	if m.WaiterCount() != 2 {
		t.Fatalf("expected 2 waiters, got %d", m.WaiterCount())
	}

	newOwner, transferred, err := m.Unlock(1)
	if err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if !transferred || newOwner != 2 {
		t.Fatalf("expected ownership to transfer to task 2, got %d, %v", newOwner, transferred)
	}
	if owner, _ := m.Owner(); owner != 2 {
		t.Fatalf("expected owner 2, got %d", owner)
	}
}

func TestUnlockByNonOwnerFails(t *testing.T) {
	reg := NewRegistry()
	m := reg.New()
	m.Lock(1)
	if _, _, err := m.Unlock(99); err == nil {
		t.Fatal("expected error unlocking mutex not owned by caller")
	}
}

func TestUnlockWithNoWaitersLeavesUnowned(t *testing.T) {
	reg := NewRegistry()
	m := reg.New()
	m.Lock(1)
	_, transferred, err := m.Unlock(1)
	if err != nil || transferred {
		t.Fatalf("expected clean unlock with no transfer, got transferred=%v err=%v", transferred, err)
	}
	if _, hasOwner := m.Owner(); hasOwner {
		t.Fatal("expected mutex to be unowned")
	}
}

func TestChannelRendezvousBuffered(t *testing.T) {
	ch := NewChannel(1, 1)
	_, delivered, mustBlock := ch.TrySend(1, value.Int(7))
	if !delivered || mustBlock {
		t.Fatal("expected buffered send to deliver without blocking")
	}
	v, _, delivered, mustBlock := ch.TryReceive(2)
	if !delivered || mustBlock {
		t.Fatal("expected receive to get buffered value")
	}
	if v.Int() != 7 {
		t.Fatalf("expected 7, got %v", v)
	}
}

func TestChannelRendezvousDirect(t *testing.T) {
	ch := NewChannel(1, 0)
	_, _, mustBlock := ch.TrySend(1, value.Int(9))
	if !mustBlock {
		t.Fatal("expected unbuffered send with no receiver to block")
	}
	v, woke, delivered, mustBlock2 := ch.TryReceive(2)
	if !delivered || mustBlock2 || woke != 1 || v.Int() != 9 {
		t.Fatalf("expected direct rendezvous to deliver 9 and wake sender 1, got v=%v woke=%d delivered=%v block=%v", v, woke, delivered, mustBlock2)
	}
}
