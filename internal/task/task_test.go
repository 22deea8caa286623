package task

import (
	"testing"

	"github.com/joeycumines/corevm/internal/value"
)

func TestCompleteDrainsAwaiters(t *testing.T) {
	tk := New(1, nil)
	if !tk.AddAwaiter(2) {
		t.Fatal("expected AddAwaiter to succeed on a non-terminal task")
	}
	if !tk.AddAwaiter(3) {
		t.Fatal("expected AddAwaiter to succeed twice")
	}
	ids := tk.Complete(value.Int(42))
	if len(ids) != 2 {
		t.Fatalf("expected 2 awaiters, got %d", len(ids))
	}
	if tk.Status() != StatusCompleted {
		t.Fatalf("expected completed status, got %s", tk.Status())
	}
}

func TestAddAwaiterOnTerminalTaskFails(t *testing.T) {
	tk := New(1, nil)
	tk.Complete(value.Int(1))
	if tk.AddAwaiter(2) {
		t.Fatal("expected AddAwaiter to fail once task is terminal")
	}
}

func TestHeldMutexBookkeeping(t *testing.T) {
	tk := New(1, nil)
	tk.HoldMutex(10)
	tk.HoldMutex(11)
	if tk.HeldMutexCount() != 2 {
		t.Fatalf("expected 2 held mutexes, got %d", tk.HeldMutexCount())
	}
	tk.ReleaseMutexRecord(10)
	if tk.HeldMutexCount() != 1 {
		t.Fatalf("expected 1 held mutex after release, got %d", tk.HeldMutexCount())
	}
}

func TestStatusTransitionIsCAS(t *testing.T) {
	tk := New(1, nil)
	if !tk.TryTransition(StatusReady, StatusRunning) {
		t.Fatal("expected Ready->Running transition to succeed")
	}
	if tk.TryTransition(StatusReady, StatusRunning) {
		t.Fatal("expected second Ready->Running transition to fail (already Running)")
	}
}
