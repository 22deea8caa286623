package timer

import (
	"testing"
	"time"
)

func TestExpiredOrdersByDeadline(t *testing.T) {
	w := New()
	base := time.Unix(1000, 0)
	w.SetClock(func() time.Time { return base })

	w.Sleep(1, base.Add(10*time.Millisecond))
	w.Sleep(2, base.Add(5*time.Millisecond))
	w.Sleep(3, base.Add(20*time.Millisecond))

	w.SetClock(func() time.Time { return base.Add(12 * time.Millisecond) })
	ready := w.Expired()
	if len(ready) != 2 || ready[0] != 2 || ready[1] != 1 {
		t.Fatalf("expected [2,1], got %v", ready)
	}
	if w.Len() != 1 {
		t.Fatalf("expected 1 remaining timer, got %d", w.Len())
	}
}

func TestCancelRemovesPendingTimer(t *testing.T) {
	w := New()
	base := time.Now()
	w.SetClock(func() time.Time { return base })
	w.Sleep(1, base.Add(time.Second))
	if !w.Cancel(1) {
		t.Fatal("expected cancel to succeed")
	}
	if w.Len() != 0 {
		t.Fatal("expected no pending timers after cancel")
	}
}
