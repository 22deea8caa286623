package ioreactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/corevm/internal/value"
)

type fakeScheduler struct {
	mu     sync.Mutex
	woken  []uint64
	wakeCh chan uint64
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{wakeCh: make(chan uint64, 16)}
}

func (f *fakeScheduler) Wake(taskID uint64) {
	f.mu.Lock()
	f.woken = append(f.woken, taskID)
	f.mu.Unlock()
	f.wakeCh <- taskID
}

func echoExecutor(ctx context.Context, reqs []*Request) error {
	for _, r := range reqs {
		n, _ := r.Payload.(int32)
		SetResult(r, Completion{Value: value.Int(n)})
	}
	return nil
}

func TestSubmitWakesTaskWithCompletion(t *testing.T) {
	sched := newFakeScheduler()
	r := New(Config{MaxBatchSize: 4, FlushInterval: 5 * time.Millisecond, MaxConcurrency: 1}, echoExecutor, sched, nil)
	defer r.Close()

	req := &Request{TaskID: 1, Category: "test", Payload: int32(7)}
	r.Submit(1, req)

	select {
	case id := <-sched.wakeCh:
		if id != 1 {
			t.Fatalf("expected wake for task 1, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wake")
	}
	if req.result.Value.Int() != 7 {
		t.Fatalf("expected completion value 7, got %v", req.result.Value)
	}
}

func TestSubmitRateLimitsByCategory(t *testing.T) {
	sched := newFakeScheduler()
	r := New(Config{
		MaxBatchSize:  1,
		FlushInterval: time.Millisecond,
		Rates:         map[time.Duration]int{time.Minute: 1},
	}, echoExecutor, sched, nil)
	defer r.Close()

	r.Submit(1, &Request{TaskID: 1, Category: "limited", Payload: int32(1)})
	<-sched.wakeCh

	req2 := &Request{TaskID: 2, Category: "limited", Payload: int32(2)}
	r.Submit(2, req2)
	<-sched.wakeCh

	if req2.result.Err == nil {
		t.Fatal("expected second same-category request within the window to be rate-limited")
	}
}
