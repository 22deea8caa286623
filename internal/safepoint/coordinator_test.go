package safepoint

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRequestWaitsForAllWorkers(t *testing.T) {
	const workers = 4
	c := New(workers, nil)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			c.PollPoint(context.Background())
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ticket, err := c.Request(ctx)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	ticket.Release()
	wg.Wait()
}

func TestRequestTimesOutIfWorkerNeverPolls(t *testing.T) {
	c := New(2, nil)
	// only one of two workers polls
	go c.PollPoint(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx)
	if err == nil {
		t.Fatal("expected timeout error when not all workers park")
	}
}

func TestIdempotentSecondRequest(t *testing.T) {
	c := New(1, nil)
	done := make(chan struct{})
	go func() {
		c.PollPoint(context.Background())
		c.PollPoint(context.Background())
		close(done)
	}()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ticket, err := c.Request(ctx)
		cancel()
		if err != nil {
			t.Fatalf("round %d: Request failed: %v", i, err)
		}
		ticket.Release()
	}
	<-done
}
