package scheduler

import (
	"time"

	"github.com/joeycumines/corevm/internal/task"
)

// Monitor is the cooperative preemption watchdog of spec §4.3: a ticking
// goroutine that scans Running tasks and sets the preempt flag on any that
// have held a worker past the configured threshold. It never stops a
// task itself — it only raises the flag that the interpreter observes at
// the next safepoint (spec §4.1).
type Monitor struct {
	registry  *Registry
	threshold time.Duration
	interval  time.Duration

	stopped chan struct{}
	done    chan struct{}
}

func NewMonitor(registry *Registry, threshold, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Millisecond
	}
	if threshold <= 0 {
		threshold = 10 * time.Millisecond
	}
	return &Monitor{
		registry:  registry,
		threshold: threshold,
		interval:  interval,
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the scan loop; it runs until Stop is called.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) Stop() {
	close(m.stopped)
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			m.scan(time.Now())
		}
	}
}

func (m *Monitor) scan(now time.Time) {
	for _, t := range m.registry.Snapshot() {
		if t.Status() != task.StatusRunning {
			continue
		}
		if now.Sub(t.LastDispatch()) >= m.threshold {
			t.RequestPreempt()
		}
	}
}
