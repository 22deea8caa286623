// Package ioreactor implements the native-I/O suspension backend of spec
// §4.4/§4.7: a task that returns NativeIo(io_request) is hidden from the
// scheduler until its request completes. Requests are grouped into small
// batches before being handed to the host-provided Executor (reducing
// round trips to whatever backs real I/O — sockets, files, timers), and
// completions are delivered back to the scheduler via Wake.
package ioreactor

import (
	"context"
	"io"
	"time"

	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmlog"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/go-microbatch"
)

// Request is one native-I/O suspension (spec §4.4's IORequest, carried
// inside task.SuspendReason.IORequest, unwrapped by the interpreter's
// native-call boundary before reaching here).
type Request struct {
	TaskID   uint64
	Category string // groups requests for rate limiting, e.g. "fs.read", "net.dial"
	Payload  any
	Deadline time.Time
	HasDeadline bool

	result Completion
}

// Result returns the Completion written by the reactor once the request has
// been serviced. Called by the interpreter when resuming a task parked on
// SuspendNativeIO — safe only after the reactor has woken the task.
func (req *Request) Result() Completion { return req.result }

// Completion is the value or error an Executor produces for one Request.
// Per spec §5: "Native Suspend requests may carry optional deadlines;
// expired deadlines deliver a timeout completion value."
type Completion struct {
	Value   value.Value
	Err     error
	TimedOut bool
}

// Executor performs the actual I/O for a batch of requests, writing each
// request's result via its own Completion before returning. Host-provided;
// out of the core's scope per spec §1 ("standard-library native function
// implementations" are an external collaborator).
type Executor func(ctx context.Context, reqs []*Request) error

// Scheduler is the minimal capability the reactor needs back from the
// scheduler: waking a task once its completion is recorded.
type Scheduler interface {
	Wake(taskID uint64)
}

// Reactor batches and executes native I/O requests, then wakes the
// originating task.
type Reactor struct {
	batcher    *microbatch.Batcher[*Request]
	limiter    *catrate.Limiter
	scheduler  Scheduler
	log        *vmlog.Logger
	completions chan Completion
}

// Config mirrors microbatch.BatcherConfig for the reactor's batching
// policy, plus a rate limit expressed the way catrate.NewLimiter expects
// (a map of window to max-events-per-window).
type Config struct {
	MaxBatchSize   int
	FlushInterval  time.Duration
	MaxConcurrency int
	Rates          map[time.Duration]int // e.g. {time.Second: 1000} caps submissions/sec per category
}

// New constructs a Reactor. exec performs the actual I/O per batch;
// scheduler is woken once each request's completion is recorded.
func New(cfg Config, exec Executor, scheduler Scheduler, log *vmlog.Logger) *Reactor {
	if log == nil {
		log = vmlog.Nop()
	}
	r := &Reactor{
		scheduler:   scheduler,
		log:         log,
		completions: make(chan Completion, 256),
	}
	if cfg.Rates != nil {
		r.limiter = catrate.NewLimiter(cfg.Rates)
	}
	r.batcher = microbatch.NewBatcher[*Request](&microbatch.BatcherConfig{
		MaxSize:        cfg.MaxBatchSize,
		FlushInterval:  cfg.FlushInterval,
		MaxConcurrency: cfg.MaxConcurrency,
	}, func(ctx context.Context, reqs []*Request) error {
		return exec(ctx, reqs)
	})
	return r
}

// Submit implements scheduler.IOReactor. It is non-blocking: the actual
// batch submission and wait happen on a dedicated goroutine, which wakes
// taskID once the completion is recorded.
func (r *Reactor) Submit(taskID uint64, request any) {
	req, ok := request.(*Request)
	if !ok {
		req = &Request{TaskID: taskID, Payload: request}
	}
	req.TaskID = taskID

	go r.run(req)
}

func (r *Reactor) run(req *Request) {
	if r.limiter != nil {
		if _, ok := r.limiter.Allow(req.Category); !ok {
			r.complete(req, Completion{Err: errRateLimited})
			return
		}
	}

	ctx := context.Background()
	if req.HasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	result, err := r.batcher.Submit(ctx, req)
	if err != nil {
		r.complete(req, Completion{Err: err})
		return
	}
	if err := result.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			r.complete(req, Completion{TimedOut: true})
			return
		}
		r.complete(req, Completion{Err: err})
		return
	}
	r.complete(req, result.Job.result)
}

func (r *Reactor) complete(req *Request, c Completion) {
	req.result = c
	select {
	case r.completions <- c:
	default:
	}
	r.log.Debug().Uint64("task_id", req.TaskID).Log("ioreactor: request complete")
	r.scheduler.Wake(req.TaskID)
}

// SetResult is called by the Executor for each request in its batch,
// before returning — the result the waiting goroutine in run() reads off
// req.result once JobResult.Wait unblocks.
func SetResult(req *Request, c Completion) { req.result = c }

// DrainCompletions long-polls the reactor's completion stream, handing each
// completion to fn as a one-element slice — a diagnostics/metrics consumer, not on the
// task-wake critical path (which always goes through Submit -> Wake
// directly for minimum latency).
func (r *Reactor) DrainCompletions(ctx context.Context, cfg *longpoll.ChannelConfig, fn func([]Completion) error) error {
	err := longpoll.Channel(ctx, cfg, r.completions, func(c Completion) error {
		return fn([]Completion{c})
	})
	if err == io.EOF {
		return nil
	}
	return err
}

// Close stops accepting new batches; in-flight submissions still complete.
func (r *Reactor) Close() error {
	return r.batcher.Close()
}

var errRateLimited = rateLimitedError{}

type rateLimitedError struct{}

func (rateLimitedError) Error() string { return "ioreactor: request category rate-limited" }
