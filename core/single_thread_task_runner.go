package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-layout-harness/channel"
)

// SingleThreadTaskRunner binds a dedicated Goroutine to execute tasks sequentially.
// It guarantees that all tasks submitted to it run on the same Goroutine (Thread Affinity).
//
// Every worker of the layout pipeline (profilers, resource loader, font cache,
// compositor event loop, hang monitor, layout) owns exactly one of these. The
// runner is the worker handle: it is started once, owned by whoever spawned
// it, and joined with Stop.
//
// Workers that serve a mailbox post a single long-running task that receives
// in a loop. Such a loop must receive with the task's ctx so that Stop can
// end it, and reports each message it handles with RecordMessage.
type SingleThreadTaskRunner struct {
	// Unbounded task queue; posting never blocks
	tx *channel.Sender[Task]
	rx *channel.Receiver[Task]

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	startOnce    sync.Once
	started      atomic.Bool
	stopped      chan struct{}
	stopOnce     sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	running  atomic.Bool
	rejected atomic.Uint64

	name         string
	logger       Logger
	panicHandler PanicHandler
	metrics      Metrics
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner(opts RunnerOptions) *SingleThreadTaskRunner {
	r := NewUnstartedSingleThreadTaskRunner(opts)
	r.Start()
	return r
}

// NewUnstartedSingleThreadTaskRunner creates a runner whose goroutine is not
// spawned until Start. Tasks posted before Start are queued, not dropped.
func NewUnstartedSingleThreadTaskRunner(opts RunnerOptions) *SingleThreadTaskRunner {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	tx, rx := channel.New[Task]()
	return &SingleThreadTaskRunner{
		tx:           tx,
		rx:           rx,
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
		name:         opts.Name,
		logger:       opts.Logger,
		panicHandler: opts.PanicHandler,
		metrics:      opts.Metrics,
	}
}

// Start spawns the dedicated goroutine. Calling Start more than once has no effect.
func (r *SingleThreadTaskRunner) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.runLoop()
	})
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	return r.name
}

// PostTask submits a task for execution.
// Tasks posted after Shutdown or Stop are dropped and counted as rejected.
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	if r.closed.Load() {
		r.reject("closed")
		return
	}
	if err := r.tx.Send(task); err != nil {
		r.reject("disconnected")
	}
}

func (r *SingleThreadTaskRunner) reject(reason string) {
	r.rejected.Add(1)
	r.metrics.RecordTaskRejected(r.name, reason)
	r.logger.Debug("task rejected", F("runner", r.name), F("reason", reason))
}

// Done is closed once the runner goroutine has exited.
func (r *SingleThreadTaskRunner) Done() <-chan struct{} {
	return r.stopped
}

// Shutdown marks the runner as closed and signals shutdown waiters.
// Unlike Stop(), this method does NOT wait for the runLoop.
// This allows tasks to call Shutdown() from within themselves.
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		close(r.shutdownChan)
	})
}

// IsClosed returns true if the runner has been shut down or stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop stops the runner and waits for the current task to return.
// A task blocked in a receive that ignores its ctx keeps Stop waiting.
func (r *SingleThreadTaskRunner) Stop() {
	_ = r.StopContext(context.Background())
}

// StopContext is Stop bounded by ctx. The runner is cancelled either way;
// only the wait for the goroutine to exit is abandoned when ctx ends.
func (r *SingleThreadTaskRunner) StopContext(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.Shutdown()
		r.rx.Close()
	})

	if !r.started.Load() {
		return nil
	}

	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner %s: %w", r.name, ctx.Err())
	}
}

// runLoop is the core of this runner, it occupies a dedicated goroutine
func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped)

	// Create context with taskRunnerKey for GetCurrentTaskRunner
	runCtx := context.WithValue(r.ctx, taskRunnerKey, r)

	for {
		task, err := r.rx.RecvContext(r.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, channel.ErrDisconnected) {
				r.logger.Warn("runner loop exited", F("runner", r.name), F("error", err))
			}
			return
		}

		r.metrics.RecordQueueDepth(r.name, r.rx.Len())
		r.runTask(runCtx, task)
	}
}

func (r *SingleThreadTaskRunner) runTask(ctx context.Context, task Task) {
	start := time.Now()
	r.running.Store(true)
	defer func() {
		r.running.Store(false)
		if rec := recover(); rec != nil {
			r.metrics.RecordTaskPanic(r.name, rec)
			r.panicHandler.HandlePanic(ctx, r.name, rec, debug.Stack())
		}
		r.metrics.RecordTaskDuration(r.name, time.Since(start))
	}()

	task(ctx)
}

// RecordMessage reports one message handled by a receive loop running on the
// runner that ctx belongs to: the time since start, and the messages still
// queued behind it. Outside a SingleThreadTaskRunner it does nothing.
func RecordMessage(ctx context.Context, start time.Time, pending int) {
	r, ok := GetCurrentTaskRunner(ctx).(*SingleThreadTaskRunner)
	if !ok {
		return
	}
	r.metrics.RecordTaskDuration(r.name, time.Since(start))
	r.metrics.RecordQueueDepth(r.name, pending)
}

// Stats returns a snapshot of the runner.
func (r *SingleThreadTaskRunner) Stats() RunnerStats {
	return RunnerStats{
		Name:     r.name,
		Pending:  r.rx.Len(),
		Running:  r.running.Load(),
		Rejected: r.rejected.Load(),
		Closed:   r.closed.Load(),
	}
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all currently queued tasks have completed execution.
// This is implemented by posting a barrier task and waiting for it to execute.
//
// A runner occupied by a long-running receive loop never becomes idle;
// WaitIdle then returns when ctx ends.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("runner %s is closed", r.name)
	}

	done := make(chan struct{})
	r.PostTask(func(taskCtx context.Context) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitShutdown blocks until Shutdown() is called on this runner.
func (r *SingleThreadTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostTaskAndReply executes task on this runner, then posts reply to replyRunner.
// If task panics, reply will not be executed.
func (r *SingleThreadTaskRunner) PostTaskAndReply(task Task, reply Task, replyRunner TaskRunner) {
	PostTaskAndReply(r, task, reply, replyRunner)
}
