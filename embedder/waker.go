package embedder

import (
	"context"
	"sync"
	"time"
)

// EventLoopWaker interrupts the embedder's event loop from any goroutine.
type EventLoopWaker interface {
	// Wake signals that the event loop has pending work.
	Wake()

	// Clone returns a waker for the same event loop.
	Clone() EventLoopWaker
}

type wakerState struct {
	mu    sync.Mutex
	cond  *sync.Cond
	woken bool
}

// HeadlessEventLoopWaker is a flag guarded by a mutex plus a condition
// variable. It is edge-triggered with a single consumer: wakes issued before
// the consumer waits coalesce into one release.
type HeadlessEventLoopWaker struct {
	state *wakerState
}

// NewHeadlessEventLoopWaker creates an unsignalled waker.
func NewHeadlessEventLoopWaker() *HeadlessEventLoopWaker {
	s := &wakerState{}
	s.cond = sync.NewCond(&s.mu)
	return &HeadlessEventLoopWaker{state: s}
}

// Wake sets the flag and releases one waiter.
func (w *HeadlessEventLoopWaker) Wake() {
	s := w.state
	s.mu.Lock()
	s.woken = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Clone returns a waker sharing this waker's flag.
func (w *HeadlessEventLoopWaker) Clone() EventLoopWaker {
	return &HeadlessEventLoopWaker{state: w.state}
}

// Wait blocks until the flag is set, then clears it.
func (w *HeadlessEventLoopWaker) Wait() {
	w.WaitContext(context.Background())
}

// WaitContext is Wait bounded by ctx. It reports whether it consumed a wake.
func (w *HeadlessEventLoopWaker) WaitContext(ctx context.Context) bool {
	s := w.state

	// Broadcast under the lock so a waiter cannot miss the cancellation
	// between checking ctx and parking on the condition.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.woken && ctx.Err() == nil {
		s.cond.Wait()
	}
	if !s.woken {
		return false
	}
	s.woken = false
	return true
}

// WaitTimeout is Wait bounded by d. It reports whether it consumed a wake.
func (w *HeadlessEventLoopWaker) WaitTimeout(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.WaitContext(ctx)
}
