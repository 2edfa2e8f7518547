// Package channel provides unbounded, ordered, typed channels with a
// cloneable sending side and a single-owner receiving side.
//
// A Go chan has a fixed capacity and no notion of "every sender is gone".
// The workers of the layout pipeline need both: sends must never block the
// posting goroutine, and a receiver blocked on a reply must learn that the
// other side died instead of hanging forever.
//
//	tx, rx := channel.New[int]()
//	tx2 := tx.Clone()
//	tx.Send(1)
//	tx2.Send(2)
//	tx.Close()
//	tx2.Close()
//	rx.Recv() // 1, nil
//	rx.Recv() // 2, nil
//	rx.Recv() // 0, ErrDisconnected
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDisconnected is returned by Recv once the queue is drained and every
	// Sender handle has been closed, and by Send once the Receiver is closed.
	ErrDisconnected = errors.New("channel: disconnected")

	// ErrTimeout is returned by RecvTimeout when no value arrived in time.
	ErrTimeout = errors.New("channel: receive timed out")

	// ErrEmpty is returned by TryRecv when no value is queued.
	ErrEmpty = errors.New("channel: empty")
)

type state[T any] struct {
	mu       sync.Mutex
	queue    fifo[T]
	senders  int
	rxClosed bool

	// notify wakes the single receiver. Capacity 1 makes signals coalesce,
	// the receiver always re-checks the queue under mu.
	notify chan struct{}
}

func (s *state[T]) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// New creates a connected Sender/Receiver pair.
func New[T any]() (*Sender[T], *Receiver[T]) {
	s := &state[T]{
		queue:   newFIFO[T](),
		senders: 1,
		notify:  make(chan struct{}, 1),
	}
	return &Sender[T]{s: s}, &Receiver[T]{s: s}
}

// =============================================================================
// Sender
// =============================================================================

// Sender is one handle on the sending side of a channel.
// Handles are cheap to Clone and safe to use from any goroutine.
type Sender[T any] struct {
	s      *state[T]
	closed atomic.Bool
}

// Send enqueues v. It never blocks.
func (tx *Sender[T]) Send(v T) error {
	if tx.closed.Load() {
		return ErrDisconnected
	}

	s := tx.s
	s.mu.Lock()
	if s.rxClosed {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.queue.push(v)
	s.mu.Unlock()

	s.signal()
	return nil
}

// Clone returns a new handle on the same channel.
// The channel stays connected until every handle is closed.
func (tx *Sender[T]) Clone() *Sender[T] {
	s := tx.s
	if tx.closed.Load() {
		dead := &Sender[T]{s: s}
		dead.closed.Store(true)
		return dead
	}

	s.mu.Lock()
	s.senders++
	s.mu.Unlock()
	return &Sender[T]{s: s}
}

// Close drops this handle. Closing a handle twice is a no-op.
func (tx *Sender[T]) Close() {
	if !tx.closed.CompareAndSwap(false, true) {
		return
	}

	s := tx.s
	s.mu.Lock()
	s.senders--
	last := s.senders == 0
	s.mu.Unlock()

	if last {
		s.signal()
	}
}

// IsDisconnected reports whether the receiving side is gone.
func (tx *Sender[T]) IsDisconnected() bool {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxClosed
}

// =============================================================================
// Receiver
// =============================================================================

// Receiver is the single-owner receiving side of a channel.
// Only one goroutine may receive at a time.
type Receiver[T any] struct {
	s *state[T]
}

// Recv blocks until a value is available or every sender is closed.
// There is no timeout: a sender that never sends and never closes blocks the
// caller forever.
func (rx *Receiver[T]) Recv() (T, error) {
	return rx.RecvContext(context.Background())
}

// RecvContext is Recv bounded by ctx. It returns ctx.Err() when ctx ends first.
func (rx *Receiver[T]) RecvContext(ctx context.Context) (T, error) {
	for {
		v, err := rx.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return v, err
		}

		select {
		case <-rx.s.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// RecvTimeout is Recv bounded by d. It returns ErrTimeout when d elapses first.
func (rx *Receiver[T]) RecvTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	v, err := rx.RecvContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrTimeout
	}
	return v, err
}

// TryRecv returns the next value without blocking.
// It returns ErrEmpty when nothing is queued and a sender is still alive,
// and ErrDisconnected when nothing is queued and every sender is closed.
func (rx *Receiver[T]) TryRecv() (T, error) {
	s := rx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.queue.pop(); ok {
		return v, nil
	}

	var zero T
	if s.senders == 0 || s.rxClosed {
		return zero, ErrDisconnected
	}
	return zero, ErrEmpty
}

// Len returns the number of queued values.
func (rx *Receiver[T]) Len() int {
	s := rx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Close drops the receiving side. Pending values are discarded and further
// sends fail with ErrDisconnected.
func (rx *Receiver[T]) Close() {
	rx.CloseAndDrain()
}

// CloseAndDrain drops the receiving side and returns the values that were
// still queued, so the owner can release reply channels they carry.
func (rx *Receiver[T]) CloseAndDrain() []T {
	s := rx.s
	s.mu.Lock()
	s.rxClosed = true
	pending := make([]T, 0, s.queue.len())
	for {
		v, ok := s.queue.pop()
		if !ok {
			break
		}
		pending = append(pending, v)
	}
	s.queue.clear()
	s.mu.Unlock()

	s.signal()
	return pending
}
