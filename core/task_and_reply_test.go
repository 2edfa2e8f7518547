package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestPostTaskAndReply_Order verifies the reply runs after the task, on the
// reply runner
func TestPostTaskAndReply_Order(t *testing.T) {
	target := NewSingleThreadTaskRunner(RunnerOptions{Name: "target"})
	defer target.Stop()
	reply := NewSingleThreadTaskRunner(RunnerOptions{Name: "reply"})
	defer reply.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	target.PostTaskAndReply(
		func(ctx context.Context) {
			mu.Lock()
			order = append(order, "task@"+GetCurrentTaskRunner(ctx).Name())
			mu.Unlock()
		},
		func(ctx context.Context) {
			mu.Lock()
			order = append(order, "reply@"+GetCurrentTaskRunner(ctx).Name())
			mu.Unlock()
			close(done)
		},
		reply,
	)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reply never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "task@target" || order[1] != "reply@reply" {
		t.Errorf("Execution order incorrect: got %v", order)
	}
}

// TestPostTaskAndReply_TaskPanic tests that reply does not execute when task panics
func TestPostTaskAndReply_TaskPanic(t *testing.T) {
	target := NewSingleThreadTaskRunner(RunnerOptions{Name: "target", PanicHandler: &recordingPanicHandler{}})
	defer target.Stop()
	reply := NewSingleThreadTaskRunner(RunnerOptions{Name: "reply"})
	defer reply.Stop()

	var replyExecuted atomic.Bool
	PostTaskAndReply(target,
		func(ctx context.Context) { panic("task panic") },
		func(ctx context.Context) { replyExecuted.Store(true) },
		reply,
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := target.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle target: %v", err)
	}
	if err := reply.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle reply: %v", err)
	}

	if replyExecuted.Load() {
		t.Error("Reply should not execute when task panics")
	}
}

// TestPostTaskAndReplyWithResult tests passing a result across runners
func TestPostTaskAndReplyWithResult(t *testing.T) {
	target := NewSingleThreadTaskRunner(RunnerOptions{Name: "target"})
	defer target.Stop()
	reply := NewSingleThreadTaskRunner(RunnerOptions{Name: "reply"})
	defer reply.Stop()

	errBoom := errors.New("boom")
	type outcome struct {
		n   int
		err error
	}
	results := make(chan outcome, 2)

	PostTaskAndReplyWithResult(target,
		func(ctx context.Context) (int, error) { return len("Hello"), nil },
		func(ctx context.Context, n int, err error) { results <- outcome{n, err} },
		reply,
	)
	PostTaskAndReplyWithResult(target,
		func(ctx context.Context) (int, error) { return 0, errBoom },
		func(ctx context.Context, n int, err error) { results <- outcome{n, err} },
		reply,
	)

	for i, want := range []outcome{{5, nil}, {0, errBoom}} {
		select {
		case got := <-results:
			if got.n != want.n || !errors.Is(got.err, want.err) {
				t.Errorf("result %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("result %d never arrived", i)
		}
	}
}
