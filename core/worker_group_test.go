package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWorkerGroup_SpawnInheritsDefaults(t *testing.T) {
	metrics := newRecordingMetrics()
	g := NewWorkerGroup(RunnerOptions{Name: "ignored", Metrics: metrics})
	defer g.StopAll(context.Background())

	r := g.Spawn("Layout")
	if r.Name() != "Layout" {
		t.Fatalf("name = %q, want Layout", r.Name())
	}

	done := make(chan struct{})
	r.PostTask(func(ctx context.Context) {
		if GetCurrentTaskRunner(ctx) != r {
			t.Error("task did not run on its runner")
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	if err := r.StopContext(context.Background()); err != nil {
		t.Fatalf("StopContext: %v", err)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.durations["Layout"] != 1 {
		t.Fatalf("durations = %v, want one for Layout", metrics.durations)
	}
}

func TestWorkerGroup_NamesAndStats(t *testing.T) {
	g := NewWorkerGroup(RunnerOptions{})
	for _, name := range []string{"TimeProfiler", "Compositor", "Layout"} {
		g.Spawn(name)
	}

	names := g.Names()
	if len(names) != 3 || names[0] != "TimeProfiler" || names[2] != "Layout" {
		t.Fatalf("names = %v", names)
	}

	block := make(chan struct{})
	started := make(chan struct{})
	g.runners[2].PostTask(func(ctx context.Context) {
		close(started)
		<-block
	})
	g.runners[2].PostTask(func(ctx context.Context) {})
	<-started

	stats := g.Stats()
	if !stats[2].Running || stats[2].Pending != 1 {
		t.Fatalf("busy runner stats = %+v", stats[2])
	}
	if stats[0].Running || stats[0].Closed {
		t.Fatalf("idle runner stats = %+v", stats[0])
	}
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, s := range g.Stats() {
		if !s.Closed {
			t.Fatalf("%s not closed after StopAll", s.Name)
		}
	}

	g.runners[0].PostTask(func(ctx context.Context) {})
	if got := g.Stats()[0].Rejected; got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
}

func TestWorkerGroup_StopAllDeadline(t *testing.T) {
	g := NewWorkerGroup(RunnerOptions{})
	stuck := make(chan struct{})
	defer close(stuck)

	started := make(chan struct{})
	g.Spawn("Stuck").PostTask(func(ctx context.Context) {
		close(started)
		<-stuck
	})
	g.Spawn("Idle")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.StopAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("StopAll: got %v, want DeadlineExceeded", err)
	}
}

func TestWorkerGroup_Nil(t *testing.T) {
	var g *WorkerGroup
	r := g.Spawn("Untracked")
	defer r.Stop()

	if g.Names() != nil || g.Stats() != nil {
		t.Fatal("nil group reported runners")
	}
	if err := g.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll on nil group: %v", err)
	}
	g.Logger().Info("discarded")
}
