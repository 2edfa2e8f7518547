package core

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WorkerGroup spawns and owns the dedicated runners of a set of workers, so
// their lifetimes end explicitly instead of with the process.
//
// A nil *WorkerGroup is valid: Spawn then returns an untracked runner.
type WorkerGroup struct {
	defaults RunnerOptions

	mu      sync.Mutex
	runners []*SingleThreadTaskRunner
}

// NewWorkerGroup creates a group whose runners inherit defaults (logger,
// metrics, panic handler). defaults.Name is ignored.
func NewWorkerGroup(defaults RunnerOptions) *WorkerGroup {
	return &WorkerGroup{defaults: defaults}
}

// Spawn creates, starts and tracks a runner called name.
func (g *WorkerGroup) Spawn(name string) *SingleThreadTaskRunner {
	if g == nil {
		return NewSingleThreadTaskRunner(RunnerOptions{Name: name})
	}

	opts := g.defaults
	opts.Name = name
	r := NewSingleThreadTaskRunner(opts)

	g.mu.Lock()
	g.runners = append(g.runners, r)
	g.mu.Unlock()
	return r
}

// Logger returns the group's logger, or a NoOpLogger.
func (g *WorkerGroup) Logger() Logger {
	if g == nil {
		return NewNoOpLogger()
	}
	return LoggerOrNoOp(g.defaults.Logger)
}

// Names returns the names of the tracked runners in spawn order.
func (g *WorkerGroup) Names() []string {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, len(g.runners))
	for i, r := range g.runners {
		names[i] = r.Name()
	}
	return names
}

// Stats returns a snapshot of every tracked runner in spawn order.
func (g *WorkerGroup) Stats() []RunnerStats {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := make([]RunnerStats, len(g.runners))
	for i, r := range g.runners {
		stats[i] = r.Stats()
	}
	return stats
}

// StopAll stops every tracked runner concurrently and waits for them, bounded
// by ctx. It returns the first runner that failed to exit in time.
func (g *WorkerGroup) StopAll(ctx context.Context) error {
	if g == nil {
		return nil
	}

	g.mu.Lock()
	runners := append([]*SingleThreadTaskRunner(nil), g.runners...)
	g.mu.Unlock()

	var eg errgroup.Group
	for _, r := range runners {
		eg.Go(func() error {
			return r.StopContext(ctx)
		})
	}
	return eg.Wait()
}
