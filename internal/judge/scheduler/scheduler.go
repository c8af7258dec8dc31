// Package scheduler implements the bounded task-slot scheduler: a fixed
// pool of working directories shared across all in-flight testcase runs.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Disposer accumulates cleanup closures registered by a task body (pipe
// ends, shared-memory handles) and runs them unconditionally when the
// task body returns, whether it succeeded, failed, or was canceled.
type Disposer struct {
	mu      sync.Mutex
	cleanup []func()
}

// Defer registers a cleanup closure to run when the task finishes.
func (d *Disposer) Defer(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanup = append(d.cleanup, fn)
}

func (d *Disposer) runAll() {
	d.mu.Lock()
	cleanup := d.cleanup
	d.cleanup = nil
	d.mu.Unlock()
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
}

// Scheduler bounds concurrent testcase executions to the number of
// configured working directories, FIFO, no work-stealing.
type Scheduler struct {
	dirs  chan string
}

// New creates a scheduler over the given working directories. If
// maxConcurrentTasks is positive and smaller than len(dirs), only that
// many directories are made available as permits.
func New(dirs []string, maxConcurrentTasks int) (*Scheduler, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("at least one task working directory is required")
	}
	limit := len(dirs)
	if maxConcurrentTasks > 0 && maxConcurrentTasks < limit {
		limit = maxConcurrentTasks
	}
	ch := make(chan string, limit)
	for i := 0; i < limit; i++ {
		ch <- dirs[i]
	}
	return &Scheduler{dirs: ch}, nil
}

// RunQueued acquires a permit and a working directory, empties it, invokes
// fn(dir, disposer), and unconditionally returns the permit and runs the
// disposer on any exit path, including context cancellation.
func (s *Scheduler) RunQueued(ctx context.Context, fn func(ctx context.Context, dir string, disposer *Disposer) error) error {
	var dir string
	select {
	case dir = <-s.dirs:
	case <-ctx.Done():
		return ctx.Err()
	}

	disposer := &Disposer{}
	defer func() {
		disposer.runAll()
		s.dirs <- dir
	}()

	if err := emptyDir(dir); err != nil {
		return fmt.Errorf("empty task working directory %s: %w", dir, err)
	}

	return fn(ctx, dir, disposer)
}

func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0750)
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(dir + string(os.PathSeparator) + entry.Name()); err != nil {
			return err
		}
	}
	return nil
}
