package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerBoundsConcurrency(t *testing.T) {
	dirs := []string{t.TempDir(), t.TempDir()}
	s, err := New(dirs, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunQueued(context.Background(), func(ctx context.Context, dir string, d *Disposer) error {
				n := atomic.AddInt32(&inFlight, 1)
				defer atomic.AddInt32(&inFlight, -1)
				for {
					if cur := atomic.LoadInt32(&maxSeen); n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("RunQueued: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen > int32(len(dirs)) {
		t.Fatalf("expected at most %d concurrent tasks, saw %d", len(dirs), maxSeen)
	}
}

func TestSchedulerMaxConcurrentTasksNarrowsPool(t *testing.T) {
	dirs := []string{t.TempDir(), t.TempDir(), t.TempDir()}
	s, err := New(dirs, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunQueued(context.Background(), func(ctx context.Context, dir string, d *Disposer) error {
				n := atomic.AddInt32(&inFlight, 1)
				defer atomic.AddInt32(&inFlight, -1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected maxConcurrentTasks to narrow the pool to 1, saw %d concurrent", maxSeen)
	}
}

func TestSchedulerEmptiesDirBeforeRunning(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("leftover"), 0644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	s, err := New([]string{dir}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = s.RunQueued(context.Background(), func(ctx context.Context, d string, disposer *Disposer) error {
		if _, statErr := os.Stat(stale); !os.IsNotExist(statErr) {
			t.Fatalf("expected leftover file to be removed before task runs, stat err=%v", statErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunQueued: %v", err)
	}
}

func TestSchedulerDisposerRunsInReverseOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := New([]string{dir}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var order []int
	err = s.RunQueued(context.Background(), func(ctx context.Context, d string, disposer *Disposer) error {
		disposer.Defer(func() { order = append(order, 1) })
		disposer.Defer(func() { order = append(order, 2) })
		disposer.Defer(func() { order = append(order, 3) })
		return nil
	})
	if err != nil {
		t.Fatalf("RunQueued: %v", err)
	}

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerReturnsPermitOnError(t *testing.T) {
	dir := t.TempDir()
	s, err := New([]string{dir}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := context.DeadlineExceeded
	_ = s.RunQueued(context.Background(), func(ctx context.Context, d string, disposer *Disposer) error {
		return boom
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.RunQueued(ctx, func(ctx context.Context, d string, disposer *Disposer) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected permit to be returned after a failing task, got %v", err)
	}
}

func TestSchedulerRequiresAtLeastOneDir(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Fatal("expected error when no working directories are configured")
	}
}
