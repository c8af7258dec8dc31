package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"ojworker/internal/judge/sandbox/profile"
	"ojworker/internal/judge/sandbox/result"
)

func newTestTask(source string) CompileTask {
	return CompileTask{
		Language: profile.LanguageSpec{ID: "cpp17"},
		Source:   source,
	}
}

func TestCacheCompileHitAndRelease(t *testing.T) {
	store := t.TempDir()
	c, err := New(store, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var compileCount int32
	compile := func(ctx context.Context, task CompileTask, destDir string) (result.CompileResult, error) {
		atomic.AddInt32(&compileCount, 1)
		if err := os.WriteFile(filepath.Join(destDir, "a.out"), []byte("binary"), 0755); err != nil {
			return result.CompileResult{}, err
		}
		return result.CompileResult{OK: true, BinarySize: 6}, nil
	}

	task := newTestTask("int main(){}")

	ref1, err := c.Compile(context.Background(), task, compile)
	if err != nil {
		t.Fatalf("first compile: %v", err)
	}
	if !ref1.Result().OK {
		t.Fatalf("expected OK compile result")
	}

	ref2, err := c.Compile(context.Background(), task, compile)
	if err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if ref1.Result().BinaryDir != ref2.Result().BinaryDir {
		t.Fatalf("expected cache hit to reuse binary dir")
	}
	if compileCount != 1 {
		t.Fatalf("expected compiler invoked once, got %d", compileCount)
	}

	ref1.Release()
	ref2.Release()
}

func TestCacheCompileConcurrentAttach(t *testing.T) {
	store := t.TempDir()
	c, err := New(store, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := make(chan struct{})
	var compileCount int32
	compile := func(ctx context.Context, task CompileTask, destDir string) (result.CompileResult, error) {
		<-start
		atomic.AddInt32(&compileCount, 1)
		return result.CompileResult{OK: true, BinarySize: 1}, nil
	}

	task := newTestTask("fmt.Println()")

	var wg sync.WaitGroup
	refs := make([]*Ref, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ref, err := c.Compile(context.Background(), task, compile)
			if err != nil {
				t.Errorf("compile %d: %v", idx, err)
				return
			}
			refs[idx] = ref
		}(i)
	}
	close(start)
	wg.Wait()

	if compileCount != 1 {
		t.Fatalf("expected exactly one compile for concurrent attaches, got %d", compileCount)
	}
	for _, ref := range refs {
		if ref != nil {
			ref.Release()
		}
	}
}

func TestCacheEvictionDefersUntilReleased(t *testing.T) {
	store := t.TempDir()
	c, err := New(store, 10) // tiny budget forces eviction after the second entry
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	makeCompile := func(name string) Compiler {
		return func(ctx context.Context, task CompileTask, destDir string) (result.CompileResult, error) {
			if err := os.WriteFile(filepath.Join(destDir, name), []byte("0123456789"), 0644); err != nil {
				return result.CompileResult{}, err
			}
			return result.CompileResult{OK: true, BinarySize: 10}, nil
		}
	}

	refA, err := c.Compile(context.Background(), newTestTask("source-a"), makeCompile("a"))
	if err != nil {
		t.Fatalf("compile a: %v", err)
	}

	refB, err := c.Compile(context.Background(), newTestTask("source-b"), makeCompile("b"))
	if err != nil {
		t.Fatalf("compile b: %v", err)
	}

	// refA's entry should have been evicted from the LRU once the budget was
	// exceeded, but since it is still referenced its directory must survive
	// until Release.
	if _, err := os.Stat(refA.Result().BinaryDir); err != nil {
		t.Fatalf("expected still-referenced entry's directory to survive eviction: %v", err)
	}

	refA.Release()
	if _, err := os.Stat(refA.Result().BinaryDir); !os.IsNotExist(err) {
		t.Fatalf("expected evicted entry's directory to be removed after release, stat err=%v", err)
	}

	refB.Release()
}

func TestCacheCompileFailureNotCached(t *testing.T) {
	store := t.TempDir()
	c, err := New(store, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls int32
	compile := func(ctx context.Context, task CompileTask, destDir string) (result.CompileResult, error) {
		atomic.AddInt32(&calls, 1)
		return result.CompileResult{OK: false, Error: "syntax error"}, nil
	}

	task := newTestTask("invalid(")
	ref, err := c.Compile(context.Background(), task, compile)
	if err != nil {
		t.Fatalf("expected no error for a failed compile result, got %v", err)
	}
	if ref.Result().OK {
		t.Fatalf("expected non-OK compile result to propagate")
	}

	if _, err := c.Compile(context.Background(), task, compile); err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a failed compile not to be cached, got %d calls", calls)
	}
}
