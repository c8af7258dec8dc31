// Package cache implements the compile-result cache described in the
// component design's "Compile cache" section: content-hash keyed, with
// in-flight dedup and refcounted weight-based LRU eviction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ojworker/internal/judge/sandbox/profile"
	"ojworker/internal/judge/sandbox/result"
	"ojworker/pkg/errors"
)

// CompileTask is the input to the cache, grounded on the data model's
// "Compile task" entity: its identity is a content hash over language,
// source, options and extra files.
type CompileTask struct {
	Language         profile.LanguageSpec
	Source           string
	ExtraCompileFlags []string
	ExtraSourceFiles map[string]string // logical name -> local path
}

// Hash returns the content hash identifying this compile task.
func (t CompileTask) Hash() string {
	h := sha256.New()
	io.WriteString(h, t.Language.ID)
	io.WriteString(h, "\x00")
	io.WriteString(h, t.Source)
	io.WriteString(h, "\x00")
	io.WriteString(h, strings.Join(t.ExtraCompileFlags, ","))
	names := make([]string, 0, len(t.ExtraSourceFiles))
	for name := range t.ExtraSourceFiles {
		names = append(names, name)
	}
	sortStrings(names)
	for _, name := range names {
		io.WriteString(h, "\x00")
		io.WriteString(h, name)
		io.WriteString(h, "\x00")
		io.WriteString(h, fileSHA256(t.ExtraSourceFiles[name]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func fileSHA256(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	io.Copy(h, f)
	return hex.EncodeToString(h.Sum(nil))
}

// Ref is a live reference to a cached compile success. Release must be
// called exactly once when the caller is done reading BinaryDir.
type Ref struct {
	cache  *Cache
	hash   string
	uuid   string
	result result.CompileResult
}

// Result returns the compile result this reference owns.
func (r *Ref) Result() result.CompileResult { return r.result }

// Release decrements the entry's refcount; when it falls to zero and the
// entry has already been evicted from the LRU, the binary directory is
// deleted. Release is a no-op for a reference not backed by a cache entry
// (see NewUncachedRef).
func (r *Ref) Release() {
	if r.uuid == "" {
		return
	}
	r.cache.release(r.hash, r.uuid)
}

// NewUncachedRef wraps a compile result that never goes through the cache
// store, such as an interpreted language's source file standing in for a
// binary directory. Its Release is a no-op.
func NewUncachedRef(res result.CompileResult) *Ref {
	return &Ref{result: res}
}

type entry struct {
	uuid      string
	result    result.CompileResult
	refcount  int
	evicted   bool
	sizeBytes int64
}

// Compiler compiles a task's source into destDir inside the sandbox.
type Compiler func(ctx context.Context, task CompileTask, destDir string) (result.CompileResult, error)

// Cache is the compile-result cache.
type Cache struct {
	storeDir string
	maxSize  int64

	mu       sync.Mutex
	entries  map[string]*entry // hash -> entry
	inflight map[string]chan struct{}
	inflightResult map[string]struct {
		result result.CompileResult
		err    error
	}
	lruOrder []string // hash, oldest first, for unreferenced eviction
	curSize  int64
}

// New creates a compile cache rooted at storeDir, which is emptied on
// start per the configuration contract for binaryCacheStore.
func New(storeDir string, maxSize int64) (*Cache, error) {
	if err := os.RemoveAll(storeDir); err != nil {
		return nil, fmt.Errorf("clear binary cache store: %w", err)
	}
	if err := os.MkdirAll(storeDir, 0750); err != nil {
		return nil, fmt.Errorf("create binary cache store: %w", err)
	}
	return &Cache{
		storeDir:       storeDir,
		maxSize:        maxSize,
		entries:        make(map[string]*entry),
		inflight:       make(map[string]chan struct{}),
		inflightResult: make(map[string]struct {
			result result.CompileResult
			err    error
		}),
	}, nil
}

// Compile returns a fresh reference for task's compiled binary, compiling
// it if necessary. Only one compile runs per hash at a time; concurrent
// callers for the same hash attach to the in-flight compile.
func (c *Cache) Compile(ctx context.Context, task CompileTask, compile Compiler) (*Ref, error) {
	hash := task.Hash()

	c.mu.Lock()
	if e, ok := c.entries[hash]; ok && !e.evicted {
		e.refcount++
		c.touch(hash)
		c.mu.Unlock()
		return &Ref{cache: c, hash: hash, uuid: e.uuid, result: e.result}, nil
	}
	if ch, ok := c.inflight[hash]; ok {
		c.mu.Unlock()
		<-ch
		return c.attachAfterInflight(hash)
	}
	ch := make(chan struct{})
	c.inflight[hash] = ch
	c.mu.Unlock()

	id := uuid.New().String()
	destDir := filepath.Join(c.storeDir, id)
	compileResult, compileErr := c.runCompile(ctx, task, destDir, compile)

	c.mu.Lock()
	delete(c.inflight, hash)
	c.inflightResult[hash] = struct {
		result result.CompileResult
		err    error
	}{compileResult, compileErr}
	close(ch)
	if compileErr == nil && compileResult.OK {
		c.entries[hash] = &entry{
			uuid:      id,
			result:    compileResult,
			refcount:  1,
			sizeBytes: compileResult.BinarySize,
		}
		c.lruOrder = append(c.lruOrder, hash)
		c.curSize += compileResult.BinarySize
		c.evictLocked()
	}
	c.mu.Unlock()

	if compileErr != nil {
		return nil, compileErr
	}
	if !compileResult.OK {
		return &Ref{cache: c, hash: hash, uuid: "", result: compileResult}, nil
	}
	return &Ref{cache: c, hash: hash, uuid: id, result: compileResult}, nil
}

func (c *Cache) attachAfterInflight(hash string) (*Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok && !e.evicted {
		e.refcount++
		return &Ref{cache: c, hash: hash, uuid: e.uuid, result: e.result}, nil
	}
	saved, ok := c.inflightResult[hash]
	if !ok {
		return nil, errors.New(errors.JudgeSystemError).WithMessage("compile cache: lost in-flight result")
	}
	if saved.err != nil {
		return nil, saved.err
	}
	return &Ref{cache: c, hash: hash, uuid: "", result: saved.result}, nil
}

func (c *Cache) runCompile(ctx context.Context, task CompileTask, destDir string, compile Compiler) (result.CompileResult, error) {
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return result.CompileResult{}, fmt.Errorf("create compile dest dir: %w", err)
	}
	compileResult, err := compile(ctx, task, destDir)
	compileResult.TaskHash = task.Hash()
	if err != nil || !compileResult.OK {
		os.RemoveAll(destDir)
		return compileResult, err
	}
	compileResult.BinaryDir = destDir
	return compileResult, nil
}

func (c *Cache) touch(hash string) {
	for i, h := range c.lruOrder {
		if h == hash {
			c.lruOrder = append(c.lruOrder[:i], c.lruOrder[i+1:]...)
			c.lruOrder = append(c.lruOrder, hash)
			return
		}
	}
}

// evictLocked walks the LRU oldest-first while curSize exceeds maxSize.
// maxSize is a soft limit: an unreferenced entry is deleted immediately;
// an in-use entry is marked evicted (removed from the LRU and no longer
// counted toward curSize) so its physical deletion is deferred to
// release() once its refcount reaches zero, preventing removal of files
// being copied into a live testcase.
func (c *Cache) evictLocked() {
	if c.maxSize <= 0 {
		return
	}
	for c.curSize > c.maxSize && len(c.lruOrder) > 0 {
		hash := c.lruOrder[0]
		c.lruOrder = c.lruOrder[1:]
		e, ok := c.entries[hash]
		if !ok {
			continue
		}
		c.curSize -= e.sizeBytes
		if e.refcount <= 0 {
			delete(c.entries, hash)
			os.RemoveAll(filepath.Join(c.storeDir, e.uuid))
		} else {
			e.evicted = true
		}
	}
}

func (c *Cache) release(hash, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok || e.uuid != id {
		return
	}
	e.refcount--
	if e.refcount <= 0 && e.evicted {
		delete(c.entries, hash)
		os.RemoveAll(filepath.Join(c.storeDir, e.uuid))
	}
}
