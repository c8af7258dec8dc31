package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"ojworker/internal/common/cache"
)

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0644)
}

func contentIDFor(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStoreFetchDownloadsAndCaches(t *testing.T) {
	body := "testdata payload"
	id := contentIDFor(body)
	srv := newTestServer(t, map[string]string{"/" + id: body})

	var resolveCalls int32
	resolver := func(ctx context.Context, ids []string) (map[string]string, error) {
		atomic.AddInt32(&resolveCalls, 1)
		return map[string]string{id: srv.URL + "/" + id}, nil
	}

	store, err := New(Config{DataStore: t.TempDir(), Resolver: resolver})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := store.Fetch(context.Background(), id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	path2, err := store.Fetch(context.Background(), id)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if path != path2 {
		t.Fatalf("expected same path on repeat fetch, got %q and %q", path, path2)
	}
	if resolveCalls != 1 {
		t.Fatalf("expected resolver invoked once (second fetch hits local cache), got %d", resolveCalls)
	}
}

func TestStoreFetchRejectsHashMismatch(t *testing.T) {
	id := contentIDFor("expected body")
	srv := newTestServer(t, map[string]string{"/" + id: "a different body entirely"})

	resolver := func(ctx context.Context, ids []string) (map[string]string, error) {
		return map[string]string{id: srv.URL + "/" + id}, nil
	}

	store, err := New(Config{DataStore: t.TempDir(), Resolver: resolver})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Fetch(context.Background(), id); err == nil {
		t.Fatal("expected content hash mismatch to be rejected")
	}
}

func TestStoreFetchDedupsConcurrentCallers(t *testing.T) {
	body := "dedup payload"
	id := contentIDFor(body)
	srv := newTestServer(t, map[string]string{"/" + id: body})

	var resolveCalls int32
	resolver := func(ctx context.Context, ids []string) (map[string]string, error) {
		atomic.AddInt32(&resolveCalls, 1)
		time.Sleep(10 * time.Millisecond)
		return map[string]string{id: srv.URL + "/" + id}, nil
	}

	store, err := New(Config{DataStore: t.TempDir(), Resolver: resolver, MaxConcurrentDownloads: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := store.Fetch(context.Background(), id)
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-results; err != nil {
			t.Fatalf("concurrent fetch: %v", err)
		}
	}
	if resolveCalls != 1 {
		t.Fatalf("expected only one in-process download, got %d resolver calls", resolveCalls)
	}
}

func TestStoreFetchDistributedLockDefersToPeer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	redisCache, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })

	id := contentIDFor("locked payload")
	var resolveCalls int32
	resolver := func(ctx context.Context, ids []string) (map[string]string, error) {
		atomic.AddInt32(&resolveCalls, 1)
		return nil, context.DeadlineExceeded
	}

	store, err := New(Config{
		DataStore:        t.TempDir(),
		Resolver:         resolver,
		Lock:             redisCache,
		LockPollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Simulate a peer worker holding the lock: acquire it out of band, then
	// write the file as that peer would, and release.
	ctx := context.Background()
	ok, err := redisCache.TryLock(ctx, "dl:"+id, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected to acquire lock out of band, ok=%v err=%v", ok, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		path := store.path(id)
		if writeErr := writeFile(path, "locked payload"); writeErr != nil {
			t.Errorf("peer write: %v", writeErr)
		}
		_ = redisCache.Unlock(ctx, "dl:"+id)
	}()

	fetchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := store.Fetch(fetchCtx, id); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resolveCalls != 0 {
		t.Fatalf("expected the lock-losing caller never to call the resolver, got %d calls", resolveCalls)
	}
}
