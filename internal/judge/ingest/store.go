// Package ingest implements the content-addressed testdata store: local
// disk cache keyed by SHA-256 content id, in-process download dedup, an
// optional redis-backed distributed lock for multiple worker processes
// sharing one dataStore, and a concurrency-bounded downloader.
package ingest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ojworker/pkg/errors"
	"ojworker/pkg/utils/logger"

	"go.uber.org/zap"
)

// URLResolver resolves content ids to download URLs, grounded on the
// dispatcher channel's requestFiles verb.
type URLResolver func(ctx context.Context, contentIDs []string) (map[string]string, error)

// DistributedLock is the subset of internal/common/cache.LockOps the
// store needs for cross-process download coordination.
type DistributedLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Config configures a Store.
type Config struct {
	DataStore              string
	Resolver               URLResolver
	Lock                   DistributedLock // nil disables distributed locking
	LockTTL                time.Duration
	LockPollInterval       time.Duration
	MaxConcurrentDownloads int
	HTTPClient             *http.Client
	DownloadTimeout        time.Duration
}

// Store is the SHA-256-content-addressed local testdata cache.
type Store struct {
	cfg Config

	mu       sync.Mutex
	inflight map[string]chan struct{}

	tokens chan struct{}
}

// New creates a store rooted at cfg.DataStore.
func New(cfg Config) (*Store, error) {
	if cfg.DataStore == "" {
		return nil, fmt.Errorf("dataStore is required")
	}
	if err := os.MkdirAll(cfg.DataStore, 0750); err != nil {
		return nil, fmt.Errorf("create data store: %w", err)
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = 200 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	return &Store{
		cfg:      cfg,
		inflight: make(map[string]chan struct{}),
		tokens:   make(chan struct{}, cfg.MaxConcurrentDownloads),
	}, nil
}

func (s *Store) path(contentID string) string {
	return filepath.Join(s.cfg.DataStore, contentID)
}

// Fetch returns the local path for contentID, downloading it if absent.
func (s *Store) Fetch(ctx context.Context, contentID string) (string, error) {
	dest := s.path(contentID)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	s.mu.Lock()
	if ch, ok := s.inflight[contentID]; ok {
		s.mu.Unlock()
		select {
		case <-ch:
			return dest, s.verifyPresent(dest)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	ch := make(chan struct{})
	s.inflight[contentID] = ch
	s.mu.Unlock()

	err := s.fetchLocked(ctx, contentID, dest)

	s.mu.Lock()
	delete(s.inflight, contentID)
	s.mu.Unlock()
	close(ch)

	return dest, err
}

func (s *Store) verifyPresent(dest string) error {
	if _, err := os.Stat(dest); err != nil {
		return errors.Wrap(err, errors.TestdataUnavailable)
	}
	return nil
}

// fetchLocked performs the distributed-lock-guarded download for one
// content id; only one caller per process reaches here per id (see the
// in-process inflight map above).
func (s *Store) fetchLocked(ctx context.Context, contentID, dest string) error {
	if s.cfg.Lock == nil {
		return s.download(ctx, contentID, dest)
	}

	lockKey := "dl:" + contentID
	acquired, err := s.cfg.Lock.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		logger.Warn(ctx, "acquire download lock failed, falling back to direct download", zap.String("contentId", contentID), zap.Error(err))
		return s.download(ctx, contentID, dest)
	}
	if !acquired {
		return s.awaitPeerDownload(ctx, dest)
	}
	defer func() { _ = s.cfg.Lock.Unlock(context.Background(), lockKey) }()
	return s.download(ctx, contentID, dest)
}

// awaitPeerDownload polls for dest to appear while another worker process
// holds the distributed lock for this content id.
func (s *Store) awaitPeerDownload(ctx context.Context, dest string) error {
	ticker := time.NewTicker(s.cfg.LockPollInterval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(dest); err == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.TestdataUnavailable)
		}
	}
}

func (s *Store) download(ctx context.Context, contentID, dest string) error {
	select {
	case s.tokens <- struct{}{}:
		defer func() { <-s.tokens }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.cfg.Resolver == nil {
		return errors.New(errors.TestdataUnavailable).WithMessage("no url resolver configured")
	}
	urls, err := s.cfg.Resolver(ctx, []string{contentID})
	if err != nil {
		return errors.Wrap(err, errors.TestdataUnavailable)
	}
	url, ok := urls[contentID]
	if !ok || url == "" {
		return errors.Newf(errors.TestdataUnavailable, "no download url for %s", contentID)
	}

	dlCtx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, errors.TestdataUnavailable)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.TestdataUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.TestdataUnavailable, "download %s: status %d", contentID, resp.StatusCode)
	}

	tmpPath := dest + ".tmp-" + randSuffix()
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, errors.TestdataUnavailable)
	}
	hasher := sha256.New()
	tee := io.TeeReader(resp.Body, hasher)
	_, copyErr := io.Copy(tmp, tee)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return errors.Wrap(copyErr, errors.TestdataUnavailable)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return errors.Wrap(closeErr, errors.TestdataUnavailable)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != contentID {
		os.Remove(tmpPath)
		return errors.Newf(errors.TestdataUnavailable, "content hash mismatch for %s: got %s", contentID, actual)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.TestdataUnavailable)
	}
	return nil
}

func randSuffix() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
