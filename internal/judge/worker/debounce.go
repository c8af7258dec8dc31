package worker

import (
	"context"
	"sync"
	"time"

	"ojworker/internal/judge/sandbox"
)

// debouncedReporter coalesces ReportProgress calls per submission on a
// trailing-edge timer (~100ms), grounded on the worker loop's progress
// reporting step; a Finished snapshot always flushes immediately so the
// terminal state is never delayed or coalesced away.
type debouncedReporter struct {
	send  func(ctx context.Context, submissionID string, snapshot sandbox.ProgressSnapshot) error
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingProgress
}

type pendingProgress struct {
	timer    *time.Timer
	latest   sandbox.ProgressSnapshot
}

func newDebouncedReporter(delay time.Duration, send func(ctx context.Context, submissionID string, snapshot sandbox.ProgressSnapshot) error) *debouncedReporter {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &debouncedReporter{
		send:    send,
		delay:   delay,
		pending: make(map[string]*pendingProgress),
	}
}

// ReportProgress implements sandbox.StatusReporter.
func (r *debouncedReporter) ReportProgress(ctx context.Context, snapshot sandbox.ProgressSnapshot) error {
	if snapshot.ProgressType == sandbox.ProgressFinished {
		r.cancelPending(snapshot.SubmissionID)
		return r.send(ctx, snapshot.SubmissionID, snapshot)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[snapshot.SubmissionID]
	if !ok {
		p = &pendingProgress{}
		r.pending[snapshot.SubmissionID] = p
	}
	p.latest = snapshot
	if p.timer != nil {
		return nil
	}
	p.timer = time.AfterFunc(r.delay, func() { r.flush(snapshot.SubmissionID) })
	return nil
}

func (r *debouncedReporter) flush(submissionID string) {
	r.mu.Lock()
	p, ok := r.pending[submissionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	latest := p.latest
	p.timer = nil
	r.mu.Unlock()

	_ = r.send(context.Background(), submissionID, latest)
}

func (r *debouncedReporter) cancelPending(submissionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[submissionID]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.pending, submissionID)
}
