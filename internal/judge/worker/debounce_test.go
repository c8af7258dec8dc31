package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"ojworker/internal/judge/sandbox"
)

func TestDebouncedReporterCoalescesRunningUpdates(t *testing.T) {
	var mu sync.Mutex
	var sent []sandbox.ProgressSnapshot
	send := func(ctx context.Context, submissionID string, snapshot sandbox.ProgressSnapshot) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, snapshot)
		return nil
	}

	r := newDebouncedReporter(20*time.Millisecond, send)

	for i := 0; i < 5; i++ {
		_ = r.ReportProgress(context.Background(), sandbox.ProgressSnapshot{
			SubmissionID: "sub-1",
			ProgressType: sandbox.ProgressRunning,
			Score:        i,
		})
	}

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one coalesced send, got %d: %+v", len(sent), sent)
	}
	if sent[0].Score != 4 {
		t.Fatalf("expected the latest snapshot to win, got score %d", sent[0].Score)
	}
}

func TestDebouncedReporterFlushesFinishedImmediately(t *testing.T) {
	var mu sync.Mutex
	var sent []sandbox.ProgressSnapshot
	send := func(ctx context.Context, submissionID string, snapshot sandbox.ProgressSnapshot) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, snapshot)
		return nil
	}

	r := newDebouncedReporter(time.Hour, send) // pending timer would never fire within the test

	_ = r.ReportProgress(context.Background(), sandbox.ProgressSnapshot{
		SubmissionID: "sub-2",
		ProgressType: sandbox.ProgressRunning,
		Score:        1,
	})
	_ = r.ReportProgress(context.Background(), sandbox.ProgressSnapshot{
		SubmissionID: "sub-2",
		ProgressType: sandbox.ProgressFinished,
		Score:        100,
	})

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected Finished to flush immediately without waiting for the pending timer, got %d sends", len(sent))
	}
	if sent[0].ProgressType != sandbox.ProgressFinished || sent[0].Score != 100 {
		t.Fatalf("expected the Finished snapshot to be sent as-is, got %+v", sent[0])
	}
}

func TestDebouncedReporterIndependentPerSubmission(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	send := func(ctx context.Context, submissionID string, snapshot sandbox.ProgressSnapshot) error {
		mu.Lock()
		defer mu.Unlock()
		counts[submissionID]++
		return nil
	}

	r := newDebouncedReporter(15*time.Millisecond, send)
	_ = r.ReportProgress(context.Background(), sandbox.ProgressSnapshot{SubmissionID: "a", ProgressType: sandbox.ProgressRunning})
	_ = r.ReportProgress(context.Background(), sandbox.ProgressSnapshot{SubmissionID: "b", ProgressType: sandbox.ProgressRunning})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("expected independent debounce timers per submission, got %v", counts)
	}
}
