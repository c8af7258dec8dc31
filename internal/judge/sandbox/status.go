// Package sandbox provides status reporting hooks for judge progress.
package sandbox

import (
	"context"

	"ojworker/internal/judge/sandbox/result"
)

// ProgressType mirrors the submission orchestrator's state machine.
type ProgressType string

const (
	ProgressPreparing ProgressType = "Preparing"
	ProgressCompiling ProgressType = "Compiling"
	ProgressRunning   ProgressType = "Running"
	ProgressFinished  ProgressType = "Finished"
)

// TestcaseRefState distinguishes the four shapes a TestcaseRef can take.
type TestcaseRefState string

const (
	RefWaiting TestcaseRefState = "waiting"
	RefRunning TestcaseRefState = "running"
	RefDone    TestcaseRefState = "done"
	RefSkipped TestcaseRefState = "skipped"
)

// TestcaseRef points into the shared TestcaseResult map by hash, or carries
// a transient waiting/running/skipped state.
type TestcaseRef struct {
	State        TestcaseRefState
	TestcaseHash string
}

// SubtaskProgress is one entry of the progress snapshot's subtasks list.
type SubtaskProgress struct {
	Score     int
	FullScore int
	Testcases []TestcaseRef
}

// CompileProgress reports the outcome of a compile step.
type CompileProgress struct {
	Success bool
	Message string
}

// ProgressSnapshot is the wire shape reported to the dispatcher on every
// state transition, per the external progress-snapshot format.
type ProgressSnapshot struct {
	SubmissionID   string
	ProgressType   ProgressType
	Status         result.Verdict
	Score          int
	Compile        *CompileProgress
	TestcaseResult map[string]result.TestcaseResult
	Samples        []TestcaseRef
	Subtasks       []SubtaskProgress
	ReceivedAt     int64
	FinishedAt     int64
}

// StatusReporter persists progress snapshots as a submission advances.
// Implementations debounce delivery; see worker.Debouncer.
type StatusReporter interface {
	ReportProgress(ctx context.Context, snapshot ProgressSnapshot) error
}
