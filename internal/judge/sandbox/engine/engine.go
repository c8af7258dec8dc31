package engine

import (
	"context"

	"ojworker/internal/judge/sandbox/result"
	"ojworker/internal/judge/sandbox/spec"
)

// Handle represents a started, not-yet-awaited sandbox process. It is used
// by the interactive runner to start the user program and interactor in
// parallel, then stop one once the other has finished.
type Handle interface {
	Wait(ctx context.Context) (result.RunResult, error)
	Stop() error
}

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	Start(ctx context.Context, runSpec spec.RunSpec) (Handle, error)
	KillSubmission(ctx context.Context, submissionID string) error
}
