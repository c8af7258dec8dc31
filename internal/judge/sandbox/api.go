// Package sandbox defines the public call interface used by the judge service.
package sandbox

import (
	"context"

	"ojworker/internal/judge/plan"
	"ojworker/internal/judge/sandbox/profile"
	"ojworker/internal/judge/sandbox/result"
)

// Service is the high-level sandbox entrypoint used by the judge layer.
type Service interface {
	Judge(ctx context.Context, req JudgeRequest) (result.JudgeResult, error)
	Kill(ctx context.Context, submissionID string) error
}

// Submission carries the submitted content for one judge task.
type Submission struct {
	Language          profile.LanguageSpec
	SourcePath        string
	ExtraCompileFlags []string // filtered against Language.AllowedExtraCompileFlags
	// SubmittedArchivePath is set only for SUBMIT_ANSWER.
	SubmittedArchivePath string
	SkipSamples          bool
}

// JudgeRequest contains all data needed to execute one submission.
// Manifest resolves a logical testdata filename (as referenced by Plan) to
// a local path already fetched by the ingest layer.
type JudgeRequest struct {
	SubmissionID string
	Plan         plan.Plan
	Submission   Submission
	Manifest     map[string]string

	// Limits are the server-side truncation ceilings applied to large
	// user-visible strings in the reported testcase/compile results.
	Limits result.OutputLimits

	// CompileProfile/RunProfile carry the sandbox rootfs/seccomp settings
	// applied to the user program's compile and run steps.
	CompileProfile profile.TaskProfile
	RunProfile     profile.TaskProfile

	// CheckerProfile/InteractorProfile carry the sandbox limits and
	// rootfs/seccomp settings applied to custom judge programs; nil means
	// the plan carries no such program (builtin checker, no interactor).
	CheckerProfile    *profile.TaskProfile
	InteractorProfile *profile.TaskProfile
}
