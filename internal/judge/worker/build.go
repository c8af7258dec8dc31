package worker

import (
	"context"
	"sync"

	"ojworker/internal/judge/dispatcher"
	"ojworker/internal/judge/ingest"
	"ojworker/internal/judge/sandbox"
	"ojworker/internal/judge/sandbox/profile"
	"ojworker/internal/judge/sandbox/result"
	"ojworker/pkg/errors"
)

// ProfileSet resolves a task's language and program-type metadata to the
// sandbox profiles the orchestrator needs; configured once at startup from
// the worker's language registry.
type ProfileSet struct {
	Languages  map[string]profile.LanguageSpec
	Compile    map[string]profile.TaskProfile // keyed by language id
	Run        map[string]profile.TaskProfile // keyed by language id
	Checker    profile.TaskProfile
	Interactor profile.TaskProfile
}

// buildJudgeRequest resolves every content id referenced by task through
// store and assembles the sandbox.JudgeRequest the orchestrator consumes.
func buildJudgeRequest(ctx context.Context, store *ingest.Store, profiles ProfileSet, task dispatcher.Task, limits dispatcher.ServerSideLimits) (sandbox.JudgeRequest, error) {
	lang, ok := profiles.Languages[task.Submission.LanguageID]
	if !ok {
		return sandbox.JudgeRequest{}, errors.Newf(errors.LanguageNotSupported, "language %q not configured", task.Submission.LanguageID)
	}

	sourcePath, err := store.Fetch(ctx, task.Submission.SourceContentID)
	if err != nil {
		return sandbox.JudgeRequest{}, err
	}

	manifest, err := fetchAll(ctx, store, task.ContentIDs)
	if err != nil {
		return sandbox.JudgeRequest{}, err
	}

	var archivePath string
	if task.Submission.ArchiveContentID != "" {
		archivePath, err = store.Fetch(ctx, task.Submission.ArchiveContentID)
		if err != nil {
			return sandbox.JudgeRequest{}, err
		}
	}

	compileProfile := profiles.Compile[task.Submission.LanguageID]
	runProfile := profiles.Run[task.Submission.LanguageID]

	var checkerProfile *profile.TaskProfile
	if task.Plan.Checker != nil && task.Plan.Checker.Kind == "custom" {
		cp := profiles.Checker
		checkerProfile = &cp
	}
	var interactorProfile *profile.TaskProfile
	if task.Plan.Interactor != nil {
		ip := profiles.Interactor
		interactorProfile = &ip
	}

	return sandbox.JudgeRequest{
		SubmissionID: task.SubmissionID,
		Plan:         task.Plan,
		Submission: sandbox.Submission{
			Language:             lang,
			SourcePath:           sourcePath,
			ExtraCompileFlags:    task.Submission.ExtraCompileFlags,
			SubmittedArchivePath: archivePath,
			SkipSamples:          task.Submission.SkipSamples,
		},
		Manifest:          manifest,
		CompileProfile:    compileProfile,
		RunProfile:        runProfile,
		CheckerProfile:    checkerProfile,
		InteractorProfile: interactorProfile,
		Limits: result.OutputLimits{
			CompilerMessage:            limits.CompilerMessage,
			OutputSize:                 limits.OutputSize,
			DataDisplay:                limits.DataDisplay,
			DataDisplayForSubmitAnswer: limits.DataDisplayForSubmitAnswer,
			StderrDisplay:              limits.StderrDisplay,
		},
	}, nil
}

// fetchAll resolves every logical-name -> content-id pair concurrently,
// bounded by the store's own download token limiter.
func fetchAll(ctx context.Context, store *ingest.Store, contentIDs map[string]string) (map[string]string, error) {
	manifest := make(map[string]string, len(contentIDs))
	if len(contentIDs) == 0 {
		return manifest, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		firstErr error
	)
	for logical, cid := range contentIDs {
		wg.Add(1)
		go func(logical, cid string) {
			defer wg.Done()
			path, err := store.Fetch(ctx, cid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			manifest[logical] = path
		}(logical, cid)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return manifest, nil
}
