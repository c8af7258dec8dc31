package runners

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ojworker/internal/judge/checker"
	"ojworker/internal/judge/plan"
	"ojworker/internal/judge/sandbox/result"
	"ojworker/internal/judge/sandbox/spec"
	"ojworker/pkg/errors"
)

// RunInteractive executes one INTERACTIVE testcase: the user program and
// the interactor run as two sandboxed processes connected by named pipes.
// Interactor.Interface is still forwarded to the interactor as
// INTERACTOR_INTERFACE so a shm-aware interactor binary can detect the
// flavor, but no shared-memory object is allocated: the isolation helper
// the sandbox engine execs has no contract for inheriting extra file
// descriptors into the child, so interface=shm runs over the same pipes
// as stdio.
func RunInteractive(ctx context.Context, d Deps, tc plan.Testcase, limits spec.ResourceLimit, interactorBinary, slotDir string) (result.TestcaseResult, error) {
	if d.Interactor == nil {
		return result.TestcaseResult{}, errors.New(errors.ConfigurationError).WithMessage("interactive problem has no interactor configured")
	}

	working, _, err := testWorkDirs(slotDir)
	if err != nil {
		return result.TestcaseResult{}, err
	}

	inputPath := filepath.Join(working, "input.txt")
	if err := materializeInput(d.Manifest, tc.InputFile, inputPath); err != nil {
		return result.TestcaseResult{}, err
	}

	userToInteractor, err := newPipe(working, "u2i")
	if err != nil {
		return result.TestcaseResult{}, err
	}
	defer userToInteractor.close()
	interactorToUser, err := newPipe(working, "i2u")
	if err != nil {
		return result.TestcaseResult{}, err
	}
	defer interactorToUser.close()

	// Interactive time limit is the max of the testcase limit and the
	// interactor's own configured limit, since both sandboxes run for the
	// same wall-clock duration and neither should be cut short by the
	// other's tighter budget.
	interactorLimits := limits
	if d.Interactor.Limits.WallTimeMs > interactorLimits.WallTimeMs {
		interactorLimits.WallTimeMs = d.Interactor.Limits.WallTimeMs
	}
	if d.Interactor.Limits.CPUTimeMs > interactorLimits.CPUTimeMs {
		interactorLimits.CPUTimeMs = d.Interactor.Limits.CPUTimeMs
	}

	messageFile := filepath.Join(working, "interactor_stderr.txt")

	userSpec := spec.RunSpec{
		SubmissionID: d.SubmissionID,
		TestID:       tc.TestID,
		WorkDir:      working,
		Cmd:          append([]string{d.BinaryPath}, d.BinaryArgs...),
		Profile:      d.Profile,
		Limits:       limits,
		AffinityRole: spec.AffinityUserProgram,
		StdinPath:    interactorToUser.readEnd,
		StdoutPath:   userToInteractor.writeEnd,
	}

	interactorArgs := []string{inputPath}
	if d.InteractorRun != nil {
		interactorArgs = append(append([]string{}, d.InteractorRun.Args...), interactorArgs...)
	}
	interactorSpec := spec.RunSpec{
		SubmissionID: d.SubmissionID,
		TestID:       tc.TestID,
		WorkDir:      working,
		Cmd:          append([]string{interactorBinary}, interactorArgs...),
		Env:          []string{fmt.Sprintf("INTERACTOR_INTERFACE=%s", d.Interactor.Interface)},
		Profile:      d.Profile,
		Limits:       interactorLimits,
		AffinityRole: spec.AffinityInteractor,
		StdinPath:    userToInteractor.readEnd,
		StdoutPath:   interactorToUser.writeEnd,
		StderrPath:   messageFile,
	}

	userHandle, err := d.Engine.Start(ctx, userSpec)
	if err != nil {
		return result.TestcaseResult{}, errors.Wrap(err, errors.JudgementFailed)
	}
	interactorHandle, err := d.Engine.Start(ctx, interactorSpec)
	if err != nil {
		userHandle.Stop()
		return result.TestcaseResult{}, errors.Wrap(err, errors.JudgementFailed)
	}

	interactorResult, interactorErr := interactorHandle.Wait(ctx)
	userHandle.Stop()
	userResult, userErr := userHandle.Wait(ctx)

	if interactorErr != nil {
		return result.TestcaseResult{}, errors.Wrap(interactorErr, errors.JudgementFailed)
	}
	if userErr != nil {
		return result.TestcaseResult{}, errors.Wrap(userErr, errors.JudgementFailed)
	}

	tcResult := result.TestcaseResult{
		TestID:       tc.TestID,
		TimeMs:       userResult.TimeMs,
		MemoryKB:     userResult.MemoryKB,
		ExitCode:     userResult.ExitCode,
		InputPreview: previewFile(inputPath, d.Limits.DataDisplay),
	}

	if userResult.Status == result.RunTimeLimitExceeded || interactorResult.Status == result.RunTimeLimitExceeded {
		tcResult.Verdict = result.VerdictTLE
		return tcResult, nil
	}
	if interactorResult.Status != result.RunOK {
		tcResult.Verdict = result.VerdictJF
		tcResult.SystemMessage = result.Truncate(fmt.Sprintf("interactor %s: %s", interactorResult.Status, interactorResult.Stderr), d.Limits.StderrDisplay)
		return tcResult, nil
	}
	switch userResult.Status {
	case result.RunOutputLimitExceeded, result.RunMemoryLimitExceeded, result.RunRuntimeError:
		tcResult.Verdict = userResult.Status.ToVerdict()
		return tcResult, nil
	case result.RunUnknown:
		tcResult.Verdict = result.VerdictSE
		return tcResult, nil
	}

	messageBytes, _ := os.ReadFile(messageFile)
	tcResult.UserStderr = result.Truncate(string(messageBytes), d.Limits.StderrDisplay)
	verdict := checker.ParseMessage(string(messageBytes))
	return applyVerdict(tcResult, verdict, d.Limits.DataDisplay), nil
}

type pipePair struct {
	readEnd  string
	writeEnd string
}

// newPipe creates a named pipe pair backed by the OS fifo primitive under
// dir, used to connect the user program and interactor as stdin/stdout.
func newPipe(dir, name string) (*pipePair, error) {
	path := filepath.Join(dir, name+".fifo")
	if err := mkfifo(path); err != nil {
		return nil, err
	}
	return &pipePair{readEnd: path, writeEnd: path}, nil
}

func (p *pipePair) close() {
	if p == nil {
		return
	}
	os.Remove(p.readEnd)
}
