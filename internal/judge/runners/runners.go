// Package runners implements the three problem-type execution strategies:
// batch, interactive and submit-answer.
package runners

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ojworker/internal/judge/checker"
	"ojworker/internal/judge/plan"
	"ojworker/internal/judge/sandbox/engine"
	"ojworker/internal/judge/sandbox/result"
	"ojworker/internal/judge/sandbox/spec"
	"ojworker/pkg/errors"
)

// Deps bundles everything a problem runner needs to execute one testcase.
type Deps struct {
	Engine        engine.Engine
	SubmissionID  string
	BinaryPath    string // argv[0] for the user program: a compiled binary or an interpreter
	BinaryArgs    []string
	PayloadDir    string // directory holding the compiled binary or submitted source, bind-mounted read-only
	Profile       string // sandbox isolation profile for the user program
	Manifest      map[string]string
	IOMode        plan.IOMode
	InputFileName string
	OutputFileName string

	Checker    *plan.Checker
	CheckerRun *checker.Invocation

	Interactor    *plan.Interactor
	InteractorRun *checker.Invocation // reuses Invocation shape for argv/env/limits

	OutputLimitMB int64

	// Limits truncates large user-visible strings before they are placed
	// on a TestcaseResult.
	Limits result.OutputLimits
}

// testWorkDirs returns the working/temp subdirectories of slotDir, the
// working directory leased from the task-slot scheduler for this testcase
// run; the scheduler has already emptied slotDir before handing it out.
func testWorkDirs(slotDir string) (working, temp string, err error) {
	working = filepath.Join(slotDir, "working")
	temp = filepath.Join(slotDir, "temp")
	for _, dir := range []string{working, temp} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", "", fmt.Errorf("create testcase dir %s: %w", dir, err)
		}
	}
	return working, temp, nil
}

func materializeInput(manifest map[string]string, logicalName, destPath string) error {
	if logicalName == "" {
		return nil
	}
	src, ok := manifest[logicalName]
	if !ok {
		return errors.Newf(errors.TestdataUnavailable, "testdata file %q not in manifest", logicalName)
	}
	return copyFile(src, destPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func dirSizeMinus(dir string, subtractBytes int64) int64 {
	var total int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	total -= subtractBytes
	if total < 0 {
		total = 0
	}
	return total
}

// RunBatch executes one BATCH testcase: run the compiled user program on
// the test input, then score its output with the configured checker.
func RunBatch(ctx context.Context, d Deps, tc plan.Testcase, limits spec.ResourceLimit, slotDir string) (result.TestcaseResult, error) {
	working, temp, err := testWorkDirs(slotDir)
	if err != nil {
		return result.TestcaseResult{}, err
	}

	inputPath := filepath.Join(working, "input.txt")
	if err := materializeInput(d.Manifest, tc.InputFile, inputPath); err != nil {
		return result.TestcaseResult{}, err
	}
	// The answer file is only read by the host-side/checker-side scoring
	// step below; it is never written by the user program, so it is staged
	// in temp rather than working to keep it out of the output-size
	// measurement.
	answerPath := filepath.Join(temp, "answer.txt")
	if err := materializeInput(d.Manifest, tc.AnswerFile, answerPath); err != nil {
		return result.TestcaseResult{}, err
	}

	stderrPath := filepath.Join(working, "stderr.txt")
	runSpec := spec.RunSpec{
		SubmissionID: d.SubmissionID,
		TestID:       tc.TestID,
		WorkDir:      working,
		Cmd:          append([]string{d.BinaryPath}, d.BinaryArgs...),
		Profile:      d.Profile,
		Limits:       limits,
		AffinityRole: spec.AffinityUserProgram,
		StderrPath:   stderrPath,
		BindMounts: []spec.MountSpec{
			{Source: d.PayloadDir, Target: "/sandbox/binary", ReadOnly: true},
			{Source: working, Target: "/sandbox/working", ReadOnly: false},
		},
	}

	outputPath := filepath.Join(working, "stdout.txt")
	if d.IOMode == plan.IOFile {
		outputPath = filepath.Join(working, d.OutputFileName)
	} else {
		runSpec.StdinPath = inputPath
		runSpec.StdoutPath = outputPath
	}

	runResult, err := d.Engine.Run(ctx, runSpec)
	if err != nil {
		return result.TestcaseResult{}, errors.Wrap(err, errors.JudgementFailed)
	}

	tcResult := result.TestcaseResult{
		TestID:       tc.TestID,
		TimeMs:       runResult.TimeMs,
		MemoryKB:     runResult.MemoryKB,
		ExitCode:     runResult.ExitCode,
		SubtaskID:    "",
		InputPreview: previewFile(inputPath, d.Limits.DataDisplay),
		UserStderr:   previewFile(stderrPath, d.Limits.StderrDisplay),
	}

	inputSize := int64(0)
	if info, statErr := os.Stat(inputPath); statErr == nil {
		inputSize = info.Size()
	}
	outputKB := dirSizeMinus(working, inputSize) / 1024
	tcResult.OutputKB = outputKB
	outputLimitMB := limits.OutputMB
	if d.OutputLimitMB > 0 && (outputLimitMB <= 0 || d.OutputLimitMB < outputLimitMB) {
		outputLimitMB = d.OutputLimitMB
	}
	if outputLimitMB > 0 && outputKB > outputLimitMB*1024 {
		tcResult.Verdict = result.VerdictOLE
		return tcResult, nil
	}

	if runResult.Status != result.RunOK {
		tcResult.Verdict = runResult.Status.ToVerdict()
		return tcResult, nil
	}

	if _, err := os.Stat(outputPath); err != nil {
		tcResult.Verdict = result.VerdictFE
		return tcResult, nil
	}
	tcResult.UserOutput = previewFile(outputPath, d.Limits.DataDisplay)

	// The user program may have modified its input file; a custom checker
	// reads input, so it gets a fresh copy from testdata. Builtin checkers
	// never read input and skip this.
	if d.Checker != nil && d.Checker.Kind != "builtin" {
		if err := materializeInput(d.Manifest, tc.InputFile, inputPath); err != nil {
			return result.TestcaseResult{}, err
		}
	}

	return scoreWithChecker(ctx, d, tc, tcResult, inputPath, outputPath, answerPath, working, d.Limits.DataDisplay)
}

// previewFile reads path and truncates it to limitBytes for inclusion in a
// testcase result; a missing or unreadable file yields an empty preview.
func previewFile(path string, limitBytes int64) result.Omittable {
	data, err := os.ReadFile(path)
	if err != nil {
		return result.Omittable{}
	}
	return result.Truncate(string(data), limitBytes)
}

func scoreWithChecker(ctx context.Context, d Deps, tc plan.Testcase, tcResult result.TestcaseResult, inputPath, outputPath, answerPath, workDir string, displayLimit int64) (result.TestcaseResult, error) {
	if d.Checker == nil {
		tcResult.Verdict = result.VerdictJF
		tcResult.SystemMessage = result.Truncate("no checker configured", displayLimit)
		return tcResult, nil
	}

	var verdict checker.Verdict
	if d.Checker.Kind == "builtin" {
		userOut, err := os.Open(outputPath)
		if err != nil {
			tcResult.Verdict = result.VerdictFE
			return tcResult, nil
		}
		defer userOut.Close()
		answer, err := os.Open(answerPath)
		if err != nil {
			tcResult.Verdict = result.VerdictJF
			tcResult.SystemMessage = result.Truncate("missing answer file", displayLimit)
			return tcResult, nil
		}
		defer answer.Close()
		verdict, err = checker.RunBuiltin(checker.BuiltinKind(d.Checker.BuiltinFn), checker.BuiltinOptions{
			Precision:     d.Checker.Precision,
			CaseSensitive: d.Checker.CaseSense,
		}, userOut, answer)
		if err != nil {
			return result.TestcaseResult{}, err
		}
	} else {
		if d.CheckerRun == nil {
			tcResult.Verdict = result.VerdictJF
			tcResult.SystemMessage = result.Truncate("no custom checker invocation configured", displayLimit)
			return tcResult, nil
		}
		files := checker.Files{Input: inputPath, UserOutput: outputPath, Answer: answerPath, WorkDir: workDir}
		var err error
		verdict, err = checker.Run(ctx, d.Engine, d.SubmissionID, tc.TestID, *d.CheckerRun, files)
		if err != nil {
			return result.TestcaseResult{}, err
		}
	}

	return applyVerdict(tcResult, verdict, displayLimit), nil
}

func applyVerdict(tcResult result.TestcaseResult, verdict checker.Verdict, displayLimit int64) result.TestcaseResult {
	tcResult.CheckerLogPath = ""
	if verdict.Failed {
		tcResult.Verdict = result.VerdictJF
		tcResult.SystemMessage = result.Truncate(verdict.Message, displayLimit)
		return tcResult
	}
	tcResult.Score = verdict.Score
	switch {
	case verdict.Score == 100:
		tcResult.Verdict = result.VerdictAC
	case verdict.Score == 0:
		tcResult.Verdict = result.VerdictWA
	default:
		tcResult.Verdict = result.VerdictPC
	}
	tcResult.CheckerMessage = result.Truncate(verdict.Message, displayLimit)
	return tcResult
}

// RunSubmitAnswer scores a testcase with no user program run: the wanted
// entry is extracted lazily from the submitted archive and checked
// directly against the answer.
func RunSubmitAnswer(ctx context.Context, d Deps, tc plan.Testcase, limits spec.ResourceLimit, archivePath, slotDir string) (result.TestcaseResult, error) {
	working, _, err := testWorkDirs(slotDir)
	if err != nil {
		return result.TestcaseResult{}, err
	}

	wantedName := tc.SubmittedFile
	if wantedName == "" {
		wantedName = d.OutputFileName
	}

	tcResult := result.TestcaseResult{TestID: tc.TestID}
	displayLimit := d.Limits.DataDisplayForSubmitAnswer

	outputLimitMB := d.OutputLimitMB
	outputPath := filepath.Join(working, "submitted_output")
	if err := extractZipEntry(archivePath, wantedName, outputPath, outputLimitMB*1024*1024); err != nil {
		if err == errOutputTooLarge {
			tcResult.Verdict = result.VerdictOLE
			return tcResult, nil
		}
		tcResult.Verdict = result.VerdictFE
		tcResult.SystemMessage = result.Truncate(err.Error(), displayLimit)
		return tcResult, nil
	}
	tcResult.UserOutput = previewFile(outputPath, displayLimit)

	inputPath := filepath.Join(working, "input.txt")
	if err := materializeInput(d.Manifest, tc.InputFile, inputPath); err != nil {
		return result.TestcaseResult{}, err
	}
	tcResult.InputPreview = previewFile(inputPath, displayLimit)
	answerPath := filepath.Join(working, "answer.txt")
	if err := materializeInput(d.Manifest, tc.AnswerFile, answerPath); err != nil {
		return result.TestcaseResult{}, err
	}

	return scoreWithChecker(ctx, d, tc, tcResult, inputPath, outputPath, answerPath, working, displayLimit)
}

var errOutputTooLarge = fmt.Errorf("output exceeds limit")

func extractZipEntry(archivePath, entryName, destPath string, maxBytes int64) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, f := range reader.File {
		if f.Name != entryName {
			continue
		}
		if maxBytes > 0 && int64(f.UncompressedSize64) > maxBytes {
			return errOutputTooLarge
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, rc)
		return err
	}
	return fmt.Errorf("entry %q not found in submitted archive", entryName)
}
