package checker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ojworker/internal/judge/sandbox/engine"
	"ojworker/internal/judge/sandbox/result"
	"ojworker/internal/judge/sandbox/spec"
	"ojworker/pkg/errors"
)

// Interface identifies one of the six custom checker flavors.
type Interface string

const (
	InterfaceTestlib  Interface = "testlib"
	InterfaceLegacy   Interface = "legacy"
	InterfaceLemon    Interface = "lemon"
	InterfaceHustoj   Interface = "hustoj"
	InterfaceQduoj    Interface = "qduoj"
	InterfaceDomjudge Interface = "domjudge"
)

// RequiresLanguage enforces the validation hook for interface flavors that
// mandate a specific checker source language (testlib requires C++).
func (i Interface) RequiresLanguage() (languageID string, required bool) {
	if i == InterfaceTestlib {
		return "cpp17", true
	}
	return "", false
}

// Files names the host paths a custom checker invocation reads and writes.
type Files struct {
	Input      string
	UserOutput string
	Answer     string
	UserCode   string
	WorkDir    string
}

// Invocation describes one custom checker run.
type Invocation struct {
	Interface  Interface
	BinaryPath string
	Args       []string
	Env        []string
	Limits     spec.ResourceLimit
	Profile    string
	CPUAffinity []int
}

// Run executes the custom checker described by inv against files, mapping
// its interface-specific IO convention to a Verdict.
func Run(ctx context.Context, eng engine.Engine, submissionID, testID string, inv Invocation, files Files) (Verdict, error) {
	switch inv.Interface {
	case InterfaceTestlib:
		return runTestlib(ctx, eng, submissionID, testID, inv, files)
	case InterfaceLegacy:
		return runLegacy(ctx, eng, submissionID, testID, inv, files)
	case InterfaceLemon:
		return runLemon(ctx, eng, submissionID, testID, inv, files)
	case InterfaceHustoj:
		return runHustoj(ctx, eng, submissionID, testID, inv, files)
	case InterfaceQduoj:
		return runQduoj(ctx, eng, submissionID, testID, inv, files)
	case InterfaceDomjudge:
		return runDomjudge(ctx, eng, submissionID, testID, inv, files)
	default:
		return Verdict{}, errors.Newf(errors.ConfigurationError, "unknown checker interface %q", inv.Interface)
	}
}

func baseRunSpec(inv Invocation, submissionID, testID string, argv []string) spec.RunSpec {
	return spec.RunSpec{
		SubmissionID: submissionID,
		TestID:       testID,
		Cmd:          argv,
		Env:          inv.Env,
		Profile:      inv.Profile,
		Limits:       inv.Limits,
		AffinityRole: spec.AffinityChecker,
		CPUAffinity:  inv.CPUAffinity,
	}
}

func runOrFail(ctx context.Context, eng engine.Engine, runSpec spec.RunSpec) (result.RunResult, error) {
	runResult, err := eng.Run(ctx, runSpec)
	if err != nil {
		return result.RunResult{}, errors.Wrap(err, errors.JudgementFailed)
	}
	return runResult, nil
}

func runTestlib(ctx context.Context, eng engine.Engine, submissionID, testID string, inv Invocation, files Files) (Verdict, error) {
	argv := append([]string{inv.BinaryPath}, append(inv.Args, files.Input, files.UserOutput, files.Answer)...)
	rs := baseRunSpec(inv, submissionID, testID, argv)
	rs.WorkDir = files.WorkDir
	runResult, err := runOrFail(ctx, eng, rs)
	if err != nil {
		return Verdict{}, err
	}
	if runResult.Status != result.RunOK {
		return Verdict{Failed: true, Message: fmt.Sprintf("checker %s", runResult.Status)}, nil
	}
	return ParseMessage(runResult.Stderr), nil
}

func runLegacy(ctx context.Context, eng engine.Engine, submissionID, testID string, inv Invocation, files Files) (Verdict, error) {
	renames := map[string]string{
		files.Input:      filepath.Join(files.WorkDir, "input"),
		files.UserOutput: filepath.Join(files.WorkDir, "user_out"),
		files.Answer:     filepath.Join(files.WorkDir, "answer"),
		files.UserCode:   filepath.Join(files.WorkDir, "code"),
	}
	for src, dst := range renames {
		if src == "" {
			continue
		}
		if err := linkOrCopy(src, dst); err != nil {
			return Verdict{}, errors.Wrapf(err, errors.JudgementFailed, "stage legacy checker file %s", src)
		}
	}
	argv := append([]string{inv.BinaryPath}, inv.Args...)
	rs := baseRunSpec(inv, submissionID, testID, argv)
	rs.WorkDir = files.WorkDir
	runResult, err := runOrFail(ctx, eng, rs)
	if err != nil {
		return Verdict{}, err
	}
	if runResult.Status != result.RunOK {
		return Verdict{Failed: true, Message: fmt.Sprintf("checker %s", runResult.Status)}, nil
	}
	score, parseErr := strconv.Atoi(strings.TrimSpace(runResult.Stdout))
	if parseErr != nil || score < 0 || score > 100 {
		return Verdict{Failed: true, Message: "couldn't parse legacy checker stdout"}, nil
	}
	return Verdict{Score: score, Message: strings.TrimSpace(runResult.Stderr)}, nil
}

func runLemon(ctx context.Context, eng engine.Engine, submissionID, testID string, inv Invocation, files Files) (Verdict, error) {
	scoreFile := filepath.Join(files.WorkDir, "score.txt")
	messageFile := filepath.Join(files.WorkDir, "message.txt")
	argv := append([]string{inv.BinaryPath}, append(inv.Args, files.Input, files.UserOutput, files.Answer, "100", scoreFile, messageFile)...)
	rs := baseRunSpec(inv, submissionID, testID, argv)
	rs.WorkDir = files.WorkDir
	runResult, err := runOrFail(ctx, eng, rs)
	if err != nil {
		return Verdict{}, err
	}
	if runResult.Status != result.RunOK {
		return Verdict{Failed: true, Message: fmt.Sprintf("checker %s", runResult.Status)}, nil
	}
	scoreBytes, _ := os.ReadFile(scoreFile)
	score, parseErr := strconv.Atoi(strings.TrimSpace(string(scoreBytes)))
	if parseErr != nil {
		return Verdict{Failed: true, Message: "couldn't parse lemon score file"}, nil
	}
	messageBytes, _ := os.ReadFile(messageFile)
	return Verdict{Score: score, Message: strings.TrimSpace(string(messageBytes))}, nil
}

func runHustoj(ctx context.Context, eng engine.Engine, submissionID, testID string, inv Invocation, files Files) (Verdict, error) {
	argv := append([]string{inv.BinaryPath}, append(inv.Args, files.Input, files.Answer, files.UserOutput)...)
	rs := baseRunSpec(inv, submissionID, testID, argv)
	rs.WorkDir = files.WorkDir
	runResult, err := runOrFail(ctx, eng, rs)
	if err != nil {
		return Verdict{}, err
	}
	if runResult.Status != result.RunOK {
		return Verdict{Failed: true, Message: fmt.Sprintf("checker %s", runResult.Status)}, nil
	}
	if runResult.ExitCode == 0 {
		return Verdict{Score: 100, Message: "ok"}, nil
	}
	return Verdict{Score: 0, Message: "wrong answer"}, nil
}

func runQduoj(ctx context.Context, eng engine.Engine, submissionID, testID string, inv Invocation, files Files) (Verdict, error) {
	messageFile := filepath.Join(files.WorkDir, "message.txt")
	argv := append([]string{inv.BinaryPath}, append(inv.Args, files.Input, files.UserOutput)...)
	rs := baseRunSpec(inv, submissionID, testID, argv)
	rs.WorkDir = files.WorkDir
	rs.StdinPath = files.Input
	rs.StderrPath = messageFile
	runResult, err := runOrFail(ctx, eng, rs)
	if err != nil {
		return Verdict{}, err
	}
	if runResult.Status != result.RunOK {
		return Verdict{Failed: true, Message: fmt.Sprintf("checker %s", runResult.Status)}, nil
	}
	messageBytes, _ := os.ReadFile(messageFile)
	message := strings.TrimSpace(string(messageBytes))
	switch runResult.ExitCode {
	case 0:
		return Verdict{Score: 100, Message: message}, nil
	case 1:
		return Verdict{Score: 0, Message: message}, nil
	case 255:
		return Verdict{Failed: true, Message: message}, nil
	default:
		return Verdict{Failed: true, Message: fmt.Sprintf("unexpected qduoj exit code %d", runResult.ExitCode)}, nil
	}
}

func runDomjudge(ctx context.Context, eng engine.Engine, submissionID, testID string, inv Invocation, files Files) (Verdict, error) {
	messageFile := filepath.Join(files.WorkDir, "judgemessage.txt")
	argv := append([]string{inv.BinaryPath}, append(inv.Args, files.Input, files.Answer, files.WorkDir)...)
	rs := baseRunSpec(inv, submissionID, testID, argv)
	rs.WorkDir = files.WorkDir
	rs.StdinPath = files.UserOutput
	runResult, err := runOrFail(ctx, eng, rs)
	if err != nil {
		return Verdict{}, err
	}
	if runResult.Status != result.RunOK {
		return Verdict{Failed: true, Message: fmt.Sprintf("checker %s", runResult.Status)}, nil
	}
	messageBytes, _ := os.ReadFile(messageFile)
	message := strings.TrimSpace(string(messageBytes))
	switch runResult.ExitCode {
	case 42:
		return Verdict{Score: 100, Message: message}, nil
	case 43:
		return Verdict{Score: 0, Message: message}, nil
	default:
		return Verdict{Failed: true, Message: fmt.Sprintf("unexpected domjudge exit code %d: %s", runResult.ExitCode, message)}, nil
	}
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0640)
}
