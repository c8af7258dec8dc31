//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"ojworker/internal/judge/sandbox/result"
	"ojworker/internal/judge/sandbox/security"
	"ojworker/internal/judge/sandbox/spec"
	"ojworker/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultStdoutStderrMaxBytes int64 = 64 * 1024
)

type linuxEngine struct {
	cfg       Config
	resolver  ProfileResolver
	registry  map[string][]string
	registryM sync.Mutex
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("profile resolver is required")
	}
	if cfg.StdoutStderrMaxBytes <= 0 {
		cfg.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	return &linuxEngine{
		cfg:      cfg,
		resolver: resolver,
		registry: make(map[string][]string),
	}, nil
}

// process wraps an in-flight sandbox-init invocation between Start and Wait.
type process struct {
	e             *linuxEngine
	runSpec       spec.RunSpec
	cmd           *exec.Cmd
	cgroupPath    string
	cgroupCleanup func()
	start         time.Time
	helperStderr  bytes.Buffer
	timedOut      atomic.Bool
	killCtx       context.Context
	cancelKill    context.CancelFunc
	done          chan struct{}
	waitOnce      sync.Once
	waitResult    result.RunResult
	waitErrOut    error
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	p, err := e.Start(ctx, runSpec)
	if err != nil {
		return result.RunResult{}, err
	}
	return p.Wait(ctx)
}

func (e *linuxEngine) Start(ctx context.Context, runSpec spec.RunSpec) (Handle, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return nil, err
	}

	isoProfile, err := e.resolver.Resolve(runSpec.Profile)
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}
	if e.cfg.SeccompDir != "" && isoProfile.SeccompProfile != "" && !filepath.IsAbs(isoProfile.SeccompProfile) {
		isoProfile.SeccompProfile = filepath.Join(e.cfg.SeccompDir, isoProfile.SeccompProfile)
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if e.cfg.EnableCgroup {
		cgroupPath, cgroupCleanup, err = createRunCgroup(e.cfg.CgroupRoot, runSpec.SubmissionID, runSpec.TestID)
		if err != nil {
			return nil, fmt.Errorf("create cgroup: %w", err)
		}
		if err := applyCgroupLimits(cgroupPath, runSpec.Limits); err != nil {
			cgroupCleanup()
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
		e.registerCgroup(runSpec.SubmissionID, cgroupPath)
	}

	initReq := initRequest{
		RunSpec:       runSpec,
		Isolation:     isoProfile,
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
	}

	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		cgroupCleanup()
		return nil, fmt.Errorf("encode init request: %w", err)
	}

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(isoProfile, e.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe

	p := &process{e: e, runSpec: runSpec, cmd: cmd, cgroupPath: cgroupPath, cgroupCleanup: cgroupCleanup}
	cmd.Stdout = io.Discard
	cmd.Stderr = &p.helperStderr

	p.start = time.Now()
	if err := cmd.Start(); err != nil {
		stdinPipe.Close()
		if e.cfg.EnableCgroup {
			e.unregisterCgroup(runSpec.SubmissionID, cgroupPath)
		}
		cgroupCleanup()
		return nil, fmt.Errorf("start helper: %w", err)
	}
	stdinPipe.Close()

	if e.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	applyCPUAffinity(ctx, cmd.Process.Pid, runSpec.CPUAffinity)

	p.killCtx, p.cancelKill = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		wallLimit := durationFromMs(runSpec.Limits.WallTimeMs)
		var wallTimer <-chan time.Time
		if wallLimit > 0 {
			wallTimer = time.After(wallLimit)
		}
		select {
		case <-p.killCtx.Done():
			p.e.killProcessGroup(cmd.Process.Pid)
		case <-wallTimer:
			p.timedOut.Store(true)
			p.e.killProcessGroup(cmd.Process.Pid)
		case <-p.done:
		}
	}()

	return p, nil
}

func (p *process) Stop() error {
	p.cancelKill()
	return nil
}

func (p *process) Wait(ctx context.Context) (result.RunResult, error) {
	p.waitOnce.Do(func() {
		waitErr := p.cmd.Wait()
		close(p.done)
		p.cancelKill()

		if waitErr != nil && p.helperStderr.Len() > 0 {
			logger.Warn(ctx, "sandbox helper failed", zap.String("stderr", p.helperStderr.String()))
		}

		wallTimeMs := time.Since(p.start).Milliseconds()
		stdoutPath := p.runSpec.StdoutPath
		stderrPath := p.runSpec.StderrPath
		runResult := result.RunResult{
			ExitCode:   exitCodeFromErr(waitErr, p.cmd.ProcessState),
			TimeMs:     cpuTimeMs(p.cmd.ProcessState),
			WallTimeMs: wallTimeMs,
			MemoryKB:   memoryPeakKB(p.cgroupPath, p.cmd.ProcessState),
			OutputKB:   fileSizeKB(stdoutPath),
			Stdout:     readLimitedFile(stdoutPath, p.e.cfg.StdoutStderrMaxBytes),
			Stderr:     readLimitedFile(stderrPath, p.e.cfg.StdoutStderrMaxBytes),
			OomKilled:  wasOomKilled(p.cgroupPath),
		}
		runResult.Status = classifyStatus(p.timedOut.Load(), runResult, p.runSpec.Limits)

		if p.e.cfg.EnableCgroup {
			p.e.unregisterCgroup(p.runSpec.SubmissionID, p.cgroupPath)
			p.cgroupCleanup()
		}

		p.waitResult = runResult
		p.waitErrOut = nil
	})
	return p.waitResult, p.waitErrOut
}

// classifyStatus maps raw exit data to the spec's sandbox result status set.
func classifyStatus(timedOut bool, r result.RunResult, limits spec.ResourceLimit) result.RunStatus {
	if timedOut {
		return result.RunTimeLimitExceeded
	}
	if r.OomKilled {
		return result.RunMemoryLimitExceeded
	}
	if limits.OutputMB > 0 && r.OutputKB > limits.OutputMB*1024 {
		return result.RunOutputLimitExceeded
	}
	if r.ExitCode == 0 {
		return result.RunOK
	}
	if r.ExitCode < 0 {
		return result.RunUnknown
	}
	return result.RunRuntimeError
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (e *linuxEngine) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	paths := e.snapshotCgroups(submissionID)
	for _, cgroupPath := range paths {
		if err := killCgroup(cgroupPath); err != nil {
			logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	return nil
}

func (e *linuxEngine) registerCgroup(submissionID, cgroupPath string) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	e.registry[submissionID] = append(e.registry[submissionID], cgroupPath)
}

func (e *linuxEngine) unregisterCgroup(submissionID, cgroupPath string) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	paths := e.registry[submissionID]
	if len(paths) == 0 {
		return
	}
	updated := paths[:0]
	for _, p := range paths {
		if p != cgroupPath {
			updated = append(updated, p)
		}
	}
	if len(updated) == 0 {
		delete(e.registry, submissionID)
		return
	}
	e.registry[submissionID] = updated
}

func (e *linuxEngine) snapshotCgroups(submissionID string) []string {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	paths := e.registry[submissionID]
	out := make([]string, len(paths))
	copy(out, paths)
	return out
}

func (e *linuxEngine) killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.SubmissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if runSpec.TestID == "" {
		return fmt.Errorf("test id is required")
	}
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Cmd) == 0 && runSpec.Script == "" {
		return fmt.Errorf("command or script is required")
	}
	if runSpec.Profile == "" {
		return fmt.Errorf("profile is required")
	}
	return nil
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(profile security.IsolationProfile, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

// applyCPUAffinity pins the helper process to the CPU list configured for
// this run's affinity role. Failure is non-fatal: the sandbox still runs,
// just without pinning, which only affects timing determinism.
func applyCPUAffinity(ctx context.Context, pid int, cpus []int) {
	if len(cpus) == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu >= 0 {
			set.Set(cpu)
		}
	}
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		logger.Warn(ctx, "set cpu affinity failed", zap.Int("pid", pid), zap.Error(err))
	}
}

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	return state.UserTime().Milliseconds() + state.SystemTime().Milliseconds()
}

func fileSizeKB(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size() / 1024
}

func readLimitedFile(path string, maxBytes int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if maxBytes <= 0 {
		maxBytes = defaultStdoutStderrMaxBytes
	}
	buf := make([]byte, maxBytes)
	n, _ := io.ReadFull(f, buf)
	return string(buf[:n])
}
