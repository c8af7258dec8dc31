// Package orchestrator implements the submission state machine that ties
// together compilation, the task-slot scheduler, the problem runners and
// the scoring engine into the sandbox.Service contract.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ojworker/internal/judge/cache"
	"ojworker/internal/judge/checker"
	"ojworker/internal/judge/plan"
	"ojworker/internal/judge/runners"
	"ojworker/internal/judge/sandbox"
	"ojworker/internal/judge/sandbox/engine"
	"ojworker/internal/judge/sandbox/observer"
	"ojworker/internal/judge/sandbox/profile"
	"ojworker/internal/judge/sandbox/result"
	"ojworker/internal/judge/sandbox/spec"
	"ojworker/internal/judge/scheduler"
	"ojworker/internal/judge/scoring"
	"ojworker/pkg/errors"
	"ojworker/pkg/utils/logger"

	"go.uber.org/zap"
)

// Orchestrator implements sandbox.Service.
type Orchestrator struct {
	Engine      engine.Engine
	Compiles    *cache.Cache
	Scheduler   *scheduler.Scheduler
	Reporter    sandbox.StatusReporter
	CPUAffinity map[spec.AffinityRole][]int

	// Metrics is optional; nil disables per-compile/per-testcase
	// observation. Set directly after New returns.
	Metrics observer.MetricsRecorder

	registry *registry
	progress *progressCache
}

var _ sandbox.Service = (*Orchestrator)(nil)

// New creates an orchestrator with its cancellation registry initialized
// up front, safe for concurrent Judge/Kill calls from the worker loop's
// consumer threads.
func New(eng engine.Engine, compiles *cache.Cache, sched *scheduler.Scheduler, reporter sandbox.StatusReporter, cpuAffinity map[spec.AffinityRole][]int) *Orchestrator {
	return &Orchestrator{
		Engine:      eng,
		Compiles:    compiles,
		Scheduler:   sched,
		Reporter:    reporter,
		CPUAffinity: cpuAffinity,
		registry:    newRegistry(),
		progress:    newProgressCache(),
	}
}

// progressCache holds the most recent snapshot per submission for the admin
// surface's status-introspection endpoint; entries are cleared once the
// worker loop acks the submission's terminal snapshot.
type progressCache struct {
	mu      sync.Mutex
	entries map[string]sandbox.ProgressSnapshot
}

func newProgressCache() *progressCache {
	return &progressCache{entries: make(map[string]sandbox.ProgressSnapshot)}
}

func (p *progressCache) set(snapshot sandbox.ProgressSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[snapshot.SubmissionID] = snapshot
}

func (p *progressCache) get(submissionID string) (sandbox.ProgressSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot, ok := p.entries[submissionID]
	return snapshot, ok
}

func (p *progressCache) clear(submissionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, submissionID)
}

// Status returns the most recently reported progress snapshot for a
// submission, for local debugging via the admin HTTP surface.
func (o *Orchestrator) Status(submissionID string) (sandbox.ProgressSnapshot, bool) {
	return o.progressStore().get(submissionID)
}

// ClearStatus discards a submission's cached snapshot; called by the worker
// loop once the terminal snapshot has been acknowledged.
func (o *Orchestrator) ClearStatus(submissionID string) {
	o.progressStore().clear(submissionID)
}

func (o *Orchestrator) progressStore() *progressCache {
	if o.progress == nil {
		o.progress = newProgressCache()
	}
	return o.progress
}

// registry tracks cancelable submissions for Kill.
type registry struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

func newRegistry() *registry { return &registry{entries: make(map[string]context.CancelFunc)} }

func (o *Orchestrator) reg() *registry {
	if o.registry == nil {
		o.registry = newRegistry()
	}
	return o.registry
}

func (r *registry) set(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = cancel
}

func (r *registry) clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *registry) get(id string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.entries[id]
	return cancel, ok
}

// Kill cancels the submission's context, if it is currently running.
func (o *Orchestrator) Kill(ctx context.Context, submissionID string) error {
	r := o.reg()
	if cancel, ok := r.get(submissionID); ok {
		cancel()
		return nil
	}
	return o.Engine.KillSubmission(ctx, submissionID)
}

// Judge runs the full Preparing -> Compiling -> Running -> Finished
// pipeline for one submission.
func (o *Orchestrator) Judge(ctx context.Context, req sandbox.JudgeRequest) (result.JudgeResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := o.reg()
	r.set(req.SubmissionID, cancel)
	defer r.clear(req.SubmissionID)

	receivedAt := nowUnixMilli()
	o.report(runCtx, req.SubmissionID, sandbox.ProgressPreparing, nil, receivedAt, 0)

	if err := req.Plan.Validate(); err != nil {
		return result.JudgeResult{}, errors.Wrap(err, errors.ConfigurationError)
	}

	o.report(runCtx, req.SubmissionID, sandbox.ProgressCompiling, nil, receivedAt, 0)

	userRef, compileMsg, err := o.compileUser(runCtx, req)
	if err != nil {
		return result.JudgeResult{}, err
	}
	defer releaseIfSet(userRef)

	o.report(runCtx, req.SubmissionID, sandbox.ProgressCompiling, &sandbox.CompileProgress{
		Success: userRef != nil && userRef.Result().OK,
		Message: compileMsg,
	}, receivedAt, 0)
	if o.Metrics != nil && userRef != nil {
		cr := userRef.Result()
		o.Metrics.ObserveCompile(runCtx, req.Submission.Language.ID, cr.OK, cr.TimeMs, cr.MemoryKB)
	}

	if userRef == nil || !userRef.Result().OK {
		return result.JudgeResult{
			SubmissionID: req.SubmissionID,
			Status:       result.StatusFailed,
			Verdict:      result.VerdictCE,
			Language:     req.Submission.Language.ID,
			Compile:      compileResultPtr(userRef),
			Timestamps:   result.Timestamps{ReceivedAt: receivedAt, FinishedAt: nowUnixMilli()},
		}, nil
	}

	checkerRef, interactorRef, err := o.compileJudgePrograms(runCtx, req)
	if err != nil {
		return result.JudgeResult{}, err
	}
	defer releaseIfSet(checkerRef)
	defer releaseIfSet(interactorRef)

	o.report(runCtx, req.SubmissionID, sandbox.ProgressRunning, nil, receivedAt, 0)

	deps := o.buildDeps(req, userRef, checkerRef)

	checkerHash := judgeProgramHash(checkerRef)
	interactorHash := judgeProgramHash(interactorRef)
	matrix, locator := newTestcaseMatrix(req.Plan)

	testWeightLimits := req.Plan.DefaultLimits
	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		loc := locator[tc.TestID]
		matrix.markRunning(loc)
		o.reportRunning(runCtx, req.SubmissionID, matrix, receivedAt)

		fallback := testWeightLimits
		if !loc.isSample && loc.subtaskIdx < len(req.Plan.Subtasks) {
			fallback = req.Plan.Subtasks[loc.subtaskIdx].Limits.Merge(fallback)
		}
		effective := tc.Limits.Merge(fallback)
		tcResult, err := o.runOneTestcase(ctx, req, deps, tc, effective, interactorRef)
		if err != nil {
			return result.TestcaseResult{}, err
		}
		tcResult.TestcaseHash = TestcaseHash(tc, effective, req.Manifest, checkerHash, interactorHash)

		matrix.markDone(loc, tcResult)
		o.reportRunning(runCtx, req.SubmissionID, matrix, receivedAt)
		return tcResult, nil
	}

	outcome, err := scoring.Run(runCtx, req.Plan, req.Submission.SkipSamples, runner)
	if err != nil {
		return result.JudgeResult{}, err
	}

	samplesSkipped := req.Submission.SkipSamples || !req.Plan.RunSamples || len(req.Plan.Samples) == 0
	matrix.finalize(outcome, samplesSkipped)
	finalSubtasks, finalSamples := matrix.snapshot()

	finishedAt := nowUnixMilli()
	tests := make([]result.TestcaseResult, 0, len(outcome.TestcaseByHash))
	for _, tcResult := range outcome.TestcaseByHash {
		tests = append(tests, tcResult)
	}

	judgeResult := result.JudgeResult{
		SubmissionID: req.SubmissionID,
		Status:       result.StatusFinished,
		Verdict:      outcome.FinalStatus,
		Score:        outcome.FinalScore,
		Language:     req.Submission.Language.ID,
		Compile:      compileResultPtr(userRef),
		Tests:        tests,
		Timestamps:   result.Timestamps{ReceivedAt: receivedAt, FinishedAt: finishedAt},
	}
	o.reportFinal(runCtx, req.SubmissionID, outcome.FinalStatus, outcome.FinalScore, outcome.TestcaseByHash, finalSubtasks, finalSamples, receivedAt, finishedAt)
	return judgeResult, nil
}

// judgeProgramHash identifies the compiled checker/interactor binary feeding
// a TestcaseHash; an uncompiled (builtin checker, no interactor) role
// contributes an empty string.
func judgeProgramHash(ref *cache.Ref) string {
	if ref == nil {
		return ""
	}
	return ref.Result().TaskHash
}

// testcaseLocation resolves a plan.Testcase's TestID to its position in the
// progress matrix, set once per submission and read by every runner call.
type testcaseLocation struct {
	isSample   bool
	sampleIdx  int
	subtaskIdx int
	testIdx    int
}

// testcaseMatrix is the live Subtasks/Samples half of a ProgressSnapshot:
// every cell starts Waiting and is flipped to Running/Done by the runner
// closure, then reconciled to Skipped once scoring.Run finishes short-
// circuiting subtasks it never reached.
type testcaseMatrix struct {
	mu       sync.Mutex
	subtasks []sandbox.SubtaskProgress
	samples  []sandbox.TestcaseRef
}

func newTestcaseMatrix(p plan.Plan) (*testcaseMatrix, map[string]testcaseLocation) {
	locator := make(map[string]testcaseLocation)

	weights := make([]int, len(p.Subtasks))
	for i, st := range p.Subtasks {
		weights[i] = st.Weight
	}
	fullScores := plan.DistributeWeights(weights)

	subtasks := make([]sandbox.SubtaskProgress, len(p.Subtasks))
	for i, st := range p.Subtasks {
		testcases := make([]sandbox.TestcaseRef, len(st.Testcases))
		for j, tc := range st.Testcases {
			testcases[j] = sandbox.TestcaseRef{State: sandbox.RefWaiting}
			locator[tc.TestID] = testcaseLocation{subtaskIdx: i, testIdx: j}
		}
		subtasks[i] = sandbox.SubtaskProgress{FullScore: fullScores[i], Testcases: testcases}
	}

	samples := make([]sandbox.TestcaseRef, len(p.Samples))
	for i, sample := range p.Samples {
		samples[i] = sandbox.TestcaseRef{State: sandbox.RefWaiting}
		locator[sample.TestID] = testcaseLocation{isSample: true, sampleIdx: i}
	}

	return &testcaseMatrix{subtasks: subtasks, samples: samples}, locator
}

func (m *testcaseMatrix) markRunning(loc testcaseLocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.isSample {
		if loc.sampleIdx < len(m.samples) {
			m.samples[loc.sampleIdx].State = sandbox.RefRunning
		}
		return
	}
	if loc.subtaskIdx < len(m.subtasks) && loc.testIdx < len(m.subtasks[loc.subtaskIdx].Testcases) {
		m.subtasks[loc.subtaskIdx].Testcases[loc.testIdx].State = sandbox.RefRunning
	}
}

func (m *testcaseMatrix) markDone(loc testcaseLocation, tcResult result.TestcaseResult) {
	ref := sandbox.TestcaseRef{State: sandbox.RefDone, TestcaseHash: tcResult.TestcaseHash}
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.isSample {
		if loc.sampleIdx < len(m.samples) {
			m.samples[loc.sampleIdx] = ref
		}
		return
	}
	if loc.subtaskIdx < len(m.subtasks) && loc.testIdx < len(m.subtasks[loc.subtaskIdx].Testcases) {
		m.subtasks[loc.subtaskIdx].Testcases[loc.testIdx] = ref
	}
}

// finalize reconciles the cells the runner closure never reached (skipped
// subtasks, and samples when the run skipped the sample phase entirely)
// to Skipped, and records each subtask's scored total.
func (m *testcaseMatrix) finalize(outcome scoring.Outcome, samplesSkipped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.subtasks {
		if i < len(outcome.SubtaskScores) {
			m.subtasks[i].Score = outcome.SubtaskScores[i]
		}
		for j := range m.subtasks[i].Testcases {
			if m.subtasks[i].Testcases[j].State == sandbox.RefWaiting {
				m.subtasks[i].Testcases[j].State = sandbox.RefSkipped
			}
		}
	}
	if samplesSkipped {
		for i := range m.samples {
			if m.samples[i].State == sandbox.RefWaiting {
				m.samples[i].State = sandbox.RefSkipped
			}
		}
	}
}

func (m *testcaseMatrix) snapshot() ([]sandbox.SubtaskProgress, []sandbox.TestcaseRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subtasks := make([]sandbox.SubtaskProgress, len(m.subtasks))
	for i, st := range m.subtasks {
		testcases := make([]sandbox.TestcaseRef, len(st.Testcases))
		copy(testcases, st.Testcases)
		subtasks[i] = sandbox.SubtaskProgress{Score: st.Score, FullScore: st.FullScore, Testcases: testcases}
	}
	samples := make([]sandbox.TestcaseRef, len(m.samples))
	copy(samples, m.samples)
	return subtasks, samples
}

func (o *Orchestrator) compileUser(ctx context.Context, req sandbox.JudgeRequest) (*cache.Ref, string, error) {
	if !req.Submission.Language.CompileEnabled {
		// Interpreted languages skip the compile cache entirely: the
		// source file itself plays the role of the binary directory.
		return cache.NewUncachedRef(result.CompileResult{
			OK:        true,
			BinaryDir: filepath.Dir(req.Submission.SourcePath),
		}), "ok", nil
	}
	sourceBytes, err := os.ReadFile(req.Submission.SourcePath)
	if err != nil {
		return nil, "", fmt.Errorf("read submission source: %w", err)
	}
	task := cache.CompileTask{
		Language:          req.Submission.Language,
		Source:            string(sourceBytes),
		ExtraCompileFlags: filterFlags(req.Submission.ExtraCompileFlags, req.Submission.Language.AllowedExtraCompileFlags),
		ExtraSourceFiles:  resolveExtraSources(req.Plan.ExtraSourceFiles, req.Submission.Language.ID, req.Manifest),
	}
	ref, err := o.Compiles.Compile(ctx, task, o.compileFn(req.SubmissionID, req.Submission.SourcePath, req.Submission.Language, req.CompileProfile, req.Limits.CompilerMessage))
	if err != nil {
		return nil, "", err
	}
	msg := ref.Result().Error.Value
	if ref.Result().OK {
		msg = "ok"
	}
	return ref, msg, nil
}

func filterFlags(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	out := make([]string, 0, len(requested))
	for _, f := range requested {
		if allowedSet[f] {
			out = append(out, f)
		}
	}
	return out
}

func resolveExtraSources(bySourceLang map[string]string, languageID string, manifest map[string]string) map[string]string {
	logicalName, ok := bySourceLang[languageID]
	if !ok {
		return nil
	}
	path, ok := manifest[logicalName]
	if !ok {
		return nil
	}
	return map[string]string{logicalName: path}
}

// compileFn adapts the sandbox engine into the cache's Compiler signature:
// write source to destDir, invoke the language's compile command in the
// sandbox, classify the outcome per the compile cache's success/failure
// rules (size limit, nonzero exit, non-OK sandbox status).
func (o *Orchestrator) compileFn(submissionID, sourcePath string, lang profile.LanguageSpec, prof profile.TaskProfile, messageLimit int64) cache.Compiler {
	return func(ctx context.Context, task cache.CompileTask, destDir string) (result.CompileResult, error) {
		stagedSource := filepath.Join(destDir, lang.SourceFile)
		if err := copyFileLocal(sourcePath, stagedSource); err != nil {
			return result.CompileResult{}, fmt.Errorf("stage source: %w", err)
		}
		binaryPath := filepath.Join(destDir, lang.BinaryFile)
		logPath := filepath.Join(destDir, "compile.log")
		argv := substituteArgv(lang.CompileCmd, map[string]string{
			"{source}": stagedSource,
			"{binary}": binaryPath,
			"{flags}":  joinFlags(task.ExtraCompileFlags),
		})

		runSpec := spec.RunSpec{
			SubmissionID: submissionID,
			TestID:       "compile",
			WorkDir:      destDir,
			Cmd:          argv,
			Profile:      prof.RootFS,
			Limits:       prof.DefaultLimits,
			AffinityRole: spec.AffinityCompiler,
			StdoutPath:   logPath,
			StderrPath:   logPath,
		}
		runResult, err := o.Engine.Run(ctx, runSpec)
		if err != nil {
			return result.CompileResult{}, fmt.Errorf("invoke compiler: %w", err)
		}

		logBytes, _ := os.ReadFile(logPath)
		message := string(logBytes)
		compileResult := result.CompileResult{
			ExitCode: runResult.ExitCode,
			TimeMs:   runResult.TimeMs,
			MemoryKB: runResult.MemoryKB,
			LogPath:  logPath,
		}

		if runResult.Status != result.RunOK {
			compileResult.Error = result.Truncate(fmt.Sprintf("%s: %s", runResult.Status, message), messageLimit)
			return compileResult, nil
		}
		if runResult.ExitCode != 0 {
			compileResult.Error = result.Truncate(message, messageLimit)
			return compileResult, nil
		}
		info, err := os.Stat(binaryPath)
		if err != nil {
			compileResult.Error = result.Truncate("compiler reported success but produced no binary", messageLimit)
			return compileResult, nil
		}
		if lang.MaxBinarySizeMB > 0 && info.Size() > lang.MaxBinarySizeMB*1024*1024 {
			compileResult.Error = result.Truncate(fmt.Sprintf("binary size %d bytes exceeds limit of %d MB", info.Size(), lang.MaxBinarySizeMB), messageLimit)
			return compileResult, nil
		}
		compileResult.OK = true
		compileResult.BinarySize = info.Size()
		return compileResult, nil
	}
}

func copyFileLocal(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0640)
}

func substituteArgv(template []string, replacements map[string]string) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		for token, value := range replacements {
			arg = strings.ReplaceAll(arg, token, value)
		}
		out[i] = arg
	}
	return out
}

func joinFlags(flags []string) string {
	return strings.Join(flags, " ")
}

// compileJudgePrograms compiles a custom checker and/or an interactor when
// the plan calls for one. A builtin checker or a missing interactor yields
// a nil ref, meaning "nothing to release".
func (o *Orchestrator) compileJudgePrograms(ctx context.Context, req sandbox.JudgeRequest) (checkerRef, interactorRef *cache.Ref, err error) {
	if req.Plan.Checker != nil && req.Plan.Checker.Kind == "custom" && req.CheckerProfile != nil {
		checkerRef, err = o.compileJudgeProgram(ctx, req, "checker", req.Plan.Checker.LanguageID, req.Plan.Checker.SourceFile, *req.CheckerProfile)
		if err != nil {
			return nil, nil, err
		}
	}
	if req.Plan.Interactor != nil && req.InteractorProfile != nil {
		interactorRef, err = o.compileJudgeProgram(ctx, req, "interactor", req.Plan.Interactor.LanguageID, req.Plan.Interactor.SourceFile, *req.InteractorProfile)
		if err != nil {
			return nil, nil, err
		}
	}
	return checkerRef, interactorRef, nil
}

func (o *Orchestrator) compileJudgeProgram(ctx context.Context, req sandbox.JudgeRequest, role, languageID, logicalSource string, prof profile.TaskProfile) (*cache.Ref, error) {
	sourcePath, ok := req.Manifest[logicalSource]
	if !ok {
		return nil, errors.Newf(errors.TestdataUnavailable, "%s source %q not in manifest", role, logicalSource)
	}
	sourceBytes, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read %s source: %w", role, err)
	}
	lang := profile.LanguageSpec{
		ID:              languageID,
		CompileEnabled:  true,
		SourceFile:      role + ".src",
		BinaryFile:      role,
		CompileCmd:      defaultCompileCmd(languageID, role),
		MaxBinarySizeMB: 0,
	}
	task := cache.CompileTask{Language: lang, Source: string(sourceBytes)}
	return o.Compiles.Compile(ctx, task, o.compileFn(req.SubmissionID, sourcePath, lang, prof, req.Limits.CompilerMessage))
}

// defaultCompileCmd returns the compile command used for every
// checker/interactor program; languageID and outputName are not consulted,
// so judge support programs are always compiled as C++17 with g++.
func defaultCompileCmd(languageID, outputName string) []string {
	return []string{"g++", "-O2", "-std=c++17", "-o", "{binary}", "{source}", "{flags}"}
}

func (o *Orchestrator) buildDeps(req sandbox.JudgeRequest, userRef, checkerRef *cache.Ref) runners.Deps {
	argv := userRunArgv(req.Submission.Language, userRef, req.Submission.SourcePath)
	payloadDir := filepath.Dir(req.Submission.SourcePath)
	if req.Submission.Language.CompileEnabled {
		payloadDir = userRef.Result().BinaryDir
	}
	d := runners.Deps{
		Engine:         o.Engine,
		SubmissionID:   req.SubmissionID,
		BinaryPath:     argv[0],
		BinaryArgs:     argv[1:],
		PayloadDir:     payloadDir,
		Profile:        req.RunProfile.RootFS,
		Manifest:       req.Manifest,
		IOMode:         req.Plan.IOMode,
		InputFileName:  req.Plan.InputFile,
		OutputFileName: req.Plan.OutputFile,
		Checker:        req.Plan.Checker,
		Interactor:     req.Plan.Interactor,
		OutputLimitMB:  req.Limits.OutputSize / (1024 * 1024),
		Limits:         req.Limits,
	}
	if req.Plan.Checker != nil && req.Plan.Checker.Kind == "custom" && checkerRef != nil {
		d.CheckerRun = &checker.Invocation{
			Interface:  checker.Interface(req.Plan.Checker.Interface),
			BinaryPath: filepath.Join(checkerRef.Result().BinaryDir, "checker"),
			Profile:    req.RunProfile.RootFS,
			Limits:     req.Plan.DefaultLimits,
		}
	}
	return d
}

// userRunArgv builds the user program's argv from the language's RunCmd
// template. For compiled languages {binary} resolves inside the compile
// cache's owned directory; for interpreted languages (CompileEnabled ==
// false) {source} resolves to the original submitted file.
func userRunArgv(lang profile.LanguageSpec, userRef *cache.Ref, sourcePath string) []string {
	binaryPath := sourcePath
	if lang.CompileEnabled {
		binaryPath = filepath.Join(userRef.Result().BinaryDir, lang.BinaryFile)
	}
	template := lang.RunCmd
	if len(template) == 0 {
		template = []string{"{binary}"}
	}
	return substituteArgv(template, map[string]string{
		"{source}": sourcePath,
		"{binary}": binaryPath,
	})
}

func (o *Orchestrator) runOneTestcase(ctx context.Context, req sandbox.JudgeRequest, deps runners.Deps, tc plan.Testcase, limits spec.ResourceLimit, interactorRef *cache.Ref) (result.TestcaseResult, error) {
	var tcResult result.TestcaseResult
	err := o.Scheduler.RunQueued(ctx, func(ctx context.Context, dir string, disposer *scheduler.Disposer) error {
		var runErr error
		switch req.Plan.ProblemType {
		case plan.ProblemInteractive:
			interactorBinary := ""
			if interactorRef != nil {
				interactorBinary = filepath.Join(interactorRef.Result().BinaryDir, "interactor")
			}
			tcResult, runErr = runners.RunInteractive(ctx, deps, tc, limits, interactorBinary, dir)
		case plan.ProblemSubmitAnswer:
			tcResult, runErr = runners.RunSubmitAnswer(ctx, deps, tc, limits, req.Submission.SubmittedArchivePath, dir)
		default:
			tcResult, runErr = runners.RunBatch(ctx, deps, tc, limits, dir)
		}
		return runErr
	})
	if err != nil {
		return result.TestcaseResult{}, err
	}
	if o.Metrics != nil {
		o.Metrics.ObserveRun(ctx, req.Submission.Language.ID, string(tcResult.Verdict), tcResult.TimeMs, tcResult.MemoryKB, tcResult.OutputKB)
	}
	return tcResult, nil
}

func (o *Orchestrator) report(ctx context.Context, submissionID string, progressType sandbox.ProgressType, compile *sandbox.CompileProgress, receivedAt, finishedAt int64) {
	snapshot := sandbox.ProgressSnapshot{
		SubmissionID: submissionID,
		ProgressType: progressType,
		Compile:      compile,
		ReceivedAt:   receivedAt,
		FinishedAt:   finishedAt,
	}
	o.progressStore().set(snapshot)
	if o.Reporter == nil {
		return
	}
	if err := o.Reporter.ReportProgress(ctx, snapshot); err != nil {
		logger.Warn(ctx, "report progress failed", zap.String("submissionId", submissionID), zap.Error(err))
	}
}

// reportRunning emits an intermediate Running snapshot carrying the
// progress matrix's current Subtasks/Samples state, called around every
// testcase's running/done transition.
func (o *Orchestrator) reportRunning(ctx context.Context, submissionID string, matrix *testcaseMatrix, receivedAt int64) {
	subtasks, samples := matrix.snapshot()
	snapshot := sandbox.ProgressSnapshot{
		SubmissionID: submissionID,
		ProgressType: sandbox.ProgressRunning,
		Subtasks:     subtasks,
		Samples:      samples,
		ReceivedAt:   receivedAt,
	}
	o.progressStore().set(snapshot)
	if o.Reporter == nil {
		return
	}
	if err := o.Reporter.ReportProgress(ctx, snapshot); err != nil {
		logger.Warn(ctx, "report running progress failed", zap.String("submissionId", submissionID), zap.Error(err))
	}
}

// reportFinal sends the terminal progress snapshot carrying the scored
// outcome, bypassing the trailing-edge coalescing applied to intermediate
// Running updates; a Finished snapshot must never be delayed or dropped.
func (o *Orchestrator) reportFinal(ctx context.Context, submissionID string, status result.Verdict, score int, tests map[string]result.TestcaseResult, subtasks []sandbox.SubtaskProgress, samples []sandbox.TestcaseRef, receivedAt, finishedAt int64) {
	snapshot := sandbox.ProgressSnapshot{
		SubmissionID:   submissionID,
		ProgressType:   sandbox.ProgressFinished,
		Status:         status,
		Score:          score,
		TestcaseResult: tests,
		Subtasks:       subtasks,
		Samples:        samples,
		ReceivedAt:     receivedAt,
		FinishedAt:     finishedAt,
	}
	o.progressStore().set(snapshot)
	if o.Reporter == nil {
		return
	}
	if err := o.Reporter.ReportProgress(ctx, snapshot); err != nil {
		logger.Warn(ctx, "report final progress failed", zap.String("submissionId", submissionID), zap.Error(err))
	}
}

func releaseIfSet(ref *cache.Ref) {
	if ref != nil && ref.Result().BinaryDir != "" {
		ref.Release()
	}
}

func compileResultPtr(ref *cache.Ref) *result.CompileResult {
	if ref == nil {
		return nil
	}
	r := ref.Result()
	return &r
}

// TestcaseHash combines the effective limits, testdata content hashes and
// checker/interactor metadata into the dedup key described for progress
// reporting, so retried testcase results can be recognized as identical.
func TestcaseHash(tc plan.Testcase, limits spec.ResourceLimit, manifest map[string]string, checkerResultHash, interactorResultHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d:%d", limits.CPUTimeMs, limits.WallTimeMs, limits.MemoryMB)
	io.WriteString(h, hashLogical(manifest, tc.InputFile))
	io.WriteString(h, hashLogical(manifest, tc.AnswerFile))
	io.WriteString(h, checkerResultHash)
	io.WriteString(h, interactorResultHash)
	return hex.EncodeToString(h.Sum(nil))
}

func hashLogical(manifest map[string]string, logicalName string) string {
	path, ok := manifest[logicalName]
	if !ok {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	io.Copy(h, f)
	return hex.EncodeToString(h.Sum(nil))
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
