// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard limits enforced by the sandbox.
type ResourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

// Merge returns the effective limit given a fallback, applied field by field:
// testcase ∨ subtask ∨ plan precedence is expressed by calling Merge on the
// more specific limit with the less specific one as fallback.
func (r ResourceLimit) Merge(fallback ResourceLimit) ResourceLimit {
	merged := r
	if merged.CPUTimeMs <= 0 {
		merged.CPUTimeMs = fallback.CPUTimeMs
	}
	if merged.WallTimeMs <= 0 {
		merged.WallTimeMs = fallback.WallTimeMs
	}
	if merged.MemoryMB <= 0 {
		merged.MemoryMB = fallback.MemoryMB
	}
	if merged.StackMB <= 0 {
		merged.StackMB = fallback.StackMB
	}
	if merged.OutputMB <= 0 {
		merged.OutputMB = fallback.OutputMB
	}
	if merged.PIDs <= 0 {
		merged.PIDs = fallback.PIDs
	}
	return merged
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// AffinityRole identifies which configured CPU affinity list a run should be
// pinned to, looked up by the caller in the worker's cpuAffinity config.
type AffinityRole string

const (
	AffinityCompiler    AffinityRole = "compiler"
	AffinityUserProgram AffinityRole = "userProgram"
	AffinityInteractor  AffinityRole = "interactor"
	AffinityChecker     AffinityRole = "checker"
)

// RunSpec is the unified execution specification for one task.
type RunSpec struct {
	SubmissionID string
	TestID       string

	WorkDir string
	// Cmd is the argv of the executable to run. Script, if non-empty, takes
	// precedence: it is written to a temp file mounted read-only as /tmp
	// inside the sandbox and invoked through a shell instead of Cmd.
	Cmd    []string
	Script string

	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	BindMounts []MountSpec

	Profile      string
	Limits       ResourceLimit
	AffinityRole AffinityRole
	CPUAffinity  []int
}
