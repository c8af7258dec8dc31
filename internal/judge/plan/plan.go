// Package plan defines the judging plan: the subtask/testcase tree a
// submission is scored against, independent of any particular language
// or sandbox concern.
package plan

import (
	"fmt"

	"ojworker/internal/judge/sandbox/spec"
)

// ProblemType identifies how a submission's testcases are executed.
type ProblemType string

const (
	ProblemBatch        ProblemType = "BATCH"
	ProblemInteractive  ProblemType = "INTERACTIVE"
	ProblemSubmitAnswer ProblemType = "SUBMIT_ANSWER"
)

// ScoringType controls how testcase scores combine into a subtask score.
type ScoringType string

const (
	ScoringSum      ScoringType = "Sum"
	ScoringGroupMin ScoringType = "GroupMin"
	ScoringGroupMul ScoringType = "GroupMul"
)

// InteractorInterface identifies how the interactor exchanges data with the
// user program.
type InteractorInterface string

const (
	InterfaceStdio InteractorInterface = "stdio"
	InterfaceSHM   InteractorInterface = "shm"
)

// IOMode controls how the user program reads input and writes output.
type IOMode string

const (
	IOStdio IOMode = "stdio"
	IOFile  IOMode = "fileio"
)

// Checker describes the special judge used by BATCH and SUBMIT_ANSWER plans.
type Checker struct {
	Kind       string // "builtin" or "custom"
	BuiltinFn  string // integers | floats | lines | binary, when Kind == "builtin"
	Precision  int    // for floats
	CaseSense  bool   // for lines
	Interface  string // testlib | legacy | lemon | hustoj | qduoj | domjudge, when Kind == "custom"
	LanguageID string // compile language for a custom checker
	SourceFile string // logical testdata name of the checker source
}

// Interactor describes the interactive judge program.
type Interactor struct {
	Interface  InteractorInterface
	SHMSizeKB  int64
	LanguageID string
	SourceFile string
	Limits     spec.ResourceLimit
}

// Testcase is one unit of judged execution inside a subtask.
type Testcase struct {
	TestID     string
	InputFile  string // logical testdata name, optional for SUBMIT_ANSWER
	AnswerFile string // logical testdata name, empty for INTERACTIVE
	// SubmittedFile is the filename inside the user's submitted archive,
	// used only for SUBMIT_ANSWER.
	SubmittedFile string
	Limits        spec.ResourceLimit
	Weight        int // 0 means auto-distributed
}

// Subtask is a scored group of testcases.
type Subtask struct {
	ID           string
	ScoringType  ScoringType
	Weight       int // 0 means auto-distributed
	Dependencies []int
	Limits       spec.ResourceLimit
	Testcases    []Testcase
}

// Plan is the full judging plan for one submission.
type Plan struct {
	ProblemType ProblemType
	IOMode      IOMode
	InputFile   string
	OutputFile  string

	DefaultLimits    spec.ResourceLimit
	RunSamples       bool
	Samples          []Testcase
	Subtasks         []Subtask
	Checker          *Checker
	Interactor       *Interactor
	ExtraSourceFiles map[string]string // languageID -> logical testdata name
}

// Validate checks the invariants from the data model: acyclic dependency
// graph, referenced testdata presence is left to the caller (it requires
// the manifest), weights within range.
func (p *Plan) Validate() error {
	n := len(p.Subtasks)
	for i, st := range p.Subtasks {
		for _, dep := range st.Dependencies {
			if dep < 0 || dep >= n || dep == i {
				return fmt.Errorf("subtask %d: invalid dependency index %d", i, dep)
			}
		}
	}
	if err := checkAcyclic(p.Subtasks); err != nil {
		return err
	}
	total := 0
	unspecified := 0
	for _, st := range p.Subtasks {
		if st.Weight <= 0 {
			unspecified++
			continue
		}
		total += st.Weight
	}
	if total > 100 {
		return fmt.Errorf("subtask weights sum to %d, exceeds 100", total)
	}
	if unspecified == 0 && len(p.Subtasks) > 0 && total != 100 {
		// fully specified weights must sum to <=100; sums under 100 are
		// allowed (remaining score is simply unreachable), so no error here.
		_ = total
	}
	return nil
}

func checkAcyclic(subtasks []Subtask) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(subtasks))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range subtasks[i].Dependencies {
			switch color[dep] {
			case gray:
				return fmt.Errorf("subtask dependency cycle through %d", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range subtasks {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalOrder returns subtask indices such that every subtask appears
// after all of its dependencies, breaking ties by original index.
func TopologicalOrder(subtasks []Subtask) []int {
	n := len(subtasks)
	visited := make([]bool, n)
	order := make([]int, 0, n)
	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, dep := range subtasks[i].Dependencies {
			visit(dep)
		}
		order = append(order, i)
	}
	for i := 0; i < n; i++ {
		visit(i)
	}
	return order
}

// DistributeWeights fills in zero weights so that the full set sums to 100,
// splitting the residual equally among unspecified entries. It operates
// on any slice of (index, existing weight) pairs via the callback-free
// integer slice form used by both subtasks and testcases.
func DistributeWeights(weights []int) []int {
	total := 0
	unspecified := 0
	for _, w := range weights {
		if w <= 0 {
			unspecified++
		} else {
			total += w
		}
	}
	if unspecified == 0 {
		return weights
	}
	residual := 100 - total
	if residual < 0 {
		residual = 0
	}
	share := residual / unspecified
	extra := residual % unspecified
	out := make([]int, len(weights))
	assigned := 0
	for i, w := range weights {
		if w > 0 {
			out[i] = w
			continue
		}
		out[i] = share
		if assigned < extra {
			out[i]++
			assigned++
		}
	}
	return out
}
