// Package scoring implements the subtask/testcase scoring engine:
// topological subtask evaluation, weight auto-distribution, and the
// Sum/GroupMin/GroupMul aggregation modes.
package scoring

import (
	"context"
	"math"
	"sync"

	"ojworker/internal/judge/plan"
	"ojworker/internal/judge/sandbox/result"
	"ojworker/pkg/errors"
)

// TestcaseRunner executes one testcase (sample or subtask member) and
// returns its judged result.
type TestcaseRunner func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error)

// Outcome is the result of scoring a full judging plan.
type Outcome struct {
	SampleResults  []result.TestcaseResult
	SamplesFailed  bool
	SubtaskScores  []int
	TestcaseByHash map[string]result.TestcaseResult
	FinalScore     int
	FinalStatus    result.Verdict
}

// Run scores plan p, invoking runner for every testcase that must
// actually execute (skipping those short-circuited by dependency or
// sample-phase failure or a GroupMin/GroupMul early zero).
func Run(ctx context.Context, p plan.Plan, skipSamples bool, runner TestcaseRunner) (Outcome, error) {
	outcome := Outcome{TestcaseByHash: make(map[string]result.TestcaseResult)}

	if p.RunSamples && len(p.Samples) > 0 && !skipSamples {
		for _, sample := range p.Samples {
			sampleResult, err := runner(ctx, sample)
			if err != nil {
				return Outcome{}, err
			}
			outcome.SampleResults = append(outcome.SampleResults, sampleResult)
			if sampleResult.Verdict != result.VerdictAC {
				outcome.SamplesFailed = true
			}
		}
	}

	subtaskWeights := plan.DistributeWeights(extractSubtaskWeights(p.Subtasks))
	order := plan.TopologicalOrder(p.Subtasks)
	subtaskScores := make([]int, len(p.Subtasks))
	subtaskStatuses := make([][]result.Verdict, len(p.Subtasks))

	for _, idx := range order {
		st := p.Subtasks[idx]
		if outcome.SamplesFailed || dependencyFailed(st, subtaskScores) {
			markSkipped(st, outcome.TestcaseByHash)
			subtaskScores[idx] = 0
			continue
		}

		score, statuses, err := scoreSubtask(ctx, st, runner, outcome.TestcaseByHash)
		if err != nil {
			return Outcome{}, err
		}
		subtaskScores[idx] = score
		subtaskStatuses[idx] = statuses
	}
	outcome.SubtaskScores = subtaskScores

	// The failing verdict reported as FinalStatus is the first one in
	// subtask declaration order, not execution (topological) order: the
	// two orders diverge whenever a later-declared subtask has no
	// dependency on an earlier one and so runs first.
	firstNonAC := result.Verdict("")
	if outcome.SamplesFailed {
		for _, sampleResult := range outcome.SampleResults {
			if sampleResult.Verdict != result.VerdictAC {
				firstNonAC = sampleResult.Verdict
				break
			}
		}
	} else {
		for idx := range p.Subtasks {
			for _, v := range subtaskStatuses[idx] {
				if v != result.VerdictAC {
					firstNonAC = v
					break
				}
			}
			if firstNonAC != "" {
				break
			}
		}
	}

	total := 0.0
	for i, score := range subtaskScores {
		total += float64(score) * float64(subtaskWeights[i]) / 100.0
	}
	finalScore := int(math.Round(total))
	if finalScore > 100 {
		finalScore = 100
	}
	if finalScore < 0 {
		finalScore = 0
	}
	outcome.FinalScore = finalScore

	if firstNonAC != "" {
		outcome.FinalStatus = firstNonAC
	} else if finalScore == 100 {
		outcome.FinalStatus = result.VerdictAC
	} else {
		return Outcome{}, errors.New(errors.JudgeSystemError).WithMessage("scoring: no failing verdict observed but score is not 100")
	}

	return outcome, nil
}

func extractSubtaskWeights(subtasks []plan.Subtask) []int {
	weights := make([]int, len(subtasks))
	for i, st := range subtasks {
		weights[i] = st.Weight
	}
	return weights
}

func dependencyFailed(st plan.Subtask, scores []int) bool {
	for _, dep := range st.Dependencies {
		if scores[dep] == 0 {
			return true
		}
	}
	return false
}

func markSkipped(st plan.Subtask, byHash map[string]result.TestcaseResult) {
	for _, tc := range st.Testcases {
		byHash[skippedKey(st.ID, tc.TestID)] = result.TestcaseResult{
			TestID:    tc.TestID,
			Verdict:   result.VerdictSkipped,
			SubtaskID: st.ID,
		}
	}
}

func skippedKey(subtaskID, testID string) string {
	return "skipped:" + subtaskID + ":" + testID
}

func scoreSubtask(ctx context.Context, st plan.Subtask, runner TestcaseRunner, byHash map[string]result.TestcaseResult) (int, []result.Verdict, error) {
	weights := plan.DistributeWeights(extractTestcaseWeights(st.Testcases))

	switch st.ScoringType {
	case plan.ScoringGroupMin, plan.ScoringGroupMul:
		return scoreSerial(ctx, st, runner, byHash)
	default:
		return scoreParallel(ctx, st, weights, runner, byHash)
	}
}

func extractTestcaseWeights(tcs []plan.Testcase) []int {
	weights := make([]int, len(tcs))
	for i, tc := range tcs {
		weights[i] = tc.Weight
	}
	return weights
}

func scoreParallel(ctx context.Context, st plan.Subtask, weights []int, runner TestcaseRunner, byHash map[string]result.TestcaseResult) (int, []result.Verdict, error) {
	results := make([]result.TestcaseResult, len(st.Testcases))
	errs := make([]error, len(st.Testcases))
	var wg sync.WaitGroup
	for i, tc := range st.Testcases {
		wg.Add(1)
		go func(i int, tc plan.Testcase) {
			defer wg.Done()
			tcResult, err := runner(ctx, tc)
			results[i] = tcResult
			errs[i] = err
		}(i, tc)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return 0, nil, err
		}
	}

	total := 0.0
	statuses := make([]result.Verdict, len(results))
	for i, tcResult := range results {
		statuses[i] = tcResult.Verdict
		total += float64(tcResult.Score) * float64(weights[i]) / 100.0
		recordResult(st, tcResult, byHash)
	}
	score := int(math.Round(total))
	if score > 100 {
		score = 100
	}
	return score, statuses, nil
}

func scoreSerial(ctx context.Context, st plan.Subtask, runner TestcaseRunner, byHash map[string]result.TestcaseResult) (int, []result.Verdict, error) {
	score := 100
	var statuses []result.Verdict
	skipping := false
	for _, tc := range st.Testcases {
		if skipping {
			byHash[skippedKey(st.ID, tc.TestID)] = result.TestcaseResult{TestID: tc.TestID, Verdict: result.VerdictSkipped, SubtaskID: st.ID}
			continue
		}
		tcResult, err := runner(ctx, tc)
		if err != nil {
			return 0, nil, err
		}
		recordResult(st, tcResult, byHash)
		statuses = append(statuses, tcResult.Verdict)

		if st.ScoringType == plan.ScoringGroupMin {
			if tcResult.Score < score {
				score = tcResult.Score
			}
		} else {
			score = score * tcResult.Score / 100
		}
		if score <= 0 {
			score = 0
			skipping = true
		}
	}
	return score, statuses, nil
}

func recordResult(st plan.Subtask, tcResult result.TestcaseResult, byHash map[string]result.TestcaseResult) {
	key := tcResult.TestcaseHash
	if key == "" {
		key = tcResult.TestID
	}
	if key == "" {
		key = st.ID
	}
	byHash[key] = tcResult
}
