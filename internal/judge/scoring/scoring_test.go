package scoring

import (
	"context"
	"testing"

	"ojworker/internal/judge/plan"
	"ojworker/internal/judge/sandbox/result"
)

func acResult(testID string, score int) result.TestcaseResult {
	return result.TestcaseResult{TestID: testID, Verdict: result.VerdictAC, Score: score}
}

func TestRunSumScoringAllPass(t *testing.T) {
	p := plan.Plan{
		RunSamples: true,
		Subtasks: []plan.Subtask{
			{ID: "st1", ScoringType: plan.ScoringSum, Weight: 50, Testcases: []plan.Testcase{{TestID: "1"}, {TestID: "2"}}},
			{ID: "st2", ScoringType: plan.ScoringSum, Weight: 50, Testcases: []plan.Testcase{{TestID: "3"}}},
		},
	}

	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		return acResult(tc.TestID, 100), nil
	}

	outcome, err := Run(context.Background(), p, false, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.FinalScore != 100 {
		t.Fatalf("FinalScore = %d, want 100", outcome.FinalScore)
	}
	if outcome.FinalStatus != result.VerdictAC {
		t.Fatalf("FinalStatus = %v, want AC", outcome.FinalStatus)
	}
}

func TestRunDependencySkipsDownstreamSubtask(t *testing.T) {
	p := plan.Plan{
		Subtasks: []plan.Subtask{
			{ID: "st1", ScoringType: plan.ScoringSum, Weight: 40, Testcases: []plan.Testcase{{TestID: "1"}}},
			{ID: "st2", ScoringType: plan.ScoringSum, Weight: 60, Dependencies: []int{0}, Testcases: []plan.Testcase{{TestID: "2"}}},
		},
	}

	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		if tc.TestID == "1" {
			return result.TestcaseResult{TestID: tc.TestID, Verdict: result.VerdictWA, Score: 0}, nil
		}
		t.Fatalf("dependent subtask's testcase %s should have been skipped", tc.TestID)
		return result.TestcaseResult{}, nil
	}

	outcome, err := Run(context.Background(), p, false, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.FinalScore != 0 {
		t.Fatalf("FinalScore = %d, want 0", outcome.FinalScore)
	}
	if outcome.FinalStatus != result.VerdictWA {
		t.Fatalf("FinalStatus = %v, want WA", outcome.FinalStatus)
	}
	skipped, ok := outcome.TestcaseByHash["skipped:st2:2"]
	if !ok || skipped.Verdict != result.VerdictSkipped {
		t.Fatalf("expected skipped testcase recorded under skipped key, got %+v, ok=%v", skipped, ok)
	}
}

func TestRunGroupMinTakesWorstTestcase(t *testing.T) {
	p := plan.Plan{
		Subtasks: []plan.Subtask{
			{
				ID:          "st1",
				ScoringType: plan.ScoringGroupMin,
				Weight:      100,
				Testcases:   []plan.Testcase{{TestID: "1"}, {TestID: "2"}, {TestID: "3"}},
			},
		},
	}

	scores := map[string]int{"1": 100, "2": 40, "3": 100}
	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		tcResult := acResult(tc.TestID, scores[tc.TestID])
		if tcResult.Score < 100 {
			tcResult.Verdict = result.VerdictPC
		}
		return tcResult, nil
	}

	outcome, err := Run(context.Background(), p, false, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.FinalScore != 40 {
		t.Fatalf("FinalScore = %d, want 40 (GroupMin worst testcase)", outcome.FinalScore)
	}
}

func TestRunGroupMinEarlyZeroSkipsRemaining(t *testing.T) {
	p := plan.Plan{
		Subtasks: []plan.Subtask{
			{
				ID:          "st1",
				ScoringType: plan.ScoringGroupMin,
				Weight:      100,
				Testcases:   []plan.Testcase{{TestID: "1"}, {TestID: "2"}, {TestID: "3"}},
			},
		},
	}

	var ran []string
	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		ran = append(ran, tc.TestID)
		if tc.TestID == "1" {
			return result.TestcaseResult{TestID: tc.TestID, Verdict: result.VerdictWA, Score: 0}, nil
		}
		return acResult(tc.TestID, 100), nil
	}

	outcome, err := Run(context.Background(), p, false, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.FinalScore != 0 {
		t.Fatalf("FinalScore = %d, want 0", outcome.FinalScore)
	}
	if len(ran) != 1 {
		t.Fatalf("expected only the first testcase to run after an early zero, ran=%v", ran)
	}
}

func TestRunSampleFailureSkipsAllSubtasks(t *testing.T) {
	p := plan.Plan{
		RunSamples: true,
		Samples:    []plan.Testcase{{TestID: "sample1"}},
		Subtasks: []plan.Subtask{
			{ID: "st1", ScoringType: plan.ScoringSum, Weight: 100, Testcases: []plan.Testcase{{TestID: "1"}}},
		},
	}

	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		if tc.TestID == "sample1" {
			return result.TestcaseResult{TestID: tc.TestID, Verdict: result.VerdictWA, Score: 0}, nil
		}
		t.Fatalf("subtask testcase %s should not run after sample failure", tc.TestID)
		return result.TestcaseResult{}, nil
	}

	outcome, err := Run(context.Background(), p, false, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.SamplesFailed {
		t.Fatal("expected SamplesFailed to be true")
	}
	if outcome.FinalScore != 0 {
		t.Fatalf("FinalScore = %d, want 0", outcome.FinalScore)
	}
}

func TestRunSkipSamplesFlagBypassesSamplePhase(t *testing.T) {
	p := plan.Plan{
		RunSamples: true,
		Samples:    []plan.Testcase{{TestID: "sample1"}},
		Subtasks: []plan.Subtask{
			{ID: "st1", ScoringType: plan.ScoringSum, Weight: 100, Testcases: []plan.Testcase{{TestID: "1"}}},
		},
	}

	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		if tc.TestID == "sample1" {
			t.Fatal("sample should not run when skipSamples is set")
		}
		return acResult(tc.TestID, 100), nil
	}

	outcome, err := Run(context.Background(), p, true, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.FinalScore != 100 {
		t.Fatalf("FinalScore = %d, want 100", outcome.FinalScore)
	}
}

func TestDistributeWeightsSplitsResidual(t *testing.T) {
	got := plan.DistributeWeights([]int{0, 0, 0})
	total := 0
	for _, w := range got {
		total += w
	}
	if total != 100 {
		t.Fatalf("expected auto-distributed weights to sum to 100, got %d (%v)", total, got)
	}

	got = plan.DistributeWeights([]int{40, 0, 0})
	if got[0] != 40 {
		t.Fatalf("expected explicit weight preserved, got %v", got)
	}
	total = 0
	for _, w := range got {
		total += w
	}
	if total != 100 {
		t.Fatalf("expected weights to sum to 100, got %d (%v)", total, got)
	}
}

func TestRunRecordsResultsByTestcaseHash(t *testing.T) {
	p := plan.Plan{
		Subtasks: []plan.Subtask{
			{ID: "st1", ScoringType: plan.ScoringSum, Weight: 100, Testcases: []plan.Testcase{{TestID: "1"}}},
		},
	}

	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		return result.TestcaseResult{TestID: tc.TestID, TestcaseHash: "deadbeef", Verdict: result.VerdictAC, Score: 100}, nil
	}

	outcome, err := Run(context.Background(), p, false, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tcResult, ok := outcome.TestcaseByHash["deadbeef"]
	if !ok {
		t.Fatalf("expected result recorded under its TestcaseHash, got keys %v", mapKeys(outcome.TestcaseByHash))
	}
	if tcResult.TestID != "1" {
		t.Fatalf("TestID = %q, want 1", tcResult.TestID)
	}
}

func mapKeys(m map[string]result.TestcaseResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestFinalStatusUsesDeclarationOrderNotExecutionOrder(t *testing.T) {
	// st2 has no dependency and runs first topologically; st1 is declared
	// first and should still win the "first non-AC" tie-break.
	p := plan.Plan{
		Subtasks: []plan.Subtask{
			{ID: "st1", ScoringType: plan.ScoringSum, Weight: 50, Dependencies: []int{1}, Testcases: []plan.Testcase{{TestID: "1"}}},
			{ID: "st2", ScoringType: plan.ScoringSum, Weight: 50, Testcases: []plan.Testcase{{TestID: "2"}}},
		},
	}

	runner := func(ctx context.Context, tc plan.Testcase) (result.TestcaseResult, error) {
		switch tc.TestID {
		case "1":
			return result.TestcaseResult{TestID: tc.TestID, Verdict: result.VerdictWA, Score: 0}, nil
		default:
			return result.TestcaseResult{TestID: tc.TestID, Verdict: result.VerdictRE, Score: 100}, nil
		}
	}

	outcome, err := Run(context.Background(), p, false, runner)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.FinalStatus != result.VerdictWA {
		t.Fatalf("FinalStatus = %v, want WA (st1's verdict, by declaration order)", outcome.FinalStatus)
	}
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	subtasks := []plan.Subtask{
		{ID: "a"},
		{ID: "b", Dependencies: []int{0}},
		{ID: "c", Dependencies: []int{1}},
	}
	order := TopologicalOrderIndexOf(plan.TopologicalOrder(subtasks))
	if order["a"] >= order["b"] || order["b"] >= order["c"] {
		t.Fatalf("expected a before b before c, got positions %v", order)
	}
}

// TopologicalOrderIndexOf is a small test helper translating an index order
// into subtask-id -> position for readable assertions.
func TopologicalOrderIndexOf(order []int) map[string]int {
	names := []string{"a", "b", "c"}
	positions := make(map[string]int, len(order))
	for pos, idx := range order {
		positions[names[idx]] = pos
	}
	return positions
}
