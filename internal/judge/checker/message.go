// Package checker implements the builtin and custom special-judge
// subsystem described for BATCH and SUBMIT_ANSWER problems.
package checker

import (
	"fmt"
	"strconv"
	"strings"
)

// Verdict is the outcome of parsing a competitive-programming checker
// message or running a builtin comparator.
type Verdict struct {
	Score   int // 0..100
	Message string
	Failed  bool // judgement-failed, as opposed to a valid low score
}

// ParseMessage classifies a checker message by its conventional prefix, per
// the competitive-programming checker message grammar: "ok", "wrong
// answer"/"wrong output format", "points N", "partially correct (N)", or
// "FAIL".
func ParseMessage(message string) Verdict {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	switch {
	case lower == "ok" || strings.HasPrefix(lower, "ok "):
		return Verdict{Score: 100, Message: trimmed}
	case strings.HasPrefix(lower, "wrong answer") || strings.HasPrefix(lower, "wrong output format"):
		return Verdict{Score: 0, Message: trimmed}
	case strings.HasPrefix(lower, "points "):
		n, err := strconv.Atoi(strings.TrimSpace(trimmed[len("points "):]))
		if err != nil || n < 0 || n > 100 {
			return Verdict{Failed: true, Message: fmt.Sprintf("couldn't parse: %s", trimmed)}
		}
		return Verdict{Score: n, Message: trimmed}
	case strings.HasPrefix(lower, "partially correct"):
		n, ok := extractParenInt(trimmed)
		if !ok || n < 0 || n > 200 {
			return Verdict{Failed: true, Message: fmt.Sprintf("couldn't parse: %s", trimmed)}
		}
		return Verdict{Score: n / 2, Message: trimmed}
	case strings.HasPrefix(lower, "fail"):
		return Verdict{Failed: true, Message: trimmed}
	default:
		return Verdict{Failed: true, Message: fmt.Sprintf("couldn't parse: %s", trimmed)}
	}
}

func extractParenInt(s string) (int, bool) {
	open := strings.IndexByte(s, '(')
	closeIdx := strings.IndexByte(s, ')')
	if open < 0 || closeIdx < 0 || closeIdx <= open+1 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[open+1 : closeIdx]))
	if err != nil {
		return 0, false
	}
	return n, true
}
