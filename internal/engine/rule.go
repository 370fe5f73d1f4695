package engine

import (
	"fmt"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Finding is one advisory derived from the current answers. Findings are
// recomputed on every evaluation and never stored.
type Finding struct {
	Status       string   `json:"status"`
	Severity     Severity `json:"severity"`
	Intervention string   `json:"intervention"`
}

// Check inspects a state and returns a finding, or nil when the rule does
// not apply.
type Check func(State) (*Finding, error)

// Rule is a named, independent check.
type Rule struct {
	Name  string
	Check Check
}

// FailureFunc receives rules that failed during Evaluate.
type FailureFunc func(*RuleError)

// Evaluate runs rules in order against state and collects their findings in
// the same order. A rule that errors or panics is skipped and reported to
// onFailure (which may be nil); the remaining rules still run. Each rule
// sees its own copy of state.
func Evaluate(state State, rules []Rule, onFailure FailureFunc) []Finding {
	findings := make([]Finding, 0, len(rules))
	for _, r := range rules {
		f, err := runRule(r, state.Clone())
		if err != nil {
			if onFailure != nil {
				onFailure(&RuleError{Rule: r.Name, Err: err})
			}
			continue
		}
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

func runRule(r Rule, state State) (f *Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			f = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if r.Check == nil {
		return nil, fmt.Errorf("rule has no check")
	}
	return r.Check(state)
}
