// Package progress turns elapsed time and installer output into a bounded,
// monotonic percentage for tools that report no progress of their own.
package progress

import (
	"strings"
	"time"

	"provisiond/pkg/types"
)

const (
	// Ceiling is the highest value an estimate reaches before Finish.
	Ceiling = 95
	// Complete is reported only after Finish.
	Complete = 100
)

// Milestone raises the estimate to Floor once Token appears in an output line
// (case-insensitive substring match).
type Milestone struct {
	Token string
	Floor int
	// Phase names the stage reached; defaults to Token.
	Phase string
}

// Sample is one observation fed to an Estimator.
type Sample struct {
	Elapsed time.Duration
	Line    string
}

// Estimate returns min(Ceiling, floor(100*elapsed/expected)).
func Estimate(elapsed, expected time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	if expected <= 0 {
		return Ceiling
	}
	v := int(int64(elapsed) * 100 / int64(expected))
	if v > Ceiling || v < 0 {
		return Ceiling
	}
	return v
}

// Estimator tracks the estimate for one install. It is not safe for concurrent use.
type Estimator struct {
	expected   time.Duration
	milestones []Milestone
	value      int
	phase      string
	// reached is the highest milestone floor matched so far; -1 before any.
	reached int
}

// NewEstimator returns an Estimator expecting the install to take about expected.
func NewEstimator(expected time.Duration, milestones []Milestone) *Estimator {
	ms := make([]Milestone, len(milestones))
	for i, m := range milestones {
		m.Token = strings.ToLower(m.Token)
		if m.Phase == "" {
			m.Phase = m.Token
		}
		if m.Floor > Ceiling {
			m.Floor = Ceiling
		}
		ms[i] = m
	}
	return &Estimator{expected: expected, milestones: ms, reached: -1}
}

// Observe folds s into the estimate and returns the new value. The value never
// decreases and never exceeds Ceiling. The phase follows the most advanced
// milestone seen, even when elapsed time has already passed its floor.
func (e *Estimator) Observe(s Sample) int {
	if e.value >= Complete {
		return e.value
	}
	next := Estimate(s.Elapsed, e.expected)
	if s.Line != "" {
		line := strings.ToLower(s.Line)
		for _, m := range e.milestones {
			if m.Token == "" || !strings.Contains(line, m.Token) {
				continue
			}
			if m.Floor >= e.reached {
				e.reached = m.Floor
				e.phase = m.Phase
			}
			if m.Floor > next {
				next = m.Floor
			}
		}
	}
	if next > e.value {
		e.value = next
	}
	return e.value
}

// Raise lifts the estimate to at least floor, capped at Ceiling. It is used
// when a stage reports its own fraction, e.g. bytes downloaded.
func (e *Estimator) Raise(floor int) int {
	if e.value >= Complete {
		return e.value
	}
	if floor > Ceiling {
		floor = Ceiling
	}
	if floor > e.value {
		e.value = floor
	}
	return e.value
}

// Value returns the current estimate.
func (e *Estimator) Value() int { return e.value }

// Phase returns the last milestone phase reached, if any.
func (e *Estimator) Phase() string { return e.phase }

// Finish marks the install complete.
func (e *Estimator) Finish() int {
	e.value = Complete
	return e.value
}

// Reset returns the estimate to zero for a new attempt.
func (e *Estimator) Reset() {
	e.value = 0
	e.phase = ""
	e.reached = -1
}

// DefaultExpected returns the default expected duration for kind.
func DefaultExpected(kind types.DependencyKind) time.Duration {
	switch kind {
	case types.KindInterpreter:
		return 180 * time.Second
	case types.KindPackage:
		return 90 * time.Second
	case types.KindModel:
		return 300 * time.Second
	}
	return 120 * time.Second
}

// DefaultMilestones returns the output milestones recognised for kind.
func DefaultMilestones(kind types.DependencyKind) []Milestone {
	switch kind {
	case types.KindInterpreter:
		return []Milestone{
			{Token: "downloading", Floor: 5},
			{Token: "installing", Floor: 60},
			{Token: "verifying", Floor: 90},
		}
	case types.KindPackage:
		return []Milestone{
			{Token: "collecting", Floor: 10},
			{Token: "downloading", Floor: 20},
			{Token: "installing collected packages", Floor: 60, Phase: "installing"},
			{Token: "successfully installed", Floor: 90, Phase: "verifying"},
		}
	case types.KindModel:
		return []Milestone{
			{Token: "downloading", Floor: 5},
			{Token: "extracting", Floor: 80},
			{Token: "verifying", Floor: 90},
		}
	}
	return nil
}
