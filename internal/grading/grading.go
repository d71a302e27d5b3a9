// Package grading turns a claim's linked evidence into a rubric grade.
//
// The rules lean conservative: randomized and synthesized human trials
// drive higher confidence, while animal and mechanistic studies only
// warrant a weak grade. Grading is a pure function of its input; the
// same evidence set always reproduces the same grade and rationale.
package grading

import (
	"fmt"
	"strings"
)

// RubricVersion tags grade rows with the rule set that produced them.
const RubricVersion = "v2"

// AutoGradedBy is the graded_by value written by the auto-grade handler.
const AutoGradedBy = "auto-grader"

// Level is a rung on the grade ladder, strictly ordered.
type Level int

const (
	Unsupported Level = iota
	Weak
	Moderate
	Strong
)

func (l Level) String() string {
	switch l {
	case Strong:
		return "strong"
	case Moderate:
		return "moderate"
	case Weak:
		return "weak"
	default:
		return "unsupported"
	}
}

// Strength buckets an evidence item's study design.
type Strength int

const (
	StrengthLow Strength = iota
	StrengthMedium
	StrengthHigh
)

func (s Strength) String() string {
	switch s {
	case StrengthHigh:
		return "high"
	case StrengthMedium:
		return "medium"
	default:
		return "low"
	}
}

// EvidenceInput is the normalized evidence view the engine grades.
// Type is the free-text study descriptor; Stance is supports/refutes or
// anything else, which counts as neutral.
type EvidenceInput struct {
	Stance string
	Type   string
}

// Result is the engine's output. Rationale is persisted verbatim and can
// be reconstructed from the same evidence set.
type Result struct {
	Level     Level
	Rationale string
}

var highKeywords = []string{
	"meta-analysis",
	"meta analysis",
	"systematic review",
	"randomized controlled trial",
	"randomised controlled trial",
	"randomized clinical trial",
	"randomised clinical trial",
	"randomized",
	"randomised",
	"double-blind",
	"double blind",
	"rct",
}

var lowKeywords = []string{
	"case report",
	"case series",
	"expert opinion",
	"animal",
	"mouse",
	"mice",
	"rat",
	"in vitro",
	"in vivo",
	"ex vivo",
	"mechanistic",
	"preclinical",
	"cell",
}

var mediumKeywords = []string{
	"cohort",
	"case-control",
	"case control",
	"observational",
	"cross-sectional",
	"cross sectional",
	"prospective",
	"retrospective",
	"longitudinal",
	"registry",
	"population",
	"survey",
	"pilot",
	"feasibility",
	"open-label",
	"open label",
	"clinical trial",
	"clinical study",
	"study",
}

// ClassifyStrength buckets a study descriptor into high, medium, or low.
// Unrecognized descriptors count as medium so unknown evidence still
// contributes without inflating confidence; an empty descriptor is low.
func ClassifyStrength(descriptor string) Strength {
	text := strings.ToLower(strings.TrimSpace(descriptor))
	if text == "" {
		return StrengthLow
	}
	for _, kw := range highKeywords {
		if strings.Contains(text, kw) {
			return StrengthHigh
		}
	}
	for _, kw := range lowKeywords {
		if strings.Contains(text, kw) {
			return StrengthLow
		}
	}
	for _, kw := range mediumKeywords {
		if strings.Contains(text, kw) {
			return StrengthMedium
		}
	}
	return StrengthMedium
}

type counts struct {
	high   int
	medium int
	low    int
}

func (c counts) total() int { return c.high + c.medium + c.low }

// Grade computes the rubric level and rationale for an evidence set.
// Evidence with a stance other than supports/refutes (including missing
// stances) is neutral and excluded from both sides.
func Grade(evidence []EvidenceInput) Result {
	var support, refute counts
	for _, item := range evidence {
		strength := ClassifyStrength(item.Type)
		switch strings.ToLower(strings.TrimSpace(item.Stance)) {
		case "supports":
			bump(&support, strength)
		case "refutes":
			bump(&refute, strength)
		}
	}

	base := baseLevel(support)
	level := base
	downgrade := 0
	if base > Unsupported {
		switch {
		case refute.high > 0:
			downgrade = 2
		case refute.medium > 0 || refute.low > 0:
			downgrade = 1
		}
		level = base - Level(downgrade)
		if level < Unsupported {
			level = Unsupported
		}
	}

	return Result{
		Level:     level,
		Rationale: buildRationale(level, support, refute, downgrade > 0),
	}
}

func bump(c *counts, s Strength) {
	switch s {
	case StrengthHigh:
		c.high++
	case StrengthMedium:
		c.medium++
	default:
		c.low++
	}
}

func baseLevel(support counts) Level {
	switch {
	case support.high >= 2,
		support.high >= 1 && (support.medium >= 1 || support.total() >= 3):
		return Strong
	case support.high >= 1, support.medium >= 2:
		return Moderate
	case support.medium >= 1, support.low >= 1:
		return Weak
	default:
		return Unsupported
	}
}

func buildRationale(level Level, support, refute counts, downgraded bool) string {
	if support.total() == 0 {
		return "Auto-graded as unsupported because no supporting evidence was linked."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-graded as %s based on supporting evidence (%s)", level, summarize(support))
	if refute.total() > 0 {
		fmt.Fprintf(&b, " and refuting evidence (%s)", summarize(refute))
	}
	b.WriteString(".")
	if downgraded {
		b.WriteString(" Conflicting evidence reduced confidence.")
	}
	return b.String()
}

func summarize(c counts) string {
	parts := []string{}
	if c.high > 0 {
		parts = append(parts, fmt.Sprintf("%d high", c.high))
	}
	if c.medium > 0 {
		parts = append(parts, fmt.Sprintf("%d medium", c.medium))
	}
	if c.low > 0 {
		parts = append(parts, fmt.Sprintf("%d low", c.low))
	}
	return strings.Join(parts, ", ")
}
