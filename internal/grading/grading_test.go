package grading

import (
	"strings"
	"testing"
)

func supports(descriptor string) EvidenceInput {
	return EvidenceInput{Stance: "supports", Type: descriptor}
}

func refutes(descriptor string) EvidenceInput {
	return EvidenceInput{Stance: "refutes", Type: descriptor}
}

func TestGradeScenarios(t *testing.T) {
	cases := []struct {
		name     string
		evidence []EvidenceInput
		want     Level
	}{
		{
			name:     "two high supports",
			evidence: []EvidenceInput{supports("meta-analysis"), supports("randomized controlled trial")},
			want:     Strong,
		},
		{
			name:     "high plus medium support",
			evidence: []EvidenceInput{supports("RCT"), supports("cohort study")},
			want:     Strong,
		},
		{
			name:     "high plus two low supports",
			evidence: []EvidenceInput{supports("double-blind trial"), supports("animal study"), supports("case report")},
			want:     Strong,
		},
		{
			name:     "single high support",
			evidence: []EvidenceInput{supports("systematic review")},
			want:     Moderate,
		},
		{
			name:     "two medium supports",
			evidence: []EvidenceInput{supports("cohort study"), supports("observational study")},
			want:     Moderate,
		},
		{
			name:     "single medium support",
			evidence: []EvidenceInput{supports("pilot study")},
			want:     Weak,
		},
		{
			name:     "single low support",
			evidence: []EvidenceInput{supports("case report")},
			want:     Weak,
		},
		{
			name:     "no supporting evidence",
			evidence: []EvidenceInput{refutes("meta-analysis"), refutes("cohort study")},
			want:     Unsupported,
		},
		{
			name:     "empty evidence set",
			evidence: nil,
			want:     Unsupported,
		},
		{
			name: "strong downgraded two levels by high refute",
			evidence: []EvidenceInput{
				supports("meta-analysis"), supports("RCT"), refutes("systematic review"),
			},
			want: Weak,
		},
		{
			name: "moderate downgraded one level by medium refute",
			evidence: []EvidenceInput{
				supports("randomized controlled trial"), refutes("cohort study"),
			},
			want: Weak,
		},
		{
			name: "weak clamps at unsupported under high refute",
			evidence: []EvidenceInput{
				supports("case series"), refutes("meta-analysis"),
			},
			want: Unsupported,
		},
		{
			name: "neutral stances excluded",
			evidence: []EvidenceInput{
				supports("cohort study"),
				{Stance: "mixed", Type: "meta-analysis"},
				{Stance: "", Type: "RCT"},
			},
			want: Weak,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Grade(tc.evidence)
			if got.Level != tc.want {
				t.Fatalf("Grade() = %s, want %s (rationale: %s)", got.Level, tc.want, got.Rationale)
			}
			if got.Rationale == "" {
				t.Fatal("expected a non-empty rationale")
			}
		})
	}
}

func TestGradeDeterministic(t *testing.T) {
	evidence := []EvidenceInput{
		supports("meta-analysis"),
		supports("cohort study"),
		refutes("case report"),
		{Stance: "mixed", Type: "survey"},
	}
	first := Grade(evidence)
	for i := 0; i < 50; i++ {
		got := Grade(evidence)
		if got != first {
			t.Fatalf("grade not deterministic: run %d got %+v, want %+v", i, got, first)
		}
	}
}

func TestGradeMonotonicUnderAddedHighSupport(t *testing.T) {
	bases := [][]EvidenceInput{
		nil,
		{supports("case report")},
		{supports("cohort study")},
		{supports("cohort study"), supports("observational study")},
		{supports("RCT")},
		{supports("meta-analysis"), supports("RCT")},
	}
	for _, base := range bases {
		before := gradeBase(base)
		grown := append(append([]EvidenceInput{}, base...), supports("meta-analysis"))
		after := gradeBase(grown)
		if after < before {
			t.Fatalf("adding a high support decreased base grade: %s -> %s", before, after)
		}
	}
}

// gradeBase grades with refuting evidence stripped, isolating step 3.
func gradeBase(evidence []EvidenceInput) Level {
	filtered := []EvidenceInput{}
	for _, e := range evidence {
		if e.Stance != "refutes" {
			filtered = append(filtered, e)
		}
	}
	return Grade(filtered).Level
}

func TestGradeUnsupportedIgnoresRefutes(t *testing.T) {
	got := Grade([]EvidenceInput{refutes("meta-analysis")})
	if got.Level != Unsupported {
		t.Fatalf("expected unsupported, got %s", got.Level)
	}
	if strings.Contains(got.Rationale, "reduced confidence") {
		t.Fatalf("no downgrade should be reported without support: %s", got.Rationale)
	}
}

func TestRationaleMentionsDowngrade(t *testing.T) {
	got := Grade([]EvidenceInput{supports("meta-analysis"), supports("RCT"), refutes("systematic review")})
	if !strings.Contains(got.Rationale, "Conflicting evidence reduced confidence.") {
		t.Fatalf("downgrade not noted in rationale: %s", got.Rationale)
	}
	clean := Grade([]EvidenceInput{supports("meta-analysis"), supports("RCT")})
	if strings.Contains(clean.Rationale, "reduced confidence") {
		t.Fatalf("unexpected downgrade note: %s", clean.Rationale)
	}
}

func TestClassifyStrength(t *testing.T) {
	cases := []struct {
		descriptor string
		want       Strength
	}{
		{"Meta-Analysis", StrengthHigh},
		{"systematic review and meta-analysis", StrengthHigh},
		{"Randomized Controlled Trial", StrengthHigh},
		{"double blind crossover", StrengthHigh},
		{"RCT", StrengthHigh},
		{"cohort study", StrengthMedium},
		{"case-control study", StrengthMedium},
		{"observational", StrengthMedium},
		{"pilot study", StrengthMedium},
		{"survey", StrengthMedium},
		{"study", StrengthMedium},
		{"something entirely new", StrengthMedium},
		{"case report", StrengthLow},
		{"case series", StrengthLow},
		{"animal study", StrengthLow},
		{"in vitro experiment", StrengthLow},
		{"mechanistic cell model", StrengthLow},
		{"expert opinion", StrengthLow},
		{"", StrengthLow},
		{"   ", StrengthLow},
	}
	for _, tc := range cases {
		if got := ClassifyStrength(tc.descriptor); got != tc.want {
			t.Errorf("ClassifyStrength(%q) = %s, want %s", tc.descriptor, got, tc.want)
		}
	}
}
