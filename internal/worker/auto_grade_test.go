package worker

import (
	"context"
	"strings"
	"testing"

	"podcast-claim-pipeline/internal/grading"
	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/store"
)

type fakeGradeStore struct {
	episodeClaims map[int64][]int64
	evidence      map[int64][]store.EvidenceRow
	inserted      []models.ClaimGrade
}

func (f *fakeGradeStore) ClaimIDsForEpisodes(_ context.Context, episodeIDs []int64) ([]int64, error) {
	var out []int64
	for _, id := range episodeIDs {
		out = append(out, f.episodeClaims[id]...)
	}
	return out, nil
}

func (f *fakeGradeStore) EvidenceForClaim(_ context.Context, claimID int64) ([]store.EvidenceRow, error) {
	return f.evidence[claimID], nil
}

func (f *fakeGradeStore) InsertClaimGrade(_ context.Context, g models.ClaimGrade) (int64, error) {
	f.inserted = append(f.inserted, g)
	return int64(len(f.inserted)), nil
}

func strPtr(s string) *string { return &s }

func TestAutoGradeHandlerGradesClaims(t *testing.T) {
	fake := &fakeGradeStore{
		evidence: map[int64][]store.EvidenceRow{
			10: {
				{EvidenceID: 1, Stance: strPtr("supports"), Type: strPtr("Meta-Analysis")},
				{EvidenceID: 2, Stance: strPtr("supports"), Type: strPtr("Randomized Controlled Trial")},
			},
			11: {},
		},
	}
	h := NewAutoGradeHandler(fake)

	result, err := h.Handle(context.Background(), models.Job{
		ID:      1,
		JobType: models.JobTypeAutoGrade,
		Payload: map[string]any{"claim_ids": []any{float64(10), float64(11)}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := result.(map[string]any)
	if out["graded"] != 2 {
		t.Fatalf("result = %v", result)
	}

	if len(fake.inserted) != 2 {
		t.Fatalf("inserted %d grades, want 2", len(fake.inserted))
	}
	strong := fake.inserted[0]
	if strong.ClaimID != 10 || strong.Grade != "strong" {
		t.Errorf("claim 10 grade = %+v, want strong", strong)
	}
	if strong.RubricVersion != grading.RubricVersion {
		t.Errorf("rubric version = %q, want %q", strong.RubricVersion, grading.RubricVersion)
	}
	if strong.GradedBy != grading.AutoGradedBy {
		t.Errorf("graded_by = %q, want %q", strong.GradedBy, grading.AutoGradedBy)
	}
	if !strings.Contains(strong.Rationale, "strong") {
		t.Errorf("rationale does not mention grade: %q", strong.Rationale)
	}

	unsupported := fake.inserted[1]
	if unsupported.ClaimID != 11 || unsupported.Grade != "unsupported" {
		t.Errorf("claim 11 grade = %+v, want unsupported", unsupported)
	}
}

func TestAutoGradeHandlerExpandsEpisodes(t *testing.T) {
	fake := &fakeGradeStore{
		episodeClaims: map[int64][]int64{5: {20, 21}},
		evidence: map[int64][]store.EvidenceRow{
			20: {{EvidenceID: 1, Stance: strPtr("supports"), Type: strPtr("cohort study")}},
			21: nil,
		},
	}
	h := NewAutoGradeHandler(fake)

	if _, err := h.Handle(context.Background(), models.Job{
		Payload: map[string]any{"episode_ids": []any{float64(5)}},
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(fake.inserted) != 2 {
		t.Fatalf("inserted %d grades, want 2", len(fake.inserted))
	}
	if fake.inserted[0].Grade != "weak" {
		t.Errorf("single medium support grade = %q, want weak", fake.inserted[0].Grade)
	}
}

func TestAutoGradeHandlerRegradeAppendsHistory(t *testing.T) {
	fake := &fakeGradeStore{
		evidence: map[int64][]store.EvidenceRow{
			30: {{EvidenceID: 1, Stance: strPtr("supports"), Type: strPtr("RCT")}},
		},
	}
	h := NewAutoGradeHandler(fake)
	job := models.Job{Payload: map[string]any{"claim_ids": []any{float64(30)}}}

	for i := 0; i < 2; i++ {
		if _, err := h.Handle(context.Background(), job); err != nil {
			t.Fatalf("Handle run %d: %v", i, err)
		}
	}
	if len(fake.inserted) != 2 {
		t.Fatalf("inserted %d grades, want 2 appended rows", len(fake.inserted))
	}
	if fake.inserted[0].Grade != fake.inserted[1].Grade {
		t.Errorf("re-grading the same evidence produced %q then %q",
			fake.inserted[0].Grade, fake.inserted[1].Grade)
	}
	if fake.inserted[0].Rationale != fake.inserted[1].Rationale {
		t.Errorf("re-grading the same evidence produced different rationales")
	}
}

func TestAutoGradeHandlerRequiresTargets(t *testing.T) {
	h := NewAutoGradeHandler(&fakeGradeStore{})
	if _, err := h.Handle(context.Background(), models.Job{Payload: map[string]any{}}); err == nil {
		t.Fatal("expected an error when no claim or episode ids are given")
	}
}
