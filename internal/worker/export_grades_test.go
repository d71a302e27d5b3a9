package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"podcast-claim-pipeline/internal/config"
	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/store"
)

type fakeReportStore struct {
	graded []store.GradedClaim
}

func (f *fakeReportStore) ListGradedClaims(context.Context) ([]store.GradedClaim, error) {
	return f.graded, nil
}

func TestExportGradesHandlerWritesReport(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeReportStore{graded: []store.GradedClaim{
		{
			Claim: models.Claim{ID: 1, EpisodeID: 9, RawText: "The speaker maintains that creatine enhances memory.", Topic: "creatine", RiskLevel: "medium"},
			Grade: &models.ClaimGrade{
				ID: 5, ClaimID: 1, Grade: "moderate",
				Rationale:     "Auto-graded as moderate based on supporting evidence (1 high).",
				RubricVersion: "v2", GradedBy: "auto-grader",
				CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			Claim: models.Claim{ID: 2, EpisodeID: 9, RawText: "The speaker maintains that magnesium assists recovery.", Topic: "magnesium", RiskLevel: "medium"},
		},
	}}

	cfg := config.Config{ExportDestination: "local", ExportOutputDir: dir}
	h, err := NewExportGradesHandler(context.Background(), cfg, fake)
	if err != nil {
		t.Fatalf("NewExportGradesHandler: %v", err)
	}

	result, err := h.Handle(context.Background(), models.Job{
		ID:      99,
		JobType: models.JobTypeExportGrades,
		Payload: map[string]any{"output_key": "report.json"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	out := result.(map[string]any)
	if out["claims"] != 2 {
		t.Fatalf("result = %v", result)
	}

	body, err := os.ReadFile(filepath.Join(dir, "report.json"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report gradeReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Claims) != 2 {
		t.Fatalf("report has %d claims, want 2", len(report.Claims))
	}
	graded := report.Claims[0]
	if graded.Grade == nil || *graded.Grade != "moderate" {
		t.Errorf("grade = %v, want moderate", graded.Grade)
	}
	if graded.RubricVersion == nil || *graded.RubricVersion != "v2" {
		t.Errorf("rubric version = %v", graded.RubricVersion)
	}
	ungraded := report.Claims[1]
	if ungraded.Grade != nil {
		t.Errorf("ungraded claim has grade %v", ungraded.Grade)
	}
}

func TestExportGradesHandlerDefaultKey(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{ExportDestination: "local", ExportOutputDir: dir}
	h, err := NewExportGradesHandler(context.Background(), cfg, &fakeReportStore{})
	if err != nil {
		t.Fatalf("NewExportGradesHandler: %v", err)
	}
	if _, err := h.Handle(context.Background(), models.Job{ID: 7, Payload: map[string]any{}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "grades-7.json")); err != nil {
		t.Fatalf("default report missing: %v", err)
	}
}

func TestExportGradesHandlerS3Unconfigured(t *testing.T) {
	cfg := config.Config{ExportDestination: "local", ExportOutputDir: t.TempDir()}
	h, err := NewExportGradesHandler(context.Background(), cfg, &fakeReportStore{})
	if err != nil {
		t.Fatalf("NewExportGradesHandler: %v", err)
	}
	_, err = h.Handle(context.Background(), models.Job{
		Payload: map[string]any{"destination": "s3"},
	})
	if err == nil {
		t.Fatal("expected an error when S3 is not configured")
	}
}
