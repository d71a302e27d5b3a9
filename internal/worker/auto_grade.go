package worker

import (
	"context"
	"errors"
	"fmt"

	"podcast-claim-pipeline/internal/grading"
	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/store"
	"podcast-claim-pipeline/internal/telemetry"
)

// GradeStore is the persistence surface the auto-grade handler needs.
type GradeStore interface {
	ClaimIDsForEpisodes(ctx context.Context, episodeIDs []int64) ([]int64, error)
	EvidenceForClaim(ctx context.Context, claimID int64) ([]store.EvidenceRow, error)
	InsertClaimGrade(ctx context.Context, g models.ClaimGrade) (int64, error)
}

// AutoGradeHandler grades claims from their linked evidence and appends
// a grade row per claim. Grades are history, never overwritten, so a
// retried job is harmless.
type AutoGradeHandler struct {
	store GradeStore
}

func NewAutoGradeHandler(store GradeStore) *AutoGradeHandler {
	return &AutoGradeHandler{store: store}
}

type autoGradePayload struct {
	ClaimIDs   []int64 `json:"claim_ids"`
	EpisodeIDs []int64 `json:"episode_ids"`
}

func (h *AutoGradeHandler) Handle(ctx context.Context, job models.Job) (any, error) {
	var payload autoGradePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	claimIDs := payload.ClaimIDs
	if len(payload.EpisodeIDs) > 0 {
		fromEpisodes, err := h.store.ClaimIDsForEpisodes(ctx, payload.EpisodeIDs)
		if err != nil {
			return nil, err
		}
		claimIDs = append(claimIDs, fromEpisodes...)
	}
	if len(claimIDs) == 0 {
		return nil, errors.New("no claims to grade: provide claim_ids or episode_ids")
	}

	graded := 0
	for _, claimID := range claimIDs {
		rows, err := h.store.EvidenceForClaim(ctx, claimID)
		if err != nil {
			return nil, err
		}
		result := grading.Grade(evidenceInputs(rows))
		_, err = h.store.InsertClaimGrade(ctx, models.ClaimGrade{
			ClaimID:       claimID,
			Grade:         result.Level.String(),
			Rationale:     result.Rationale,
			RubricVersion: grading.RubricVersion,
			GradedBy:      grading.AutoGradedBy,
		})
		if err != nil {
			return nil, fmt.Errorf("claim %d: %w", claimID, err)
		}
		telemetry.ClaimsGraded.Inc()
		graded++
	}

	return map[string]any{"graded": graded}, nil
}

func evidenceInputs(rows []store.EvidenceRow) []grading.EvidenceInput {
	inputs := make([]grading.EvidenceInput, 0, len(rows))
	for _, row := range rows {
		var input grading.EvidenceInput
		if row.Stance != nil {
			input.Stance = *row.Stance
		}
		if row.Type != nil {
			input.Type = *row.Type
		}
		inputs = append(inputs, input)
	}
	return inputs
}
