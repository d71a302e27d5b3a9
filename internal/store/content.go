package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"podcast-claim-pipeline/internal/models"
)

// TranscriptText returns the stored transcript for an episode.
func (s *Store) TranscriptText(ctx context.Context, episodeID int64) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, `
		SELECT text FROM transcript WHERE episode_id = $1 ORDER BY id DESC LIMIT 1
	`, episodeID).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("no transcript for episode %d", episodeID)
	}
	if err != nil {
		return "", fmt.Errorf("load transcript for episode %d: %w", episodeID, err)
	}
	return text, nil
}

// GetEpisode fetches an episode by id.
func (s *Store) GetEpisode(ctx context.Context, episodeID int64) (models.Episode, error) {
	var ep models.Episode
	var publishedAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, podcast_name, title, published_at, created_at FROM episode WHERE id = $1
	`, episodeID).Scan(&ep.ID, &ep.PodcastName, &ep.Title, &publishedAt, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Episode{}, fmt.Errorf("episode %d not found", episodeID)
	}
	if err != nil {
		return models.Episode{}, fmt.Errorf("get episode %d: %w", episodeID, err)
	}
	ep.PublishedAt = timePtr(publishedAt)
	return ep, nil
}

// UpsertEpisodeSummary replaces the summary row for an episode.
func (s *Store) UpsertEpisodeSummary(ctx context.Context, episodeID int64, tldr, narrative string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO episode_summary (episode_id, tl_dr, narrative)
		VALUES ($1, $2, $3)
		ON CONFLICT (episode_id)
		DO UPDATE SET tl_dr = EXCLUDED.tl_dr, narrative = EXCLUDED.narrative, updated_at = now()
	`, episodeID, tldr, narrative)
	if err != nil {
		return fmt.Errorf("upsert summary for episode %d: %w", episodeID, err)
	}
	return nil
}

// GetEpisodeSummary returns the stored summary for an episode.
func (s *Store) GetEpisodeSummary(ctx context.Context, episodeID int64) (models.EpisodeSummary, error) {
	var sum models.EpisodeSummary
	err := s.pool.QueryRow(ctx, `
		SELECT id, episode_id, tl_dr, narrative, created_at, updated_at
		FROM episode_summary WHERE episode_id = $1
	`, episodeID).Scan(&sum.ID, &sum.EpisodeID, &sum.TLDR, &sum.Narrative, &sum.CreatedAt, &sum.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EpisodeSummary{}, fmt.Errorf("no summary for episode %d", episodeID)
	}
	if err != nil {
		return models.EpisodeSummary{}, fmt.Errorf("get summary for episode %d: %w", episodeID, err)
	}
	return sum, nil
}

// NewClaim carries one extracted claim ready for insertion.
type NewClaim struct {
	StartMs        int
	EndMs          int
	RawText        string
	NormalizedText string
	Topic          string
	Domain         string
	RiskLevel      string
}

// ReplaceClaims deletes an episode's claims and inserts the new set in a
// single transaction, keeping retried extraction jobs idempotent.
func (s *Store) ReplaceClaims(ctx context.Context, episodeID int64, claims []NewClaim) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM claim WHERE episode_id = $1`, episodeID); err != nil {
		return fmt.Errorf("delete claims for episode %d: %w", episodeID, err)
	}
	for _, c := range claims {
		_, err := tx.Exec(ctx, `
			INSERT INTO claim (episode_id, start_ms, end_ms, raw_text, normalized_text, topic, domain, risk_level)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, episodeID, c.StartMs, c.EndMs, c.RawText, c.NormalizedText, c.Topic, c.Domain, c.RiskLevel)
		if err != nil {
			return fmt.Errorf("insert claim for episode %d: %w", episodeID, err)
		}
	}
	return tx.Commit(ctx)
}

// GetClaim fetches a claim by id.
func (s *Store) GetClaim(ctx context.Context, claimID int64) (models.Claim, error) {
	claim, err := scanClaim(s.pool.QueryRow(ctx, `
		SELECT id, episode_id, start_ms, end_ms, raw_text, normalized_text, topic, domain, risk_level, created_at
		FROM claim WHERE id = $1
	`, claimID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Claim{}, fmt.Errorf("claim %d not found", claimID)
	}
	if err != nil {
		return models.Claim{}, fmt.Errorf("get claim %d: %w", claimID, err)
	}
	return claim, nil
}

// ListClaims returns claims, optionally restricted to an episode.
func (s *Store) ListClaims(ctx context.Context, episodeID int64, limit int) ([]models.Claim, error) {
	query := `
		SELECT id, episode_id, start_ms, end_ms, raw_text, normalized_text, topic, domain, risk_level, created_at
		FROM claim`
	args := []any{}
	if episodeID > 0 {
		args = append(args, episodeID)
		query += ` WHERE episode_id = $1`
	}
	query += ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	claims := []models.Claim{}
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// ClaimIDsForEpisodes resolves the claim ids belonging to the given episodes.
func (s *Store) ClaimIDsForEpisodes(ctx context.Context, episodeIDs []int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM claim WHERE episode_id = ANY($1) ORDER BY id
	`, episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve claims for episodes: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertEvidenceSource inserts or refreshes an evidence source keyed by
// pubmed id, then doi. Returns the row id.
func (s *Store) UpsertEvidenceSource(ctx context.Context, ev models.EvidenceSource) (int64, error) {
	if ev.PubmedID != nil && *ev.PubmedID != "" {
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO evidence_source (title, year, type, journal, doi, pubmed_id, url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (pubmed_id) WHERE pubmed_id IS NOT NULL
			DO UPDATE SET title = EXCLUDED.title,
			              year = EXCLUDED.year,
			              type = EXCLUDED.type,
			              journal = EXCLUDED.journal,
			              doi = COALESCE(EXCLUDED.doi, evidence_source.doi),
			              url = EXCLUDED.url
			RETURNING id
		`, ev.Title, ev.Year, ev.Type, ev.Journal, ev.DOI, ev.PubmedID, ev.URL).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("upsert evidence by pubmed id: %w", err)
		}
		return id, nil
	}
	if ev.DOI != nil && *ev.DOI != "" {
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO evidence_source (title, year, type, journal, doi, pubmed_id, url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (doi) WHERE doi IS NOT NULL
			DO UPDATE SET title = EXCLUDED.title,
			              year = EXCLUDED.year,
			              type = EXCLUDED.type,
			              journal = EXCLUDED.journal,
			              pubmed_id = COALESCE(EXCLUDED.pubmed_id, evidence_source.pubmed_id),
			              url = EXCLUDED.url
			RETURNING id
		`, ev.Title, ev.Year, ev.Type, ev.Journal, ev.DOI, ev.PubmedID, ev.URL).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("upsert evidence by doi: %w", err)
		}
		return id, nil
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO evidence_source (title, year, type, journal, doi, pubmed_id, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, ev.Title, ev.Year, ev.Type, ev.Journal, ev.DOI, ev.PubmedID, ev.URL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert evidence source: %w", err)
	}
	return id, nil
}

// autoNotePrefix marks evidence links written by the fetch handler.
// Links whose notes lack the prefix were curated by hand and are never
// overwritten.
const autoNotePrefix = "auto:evidence"

// AutoEvidenceNote builds the note stored on machine-generated evidence
// links. LinkClaimEvidence only overwrites links carrying this prefix.
func AutoEvidenceNote(context string) string {
	note := autoNotePrefix + " " + time.Now().UTC().Format("2006-01-02")
	if context != "" {
		note += " " + context
	}
	return note
}

// LinkClaimEvidence upserts the (claim, evidence) link with a stance and
// an auto-generated note. Manually curated links are left untouched.
func (s *Store) LinkClaimEvidence(ctx context.Context, claimID, evidenceID int64, stance, note string) error {
	var existingStance, existingNotes pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT stance, notes FROM claim_evidence WHERE claim_id = $1 AND evidence_id = $2
	`, claimID, evidenceID).Scan(&existingStance, &existingNotes)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check existing link: %w", err)
	}
	if err == nil {
		if existingNotes.Valid && !strings.HasPrefix(strings.ToLower(existingNotes.String), autoNotePrefix) {
			return nil
		}
		_, err = s.pool.Exec(ctx, `
			UPDATE claim_evidence SET stance = $3, notes = $4
			WHERE claim_id = $1 AND evidence_id = $2
		`, claimID, evidenceID, stance, note)
		if err != nil {
			return fmt.Errorf("update evidence link: %w", err)
		}
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO claim_evidence (claim_id, evidence_id, stance, notes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (claim_id, evidence_id) DO NOTHING
	`, claimID, evidenceID, stance, note)
	if err != nil {
		return fmt.Errorf("insert evidence link: %w", err)
	}
	return nil
}

// EvidenceRow is one linked evidence item as the grading engine sees it.
type EvidenceRow struct {
	EvidenceID int64
	Title      string
	Type       *string
	Stance     *string
}

// EvidenceForClaim returns the linked evidence rows for a claim.
func (s *Store) EvidenceForClaim(ctx context.Context, claimID int64) ([]EvidenceRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT es.id, es.title, es.type, ce.stance
		FROM claim_evidence ce
		JOIN evidence_source es ON es.id = ce.evidence_id
		WHERE ce.claim_id = $1
		ORDER BY es.id
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("evidence for claim %d: %w", claimID, err)
	}
	defer rows.Close()

	out := []EvidenceRow{}
	for rows.Next() {
		var r EvidenceRow
		var evType, stance pgtype.Text
		if err := rows.Scan(&r.EvidenceID, &r.Title, &evType, &stance); err != nil {
			return nil, err
		}
		r.Type = textPtr(evType)
		r.Stance = textPtr(stance)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertClaimGrade appends a grade row. Grades are additive history and
// are never updated in place.
func (s *Store) InsertClaimGrade(ctx context.Context, g models.ClaimGrade) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO claim_grade (claim_id, grade, rationale, rubric_version, graded_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, g.ClaimID, g.Grade, g.Rationale, g.RubricVersion, g.GradedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert grade for claim %d: %w", g.ClaimID, err)
	}
	return id, nil
}

// CurrentGrade returns the newest grade row for a claim, if any.
func (s *Store) CurrentGrade(ctx context.Context, claimID int64) (models.ClaimGrade, bool, error) {
	var g models.ClaimGrade
	err := s.pool.QueryRow(ctx, `
		SELECT id, claim_id, grade, rationale, rubric_version, graded_by, created_at
		FROM claim_grade
		WHERE claim_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, claimID).Scan(&g.ID, &g.ClaimID, &g.Grade, &g.Rationale, &g.RubricVersion, &g.GradedBy, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClaimGrade{}, false, nil
	}
	if err != nil {
		return models.ClaimGrade{}, false, fmt.Errorf("current grade for claim %d: %w", claimID, err)
	}
	return g, true, nil
}

// GradedClaim pairs a claim with its current grade for reporting.
type GradedClaim struct {
	Claim models.Claim
	Grade *models.ClaimGrade
}

// ListGradedClaims returns every claim joined with its newest grade.
func (s *Store) ListGradedClaims(ctx context.Context) ([]GradedClaim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.episode_id, c.start_ms, c.end_ms, c.raw_text, c.normalized_text,
		       c.topic, c.domain, c.risk_level, c.created_at,
		       g.id, g.grade, g.rationale, g.rubric_version, g.graded_by, g.created_at
		FROM claim c
		LEFT JOIN LATERAL (
			SELECT id, grade, rationale, rubric_version, graded_by, created_at
			FROM claim_grade
			WHERE claim_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) g ON true
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list graded claims: %w", err)
	}
	defer rows.Close()

	out := []GradedClaim{}
	for rows.Next() {
		var gc GradedClaim
		var gradeID pgtype.Int8
		var grade, rationale, rubric, gradedBy pgtype.Text
		var gradedAt pgtype.Timestamptz
		err := rows.Scan(
			&gc.Claim.ID, &gc.Claim.EpisodeID, &gc.Claim.StartMs, &gc.Claim.EndMs,
			&gc.Claim.RawText, &gc.Claim.NormalizedText, &gc.Claim.Topic,
			&gc.Claim.Domain, &gc.Claim.RiskLevel, &gc.Claim.CreatedAt,
			&gradeID, &grade, &rationale, &rubric, &gradedBy, &gradedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan graded claim: %w", err)
		}
		if gradeID.Valid {
			gc.Grade = &models.ClaimGrade{
				ID:            gradeID.Int64,
				ClaimID:       gc.Claim.ID,
				Grade:         grade.String,
				Rationale:     rationale.String,
				RubricVersion: rubric.String,
				GradedBy:      gradedBy.String,
				CreatedAt:     gradedAt.Time,
			}
		}
		out = append(out, gc)
	}
	return out, rows.Err()
}

func scanClaim(row pgx.Row) (models.Claim, error) {
	var c models.Claim
	err := row.Scan(
		&c.ID, &c.EpisodeID, &c.StartMs, &c.EndMs, &c.RawText,
		&c.NormalizedText, &c.Topic, &c.Domain, &c.RiskLevel, &c.CreatedAt,
	)
	return c, err
}
