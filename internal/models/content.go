package models

import (
	"time"
)

// Evidence stance values stored on claim_evidence links. Anything outside
// supports/refutes is treated as neutral by the grading engine.
const (
	StanceSupports = "supports"
	StanceRefutes  = "refutes"
	StanceMixed    = "mixed"
)

// Episode is a single podcast episode discovered from a feed.
type Episode struct {
	ID          int64      `json:"id"`
	PodcastName string     `json:"podcast_name"`
	Title       string     `json:"title"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// EpisodeSummary holds the generated TL;DR and narrative for an episode.
// One row per episode; regenerating a summary replaces the row.
type EpisodeSummary struct {
	ID        int64     `json:"id"`
	EpisodeID int64     `json:"episode_id"`
	TLDR      string    `json:"tl_dr"`
	Narrative string    `json:"narrative"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claim is a normalized factual assertion extracted from a transcript.
type Claim struct {
	ID             int64     `json:"id"`
	EpisodeID      int64     `json:"episode_id"`
	StartMs        int       `json:"start_ms"`
	EndMs          int       `json:"end_ms"`
	RawText        string    `json:"raw_text"`
	NormalizedText string    `json:"normalized_text"`
	Topic          string    `json:"topic"`
	Domain         string    `json:"domain"`
	RiskLevel      string    `json:"risk_level"`
	CreatedAt      time.Time `json:"created_at"`
}

// EvidenceSource is an external publication that can be linked to claims.
type EvidenceSource struct {
	ID       int64   `json:"id"`
	Title    string  `json:"title"`
	Year     *int    `json:"year,omitempty"`
	Type     *string `json:"type,omitempty"`
	Journal  *string `json:"journal,omitempty"`
	DOI      *string `json:"doi,omitempty"`
	PubmedID *string `json:"pubmed_id,omitempty"`
	URL      *string `json:"url,omitempty"`
}

// ClaimEvidence links a claim to an evidence source with a stance.
type ClaimEvidence struct {
	ID         int64   `json:"id"`
	ClaimID    int64   `json:"claim_id"`
	EvidenceID int64   `json:"evidence_id"`
	Stance     *string `json:"stance,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// ClaimGrade is an append-only rubric assessment of a claim. The newest
// row per claim is the claim's current grade; re-grading adds a row.
type ClaimGrade struct {
	ID            int64     `json:"id"`
	ClaimID       int64     `json:"claim_id"`
	Grade         string    `json:"grade"`
	Rationale     string    `json:"rationale"`
	RubricVersion string    `json:"rubric_version"`
	GradedBy      string    `json:"graded_by"`
	CreatedAt     time.Time `json:"created_at"`
}
