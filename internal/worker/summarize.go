package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"podcast-claim-pipeline/internal/models"
)

const summaryMaxPoints = 8

// SummaryStore is the persistence surface the summarize handler needs.
type SummaryStore interface {
	TranscriptText(ctx context.Context, episodeID int64) (string, error)
	UpsertEpisodeSummary(ctx context.Context, episodeID int64, tldr, narrative string) error
}

// SummarizeHandler builds a TL;DR plus narrative for each episode in the
// payload and stores them, replacing any previous machine summary.
type SummarizeHandler struct {
	store SummaryStore
}

func NewSummarizeHandler(store SummaryStore) *SummarizeHandler {
	return &SummarizeHandler{store: store}
}

type summarizePayload struct {
	EpisodeIDs []int64 `json:"episode_ids"`
}

func (h *SummarizeHandler) Handle(ctx context.Context, job models.Job) (any, error) {
	var payload summarizePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if len(payload.EpisodeIDs) == 0 {
		return nil, errors.New("episode_ids is required")
	}

	summarized := 0
	for _, episodeID := range payload.EpisodeIDs {
		text, err := h.store.TranscriptText(ctx, episodeID)
		if err != nil {
			return nil, fmt.Errorf("episode %d: %w", episodeID, err)
		}
		points := SummaryPoints(text)
		if len(points) == 0 {
			return nil, fmt.Errorf("episode %d: transcript has no usable sentences", episodeID)
		}
		if err := h.store.UpsertEpisodeSummary(ctx, episodeID, FormatTLDR(points), BuildNarrative(points)); err != nil {
			return nil, fmt.Errorf("episode %d: %w", episodeID, err)
		}
		summarized++
	}

	return map[string]any{"episodes": summarized}, nil
}

// SummaryPoints extracts the most information-dense sentences from a
// transcript, deduplicated and in transcript order. Output is
// deterministic for a given input.
func SummaryPoints(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	freq := make(map[string]int)
	for _, sentence := range sentences {
		for _, token := range wordRE.FindAllString(strings.ToLower(sentence), -1) {
			if !isStopword(token) {
				freq[singularize(token)]++
			}
		}
	}

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		tokens := wordRE.FindAllString(strings.ToLower(sentence), -1)
		if len(tokens) == 0 {
			continue
		}
		total := 0
		for _, token := range tokens {
			if !isStopword(token) {
				total += freq[singularize(token)]
			}
		}
		ranked = append(ranked, scored{index: i, score: float64(total) / float64(len(tokens))})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].index < ranked[j].index
	})

	limit := summaryMaxPoints
	if len(ranked) < limit {
		limit = len(ranked)
	}
	picked := ranked[:limit]
	sort.Slice(picked, func(i, j int) bool { return picked[i].index < picked[j].index })

	seen := make(map[string]struct{})
	var points []string
	for _, s := range picked {
		point := strings.TrimRight(normalizeSpace(sentences[s.index]), ".")
		key := strings.ToLower(point)
		if point == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		points = append(points, point)
	}
	return points
}

// FormatTLDR renders points as a bullet list.
func FormatTLDR(points []string) string {
	if len(points) == 0 {
		return ""
	}
	lines := make([]string, len(points))
	for i, p := range points {
		lines[i] = "- " + p
	}
	return strings.Join(lines, "\n")
}

// BuildNarrative joins points into prose, splitting longer summaries
// into two paragraphs.
func BuildNarrative(points []string) string {
	if len(points) == 0 {
		return ""
	}
	sentences := make([]string, len(points))
	for i, p := range points {
		sentences[i] = ensureSentence(p)
	}
	if len(sentences) <= 4 {
		return strings.Join(sentences, " ")
	}
	mid := (len(sentences) + 1) / 2
	first := strings.Join(sentences[:mid], " ")
	second := strings.Join(sentences[mid:], " ")
	return first + "\n\n" + second
}
