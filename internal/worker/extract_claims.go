package worker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/store"
)

// Timestamp estimation assumes a constant speech rate of 120 words per
// minute, which keeps sentence spans in a plausible range for transcripts
// without word-level timings.
const msPerWord = 500

var claimVerbs = []string{
	"increase", "improve", "reduce", "prevent", "support", "boost", "raise",
	"lower", "enhance", "maintain", "decrease", "assist", "protect",
	"strengthen", "fuel", "accelerate", "help", "shorten", "stabilize",
}

// Sentences carrying these markers are anecdotes, not checkable claims.
var anecdoteMarkers = []string{
	"i remember", "i once", "i used to", "story", "my friend", "i feel", "i think",
}

type topicRule struct {
	keyword string
	topic   string
	domain  string
}

var topicRules = []topicRule{
	{"ketone", "ketones", "metabolism"},
	{"fast", "intermittent_fasting", "nutrition"},
	{"sleep", "sleep_quality", "wellness"},
	{"melatonin", "melatonin", "sleep"},
	{"circadian", "circadian_rhythm", "sleep"},
	{"cortisol", "stress_hormones", "endocrinology"},
	{"omega", "omega_3", "nutrition"},
	{"creatine", "creatine", "performance"},
	{"brown fat", "brown_adipose_tissue", "metabolism"},
	{"norepinephrine", "norepinephrine", "neurochemistry"},
	{"hydration", "hydration", "performance"},
	{"magnesium", "magnesium", "supplements"},
	{"microbiome", "gut_microbiome", "nutrition"},
	{"fermented", "fermented_foods", "nutrition"},
	{"probiotic", "probiotics", "nutrition"},
	{"glucose", "glucose_regulation", "metabolism"},
}

type rewriteRule struct {
	pattern *regexp.Regexp
	repl    string
}

// Deterministic verb substitutions used when paraphrasing.
var rewriteRules = []rewriteRule{
	{regexp.MustCompile(`(?i)\bboosts?\b`), "elevates"},
	{regexp.MustCompile(`(?i)\bimproves?\b`), "enhances"},
	{regexp.MustCompile(`(?i)\bincreases?\b`), "raises"},
	{regexp.MustCompile(`(?i)\braises?\b`), "raises"},
	{regexp.MustCompile(`(?i)\breduces?\b`), "lowers"},
	{regexp.MustCompile(`(?i)\bdecreases?\b`), "lowers"},
	{regexp.MustCompile(`(?i)\bhelps?\b`), "assists"},
	{regexp.MustCompile(`(?i)\bsupports?\b`), "supports"},
	{regexp.MustCompile(`(?i)\bprevents?\b`), "avoids"},
	{regexp.MustCompile(`(?i)\bmaintains?\b`), "maintains"},
	{regexp.MustCompile(`(?i)\bfuels?\b`), "fuels"},
	{regexp.MustCompile(`(?i)\bprotects?\b`), "protects"},
	{regexp.MustCompile(`(?i)\bshortens?\b`), "shortens"},
}

var leadingPhraseRE = regexp.MustCompile(
	`(?i)^(?:(?:finally|additionally|overall|then|next|lastly)\s+)?` +
		`(?:(?:the\s+(?:host|guest|speaker|discussion))|(?:he|she|they|we))\s+` +
		`(?:(?:\w+\s+){0,2})?(?:states?|says?|notes?|mentions?|adds?|explains?|argues?|asserts?|comments?|observes?|reports?|believes|claims?|warns?|suggests?|emphasises?|concludes?)\s+` +
		`(?:that\s+)?`)

var (
	leadingThatRE = regexp.MustCompile(`(?i)^that\s+`)
	nonAlnumRE    = regexp.MustCompile(`[^a-z0-9\s]`)
	highRiskRE    = regexp.MustCompile(`\b(?:cures?|eliminates|guarantees)\b`)
	lowRiskRE     = regexp.MustCompile(`\b(?:may|might|could|suggests?)\b`)
	midRiskRE     = regexp.MustCompile(`\b(?:reduces?|lowers?|decreases?|improves?|enhances?|raises?|increases?)\b`)
)

// timedSentence carries a sentence with estimated start/end offsets.
type timedSentence struct {
	text    string
	startMs int
	endMs   int
}

// timeSentences splits text into sentences and estimates their spans
// from cumulative word counts.
func timeSentences(text string) []timedSentence {
	var out []timedSentence
	wordIndex := 0
	for _, raw := range sentenceRE.FindAllString(text, -1) {
		sentence := normalizeSpace(raw)
		words := len(wordRE.FindAllString(sentence, -1))
		if words == 0 {
			continue
		}
		startMs := wordIndex * msPerWord
		wordIndex += words
		endMs := wordIndex * msPerWord
		if endMs <= startMs {
			endMs = startMs + msPerWord
		}
		out = append(out, timedSentence{text: sentence, startMs: startMs, endMs: endMs})
	}
	return out
}

func looksLikeClaim(sentence string) bool {
	lowered := strings.ToLower(sentence)
	for _, marker := range anecdoteMarkers {
		if strings.Contains(lowered, marker) {
			return false
		}
	}
	for _, verb := range claimVerbs {
		if strings.Contains(lowered, verb) {
			return true
		}
	}
	return false
}

// Paraphrase strips attribution filler, applies the verb substitutions,
// and wraps the sentence in a fixed template.
func Paraphrase(sentence string) string {
	text := strings.TrimSpace(sentence)
	for {
		next := strings.TrimSpace(leadingPhraseRE.ReplaceAllString(text, ""))
		if next == text {
			break
		}
		text = next
	}
	text = leadingThatRE.ReplaceAllString(text, "")

	for _, rule := range rewriteRules {
		text = rule.pattern.ReplaceAllString(text, rule.repl)
	}
	text = normalizeSpace(text)
	if text == "" {
		return ""
	}
	text = ensureSentence(text)
	if len(text) > 1 {
		text = strings.ToLower(text[:1]) + text[1:]
	} else {
		text = strings.ToLower(text)
	}
	return "The speaker maintains that " + text
}

// NormalizeClaim lowercases and strips punctuation for deduplication and
// search.
func NormalizeClaim(text string) string {
	lowered := strings.ToLower(text)
	lowered = nonAlnumRE.ReplaceAllString(lowered, "")
	return normalizeSpace(lowered)
}

func classifyTopic(normalized string) (topic, domain string) {
	for _, rule := range topicRules {
		if strings.Contains(normalized, rule.keyword) {
			return rule.topic, rule.domain
		}
	}
	return "general_health", "wellness"
}

func estimateRiskLevel(normalized string) string {
	switch {
	case highRiskRE.MatchString(normalized):
		return "high"
	case lowRiskRE.MatchString(normalized):
		return "low"
	case midRiskRE.MatchString(normalized):
		return "medium"
	}
	return "medium"
}

// ExtractClaims derives deduplicated, paraphrased claims from a
// transcript. The output is deterministic for a given input.
func ExtractClaims(text string) []store.NewClaim {
	var claims []store.NewClaim
	seen := make(map[string]struct{})

	for _, sentence := range timeSentences(text) {
		if !looksLikeClaim(sentence.text) {
			continue
		}
		raw := Paraphrase(sentence.text)
		if raw == "" {
			continue
		}
		normalized := NormalizeClaim(raw)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}

		topic, domain := classifyTopic(normalized)
		claims = append(claims, store.NewClaim{
			StartMs:        sentence.startMs,
			EndMs:          sentence.endMs,
			RawText:        raw,
			NormalizedText: normalized,
			Topic:          topic,
			Domain:         domain,
			RiskLevel:      estimateRiskLevel(normalized),
		})
	}
	return claims
}

// ClaimStore is the persistence surface the extraction handler needs.
type ClaimStore interface {
	TranscriptText(ctx context.Context, episodeID int64) (string, error)
	ReplaceClaims(ctx context.Context, episodeID int64, claims []store.NewClaim) error
}

// ExtractClaimsHandler replaces each payload episode's claims with a
// freshly extracted set, so retries never duplicate rows.
type ExtractClaimsHandler struct {
	store ClaimStore
}

func NewExtractClaimsHandler(store ClaimStore) *ExtractClaimsHandler {
	return &ExtractClaimsHandler{store: store}
}

type extractClaimsPayload struct {
	EpisodeIDs []int64 `json:"episode_ids"`
}

func (h *ExtractClaimsHandler) Handle(ctx context.Context, job models.Job) (any, error) {
	var payload extractClaimsPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if len(payload.EpisodeIDs) == 0 {
		return nil, errors.New("episode_ids is required")
	}

	total := 0
	for _, episodeID := range payload.EpisodeIDs {
		text, err := h.store.TranscriptText(ctx, episodeID)
		if err != nil {
			return nil, fmt.Errorf("episode %d: %w", episodeID, err)
		}
		claims := ExtractClaims(text)
		if err := h.store.ReplaceClaims(ctx, episodeID, claims); err != nil {
			return nil, fmt.Errorf("episode %d: %w", episodeID, err)
		}
		total += len(claims)
	}

	return map[string]any{"episodes": len(payload.EpisodeIDs), "claims": total}, nil
}
