package worker

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/store"
)

var directionalKeywords = map[string]struct{}{
	"boost": {}, "cause": {}, "decrease": {}, "enhance": {}, "improve": {},
	"increase": {}, "lower": {}, "prevent": {}, "promote": {}, "protect": {},
	"reduce": {}, "support": {},
}

var phraseSynonyms = []struct {
	phrase   string
	synonyms []string
}{
	{"blood pressure", []string{"blood pressure"}},
	{"body weight", []string{"body weight"}},
	{"heart rate", []string{"heart rate"}},
	{"cognitive function", []string{"cognition", "cognitive function"}},
	{"gut microbiome", []string{"gastrointestinal microbiome", "microbiota"}},
	{"immune system", []string{"immune system"}},
	{"insulin sensitivity", []string{"insulin sensitivity", "insulin resistance"}},
	{"metabolic health", []string{"metabolic diseases", "metabolic health"}},
	{"weight loss", []string{"weight loss", "body weight"}},
}

var meshSynonyms = map[string][]string{
	"aging":            {"aging", "longevity"},
	"alzheimer":        {"alzheimer disease"},
	"anxiety":          {"anxiety", "anxiety disorders"},
	"autophagy":        {"autophagy"},
	"blood":            {"blood", "blood pressure"},
	"brain":            {"brain", "brain diseases"},
	"cancer":           {"neoplasms"},
	"cardiovascular":   {"cardiovascular diseases"},
	"cholesterol":      {"cholesterol", "hypercholesterolemia"},
	"cognition":        {"cognition", "cognition disorders"},
	"cognitive":        {"cognition", "cognitive function"},
	"creatine":         {"creatine"},
	"depression":       {"depressive disorder", "depression"},
	"diabete":          {"diabetes mellitus"},
	"diet":             {"diet", "diet therapy"},
	"exercise":         {"exercise", "physical exercise"},
	"fasting":          {"fasting", "intermittent fasting"},
	"glucose":          {"blood glucose"},
	"gut":              {"gastrointestinal microbiome", "microbiota"},
	"heart":            {"heart diseases", "cardiovascular diseases"},
	"immune":           {"immune system", "immune response"},
	"immunity":         {"immune system", "immune response"},
	"inflammation":     {"inflammation", "anti-inflammatory agents"},
	"ketone":           {"ketone bodies"},
	"ketogenic":        {"ketogenic diet"},
	"longevity":        {"longevity", "aging"},
	"magnesium":        {"magnesium"},
	"memory":           {"memory", "cognition"},
	"microbiome":       {"microbiota", "gastrointestinal microbiome"},
	"neurodegenerative": {"neurodegenerative diseases"},
	"obesity":          {"obesity", "body mass index"},
	"performance":      {"physical endurance", "exercise"},
	"protein":          {"dietary proteins", "protein supplements"},
	"risk":             {"risk", "risk factors"},
	"sleep":            {"sleep", "sleep disorders"},
	"supplement":       {"dietary supplements"},
	"tumor":            {"neoplasms"},
	"vitamin":          {"vitamins"},
	"weight":           {"body weight", "weight loss"},
}

// Lower rank means a stronger publication type.
var typeRank = map[string]int{
	"systematic review":                     0,
	"meta-analysis":                         0,
	"systematic review and meta-analysis":   0,
	"randomized controlled trial":           1,
	"controlled clinical trial":             1,
	"clinical trial":                        2,
	"multicenter study":                     2,
	"pragmatic clinical trial":              2,
	"observational study":                   3,
	"cohort studies":                        3,
	"case-control studies":                  3,
	"cross-sectional studies":               3,
	"comparative study":                     3,
	"prospective studies":                   3,
	"retrospective studies":                 3,
	"review":                                4,
}

const defaultTypeRank = 6

var positiveIndicators = []string{
	"significant improvement", "significant increase", "significant reduction",
	"improved", "improvement", "effective", "efficacy", "benefit", "beneficial",
	"reduced risk", "reduction", "decreased", "lower", "enhanced", "supports",
	"support", "associated with",
}

var negativeIndicators = []string{
	"no significant", "not significant", "not associated", "no effect",
	"did not", "failed to", "without effect", "increase in risk",
	"increased risk", "worsened", "adverse", "harm",
}

var mixedIndicators = []string{
	"mixed results", "inconclusive", "limited evidence", "uncertain",
	"conflicting", "insufficient",
}

var negatingPrefixes = []string{
	"no ", "no significant ", "not ", "failed to ", "did not ", "without ", "lack of ",
}

// EvidenceCandidate is one PubMed article eligible for linking to a claim.
type EvidenceCandidate struct {
	PubmedID         string
	Title            string
	Abstract         string
	Year             *int
	DOI              *string
	Journal          *string
	PublicationTypes []string
	URL              string
}

// PrimaryType returns the highest-value publication type for storage.
func (c EvidenceCandidate) PrimaryType() *string {
	if len(c.PublicationTypes) == 0 {
		return nil
	}
	best := c.PublicationTypes[0]
	bestRank := rankFor(best)
	for _, pt := range c.PublicationTypes[1:] {
		if r := rankFor(pt); r < bestRank {
			best, bestRank = pt, r
		}
	}
	return &best
}

func rankFor(publicationType string) int {
	if r, ok := typeRank[strings.ToLower(publicationType)]; ok {
		return r
	}
	return defaultTypeRank
}

func (c EvidenceCandidate) sortKey() (int, int, string) {
	rank := defaultTypeRank
	for _, pt := range c.PublicationTypes {
		if r := rankFor(pt); r < rank {
			rank = r
		}
	}
	year := 0
	if c.Year != nil {
		year = *c.Year
	}
	return rank, -year, c.PubmedID
}

// RankCandidates orders candidates strongest first, newest first within
// equal publication strength.
func RankCandidates(candidates []EvidenceCandidate) []EvidenceCandidate {
	out := make([]EvidenceCandidate, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool {
		ri, yi, pi := out[i].sortKey()
		rj, yj, pj := out[j].sortKey()
		if ri != rj {
			return ri < rj
		}
		if yi != yj {
			return yi < yj
		}
		return pi < pj
	})
	return out
}

var queryTokenRE = regexp.MustCompile(`[a-z0-9']+`)

// BuildQueryTerms turns claim text into search terms, expanding known
// phrases and tokens into MeSH vocabulary and pushing directional verbs
// to the end.
func BuildQueryTerms(text string) []string {
	if text == "" {
		return nil
	}
	lowered := strings.ReplaceAll(strings.ToLower(text), "-", " ")

	var terms []string
	seen := make(map[string]struct{})
	add := func(term string) {
		term = strings.TrimSpace(term)
		if term == "" {
			return
		}
		if _, dup := seen[term]; dup {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}

	for _, ps := range phraseSynonyms {
		if strings.Contains(lowered, ps.phrase) {
			for _, syn := range ps.synonyms {
				add(syn)
			}
		}
	}

	var directional []string
	for _, token := range queryTokenRE.FindAllString(lowered, -1) {
		if isStopword(token) {
			continue
		}
		base := singularize(token)
		if syns, ok := meshSynonyms[base]; ok {
			for _, syn := range syns {
				add(syn)
			}
			continue
		}
		if _, ok := directionalKeywords[base]; ok {
			directional = append(directional, base)
			continue
		}
		add(base)
	}
	for _, d := range directional {
		add(d)
	}

	if len(terms) > 12 {
		terms = terms[:12]
	}
	return terms
}

func meshQueryFromTerms(terms []string) string {
	var parts []string
	for _, term := range terms {
		if len(parts) >= 6 {
			break
		}
		clean := strings.ReplaceAll(term, `"`, "")
		if clean == "" {
			continue
		}
		if strings.Contains(clean, " ") {
			parts = append(parts, fmt.Sprintf(`("%s"[MeSH Terms] OR "%s"[Title/Abstract])`, clean, clean))
		} else {
			parts = append(parts, fmt.Sprintf(`(%s[MeSH Terms] OR %s[Title/Abstract])`, clean, clean))
		}
	}
	return strings.Join(parts, " AND ")
}

func simpleQueryFromTerms(terms []string) string {
	var parts []string
	for _, term := range terms {
		if len(parts) >= 8 {
			break
		}
		clean := strings.TrimSpace(strings.ReplaceAll(term, `"`, ""))
		if clean == "" {
			continue
		}
		if strings.Contains(clean, " ") {
			parts = append(parts, `"`+clean+`"`)
		} else {
			parts = append(parts, clean)
		}
	}
	return strings.Join(parts, " ")
}

// BuildQueryVariants produces search queries from a claim, strongest
// vocabulary match first, plus the terms used to build them.
func BuildQueryVariants(normalizedText, rawText string) ([]string, []string) {
	base := normalizedText
	if base == "" {
		base = rawText
	}
	terms := BuildQueryTerms(base)

	var queries []string
	seen := make(map[string]struct{})
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" {
			return
		}
		if _, dup := seen[q]; dup {
			return
		}
		seen[q] = struct{}{}
		queries = append(queries, q)
	}
	add(meshQueryFromTerms(terms))
	add(simpleQueryFromTerms(terms))
	if normalizedText != "" {
		add(`"` + strings.TrimSpace(normalizedText) + `"`)
	}
	if raw := strings.TrimSpace(rawText); raw != "" && raw != normalizedText {
		add(`"` + raw + `"`)
	}
	return queries, terms
}

func isWordChar(r byte) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

// countOccurrences counts word-bounded matches of phrase in text,
// optionally skipping matches directly preceded by a negating prefix.
func countOccurrences(text, phrase string, ignoreNegated bool) int {
	phrase = strings.ToLower(phrase)
	if phrase == "" {
		return 0
	}
	count := 0
	for start := 0; ; {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			break
		}
		idx += start
		start = idx + 1

		if idx > 0 && isWordChar(text[idx-1]) && isWordChar(phrase[0]) {
			continue
		}
		end := idx + len(phrase)
		if end < len(text) && isWordChar(text[end]) && isWordChar(phrase[len(phrase)-1]) {
			continue
		}
		if ignoreNegated {
			negated := false
			for _, prefix := range negatingPrefixes {
				if strings.HasSuffix(text[:idx], prefix) {
					negated = true
					break
				}
			}
			if negated {
				continue
			}
		}
		count++
	}
	return count
}

// ClassifyStance decides whether an abstract supports, refutes, or is
// mixed on a claim, weighting indicator vocabulary by the claim's own
// direction.
func ClassifyStance(claimText, abstract string) string {
	if abstract == "" {
		return models.StanceMixed
	}
	text := strings.ToLower(abstract)
	claim := strings.ToLower(claimText)

	positive := append([]string{}, positiveIndicators...)
	negative := append([]string{}, negativeIndicators...)

	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(claim, w) {
				return true
			}
		}
		return false
	}

	if containsAny("increase", "improve", "boost", "enhance", "support") {
		positive = append(positive, "increase", "increased", "improve", "improved", "enhance", "enhanced", "boost", "boosted", "greater")
		negative = append(negative, "no increase", "no improvement", "decrease", "decreased", "reduction")
	}
	if containsAny("reduce", "reduction", "lower", "decrease", "prevent", "protect") {
		positive = append(positive, "decrease", "decreased", "reduced", "reduction", "lower", "lowered", "prevent", "prevented")
		negative = append(negative, "no decrease", "no reduction", "no change", "increase", "increased")
	}
	if strings.Contains(claim, "risk") {
		positive = append(positive, "reduced risk", "lower risk", "decreased risk", "risk reduction")
		negative = append(negative, "no change in risk", "no difference in risk")
		if containsAny("reduce risk", "reduces risk", "lower risk", "decrease risk", "protect") {
			negative = append(negative, "increased risk", "higher risk", "no reduction in risk")
		}
		if containsAny("increase risk", "increases risk", "raises risk", "higher risk", "cause") {
			positive = append(positive, "increased risk", "higher risk", "greater risk")
			negative = append(negative, "no increased risk", "not associated", "no association")
		}
	}

	posCount, negCount, mixCount := 0, 0, 0
	for _, term := range dedupeTerms(positive) {
		posCount += countOccurrences(text, term, true)
	}
	for _, term := range dedupeTerms(negative) {
		negCount += countOccurrences(text, term, false)
	}
	for _, term := range mixedIndicators {
		mixCount += countOccurrences(text, term, false)
	}

	switch {
	case posCount == 0 && negCount == 0:
		return models.StanceMixed
	case float64(posCount) >= float64(max(1, negCount))*1.3:
		return models.StanceSupports
	case float64(negCount) >= float64(max(1, posCount))*1.3:
		return models.StanceRefutes
	case mixCount > 0 || (posCount > 0 && negCount > 0):
		return models.StanceMixed
	case posCount >= negCount:
		return models.StanceSupports
	}
	return models.StanceRefutes
}

func dedupeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// PubMedClient talks to the NCBI eutils endpoints.
type PubMedClient struct {
	baseURL    string
	tool       string
	email      string
	httpClient *http.Client
}

func NewPubMedClient(baseURL, tool, email string) *PubMedClient {
	return &PubMedClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tool:       tool,
		email:      email,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *PubMedClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	params.Set("tool", c.tool)
	params.Set("email", c.email)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pubmed %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("pubmed %s: status %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read pubmed %s: %w", endpoint, err)
	}
	return body, nil
}

// Search runs an esearch query and returns matching PubMed ids.
func (c *PubMedClient) Search(ctx context.Context, query string, retMax int) ([]string, error) {
	params := url.Values{
		"db":      {"pubmed"},
		"term":    {query},
		"retmode": {"json"},
		"sort":    {"relevance"},
		"retmax":  {strconv.Itoa(retMax)},
	}
	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		ESearchResult struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode esearch response: %w", err)
	}
	var ids []string
	for _, id := range result.ESearchResult.IDList {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type efetchEnvelope struct {
	Articles []struct {
		PMID    string `xml:"MedlineCitation>PMID"`
		Article struct {
			Title    string `xml:"ArticleTitle"`
			Abstract []struct {
				Label string `xml:"Label,attr"`
				Text  string `xml:",chardata"`
			} `xml:"Abstract>AbstractText"`
			Journal struct {
				Title       string `xml:"Title"`
				Year        string `xml:"JournalIssue>PubDate>Year"`
				MedlineDate string `xml:"JournalIssue>PubDate>MedlineDate"`
			} `xml:"Journal"`
			ELocationIDs []struct {
				Type  string `xml:"EIdType,attr"`
				Value string `xml:",chardata"`
			} `xml:"ELocationID"`
			PublicationTypes []string `xml:"PublicationTypeList>PublicationType"`
		} `xml:"MedlineCitation>Article"`
	} `xml:"PubmedArticle"`
}

var yearRE = regexp.MustCompile(`(19|20)\d{2}`)

// Fetch resolves PubMed ids into candidates via efetch.
func (c *PubMedClient) Fetch(ctx context.Context, ids []string) ([]EvidenceCandidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(ids, ",")},
		"retmode": {"xml"},
	}
	body, err := c.get(ctx, "efetch.fcgi", params)
	if err != nil {
		return nil, err
	}
	var envelope efetchEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode efetch response: %w", err)
	}

	var candidates []EvidenceCandidate
	for _, article := range envelope.Articles {
		pmid := strings.TrimSpace(article.PMID)
		title := normalizeSpace(article.Article.Title)
		if pmid == "" || title == "" {
			continue
		}

		var abstractParts []string
		for _, ab := range article.Article.Abstract {
			text := normalizeSpace(ab.Text)
			if text == "" {
				continue
			}
			if ab.Label != "" {
				abstractParts = append(abstractParts, ab.Label+": "+text)
			} else {
				abstractParts = append(abstractParts, text)
			}
		}

		var year *int
		if y := strings.TrimSpace(article.Article.Journal.Year); y != "" {
			if n, err := strconv.Atoi(y); err == nil {
				year = &n
			}
		}
		if year == nil {
			if m := yearRE.FindString(article.Article.Journal.MedlineDate); m != "" {
				if n, err := strconv.Atoi(m); err == nil {
					year = &n
				}
			}
		}

		var doi *string
		for _, eloc := range article.Article.ELocationIDs {
			if strings.EqualFold(eloc.Type, "doi") {
				if v := strings.TrimSpace(eloc.Value); v != "" {
					doi = &v
					break
				}
			}
		}

		var journal *string
		if j := normalizeSpace(article.Article.Journal.Title); j != "" {
			journal = &j
		}

		var pubTypes []string
		for _, pt := range article.Article.PublicationTypes {
			if pt = strings.TrimSpace(pt); pt != "" {
				pubTypes = append(pubTypes, pt)
			}
		}

		candidates = append(candidates, EvidenceCandidate{
			PubmedID:         pmid,
			Title:            title,
			Abstract:         strings.Join(abstractParts, " "),
			Year:             year,
			DOI:              doi,
			Journal:          journal,
			PublicationTypes: pubTypes,
			URL:              "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		})
	}
	return candidates, nil
}

// EvidenceStore is the persistence surface the evidence handler needs.
type EvidenceStore interface {
	GetClaim(ctx context.Context, claimID int64) (models.Claim, error)
	UpsertEvidenceSource(ctx context.Context, ev models.EvidenceSource) (int64, error)
	LinkClaimEvidence(ctx context.Context, claimID, evidenceID int64, stance, note string) error
}

// FetchEvidenceHandler searches PubMed for each payload claim, upserts
// the best candidates as evidence sources, and links them with a stance.
type FetchEvidenceHandler struct {
	store      EvidenceStore
	client     *PubMedClient
	maxResults int
}

func NewFetchEvidenceHandler(store EvidenceStore, client *PubMedClient, maxResults int) *FetchEvidenceHandler {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &FetchEvidenceHandler{store: store, client: client, maxResults: maxResults}
}

type fetchEvidencePayload struct {
	ClaimIDs []int64 `json:"claim_ids"`
}

func (h *FetchEvidenceHandler) Handle(ctx context.Context, job models.Job) (any, error) {
	var payload fetchEvidencePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if len(payload.ClaimIDs) == 0 {
		return nil, errors.New("claim_ids is required")
	}

	linked := 0
	for _, claimID := range payload.ClaimIDs {
		claim, err := h.store.GetClaim(ctx, claimID)
		if err != nil {
			return nil, err
		}
		n, err := h.processClaim(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("claim %d: %w", claimID, err)
		}
		linked += n
	}

	return map[string]any{"claims": len(payload.ClaimIDs), "links": linked}, nil
}

func (h *FetchEvidenceHandler) processClaim(ctx context.Context, claim models.Claim) (int, error) {
	queries, terms := BuildQueryVariants(claim.NormalizedText, claim.RawText)
	if len(queries) == 0 {
		return 0, errors.New("no search query could be generated")
	}

	collected := make(map[string]EvidenceCandidate)
	var order []string
	for _, query := range queries {
		ids, err := h.client.Search(ctx, query, h.maxResults*3)
		if err != nil {
			return 0, err
		}
		candidates, err := h.client.Fetch(ctx, ids)
		if err != nil {
			return 0, err
		}
		for _, candidate := range candidates {
			if _, dup := collected[candidate.PubmedID]; !dup {
				collected[candidate.PubmedID] = candidate
				order = append(order, candidate.PubmedID)
			}
		}
		if len(collected) >= h.maxResults {
			break
		}
	}

	all := make([]EvidenceCandidate, 0, len(order))
	for _, pmid := range order {
		all = append(all, collected[pmid])
	}
	ranked := RankCandidates(all)
	if len(ranked) > h.maxResults {
		ranked = ranked[:h.maxResults]
	}

	claimText := claim.NormalizedText
	if claimText == "" {
		claimText = claim.RawText
	}
	note := store.AutoEvidenceNote("query=" + strings.Join(firstN(terms, 4), "/"))

	linked := 0
	for _, candidate := range ranked {
		stance := ClassifyStance(claimText, candidate.Abstract)
		pmid := candidate.PubmedID
		evidenceID, err := h.store.UpsertEvidenceSource(ctx, models.EvidenceSource{
			Title:    candidate.Title,
			Year:     candidate.Year,
			Type:     candidate.PrimaryType(),
			Journal:  candidate.Journal,
			DOI:      candidate.DOI,
			PubmedID: &pmid,
			URL:      &candidate.URL,
		})
		if err != nil {
			return linked, err
		}
		if err := h.store.LinkClaimEvidence(ctx, claim.ID, evidenceID, stance, note); err != nil {
			return linked, err
		}
		linked++
	}
	return linked, nil
}

func firstN(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}
