package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"podcast-claim-pipeline/internal/models"
)

func TestBuildQueryTermsAddsMeshSynonyms(t *testing.T) {
	terms := BuildQueryTerms("ketones improve cognition")
	assertContains(t, terms, "ketone bodies")
	assertContains(t, terms, "cognition")
}

func TestBuildQueryTermsDirectionalVerbsLast(t *testing.T) {
	terms := BuildQueryTerms("creatine improves memory")
	if len(terms) < 2 {
		t.Fatalf("terms = %v", terms)
	}
	if terms[len(terms)-1] != "improve" {
		t.Errorf("directional verb should rank last, terms = %v", terms)
	}
}

func TestBuildQueryVariantsHasMultipleForms(t *testing.T) {
	queries, terms := BuildQueryVariants("ketones improve cognition", "Ketones can support cognition")
	if len(queries) < 2 {
		t.Fatalf("queries = %v", queries)
	}
	if len(terms) == 0 {
		t.Fatal("no terms produced")
	}
	found := false
	for _, q := range queries {
		if strings.Contains(strings.ToLower(q), "ketone") {
			found = true
		}
	}
	if !found {
		t.Errorf("no query mentions ketones: %v", queries)
	}
}

func TestClassifyStanceSupports(t *testing.T) {
	abstract := "This randomized controlled trial reported significant improvement and reduced risk of decline."
	if got := ClassifyStance("ketones improve cognition", abstract); got != models.StanceSupports {
		t.Fatalf("stance = %q, want supports", got)
	}
}

func TestClassifyStanceRefutes(t *testing.T) {
	abstract := "The intervention produced no significant improvement and failed to improve primary outcomes."
	if got := ClassifyStance("ketones improve cognition", abstract); got != models.StanceRefutes {
		t.Fatalf("stance = %q, want refutes", got)
	}
}

func TestClassifyStanceEmptyAbstract(t *testing.T) {
	if got := ClassifyStance("anything", ""); got != models.StanceMixed {
		t.Fatalf("stance = %q, want mixed", got)
	}
}

func TestClassifyStanceNoSignals(t *testing.T) {
	if got := ClassifyStance("creatine raises strength", "The methodology section describes recruitment."); got != models.StanceMixed {
		t.Fatalf("stance = %q, want mixed", got)
	}
}

func TestRankCandidatesPrefersQualityThenRecency(t *testing.T) {
	year := func(y int) *int { return &y }
	meta := EvidenceCandidate{PubmedID: "1", Title: "Meta", Year: year(2018), PublicationTypes: []string{"Meta-Analysis"}}
	rct := EvidenceCandidate{PubmedID: "2", Title: "RCT", Year: year(2021), PublicationTypes: []string{"Randomized Controlled Trial"}}
	caseReport := EvidenceCandidate{PubmedID: "3", Title: "Case", Year: year(2023), PublicationTypes: []string{"Case Reports"}}

	ranked := RankCandidates([]EvidenceCandidate{caseReport, rct, meta})
	got := []string{ranked[0].PubmedID, ranked[1].PubmedID, ranked[2].PubmedID}
	want := []string{"1", "2", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank order = %v, want %v", got, want)
		}
	}
}

func TestPrimaryTypePicksStrongest(t *testing.T) {
	c := EvidenceCandidate{PublicationTypes: []string{"Journal Article", "Randomized Controlled Trial"}}
	pt := c.PrimaryType()
	if pt == nil || *pt != "Randomized Controlled Trial" {
		t.Fatalf("primary type = %v", pt)
	}
	if (EvidenceCandidate{}).PrimaryType() != nil {
		t.Fatal("no publication types should yield nil")
	}
}

const efetchXML = `<?xml version="1.0"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>11111</PMID>
      <Article>
        <Journal>
          <JournalIssue><PubDate><Year>2021</Year></PubDate></JournalIssue>
          <Title>Journal of Trials</Title>
        </Journal>
        <ArticleTitle>Creatine and cognition: a randomized trial</ArticleTitle>
        <ELocationID EIdType="doi">10.1000/trial.1</ELocationID>
        <Abstract>
          <AbstractText Label="RESULTS">The trial reported significant improvement in cognition.</AbstractText>
        </Abstract>
        <PublicationTypeList>
          <PublicationType>Randomized Controlled Trial</PublicationType>
        </PublicationTypeList>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

func newPubMedTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tool") == "" {
			t.Error("tool parameter missing from esearch request")
		}
		fmt.Fprint(w, `{"esearchresult":{"idlist":["11111"]}}`)
	})
	mux.HandleFunc("/efetch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, efetchXML)
	})
	return httptest.NewServer(mux)
}

func TestPubMedClientSearchAndFetch(t *testing.T) {
	srv := newPubMedTestServer(t)
	defer srv.Close()

	client := NewPubMedClient(srv.URL, "podcast_plow", "test@example.com")
	ids, err := client.Search(context.Background(), "creatine cognition", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 1 || ids[0] != "11111" {
		t.Fatalf("ids = %v", ids)
	}

	candidates, err := client.Fetch(context.Background(), ids)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %v", candidates)
	}
	c := candidates[0]
	if c.PubmedID != "11111" {
		t.Errorf("pubmed id = %q", c.PubmedID)
	}
	if c.Title != "Creatine and cognition: a randomized trial" {
		t.Errorf("title = %q", c.Title)
	}
	if !strings.HasPrefix(c.Abstract, "RESULTS: ") {
		t.Errorf("abstract missing label prefix: %q", c.Abstract)
	}
	if c.Year == nil || *c.Year != 2021 {
		t.Errorf("year = %v", c.Year)
	}
	if c.DOI == nil || *c.DOI != "10.1000/trial.1" {
		t.Errorf("doi = %v", c.DOI)
	}
	if pt := c.PrimaryType(); pt == nil || *pt != "Randomized Controlled Trial" {
		t.Errorf("primary type = %v", pt)
	}
}

type fakeEvidenceStore struct {
	claims   map[int64]models.Claim
	upserted []models.EvidenceSource
	links    []struct {
		claimID, evidenceID int64
		stance, note        string
	}
}

func (f *fakeEvidenceStore) GetClaim(_ context.Context, claimID int64) (models.Claim, error) {
	return f.claims[claimID], nil
}

func (f *fakeEvidenceStore) UpsertEvidenceSource(_ context.Context, ev models.EvidenceSource) (int64, error) {
	f.upserted = append(f.upserted, ev)
	return int64(len(f.upserted)), nil
}

func (f *fakeEvidenceStore) LinkClaimEvidence(_ context.Context, claimID, evidenceID int64, stance, note string) error {
	f.links = append(f.links, struct {
		claimID, evidenceID int64
		stance, note        string
	}{claimID, evidenceID, stance, note})
	return nil
}

func TestFetchEvidenceHandler(t *testing.T) {
	srv := newPubMedTestServer(t)
	defer srv.Close()

	fake := &fakeEvidenceStore{claims: map[int64]models.Claim{
		42: {
			ID:             42,
			RawText:        "The speaker maintains that creatine enhances cognition.",
			NormalizedText: "the speaker maintains that creatine enhances cognition",
		},
	}}
	client := NewPubMedClient(srv.URL, "podcast_plow", "test@example.com")
	h := NewFetchEvidenceHandler(fake, client, 5)

	result, err := h.Handle(context.Background(), models.Job{
		ID:      1,
		JobType: models.JobTypeFetchEvidence,
		Payload: map[string]any{"claim_ids": []any{float64(42)}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(fake.upserted) != 1 {
		t.Fatalf("upserted %d sources, want 1", len(fake.upserted))
	}
	src := fake.upserted[0]
	if src.PubmedID == nil || *src.PubmedID != "11111" {
		t.Errorf("pubmed id = %v", src.PubmedID)
	}

	if len(fake.links) != 1 {
		t.Fatalf("created %d links, want 1", len(fake.links))
	}
	link := fake.links[0]
	if link.claimID != 42 {
		t.Errorf("link claim id = %d", link.claimID)
	}
	if link.stance != models.StanceSupports {
		t.Errorf("stance = %q, want supports", link.stance)
	}
	if !strings.HasPrefix(link.note, "auto:evidence") {
		t.Errorf("note = %q, want auto:evidence prefix", link.note)
	}

	out := result.(map[string]any)
	if out["links"] != 1 {
		t.Errorf("result = %v", result)
	}
}

func TestFetchEvidenceHandlerRequiresClaims(t *testing.T) {
	h := NewFetchEvidenceHandler(&fakeEvidenceStore{}, NewPubMedClient("http://127.0.0.1:0", "t", "e"), 5)
	if _, err := h.Handle(context.Background(), models.Job{Payload: map[string]any{}}); err == nil {
		t.Fatal("expected an error for missing claim_ids")
	}
}

func assertContains(t *testing.T, values []string, want string) {
	t.Helper()
	for _, v := range values {
		if v == want {
			return
		}
	}
	t.Fatalf("%q not found in %v", want, values)
}
