package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"podcast-claim-pipeline/internal/config"
	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/ratelimit"
	"podcast-claim-pipeline/internal/store"
	"podcast-claim-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for job submission and read-only access to
// claims, grades, and summaries. Transcript text is never exposed.
type Server struct {
	cfg     config.Config
	store   *store.Store
	limiter *ratelimit.Limiter
}

// New constructs the API server. limiter may be nil to disable
// rate limiting.
func New(cfg config.Config, st *store.Store, limiter *ratelimit.Limiter) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Get("/claims", s.handleListClaims)
	r.Get("/claims/{id}", s.handleGetClaim)
	r.Get("/episodes/{id}/summary", s.handleGetSummary)
	return r
}

type enqueueRequest struct {
	JobType      string         `json:"job_type"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxAttempts  int            `json:"max_attempts"`
	Dedupe       bool           `json:"dedupe"`
}

type enqueueResponse struct {
	Job       models.Job `json:"job"`
	Duplicate bool       `json:"duplicate"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), callerFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if req.Dedupe {
		existing, found, err := s.store.FindActiveJobByFingerprint(r.Context(), req.JobType, req.Payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if found {
			writeJSON(w, http.StatusOK, enqueueResponse{Job: existing, Duplicate: true})
			return
		}
	}

	runAt := time.Now().UTC()
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	job, err := s.store.EnqueueJob(r.Context(), store.EnqueueJobParams{
		JobType:     req.JobType,
		Payload:     req.Payload,
		Priority:    req.Priority,
		RunAt:       runAt,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Duplicate: false})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status:  r.URL.Query().Get("status"),
		JobType: r.URL.Query().Get("type"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	var episodeID int64
	if v := r.URL.Query().Get("episode_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid episode_id", http.StatusBadRequest)
			return
		}
		episodeID = parsed
	}
	claims, err := s.store.ListClaims(r.Context(), episodeID, queryInt(r, "limit", 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claims, "count": len(claims)})
}

type claimDetail struct {
	Claim    models.Claim       `json:"claim"`
	Grade    *models.ClaimGrade `json:"grade,omitempty"`
	Evidence []claimEvidence    `json:"evidence"`
}

type claimEvidence struct {
	EvidenceID int64   `json:"evidence_id"`
	Title      string  `json:"title"`
	Type       *string `json:"type,omitempty"`
	Stance     *string `json:"stance,omitempty"`
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid claim id", http.StatusBadRequest)
		return
	}
	claim, err := s.store.GetClaim(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	detail := claimDetail{Claim: claim, Evidence: []claimEvidence{}}
	if grade, ok, err := s.store.CurrentGrade(r.Context(), id); err == nil && ok {
		detail.Grade = &grade
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rows, err := s.store.EvidenceForClaim(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, row := range rows {
		detail.Evidence = append(detail.Evidence, claimEvidence{
			EvidenceID: row.EvidenceID,
			Title:      row.Title,
			Type:       row.Type,
			Stance:     row.Stance,
		})
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid episode id", http.StatusBadRequest)
		return
	}
	summary, err := s.store.GetEpisodeSummary(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// callerFromRequest identifies the client for rate limiting, preferring
// the explicit header over the socket address.
func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
