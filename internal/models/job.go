package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. A job moves
// queued -> running -> succeeded, or back to queued on a retryable
// failure, or to dead once attempts are exhausted. succeeded and dead
// are terminal; rows are kept for audit and never deleted.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

// Job types dispatched by the worker.
const (
	JobTypeSummarize     = "summarize"
	JobTypeExtractClaims = "extract_claims"
	JobTypeFetchEvidence = "fetch_evidence"
	JobTypeAutoGrade     = "auto_grade"
	JobTypeExportGrades  = "export_grades"
)

// Job is one unit of deferred work in the job_queue table.
type Job struct {
	ID          int64          `json:"id"`
	JobType     string         `json:"job_type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	RunAt       time.Time      `json:"run_at"`
	NextRunAt   *time.Time     `json:"next_run_at,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	Result      any            `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can never run again.
func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusDead
}
