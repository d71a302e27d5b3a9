package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/telemetry"
)

const jobColumns = `id, job_type, payload, status, priority, run_at, next_run_at,
	attempts, max_attempts, last_error, result, created_at, started_at, finished_at, updated_at`

const maxErrorLen = 2000

// InvalidTransitionError reports an operation attempted against a job
// that is not in the required status. It indicates a programming error
// and is never retried.
type InvalidTransitionError struct {
	JobID  int64
	Status string
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %d: cannot %s from status %q", e.JobID, e.Op, e.Status)
}

// EnqueueJobParams collects inputs required to insert a job.
type EnqueueJobParams struct {
	JobType     string
	Payload     map[string]any
	Priority    int
	RunAt       time.Time
	MaxAttempts int
}

// EnqueueJob inserts a queued row. The queue performs no deduplication;
// callers wanting dedupe go through FindActiveJobByFingerprint first.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueJobParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_queue (job_type, payload, fingerprint, priority, run_at, next_run_at, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		RETURNING `+jobColumns, p.JobType, payloadJSON, JobFingerprint(p.JobType, p.Payload), p.Priority, p.RunAt, p.MaxAttempts)

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimJob atomically selects the highest-priority ready job (optionally
// restricted to allowedTypes), transitions it to running, and returns it.
// The FOR UPDATE SKIP LOCKED read is the serialization point: two
// concurrent claims can never select the same row. Returns ok=false when
// nothing is claimable.
func (s *Store) ClaimJob(ctx context.Context, allowedTypes []string) (models.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	query := `
		SELECT ` + jobColumns + `
		FROM job_queue
		WHERE status = 'queued' AND run_at <= now()`
	args := []any{}
	if len(allowedTypes) > 0 {
		query += ` AND job_type = ANY($1)`
		args = append(args, allowedTypes)
	}
	query += `
		ORDER BY priority DESC, run_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	job, err := scanJob(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("select claimable job: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE job_queue
		SET status = 'running',
		    attempts = attempts + 1,
		    started_at = $2,
		    next_run_at = NULL,
		    updated_at = $2
		WHERE id = $1
	`, job.ID, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("mark job running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = models.StatusRunning
	job.Attempts++
	job.StartedAt = &now
	job.NextRunAt = nil
	job.UpdatedAt = now
	return job, true, nil
}

// CompleteJob transitions a running job to succeeded and stores its result.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, result any) error {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'succeeded',
		    result = $2,
		    last_error = NULL,
		    next_run_at = NULL,
		    finished_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, jobID, resultJSON)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.invalidTransition(ctx, jobID, "complete")
	}
	return nil
}

// FailJob records a failure for a running job. While attempts remain it
// re-queues the job with an exponential backoff; otherwise the job goes
// to dead and stays there until an operator re-enqueues it.
func (s *Store) FailJob(ctx context.Context, jobID int64, jobErr error) error {
	message := ""
	if jobErr != nil {
		message = truncateError(jobErr.Error())
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT status, attempts, max_attempts FROM job_queue WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("fail job %d: job not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	if status != models.StatusRunning {
		return &InvalidTransitionError{JobID: jobID, Status: status, Op: "fail"}
	}

	if attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `
			UPDATE job_queue
			SET status = 'dead',
			    last_error = $2,
			    next_run_at = NULL,
			    finished_at = now(),
			    updated_at = now()
			WHERE id = $1
		`, jobID, nullIfEmpty(message))
		if err != nil {
			return fmt.Errorf("mark job %d dead: %w", jobID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		telemetry.JobsDead.Inc()
		return nil
	}

	nextRun := time.Now().UTC().Add(Backoff(s.backoffInitial, s.backoffMax, attempts))
	_, err = tx.Exec(ctx, `
		UPDATE job_queue
		SET status = 'queued',
		    run_at = $2,
		    next_run_at = $2,
		    last_error = $3,
		    started_at = NULL,
		    finished_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`, jobID, nextRun, nullIfEmpty(message))
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", jobID, err)
	}
	return tx.Commit(ctx)
}

// QueuedDepth counts jobs waiting in queued status.
func (s *Store) QueuedDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM job_queue WHERE status = 'queued'
	`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM job_queue WHERE id = $1
	`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d not found", jobID)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return job, nil
}

// JobFilter restricts ListJobs output.
type JobFilter struct {
	Status  string
	JobType string
	Limit   int
	Offset  int
}

// ListJobs returns jobs ordered from newest to oldest. No matches yields
// an empty slice, not an error.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue`
	args := []any{}
	conds := []string{}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.JobType != "" {
		args = append(args, f.JobType)
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FindActiveJobByFingerprint returns the newest queued or running job
// whose type and payload match, for enqueue-time deduplication. The
// lookup goes through the persisted fingerprint column so it can use
// the partial index on active jobs.
func (s *Store) FindActiveJobByFingerprint(ctx context.Context, jobType string, payload map[string]any) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM job_queue
		WHERE fingerprint = $1 AND status IN ('queued', 'running')
		ORDER BY id DESC
		LIMIT 1
	`, JobFingerprint(jobType, payload)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find job by fingerprint: %w", err)
	}
	return job, true, nil
}

// JobFingerprint returns a stable hash for a job type/payload pair.
// Map keys are serialized in sorted order, so payloads that differ only
// in key order produce the same fingerprint. A nil payload hashes the
// same as an empty one, matching how EnqueueJob normalizes it.
func JobFingerprint(jobType string, payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		serialized = []byte("{}")
	}
	sum := sha256.Sum256([]byte(jobType + ":" + string(serialized)))
	return hex.EncodeToString(sum[:])
}

const (
	defaultBackoffInitial = 30 * time.Second
	defaultBackoffMax     = time.Hour
)

// Backoff returns the retry delay after the given attempt count.
// Exponential with a cap, deterministic, and non-decreasing in attempts.
func Backoff(initial, max time.Duration, attempts int) time.Duration {
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := initial
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// truncateError caps stored error text at maxErrorLen bytes, backing up
// to a rune boundary so the value stays valid UTF-8 for the TEXT column.
func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

func (s *Store) invalidTransition(ctx context.Context, jobID int64, op string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM job_queue WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s job %d: job not found", op, jobID)
	}
	if err != nil {
		return fmt.Errorf("%s job %d: %w", op, jobID, err)
	}
	return &InvalidTransitionError{JobID: jobID, Status: status, Op: op}
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var resultJSON []byte
	var nextRunAt, startedAt, finishedAt pgtype.Timestamptz
	var lastErr pgtype.Text

	err := row.Scan(
		&job.ID, &job.JobType, &payloadJSON, &job.Status, &job.Priority,
		&job.RunAt, &nextRunAt, &job.Attempts, &job.MaxAttempts,
		&lastErr, &resultJSON, &job.CreatedAt, &startedAt, &finishedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}

	job.Payload = map[string]any{}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var result any
		if err := json.Unmarshal(resultJSON, &result); err == nil {
			job.Result = result
		}
	}
	job.NextRunAt = timePtr(nextRunAt)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.LastError = textPtr(lastErr)
	return job, nil
}

func marshalResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
