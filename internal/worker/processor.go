package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/telemetry"
)

// Queue is the orchestrator surface the worker loop drives. *store.Store
// satisfies it; tests substitute an in-memory queue.
type Queue interface {
	ClaimJob(ctx context.Context, allowedTypes []string) (models.Job, bool, error)
	CompleteJob(ctx context.Context, jobID int64, result any) error
	FailJob(ctx context.Context, jobID int64, jobErr error) error
	QueuedDepth(ctx context.Context) (int64, error)
}

// Handler executes one job and returns its result payload. Any returned
// error (or panic) is routed to FailJob; it never stops the loop.
type Handler func(ctx context.Context, job models.Job) (any, error)

// HandlerError wraps a failure raised inside a job handler.
type HandlerError struct {
	JobType string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.JobType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Options tunes the processor loop.
type Options struct {
	// AllowedTypes restricts which job types this worker claims.
	// Empty means all types.
	AllowedTypes []string
	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration
	// MaxJobs stops the loop after processing that many jobs. Zero
	// means unbounded.
	MaxJobs int
	// WorkerID identifies this process in logs.
	WorkerID string
}

// Processor polls the queue and dispatches claimed jobs to handlers
// registered by job type. One job is in flight per processor at a time.
type Processor struct {
	queue    Queue
	handlers map[string]Handler
	opts     Options
}

// NewProcessor builds a processor over the given queue.
func NewProcessor(queue Queue, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Processor{
		queue:    queue,
		handlers: make(map[string]Handler),
		opts:     opts,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls until context cancellation or the MaxJobs bound. Queue-level
// errors are fatal and returned; handler failures are not. Cancellation
// is checked between iterations only, so an in-flight handler runs to
// completion.
func (p *Processor) Run(ctx context.Context) error {
	processed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := p.processOne(ctx)
		if err != nil {
			return err
		}
		if ok {
			processed++
			if p.opts.MaxJobs > 0 && processed >= p.opts.MaxJobs {
				log.Printf("worker %s: max jobs (%d) reached, stopping", p.opts.WorkerID, p.opts.MaxJobs)
				return nil
			}
			continue
		}

		if depth, err := p.queue.QueuedDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was processed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	return p.processOne(ctx)
}

func (p *Processor) processOne(ctx context.Context) (bool, error) {
	job, ok, err := p.queue.ClaimJob(ctx, p.opts.AllowedTypes)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}

	telemetry.JobsInFlight.Inc()
	start := time.Now()
	result, handlerErr := p.runJob(ctx, job)
	telemetry.JobsInFlight.Dec()

	if handlerErr != nil {
		log.Printf("worker %s: job %d (%s) failed after %s: %v",
			p.opts.WorkerID, job.ID, job.JobType, time.Since(start).Round(time.Millisecond), handlerErr)
		telemetry.JobsFailed.Inc()
		if err := p.queue.FailJob(ctx, job.ID, handlerErr); err != nil {
			return true, fmt.Errorf("fail job %d: %w", job.ID, err)
		}
		return true, nil
	}

	log.Printf("worker %s: job %d (%s) completed in %s",
		p.opts.WorkerID, job.ID, job.JobType, time.Since(start).Round(time.Millisecond))
	telemetry.JobsSucceeded.Inc()
	if err := p.queue.CompleteJob(ctx, job.ID, result); err != nil {
		return true, fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	return true, nil
}

// runJob dispatches to the registered handler, converting panics and
// unknown job types into handler failures.
func (p *Processor) runJob(ctx context.Context, job models.Job) (result any, err error) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		return nil, &HandlerError{JobType: job.JobType, Err: fmt.Errorf("no handler registered for type %q", job.JobType)}
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &HandlerError{JobType: job.JobType, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = handler(ctx, job)
	if err != nil {
		return nil, &HandlerError{JobType: job.JobType, Err: err}
	}
	return result, nil
}
