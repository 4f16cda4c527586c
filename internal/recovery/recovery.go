package recovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ingest/internal/model"
	"ingest/internal/queue"
	"ingest/internal/storage"
)

// Config bounds the automatic retry machinery.
type Config struct {
	// MaxRetries is the retry budget per job. Once spent, the job stays
	// failed until manually reset.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// BackoffMultiplier scales the delay per attempt already spent.
	BackoffMultiplier float64
}

// DefaultConfig returns the stock retry policy: three attempts, 30s base
// delay doubling up to five minutes.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         30 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// Backoff computes the delay before the next retry given how many attempts
// have been spent: base * multiplier^attempts, capped at max.
func Backoff(cfg Config, attempts int) time.Duration {
	cfg = cfg.withDefaults()
	d := cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * cfg.BackoffMultiplier)
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// Outcome is the result of one recovery attempt on one job.
type Outcome string

const (
	// OutcomeScheduled means the job was marked for retry: NextRetryAt is
	// stamped and the attempt counted. The sweep executes it once due.
	OutcomeScheduled Outcome = "scheduled"

	// OutcomeResumed means a due job was moved back to its resume stage and
	// re-enqueued.
	OutcomeResumed Outcome = "resumed"

	// OutcomeWaiting means the job's backoff window has not elapsed yet.
	OutcomeWaiting Outcome = "waiting"

	// OutcomeNotRetryable means the failure is permanent.
	OutcomeNotRetryable Outcome = "not_retryable"

	// OutcomeMaxRetriesExceeded means the retry budget is spent.
	OutcomeMaxRetriesExceeded Outcome = "max_retries_exceeded"

	// OutcomeNotFailed means the job is not in the failed stage.
	OutcomeNotFailed Outcome = "not_failed"
)

// Service drives automatic and manual recovery of failed jobs.
type Service struct {
	store storage.Store
	queue queue.Queue
	cfg   Config
	now   func() time.Time
}

// NewService constructs a recovery Service. Zero fields of cfg fall back to
// DefaultConfig values.
func NewService(store storage.Store, q queue.Queue, cfg Config) *Service {
	return &Service{store: store, queue: q, cfg: cfg.withDefaults(), now: time.Now}
}

// resumeStage picks where a retried job re-enters the pipeline.
func resumeStage(job *model.ImportJob, category Category) model.Stage {
	if category == CategoryUserAction {
		// Schema and validation failures re-run validation even when a later
		// stage recorded the error; the operator's fix lands in the dataset
		// config, so the comparison must be recomputed.
		return model.StageValidateSchema
	}
	return model.ResumeAfter(job.LastSuccessfulStage)
}

// RecoverFailedJob marks one failed job for retry when its category and
// budget allow: NextRetryAt moves to now plus the backoff delay, the attempt
// is counted, and the job stays failed. Execution is the sweep's job, which
// keeps "marked retryable" decoupled from "actually running". Non-retryable
// and budget-exhausted jobs are left untouched.
func (s *Service) RecoverFailedJob(ctx context.Context, jobID string) (Outcome, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Stage != model.StageFailed {
		return OutcomeNotFailed, nil
	}

	category := Classify(job.ErrorLog.LastError)
	if !category.Retryable() {
		return OutcomeNotRetryable, nil
	}
	if job.RetryAttempts >= s.cfg.MaxRetries {
		return OutcomeMaxRetriesExceeded, nil
	}

	now := s.now().UTC()
	delay := Backoff(s.cfg, job.RetryAttempts)
	due := now.Add(delay)
	resume := resumeStage(job, category)
	job.NextRetryAt = &due
	job.RetryAttempts++
	job.ErrorLog.Recoveries = append(job.ErrorLog.Recoveries, model.RecoveryEntry{
		At:          now,
		Attempt:     job.RetryAttempts,
		ResumeStage: resume,
		Delay:       delay.String(),
		ErrorType:   string(category),
	})
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	log.Printf("recovery: job=%s attempt=%d resume=%s due=%s type=%s",
		job.ID, job.RetryAttempts, resume, due.Format(time.RFC3339), category)
	return OutcomeScheduled, nil
}

// resume moves a due job back into the pipeline: retryability is re-checked
// against the stored error, NextRetryAt cleared, the stage set, and a fresh
// invocation enqueued.
func (s *Service) resume(ctx context.Context, job *model.ImportJob) (Outcome, error) {
	category := Classify(job.ErrorLog.LastError)
	if !category.Retryable() {
		return OutcomeNotRetryable, nil
	}
	now := s.now().UTC()
	stage := resumeStage(job, category)
	job.Stage = stage
	job.LastRetryAt = &now
	job.NextRetryAt = nil
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return "", fmt.Errorf("resume retry: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID}); err != nil {
		return "", fmt.Errorf("enqueue retry: %w", err)
	}
	log.Printf("recovery: job=%s attempt=%d resume=%s type=%s",
		job.ID, job.RetryAttempts, stage, category)
	return OutcomeResumed, nil
}

// sweepOne advances one failed job a step along the retry ladder: unmarked
// jobs get marked, marked-but-early jobs wait, due jobs resume.
func (s *Service) sweepOne(ctx context.Context, jobID string) (Outcome, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Stage != model.StageFailed {
		return OutcomeNotFailed, nil
	}
	if job.NextRetryAt == nil {
		return s.RecoverFailedJob(ctx, jobID)
	}
	if s.now().UTC().Before(*job.NextRetryAt) {
		return OutcomeWaiting, nil
	}
	return s.resume(ctx, job)
}

// SweepReport summarizes one pass over the failed jobs.
type SweepReport struct {
	Examined  int
	Scheduled int
	Resumed   int
	Waiting   int
	GaveUp    int
}

// Sweep lists every failed job and runs sweepOne on each, a few at a time. It
// takes no arguments so it can sit directly on a ticker. Stale-write races
// with concurrent sweeps are harmless: the loser's job simply gets examined
// again next pass.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	jobs, err := s.store.ListJobsByStage(ctx, model.StageFailed)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list failed jobs: %w", err)
	}

	var (
		rep SweepReport
		mu  sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			out, err := s.sweepOne(gctx, job.ID)
			if err != nil {
				log.Printf("recovery: sweep job=%s err=%v", job.ID, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			rep.Examined++
			switch out {
			case OutcomeScheduled:
				rep.Scheduled++
			case OutcomeResumed:
				rep.Resumed++
			case OutcomeWaiting:
				rep.Waiting++
			case OutcomeNotRetryable, OutcomeMaxRetriesExceeded:
				rep.GaveUp++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	return rep, nil
}

// ResetJobToStage is the manual escape hatch: an operator moves a job to an
// arbitrary stage, optionally clearing the retry budget, and the job is
// re-enqueued immediately. Every reset is recorded in the job's audit trail.
func (s *Service) ResetJobToStage(ctx context.Context, jobID string, target model.Stage, clearRetries bool) error {
	if !model.ValidStage(target) {
		return fmt.Errorf("invalid target stage %q", target)
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	job.ErrorLog.Resets = append(job.ErrorLog.Resets, model.ResetEntry{
		ResetAt:       now,
		PreviousStage: job.Stage,
		TargetStage:   target,
		ClearedRetry:  clearRetries,
	})
	job.Stage = target
	job.NextRetryAt = nil
	if clearRetries {
		job.RetryAttempts = 0
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	if target.Terminal() || target == model.StageAwaitApproval {
		return nil
	}
	if err := s.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID}); err != nil {
		return fmt.Errorf("enqueue after reset: %w", err)
	}
	return nil
}

// Recommend explains what an operator can do with a failed job, pairing the
// classified category with a human-readable suggestion.
func Recommend(job *model.ImportJob, cfg Config) string {
	cfg = cfg.withDefaults()
	if job.Stage != model.StageFailed {
		return "job is not failed"
	}
	category := Classify(job.ErrorLog.LastError)
	switch {
	case category == CategoryPermanent:
		return "error is permanent; fix the source and reset the job"
	case category == CategoryUserAction:
		return "input needs correction; fix the data or schema, then retry"
	case job.RetryAttempts >= cfg.MaxRetries:
		return "retry budget exhausted; reset the job to retry again"
	default:
		return fmt.Sprintf("transient error; retry %d of %d will run automatically",
			job.RetryAttempts+1, cfg.MaxRetries)
	}
}
