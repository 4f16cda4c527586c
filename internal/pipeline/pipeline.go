// Package pipeline runs import jobs through their stages.
//
// Each queue invocation names a job and a batch number. Handle loads the job,
// dispatches on its current stage, and the handler either advances the job,
// requeues the next batch, or records a failure. Handlers are idempotent
// under at-least-once delivery: progress is written as authoritative totals
// derived from the batch number, and event writes delete the batch's prior
// output before inserting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"ingest/internal/geocode"
	"ingest/internal/metrics"
	"ingest/internal/model"
	"ingest/internal/queue"
	"ingest/internal/schema/version"
	"ingest/internal/source"
	"ingest/internal/storage"
)

// DefaultBatchSize is the number of source rows per batch when the runner is
// not configured otherwise.
const DefaultBatchSize = 500

// DefaultGeocodeParallelism bounds concurrent geocoder lookups per batch.
const DefaultGeocodeParallelism = 4

// Runner executes stage handlers for queued invocations.
type Runner struct {
	store    storage.Store
	queue    queue.Queue
	versions *version.Service
	geo      geocode.Geocoder
	http     *source.HTTPClient

	batchSize   int
	geoParallel int
	metricsJob  string

	now   func() time.Time
	newID func() string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithBatchSize sets the rows-per-batch size.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithGeocoder sets the geocoder used by the geocode-batch stage.
func WithGeocoder(g geocode.Geocoder) Option {
	return func(r *Runner) {
		if g != nil {
			r.geo = g
		}
	}
}

// WithHTTPClient sets the client used for http sources.
func WithHTTPClient(c *source.HTTPClient) Option {
	return func(r *Runner) {
		if c != nil {
			r.http = c
		}
	}
}

// WithGeocodeParallelism bounds concurrent geocoder lookups per batch.
func WithGeocodeParallelism(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.geoParallel = n
		}
	}
}

// WithMetricsJob sets the job label stamped on emitted metrics.
func WithMetricsJob(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.metricsJob = name
		}
	}
}

// NewRunner constructs a Runner over a store and a queue.
func NewRunner(store storage.Store, q queue.Queue, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		queue:       q,
		versions:    version.NewService(store),
		geo:         geocode.Nop{},
		http:        source.NewHTTPClient(source.HTTPConfig{}),
		batchSize:   DefaultBatchSize,
		geoParallel: DefaultGeocodeParallelism,
		metricsJob:  "import",
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SubmitJob creates a job for the dataset at the first stage and enqueues its
// first batch.
func (r *Runner) SubmitJob(ctx context.Context, datasetID string, src model.SourceSpec) (*model.ImportJob, error) {
	if _, err := r.store.GetDataset(ctx, datasetID); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
	}
	now := r.now().UTC()
	job := &model.ImportJob{
		ID:        r.newID(),
		DatasetID: datasetID,
		Source:    src,
		Stage:     model.FirstStage(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: 0}); err != nil {
		return nil, fmt.Errorf("enqueue first batch: %w", err)
	}
	return job, nil
}

// Handle processes one invocation. Stage failures are recorded on the job and
// do not return an error; only infrastructure problems (load failures, lost
// optimistic-concurrency races) do, and those are safe to redeliver.
func (r *Runner) Handle(ctx context.Context, inv queue.Invocation) error {
	job, err := r.store.GetJob(ctx, inv.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", inv.JobID, err)
	}
	if job.Stage.Terminal() || job.Stage == model.StageAwaitApproval {
		log.Printf("pipeline: job=%s stage=%s batch=%d dropped (nothing to run)",
			job.ID, job.Stage, inv.Batch)
		return nil
	}
	ds, err := r.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return fmt.Errorf("load dataset %s: %w", job.DatasetID, err)
	}

	stage := job.Stage
	start := time.Now()
	switch stage {
	case model.StageDetectSchema:
		err = r.detectSchema(ctx, job, inv.Batch)
	case model.StageValidateSchema:
		err = r.validateSchema(ctx, job, ds)
	case model.StageAnalyzeDuplicates:
		err = r.analyzeDuplicates(ctx, job, ds)
	case model.StageGeocodeBatch:
		err = r.geocodeBatch(ctx, job, ds, inv.Batch)
	case model.StageCreateEvents:
		err = r.createEvents(ctx, job, ds, inv.Batch)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	metrics.RecordStage(r.metricsJob, string(stage), err, time.Since(start))
	metrics.RecordBatches(r.metricsJob, 1)

	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			// Another writer advanced the job; redeliver and re-derive.
			return fmt.Errorf("job %s stage %s: %w", job.ID, stage, err)
		}
		return r.fail(ctx, job, stage, err)
	}
	return nil
}

// fail stamps the error surface and parks the job in failed. The recovery
// service owns it from here.
func (r *Runner) fail(ctx context.Context, job *model.ImportJob, stage model.Stage, cause error) error {
	job.RecordFailure(stage, cause.Error(), r.now())
	if err := r.saveJob(ctx, job); err != nil {
		return fmt.Errorf("record failure for job %s: %w", job.ID, err)
	}
	log.Printf("pipeline: job=%s stage=%s failed: %v", job.ID, stage, cause)
	return nil
}

// saveJob stamps UpdatedAt and writes the job under the optimistic version
// check.
func (r *Runner) saveJob(ctx context.Context, job *model.ImportJob) error {
	job.UpdatedAt = r.now().UTC()
	return r.store.UpdateJob(ctx, job)
}

// ApprovePendingSchema is the operator action for a job parked in
// await-approval: the pending schema becomes the dataset's next version and
// the job resumes at geocode-batch.
func (r *Runner) ApprovePendingSchema(ctx context.Context, jobID, approver string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Stage != model.StageAwaitApproval {
		return fmt.Errorf("job %s is in stage %s, not %s", jobID, job.Stage, model.StageAwaitApproval)
	}
	ds, err := r.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return fmt.Errorf("load dataset %s: %w", job.DatasetID, err)
	}
	if err := r.versions.Approve(ctx, ds, job, approver); err != nil {
		return err
	}
	job.Stage = model.StageGeocodeBatch
	job.LastSuccessfulStage = model.StageAnalyzeDuplicates
	if err := r.saveJob(ctx, job); err != nil {
		return fmt.Errorf("resume job %s: %w", jobID, err)
	}
	return r.queue.Enqueue(ctx, queue.Invocation{JobID: jobID, Batch: 0})
}

// RejectPendingSchema discards a parked job's pending schema and fails the
// job. No schema version is created and no events are promoted.
func (r *Runner) RejectPendingSchema(ctx context.Context, jobID, reason string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Stage != model.StageAwaitApproval {
		return fmt.Errorf("job %s is in stage %s, not %s", jobID, job.Stage, model.StageAwaitApproval)
	}
	if err := r.versions.Reject(job); err != nil {
		return err
	}
	msg := "schema change rejected by operator"
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	job.RecordFailure(model.StageAwaitApproval, msg, r.now())
	return r.saveJob(ctx, job)
}
