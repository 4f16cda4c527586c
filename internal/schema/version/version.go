// Package version applies a dataset's evolution policy to an inferred schema
// and maintains the append-only chain of accepted schema versions.
package version

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ingest/internal/model"
	"ingest/internal/schema"
	"ingest/internal/schema/diff"
	"ingest/internal/schema/infer"
	"ingest/internal/storage"
)

// Decision is the outcome of resolving an inferred schema against the
// dataset's active version and policy.
type Decision string

const (
	// DecisionFirstVersion means the dataset had no schema yet and the
	// inferred one was accepted as version 1.
	DecisionFirstVersion Decision = "first_version"

	// DecisionUnchanged means the inferred schema matches the active version;
	// nothing was appended.
	DecisionUnchanged Decision = "unchanged"

	// DecisionAutoApproved means the drift was non-breaking under the policy
	// and a new version was appended without review.
	DecisionAutoApproved Decision = "auto_approved"

	// DecisionNeedsApproval means the import must pause until an operator
	// accepts or rejects the pending schema.
	DecisionNeedsApproval Decision = "needs_approval"
)

// Service resolves schema drift for imports and records approvals.
type Service struct {
	store storage.Store
	now   func() time.Time
	newID func() string
}

// NewService constructs a Service on top of a Store.
func NewService(store storage.Store) *Service {
	return &Service{store: store, now: time.Now, newID: uuid.NewString}
}

// Resolve decides what happens to the schema a job inferred. meta is the
// per-field statistics snapshot from the same inference run; cmp is the
// comparison against the active version computed during validation, nil when
// the dataset has no active version yet.
//
// On acceptance (first version or auto-approval) a new SchemaVersion is
// appended and the dataset's active pointer advances. On needs_approval the
// inferred schema and its metadata are parked on job.PendingSchema and
// nothing is versioned; rows imported so far keep the previous schema until
// an operator decides.
func (s *Service) Resolve(ctx context.Context, ds *model.Dataset, job *model.ImportJob, inferred schema.Schema, meta map[string]*infer.FieldStats, cmp *diff.Comparison) (Decision, error) {
	if ds.ActiveSchemaVersion == 0 {
		if ds.SchemaConfig.Locked {
			s.park(job, inferred, meta)
			return DecisionNeedsApproval, nil
		}
		if err := s.accept(ctx, ds, job, inferred, meta, cmp, acceptance{auto: true}); err != nil {
			return "", err
		}
		return DecisionFirstVersion, nil
	}

	if cmp == nil {
		return "", fmt.Errorf("dataset %s has an active schema but no comparison was provided", ds.ID)
	}
	if len(cmp.Changes) == 0 {
		return DecisionUnchanged, nil
	}

	grows := false
	for _, c := range cmp.Changes {
		if c.Type == diff.ChangeNewField {
			grows = true
			break
		}
	}
	if grows && !ds.SchemaConfig.AutoGrow {
		s.park(job, inferred, meta)
		return DecisionNeedsApproval, nil
	}

	if cmp.CanAutoApprove {
		if err := s.accept(ctx, ds, job, inferred, meta, cmp, acceptance{auto: true}); err != nil {
			return "", err
		}
		return DecisionAutoApproved, nil
	}

	s.park(job, inferred, meta)
	return DecisionNeedsApproval, nil
}

func (s *Service) park(job *model.ImportJob, inferred schema.Schema, meta map[string]*infer.FieldStats) {
	job.PendingSchema = &model.PendingSchema{Schema: inferred, FieldMetadata: meta, ProposedAt: s.now()}
}

// Approve accepts a job's pending schema on behalf of approver, appending it
// as the next version and clearing the pending state. It fails when the job
// has nothing pending.
func (s *Service) Approve(ctx context.Context, ds *model.Dataset, job *model.ImportJob, approver string) error {
	if job.PendingSchema == nil {
		return fmt.Errorf("job %s has no pending schema", job.ID)
	}
	pending := job.PendingSchema
	acc := acceptance{approvedBy: approver, required: true}
	if err := s.accept(ctx, ds, job, pending.Schema, pending.FieldMetadata, job.SchemaValidation, acc); err != nil {
		return err
	}
	job.PendingSchema = nil
	return nil
}

// Reject discards a job's pending schema without versioning it. The caller
// decides what happens to the job itself.
func (s *Service) Reject(job *model.ImportJob) error {
	if job.PendingSchema == nil {
		return fmt.Errorf("job %s has no pending schema", job.ID)
	}
	job.PendingSchema = nil
	return nil
}

// acceptance carries how a schema came to be accepted.
type acceptance struct {
	auto       bool
	required   bool
	approvedBy string
}

func (s *Service) accept(ctx context.Context, ds *model.Dataset, job *model.ImportJob, sch schema.Schema, meta map[string]*infer.FieldStats, cmp *diff.Comparison, acc acceptance) error {
	var conflicts []diff.Change
	if cmp != nil {
		for _, c := range cmp.Changes {
			if c.Severity == diff.SeverityError {
				conflicts = append(conflicts, c)
			}
		}
	}
	next := &model.SchemaVersion{
		ID:               s.newID(),
		DatasetID:        ds.ID,
		Number:           ds.ActiveSchemaVersion + 1,
		Schema:           sch,
		FieldMetadata:    meta,
		ApprovalRequired: acc.required,
		AutoApproved:     acc.auto,
		ApprovedBy:       acc.approvedBy,
		Conflicts:        conflicts,
		ImportSources:    []string{job.ID},
		CreatedAt:        s.now(),
	}
	if err := s.store.AppendSchemaVersion(ctx, next); err != nil {
		return fmt.Errorf("append schema version: %w", err)
	}
	ds.ActiveSchemaVersion = next.Number
	ds.UpdatedAt = s.now()
	if err := s.store.UpdateDataset(ctx, ds); err != nil {
		return fmt.Errorf("advance active schema version: %w", err)
	}
	return nil
}
