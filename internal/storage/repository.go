// Package storage contains storage-agnostic contracts for import state.
//
// Backends (Postgres, SQLite, in-memory) register themselves with the factory
// at init time; callers open a Store through New and stay backend-agnostic
// from that point on.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ingest/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStaleWrite is returned when an optimistic-concurrency update loses
	// the race: the stored Version no longer matches the caller's copy.
	ErrStaleWrite = errors.New("storage: stale write")
)

// Jobs persists import jobs. Update is compare-and-swap on job.Version: the
// write succeeds only when the stored version matches, and the stored copy's
// version is incremented. Callers must reload and retry on ErrStaleWrite.
type Jobs interface {
	CreateJob(ctx context.Context, job *model.ImportJob) error
	GetJob(ctx context.Context, id string) (*model.ImportJob, error)
	UpdateJob(ctx context.Context, job *model.ImportJob) error
	ListJobsByStage(ctx context.Context, stage model.Stage) ([]*model.ImportJob, error)
}

// Datasets persists dataset configuration. Update uses the same
// compare-and-swap contract as Jobs.
type Datasets interface {
	CreateDataset(ctx context.Context, ds *model.Dataset) error
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	UpdateDataset(ctx context.Context, ds *model.Dataset) error
}

// SchemaVersions persists accepted schema snapshots. Versions are append-only
// and immutable; Append must reject a (dataset, number) pair that already
// exists.
type SchemaVersions interface {
	AppendSchemaVersion(ctx context.Context, v *model.SchemaVersion) error
	GetSchemaVersion(ctx context.Context, datasetID string, number int) (*model.SchemaVersion, error)
	LatestSchemaVersion(ctx context.Context, datasetID string) (*model.SchemaVersion, error)
}

// Events persists materialized rows.
//
// DeleteBatch removes every event a (job, batch) pair wrote previously, which
// makes batch replays idempotent: handlers delete then re-insert.
// IdentityRevisions reports the highest stored revision per identity so the
// dedup engine can classify rows against prior imports. Events written by
// excludeJobID are ignored, so a job replaying its own batches never
// classifies against output it wrote itself; pass "" to include everything.
// UpdateEventByIdentity overwrites the newest stored revision of ev.Identity
// with ev's data, keeping the original id, revision number, and creation
// time; it reports false when the identity has no stored event.
type Events interface {
	InsertEvents(ctx context.Context, evs []model.Event) error
	DeleteBatch(ctx context.Context, datasetID, jobID string, batch int) (int64, error)
	IdentityRevisions(ctx context.Context, datasetID, excludeJobID string, identities []string) (map[string]int, error)
	UpdateEventByIdentity(ctx context.Context, datasetID string, ev model.Event) (bool, error)
	CountEvents(ctx context.Context, datasetID string) (int64, error)
}

// Store is the full persistence surface of the import service.
type Store interface {
	Jobs
	Datasets
	SchemaVersions
	Events
	Close()
}

// Config selects and parameterizes a storage backend.
type Config struct {
	Kind string // registered backend name, e.g. "postgres", "sqlite", "memory"
	DSN  string // backend connection string; ignored by the memory backend
}

// Factory opens a Store for a Config. Backends register one per kind.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) a Factory for the given storage kind. It
// is typically called from backend packages' init() functions.
func Register(kind string, fn Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = fn
}

// New opens a Store for cfg.Kind. Unregistered kinds return an error listing
// the kinds that are available.
func New(ctx context.Context, cfg Config) (Store, error) {
	regMu.RLock()
	fn, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage kind %q (registered: %v)", cfg.Kind, ListKinds())
	}
	return fn(ctx, cfg)
}

// ListKinds returns the registered backend names, sorted.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
