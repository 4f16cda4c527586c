// Package memory implements an in-memory Store. It backs tests and the
// one-shot CLI mode; nothing survives process exit.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ingest/internal/model"
	"ingest/internal/storage"
)

func init() {
	storage.Register("memory", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return New(), nil
	})
}

// Store is a map-backed storage.Store guarded by a single mutex. All reads
// and writes deep-copy through JSON so callers never alias stored state.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*model.ImportJob
	datasets map[string]*model.Dataset
	versions map[string][]*model.SchemaVersion // datasetID -> ascending by Number
	events   map[string][]*model.Event         // datasetID -> insertion order
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		jobs:     map[string]*model.ImportJob{},
		datasets: map[string]*model.Dataset{},
		versions: map[string][]*model.SchemaVersion{},
		events:   map[string][]*model.Event{},
	}
}

func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory: clone marshal: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("memory: clone unmarshal: %v", err))
	}
	return out
}

// Close releases nothing; it exists to satisfy storage.Store.
func (s *Store) Close() {}

func (s *Store) CreateJob(ctx context.Context, job *model.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	job.Version = 1
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, storage.ErrNotFound)
	}
	return clone(job), nil
}

func (s *Store) UpdateJob(ctx context.Context, job *model.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %q: %w", job.ID, storage.ErrNotFound)
	}
	if cur.Version != job.Version {
		return fmt.Errorf("job %q version %d (stored %d): %w",
			job.ID, job.Version, cur.Version, storage.ErrStaleWrite)
	}
	next := clone(job)
	next.Version++
	s.jobs[job.ID] = next
	job.Version = next.Version
	return nil
}

func (s *Store) ListJobsByStage(ctx context.Context, stage model.Stage) ([]*model.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ImportJob
	for _, job := range s.jobs {
		if job.Stage == stage {
			out = append(out, clone(job))
		}
	}
	return out, nil
}

func (s *Store) CreateDataset(ctx context.Context, ds *model.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[ds.ID]; ok {
		return fmt.Errorf("dataset %q already exists", ds.ID)
	}
	ds.Version = 1
	s.datasets[ds.ID] = clone(ds)
	return nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %q: %w", id, storage.ErrNotFound)
	}
	return clone(ds), nil
}

func (s *Store) UpdateDataset(ctx context.Context, ds *model.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.datasets[ds.ID]
	if !ok {
		return fmt.Errorf("dataset %q: %w", ds.ID, storage.ErrNotFound)
	}
	if cur.Version != ds.Version {
		return fmt.Errorf("dataset %q version %d (stored %d): %w",
			ds.ID, ds.Version, cur.Version, storage.ErrStaleWrite)
	}
	next := clone(ds)
	next.Version++
	s.datasets[ds.ID] = next
	ds.Version = next.Version
	return nil
}

func (s *Store) AppendSchemaVersion(ctx context.Context, v *model.SchemaVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.versions[v.DatasetID] {
		if have.Number == v.Number {
			return fmt.Errorf("schema version %d for dataset %q already exists", v.Number, v.DatasetID)
		}
	}
	s.versions[v.DatasetID] = append(s.versions[v.DatasetID], clone(v))
	return nil
}

func (s *Store) GetSchemaVersion(ctx context.Context, datasetID string, number int) (*model.SchemaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[datasetID] {
		if v.Number == number {
			return clone(v), nil
		}
	}
	return nil, fmt.Errorf("schema version %d for dataset %q: %w", number, datasetID, storage.ErrNotFound)
}

func (s *Store) LatestSchemaVersion(ctx context.Context, datasetID string) (*model.SchemaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.SchemaVersion
	for _, v := range s.versions[datasetID] {
		if best == nil || v.Number > best.Number {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("dataset %q has no schema versions: %w", datasetID, storage.ErrNotFound)
	}
	return clone(best), nil
}

func (s *Store) InsertEvents(ctx context.Context, evs []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range evs {
		ev := evs[i]
		s.events[ev.DatasetID] = append(s.events[ev.DatasetID], clone(&ev))
	}
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, datasetID, jobID string, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[datasetID][:0]
	var removed int64
	for _, ev := range s.events[datasetID] {
		if ev.ImportJobID == jobID && ev.Batch == batch {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events[datasetID] = kept
	return removed, nil
}

func (s *Store) IdentityRevisions(ctx context.Context, datasetID, excludeJobID string, identities []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(identities))
	for _, id := range identities {
		want[id] = true
	}
	out := map[string]int{}
	for _, ev := range s.events[datasetID] {
		if !want[ev.Identity] {
			continue
		}
		if excludeJobID != "" && ev.ImportJobID == excludeJobID {
			continue
		}
		if ev.Revision > out[ev.Identity] {
			out[ev.Identity] = ev.Revision
		}
	}
	return out, nil
}

func (s *Store) UpdateEventByIdentity(ctx context.Context, datasetID string, ev model.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := -1
	for i, have := range s.events[datasetID] {
		if have.Identity != ev.Identity {
			continue
		}
		if target < 0 || have.Revision > s.events[datasetID][target].Revision {
			target = i
		}
	}
	if target < 0 {
		return false, nil
	}
	have := s.events[datasetID][target]
	next := clone(&ev)
	next.ID = have.ID
	next.DatasetID = datasetID
	next.Revision = have.Revision
	next.CreatedAt = have.CreatedAt
	s.events[datasetID][target] = next
	return true, nil
}

func (s *Store) CountEvents(ctx context.Context, datasetID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events[datasetID])), nil
}
