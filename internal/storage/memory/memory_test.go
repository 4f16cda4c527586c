package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"ingest/internal/model"
	"ingest/internal/storage"
)

// TestUpdateJob_StaleWrite verifies the compare-and-swap contract: a writer
// holding an outdated version loses, and the winner's increment is visible.
func TestUpdateJob_StaleWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	job := &model.ImportJob{ID: "job-1", DatasetID: "ds-1", Stage: model.StageDetectSchema}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Version != 1 {
		t.Fatalf("Version after create = %d, want 1", job.Version)
	}

	a, _ := s.GetJob(ctx, "job-1")
	b, _ := s.GetJob(ctx, "job-1")

	a.Stage = model.StageValidateSchema
	if err := s.UpdateJob(ctx, a); err != nil {
		t.Fatalf("first UpdateJob: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("Version after update = %d, want 2", a.Version)
	}

	b.Stage = model.StageFailed
	err := s.UpdateJob(ctx, b)
	if !errors.Is(err, storage.ErrStaleWrite) {
		t.Fatalf("stale UpdateJob err = %v, want ErrStaleWrite", err)
	}

	got, _ := s.GetJob(ctx, "job-1")
	if got.Stage != model.StageValidateSchema {
		t.Fatalf("Stage = %s, want %s (losing write must not land)", got.Stage, model.StageValidateSchema)
	}
}

// TestGetJob_NoAliasing verifies that mutating a returned job does not touch
// stored state.
func TestGetJob_NoAliasing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	if err := s.CreateJob(ctx, &model.ImportJob{ID: "job-1", Stage: model.StageDetectSchema}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, _ := s.GetJob(ctx, "job-1")
	got.Stage = model.StageFailed
	got.Progress.ProcessedRows = 999

	again, _ := s.GetJob(ctx, "job-1")
	if again.Stage != model.StageDetectSchema || again.Progress.ProcessedRows != 0 {
		t.Fatalf("stored job mutated through returned copy: %+v", again)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	_, err := New().GetJob(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// TestSchemaVersions_AppendOnly verifies duplicate numbers are rejected and
// Latest returns the highest number.
func TestSchemaVersions_AppendOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	for _, n := range []int{1, 2, 3} {
		v := &model.SchemaVersion{ID: "v", DatasetID: "ds-1", Number: n}
		if err := s.AppendSchemaVersion(ctx, v); err != nil {
			t.Fatalf("AppendSchemaVersion %d: %v", n, err)
		}
	}
	if err := s.AppendSchemaVersion(ctx, &model.SchemaVersion{DatasetID: "ds-1", Number: 2}); err == nil {
		t.Fatalf("duplicate version number accepted")
	}

	latest, err := s.LatestSchemaVersion(ctx, "ds-1")
	if err != nil {
		t.Fatalf("LatestSchemaVersion: %v", err)
	}
	if latest.Number != 3 {
		t.Fatalf("latest = %d, want 3", latest.Number)
	}

	if _, err := s.LatestSchemaVersion(ctx, "empty"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("empty dataset err = %v, want ErrNotFound", err)
	}
}

// TestEvents_DeleteBatchAndRevisions exercises the replay and dedup queries
// the pipeline handlers rely on.
func TestEvents_DeleteBatchAndRevisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	evs := []model.Event{
		{ID: "e1", DatasetID: "ds-1", ImportJobID: "job-1", Batch: 0, Identity: "a", Revision: 1},
		{ID: "e2", DatasetID: "ds-1", ImportJobID: "job-1", Batch: 0, Identity: "b", Revision: 1},
		{ID: "e3", DatasetID: "ds-1", ImportJobID: "job-1", Batch: 1, Identity: "a", Revision: 2},
	}
	if err := s.InsertEvents(ctx, evs); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	revs, err := s.IdentityRevisions(ctx, "ds-1", "", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("IdentityRevisions: %v", err)
	}
	want := map[string]int{"a": 2, "b": 1}
	if !reflect.DeepEqual(revs, want) {
		t.Fatalf("revisions = %v, want %v", revs, want)
	}

	excluded, err := s.IdentityRevisions(ctx, "ds-1", "job-1", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("IdentityRevisions excluding job: %v", err)
	}
	if len(excluded) != 0 {
		t.Fatalf("revisions excluding owning job = %v, want empty", excluded)
	}

	removed, err := s.DeleteBatch(ctx, "ds-1", "job-1", 0)
	if err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	n, _ := s.CountEvents(ctx, "ds-1")
	if n != 1 {
		t.Fatalf("CountEvents = %d, want 1", n)
	}
}

// TestEvents_UpdateByIdentity verifies the overwrite path targets the newest
// revision and keeps its original id and revision number.
func TestEvents_UpdateByIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	if err := s.InsertEvents(ctx, []model.Event{
		{ID: "e1", DatasetID: "ds-1", ImportJobID: "job-1", Batch: 0, Identity: "a", Revision: 1},
		{ID: "e2", DatasetID: "ds-1", ImportJobID: "job-1", Batch: 1, Identity: "a", Revision: 2},
	}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	ok, err := s.UpdateEventByIdentity(ctx, "ds-1", model.Event{
		ID: "ignored", ImportJobID: "job-2", Batch: 4, Identity: "a", Revision: 9,
	})
	if err != nil || !ok {
		t.Fatalf("UpdateEventByIdentity = (%v, %v), want (true, nil)", ok, err)
	}

	revs, _ := s.IdentityRevisions(ctx, "ds-1", "", []string{"a"})
	if revs["a"] != 2 {
		t.Fatalf("revision changed on update: %v", revs)
	}
	for _, ev := range s.events["ds-1"] {
		switch ev.ID {
		case "e1":
			if ev.ImportJobID != "job-1" {
				t.Fatalf("older revision overwritten: %+v", ev)
			}
		case "e2":
			if ev.ImportJobID != "job-2" || ev.Batch != 4 || ev.Revision != 2 {
				t.Fatalf("newest revision not overwritten in place: %+v", ev)
			}
		}
	}

	ok, err = s.UpdateEventByIdentity(ctx, "ds-1", model.Event{Identity: "missing"})
	if err != nil || ok {
		t.Fatalf("update of unknown identity = (%v, %v), want (false, nil)", ok, err)
	}
}
