package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ingest/internal/geocode"
	"ingest/internal/model"
	"ingest/internal/queue"
	"ingest/internal/storage/memory"
)

func writeCSV(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.TrimLeft(body, "\n")), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newDataset(t *testing.T, st *memory.Store, ds *model.Dataset) {
	t.Helper()
	if err := st.CreateDataset(context.Background(), ds); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
}

// drain pops and handles invocations until the queue is empty. handleTwice
// simulates at-least-once redelivery by handling every invocation two times.
func drain(t *testing.T, r *Runner, q *queue.Memory, handleTwice bool) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		inv, ok := q.Pop()
		if !ok {
			return
		}
		if err := r.Handle(context.Background(), inv); err != nil {
			t.Fatalf("Handle(%+v): %v", inv, err)
		}
		if handleTwice {
			if err := r.Handle(context.Background(), inv); err != nil {
				t.Fatalf("redelivered Handle(%+v): %v", inv, err)
			}
		}
	}
	t.Fatal("queue did not drain")
}

func fileSource(path string) model.SourceSpec {
	return model.SourceSpec{Kind: model.SourceFile, Path: path, HasHeader: true}
}

const peopleCSV = `
name,age,city
alice,30,berlin
bob,25,hamburg
alice,30,berlin
carol,41,munich
dave,19,berlin
`

func TestImport_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRunner(st, q, WithBatchSize(2))

	newDataset(t, st, &model.Dataset{
		ID:          "ds-1",
		Name:        "people",
		DedupConfig: model.DedupConfig{Enabled: true, Strategy: model.DedupSkip},
		IDStrategy:  model.IDStrategy{Kind: model.IDComputed},
	})

	path := writeCSV(t, "people.csv", peopleCSV)
	job, err := r.SubmitJob(ctx, "ds-1", fileSource(path))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	drain(t, r, q, false)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Stage != model.StageCompleted {
		t.Fatalf("stage = %s, want %s (lastError: %s)", got.Stage, model.StageCompleted, got.ErrorLog.LastError)
	}
	if got.Progress.TotalRows != 5 {
		t.Errorf("TotalRows = %d, want 5", got.Progress.TotalRows)
	}
	if got.Progress.EventsCreated != 4 || got.Progress.RowsSkipped != 1 {
		t.Errorf("progress = %+v, want 4 created / 1 skipped", got.Progress)
	}
	if !got.Duplicates.Analyzed || len(got.Duplicates.Internal) != 1 {
		t.Errorf("duplicates = %+v, want 1 internal", got.Duplicates)
	}
	if got.Duplicates.Internal[0].Row != 3 || got.Duplicates.Internal[0].FirstRow != 1 {
		t.Errorf("internal duplicate = %+v, want row 3 of first row 1", got.Duplicates.Internal[0])
	}

	ds, _ := st.GetDataset(ctx, "ds-1")
	if ds.ActiveSchemaVersion != 1 {
		t.Errorf("ActiveSchemaVersion = %d, want 1", ds.ActiveSchemaVersion)
	}
	sv, err := st.GetSchemaVersion(ctx, "ds-1", 1)
	if err != nil {
		t.Fatalf("GetSchemaVersion: %v", err)
	}
	if _, ok := sv.Schema.Fields["name"]; !ok {
		t.Errorf("schema version 1 missing field name: %+v", sv.Schema.Fields)
	}
	if !sv.AutoApproved || sv.ApprovalRequired {
		t.Errorf("first version approval = %+v", sv)
	}
	if _, ok := sv.FieldMetadata["name"]; !ok {
		t.Errorf("schema version 1 missing field metadata: %v", sv.FieldMetadata)
	}
	if len(sv.ImportSources) != 1 || sv.ImportSources[0] != job.ID {
		t.Errorf("ImportSources = %v, want [%s]", sv.ImportSources, job.ID)
	}

	n, _ := st.CountEvents(ctx, "ds-1")
	if n != 4 {
		t.Errorf("CountEvents = %d, want 4", n)
	}
}

// Redelivering every invocation must not change the outcome: handlers
// re-derive their state from the job and rewrite batches in place.
func TestImport_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRunner(st, q, WithBatchSize(2))

	newDataset(t, st, &model.Dataset{
		ID:          "ds-1",
		Name:        "people",
		DedupConfig: model.DedupConfig{Enabled: true, Strategy: model.DedupSkip},
		IDStrategy:  model.IDStrategy{Kind: model.IDComputed},
	})

	path := writeCSV(t, "people.csv", peopleCSV)
	job, err := r.SubmitJob(ctx, "ds-1", fileSource(path))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	drain(t, r, q, true)

	got, _ := st.GetJob(ctx, job.ID)
	if got.Stage != model.StageCompleted {
		t.Fatalf("stage = %s, want %s (lastError: %s)", got.Stage, model.StageCompleted, got.ErrorLog.LastError)
	}
	if got.Progress.EventsCreated != 4 || got.Progress.RowsSkipped != 1 {
		t.Errorf("progress = %+v, want 4 created / 1 skipped", got.Progress)
	}
	n, _ := st.CountEvents(ctx, "ds-1")
	if n != 4 {
		t.Errorf("CountEvents = %d, want 4", n)
	}
	ds, _ := st.GetDataset(ctx, "ds-1")
	if ds.ActiveSchemaVersion != 1 {
		t.Errorf("ActiveSchemaVersion = %d, want 1", ds.ActiveSchemaVersion)
	}
}

// A second import that adds a column parks in await-approval when the dataset
// does not allow schema growth; approval versions the schema and resumes the
// import.
func TestImport_NewFieldNeedsApproval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRunner(st, q, WithBatchSize(2))

	newDataset(t, st, &model.Dataset{
		ID:   "ds-1",
		Name: "people",
		SchemaConfig: model.SchemaConfig{
			AutoGrow:               false,
			AutoApproveNonBreaking: true,
		},
		DedupConfig: model.DedupConfig{Enabled: true, Strategy: model.DedupSkip},
		IDStrategy:  model.IDStrategy{Kind: model.IDComputed},
	})

	first := writeCSV(t, "v1.csv", peopleCSV)
	if _, err := r.SubmitJob(ctx, "ds-1", fileSource(first)); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	drain(t, r, q, false)

	second := writeCSV(t, "v2.csv", `
name,age,city,email
erin,52,bremen,erin@example.net
`)
	job2, err := r.SubmitJob(ctx, "ds-1", fileSource(second))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	drain(t, r, q, false)

	got, _ := st.GetJob(ctx, job2.ID)
	if got.Stage != model.StageAwaitApproval {
		t.Fatalf("stage = %s, want %s (lastError: %s)", got.Stage, model.StageAwaitApproval, got.ErrorLog.LastError)
	}
	if got.PendingSchema == nil {
		t.Fatal("PendingSchema not set")
	}
	if got.SchemaValidation == nil || len(got.SchemaValidation.Changes) == 0 {
		t.Fatal("SchemaValidation not stored")
	}
	ds, _ := st.GetDataset(ctx, "ds-1")
	if ds.ActiveSchemaVersion != 1 {
		t.Fatalf("ActiveSchemaVersion = %d, want 1 while parked", ds.ActiveSchemaVersion)
	}

	if err := r.ApprovePendingSchema(ctx, job2.ID, "ops@example.net"); err != nil {
		t.Fatalf("ApprovePendingSchema: %v", err)
	}
	drain(t, r, q, false)

	got, _ = st.GetJob(ctx, job2.ID)
	if got.Stage != model.StageCompleted {
		t.Fatalf("stage after approval = %s, want %s (lastError: %s)", got.Stage, model.StageCompleted, got.ErrorLog.LastError)
	}
	if got.PendingSchema != nil {
		t.Error("PendingSchema should be cleared after approval")
	}
	ds, _ = st.GetDataset(ctx, "ds-1")
	if ds.ActiveSchemaVersion != 2 {
		t.Errorf("ActiveSchemaVersion = %d, want 2", ds.ActiveSchemaVersion)
	}
	sv, err := st.GetSchemaVersion(ctx, "ds-1", 2)
	if err != nil {
		t.Fatalf("GetSchemaVersion(2): %v", err)
	}
	if sv.ApprovedBy != "ops@example.net" || sv.AutoApproved || !sv.ApprovalRequired {
		t.Errorf("version approval = %+v", sv)
	}
	if _, ok := sv.FieldMetadata["email"]; !ok {
		t.Errorf("approved version missing field metadata: %v", sv.FieldMetadata)
	}
}

func TestImport_RejectPendingSchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRunner(st, q, WithBatchSize(2))

	newDataset(t, st, &model.Dataset{
		ID:           "ds-1",
		Name:         "people",
		SchemaConfig: model.SchemaConfig{Locked: true},
		IDStrategy:   model.IDStrategy{Kind: model.IDComputed},
	})

	// Locked dataset: even the first schema needs approval.
	path := writeCSV(t, "people.csv", peopleCSV)
	job, err := r.SubmitJob(ctx, "ds-1", fileSource(path))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	drain(t, r, q, false)

	got, _ := st.GetJob(ctx, job.ID)
	if got.Stage != model.StageAwaitApproval {
		t.Fatalf("stage = %s, want %s", got.Stage, model.StageAwaitApproval)
	}

	if err := r.RejectPendingSchema(ctx, job.ID, "wrong column mapping"); err != nil {
		t.Fatalf("RejectPendingSchema: %v", err)
	}
	got, _ = st.GetJob(ctx, job.ID)
	if got.Stage != model.StageFailed {
		t.Fatalf("stage = %s, want %s", got.Stage, model.StageFailed)
	}
	if !strings.Contains(got.ErrorLog.LastError, "wrong column mapping") {
		t.Errorf("LastError = %q", got.ErrorLog.LastError)
	}
	ds, _ := st.GetDataset(ctx, "ds-1")
	if ds.ActiveSchemaVersion != 0 {
		t.Errorf("ActiveSchemaVersion = %d, want 0 after rejection", ds.ActiveSchemaVersion)
	}
	if n, _ := st.CountEvents(ctx, "ds-1"); n != 0 {
		t.Errorf("CountEvents = %d, want 0 after rejection", n)
	}
}

// Re-importing the same file under the version strategy keeps both copies:
// every identity gains a second revision.
func TestImport_VersionStrategyCreatesRevisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRunner(st, q, WithBatchSize(2))

	newDataset(t, st, &model.Dataset{
		ID:          "ds-1",
		Name:        "people",
		DedupConfig: model.DedupConfig{Enabled: true, Strategy: model.DedupVersion},
		IDStrategy:  model.IDStrategy{Kind: model.IDExternal, ExternalField: "name"},
	})

	body := `
name,age
alice,30
bob,25
`
	for i := 0; i < 2; i++ {
		path := writeCSV(t, "people.csv", body)
		if _, err := r.SubmitJob(ctx, "ds-1", fileSource(path)); err != nil {
			t.Fatalf("SubmitJob %d: %v", i, err)
		}
		drain(t, r, q, false)
	}

	if n, _ := st.CountEvents(ctx, "ds-1"); n != 4 {
		t.Fatalf("CountEvents = %d, want 4", n)
	}
	// Both identities should now be at revision 2.
	jobs, _ := st.ListJobsByStage(ctx, model.StageCompleted)
	if len(jobs) != 2 {
		t.Fatalf("completed jobs = %d, want 2", len(jobs))
	}
	revs, err := st.IdentityRevisions(ctx, "ds-1", "", []string{"ext:alice", "ext:bob"})
	if err != nil {
		t.Fatalf("IdentityRevisions: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("distinct identities = %d, want 2 (%v)", len(revs), revs)
	}
	for id, rev := range revs {
		if rev != 2 {
			t.Errorf("identity %s at revision %d, want 2", id, rev)
		}
	}
}

func TestImport_MissingFileFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRunner(st, q)

	newDataset(t, st, &model.Dataset{ID: "ds-1", Name: "people"})

	job, err := r.SubmitJob(ctx, "ds-1", fileSource(filepath.Join(t.TempDir(), "absent.csv")))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	drain(t, r, q, false)

	got, _ := st.GetJob(ctx, job.ID)
	if got.Stage != model.StageFailed {
		t.Fatalf("stage = %s, want %s", got.Stage, model.StageFailed)
	}
	if got.ErrorLog.LastFailedStage != model.StageDetectSchema {
		t.Errorf("LastFailedStage = %s", got.ErrorLog.LastFailedStage)
	}
	if got.ErrorLog.LastError == "" || got.ErrorLog.FailedAt == nil {
		t.Errorf("error surface not stamped: %+v", got.ErrorLog)
	}
}

// fixedGeocoder resolves every address to the same point.
type fixedGeocoder struct {
	pt model.GeoPoint
}

func (f fixedGeocoder) Geocode(ctx context.Context, address string) (model.GeoPoint, bool, error) {
	return f.pt, true, nil
}

var _ geocode.Geocoder = fixedGeocoder{}

func TestImport_GeocodeFillsCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	want := model.GeoPoint{Lat: 52.52, Lon: 13.405}
	r := NewRunner(st, q,
		WithBatchSize(2),
		WithGeocoder(fixedGeocoder{pt: want}),
	)

	newDataset(t, st, &model.Dataset{
		ID:            "ds-1",
		Name:          "incidents",
		IDStrategy:    model.IDStrategy{Kind: model.IDComputed},
		GeocodeConfig: model.GeocodeConfig{Enabled: true, AddressField: "address"},
	})

	path := writeCSV(t, "incidents.csv", `
title,address,latitude,longitude
theft,Alexanderplatz 1 Berlin,,
noise,Kurfuerstendamm 10 Berlin,48.1,11.5
`)
	job, err := r.SubmitJob(ctx, "ds-1", fileSource(path))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	drain(t, r, q, false)

	got, _ := st.GetJob(ctx, job.ID)
	if got.Stage != model.StageCompleted {
		t.Fatalf("stage = %s, want %s (lastError: %s)", got.Stage, model.StageCompleted, got.ErrorLog.LastError)
	}
	pt, ok := got.GeocodeCache["Alexanderplatz 1 Berlin"]
	if !ok || pt != want {
		t.Errorf("GeocodeCache = %+v, want %v cached", got.GeocodeCache, want)
	}
	if _, ok := got.GeocodeCache["Kurfuerstendamm 10 Berlin"]; ok {
		t.Error("row with usable coordinates should not be geocoded")
	}
}
