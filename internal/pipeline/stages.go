package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ingest/internal/dedup"
	"ingest/internal/metrics"
	"ingest/internal/model"
	"ingest/internal/queue"
	"ingest/internal/schema"
	"ingest/internal/schema/diff"
	"ingest/internal/schema/infer"
	"ingest/internal/schema/version"
	"ingest/internal/source"
	"ingest/internal/transformer"
	"ingest/pkg/records"
)

// openReader opens the job's source positioned at the first data row.
func (r *Runner) openReader(ctx context.Context, job *model.ImportJob) (*source.Reader, error) {
	rc, err := source.Open(ctx, job.Source, r.http)
	if err != nil {
		return nil, err
	}
	return source.NewReader(rc, job.Source.Delimiter, job.Source.HasHeader)
}

// restoreBuilder rebuilds the schema accumulator from the job's checkpoint.
func restoreBuilder(job *model.ImportJob) (*infer.Builder, error) {
	if len(job.SchemaBuilderState) == 0 {
		return nil, fmt.Errorf("job %s has no schema builder state", job.ID)
	}
	b, err := infer.UnmarshalState(job.SchemaBuilderState)
	if err != nil {
		return nil, fmt.Errorf("restore schema builder state: %w", err)
	}
	return b, nil
}

// detectSchema folds one batch of source records into the progressive schema
// builder and checkpoints the accumulator before the next batch is enqueued.
// Batch 0 starts from a fresh builder, so a replayed first delivery restarts
// cleanly instead of double-counting.
func (r *Runner) detectSchema(ctx context.Context, job *model.ImportJob, batch int) error {
	var b *infer.Builder
	if batch == 0 {
		b = infer.New()
	} else {
		var err error
		if b, err = restoreBuilder(job); err != nil {
			return err
		}
	}

	rd, err := r.openReader(ctx, job)
	if err != nil {
		return err
	}
	defer rd.Close()

	if err := rd.Skip(batch * r.batchSize); err != nil {
		return fmt.Errorf("skip to batch %d: %w", batch, err)
	}
	rows, rerr := rd.ReadBatch(r.batchSize)
	if rerr != nil && rerr != io.EOF {
		return fmt.Errorf("read batch %d: %w", batch, rerr)
	}

	batchRecs := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		batchRecs = append(batchRecs, row.Record)
	}
	if !b.ProcessBatch(batch, batchRecs) {
		// Late redelivery of an already-folded batch; the checkpoint already
		// covers it.
		log.Printf("pipeline: job=%s batch=%d already folded", job.ID, batch)
		return nil
	}

	state, err := b.MarshalState()
	if err != nil {
		return fmt.Errorf("checkpoint schema builder: %w", err)
	}
	job.SchemaBuilderState = state
	job.Progress.ProcessedRows = int64(batch*r.batchSize + len(rows))
	job.Progress.NextBatch = batch + 1
	metrics.RecordRow(r.metricsJob, "processed", int64(len(rows)))

	if rerr == io.EOF {
		job.Progress.TotalRows = job.Progress.ProcessedRows
		job.LastSuccessfulStage = model.StageDetectSchema
		job.Stage = model.StageValidateSchema
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: 0})
	}
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: batch + 1})
}

// validateSchema re-derives the inferred schema from the checkpoint and
// compares it against the dataset's active version. The comparison is stored
// on the job; the verdict is applied at the approval gate after duplicate
// analysis. A dataset with no active version skips comparison entirely.
func (r *Runner) validateSchema(ctx context.Context, job *model.ImportJob, ds *model.Dataset) error {
	b, err := restoreBuilder(job)
	if err != nil {
		return err
	}
	inferred := b.Schema()

	if ds.ActiveSchemaVersion > 0 {
		prev, err := r.store.GetSchemaVersion(ctx, ds.ID, ds.ActiveSchemaVersion)
		if err != nil {
			return fmt.Errorf("load active schema version %d: %w", ds.ActiveSchemaVersion, err)
		}
		cmp := diff.Compare(prev.Schema, inferred, diff.Policy{
			AutoApproveNonBreaking: ds.SchemaConfig.AutoApproveNonBreaking,
			Locked:                 ds.SchemaConfig.Locked,
		}, b.FieldMetadata())
		job.SchemaValidation = &cmp
	} else {
		job.SchemaValidation = nil
	}

	job.LastSuccessfulStage = model.StageValidateSchema
	job.Stage = model.StageAnalyzeDuplicates
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: 0})
}

// analyzeDuplicates walks the whole file in row order, classifies internal
// duplicates against earlier rows and external ones against stored events,
// then applies the schema versioning decision: auto-approvable drift advances
// to geocode-batch, anything else parks the job in await-approval.
func (r *Runner) analyzeDuplicates(ctx context.Context, job *model.ImportJob, ds *model.Dataset) error {
	idFn := dedup.NewIdentity(ds.IDStrategy)

	rd, err := r.openReader(ctx, job)
	if err != nil {
		return err
	}
	defer rd.Close()

	firstSeen := map[string]int{}
	var uniq []string
	var internal []model.InternalDuplicate
	for {
		row, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("scan for duplicates: %w", err)
		}
		id := idFn(row.Record)
		if first, ok := firstSeen[id]; ok {
			internal = append(internal, model.InternalDuplicate{
				Row:      row.Number,
				FirstRow: first,
				Identity: id,
			})
			continue
		}
		firstSeen[id] = row.Number
		uniq = append(uniq, id)
	}

	existing, err := r.store.IdentityRevisions(ctx, ds.ID, job.ID, uniq)
	if err != nil {
		return fmt.Errorf("look up stored identities: %w", err)
	}
	var external []model.ExternalDuplicate
	for id, rev := range existing {
		external = append(external, model.ExternalDuplicate{
			Row:      firstSeen[id],
			Identity: id,
			Revision: rev,
		})
	}
	sort.Slice(external, func(i, j int) bool { return external[i].Row < external[j].Row })

	job.Duplicates = model.DuplicateReport{Analyzed: true, Internal: internal, External: external}
	metrics.RecordRow(r.metricsJob, "duplicates_internal", int64(len(internal)))
	metrics.RecordRow(r.metricsJob, "duplicates_external", int64(len(external)))

	b, err := restoreBuilder(job)
	if err != nil {
		return err
	}
	decision, err := r.versions.Resolve(ctx, ds, job, b.Schema(), b.FieldMetadata(), job.SchemaValidation)
	if err != nil {
		return fmt.Errorf("resolve schema version: %w", err)
	}

	job.LastSuccessfulStage = model.StageAnalyzeDuplicates
	if decision == version.DecisionNeedsApproval {
		job.Stage = model.StageAwaitApproval
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		log.Printf("pipeline: job=%s parked in %s awaiting schema approval", job.ID, job.Stage)
		return nil
	}
	job.Stage = model.StageGeocodeBatch
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: 0})
}

// geocodeBatch resolves addresses for one batch of rows that lack usable
// coordinates, filling the job's geocode cache. Individual lookup failures
// skip the row rather than failing the stage. Datasets without geocoding
// enabled fall straight through to create-events.
func (r *Runner) geocodeBatch(ctx context.Context, job *model.ImportJob, ds *model.Dataset, batch int) error {
	if !ds.GeocodeConfig.Enabled || ds.GeocodeConfig.AddressField == "" {
		job.LastSuccessfulStage = model.StageGeocodeBatch
		job.Stage = model.StageCreateEvents
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: 0})
	}

	b, err := restoreBuilder(job)
	if err != nil {
		return err
	}
	geoFields := b.DetectedGeoFields()

	rd, err := r.openReader(ctx, job)
	if err != nil {
		return err
	}
	defer rd.Close()
	if err := rd.Skip(batch * r.batchSize); err != nil {
		return fmt.Errorf("skip to batch %d: %w", batch, err)
	}
	rows, rerr := rd.ReadBatch(r.batchSize)
	if rerr != nil && rerr != io.EOF {
		return fmt.Errorf("read batch %d: %w", batch, rerr)
	}

	if job.GeocodeCache == nil {
		job.GeocodeCache = map[string]model.GeoPoint{}
	}
	var pending []string
	seen := map[string]bool{}
	for _, row := range rows {
		if lat, lon := rowCoords(row.Record, geoFields); lat != nil && lon != nil {
			continue
		}
		addr, ok := addressOf(row.Record, ds.GeocodeConfig.AddressField)
		if !ok || seen[addr] {
			continue
		}
		if _, cached := job.GeocodeCache[addr]; cached {
			continue
		}
		seen[addr] = true
		pending = append(pending, addr)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.geoParallel)
	for _, addr := range pending {
		addr := addr
		g.Go(func() error {
			pt, ok, err := r.geo.Geocode(gctx, addr)
			if err != nil {
				log.Printf("pipeline: job=%s geocode %q: %v", job.ID, addr, err)
				return nil
			}
			if !ok {
				return nil
			}
			mu.Lock()
			job.GeocodeCache[addr] = pt
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	job.Progress.NextBatch = batch + 1
	if rerr == io.EOF {
		job.LastSuccessfulStage = model.StageGeocodeBatch
		job.Stage = model.StageCreateEvents
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: 0})
	}
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: batch + 1})
}

// createEvents promotes one batch of rows to events under the dataset's
// dedup strategy. The engine must see every identity from the start of the
// file, so rows before the batch are replayed for their decisions; replay is
// deterministic, which keeps redelivered batches byte-identical. The batch's
// previous output is deleted before inserting, so redelivery cannot
// double-count.
func (r *Runner) createEvents(ctx context.Context, job *model.ImportJob, ds *model.Dataset, batch int) error {
	idFn := dedup.NewIdentity(ds.IDStrategy)

	b, err := restoreBuilder(job)
	if err != nil {
		return err
	}
	geoFields := b.DetectedGeoFields()

	// Stored fields are typed under the accepted schema; the raw strings are
	// only used for identity hashing, which both analysis passes share.
	coercer := transformer.ForSchema(schema.Schema{})
	if ds.ActiveSchemaVersion > 0 {
		sv, err := r.store.GetSchemaVersion(ctx, ds.ID, ds.ActiveSchemaVersion)
		if err != nil {
			return fmt.Errorf("load active schema version %d: %w", ds.ActiveSchemaVersion, err)
		}
		coercer = transformer.ForSchema(sv.Schema)
	}

	rd, err := r.openReader(ctx, job)
	if err != nil {
		return err
	}
	defer rd.Close()

	// Single pass: identities for every row through the end of this batch,
	// full rows for the batch window only.
	start := batch * r.batchSize
	end := start + r.batchSize
	var allIDs []string
	var batchRows []source.Row
	final := false
	for len(allIDs) < end {
		row, err := rd.Read()
		if err == io.EOF {
			final = true
			break
		}
		if err != nil {
			return fmt.Errorf("read rows for batch %d: %w", batch, err)
		}
		allIDs = append(allIDs, idFn(row.Record))
		if row.Number > start {
			batchRows = append(batchRows, row)
		}
	}
	if !final {
		// Peek one row to learn whether this batch ends the file.
		if _, err := rd.Read(); err == io.EOF {
			final = true
		} else if err != nil {
			return fmt.Errorf("read rows for batch %d: %w", batch, err)
		}
	}

	uniq := make([]string, 0, len(allIDs))
	seen := map[string]bool{}
	for _, id := range allIDs {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	existing, err := r.store.IdentityRevisions(ctx, ds.ID, job.ID, uniq)
	if err != nil {
		return fmt.Errorf("look up stored identities: %w", err)
	}

	eng := dedup.NewEngine(ds.DedupConfig, existing)
	var inserted, updated, skipped int64
	decisions := make([]dedup.Decision, 0, len(batchRows))
	for i, id := range allIDs {
		d := eng.Decide(id)
		switch d.Action {
		case dedup.ActionInsert:
			inserted++
		case dedup.ActionUpdate:
			updated++
		case dedup.ActionSkip:
			skipped++
		}
		if i >= start {
			decisions = append(decisions, d)
		}
	}

	if _, err := r.store.DeleteBatch(ctx, ds.ID, job.ID, batch); err != nil {
		return fmt.Errorf("clear batch %d output: %w", batch, err)
	}

	now := r.now().UTC()
	evs := make([]model.Event, 0, len(decisions))
	for i, d := range decisions {
		row := batchRows[i]
		fields := coercer.Apply(row.Record)
		lat, lon := rowCoords(fields, geoFields)
		if lat == nil || lon == nil {
			if addr, ok := addressOf(fields, ds.GeocodeConfig.AddressField); ok {
				if pt, cached := job.GeocodeCache[addr]; cached {
					lat, lon = &pt.Lat, &pt.Lon
				}
			}
		}
		switch d.Action {
		case dedup.ActionInsert:
			evs = append(evs, model.Event{
				ID:          r.newID(),
				DatasetID:   ds.ID,
				ImportJobID: job.ID,
				Batch:       batch,
				Identity:    d.Identity,
				Revision:    d.Revision,
				Fields:      fields,
				Latitude:    lat,
				Longitude:   lon,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		case dedup.ActionUpdate:
			if _, err := r.store.UpdateEventByIdentity(ctx, ds.ID, model.Event{
				ImportJobID: job.ID,
				Batch:       batch,
				Identity:    d.Identity,
				Fields:      fields,
				Latitude:    lat,
				Longitude:   lon,
				UpdatedAt:   now,
			}); err != nil {
				return fmt.Errorf("update event %s: %w", d.Identity, err)
			}
		}
	}
	if err := r.store.InsertEvents(ctx, evs); err != nil {
		return fmt.Errorf("insert batch %d events: %w", batch, err)
	}

	// Totals are re-derived from the replayed decisions, so a redelivered
	// batch writes the same numbers instead of compounding them.
	job.Progress.EventsCreated = inserted
	job.Progress.RowsUpdated = updated
	job.Progress.RowsSkipped = skipped
	job.Progress.NextBatch = batch + 1
	metrics.RecordRow(r.metricsJob, "events_created", int64(len(evs)))

	if final {
		job.LastSuccessfulStage = model.StageCreateEvents
		job.Stage = model.StageCompleted
		if err := r.saveJob(ctx, job); err != nil {
			return err
		}
		log.Printf("pipeline: job=%s completed events=%d updated=%d skipped=%d",
			job.ID, job.Progress.EventsCreated, job.Progress.RowsUpdated, job.Progress.RowsSkipped)
		return nil
	}
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, queue.Invocation{JobID: job.ID, Batch: batch + 1})
}

// rowCoords extracts usable coordinates from a row via the detected
// latitude/longitude fields.
func rowCoords(rec records.Record, geo *infer.GeoFields) (*float64, *float64) {
	if geo == nil || geo.Latitude == "" || geo.Longitude == "" {
		return nil, nil
	}
	lat, ok := coordValue(rec[geo.Latitude])
	if !ok {
		return nil, nil
	}
	lon, ok := coordValue(rec[geo.Longitude])
	if !ok {
		return nil, nil
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, nil
	}
	return &lat, &lon
}

func coordValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// addressOf reads the configured address field from a row.
func addressOf(rec records.Record, field string) (string, bool) {
	if field == "" {
		return "", false
	}
	s, ok := rec[field].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
