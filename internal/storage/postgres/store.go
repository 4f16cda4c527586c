// Package postgres implements the storage.Store contract on Postgres using
// pgx v5. Entities are stored as JSONB documents with the columns the queries
// filter on lifted out, so the schema stays stable while the domain types
// evolve.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest/internal/model"
	"ingest/internal/storage"
)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return New(ctx, cfg.DSN)
	})
}

const ddl = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id      text PRIMARY KEY,
	stage   text NOT NULL,
	version bigint NOT NULL,
	doc     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS import_jobs_stage_idx ON import_jobs (stage);

CREATE TABLE IF NOT EXISTS datasets (
	id      text PRIMARY KEY,
	version bigint NOT NULL,
	doc     jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_versions (
	dataset_id text NOT NULL,
	number     integer NOT NULL,
	doc        jsonb NOT NULL,
	PRIMARY KEY (dataset_id, number)
);

CREATE TABLE IF NOT EXISTS events (
	id         text PRIMARY KEY,
	dataset_id text NOT NULL,
	job_id     text NOT NULL,
	batch      integer NOT NULL,
	identity   text NOT NULL,
	revision   integer NOT NULL,
	doc        jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS events_identity_idx ON events (dataset_id, identity);
CREATE INDEX IF NOT EXISTS events_batch_idx ON events (dataset_id, job_id, batch);
`

// Store is a Postgres-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool for dsn and creates the tables if they do not
// exist yet.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap ddl: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateJob(ctx context.Context, job *model.ImportJob) error {
	job.Version = 1
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO import_jobs (id, stage, version, doc) VALUES ($1, $2, $3, $4)`,
		job.ID, string(job.Stage), job.Version, doc)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.ImportJob, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM import_jobs WHERE id = $1`, id).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	var job model.ImportJob
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *model.ImportJob) error {
	next := *job
	next.Version = job.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET stage = $1, version = $2, doc = $3 WHERE id = $4 AND version = $5`,
		string(next.Stage), next.Version, doc, job.ID, job.Version)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, job.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("job %q version %d: %w", job.ID, job.Version, storage.ErrStaleWrite)
	}
	job.Version = next.Version
	return nil
}

func (s *Store) ListJobsByStage(ctx context.Context, stage model.Stage) ([]*model.ImportJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM import_jobs WHERE stage = $1`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("list jobs by stage %s: %w", stage, err)
	}
	defer rows.Close()
	var out []*model.ImportJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var job model.ImportJob
		if err := json.Unmarshal(doc, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (s *Store) CreateDataset(ctx context.Context, ds *model.Dataset) error {
	ds.Version = 1
	doc, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO datasets (id, version, doc) VALUES ($1, $2, $3)`,
		ds.ID, ds.Version, doc)
	if err != nil {
		return fmt.Errorf("insert dataset %s: %w", ds.ID, err)
	}
	return nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM datasets WHERE id = $1`, id).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("dataset %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select dataset %s: %w", id, err)
	}
	var ds model.Dataset
	if err := json.Unmarshal(doc, &ds); err != nil {
		return nil, fmt.Errorf("unmarshal dataset %s: %w", id, err)
	}
	return &ds, nil
}

func (s *Store) UpdateDataset(ctx context.Context, ds *model.Dataset) error {
	next := *ds
	next.Version = ds.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE datasets SET version = $1, doc = $2 WHERE id = $3 AND version = $4`,
		next.Version, doc, ds.ID, ds.Version)
	if err != nil {
		return fmt.Errorf("update dataset %s: %w", ds.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetDataset(ctx, ds.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("dataset %q version %d: %w", ds.ID, ds.Version, storage.ErrStaleWrite)
	}
	ds.Version = next.Version
	return nil
}

func (s *Store) AppendSchemaVersion(ctx context.Context, v *model.SchemaVersion) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal schema version: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO schema_versions (dataset_id, number, doc) VALUES ($1, $2, $3)`,
		v.DatasetID, v.Number, doc)
	if err != nil {
		return fmt.Errorf("insert schema version %s/%d: %w", v.DatasetID, v.Number, err)
	}
	return nil
}

func (s *Store) GetSchemaVersion(ctx context.Context, datasetID string, number int) (*model.SchemaVersion, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM schema_versions WHERE dataset_id = $1 AND number = $2`,
		datasetID, number).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("schema version %s/%d: %w", datasetID, number, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select schema version %s/%d: %w", datasetID, number, err)
	}
	var v model.SchemaVersion
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("unmarshal schema version: %w", err)
	}
	return &v, nil
}

func (s *Store) LatestSchemaVersion(ctx context.Context, datasetID string) (*model.SchemaVersion, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM schema_versions WHERE dataset_id = $1 ORDER BY number DESC LIMIT 1`,
		datasetID).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("dataset %q has no schema versions: %w", datasetID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select latest schema version %s: %w", datasetID, err)
	}
	var v model.SchemaVersion
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("unmarshal schema version: %w", err)
	}
	return &v, nil
}

func (s *Store) InsertEvents(ctx context.Context, evs []model.Event) error {
	if len(evs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range evs {
		ev := &evs[i]
		doc, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		batch.Queue(
			`INSERT INTO events (id, dataset_id, job_id, batch, identity, revision, doc)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, ev.DatasetID, ev.ImportJobID, ev.Batch, ev.Identity, ev.Revision, doc)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range evs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
	}
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, datasetID, jobID string, batch int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE dataset_id = $1 AND job_id = $2 AND batch = $3`,
		datasetID, jobID, batch)
	if err != nil {
		return 0, fmt.Errorf("delete batch %s/%s/%d: %w", datasetID, jobID, batch, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) IdentityRevisions(ctx context.Context, datasetID, excludeJobID string, identities []string) (map[string]int, error) {
	out := map[string]int{}
	if len(identities) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT identity, max(revision) FROM events
		 WHERE dataset_id = $1 AND identity = ANY($2)
		   AND ($3 = '' OR job_id <> $3)
		 GROUP BY identity`,
		datasetID, identities, excludeJobID)
	if err != nil {
		return nil, fmt.Errorf("identity revisions %s: %w", datasetID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var identity string
		var rev int
		if err := rows.Scan(&identity, &rev); err != nil {
			return nil, err
		}
		out[identity] = rev
	}
	return out, rows.Err()
}

func (s *Store) UpdateEventByIdentity(ctx context.Context, datasetID string, ev model.Event) (bool, error) {
	var id string
	var revision int
	err := s.pool.QueryRow(ctx,
		`SELECT id, revision FROM events
		 WHERE dataset_id = $1 AND identity = $2
		 ORDER BY revision DESC LIMIT 1`,
		datasetID, ev.Identity).Scan(&id, &revision)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find event by identity: %w", err)
	}
	ev.ID = id
	ev.DatasetID = datasetID
	ev.Revision = revision
	doc, err := json.Marshal(&ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE events SET job_id = $1, batch = $2, identity = $3, doc = $4 WHERE id = $5`,
		ev.ImportJobID, ev.Batch, ev.Identity, doc, id)
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) CountEvents(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM events WHERE dataset_id = $1`, datasetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events %s: %w", datasetID, err)
	}
	return n, nil
}
