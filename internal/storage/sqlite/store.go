// Package sqlite implements the storage.Store contract on SQLite through
// database/sql. Entities are stored as JSON documents with the queried
// columns lifted out, mirroring the Postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ingest/internal/model"
	"ingest/internal/storage"
)

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return New(ctx, cfg.DSN)
	})
}

const ddl = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id      TEXT PRIMARY KEY,
	stage   TEXT NOT NULL,
	version INTEGER NOT NULL,
	doc     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS import_jobs_stage_idx ON import_jobs (stage);

CREATE TABLE IF NOT EXISTS datasets (
	id      TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	doc     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_versions (
	dataset_id TEXT NOT NULL,
	number     INTEGER NOT NULL,
	doc        TEXT NOT NULL,
	PRIMARY KEY (dataset_id, number)
);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	job_id     TEXT NOT NULL,
	batch      INTEGER NOT NULL,
	identity   TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_identity_idx ON events (dataset_id, identity);
CREATE INDEX IF NOT EXISTS events_batch_idx ON events (dataset_id, job_id, batch);
`

// Store is a SQLite-backed storage.Store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dsn and applies the table
// definitions.
func New(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: bootstrap ddl: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) CreateJob(ctx context.Context, job *model.ImportJob) error {
	job.Version = 1
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_jobs (id, stage, version, doc) VALUES (?, ?, ?, ?)`,
		job.ID, string(job.Stage), job.Version, string(doc))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.ImportJob, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM import_jobs WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	var job model.ImportJob
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET stage = ?, version = ?, doc = ? WHERE id = ? AND version = ?`,
		string(next.Stage), next.Version, string(doc), job.ID, job.Version)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetJob(ctx, job.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("job %q version %d: %w", job.ID, job.Version, storage.ErrStaleWrite)
	}
	job.Version = next.Version
	return nil
}

func (s *Store) ListJobsByStage(ctx context.Context, stage model.Stage) ([]*model.ImportJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM import_jobs WHERE stage = ?`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("list jobs by stage %s: %w", stage, err)
	}
	defer rows.Close()
	var out []*model.ImportJob
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var job model.ImportJob
		if err := json.Unmarshal([]byte(doc), &job); err != nil {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, version, doc) VALUES (?, ?, ?)`,
		ds.ID, ds.Version, string(doc))
	if err != nil {
		return fmt.Errorf("insert dataset %s: %w", ds.ID, err)
	}
	return nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM datasets WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dataset %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select dataset %s: %w", id, err)
	}
	var ds model.Dataset
	if err := json.Unmarshal([]byte(doc), &ds); err != nil {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET version = ?, doc = ? WHERE id = ? AND version = ?`,
		next.Version, string(doc), ds.ID, ds.Version)
	if err != nil {
		return fmt.Errorf("update dataset %s: %w", ds.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema_versions (dataset_id, number, doc) VALUES (?, ?, ?)`,
		v.DatasetID, v.Number, string(doc))
	if err != nil {
		return fmt.Errorf("insert schema version %s/%d: %w", v.DatasetID, v.Number, err)
	}
	return nil
}

func (s *Store) GetSchemaVersion(ctx context.Context, datasetID string, number int) (*model.SchemaVersion, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM schema_versions WHERE dataset_id = ? AND number = ?`,
		datasetID, number).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schema version %s/%d: %w", datasetID, number, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select schema version %s/%d: %w", datasetID, number, err)
	}
	var v model.SchemaVersion
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("unmarshal schema version: %w", err)
	}
	return &v, nil
}

func (s *Store) LatestSchemaVersion(ctx context.Context, datasetID string) (*model.SchemaVersion, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM schema_versions WHERE dataset_id = ? ORDER BY number DESC LIMIT 1`,
		datasetID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dataset %q has no schema versions: %w", datasetID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select latest schema version %s: %w", datasetID, err)
	}
	var v model.SchemaVersion
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("unmarshal schema version: %w", err)
	}
	return &v, nil
}

func (s *Store) InsertEvents(ctx context.Context, evs []model.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, dataset_id, job_id, batch, identity, revision, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for i := range evs {
		ev := &evs[i]
		doc, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.DatasetID, ev.ImportJobID, ev.Batch, ev.Identity, ev.Revision, string(doc)); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteBatch(ctx context.Context, datasetID, jobID string, batch int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE dataset_id = ? AND job_id = ? AND batch = ?`,
		datasetID, jobID, batch)
	if err != nil {
		return 0, fmt.Errorf("delete batch %s/%s/%d: %w", datasetID, jobID, batch, err)
	}
	return res.RowsAffected()
}

func (s *Store) IdentityRevisions(ctx context.Context, datasetID, excludeJobID string, identities []string) (map[string]int, error) {
	out := map[string]int{}
	if len(identities) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(identities)+2)
	args = append(args, datasetID)
	placeholders := make([]string, len(identities))
	for i, id := range identities {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, excludeJobID, excludeJobID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, max(revision) FROM events
		 WHERE dataset_id = ? AND identity IN (`+strings.Join(placeholders, ",")+`)
		   AND (? = '' OR job_id <> ?)
		 GROUP BY identity`, args...)
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
	err := s.db.QueryRowContext(ctx,
		`SELECT id, revision FROM events
		 WHERE dataset_id = ? AND identity = ?
		 ORDER BY revision DESC LIMIT 1`,
		datasetID, ev.Identity).Scan(&id, &revision)
	if err == sql.ErrNoRows {
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
	if _, err := s.db.ExecContext(ctx,
		`UPDATE events SET job_id = ?, batch = ?, identity = ?, doc = ? WHERE id = ?`,
		ev.ImportJobID, ev.Batch, ev.Identity, string(doc), id); err != nil {
		return false, fmt.Errorf("update event %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) CountEvents(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE dataset_id = ?`, datasetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events %s: %w", datasetID, err)
	}
	return n, nil
}
