package model

import (
	"encoding/json"
	"time"

	"ingest/internal/schema"
	"ingest/internal/schema/diff"
	"ingest/internal/schema/infer"
)

// ImportJob is one unit of work processing one dataset's worth of source
// rows. It is owned exclusively by the pipeline: created when an import file
// is accepted, mutated only by stage handlers and the recovery service, and
// terminal once completed (or abandoned in failed after max retries).
type ImportJob struct {
	ID        string `json:"id"`
	DatasetID string `json:"datasetId"`

	Source SourceSpec `json:"source"`

	Stage               Stage `json:"stage"`
	LastSuccessfulStage Stage `json:"lastSuccessfulStage,omitempty"`

	RetryAttempts int        `json:"retryAttempts"`
	LastRetryAt   *time.Time `json:"lastRetryAt,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`

	ErrorLog ErrorLog `json:"errorLog"`

	// SchemaBuilderState is the serialized accumulator snapshot (the
	// crash-recovery checkpoint); see the infer package.
	SchemaBuilderState json.RawMessage `json:"schemaBuilderState,omitempty"`

	Duplicates DuplicateReport `json:"duplicates"`

	// SchemaValidation is the comparator result from validate-schema.
	SchemaValidation *diff.Comparison `json:"schemaValidation,omitempty"`

	// PendingSchema holds the inferred schema awaiting manual approval while
	// the job parks in await-approval.
	PendingSchema *PendingSchema `json:"pendingSchema,omitempty"`

	// GeocodeCache maps address strings to resolved coordinates, filled by
	// the geocode-batch stage and consumed by create-events.
	GeocodeCache map[string]GeoPoint `json:"geocodeCache,omitempty"`

	Progress Progress `json:"progress"`

	// Version is the optimistic-concurrency counter checked by repository
	// writes; a stale write is rejected with storage.ErrStaleWrite.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Source kinds understood by the source package.
const (
	SourceFile = "file"
	SourceHTTP = "http"
)

// SourceSpec locates the job's source data.
type SourceSpec struct {
	// Kind selects the source implementation: "file" or "http".
	Kind string `json:"kind"`

	// Path is the local file path for the "file" kind.
	Path string `json:"path,omitempty"`

	// URL is the remote location for the "http" kind.
	URL string `json:"url,omitempty"`

	// Delimiter is the CSV delimiter; empty means comma.
	Delimiter string `json:"delimiter,omitempty"`

	// HasHeader is true when the first row names the columns.
	HasHeader bool `json:"hasHeader"`
}

// ErrorLog is the job's failure surface: the last raw error plus the
// structured recovery and reset history. History entries are appended, never
// overwritten.
type ErrorLog struct {
	LastError       string     `json:"lastError,omitempty"`
	LastFailedStage Stage      `json:"lastFailedStage,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`

	Recoveries []RecoveryEntry `json:"recoveries,omitempty"`
	Resets     []ResetEntry    `json:"resets,omitempty"`
}

// RecoveryEntry records one scheduled retry.
type RecoveryEntry struct {
	At          time.Time `json:"at"`
	Attempt     int       `json:"attempt"`
	ResumeStage Stage     `json:"resumeStage"`
	Delay       string    `json:"delay"`
	ErrorType   string    `json:"errorType"`
}

// ResetEntry records one manual operator reset.
type ResetEntry struct {
	ResetAt       time.Time `json:"resetAt"`
	PreviousStage Stage     `json:"previousStage"`
	TargetStage   Stage     `json:"targetStage"`
	ClearedRetry  bool      `json:"clearedRetries"`
}

// DuplicateReport lists the duplicates found by analyze-duplicates.
type DuplicateReport struct {
	// Analyzed is true once duplicate analysis has run for this job;
	// create-events re-derives the report when it is false.
	Analyzed bool `json:"analyzed"`

	Internal []InternalDuplicate `json:"internal,omitempty"`
	External []ExternalDuplicate `json:"external,omitempty"`
}

// InternalDuplicate marks a row duplicating an earlier row of the same import.
type InternalDuplicate struct {
	Row      int    `json:"row"`
	FirstRow int    `json:"firstRow"`
	Identity string `json:"identity"`
}

// ExternalDuplicate marks a row duplicating an event persisted by a prior
// import of the dataset. Revision is the highest stored revision the
// identity had when the analysis ran.
type ExternalDuplicate struct {
	Row      int    `json:"row"`
	Identity string `json:"identity"`
	Revision int    `json:"revision"`
}

// PendingSchema is the inferred schema and its statistics parked on a job
// that awaits manual approval.
type PendingSchema struct {
	Schema        schema.Schema                `json:"schema"`
	FieldMetadata map[string]*infer.FieldStats `json:"fieldMetadata,omitempty"`
	ProposedAt    time.Time                    `json:"proposedAt"`
}

// GeoPoint is a resolved coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Progress tracks row bookkeeping. Counts are always written as
// authoritative totals recomputed from batch arithmetic, never incremented
// blindly, so redelivered batches cannot double-count.
type Progress struct {
	ProcessedRows int64 `json:"processedRows"`
	TotalRows     int64 `json:"totalRows"`

	// NextBatch is the next batch number the current stage expects.
	NextBatch int `json:"nextBatch"`

	// EventsCreated is the number of events promoted so far.
	EventsCreated int64 `json:"eventsCreated"`

	// RowsSkipped counts rows excluded by dedup resolution.
	RowsSkipped int64 `json:"rowsSkipped"`

	// RowsUpdated counts existing events overwritten under the update strategy.
	RowsUpdated int64 `json:"rowsUpdated"`
}

// RecordFailure stamps the error surface for a stage failure and moves the
// job to failed. The raw message is preserved verbatim for the classifier.
func (j *ImportJob) RecordFailure(stage Stage, msg string, now time.Time) {
	j.Stage = StageFailed
	j.ErrorLog.LastError = msg
	j.ErrorLog.LastFailedStage = stage
	t := now.UTC()
	j.ErrorLog.FailedAt = &t
}
