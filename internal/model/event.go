package model

import (
	"time"

	"ingest/pkg/records"
)

// Event is one imported row materialized in the destination store.
type Event struct {
	ID          string `json:"id"`
	DatasetID   string `json:"datasetId"`
	ImportJobID string `json:"importJobId"`

	// Batch is the source batch the row arrived in, used to make batch
	// replays idempotent.
	Batch int `json:"batch"`

	// Identity is the deduplication identity of the row within its dataset.
	Identity string `json:"identity"`

	// Revision distinguishes retained occurrences of the same identity under
	// the version strategy. The first occurrence is revision 1.
	Revision int `json:"revision"`

	Fields records.Record `json:"fields"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
