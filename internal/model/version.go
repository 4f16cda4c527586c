package model

import (
	"time"

	"ingest/internal/schema"
	"ingest/internal/schema/diff"
	"ingest/internal/schema/infer"
)

// SchemaVersion is an accepted schema snapshot for a dataset. Versions are
// immutable once written; evolution always appends a new version.
type SchemaVersion struct {
	ID        string        `json:"id"`
	DatasetID string        `json:"datasetId"`
	Number    int           `json:"number"`
	Schema    schema.Schema `json:"schema"`

	// FieldMetadata is the per-path statistics snapshot from the inference
	// run that produced this version.
	FieldMetadata map[string]*infer.FieldStats `json:"fieldMetadata,omitempty"`

	// ApprovalRequired records that policy demanded a manual decision for
	// this version; AutoApproved is true when policy accepted it on its own.
	ApprovalRequired bool `json:"approvalRequired"`
	AutoApproved     bool `json:"autoApproved"`

	// ApprovedBy is the operator who accepted the version, empty for
	// auto-approved versions.
	ApprovedBy string `json:"approvedBy,omitempty"`

	// Conflicts are the breaking changes an operator accepted along with
	// this version.
	Conflicts []diff.Change `json:"conflicts,omitempty"`

	// ImportSources lists the import jobs whose data contributed to this
	// version.
	ImportSources []string `json:"importSources,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}
