package model

import "time"

// DedupStrategy selects how external duplicates are resolved.
type DedupStrategy string

const (
	// DedupSkip excludes duplicate rows from event creation entirely.
	DedupSkip DedupStrategy = "skip"

	// DedupUpdate overwrites the existing event with the new field values.
	DedupUpdate DedupStrategy = "update"

	// DedupVersion creates a new event revision alongside the old one; both
	// are retained, nothing is deleted.
	DedupVersion DedupStrategy = "version"
)

// IDStrategyKind selects how a record's identity is computed.
type IDStrategyKind string

const (
	// IDExternal uses a configured source field verbatim.
	IDExternal IDStrategyKind = "external"

	// IDComputed hashes a canonical serialization of the record.
	IDComputed IDStrategyKind = "computed"

	// IDAuto is a synonym for computed kept for config compatibility.
	IDAuto IDStrategyKind = "auto"

	// IDHybrid prefers the external id when present, falling back to the
	// content hash.
	IDHybrid IDStrategyKind = "hybrid"
)

// SchemaConfig is the dataset's schema-evolution policy.
type SchemaConfig struct {
	// AutoGrow permits new imports to extend the schema at all.
	AutoGrow bool `json:"autoGrow"`

	// AutoApproveNonBreaking accepts non-breaking drift without review.
	AutoApproveNonBreaking bool `json:"autoApproveNonBreaking"`

	// Locked forces manual approval for every change, additive included.
	Locked bool `json:"locked"`
}

// DedupConfig is the dataset's deduplication policy.
type DedupConfig struct {
	Enabled  bool          `json:"enabled"`
	Strategy DedupStrategy `json:"strategy,omitempty"`
}

// IDStrategy is the dataset's record-identity configuration.
type IDStrategy struct {
	Kind IDStrategyKind `json:"kind"`

	// ExternalField is the normalized source field carrying the external id,
	// for the external and hybrid kinds.
	ExternalField string `json:"externalField,omitempty"`
}

// GeocodeConfig enables address geocoding for rows without usable
// coordinates.
type GeocodeConfig struct {
	Enabled bool `json:"enabled"`

	// AddressField is the normalized source field holding the address text.
	AddressField string `json:"addressField,omitempty"`
}

// Dataset is the logical destination of imports. It is long-lived and
// referenced, never owned, by import jobs.
type Dataset struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	SchemaConfig  SchemaConfig  `json:"schemaConfig"`
	DedupConfig   DedupConfig   `json:"deduplicationConfig"`
	IDStrategy    IDStrategy    `json:"idStrategy"`
	GeocodeConfig GeocodeConfig `json:"geocodeConfig"`

	// ActiveSchemaVersion is the version number of the currently accepted
	// schema; 0 means no schema accepted yet.
	ActiveSchemaVersion int `json:"activeSchemaVersion"`

	// Version is the optimistic-concurrency counter for dataset writes.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
