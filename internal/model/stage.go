// Package model defines the domain records shared by the pipeline, the
// recovery service, and the storage backends: import jobs, datasets,
// immutable schema versions, and persisted events.
package model

// Stage is one named step of the ingestion pipeline.
type Stage string

const (
	StageDetectSchema      Stage = "detect-schema"
	StageValidateSchema    Stage = "validate-schema"
	StageAnalyzeDuplicates Stage = "analyze-duplicates"
	StageAwaitApproval     Stage = "await-approval"
	StageGeocodeBatch      Stage = "geocode-batch"
	StageCreateEvents      Stage = "create-events"
	StageCompleted         Stage = "completed"

	// StageFailed is reachable from any stage.
	StageFailed Stage = "failed"
)

// stageOrder is the canonical pipeline order. await-approval sits between
// duplicate analysis and geocoding but is entered only when schema validation
// requires manual approval.
var stageOrder = []Stage{
	StageDetectSchema,
	StageValidateSchema,
	StageAnalyzeDuplicates,
	StageAwaitApproval,
	StageGeocodeBatch,
	StageCreateEvents,
	StageCompleted,
}

// StageOrder returns the canonical stage sequence (copy; safe to mutate).
func StageOrder() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ValidStage reports whether s names a known stage (including failed).
func ValidStage(s Stage) bool {
	if s == StageFailed {
		return true
	}
	return stageIndex(s) >= 0
}

func stageIndex(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// FirstStage is where a fresh job starts.
func FirstStage() Stage { return StageDetectSchema }

// ResumeAfter returns the stage a job should resume at after last, the last
// stage known to have completed. await-approval is skipped: it is entered
// only through the schema-validation gate, never through resumption. An
// empty or unknown last stage resumes at the first stage.
func ResumeAfter(last Stage) Stage {
	i := stageIndex(last)
	if i < 0 || i+1 >= len(stageOrder) {
		return FirstStage()
	}
	next := stageOrder[i+1]
	if next == StageAwaitApproval {
		next = stageOrder[i+2]
	}
	return next
}

// Terminal reports whether s ends the pipeline for a job.
func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }
