package dedup

import "ingest/internal/model"

// Action tells the caller what to do with a classified row.
type Action string

const (
	// ActionInsert creates a new event at Decision.Revision.
	ActionInsert Action = "insert"

	// ActionSkip drops the row.
	ActionSkip Action = "skip"

	// ActionUpdate overwrites the stored event with this row's fields.
	ActionUpdate Action = "update"
)

// Decision is the outcome of classifying one row.
type Decision struct {
	Identity string
	Action   Action

	// Revision is set for ActionInsert.
	Revision int

	// Internal marks a duplicate of an earlier row in the same run; External
	// marks a duplicate of an event from a prior import. A row can be both
	// when its identity was already stored and already seen this run.
	Internal bool
	External bool
}

// Report aggregates duplicate counts across a run. Counts are derived from
// the decisions handed out, so re-running classification from scratch yields
// the same totals.
type Report struct {
	Analyzed int `json:"analyzed"`
	Internal int `json:"internal"`
	External int `json:"external"`
}

// Engine classifies rows one at a time, in file order. It must see every row
// of the run from the beginning: earlier occurrences are what make later ones
// internal duplicates.
//
// Duplicate handling per strategy:
//
//   - skip:    first occurrence wins; internal and external duplicates drop
//   - update:  internal duplicates drop, external ones overwrite the stored
//     event in place
//   - version: nothing drops; every occurrence becomes a new revision of the
//     identity, stored alongside the previous ones
type Engine struct {
	enabled  bool
	strategy model.DedupStrategy

	// existing maps identity to the highest stored revision from prior
	// imports, as reported by the event store.
	existing map[string]int

	// assigned maps identity to the highest revision assigned during this
	// run, seeded from existing on first touch.
	assigned map[string]int

	report Report
}

// NewEngine constructs an Engine for one classification run. existing comes
// from storage.Events.IdentityRevisions for the identities in the file.
func NewEngine(cfg model.DedupConfig, existing map[string]int) *Engine {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = model.DedupSkip
	}
	if existing == nil {
		existing = map[string]int{}
	}
	return &Engine{
		enabled:  cfg.Enabled,
		strategy: strategy,
		existing: existing,
		assigned: map[string]int{},
	}
}

// Decide classifies the next row in file order.
func (e *Engine) Decide(identity string) Decision {
	e.report.Analyzed++

	if !e.enabled {
		return Decision{Identity: identity, Action: ActionInsert, Revision: 1}
	}

	prior := e.existing[identity]
	seen, seenNow := e.assigned[identity]

	d := Decision{Identity: identity}
	d.External = prior > 0
	d.Internal = seenNow

	switch {
	case !seenNow && prior == 0:
		// Genuinely new.
		d.Action = ActionInsert
		d.Revision = 1
		e.assigned[identity] = 1

	case !seenNow && prior > 0:
		// First occurrence this run, but stored already.
		e.report.External++
		e.assigned[identity] = prior
		switch e.strategy {
		case model.DedupUpdate:
			d.Action = ActionUpdate
		case model.DedupVersion:
			d.Action = ActionInsert
			d.Revision = prior + 1
			e.assigned[identity] = prior + 1
		default:
			d.Action = ActionSkip
		}

	default:
		// Seen earlier in this run.
		e.report.Internal++
		if e.strategy == model.DedupVersion {
			d.Action = ActionInsert
			d.Revision = seen + 1
			e.assigned[identity] = seen + 1
		} else {
			d.Action = ActionSkip
		}
	}

	return d
}

// Report returns the duplicate totals accumulated so far.
func (e *Engine) Report() Report { return e.report }
