// Package diff compares two schemas and classifies the drift between them.
//
// The change taxonomy is a closed set: new_field, removed_field, type_change,
// enum_change, and format_change. Each change carries a severity and an
// auto-approvability flag; the aggregate Comparison derives whether the drift
// is breaking and whether human approval is required under the dataset's
// policy.
package diff

import (
	"fmt"
	"sort"
	"time"

	"ingest/internal/schema"
	"ingest/internal/schema/infer"
)

// ChangeType identifies one kind of schema drift.
type ChangeType string

const (
	ChangeNewField     ChangeType = "new_field"
	ChangeRemovedField ChangeType = "removed_field"
	ChangeTypeChange   ChangeType = "type_change"
	ChangeEnumChange   ChangeType = "enum_change"
	ChangeFormatChange ChangeType = "format_change"
)

// Severity grades a change.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Change is one diff unit at a specific field path.
type Change struct {
	Type           ChangeType `json:"type"`
	Path           string     `json:"path"`
	Severity       Severity   `json:"severity"`
	AutoApprovable bool       `json:"autoApprovable"`

	// From/To describe the before/after value of whatever changed (a type
	// name, a format name, or an enum summary). Empty when not applicable.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Message string `json:"message,omitempty"`
}

// Comparison aggregates all changes between two schemas plus the derived
// approval verdict.
type Comparison struct {
	Changes []Change `json:"changes"`

	// IsBreaking is true when any change has severity error.
	IsBreaking bool `json:"isBreaking"`

	// CanAutoApprove is true when the drift is non-breaking and the dataset
	// policy permits automatic acceptance.
	CanAutoApprove bool `json:"canAutoApprove"`

	// RequiresApproval is the negation of CanAutoApprove, except that a
	// comparison with zero changes never requires approval: there is nothing
	// to approve.
	RequiresApproval bool `json:"requiresApproval"`

	ComparedAt time.Time `json:"comparedAt"`
}

// Policy carries the dataset knobs the verdict depends on.
type Policy struct {
	// AutoApproveNonBreaking permits automatic acceptance of non-breaking drift.
	AutoApproveNonBreaking bool

	// Locked forces approval for every change, including purely additive ones.
	Locked bool

	// MinSamplesForTypeError is the minimum number of non-null observations
	// behind the new side of a type change before the change is graded as a
	// hard error. Below it the inference is considered too thin to trust and
	// the change is downgraded to a warning. Zero means DefaultMinSamplesForTypeError.
	MinSamplesForTypeError int64
}

// DefaultMinSamplesForTypeError is the default inference-confidence floor for
// grading a type change as breaking.
const DefaultMinSamplesForTypeError = 5

// Compare diffs previous against next and derives the approval verdict under
// pol. meta optionally supplies the field statistics behind next, used for
// the thin-inference downgrade of type changes; pass nil when unavailable.
func Compare(previous, next schema.Schema, pol Policy, meta map[string]*infer.FieldStats) Comparison {
	minSamples := pol.MinSamplesForTypeError
	if minSamples <= 0 {
		minSamples = DefaultMinSamplesForTypeError
	}

	prevFlat := previous.Flatten()
	nextFlat := next.Flatten()

	var changes []Change

	// Walk in deterministic path order: union of both sides.
	for _, path := range unionPaths(prevFlat, nextFlat) {
		prevField, inPrev := prevFlat[path]
		nextField, inNext := nextFlat[path]

		switch {
		case !inPrev:
			changes = append(changes, Change{
				Type:           ChangeNewField,
				Path:           path,
				Severity:       SeverityInfo,
				AutoApprovable: !pol.Locked,
				To:             string(nextField.Type),
				Message:        fmt.Sprintf("field %q added", path),
			})
		case !inNext:
			changes = append(changes, Change{
				Type:           ChangeRemovedField,
				Path:           path,
				Severity:       SeverityError,
				AutoApprovable: false,
				From:           string(prevField.Type),
				Message:        fmt.Sprintf("field %q removed; existing data would be orphaned", path),
			})
		default:
			changes = append(changes, compareField(path, prevField, nextField, pol, meta, minSamples)...)
		}
	}

	cmp := Comparison{Changes: changes, ComparedAt: time.Now().UTC()}
	for _, c := range changes {
		if c.Severity == SeverityError {
			cmp.IsBreaking = true
			break
		}
	}
	if len(changes) == 0 {
		// Identical schemas: nothing to approve, regardless of policy.
		cmp.CanAutoApprove = true
		cmp.RequiresApproval = false
		return cmp
	}
	cmp.CanAutoApprove = !cmp.IsBreaking && pol.AutoApproveNonBreaking && !pol.Locked
	cmp.RequiresApproval = !cmp.CanAutoApprove
	return cmp
}

func compareField(path string, prev, next schema.Field, pol Policy, meta map[string]*infer.FieldStats, minSamples int64) []Change {
	var changes []Change

	if prev.Type != next.Type {
		sev := SeverityError
		reason := ""
		switch {
		case prev.Type == schema.TypeMixed || next.Type == schema.TypeMixed:
			// One side never converged on a type; a hard error would block
			// imports on inference noise rather than real drift.
			sev = SeverityWarning
			reason = "mixed-type side"
		case prev.Type == schema.TypeUnknown || next.Type == schema.TypeUnknown:
			sev = SeverityWarning
			reason = "only nulls observed on one side"
		case thinInference(path, meta, minSamples):
			sev = SeverityWarning
			reason = fmt.Sprintf("fewer than %d non-null samples behind new type", minSamples)
		}
		msg := fmt.Sprintf("field %q type changed from %s to %s", path, prev.Type, next.Type)
		if reason != "" {
			msg += " (downgraded: " + reason + ")"
		}
		changes = append(changes, Change{
			Type:           ChangeTypeChange,
			Path:           path,
			Severity:       sev,
			AutoApprovable: sev != SeverityError && !pol.Locked,
			From:           string(prev.Type),
			To:             string(next.Type),
			Message:        msg,
		})
		// A changed type makes enum/format comparison meaningless.
		return changes
	}

	if ec := compareEnums(path, prev.Enum, next.Enum, pol); ec != nil {
		changes = append(changes, *ec)
	}

	if prev.Format != next.Format {
		changes = append(changes, Change{
			Type:           ChangeFormatChange,
			Path:           path,
			Severity:       SeverityInfo,
			AutoApprovable: !pol.Locked,
			From:           string(prev.Format),
			To:             string(next.Format),
			Message:        fmt.Sprintf("field %q format hint changed", path),
		})
	}
	return changes
}

// compareEnums classifies enum value-set drift: growth is informational,
// shrinkage is a warning (previously valid values would become invalid).
func compareEnums(path string, prev, next []string, pol Policy) *Change {
	if len(prev) == 0 && len(next) == 0 {
		return nil
	}
	prevSet := toSet(prev)
	nextSet := toSet(next)

	var added, removed []string
	for v := range nextSet {
		if _, ok := prevSet[v]; !ok {
			added = append(added, v)
		}
	}
	for v := range prevSet {
		if _, ok := nextSet[v]; !ok {
			removed = append(removed, v)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	sev := SeverityInfo
	if len(removed) > 0 {
		sev = SeverityWarning
	}
	return &Change{
		Type:           ChangeEnumChange,
		Path:           path,
		Severity:       sev,
		AutoApprovable: !pol.Locked,
		From:           fmt.Sprintf("%d values", len(prev)),
		To:             fmt.Sprintf("%d values", len(next)),
		Message: fmt.Sprintf("field %q enum changed: %d added, %d removed",
			path, len(added), len(removed)),
	}
}

// thinInference reports whether the stats behind path carry too few non-null
// observations to trust a type-change verdict.
func thinInference(path string, meta map[string]*infer.FieldStats, minSamples int64) bool {
	if meta == nil {
		return false
	}
	st, ok := meta[path]
	if !ok {
		return false
	}
	return st.NonNull() < minSamples
}

func unionPaths(a, b map[string]schema.Field) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	add := func(m map[string]schema.Field) {
		for p := range m {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	add(a)
	add(b)
	sort.Strings(out)
	return out
}

func toSet(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}
