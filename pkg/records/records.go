// Package records defines the generic record type passed between pipeline
// stages. A record is one parsed source row (or one decoded JSON object);
// values may be scalars, nested maps, or slices.
package records

// Record is a single logical data record keyed by field name.
type Record map[string]any

// Clone returns a shallow copy of r. Nested maps and slices are shared with
// the original; callers that mutate nested values should deep-copy first.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsEmpty reports whether the record has no non-nil, non-empty-string values.
func (r Record) IsEmpty() bool {
	for _, v := range r {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return false
	}
	return true
}
