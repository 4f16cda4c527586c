package infer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ingest/internal/schema"
	"ingest/pkg/records"
)

// Defaults for the builder's bounded-memory knobs.
const (
	DefaultUniqueLimit = 50
	DefaultMaxSamples  = 10
	DefaultMaxDepth    = 5

	// minorityShare is the type-histogram share above which a secondary type
	// makes the field "mixed".
	minorityShare = 0.10

	// Enum candidacy: a string field with at least enumMinRows non-null
	// observations and at most enumMaxValues distinct values while tracking
	// stayed alive.
	enumMinRows   = 10
	enumMaxValues = 20

	// formatShare is the fraction of string observations that must match a
	// format pattern before the schema reports the format hint.
	formatShare = 0.9

	stateVersion = 1
)

// Builder infers a structural schema and per-field statistics from a record
// stream processed in batches, without retaining the dataset in memory.
//
// The zero value is not usable; construct with New or FromState. Builder is
// not safe for concurrent use; one builder belongs to one import job.
type Builder struct {
	stats       map[string]*FieldStats
	recordCount int64
	batchCount  int
	samples     []records.Record
	lastUpdated time.Time

	uniqueLimit int
	maxSamples  int
	maxDepth    int

	now func() time.Time
}

// Option customizes a Builder.
type Option func(*Builder)

// WithUniqueLimit caps distinct-value tracking per field.
func WithUniqueLimit(n int) Option { return func(b *Builder) { b.uniqueLimit = n } }

// WithMaxSamples caps the rotating raw-record sample buffer.
func WithMaxSamples(n int) Option { return func(b *Builder) { b.maxSamples = n } }

// WithMaxDepth bounds recursion into nested objects and arrays.
func WithMaxDepth(n int) Option { return func(b *Builder) { b.maxDepth = n } }

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

// New returns an empty Builder with default bounds.
func New(opts ...Option) *Builder {
	b := &Builder{
		stats:       make(map[string]*FieldStats),
		uniqueLimit: DefaultUniqueLimit,
		maxSamples:  DefaultMaxSamples,
		maxDepth:    DefaultMaxDepth,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ProcessBatch folds one batch of records into the accumulator and returns
// true. Re-delivery of an already-folded batch number is a no-op returning
// false, which makes the caller's at-least-once delivery safe: counters are
// never double-applied.
//
// Batches are expected in order; the checkpoint/requeue protocol in the
// pipeline guarantees batch N is durably persisted before N+1 is enqueued.
func (b *Builder) ProcessBatch(batch int, recs []records.Record) bool {
	if batch >= 0 && batch < b.batchCount {
		return false
	}
	now := b.now()
	for _, rec := range recs {
		b.recordCount++
		for key, v := range rec {
			b.observe(schema.NormalizeFieldName(key), v, 0, now)
		}
		b.sample(rec)
	}
	if batch < 0 {
		b.batchCount++
	} else {
		b.batchCount = batch + 1
	}
	b.lastUpdated = now
	return true
}

// Process folds records without explicit batch numbering (single-shot use).
func (b *Builder) Process(recs []records.Record) { b.ProcessBatch(-1, recs) }

// RecordCount returns the number of records folded so far.
func (b *Builder) RecordCount() int64 { return b.recordCount }

// BatchCount returns the number of batches folded so far.
func (b *Builder) BatchCount() int { return b.batchCount }

// Samples returns the rotating raw-record buffer (most recent maxSamples
// records, oldest first).
func (b *Builder) Samples() []records.Record { return b.samples }

// Stats returns the accumulator for path, or nil.
func (b *Builder) Stats(path string) *FieldStats { return b.stats[path] }

func (b *Builder) sample(rec records.Record) {
	if b.maxSamples <= 0 {
		return
	}
	if len(b.samples) >= b.maxSamples {
		// FIFO eviction, oldest first.
		copy(b.samples, b.samples[1:])
		b.samples = b.samples[:len(b.samples)-1]
	}
	b.samples = append(b.samples, rec.Clone())
}

// observe records one field observation, recursing into nested structures up
// to the depth bound. A given path's Occurrences is bumped at most once per
// record for scalars and containers alike; array elements aggregate under
// the "path[]" pseudo-field, one observation per element.
func (b *Builder) observe(path string, v any, depth int, now time.Time) {
	st, ok := b.stats[path]
	if !ok {
		st = newFieldStats(path, depth)
		b.stats[path] = st
	}

	if v == nil {
		st.observeNull(now)
		return
	}
	if s, ok := v.(string); ok && s == "" {
		st.observeNull(now)
		return
	}

	switch t := v.(type) {
	case map[string]any:
		st.observeType(schema.TypeObject, now)
		if depth < b.maxDepth {
			for k, child := range t {
				b.observe(path+"."+schema.NormalizeFieldName(k), child, depth+1, now)
			}
		}
	case records.Record:
		st.observeType(schema.TypeObject, now)
		if depth < b.maxDepth {
			for k, child := range t {
				b.observe(path+"."+schema.NormalizeFieldName(k), child, depth+1, now)
			}
		}
	case []any:
		st.observeType(schema.TypeArray, now)
		if depth < b.maxDepth {
			for _, el := range t {
				b.observe(path+"[]", el, depth+1, now)
			}
		}
	case string:
		st.observeType(schema.TypeString, now)
		st.Formats.observe(t)
		st.trackValue(t, b.uniqueLimit)
		if isNumericString(t) {
			if f, err := parseFloat(t); err == nil {
				st.trackNumeric(f)
			}
		}
	case bool:
		st.observeType(schema.TypeBoolean, now)
		st.trackValue(renderScalar(t), b.uniqueLimit)
	case int, int64:
		f := toFloat(t)
		st.observeType(schema.TypeInteger, now)
		st.trackValue(renderScalar(t), b.uniqueLimit)
		st.trackNumeric(f)
	case float64:
		if isIntegral(t) {
			st.observeType(schema.TypeInteger, now)
		} else {
			st.observeType(schema.TypeNumber, now)
		}
		st.trackValue(renderScalar(t), b.uniqueLimit)
		st.trackNumeric(t)
	default:
		// Unrecognized Go type; render it as a string observation so the
		// field still shows up in the schema.
		st.observeType(schema.TypeString, now)
		st.trackValue(fmt.Sprint(t), b.uniqueLimit)
	}
}

// Schema derives the normalized schema tree from the current accumulator
// state. It is pure: calling it repeatedly without intervening ProcessBatch
// calls yields identical output, and it never mutates the accumulator.
func (b *Builder) Schema() schema.Schema {
	out := schema.Schema{Fields: make(map[string]schema.Field)}
	for path, st := range b.stats {
		if st.Depth != 0 {
			continue
		}
		out.Fields[path] = b.fieldFor(path, st)
	}
	return out
}

func (b *Builder) fieldFor(path string, st *FieldStats) schema.Field {
	typ := dominantType(st)
	f := schema.Field{Type: typ, Nullable: st.NullCount > 0}

	switch typ {
	case schema.TypeString:
		f.Format = dominantFormat(st)
		if enum := enumValues(st); enum != nil {
			f.Enum = enum
		}
	case schema.TypeObject:
		prefix := path + "."
		for childPath, childSt := range b.stats {
			rest, ok := strings.CutPrefix(childPath, prefix)
			if !ok || strings.ContainsAny(rest, ".[") {
				continue
			}
			if f.Fields == nil {
				f.Fields = make(map[string]schema.Field)
			}
			f.Fields[rest] = b.fieldFor(childPath, childSt)
		}
	case schema.TypeArray:
		if elSt, ok := b.stats[path+"[]"]; ok {
			el := b.fieldFor(path+"[]", elSt)
			f.Items = &el
		}
	}
	return f
}

// dominantType picks the histogram's dominant type. Integer and number are
// treated as one numeric family (all-integers stays integer, otherwise
// number). When a second, incompatible type also exceeds the minority
// threshold the field is mixed; only nulls seen means unknown.
func dominantType(st *FieldStats) schema.Type {
	counts := make(map[schema.Type]int64, len(st.TypeCounts))
	for t, c := range st.TypeCounts {
		counts[t] = c
	}
	if ni, nn := counts[schema.TypeInteger], counts[schema.TypeNumber]; ni > 0 && nn > 0 {
		counts[schema.TypeNumber] = ni + nn
		delete(counts, schema.TypeInteger)
	}

	var total int64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return schema.TypeUnknown
	}

	over := 0
	var dominant schema.Type
	var dominantCount int64 = -1
	for _, t := range []schema.Type{
		schema.TypeString, schema.TypeNumber, schema.TypeInteger,
		schema.TypeBoolean, schema.TypeObject, schema.TypeArray,
	} {
		c := counts[t]
		if c == 0 {
			continue
		}
		if float64(c) > minorityShare*float64(total) {
			over++
		}
		if c > dominantCount {
			dominant, dominantCount = t, c
		}
	}
	if over > 1 {
		return schema.TypeMixed
	}
	return dominant
}

// dominantFormat reports a format hint when the overwhelming majority of
// string observations matched a single pattern.
func dominantFormat(st *FieldStats) schema.Format {
	total := st.Formats.Strings
	if total == 0 {
		return schema.FormatNone
	}
	threshold := int64(formatShare * float64(total))
	switch {
	case st.Formats.Numeric > 0 && st.Formats.Numeric >= threshold:
		return schema.FormatNumeric
	case st.Formats.Date > 0 && st.Formats.Date >= threshold:
		return schema.FormatDate
	case st.Formats.Email > 0 && st.Formats.Email >= threshold:
		return schema.FormatEmail
	case st.Formats.URL > 0 && st.Formats.URL >= threshold:
		return schema.FormatURL
	}
	return schema.FormatNone
}

// enumValues returns the closed value set for enum-candidate fields, sorted,
// or nil when the field does not qualify.
func enumValues(st *FieldStats) []string {
	if !st.UniqueTracking || st.NonNull() < enumMinRows {
		return nil
	}
	if st.DistinctCount == 0 || st.DistinctCount > enumMaxValues {
		return nil
	}
	out := make([]string, 0, len(st.ValueCounts))
	for v := range st.ValueCounts {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// TypeConflict records a field whose observed values did not converge on a
// single type.
type TypeConflict struct {
	Path  string                `json:"path"`
	Types map[schema.Type]int64 `json:"types"`
}

// TypeConflicts lists all currently mixed fields, sorted by path.
func (b *Builder) TypeConflicts() []TypeConflict {
	var out []TypeConflict
	for path, st := range b.stats {
		if dominantType(st) != schema.TypeMixed {
			continue
		}
		types := make(map[schema.Type]int64, len(st.TypeCounts))
		for t, c := range st.TypeCounts {
			types[t] = c
		}
		out = append(out, TypeConflict{Path: path, Types: types})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// DetectedGeoFields returns the latitude/longitude candidates, or nil.
func (b *Builder) DetectedGeoFields() *GeoFields { return detectGeoFields(b.stats) }

// DetectedIDFields returns field paths that look like record identifiers.
func (b *Builder) DetectedIDFields() []string { return detectIDFields(b.stats) }

// FieldMetadata returns the accumulator map keyed by field path. The result
// shares the builder's stats; treat it as read-only.
func (b *Builder) FieldMetadata() map[string]*FieldStats { return b.stats }

// State is the serialized accumulator snapshot persisted on the import job
// after every batch. It is the crash-recovery checkpoint: a new process can
// restore a Builder from it and continue exactly where the last one stopped.
type State struct {
	Version           int                    `json:"version"`
	FieldStats        map[string]*FieldStats `json:"fieldStats"`
	RecordCount       int64                  `json:"recordCount"`
	BatchCount        int                    `json:"batchCount"`
	LastUpdated       time.Time              `json:"lastUpdated"`
	DataSamples       []records.Record       `json:"dataSamples,omitempty"`
	MaxSamples        int                    `json:"maxSamples"`
	DetectedIDFields  []string               `json:"detectedIdFields,omitempty"`
	DetectedGeoFields *GeoFields             `json:"detectedGeoFields,omitempty"`
	TypeConflicts     []TypeConflict         `json:"typeConflicts,omitempty"`
}

// State snapshots the builder. Detection results are recomputed from the
// stats at snapshot time so the serialized form never goes stale.
func (b *Builder) State() State {
	return State{
		Version:           stateVersion,
		FieldStats:        b.stats,
		RecordCount:       b.recordCount,
		BatchCount:        b.batchCount,
		LastUpdated:       b.lastUpdated,
		DataSamples:       b.samples,
		MaxSamples:        b.maxSamples,
		DetectedIDFields:  b.DetectedIDFields(),
		DetectedGeoFields: b.DetectedGeoFields(),
		TypeConflicts:     b.TypeConflicts(),
	}
}

// MarshalState serializes the current snapshot as JSON.
func (b *Builder) MarshalState() ([]byte, error) {
	return json.Marshal(b.State())
}

// FromState restores a Builder from a snapshot.
func FromState(st State, opts ...Option) *Builder {
	b := New(opts...)
	if st.FieldStats != nil {
		b.stats = st.FieldStats
	}
	for _, fs := range b.stats {
		if fs.TypeCounts == nil {
			fs.TypeCounts = make(map[schema.Type]int64)
		}
		if fs.UniqueTracking && fs.ValueCounts == nil {
			fs.ValueCounts = make(map[string]int64)
		}
	}
	b.recordCount = st.RecordCount
	b.batchCount = st.BatchCount
	b.lastUpdated = st.LastUpdated
	b.samples = st.DataSamples
	if st.MaxSamples > 0 {
		b.maxSamples = st.MaxSamples
	}
	return b
}

// UnmarshalState restores a Builder from serialized snapshot bytes.
func UnmarshalState(data []byte, opts ...Option) (*Builder, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode builder state: %w", err)
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("unsupported builder state version %d", st.Version)
	}
	return FromState(st, opts...), nil
}

// Merge folds another builder's accumulator into this one. Both builders
// must have processed disjoint record sets; every aggregate is associative
// and commutative, so the result equals processing the union in one pass.
func (b *Builder) Merge(other *Builder) {
	for path, ost := range other.stats {
		st, ok := b.stats[path]
		if !ok {
			b.stats[path] = ost
			continue
		}
		st.merge(ost, b.uniqueLimit)
	}
	b.recordCount += other.recordCount
	b.batchCount += other.batchCount
	for _, rec := range other.samples {
		b.sample(rec)
	}
	if other.lastUpdated.After(b.lastUpdated) {
		b.lastUpdated = other.lastUpdated
	}
}
