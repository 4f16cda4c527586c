// Package infer implements progressive schema inference over a record stream
// processed in bounded-size batches.
//
// The central pieces are FieldStats, a per-field-path accumulator whose
// aggregates are all associative and commutative (so any partitioning of the
// input into batches yields identical final state), and Builder, which owns
// the accumulator map, a small rotating buffer of raw sample records, and the
// serializable checkpoint state used to resume inference after a crash or in
// a different process.
package infer

import (
	"math"
	"sort"
	"strconv"
	"time"

	"ingest/internal/schema"
)

// FieldStats holds running statistics for a single field path.
//
// Invariants, maintained after every observation:
//
//	Occurrences <= Builder.recordCount (a field is counted at most once per record)
//	NullCount + NonNull() == Occurrences
type FieldStats struct {
	Path string `json:"path"`

	// Occurrences counts records in which the field path was present,
	// including records where its value was null/empty.
	Occurrences int64 `json:"occurrences"`

	// NullCount counts present-but-null observations.
	NullCount int64 `json:"nullCount"`

	// TypeCounts is the observed type histogram over non-null values.
	TypeCounts map[schema.Type]int64 `json:"typeCounts,omitempty"`

	// ValueCounts tracks distinct scalar values and their frequencies while
	// uniqueness tracking is alive. It is dropped (set to nil) the moment the
	// distinct-value cap is exceeded; UniqueTracking flips to false at the
	// same time and never flips back.
	ValueCounts    map[string]int64 `json:"valueCounts,omitempty"`
	UniqueTracking bool             `json:"uniqueTracking"`

	// DistinctCount is the number of distinct values seen while tracking was
	// alive. Once tracking stops it remains at the cap-exceeding count as a
	// lower bound.
	DistinctCount int64 `json:"distinctCount"`

	Formats FormatCounts `json:"formats"`
	Numeric NumericStats `json:"numeric"`
	Geo     GeoCounts    `json:"geo"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`

	// Depth is the nesting depth of the field path (0 for top-level fields).
	Depth int `json:"depth"`
}

// FormatCounts counts string values matching cheap format patterns.
type FormatCounts struct {
	Email   int64 `json:"email,omitempty"`
	URL     int64 `json:"url,omitempty"`
	Date    int64 `json:"date,omitempty"`
	Numeric int64 `json:"numeric,omitempty"`

	// Strings is the total number of string observations, the denominator
	// for the format fractions.
	Strings int64 `json:"strings,omitempty"`
}

// NumericStats holds online numeric aggregates. The mean is tracked as
// (Sum, Count) so that merging partial states stays exact; it is never
// recomputed from a partial average.
type NumericStats struct {
	Count        int64   `json:"count,omitempty"`
	Sum          float64 `json:"sum,omitempty"`
	Min          float64 `json:"min,omitempty"`
	Max          float64 `json:"max,omitempty"`
	IntegersOnly bool    `json:"integersOnly"`
}

// GeoCounts corroborates geo-field name matches with value-range plausibility.
type GeoCounts struct {
	NumericSeen int64 `json:"numericSeen,omitempty"`
	LatInRange  int64 `json:"latInRange,omitempty"`
	LonInRange  int64 `json:"lonInRange,omitempty"`
}

func newFieldStats(path string, depth int) *FieldStats {
	return &FieldStats{
		Path:           path,
		TypeCounts:     make(map[schema.Type]int64),
		ValueCounts:    make(map[string]int64),
		UniqueTracking: true,
		Numeric:        NumericStats{IntegersOnly: true},
		Depth:          depth,
	}
}

// NonNull returns the number of present, non-null observations.
func (s *FieldStats) NonNull() int64 { return s.Occurrences - s.NullCount }

// OccurrencePercent returns the presence ratio against a total record count.
func (s *FieldStats) OccurrencePercent(recordCount int64) float64 {
	if recordCount == 0 {
		return 0
	}
	return float64(s.Occurrences) / float64(recordCount)
}

// Mean returns the running numeric mean, or 0 when no numeric values were seen.
func (s *FieldStats) Mean() float64 {
	if s.Numeric.Count == 0 {
		return 0
	}
	return s.Numeric.Sum / float64(s.Numeric.Count)
}

// ValueCount pairs a distinct value with its observed frequency.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// TopValues returns up to n distinct values ordered by descending frequency,
// ties broken by value. Returns nil once uniqueness tracking has stopped.
func (s *FieldStats) TopValues(n int) []ValueCount {
	if !s.UniqueTracking || len(s.ValueCounts) == 0 {
		return nil
	}
	out := make([]ValueCount, 0, len(s.ValueCounts))
	for v, c := range s.ValueCounts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// observeNull records a present-but-null observation.
func (s *FieldStats) observeNull(now time.Time) {
	s.Occurrences++
	s.NullCount++
	s.touch(now)
}

// observeType records a non-null observation of the given type. Scalar value
// tracking and numeric aggregates are handled by the caller.
func (s *FieldStats) observeType(t schema.Type, now time.Time) {
	s.Occurrences++
	s.TypeCounts[t]++
	s.touch(now)
}

func (s *FieldStats) touch(now time.Time) {
	if s.FirstSeen.IsZero() || now.Before(s.FirstSeen) {
		s.FirstSeen = now
	}
	if now.After(s.LastSeen) {
		s.LastSeen = now
	}
}

// trackValue folds one scalar rendering into the distinct-value sample.
// Tracking stops, permanently, the moment the distinct count would exceed
// limit; the field is then no longer an enum candidate.
func (s *FieldStats) trackValue(v string, limit int) {
	if !s.UniqueTracking {
		return
	}
	if _, seen := s.ValueCounts[v]; !seen && len(s.ValueCounts) >= limit {
		s.stopTracking()
		return
	}
	s.ValueCounts[v]++
	s.DistinctCount = int64(len(s.ValueCounts))
}

func (s *FieldStats) stopTracking() {
	s.UniqueTracking = false
	s.DistinctCount = int64(len(s.ValueCounts)) + 1
	s.ValueCounts = nil
}

// trackNumeric folds one numeric value into the online aggregates and the
// geo range counters.
func (s *FieldStats) trackNumeric(f float64) {
	n := &s.Numeric
	if n.Count == 0 {
		n.Min, n.Max = f, f
	} else {
		if f < n.Min {
			n.Min = f
		}
		if f > n.Max {
			n.Max = f
		}
	}
	n.Count++
	n.Sum += f
	if f != math.Trunc(f) {
		n.IntegersOnly = false
	}

	s.Geo.NumericSeen++
	if f >= -90 && f <= 90 {
		s.Geo.LatInRange++
	}
	if f >= -180 && f <= 180 {
		s.Geo.LonInRange++
	}
}

// merge folds other into s. Both sides must describe the same path. The merge
// is exact for every aggregate; distinct-value tracking survives only when
// both sides were still tracking and the union stays within limit.
func (s *FieldStats) merge(other *FieldStats, limit int) {
	s.Occurrences += other.Occurrences
	s.NullCount += other.NullCount
	for t, c := range other.TypeCounts {
		s.TypeCounts[t] += c
	}

	switch {
	case !other.UniqueTracking:
		if s.UniqueTracking {
			s.stopTracking()
		}
		if other.DistinctCount > s.DistinctCount {
			s.DistinctCount = other.DistinctCount
		}
	case s.UniqueTracking:
		for v, c := range other.ValueCounts {
			if _, seen := s.ValueCounts[v]; !seen && len(s.ValueCounts) >= limit {
				s.stopTracking()
				break
			}
			s.ValueCounts[v] += c
		}
		if s.UniqueTracking {
			s.DistinctCount = int64(len(s.ValueCounts))
		}
	}

	s.Formats.Email += other.Formats.Email
	s.Formats.URL += other.Formats.URL
	s.Formats.Date += other.Formats.Date
	s.Formats.Numeric += other.Formats.Numeric
	s.Formats.Strings += other.Formats.Strings

	if other.Numeric.Count > 0 {
		if s.Numeric.Count == 0 {
			s.Numeric.Min, s.Numeric.Max = other.Numeric.Min, other.Numeric.Max
		} else {
			if other.Numeric.Min < s.Numeric.Min {
				s.Numeric.Min = other.Numeric.Min
			}
			if other.Numeric.Max > s.Numeric.Max {
				s.Numeric.Max = other.Numeric.Max
			}
		}
		s.Numeric.Count += other.Numeric.Count
		s.Numeric.Sum += other.Numeric.Sum
		s.Numeric.IntegersOnly = s.Numeric.IntegersOnly && other.Numeric.IntegersOnly
	}

	s.Geo.NumericSeen += other.Geo.NumericSeen
	s.Geo.LatInRange += other.Geo.LatInRange
	s.Geo.LonInRange += other.Geo.LonInRange

	if !other.FirstSeen.IsZero() {
		s.touch(other.FirstSeen)
	}
	if !other.LastSeen.IsZero() {
		s.touch(other.LastSeen)
	}
	if other.Depth > s.Depth {
		s.Depth = other.Depth
	}
}

// renderScalar produces the stable string rendering used for distinct-value
// tracking. It intentionally matches across int/float spellings of the same
// integral value so CSV and JSON inputs agree.
func renderScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return ""
	}
}
