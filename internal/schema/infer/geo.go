package infer

import (
	"sort"
	"strings"
)

// GeoFields is the result of latitude/longitude detection: the chosen field
// paths and a combined confidence in [0,1].
type GeoFields struct {
	Latitude   string  `json:"latitude,omitempty"`
	Longitude  string  `json:"longitude,omitempty"`
	Confidence float64 `json:"confidence"`
}

// geoNameWeight is how much of the confidence comes from the field name; the
// remainder comes from the fraction of observed values inside the plausible
// coordinate range.
const geoNameWeight = 0.6

// minGeoConfidence is the acceptance floor for a candidate axis.
const minGeoConfidence = 0.5

var latNames = []string{"latitude", "lat"}
var lonNames = []string{"longitude", "lng", "lon", "long"}

// geoNameScore scores how strongly a field name suggests the given axis:
// exact match 1.0, suffix/prefix with separator 0.8, substring 0.5.
func geoNameScore(path string, names []string) float64 {
	leaf := path
	if i := strings.LastIndexAny(path, ".]"); i >= 0 {
		leaf = path[i+1:]
	}
	leaf = strings.ToLower(leaf)
	best := 0.0
	for _, n := range names {
		switch {
		case leaf == n:
			return 1.0
		case strings.HasSuffix(leaf, "_"+n) || strings.HasPrefix(leaf, n+"_"):
			if best < 0.8 {
				best = 0.8
			}
		case strings.Contains(leaf, n):
			if best < 0.5 {
				best = 0.5
			}
		}
	}
	return best
}

// detectGeoFields picks the best latitude and longitude candidates from the
// accumulated stats. A candidate needs a name-pattern match corroborated by
// in-range numeric values; either axis may be absent.
func detectGeoFields(stats map[string]*FieldStats) *GeoFields {
	type candidate struct {
		path  string
		score float64
	}
	var bestLat, bestLon candidate

	paths := make([]string, 0, len(stats))
	for p := range stats {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		st := stats[p]
		if st.Geo.NumericSeen == 0 {
			continue
		}
		if ns := geoNameScore(p, latNames); ns > 0 {
			rangeFrac := float64(st.Geo.LatInRange) / float64(st.Geo.NumericSeen)
			score := geoNameWeight*ns + (1-geoNameWeight)*rangeFrac
			if score >= minGeoConfidence && score > bestLat.score {
				bestLat = candidate{path: p, score: score}
			}
		}
		if ns := geoNameScore(p, lonNames); ns > 0 {
			rangeFrac := float64(st.Geo.LonInRange) / float64(st.Geo.NumericSeen)
			score := geoNameWeight*ns + (1-geoNameWeight)*rangeFrac
			if score >= minGeoConfidence && score > bestLon.score {
				bestLon = candidate{path: p, score: score}
			}
		}
	}

	if bestLat.path == "" && bestLon.path == "" {
		return nil
	}
	gf := &GeoFields{Latitude: bestLat.path, Longitude: bestLon.path}
	switch {
	case bestLat.path != "" && bestLon.path != "":
		gf.Confidence = (bestLat.score + bestLon.score) / 2
	case bestLat.path != "":
		// A lone axis is a weak signal; halve its score.
		gf.Confidence = bestLat.score / 2
	default:
		gf.Confidence = bestLon.score / 2
	}
	return gf
}

var idNameSuffixes = []string{"_id", "_uuid", "_guid", "_key"}

// isIDName reports whether the leaf of path follows an identifier naming
// convention.
func isIDName(path string) bool {
	leaf := path
	if i := strings.LastIndexAny(path, ".]"); i >= 0 {
		leaf = path[i+1:]
	}
	leaf = strings.ToLower(leaf)
	if leaf == "id" || leaf == "uuid" || leaf == "guid" {
		return true
	}
	for _, suf := range idNameSuffixes {
		if strings.HasSuffix(leaf, suf) {
			return true
		}
	}
	return false
}

// detectIDFields returns field paths that look like record identifiers: an
// identifier-style name, never null, and (while uniqueness tracking was
// alive) fully distinct values.
func detectIDFields(stats map[string]*FieldStats) []string {
	var out []string
	for p, st := range stats {
		if !isIDName(p) || st.Occurrences == 0 || st.NullCount > 0 {
			continue
		}
		if st.UniqueTracking && st.DistinctCount < st.NonNull() {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
