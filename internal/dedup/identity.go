// Package dedup computes record identities and classifies rows against
// duplicates seen earlier in the same file and in prior imports.
package dedup

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"ingest/internal/model"
	"ingest/pkg/records"
)

// IdentityFn derives the dedup identity of a record.
type IdentityFn func(records.Record) string

// NewIdentity builds an IdentityFn for the configured strategy.
//
//   - external: the configured field's value, trimmed; rows without one fall
//     back to the content hash so they never collide with real external ids
//   - computed / auto: hash of the full canonicalized record
//   - hybrid: external id when present, content hash otherwise
//
// External values and hashes carry distinct prefixes so an id field that
// happens to contain hex never collides with a computed hash.
func NewIdentity(strategy model.IDStrategy) IdentityFn {
	switch strategy.Kind {
	case model.IDExternal, model.IDHybrid:
		field := strategy.ExternalField
		return func(r records.Record) string {
			if v, ok := r[field]; ok && v != nil {
				s := strings.TrimSpace(fmt.Sprint(v))
				if s != "" {
					return "ext:" + s
				}
			}
			return contentHash(r)
		}
	default:
		return contentHash
	}
}

// contentHash serializes the record into a canonical byte stream (sorted
// keys, type-tagged scalars) and returns its 128-bit xxh3 digest.
func contentHash(r records.Record) string {
	var b strings.Builder
	canonicalize(&b, map[string]any(r))
	sum := xxh3.Hash128([]byte(b.String())).Bytes()
	return "h:" + hex.EncodeToString(sum[:])
}

func canonicalize(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("z;")
	case string:
		fmt.Fprintf(b, "s%d:%s;", len(t), t)
	case bool:
		fmt.Fprintf(b, "b%t;", t)
	case int:
		fmt.Fprintf(b, "n%d;", t)
	case int64:
		fmt.Fprintf(b, "n%d;", t)
	case float64:
		if t == float64(int64(t)) {
			fmt.Fprintf(b, "n%d;", int64(t))
		} else {
			fmt.Fprintf(b, "f%g;", t)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for _, k := range keys {
			fmt.Fprintf(b, "k%d:%s=", len(k), k)
			canonicalize(b, t[k])
		}
		b.WriteString("}")
	case []any:
		b.WriteString("[")
		for _, el := range t {
			canonicalize(b, el)
		}
		b.WriteString("]")
	default:
		fmt.Fprintf(b, "v%v;", t)
	}
}
