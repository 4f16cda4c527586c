// Package transformer converts raw source cells into typed values under an
// accepted schema. CSV delivers everything as strings; coercion happens once,
// at event creation, so the stored fields carry the types the schema claims.
package transformer

import (
	"strconv"
	"strings"
	"time"

	"ingest/internal/schema"
	"ingest/pkg/records"
)

// dateLayouts are tried in order when coercing date-formatted strings.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// Coercer applies per-field type conversion derived from a schema. Cells that
// fail to convert keep their raw string value; a bad cell is a data problem,
// not a reason to drop the row.
type Coercer struct {
	fields map[string]schema.Field
}

// ForSchema builds a Coercer for the schema's top-level fields. A zero schema
// yields a pass-through coercer.
func ForSchema(sch schema.Schema) *Coercer {
	return &Coercer{fields: sch.Fields}
}

// Apply converts rec's cells in place and returns it.
func (c *Coercer) Apply(rec records.Record) records.Record {
	if len(c.fields) == 0 {
		return rec
	}
	for name, f := range c.fields {
		v, ok := rec[name]
		if !ok || v == nil {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			continue
		}
		if cv, ok := coerceValue(s, f); ok {
			rec[name] = cv
		}
	}
	return rec
}

func coerceValue(s string, f schema.Field) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	switch f.Type {
	case schema.TypeInteger:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
	case schema.TypeNumber:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n, true
		}
	case schema.TypeBoolean:
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	case schema.TypeString:
		if f.Format == schema.FormatDate {
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC(), true
				}
			}
		}
	}
	return nil, false
}
