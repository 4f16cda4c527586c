// Package schema defines the normalized structural schema produced by the
// progressive builder and consumed by the comparator and versioning service.
//
// A Schema is a tree: top-level fields keyed by normalized name, with object
// fields carrying child fields and array fields carrying an element
// descriptor. The comparator works over a flattened path view (dotted paths,
// "[]" for array elements) so that nested drift is reported with a precise
// location.
package schema

import "sort"

// Type is the inferred primitive or structural type of a field.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"

	// TypeMixed marks a field whose observed values did not converge on a
	// single type. Comparisons against a mixed side are softened; see the
	// diff package.
	TypeMixed Type = "mixed"

	// TypeUnknown marks a field for which only nulls (or nothing) were seen.
	TypeUnknown Type = "unknown"
)

// Format is a cheap, pattern-derived refinement of a string field.
type Format string

const (
	FormatNone    Format = ""
	FormatEmail   Format = "email"
	FormatURL     Format = "url"
	FormatDate    Format = "date"
	FormatNumeric Format = "numeric"
)

// Field describes one field of a schema.
type Field struct {
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
	Format   Format `json:"format,omitempty"`

	// Enum lists the closed value set for enum-candidate string fields,
	// sorted ascending. Nil when the field is not an enum candidate.
	Enum []string `json:"enum,omitempty"`

	// Fields holds child fields when Type is "object".
	Fields map[string]Field `json:"fields,omitempty"`

	// Items describes the element type when Type is "array".
	Items *Field `json:"items,omitempty"`
}

// Schema is a normalized structural description of a record stream.
type Schema struct {
	Fields map[string]Field `json:"fields"`
}

// IsZero reports whether the schema has no fields.
func (s Schema) IsZero() bool { return len(s.Fields) == 0 }

// Flatten returns every field keyed by its dotted path. Object children use
// "parent.child"; array elements use "parent[]". Interior (object/array)
// nodes are included alongside their children.
func (s Schema) Flatten() map[string]Field {
	out := make(map[string]Field)
	var walk func(prefix string, fields map[string]Field)
	walk = func(prefix string, fields map[string]Field) {
		for name, f := range fields {
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			out[path] = f
			if f.Type == TypeObject && len(f.Fields) > 0 {
				walk(path, f.Fields)
			}
			if f.Type == TypeArray && f.Items != nil {
				out[path+"[]"] = *f.Items
				if f.Items.Type == TypeObject && len(f.Items.Fields) > 0 {
					walk(path+"[]", f.Items.Fields)
				}
			}
		}
	}
	walk("", s.Fields)
	return out
}

// Paths returns the sorted flattened paths of the schema. Useful for
// deterministic iteration in the comparator and in tests.
func (s Schema) Paths() []string {
	flat := s.Flatten()
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
