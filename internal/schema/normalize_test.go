package schema

import (
	"strings"
	"testing"
)

func TestNormalizeFieldName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Krátký Text", "kratky_text"},
		{"  Date From ", "date_from"},
		{"PČV", "pcv"},
		{"first.name", "first_name"},
		{"a--b__c  d", "a_b_c_d"},
		{"__x__", "x"},
		{"###", "field"},
		{"", "field"},
		{"Latitude (°)", "latitude"},
	}
	for _, c := range cases {
		if got := NormalizeFieldName(c.in); got != c.want {
			t.Errorf("NormalizeFieldName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeFieldNameLength(t *testing.T) {
	long := strings.Repeat("abc_", 40)
	got := NormalizeFieldName(long)
	if len(got) > maxFieldNameLen {
		t.Fatalf("normalized name too long: %d bytes", len(got))
	}
	if strings.HasSuffix(got, "_") {
		t.Fatalf("normalized name has trailing underscore: %q", got)
	}
}

func TestFlatten(t *testing.T) {
	s := Schema{Fields: map[string]Field{
		"id":    {Type: TypeInteger},
		"title": {Type: TypeString},
		"user": {Type: TypeObject, Fields: map[string]Field{
			"name": {Type: TypeString},
		}},
		"tags": {Type: TypeArray, Items: &Field{Type: TypeString}},
	}}
	flat := s.Flatten()
	for _, path := range []string{"id", "title", "user", "user.name", "tags", "tags[]"} {
		if _, ok := flat[path]; !ok {
			t.Errorf("Flatten missing path %q (have %v)", path, s.Paths())
		}
	}
	if flat["user.name"].Type != TypeString {
		t.Errorf("user.name type = %v, want string", flat["user.name"].Type)
	}
}
