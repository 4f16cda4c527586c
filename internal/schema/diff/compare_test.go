package diff

import (
	"testing"

	"ingest/internal/schema"
	"ingest/internal/schema/infer"
	"ingest/pkg/records"
)

func fields(m map[string]schema.Field) schema.Schema { return schema.Schema{Fields: m} }

var permissive = Policy{AutoApproveNonBreaking: true}

func TestCompareReflexivity(t *testing.T) {
	s := fields(map[string]schema.Field{
		"id":    {Type: schema.TypeString},
		"title": {Type: schema.TypeString, Nullable: true},
		"user": {Type: schema.TypeObject, Fields: map[string]schema.Field{
			"name": {Type: schema.TypeString},
		}},
	})
	cmp := Compare(s, s, permissive, nil)
	if len(cmp.Changes) != 0 {
		t.Fatalf("compare(S, S) changes = %+v, want none", cmp.Changes)
	}
	if cmp.IsBreaking || cmp.RequiresApproval {
		t.Fatalf("compare(S, S): breaking=%v requiresApproval=%v, want false/false",
			cmp.IsBreaking, cmp.RequiresApproval)
	}
}

func TestCompareReflexivityOnLockedDataset(t *testing.T) {
	s := fields(map[string]schema.Field{"id": {Type: schema.TypeString}})
	cmp := Compare(s, s, Policy{Locked: true}, nil)
	if cmp.RequiresApproval {
		t.Fatal("identical schemas must not require approval even on a locked dataset")
	}
}

func TestBreakingTypeChange(t *testing.T) {
	prev := fields(map[string]schema.Field{
		"id":    {Type: schema.TypeString},
		"title": {Type: schema.TypeString},
	})
	next := fields(map[string]schema.Field{
		"id":    {Type: schema.TypeNumber},
		"title": {Type: schema.TypeString},
	})
	cmp := Compare(prev, next, permissive, nil)

	if len(cmp.Changes) != 1 {
		t.Fatalf("changes = %+v, want exactly one", cmp.Changes)
	}
	c := cmp.Changes[0]
	if c.Type != ChangeTypeChange || c.Path != "id" || c.Severity != SeverityError {
		t.Fatalf("change = %+v, want error type_change on id", c)
	}
	if !cmp.IsBreaking || cmp.CanAutoApprove || !cmp.RequiresApproval {
		t.Fatalf("verdict = %+v, want breaking and approval required", cmp)
	}
}

func TestAdditiveChangeNonBreaking(t *testing.T) {
	prev := fields(map[string]schema.Field{
		"id":    {Type: schema.TypeString},
		"title": {Type: schema.TypeString},
	})
	next := fields(map[string]schema.Field{
		"id":       {Type: schema.TypeString},
		"title":    {Type: schema.TypeString},
		"newfield": {Type: schema.TypeString},
	})
	cmp := Compare(prev, next, permissive, nil)

	if len(cmp.Changes) != 1 || cmp.Changes[0].Type != ChangeNewField {
		t.Fatalf("changes = %+v, want one new_field", cmp.Changes)
	}
	if cmp.Changes[0].Severity != SeverityInfo || !cmp.Changes[0].AutoApprovable {
		t.Fatalf("new_field change = %+v, want auto-approvable info", cmp.Changes[0])
	}
	if cmp.IsBreaking || !cmp.CanAutoApprove || cmp.RequiresApproval {
		t.Fatalf("verdict = %+v, want auto-approvable", cmp)
	}
}

func TestLockedDatasetForcesApproval(t *testing.T) {
	prev := fields(map[string]schema.Field{"id": {Type: schema.TypeString}})
	next := fields(map[string]schema.Field{
		"id":       {Type: schema.TypeString},
		"newfield": {Type: schema.TypeString},
	})
	cmp := Compare(prev, next, Policy{AutoApproveNonBreaking: true, Locked: true}, nil)

	if cmp.IsBreaking {
		t.Fatal("additive change must not be breaking")
	}
	if cmp.CanAutoApprove || !cmp.RequiresApproval {
		t.Fatalf("verdict = %+v, want approval required on locked dataset", cmp)
	}
	if cmp.Changes[0].AutoApprovable {
		t.Fatal("new_field on a locked dataset must not be auto-approvable")
	}
}

func TestAutoApproveDisabled(t *testing.T) {
	prev := fields(map[string]schema.Field{"id": {Type: schema.TypeString}})
	next := fields(map[string]schema.Field{
		"id":       {Type: schema.TypeString},
		"newfield": {Type: schema.TypeString},
	})
	cmp := Compare(prev, next, Policy{AutoApproveNonBreaking: false}, nil)
	if cmp.CanAutoApprove || !cmp.RequiresApproval {
		t.Fatalf("verdict = %+v, want approval required when auto-approve is disabled", cmp)
	}
}

func TestRemovedFieldIsBreaking(t *testing.T) {
	prev := fields(map[string]schema.Field{
		"id":   {Type: schema.TypeString},
		"note": {Type: schema.TypeString},
	})
	next := fields(map[string]schema.Field{"id": {Type: schema.TypeString}})
	cmp := Compare(prev, next, permissive, nil)

	if len(cmp.Changes) != 1 {
		t.Fatalf("changes = %+v, want one", cmp.Changes)
	}
	c := cmp.Changes[0]
	if c.Type != ChangeRemovedField || c.Severity != SeverityError || c.AutoApprovable {
		t.Fatalf("change = %+v, want non-approvable error removed_field", c)
	}
	if !cmp.IsBreaking {
		t.Fatal("removed field must be breaking")
	}
}

func TestMixedTypeDowngradesToWarning(t *testing.T) {
	prev := fields(map[string]schema.Field{"v": {Type: schema.TypeString}})
	next := fields(map[string]schema.Field{"v": {Type: schema.TypeMixed}})
	cmp := Compare(prev, next, permissive, nil)

	if len(cmp.Changes) != 1 || cmp.Changes[0].Severity != SeverityWarning {
		t.Fatalf("changes = %+v, want one warning", cmp.Changes)
	}
	if cmp.IsBreaking || !cmp.CanAutoApprove {
		t.Fatalf("verdict = %+v, want non-breaking auto-approvable", cmp)
	}
}

func TestThinInferenceDowngradesTypeChange(t *testing.T) {
	prev := fields(map[string]schema.Field{"v": {Type: schema.TypeString}})
	next := fields(map[string]schema.Field{"v": {Type: schema.TypeInteger}})

	// Only three non-null samples behind the new inference.
	b := infer.New()
	b.Process([]records.Record{
		{"v": float64(1)}, {"v": float64(2)}, {"v": float64(3)},
	})
	cmp := Compare(prev, next, permissive, b.FieldMetadata())

	if len(cmp.Changes) != 1 || cmp.Changes[0].Severity != SeverityWarning {
		t.Fatalf("changes = %+v, want downgraded warning", cmp.Changes)
	}

	// With enough samples the same change is a hard error.
	var recs []records.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, records.Record{"v": float64(i)})
	}
	b2 := infer.New()
	b2.Process(recs)
	cmp2 := Compare(prev, next, permissive, b2.FieldMetadata())
	if cmp2.Changes[0].Severity != SeverityError {
		t.Fatalf("change = %+v, want error with solid inference", cmp2.Changes[0])
	}
}

func TestEnumGrowthAndShrinkage(t *testing.T) {
	prev := fields(map[string]schema.Field{
		"status": {Type: schema.TypeString, Enum: []string{"closed", "open"}},
	})
	grown := fields(map[string]schema.Field{
		"status": {Type: schema.TypeString, Enum: []string{"closed", "open", "pending"}},
	})
	shrunk := fields(map[string]schema.Field{
		"status": {Type: schema.TypeString, Enum: []string{"open"}},
	})

	g := Compare(prev, grown, permissive, nil)
	if len(g.Changes) != 1 || g.Changes[0].Type != ChangeEnumChange || g.Changes[0].Severity != SeverityInfo {
		t.Fatalf("growth changes = %+v, want info enum_change", g.Changes)
	}

	s := Compare(prev, shrunk, permissive, nil)
	if len(s.Changes) != 1 || s.Changes[0].Severity != SeverityWarning {
		t.Fatalf("shrinkage changes = %+v, want warning enum_change", s.Changes)
	}
	if s.IsBreaking {
		t.Fatal("enum shrinkage is a warning, not breaking")
	}
}

func TestFormatChange(t *testing.T) {
	prev := fields(map[string]schema.Field{"c": {Type: schema.TypeString}})
	next := fields(map[string]schema.Field{"c": {Type: schema.TypeString, Format: schema.FormatEmail}})
	cmp := Compare(prev, next, permissive, nil)
	if len(cmp.Changes) != 1 || cmp.Changes[0].Type != ChangeFormatChange || cmp.Changes[0].Severity != SeverityInfo {
		t.Fatalf("changes = %+v, want info format_change", cmp.Changes)
	}
}

func TestNestedFieldChangePath(t *testing.T) {
	prev := fields(map[string]schema.Field{
		"user": {Type: schema.TypeObject, Fields: map[string]schema.Field{
			"age": {Type: schema.TypeInteger},
		}},
	})
	next := fields(map[string]schema.Field{
		"user": {Type: schema.TypeObject, Fields: map[string]schema.Field{
			"age": {Type: schema.TypeString},
		}},
	})
	cmp := Compare(prev, next, permissive, nil)
	if len(cmp.Changes) != 1 || cmp.Changes[0].Path != "user.age" {
		t.Fatalf("changes = %+v, want one type_change at user.age", cmp.Changes)
	}
}
