package infer

import (
	"reflect"
	"testing"

	"ingest/internal/schema"
	"ingest/pkg/records"
)

func sampleRecords() []records.Record {
	return []records.Record{
		{"id": "1", "title": "alpha", "score": 10.5, "active": true, "email": "a@example.com"},
		{"id": "2", "title": "beta", "score": 11.0, "active": false, "email": "b@example.com"},
		{"id": "3", "title": "gamma", "score": nil, "active": true, "email": "c@example.com"},
		{"id": "4", "title": "", "score": 9.25, "active": false, "email": "d@example.com"},
		{"id": "5", "title": "delta", "score": 12.0, "active": true, "email": "e@example.com"},
	}
}

// Partitioning the input into batches in any way must produce the same
// final schema: every aggregate is associative and commutative.
func TestSchemaInferenceAssociativity(t *testing.T) {
	recs := sampleRecords()

	partitions := [][][]records.Record{
		{recs},
		{recs[:2], recs[2:]},
		{recs[:1], recs[1:3], recs[3:]},
		{recs[:4], recs[4:]},
	}

	var want schema.Schema
	for i, parts := range partitions {
		b := New()
		for batch, part := range parts {
			b.ProcessBatch(batch, part)
		}
		got := b.Schema()
		if i == 0 {
			want = got
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("partition %d: schema diverged:\ngot  %#v\nwant %#v", i, got, want)
		}
	}
}

func TestSchemaIsPure(t *testing.T) {
	b := New()
	b.Process(sampleRecords())
	first := b.Schema()
	second := b.Schema()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Schema() not pure:\nfirst  %#v\nsecond %#v", first, second)
	}
}

func TestBatchRedeliveryIsNoop(t *testing.T) {
	recs := sampleRecords()
	b := New()
	if !b.ProcessBatch(0, recs[:3]) {
		t.Fatal("first delivery of batch 0 should fold")
	}
	if b.ProcessBatch(0, recs[:3]) {
		t.Fatal("redelivery of batch 0 should be a no-op")
	}
	if got := b.RecordCount(); got != 3 {
		t.Fatalf("record count = %d after redelivery, want 3", got)
	}
	b.ProcessBatch(1, recs[3:])
	if got := b.RecordCount(); got != 5 {
		t.Fatalf("record count = %d, want 5", got)
	}
}

func TestStateRoundTrip(t *testing.T) {
	recs := sampleRecords()
	b := New()
	b.ProcessBatch(0, recs[:3])

	data, err := b.MarshalState()
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	restored, err := UnmarshalState(data)
	if err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	restored.ProcessBatch(1, recs[3:])

	full := New()
	full.ProcessBatch(0, recs[:3])
	full.ProcessBatch(1, recs[3:])

	if !reflect.DeepEqual(restored.Schema(), full.Schema()) {
		t.Fatalf("schema after state round trip diverged:\ngot  %#v\nwant %#v",
			restored.Schema(), full.Schema())
	}
	if restored.RecordCount() != full.RecordCount() {
		t.Fatalf("record count = %d, want %d", restored.RecordCount(), full.RecordCount())
	}
}

func TestFieldStatsInvariants(t *testing.T) {
	b := New()
	b.Process(sampleRecords())

	for _, path := range []string{"id", "title", "score", "active", "email"} {
		st := b.Stats(path)
		if st == nil {
			t.Fatalf("no stats for %q", path)
		}
		if st.Occurrences > b.RecordCount() {
			t.Errorf("%s: occurrences %d > recordCount %d", path, st.Occurrences, b.RecordCount())
		}
		if st.NullCount+st.NonNull() != st.Occurrences {
			t.Errorf("%s: nullCount %d + nonNull %d != occurrences %d",
				path, st.NullCount, st.NonNull(), st.Occurrences)
		}
	}

	score := b.Stats("score")
	if score.NullCount != 1 {
		t.Errorf("score null count = %d, want 1", score.NullCount)
	}
	if score.Numeric.Count != 4 {
		t.Errorf("score numeric count = %d, want 4", score.Numeric.Count)
	}
	if got, want := score.Mean(), (10.5+11.0+9.25+12.0)/4; got != want {
		t.Errorf("score mean = %v, want %v", got, want)
	}
	if score.Numeric.Min != 9.25 || score.Numeric.Max != 12.0 {
		t.Errorf("score min/max = %v/%v, want 9.25/12", score.Numeric.Min, score.Numeric.Max)
	}
}

func TestNullableAndTypes(t *testing.T) {
	b := New()
	b.Process(sampleRecords())
	s := b.Schema()

	title := s.Fields["title"]
	if title.Type != schema.TypeString || !title.Nullable {
		t.Errorf("title = %+v, want nullable string", title)
	}
	score := s.Fields["score"]
	if score.Type != schema.TypeNumber || !score.Nullable {
		t.Errorf("score = %+v, want nullable number", score)
	}
	active := s.Fields["active"]
	if active.Type != schema.TypeBoolean || active.Nullable {
		t.Errorf("active = %+v, want non-nullable boolean", active)
	}
	email := s.Fields["email"]
	if email.Format != schema.FormatEmail {
		t.Errorf("email format = %q, want email", email.Format)
	}
	id := s.Fields["id"]
	if id.Format != schema.FormatNumeric {
		t.Errorf("id format = %q, want numeric", id.Format)
	}
}

func TestMixedTypeDetection(t *testing.T) {
	b := New()
	var recs []records.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, records.Record{"v": float64(i)})
		recs = append(recs, records.Record{"v": true})
	}
	b.Process(recs)
	if got := b.Schema().Fields["v"].Type; got != schema.TypeMixed {
		t.Fatalf("v type = %v, want mixed", got)
	}
	conflicts := b.TypeConflicts()
	if len(conflicts) != 1 || conflicts[0].Path != "v" {
		t.Fatalf("type conflicts = %+v, want one entry for v", conflicts)
	}
}

func TestIntegerNumberFamily(t *testing.T) {
	b := New()
	b.Process([]records.Record{
		{"n": float64(1)}, {"n": float64(2)}, {"n": 2.5},
	})
	if got := b.Schema().Fields["n"].Type; got != schema.TypeNumber {
		t.Fatalf("n type = %v, want number (integer+number merge, not mixed)", got)
	}

	b2 := New()
	b2.Process([]records.Record{{"n": float64(1)}, {"n": float64(2)}})
	if got := b2.Schema().Fields["n"].Type; got != schema.TypeInteger {
		t.Fatalf("n type = %v, want integer", got)
	}
}

func TestUniqueTrackingCap(t *testing.T) {
	b := New(WithUniqueLimit(3))
	var recs []records.Record
	for _, v := range []string{"a", "b", "c"} {
		recs = append(recs, records.Record{"s": v})
	}
	b.Process(recs)
	st := b.Stats("s")
	if !st.UniqueTracking || st.DistinctCount != 3 {
		t.Fatalf("tracking before cap: tracking=%v distinct=%d", st.UniqueTracking, st.DistinctCount)
	}

	b.Process([]records.Record{{"s": "d"}})
	st = b.Stats("s")
	if st.UniqueTracking {
		t.Fatal("tracking should stop once the cap is exceeded")
	}
	if st.ValueCounts != nil {
		t.Fatal("value counts should be released when tracking stops")
	}

	// Tracking never resumes.
	b.Process([]records.Record{{"s": "a"}})
	if b.Stats("s").UniqueTracking {
		t.Fatal("tracking must not resume")
	}
}

func TestEnumCandidate(t *testing.T) {
	b := New()
	var recs []records.Record
	states := []string{"open", "closed", "pending"}
	for i := 0; i < 12; i++ {
		recs = append(recs, records.Record{"status": states[i%3]})
	}
	b.Process(recs)
	got := b.Schema().Fields["status"].Enum
	want := []string{"closed", "open", "pending"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("status enum = %v, want %v", got, want)
	}

	top := b.Stats("status").TopValues(2)
	if len(top) != 2 || top[0].Count != 4 {
		t.Fatalf("top values = %+v, want two entries with count 4", top)
	}
}

func TestNestedObjectAndArray(t *testing.T) {
	b := New()
	b.Process([]records.Record{
		{"user": map[string]any{"name": "ann", "age": float64(34)}, "tags": []any{"x", "y"}},
		{"user": map[string]any{"name": "bob", "age": float64(40)}, "tags": []any{"z"}},
	})
	s := b.Schema()

	user := s.Fields["user"]
	if user.Type != schema.TypeObject {
		t.Fatalf("user type = %v, want object", user.Type)
	}
	if user.Fields["name"].Type != schema.TypeString || user.Fields["age"].Type != schema.TypeInteger {
		t.Fatalf("user children = %+v", user.Fields)
	}

	tags := s.Fields["tags"]
	if tags.Type != schema.TypeArray || tags.Items == nil || tags.Items.Type != schema.TypeString {
		t.Fatalf("tags = %+v, want array of string", tags)
	}
}

func TestDepthBound(t *testing.T) {
	deep := map[string]any{"a": map[string]any{"b": map[string]any{"c": "leaf"}}}
	b := New(WithMaxDepth(1))
	b.Process([]records.Record{{"root": deep}})
	if b.Stats("root.a") == nil {
		t.Fatal("depth 1 child should be tracked")
	}
	if b.Stats("root.a.b") != nil {
		t.Fatal("fields beyond the depth bound must not be tracked")
	}
}

func TestSampleBufferFIFO(t *testing.T) {
	b := New(WithMaxSamples(2))
	b.Process([]records.Record{{"i": "1"}, {"i": "2"}, {"i": "3"}})
	samples := b.Samples()
	if len(samples) != 2 {
		t.Fatalf("sample count = %d, want 2", len(samples))
	}
	if samples[0]["i"] != "2" || samples[1]["i"] != "3" {
		t.Fatalf("samples = %v, want oldest evicted first", samples)
	}
}

func TestMergeMatchesSinglePass(t *testing.T) {
	recs := sampleRecords()

	left := New()
	left.Process(recs[:2])
	right := New()
	right.Process(recs[2:])
	left.Merge(right)

	full := New()
	full.Process(recs)

	if !reflect.DeepEqual(left.Schema(), full.Schema()) {
		t.Fatalf("merged schema diverged:\ngot  %#v\nwant %#v", left.Schema(), full.Schema())
	}
	if left.RecordCount() != full.RecordCount() {
		t.Fatalf("merged record count = %d, want %d", left.RecordCount(), full.RecordCount())
	}
}
