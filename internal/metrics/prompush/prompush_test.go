package prompush

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ingest/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend("import", "http://pushgateway.invalid:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func TestNewBackend_Validation(t *testing.T) {
	if _, err := NewBackend("import", ""); err == nil {
		t.Fatal("expected error for empty gateway URL")
	}

	b, err := NewBackend("", "http://pushgateway.invalid:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.jobName != "import" {
		t.Errorf("default jobName = %q, want %q", b.jobName, "import")
	}

	b2, err := NewBackend("nightly-load", "http://pushgateway.invalid:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b2.jobName != "nightly-load" {
		t.Errorf("jobName = %q, want %q", b2.jobName, "nightly-load")
	}
}

func TestIncCounter_RoutesByName(t *testing.T) {
	b := newTestBackend(t)

	b.IncCounter("import_stage_total", 1, metrics.Labels{"stage": "detect-schema", "status": "success"})
	b.IncCounter("import_stage_total", 2, metrics.Labels{"stage": "detect-schema", "status": "success"})
	b.IncCounter("import_rows_total", 5, metrics.Labels{"kind": "processed"})
	b.IncCounter("import_batches_total", 3, nil)
	b.IncCounter("import_retries_total", 1, metrics.Labels{"type": "recoverable"})
	b.IncCounter("some_other_metric", 99, nil)

	if got := testutil.ToFloat64(b.stageCounter.WithLabelValues("detect-schema", "success")); got != 3 {
		t.Errorf("stage counter = %v, want 3", got)
	}
	if got := testutil.ToFloat64(b.rowCounter.WithLabelValues("processed")); got != 5 {
		t.Errorf("row counter = %v, want 5", got)
	}
	if got := testutil.ToFloat64(b.batchCounter); got != 3 {
		t.Errorf("batch counter = %v, want 3", got)
	}
	if got := testutil.ToFloat64(b.retryCounter.WithLabelValues("recoverable")); got != 1 {
		t.Errorf("retry counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.stageCounter.WithLabelValues("create-events", "failure")); got != 0 {
		t.Errorf("untouched stage label pair = %v, want 0", got)
	}
}

func TestIncCounter_NilCollectors(t *testing.T) {
	b := &Backend{}
	b.IncCounter("import_stage_total", 1, metrics.Labels{"stage": "s", "status": "success"})
	b.IncCounter("import_rows_total", 1, metrics.Labels{"kind": "processed"})
	b.IncCounter("import_batches_total", 1, nil)
	b.IncCounter("import_retries_total", 1, metrics.Labels{"type": "recoverable"})
	b.ObserveHistogram("import_stage_duration_seconds", 1, nil)
}

func TestObserveHistogram_StageDuration(t *testing.T) {
	b := newTestBackend(t)

	b.ObserveHistogram("import_stage_duration_seconds", 0.5, metrics.Labels{"stage": "create-events", "status": "success"})
	b.ObserveHistogram("import_stage_duration_seconds", 1.5, metrics.Labels{"stage": "create-events", "status": "success"})
	b.ObserveHistogram("unrelated_seconds", 9, metrics.Labels{"stage": "create-events", "status": "success"})

	if n := testutil.CollectAndCount(b.stageDuration); n != 1 {
		t.Fatalf("stage duration series count = %d, want 1", n)
	}
}

func TestFlush_PushesRegistry(t *testing.T) {
	type pushReq struct {
		method string
		path   string
		body   int
	}
	got := make(chan pushReq, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		buf := make([]byte, 1<<16)
		n, _ := r.Body.Read(buf)
		got <- pushReq{method: r.Method, path: r.URL.Path, body: n}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b, err := NewBackend("import-flush", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter("import_rows_total", 7, metrics.Labels{"kind": "events_created"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case req := <-got:
		if !strings.Contains(req.path, "import-flush") {
			t.Errorf("push path %q does not carry the job grouping", req.path)
		}
		if req.body == 0 {
			t.Error("push body is empty")
		}
	default:
		t.Fatal("Flush sent no request to the gateway")
	}
}
