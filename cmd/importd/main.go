package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ingest/internal/config"
	"ingest/internal/geocode"
	"ingest/internal/metrics"
	"ingest/internal/metrics/datadog"
	"ingest/internal/metrics/prompush"
	"ingest/internal/model"
	"ingest/internal/pipeline"
	"ingest/internal/queue"
	"ingest/internal/recovery"
	"ingest/internal/source"
	"ingest/internal/storage"

	// register all backends with the storage factory.
	_ "ingest/internal/storage/all"
)

// main is the entry point for the import binary. It loads the service config,
// optionally initializes a metrics backend, and then runs one of:
//
//   - a one-shot import (-dataset plus -file or -url), driving the in-process
//     queue until it drains;
//   - an operator action (-approve, -reject, -reset, -recover);
//   - a single recovery sweep (-sweep), or the periodic sweep loop (-daemon).
func main() {
	var (
		cfgPath   string
		validate  bool
		datasetID string
		filePath  string
		sourceURL string
		delimiter string
		noHeader  bool
		approve   string
		approver  string
		reject    string
		reason    string
		reset     string
		stage     string
		recoverID string
		sweep     bool
		daemon    bool

		create    bool
		dedup     string
		idField   string
		addrField string
	)

	flag.StringVar(&cfgPath, "config", "configs/service.json", "service config JSON path")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.StringVar(&datasetID, "dataset", "", "dataset id to import into")
	flag.StringVar(&filePath, "file", "", "local CSV file to import")
	flag.StringVar(&sourceURL, "url", "", "remote CSV URL to import")
	flag.StringVar(&delimiter, "delimiter", "", "CSV delimiter (default comma)")
	flag.BoolVar(&noHeader, "no-header", false, "source file has no header row")
	flag.StringVar(&approve, "approve", "", "approve the pending schema of a parked job id")
	flag.StringVar(&approver, "approver", "", "who approves (with -approve)")
	flag.StringVar(&reject, "reject", "", "reject the pending schema of a parked job id")
	flag.StringVar(&reason, "reason", "", "rejection reason (with -reject)")
	flag.StringVar(&reset, "reset", "", "reset a job id to -stage")
	flag.StringVar(&stage, "stage", string(model.StageDetectSchema), "target stage (with -reset)")
	flag.StringVar(&recoverID, "recover", "", "attempt recovery of a failed job id")
	flag.BoolVar(&sweep, "sweep", false, "run one recovery sweep over failed jobs and exit")
	flag.BoolVar(&daemon, "daemon", false, "run the periodic recovery sweep loop")
	flag.BoolVar(&create, "create", false, "create the dataset first if it does not exist")
	flag.StringVar(&dedup, "dedup", "", "dedup strategy for -create: skip, update, or version (empty disables dedup)")
	flag.StringVar(&idField, "id-field", "", "external id field for -create; empty means content hashing")
	flag.StringVar(&addrField, "address-field", "", "address field to geocode for -create")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	svc, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.ValidateService(svc)
	for _, iss := range issues {
		fmt.Fprintln(os.Stderr, iss)
	}
	if config.HasErrors(issues) {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if validate {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	setupMetrics(svc, *verbose)
	defer func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}()

	ctx := context.Background()
	store, err := storage.New(ctx, storage.Config{Kind: svc.Storage.Kind, DSN: svc.Storage.DSN})
	if err != nil {
		fatalf("open storage: %v", err)
	}
	defer store.Close()

	q := queue.NewMemory()
	runner := buildRunner(svc, store, q)
	rec := recovery.NewService(store, q, recovery.Config{
		MaxRetries:        svc.Retry.MaxRetries,
		BaseDelay:         time.Duration(svc.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(svc.Retry.MaxDelayMS) * time.Millisecond,
		BackoffMultiplier: svc.Retry.BackoffMultiplier,
	})

	switch {
	case approve != "":
		if err := runner.ApprovePendingSchema(ctx, approve, approver); err != nil {
			fatalf("approve: %v", err)
		}
		drainQueue(ctx, runner, q)

	case reject != "":
		if err := runner.RejectPendingSchema(ctx, reject, reason); err != nil {
			fatalf("reject: %v", err)
		}

	case reset != "":
		if err := rec.ResetJobToStage(ctx, reset, model.Stage(stage), true); err != nil {
			fatalf("reset: %v", err)
		}
		drainQueue(ctx, runner, q)

	case recoverID != "":
		out, err := rec.RecoverFailedJob(ctx, recoverID)
		if err != nil {
			fatalf("recover: %v", err)
		}
		log.Printf("recover: job=%s outcome=%s", recoverID, out)
		drainQueue(ctx, runner, q)

	case sweep:
		report, err := rec.Sweep(ctx)
		if err != nil {
			fatalf("sweep: %v", err)
		}
		log.Printf("sweep: examined=%d scheduled=%d resumed=%d waiting=%d gave_up=%d",
			report.Examined, report.Scheduled, report.Resumed, report.Waiting, report.GaveUp)
		drainQueue(ctx, runner, q)

	case daemon:
		runDaemon(ctx, svc, runner, rec, q, *verbose)

	case datasetID != "":
		if create {
			if err := ensureDataset(ctx, store, datasetID, dedup, idField, addrField); err != nil {
				fatalf("create dataset: %v", err)
			}
		}
		spec := model.SourceSpec{
			Kind:      model.SourceFile,
			Path:      filePath,
			Delimiter: delimiter,
			HasHeader: !noHeader,
		}
		if sourceURL != "" {
			spec.Kind = model.SourceHTTP
			spec.URL = sourceURL
			spec.Path = ""
		}
		start := time.Now()
		job, err := runner.SubmitJob(ctx, datasetID, spec)
		if err != nil {
			fatalf("submit: %v", err)
		}
		drainQueue(ctx, runner, q)
		final, err := store.GetJob(ctx, job.ID)
		if err != nil {
			fatalf("load job: %v", err)
		}
		log.Printf("import: job=%s stage=%s events=%d skipped=%d updated=%d in %s",
			final.ID, final.Stage, final.Progress.EventsCreated,
			final.Progress.RowsSkipped, final.Progress.RowsUpdated,
			time.Since(start).Truncate(time.Millisecond))
		if final.Stage == model.StageFailed {
			log.Printf("import: last error: %s", final.ErrorLog.LastError)
			log.Printf("import: %s", recovery.Recommend(final, recovery.DefaultConfig()))
			os.Exit(1)
		}
		if final.Stage == model.StageAwaitApproval {
			log.Printf("import: schema change needs approval; rerun with -approve %s -approver you@example", final.ID)
		}

	default:
		fatalf("nothing to do: pass -dataset with -file/-url, an operator flag, -sweep, or -daemon")
	}
}

// ensureDataset creates the dataset with a permissive default policy when it
// does not exist yet. Existing datasets are left untouched.
func ensureDataset(ctx context.Context, store storage.Store, id, dedupStrategy, idField, addrField string) error {
	if _, err := store.GetDataset(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	ds := &model.Dataset{
		ID:   id,
		Name: id,
		SchemaConfig: model.SchemaConfig{
			AutoGrow:               true,
			AutoApproveNonBreaking: true,
		},
		IDStrategy: model.IDStrategy{Kind: model.IDComputed},
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if dedupStrategy != "" {
		ds.DedupConfig = model.DedupConfig{Enabled: true, Strategy: model.DedupStrategy(dedupStrategy)}
	}
	if idField != "" {
		ds.IDStrategy = model.IDStrategy{Kind: model.IDHybrid, ExternalField: idField}
	}
	if addrField != "" {
		ds.GeocodeConfig = model.GeocodeConfig{Enabled: true, AddressField: addrField}
	}
	log.Printf("dataset %s created", id)
	return store.CreateDataset(ctx, ds)
}

// buildRunner wires the pipeline runner from the service config.
func buildRunner(svc config.Service, store storage.Store, q *queue.Memory) *pipeline.Runner {
	opts := []pipeline.Option{
		pipeline.WithBatchSize(svc.Runtime.BatchSize),
		pipeline.WithGeocodeParallelism(svc.Runtime.GeocodeParallelism),
	}
	if svc.Job != "" {
		opts = append(opts, pipeline.WithMetricsJob(svc.Job))
	}
	if svc.Geocode.Provider != "" {
		client := source.NewHTTPClient(source.HTTPConfig{})
		opts = append(opts, pipeline.WithGeocoder(geocode.NewHTTP(client, svc.Geocode.BaseURL)))
	}
	return pipeline.NewRunner(store, q, opts...)
}

// drainQueue handles queued invocations until none remain. Handle errors are
// logged and the invocation is redelivered once; handlers are idempotent, so
// a second failure drops it.
func drainQueue(ctx context.Context, r *pipeline.Runner, q *queue.Memory) {
	retried := map[string]bool{}
	for {
		inv, ok := q.Pop()
		if !ok {
			return
		}
		if err := r.Handle(ctx, inv); err != nil {
			key := fmt.Sprintf("%s/%d", inv.JobID, inv.Batch)
			log.Printf("handle job=%s batch=%d: %v", inv.JobID, inv.Batch, err)
			if !retried[key] {
				retried[key] = true
				_ = q.Enqueue(ctx, inv)
			}
		}
	}
}

// runDaemon sweeps failed jobs on a ticker and drains whatever the sweeps
// schedule.
func runDaemon(ctx context.Context, svc config.Service, r *pipeline.Runner, rec *recovery.Service, q *queue.Memory, verbose bool) {
	interval := time.Duration(svc.Runtime.SweepIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Printf("daemon: sweeping failed jobs every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := rec.Sweep(ctx)
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			if verbose || report.Scheduled > 0 || report.Resumed > 0 {
				log.Printf("sweep: examined=%d scheduled=%d resumed=%d waiting=%d gave_up=%d",
					report.Examined, report.Scheduled, report.Resumed, report.Waiting, report.GaveUp)
			}
			drainQueue(ctx, r, q)
		}
	}
}

// setupMetrics installs the configured metrics backend; the default is the
// built-in no-op.
func setupMetrics(svc config.Service, verbose bool) {
	jobName := svc.Job
	if jobName == "" {
		jobName = "import"
	}
	switch svc.Metrics.Backend {
	case "prometheus":
		b, err := prompush.NewBackend(jobName, svc.Metrics.PushgatewayURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return
		}
		if verbose {
			log.Printf("metrics: backend=prometheus url=%s job=%s", svc.Metrics.PushgatewayURL, jobName)
		}
		metrics.SetBackend(b)
	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:      svc.Metrics.StatsdAddr,
			Namespace: svc.Metrics.Namespace,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		if verbose {
			log.Printf("metrics: backend=datadog addr=%s", svc.Metrics.StatsdAddr)
		}
		metrics.SetBackend(b)
	case "":
		if verbose {
			log.Printf("metrics: disabled")
		}
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", svc.Metrics.Backend)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
