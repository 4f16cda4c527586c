// schemaprobe streams a CSV file or URL through the progressive schema
// builder and prints what an import of it would infer: the schema, the
// detected id and coordinate fields, and any type conflicts. Useful for
// checking a source before configuring a dataset for it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"ingest/internal/model"
	"ingest/internal/schema"
	"ingest/internal/schema/infer"
	"ingest/internal/source"
	"ingest/pkg/records"
)

var (
	flagFile      = flag.String("file", "", "local CSV file to probe")
	flagURL       = flag.String("url", "", "remote CSV URL to probe")
	flagDelimiter = flag.String("delimiter", ",", "CSV field delimiter (single character)")
	flagNoHeader  = flag.Bool("no-header", false, "file has no header row")
	flagMaxRows   = flag.Int("max-rows", 10000, "stop after this many rows (0 = all)")
	flagSamples   = flag.Bool("samples", false, "include raw sample records in the output")
)

// result is the probe report printed as JSON.
type result struct {
	RecordCount       int64                `json:"recordCount"`
	Schema            schema.Schema        `json:"schema"`
	DetectedIDFields  []string             `json:"detectedIdFields,omitempty"`
	DetectedGeoFields *infer.GeoFields     `json:"detectedGeoFields,omitempty"`
	TypeConflicts     []infer.TypeConflict `json:"typeConflicts,omitempty"`
	Samples           []records.Record     `json:"samples,omitempty"`
}

func main() {
	flag.Parse()

	spec := model.SourceSpec{
		Kind:      model.SourceFile,
		Path:      *flagFile,
		Delimiter: *flagDelimiter,
		HasHeader: !*flagNoHeader,
	}
	if *flagURL != "" {
		spec.Kind = model.SourceHTTP
		spec.URL = *flagURL
		spec.Path = ""
	}
	if spec.Kind == model.SourceFile && spec.Path == "" {
		fatalf("pass -file or -url")
	}

	ctx := context.Background()
	rc, err := source.Open(ctx, spec, source.NewHTTPClient(source.HTTPConfig{}))
	if err != nil {
		fatalf("open source: %v", err)
	}
	rd, err := source.NewReader(rc, spec.Delimiter, spec.HasHeader)
	if err != nil {
		fatalf("%v", err)
	}
	defer rd.Close()

	b := infer.New()
	var count int64
	for *flagMaxRows <= 0 || count < int64(*flagMaxRows) {
		row, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			fatalf("read: %v", err)
		}
		b.Process([]records.Record{row.Record})
		count++
	}

	res := result{
		RecordCount:       b.RecordCount(),
		Schema:            b.Schema(),
		DetectedIDFields:  b.DetectedIDFields(),
		DetectedGeoFields: b.DetectedGeoFields(),
		TypeConflicts:     b.TypeConflicts(),
	}
	if *flagSamples {
		res.Samples = b.Samples()
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fatalf("encode: %v", err)
	}
	fmt.Println(string(out))
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
