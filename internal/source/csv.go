package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"ingest/internal/schema"
	"ingest/pkg/records"
)

const utf8BOM = "\ufeff"

// Row is one parsed data row. Number is the 1-based position among data rows
// (the header does not count), which stays stable across replays of the same
// file.
type Row struct {
	Number int
	Record records.Record
}

// Reader streams a delimited file as records keyed by normalized column
// names. Cells are trimmed; empty cells become nil so downstream null
// handling is uniform.
type Reader struct {
	cr      *csv.Reader
	closer  io.Closer
	headers []string
	row     int
}

// NewReader wraps rc in a Reader. When hasHeader is true the first line
// names the columns and is normalized; otherwise columns are named
// field_1..field_n after the widest row seen so far.
//
// delimiter's first rune is used; empty means comma. The reader is lazy
// about quoting and tolerant of ragged rows, matching what real-world
// exported CSVs need.
func NewReader(rc io.ReadCloser, delimiter string, hasHeader bool) (*Reader, error) {
	cr := csv.NewReader(rc)
	cr.Comma = ','
	if delimiter != "" {
		cr.Comma = []rune(delimiter)[0]
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	r := &Reader{cr: cr, closer: rc}
	if hasHeader {
		hdr, err := cr.Read()
		if err != nil {
			rc.Close()
			if err == io.EOF {
				return nil, fmt.Errorf("read header: file is empty")
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = normalizeHeaders(hdr)
	}
	return r, nil
}

// Headers returns the normalized column names, nil before any row of a
// headerless file has been read.
func (r *Reader) Headers() []string { return r.headers }

// normalizeHeaders strips a UTF-8 BOM from the first cell, normalizes each
// name, and disambiguates collisions with a numeric suffix.
func normalizeHeaders(hdr []string) []string {
	out := make([]string, len(hdr))
	seen := map[string]int{}
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		base := schema.NormalizeFieldName(h)
		name := base
		if n := seen[base]; n > 0 {
			name = fmt.Sprintf("%s_%d", base, n+1)
		}
		seen[base]++
		out[i] = name
	}
	return out
}

// Read returns the next data row, or io.EOF at the end of the file. Malformed
// rows that the csv reader rejects surface as errors with the row number
// attached.
func (r *Reader) Read() (Row, error) {
	cells, err := r.cr.Read()
	if err == io.EOF {
		return Row{}, io.EOF
	}
	r.row++
	if err != nil {
		return Row{}, fmt.Errorf("row %d: %w", r.row, err)
	}

	if r.headers == nil {
		r.headers = make([]string, 0, len(cells))
	}
	for len(r.headers) < len(cells) {
		r.headers = append(r.headers, fmt.Sprintf("field_%d", len(r.headers)+1))
	}

	rec := make(records.Record, len(cells))
	for i, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			rec[r.headers[i]] = nil
		} else {
			rec[r.headers[i]] = cell
		}
	}
	return Row{Number: r.row, Record: rec}, nil
}

// ReadBatch reads up to n rows. At the end of the file it returns whatever
// remains along with io.EOF; a short, non-empty final batch is therefore
// delivered with err == io.EOF.
func (r *Reader) ReadBatch(n int) ([]Row, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	out := make([]Row, 0, n)
	for len(out) < n {
		row, err := r.Read()
		if err == io.EOF {
			return out, io.EOF
		}
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Skip discards n data rows, typically to reposition at a batch boundary
// when an invocation is replayed. Reaching the end of the file early is not
// an error.
func (r *Reader) Skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close closes the underlying stream.
func (r *Reader) Close() error { return r.closer.Close() }
