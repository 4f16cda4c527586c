// Package source opens import inputs (local files, HTTP downloads) and
// streams their rows as generic records in stable file order.
package source

import (
	"context"
	"fmt"
	"io"

	"ingest/internal/model"
)

// Source yields the raw bytes of an import input.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Open resolves a job's source spec to a byte stream. httpClient may be nil
// when only file sources are in play.
func Open(ctx context.Context, spec model.SourceSpec, httpClient *HTTPClient) (io.ReadCloser, error) {
	switch spec.Kind {
	case model.SourceFile:
		return NewLocal(spec.Path).Open(ctx)
	case model.SourceHTTP:
		if httpClient == nil {
			httpClient = NewHTTPClient(HTTPConfig{})
		}
		return NewRemote(httpClient, spec.URL).Open(ctx)
	default:
		return nil, fmt.Errorf("unknown source kind %q", spec.Kind)
	}
}
