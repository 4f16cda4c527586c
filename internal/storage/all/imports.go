// Package all wires all built-in storage backends into the storage factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) runs the init functions of each concrete backend, which register
// their factories with the storage package.
//
// Importing it makes the following storage kinds available at runtime:
//
//   - "memory"   (ingest/internal/storage/memory)
//   - "postgres" (ingest/internal/storage/postgres)
//   - "sqlite"   (ingest/internal/storage/sqlite)
//
// Typical usage (in cmd/importd/main.go or a similar wiring layer):
//
//	import _ "ingest/internal/storage/all" // enable all built-in backends
//
//	store, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
//
// A binary that only needs a subset of backends can blank-import the
// individual backend packages instead of this one.
package all

import (
	_ "ingest/internal/storage/memory"
	_ "ingest/internal/storage/postgres"
	_ "ingest/internal/storage/sqlite"
)
