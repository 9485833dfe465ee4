// Package store implements the Store contract: the bulk-bytes back-end
// that archives raw field data and hands back FieldLocations, and later
// retrieves exact byte ranges from those locations. FileStore is the one
// fully-implemented back-end; the object-store variants are wired as
// interface-only collaborators.
package store

import (
	"context"
	"io"

	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
)

// ArchiveResult is delivered on the channel returned by Archive once the
// bytes have been accepted (not necessarily durable — durability is
// Flush's job).
type ArchiveResult struct {
	Location location.FieldLocation
	Err      error
}

// Store owns the bulk bytes for one DB. Archive is safe for concurrent
// callers; Flush is a barrier no Archive issued before it returns may be
// observed as unflushed by Retrieve.
type Store interface {
	// Archive enqueues data under indexKey's storage unit and returns a
	// channel that receives exactly one ArchiveResult once the location
	// is assigned. The location is valid for Retrieve only after the
	// next successful Flush.
	Archive(ctx context.Context, indexKey *key.Key, data []byte) <-chan ArchiveResult

	// Flush makes all previously archived bytes durable; it does not
	// return until every outstanding ArchiveResult channel has already
	// delivered its value.
	Flush(ctx context.Context) error

	// Retrieve opens exactly the bytes described by loc.
	Retrieve(ctx context.Context, loc location.FieldLocation) (io.ReadCloser, error)

	// URIBelongs reports whether uri lies inside this Store's namespace.
	URIBelongs(uri string) bool

	// StoreUnitURIs enumerates the physical storage objects (files,
	// containers) this Store currently owns, for use by wipe.
	StoreUnitURIs(ctx context.Context) ([]string, error)

	// Remove deletes uri. When doit is false this is a dry-run: the
	// Store reports what it would delete without touching anything.
	Remove(ctx context.Context, uri string, doit bool) error

	// Close flushes and releases resources. Idempotent: a second Close
	// logs a warning but does not error.
	Close() error
}
