// Package index implements the Index contract: the sound, possibly
// over-approximating map from a datum-key fingerprint to the
// FieldLocation holding its bytes, plus the per-keyword axes used to
// reject a Request without touching the underlying Store.
package index

import (
	"time"

	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
)

// Index owns the datum-key -> FieldLocation map for one Index-Key
// within a Catalogue. MayContain must never return false for a Request
// that Get would satisfy (soundness); it may return true for a Request
// that ultimately misses (over-approximation is allowed).
type Index interface {
	// Put records the location for datumKey, overwriting any entry
	// already present (last write wins, matching TOC replay order).
	Put(datumKey *key.Key, loc location.FieldLocation) error

	// Get returns the most recently Put location for datumKey.
	Get(datumKey *key.Key) (location.FieldLocation, bool, error)

	// MayContain reports whether this Index could hold an entry
	// matching req, using only the per-keyword axes, without a lookup.
	MayContain(req *key.Request) bool

	// Axes returns the distinct values observed for keyword across
	// every Put this Index has ever recorded.
	Axes(keyword string) []string

	// Keywords returns the names of every axis this Index has observed.
	Keywords() []string

	// Timestamp returns when this Index was last modified.
	Timestamp() time.Time

	// Visit calls fn once per (datumKey, location) entry. Iteration
	// order is unspecified.
	Visit(fn func(datumKey *key.Key, loc location.FieldLocation) error) error

	// Flush persists any buffered writes durably.
	Flush() error

	// Close flushes and releases the Index's resources.
	Close() error
}
