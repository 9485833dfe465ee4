// Package catalogue implements the Catalogue contract: the index-side
// of one database, binding a DB-Key to its Schema and owning a TOC log
// plus the set of Indexes it references.
package catalogue

import (
	"github.com/arkfield/fdb/pkg/index"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/schema"
)

// ControlIdentifier is one flag in the set-valued control flags a
// Catalogue tracks; an operation whose bit is disabled must treat the
// DB as if it did not exist.
type ControlIdentifier int

const (
	ControlList ControlIdentifier = 1 << iota
	ControlRetrieve
	ControlArchive
	ControlWipe
	ControlUniqueRoot
)

const allControls = ControlList | ControlRetrieve | ControlArchive | ControlWipe | ControlUniqueRoot

// ControlAction flips a ControlIdentifier on or off.
type ControlAction int

const (
	Enable ControlAction = iota
	Disable
)

// IndexEntry pairs an Index with the Index-Key that selects it, the
// association the Catalogue holds internally but Index itself does not
// know about.
type IndexEntry struct {
	Key   *key.Key
	Index index.Index
}

// Catalogue is the per-DB index-side contract. Implementations are not
// required to be safe for concurrent use by multiple goroutines beyond
// what FileCatalogue documents.
type Catalogue interface {
	DBKey() *key.Key
	SelectIndex(indexKey *key.Key) error
	DeselectIndex()
	Archive(datumKey *key.Key, loc location.FieldLocation) error
	Retrieve(datumKey *key.Key) (location.FieldLocation, bool, error)
	Flush(expectedArchivedCount int) error
	Indexes(sorted bool) ([]IndexEntry, error)
	Schema() schema.Schema
	Control(action ControlAction, ids ControlIdentifier) error
	Enabled(id ControlIdentifier) bool
	// Mask appends a TOC CLEAR record hiding indexKey's most recent
	// INDEX record, the partial-masking path wipe takes for mixed
	// storage units.
	Mask(indexKey *key.Key) error
	Close() error
}
