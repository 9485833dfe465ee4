// Package visitor implements the traversal engine: given a Request,
// walk every matching DB, Index, and datum
// entry, calling a Visitor's hooks at each level. List, Purge, and Wipe
// are concrete Visitors built on top of the same Walk.
package visitor

import (
	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/engine"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
)

// Visitor receives the traversal engine's callbacks. Each hook returns
// whether Walk should descend into the subtree it guards; returning
// false skips the remainder of that subtree without stopping the
// overall walk.
type Visitor interface {
	VisitDatabase(dbKey *key.Key, cat catalogue.Catalogue) (bool, error)
	VisitIndex(indexKey *key.Key, idx catalogue.IndexEntry) (bool, error)
	VisitDatum(datumKey *key.Key, loc location.FieldLocation) (bool, error)
	CatalogueComplete(dbKey *key.Key) error
}

// Control names the ControlIdentifier a Walk checks before opening a
// candidate DB, matching the operation the caller is performing.
type Control = catalogue.ControlIdentifier

// Walk is the four-step traversal: expand req into
// candidate DB-Keys, open each that exists and is enabled for ctrl,
// and drive v's hooks over its Indexes and datum entries.
func Walk(e *engine.Engine, req *key.Request, ctrl Control, v Visitor) error {
	candidates, err := e.Candidates(req)
	if err != nil {
		return err
	}

	for _, dbKey := range candidates {
		cat, err := e.ReaderFor(dbKey)
		if fdberr.Is(err, fdberr.NotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !cat.Enabled(ctrl) {
			continue
		}

		descend, err := v.VisitDatabase(dbKey, cat)
		if err != nil {
			return err
		}
		if descend {
			if err := walkIndexes(req, cat, v); err != nil {
				return err
			}
		}
		if err := v.CatalogueComplete(dbKey); err != nil {
			return err
		}
	}
	return nil
}

func walkIndexes(req *key.Request, cat catalogue.Catalogue, v Visitor) error {
	entries, err := cat.Indexes(true)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Key != nil && !keyMatchesRequest(e.Key, req) {
			continue
		}
		descend, err := v.VisitIndex(e.Key, e)
		if err != nil {
			return err
		}
		if !descend {
			continue
		}
		err = e.Index.Visit(func(datumKey *key.Key, loc location.FieldLocation) error {
			if !keyMatchesRequest(datumKey, req) {
				return nil
			}
			_, verr := v.VisitDatum(datumKey, loc)
			return verr
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// keyMatchesRequest reports whether k is consistent with req on every
// name they both constrain. A name req names but k doesn't carry
// (because k lives at a coarser level, e.g. an Index-Key being checked
// against a request that also names Datum-level keywords) is not a
// mismatch — it simply isn't decided yet at k's level.
func keyMatchesRequest(k *key.Key, req *key.Request) bool {
	for _, name := range req.Names() {
		value, ok := k.Get(name)
		if !ok {
			continue
		}
		accepted := req.Values(name)
		if len(accepted) == 0 {
			continue
		}
		matched := false
		for _, v := range accepted {
			if v == value {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
