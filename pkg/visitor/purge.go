package visitor

import (
	"time"

	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
)

// Duplicate is one entry Purge determined is shadowed by a later Index
// entry for the same datum-key.
type Duplicate struct {
	Key      *key.Key
	Location location.FieldLocation
}

// Purge finds datum-keys that appear in more than one Index this walk
// visits, keeping only the one with the latest Index timestamp and
// reporting the rest as duplicates a caller may then Store.Remove.
type Purge struct {
	byCell     map[string][]cellEntry
	curIndexTS time.Time
}

type cellEntry struct {
	key key.Key
	loc location.FieldLocation
	ts  time.Time
}

func NewPurge() *Purge {
	return &Purge{byCell: make(map[string][]cellEntry)}
}

func (p *Purge) VisitDatabase(dbKey *key.Key, cat catalogue.Catalogue) (bool, error) {
	return true, nil
}

func (p *Purge) VisitIndex(indexKey *key.Key, e catalogue.IndexEntry) (bool, error) {
	p.curIndexTS = e.Index.Timestamp()
	return true, nil
}

func (p *Purge) VisitDatum(datumKey *key.Key, loc location.FieldLocation) (bool, error) {
	cell := datumKey.Canonical()
	p.byCell[cell] = append(p.byCell[cell], cellEntry{key: *datumKey, loc: loc, ts: p.curIndexTS})
	return true, nil
}

func (p *Purge) CatalogueComplete(dbKey *key.Key) error { return nil }

// Duplicates returns every shadowed entry found across the walk: for
// each datum-key seen more than once, every copy except the one with
// the latest Index timestamp.
func (p *Purge) Duplicates() []Duplicate {
	var out []Duplicate
	for _, copies := range p.byCell {
		if len(copies) < 2 {
			continue
		}
		latest := 0
		for i, c := range copies {
			if c.ts.After(copies[latest].ts) {
				latest = i
			}
		}
		for i, c := range copies {
			if i == latest {
				continue
			}
			k := c.key
			out = append(out, Duplicate{Key: &k, Location: c.loc})
		}
	}
	return out
}
