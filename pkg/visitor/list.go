package visitor

import (
	"sort"
	"time"

	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
)

// Entry is one (full-key, FieldLocation) pair a List visitor emits.
type Entry struct {
	Key       *key.Key
	Location  location.FieldLocation
	Timestamp time.Time
}

// List collects every matching (datum-key, FieldLocation) pair. With
// Dedup set, entries with the same canonical datum key collapse to one,
// the most recent by Index timestamp winning.
type List struct {
	Dedup bool

	entries    []Entry
	bestByCell map[string]int // cell key -> index into entries, only used when Dedup
	curIndexTS time.Time
}

func NewList(dedup bool) *List {
	return &List{Dedup: dedup, bestByCell: make(map[string]int)}
}

func (l *List) VisitDatabase(dbKey *key.Key, cat catalogue.Catalogue) (bool, error) {
	return true, nil
}

func (l *List) VisitIndex(indexKey *key.Key, e catalogue.IndexEntry) (bool, error) {
	l.curIndexTS = e.Index.Timestamp()
	return true, nil
}

func (l *List) VisitDatum(datumKey *key.Key, loc location.FieldLocation) (bool, error) {
	entry := Entry{Key: datumKey, Location: loc, Timestamp: l.curIndexTS}
	if !l.Dedup {
		l.entries = append(l.entries, entry)
		return true, nil
	}

	cell := datumKey.Canonical()
	if i, ok := l.bestByCell[cell]; ok {
		if entry.Timestamp.After(l.entries[i].Timestamp) {
			l.entries[i] = entry
		}
		return true, nil
	}
	l.bestByCell[cell] = len(l.entries)
	l.entries = append(l.entries, entry)
	return true, nil
}

func (l *List) CatalogueComplete(dbKey *key.Key) error { return nil }

// Entries returns the collected entries sorted by key for deterministic
// output.
func (l *List) Entries() []Entry {
	out := append([]Entry(nil), l.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Canonical() < out[j].Key.Canonical() })
	return out
}
