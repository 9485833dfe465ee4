package visitor

import (
	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
)

// DBStats summarises one DB's contents.
type DBStats struct {
	DBKey      *key.Key
	IndexCount int
	DatumCount int
}

// Stats is a read-only reporting Visitor: no masking, no deletion, just
// counts per DB.
type Stats struct {
	Results []DBStats

	current *DBStats
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) VisitDatabase(dbKey *key.Key, cat catalogue.Catalogue) (bool, error) {
	s.current = &DBStats{DBKey: dbKey}
	return true, nil
}

func (s *Stats) VisitIndex(indexKey *key.Key, e catalogue.IndexEntry) (bool, error) {
	s.current.IndexCount++
	return true, nil
}

func (s *Stats) VisitDatum(datumKey *key.Key, loc location.FieldLocation) (bool, error) {
	s.current.DatumCount++
	return true, nil
}

func (s *Stats) CatalogueComplete(dbKey *key.Key) error {
	s.Results = append(s.Results, *s.current)
	s.current = nil
	return nil
}
