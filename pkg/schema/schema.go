// Package schema defines the Schema contract used to expand and match
// keys across fdb's three levels (DB, Index, Datum) and ships one
// concrete, YAML-driven implementation. Schema is intentionally a thin
// collaborator: request-language parsing is an external
// concern, so RuleSchema only needs ordered keyword lists per level to
// support matchFirstLevel and expand.
package schema

import (
	"fmt"

	"github.com/arkfield/fdb/pkg/key"
)

// Level identifies one of the three expansion levels a Schema governs.
type Level int

const (
	DBLevel Level = iota
	IndexLevel
	DatumLevel
)

// Rule describes the ordered, possibly-optional keywords expected at one
// level of the schema.
type Rule struct {
	Keywords []string
	Optional map[string]bool // keyword -> has a registered default
	Defaults map[string]string
}

// Schema is the three-level set of expansion/matching rules a Catalogue
// and Engine use to go from a Request to concrete Keys, and back.
type Schema interface {
	// MatchFirstLevel returns every candidate DB-Key implied by req,
	// substituting missingValuePlaceholder for any name the request did
	// not specify but the DB-level rule requires.
	MatchFirstLevel(req *key.Request, missingValuePlaceholder string) ([]*key.Key, error)

	// MatchingRule returns the DB-level Rule that governs dbKey.
	MatchingRule(dbKey *key.Key) (*Rule, error)

	// Expand performs the full Cartesian expansion of req into concrete
	// Keys, subject to the schema's rules at all three levels.
	Expand(req *key.Request) (KeyIterator, error)
}

// KeyIterator yields Keys one at a time; Next returns (nil, false) when
// exhausted.
type KeyIterator interface {
	Next() (*key.Key, bool)
}

// Error reports a schema-level failure, e.g. an unknown keyword
// encountered during strict expansion.
type Error struct {
	Keyword string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema: keyword %q: %s", e.Keyword, e.Reason)
}
