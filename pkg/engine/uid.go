package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/arkfield/fdb/pkg/schema"
	"github.com/google/uuid"
)

// newUID mints the opaque identifier stamped into a freshly-created
// DB's INIT record, used only for operator-facing provenance: a random
// UUID that distinguishes two DBs with the same DB-Key created at
// different times.
func newUID() string {
	return uuid.NewString()
}

// schemaHash fingerprints sch for the INIT record, so that a reader of
// the TOC can tell whether the schema governing the DB has since
// changed; FileCatalogue does not compare it on reopen. Keyword
// lists are the only thing MatchingRule depends on, so hashing their
// string form is sufficient without requiring Schema to expose its own
// digest.
func schemaHash(sch schema.Schema) string {
	h := sha256.New()
	fmt.Fprintf(h, "%T %v", sch, sch)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
