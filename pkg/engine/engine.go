// Package engine implements the Engine/Factory contract: given a
// Request or a concrete DB-Key, it discovers which root a database
// lives under, and builds the Catalogue/Store pair that serves it. It
// owns no storage logic of its own; that lives in catalogue and
// store. It only wires configuration to construction.
package engine

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/config"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/arkfield/fdb/pkg/store"
)

// Engine discovers and opens Catalogues under the roots named in its
// Config, and hands out Stores for archiving bulk bytes. One process
// holds one Engine; an Engine is safe for concurrent use.
type Engine struct {
	cfg *config.Config
	sch schema.Schema

	mu         sync.Mutex
	catalogues map[string]catalogue.Catalogue // DB-Key canonical -> open Catalogue
	stores     map[string]store.Store         // root path -> open Store
}

// New builds an Engine over cfg and sch. Neither roots nor stores are
// touched until a Writer/Reader/Store is actually requested.
func New(cfg *config.Config, sch schema.Schema) *Engine {
	return &Engine{
		cfg:        cfg,
		sch:        sch,
		catalogues: make(map[string]catalogue.Catalogue),
		stores:     make(map[string]store.Store),
	}
}

// dbRoot returns the filesystem directory a DB-Key's Catalogue lives
// under: the first configured root, joined with the key's canonical
// form. Multiple roots exist for capacity partitioning; this picks the
// first one deterministically, matching FDB_ROOT_TABLE's role of a
// single default root when no per-DB placement policy is configured.
func (e *Engine) dbRoot(dbKey *key.Key) (string, error) {
	if len(e.cfg.Roots) == 0 {
		return "", fdberr.New(fdberr.UsageError, "engine.dbRoot", nil)
	}
	return filepath.Join(e.cfg.Roots[0], dbKey.Canonical()), nil
}

// WriterFor returns a writable Catalogue for dbKey, creating its
// directory and TOC if this is the first time it has been seen.
// Concurrent writers for the same DB-Key within one process share the
// same Catalogue value; concurrent writers across processes are
// rejected by the advisory lock CreateWriterCatalogue/OpenWriterCatalogue
// take on the DB directory.
func (e *Engine) WriterFor(dbKey *key.Key) (catalogue.Catalogue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	canon := dbKey.Canonical()
	if c, ok := e.catalogues[canon]; ok {
		return c, nil
	}

	root, err := e.dbRoot(dbKey)
	if err != nil {
		return nil, err
	}

	var c catalogue.Catalogue
	if _, statErr := os.Stat(filepath.Join(root, "toc")); statErr == nil {
		c, err = catalogue.OpenWriterCatalogue(root, e.sch)
	} else {
		c, err = catalogue.CreateWriterCatalogue(root, dbKey, e.sch, schemaHash(e.sch), newUID())
	}
	if err != nil {
		return nil, err
	}
	e.catalogues[canon] = c
	return c, nil
}

// ReaderFor returns a read-only Catalogue snapshot for dbKey.
func (e *Engine) ReaderFor(dbKey *key.Key) (catalogue.Catalogue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	canon := dbKey.Canonical()
	if c, ok := e.catalogues[canon]; ok {
		return c, nil
	}

	root, err := e.dbRoot(dbKey)
	if err != nil {
		return nil, err
	}
	c, err := catalogue.OpenReaderCatalogue(root, e.sch)
	if err != nil {
		return nil, err
	}
	e.catalogues[canon] = c
	return c, nil
}

// Candidates expands req against the Engine's Schema into every
// DB-Key a Visitor might need to open, per the read-path control flow:
// "Engine enumerates candidate Catalogues".
func (e *Engine) Candidates(req *key.Request) ([]*key.Key, error) {
	return e.sch.MatchFirstLevel(req, "")
}

// StoreFor returns the Store backing root, opening it on first use.
// root is a URI understood by store.Open (bare path, file://, daos://,
// fam://, s3://, rados://).
func (e *Engine) StoreFor(root string) (store.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.stores[root]; ok {
		return s, nil
	}
	s, err := store.Open(root)
	if err != nil {
		return nil, err
	}
	e.stores[root] = s
	return s, nil
}

// RemoveDB closes dbKey's Catalogue if this Engine has it open, evicts
// it (and any Store rooted inside the DB directory) from the cache,
// and deletes the DB container directory. This is the final step of a
// full wipe; after it returns, ReaderFor reports the DB as NotFound.
func (e *Engine) RemoveDB(dbKey *key.Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	root, err := e.dbRoot(dbKey)
	if err != nil {
		return err
	}

	canon := dbKey.Canonical()
	if c, ok := e.catalogues[canon]; ok {
		if err := c.Close(); err != nil {
			return err
		}
		delete(e.catalogues, canon)
	}
	for uri, s := range e.stores {
		if strings.HasPrefix(uri, root) {
			_ = s.Close()
			delete(e.stores, uri)
		}
	}

	if err := os.RemoveAll(root); err != nil {
		return fdberr.New(fdberr.Transport, "engine.RemoveDB", err).WithURI(root)
	}
	return nil
}

// Close closes every Catalogue and Store this Engine has opened,
// collecting the first error encountered.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, c := range e.catalogues {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range e.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
