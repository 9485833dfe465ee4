package catalogue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/index"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/metrics"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/arkfield/fdb/pkg/toc"
	"github.com/gofrs/flock"
)

// FileCatalogue is the filesystem-backed Catalogue: one directory per
// DB, holding a TOC file, one BoltIndex file per Index-Key, and a small
// control-state sidecar. A writer holds an exclusive advisory lock on
// the directory for its lifetime; readers take none and are never
// kept waiting.
type FileCatalogue struct {
	mu sync.Mutex

	root    string
	dbKey   *key.Key
	sch     schema.Schema
	writer  bool
	lock    *flock.Flock
	tocW    *toc.Writer
	closed  bool

	indexes        map[string]*index.BoltIndex // keyed by Index-Key canonical string
	indexFiles     map[string]string           // canonical -> relative path
	indexKeys      map[string]*key.Key         // canonical -> the Index-Key itself
	indexRecordOff map[string]uint64           // canonical -> most recent INDEX record's TOC offset
	dirty          map[string]bool

	currentKey *key.Key
	current    *index.BoltIndex

	archivedSinceFlush int

	control ControlIdentifier

	mounts map[string]overlayMount // keyed by mounted DB's TOC path
}

type overlayMount struct {
	offset uint64
}

type controlState struct {
	Bits int `json:"bits"`
}

func controlStatePath(root string) string { return filepath.Join(root, "control.state") }

func tocPath(root string) string { return filepath.Join(root, "toc") }

func lockPath(root string) string { return filepath.Join(root, "toc.lock") }

// CreateWriterCatalogue creates a fresh DB directory at root, owned by
// dbKey and governed by sch, and opens it for writing.
func CreateWriterCatalogue(root string, dbKey *key.Key, sch schema.Schema, schemaHash, uid string) (*FileCatalogue, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fdberr.New(fdberr.Transport, "catalogue.CreateWriterCatalogue", err).WithURI(root)
	}

	lock := flock.New(lockPath(root))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "catalogue.CreateWriterCatalogue", err).WithURI(root)
	}
	if !locked {
		return nil, fdberr.Newf(fdberr.Consistency, "catalogue.CreateWriterCatalogue", "db already has an active writer").WithURI(root)
	}

	w, err := toc.CreateWriter(tocPath(root), toc.EffectiveVersion(), dbKey, schemaHash, uid)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	return &FileCatalogue{
		root:       root,
		dbKey:      dbKey,
		sch:        sch,
		writer:     true,
		lock:       lock,
		tocW:       w,
		indexes:    make(map[string]*index.BoltIndex),
		indexFiles: make(map[string]string),
		indexKeys:      make(map[string]*key.Key),
		indexRecordOff: make(map[string]uint64),
		dirty:          make(map[string]bool),
		control:        allControls,
		mounts:     make(map[string]overlayMount),
	}, nil
}

// OpenWriterCatalogue resumes writing to an existing DB directory.
func OpenWriterCatalogue(root string, sch schema.Schema) (*FileCatalogue, error) {
	lock := flock.New(lockPath(root))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "catalogue.OpenWriterCatalogue", err).WithURI(root)
	}
	if !locked {
		return nil, fdberr.Newf(fdberr.Consistency, "catalogue.OpenWriterCatalogue", "db already has an active writer").WithURI(root)
	}

	r, err := toc.OpenReader(tocPath(root))
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	dbKey, _, _, err := r.Init()
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	w, err := toc.OpenWriter(tocPath(root), toc.EffectiveVersion())
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	fc := &FileCatalogue{
		root:       root,
		dbKey:      dbKey,
		sch:        sch,
		writer:     true,
		lock:       lock,
		tocW:       w,
		indexes:    make(map[string]*index.BoltIndex),
		indexFiles: make(map[string]string),
		indexKeys:      make(map[string]*key.Key),
		indexRecordOff: make(map[string]uint64),
		dirty:          make(map[string]bool),
		mounts:         make(map[string]overlayMount),
	}
	fc.control = fc.loadControlState()

	entries, err := r.List()
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	for _, e := range entries {
		canon := e.IndexKey.Canonical()
		fc.indexFiles[canon] = e.RelPath
		fc.indexKeys[canon] = e.IndexKey
	}
	return fc, nil
}

// OpenReaderCatalogue opens root as a read-only snapshot.
func OpenReaderCatalogue(root string, sch schema.Schema) (*FileCatalogue, error) {
	r, err := toc.OpenReader(tocPath(root))
	if err != nil {
		return nil, err
	}
	dbKey, _, _, err := r.Init()
	if err != nil {
		return nil, err
	}

	fc := &FileCatalogue{
		root:       root,
		dbKey:      dbKey,
		sch:        sch,
		writer:     false,
		indexes:    make(map[string]*index.BoltIndex),
		indexFiles: make(map[string]string),
		indexKeys:      make(map[string]*key.Key),
		indexRecordOff: make(map[string]uint64),
		dirty:          make(map[string]bool),
		mounts:         make(map[string]overlayMount),
	}
	fc.control = fc.loadControlState()

	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		canon := e.IndexKey.Canonical()
		fc.indexFiles[canon] = e.RelPath
		fc.indexKeys[canon] = e.IndexKey
	}
	return fc, nil
}

func (c *FileCatalogue) loadControlState() ControlIdentifier {
	data, err := os.ReadFile(controlStatePath(c.root))
	if err != nil {
		return allControls
	}
	var st controlState
	if err := json.Unmarshal(data, &st); err != nil {
		return allControls
	}
	return ControlIdentifier(st.Bits)
}

func (c *FileCatalogue) saveControlState() error {
	data, err := json.Marshal(controlState{Bits: int(c.control)})
	if err != nil {
		return err
	}
	return os.WriteFile(controlStatePath(c.root), data, 0o644)
}

func (c *FileCatalogue) DBKey() *key.Key { return c.dbKey }

func (c *FileCatalogue) Schema() schema.Schema { return c.sch }

func (c *FileCatalogue) indexRelPath(indexKey *key.Key) string {
	name := strings.NewReplacer("{", "", "}", "", "/", "_").Replace(indexKey.Canonical())
	return name + ".index.bolt"
}

func (c *FileCatalogue) openIndex(canon, relPath string) (*index.BoltIndex, error) {
	if idx, ok := c.indexes[canon]; ok {
		return idx, nil
	}
	idx, err := index.OpenBoltIndex(filepath.Join(c.root, relPath))
	if err != nil {
		return nil, err
	}
	c.indexes[canon] = idx
	return idx, nil
}

// SelectIndex sets the current Index for subsequent Archive calls,
// creating its backing file if this Catalogue is a writer. Selecting
// the same key repeatedly has no effect beyond the first.
func (c *FileCatalogue) SelectIndex(indexKey *key.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	canon := indexKey.Canonical()
	if c.currentKey != nil && c.currentKey.Canonical() == canon {
		return nil
	}

	relPath, ok := c.indexFiles[canon]
	if !ok {
		if !c.writer {
			return fdberr.Newf(fdberr.NotFound, "catalogue.SelectIndex", "no such index %s", canon).WithURI(c.root)
		}
		relPath = c.indexRelPath(indexKey)
		c.indexFiles[canon] = relPath
	}

	idx, err := c.openIndex(canon, relPath)
	if err != nil {
		return err
	}
	c.indexKeys[canon] = indexKey
	c.currentKey = indexKey
	c.current = idx
	return nil
}

func (c *FileCatalogue) DeselectIndex() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentKey = nil
	c.current = nil
}

// Archive adds (datumKey, loc) to the current Index.
func (c *FileCatalogue) Archive(datumKey *key.Key, loc location.FieldLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return fdberr.New(fdberr.UsageError, "catalogue.Archive", nil).WithURI(c.root)
	}
	if err := c.current.Put(datumKey, loc); err != nil {
		return err
	}
	c.archivedSinceFlush++
	c.dirty[c.currentKey.Canonical()] = true
	metrics.ArchiveTotal.WithLabelValues(c.dbKey.Canonical()).Inc()
	return nil
}

// Retrieve looks up datumKey in every Index whose axes may contain it,
// returning the first hit. A disabled Retrieve control makes this
// behave as though the DB does not exist.
func (c *FileCatalogue) Retrieve(datumKey *key.Key) (location.FieldLocation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabledLocked(ControlRetrieve) {
		return nil, false, nil
	}

	req := datumKey.Request()
	for canon, relPath := range c.indexFiles {
		idx, err := c.openIndex(canon, relPath)
		if err != nil {
			return nil, false, err
		}
		if !idx.MayContain(req) {
			continue
		}
		loc, ok, err := idx.Get(datumKey)
		if err != nil {
			return nil, false, err
		}
		if ok {
			metrics.RetrieveTotal.WithLabelValues(c.dbKey.Canonical(), "hit").Inc()
			return loc, true, nil
		}
	}
	metrics.RetrieveTotal.WithLabelValues(c.dbKey.Canonical(), "miss").Inc()
	return nil, false, nil
}

// Flush asserts exactly expectedArchivedCount Archive calls have been
// observed since the last Flush, then durably flushes every dirty
// Index and appends its INDEX record to the TOC. Calling Flush twice
// with no intervening Archive is a no-op.
func (c *FileCatalogue) Flush(expectedArchivedCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expectedArchivedCount != c.archivedSinceFlush {
		return fdberr.Newf(fdberr.Consistency, "catalogue.Flush",
			"expected %d archives, observed %d", expectedArchivedCount, c.archivedSinceFlush).WithURI(c.root)
	}
	if len(c.dirty) == 0 {
		return nil
	}
	if !c.writer {
		return fdberr.New(fdberr.UsageError, "catalogue.Flush", nil).WithURI(c.root)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)

	canonicals := make([]string, 0, len(c.dirty))
	for canon := range c.dirty {
		canonicals = append(canonicals, canon)
	}
	sort.Strings(canonicals)

	for _, canon := range canonicals {
		idx := c.indexes[canon]
		if err := idx.Flush(); err != nil {
			return err
		}

		axes := toc.Axes{}
		for _, kw := range idx.Keywords() {
			axes[kw] = idx.Axes(kw)
		}

		indexKey, ok := c.indexKeys[canon]
		if !ok {
			return fdberr.Newf(fdberr.Consistency, "catalogue.Flush", "no Index-Key recorded for %s", canon).WithURI(c.root)
		}

		offset, err := c.tocW.AppendIndex(indexKey, c.indexFiles[canon], 0, axes, idx.Timestamp())
		if err != nil {
			return err
		}
		c.indexRecordOff[canon] = offset
	}

	c.dirty = make(map[string]bool)
	c.archivedSinceFlush = 0
	return nil
}

// Indexes returns a snapshot of the Indexes this Catalogue currently
// knows about, paired with the Index-Key that selects each.
func (c *FileCatalogue) Indexes(sorted bool) ([]IndexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	canonicals := make([]string, 0, len(c.indexFiles))
	for canon := range c.indexFiles {
		canonicals = append(canonicals, canon)
	}
	if sorted {
		sort.Strings(canonicals)
	}

	out := make([]IndexEntry, 0, len(canonicals))
	for _, canon := range canonicals {
		idx, err := c.openIndex(canon, c.indexFiles[canon])
		if err != nil {
			return nil, err
		}
		out = append(out, IndexEntry{Key: c.indexKeys[canon], Index: idx})
	}
	return out, nil
}

// Control flips the named bits and persists the result.
func (c *FileCatalogue) Control(action ControlAction, ids ControlIdentifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case Enable:
		c.control |= ids
	case Disable:
		c.control &^= ids
	}
	return c.saveControlState()
}

func (c *FileCatalogue) Enabled(id ControlIdentifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabledLocked(id)
}

func (c *FileCatalogue) enabledLocked(id ControlIdentifier) bool {
	return c.control&id != 0
}

// Mask appends a CLEAR record hiding indexKey's most recent INDEX
// record. Used by visitor.Wipe when an Index's Store units are mixed
// with data outside the wipe request: the entries are hidden from
// future reads without physically deleting anything.
func (c *FileCatalogue) Mask(indexKey *key.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.writer {
		return fdberr.New(fdberr.UsageError, "catalogue.Mask", nil).WithURI(c.root)
	}
	canon := indexKey.Canonical()
	offset, ok := c.indexRecordOff[canon]
	if !ok {
		return fdberr.Newf(fdberr.NotFound, "catalogue.Mask", "no INDEX record for %s", canon).WithURI(c.root)
	}
	_, err := c.tocW.AppendClear(offset)
	return err
}

// IndexFilePath returns the absolute path of indexKey's backing file,
// if this Catalogue knows of one.
func (c *FileCatalogue) IndexFilePath(indexKey *key.Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rel, ok := c.indexFiles[indexKey.Canonical()]
	if !ok {
		return "", false
	}
	return filepath.Join(c.root, rel), true
}

// OverlayDB mounts other's TOC into this Catalogue via a SUB_TOC
// record, remapping other's entries through remap wherever remap names
// a keyword. Unmount reverses a previous mount for the same other.
func (c *FileCatalogue) OverlayDB(other *FileCatalogue, remap *key.Key, unmount bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.writer {
		return fdberr.New(fdberr.UsageError, "catalogue.OverlayDB", nil).WithURI(c.root)
	}
	otherTOC := tocPath(other.root)

	if unmount {
		m, ok := c.mounts[otherTOC]
		if !ok {
			return fdberr.Newf(fdberr.NotFound, "catalogue.OverlayDB", "no mount for %s", otherTOC).WithURI(otherTOC)
		}
		if _, err := c.tocW.AppendSubTocClear(m.offset); err != nil {
			return err
		}
		delete(c.mounts, otherTOC)
		return nil
	}

	offset, err := c.tocW.AppendSubToc(otherTOC, remap)
	if err != nil {
		return err
	}
	c.mounts[otherTOC] = overlayMount{offset: offset}
	return nil
}

// Close closes every open Index, the TOC writer and the writer lock.
// It does not flush: Archives since the last Flush get no INDEX record.
// Idempotent: a second Close logs a warning.
func (c *FileCatalogue) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		logging.Warn("catalogue closed twice: " + c.root)
		return nil
	}
	c.closed = true

	var firstErr error
	for _, idx := range c.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.tocW != nil {
		if err := c.tocW.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
