package toc

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
)

// Entry is one effective INDEX record: an Index-Key plus where its data
// lives, surviving the masking rules applied by Reader.List.
type Entry struct {
	IndexKey  *key.Key
	RelPath   string
	Offset    uint64
	Axes      Axes
	Timestamp time.Time
}

// Reader takes a snapshot view of a TOC file as of the moment List is
// called; readers take no lock and are never kept waiting by a writer.
type Reader struct {
	path string
}

// OpenReader prepares to read the TOC at path. The file is opened fresh
// on every List call so a long-lived Reader always reflects the latest
// flushed state without holding a descriptor open between calls.
func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fdberr.New(fdberr.NotFound, "toc.OpenReader", err).WithURI(path)
	}
	return &Reader{path: path}, nil
}

// List replays this TOC (and, transparently, any SUB_TOC it mounts)
// into the set of effective INDEX entries: appended, not masked by a
// later CLEAR or CLEAR_ALL, and not beneath an unmounted SUB_TOC.
func (r *Reader) List() ([]Entry, error) {
	return r.listWithStack(nil, nil)
}

// Init returns the INIT record's payload for this TOC.
func (r *Reader) Init() (dbKey *key.Key, schemaHash, uid string, err error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, "", "", fdberr.New(fdberr.Transport, "toc.Reader.Init", err).WithURI(r.path)
	}
	defer f.Close()

	rec, _, err := readRecord(f, 0)
	if err != nil {
		return nil, "", "", fdberr.New(fdberr.Corruption, "toc.Reader.Init", err).WithURI(r.path)
	}
	if rec.kind != KindInit {
		return nil, "", "", fdberr.Newf(fdberr.Corruption, "toc.Reader.Init", "first record is %s, not INIT", rec.kind).WithURI(r.path)
	}
	p, err := decodeInitPayload(rec.payload)
	if err != nil {
		return nil, "", "", fdberr.New(fdberr.Corruption, "toc.Reader.Init", err).WithURI(r.path)
	}
	return p.DBKey, p.SchemaHash, p.UID, nil
}

func (r *Reader) listWithStack(remap *key.Key, stack []string) ([]Entry, error) {
	abs, err := filepath.Abs(r.path)
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "toc.Reader.List", err).WithURI(r.path)
	}
	for _, s := range stack {
		if s == abs {
			return nil, fdberr.Newf(fdberr.Corruption, "toc.Reader.List", "sub-toc mount cycle detected at %s", abs).WithURI(abs)
		}
	}
	stack = append(stack, abs)

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "toc.Reader.List", err).WithURI(r.path)
	}
	defer f.Close()

	var indexRecords, subTocRecords []record
	maskedTargets := make(map[uint64]bool)
	subTocMasked := make(map[uint64]bool)
	clearAllOffset := int64(-1)

	offset := int64(0)
	for {
		rec, n, err := readRecord(f, offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch rec.kind {
		case KindInit:
			// validated separately via Init; no masking effect here.
		case KindIndex:
			indexRecords = append(indexRecords, *rec)
		case KindClear:
			target, err := decodeTargetPayload(rec.payload)
			if err != nil {
				return nil, fdberr.New(fdberr.Corruption, "toc.Reader.List", err).WithURI(r.path)
			}
			maskedTargets[target] = true
		case KindSubToc:
			subTocRecords = append(subTocRecords, *rec)
		case KindSubTocClear:
			target, err := decodeTargetPayload(rec.payload)
			if err != nil {
				return nil, fdberr.New(fdberr.Corruption, "toc.Reader.List", err).WithURI(r.path)
			}
			subTocMasked[target] = true
		case KindClearAll:
			clearAllOffset = offset
		}

		offset += n
	}

	var entries []Entry
	for _, rec := range indexRecords {
		if clearAllOffset >= 0 && int64(rec.offset) < clearAllOffset {
			continue
		}
		if maskedTargets[rec.offset] {
			continue
		}
		p, err := decodeIndexPayload(rec.payload)
		if err != nil {
			return nil, fdberr.New(fdberr.Corruption, "toc.Reader.List", err).WithURI(r.path)
		}
		indexKey := p.IndexKey
		if remap != nil {
			indexKey = applyRemap(indexKey, remap)
		}
		entries = append(entries, Entry{
			IndexKey:  indexKey,
			RelPath:   p.RelPath,
			Offset:    p.Offset,
			Axes:      p.Axes,
			Timestamp: p.Timestamp,
		})
	}

	for _, rec := range subTocRecords {
		if clearAllOffset >= 0 && int64(rec.offset) < clearAllOffset {
			continue
		}
		if subTocMasked[rec.offset] {
			continue
		}
		sp, err := decodeSubTocPayload(rec.payload)
		if err != nil {
			return nil, fdberr.New(fdberr.Corruption, "toc.Reader.List", err).WithURI(r.path)
		}

		childRemap := sp.Remap
		if remap != nil {
			if childRemap == nil {
				childRemap = remap
			} else {
				merged := childRemap.Clone()
				for _, n := range remap.Names() {
					v, _ := remap.Get(n)
					merged.Insert(n, v)
				}
				childRemap = merged
			}
		}

		child := &Reader{path: sp.Path}
		childEntries, err := child.listWithStack(childRemap, stack)
		if err != nil {
			return nil, err
		}
		entries = append(entries, childEntries...)
	}

	return entries, nil
}

// applyRemap overrides datumKey's values for every name remap specifies,
// implementing the "keys must match except on varying keys" rule used
// by Catalogue.overlayDB and SUB_TOC mounts.
func applyRemap(datumKey, remap *key.Key) *key.Key {
	out := datumKey.Clone()
	for _, name := range remap.Names() {
		v, _ := remap.Get(name)
		out.Insert(name, v)
	}
	return out
}
