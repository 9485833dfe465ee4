package toc

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/metrics"
)

// Writer appends records to one TOC file; its mutex serialises appends
// within one process. It takes no file lock itself: exclusion across
// processes comes from the flock FileCatalogue holds on the DB directory.
// AppendSubToc mounts another DB's TOC; there is no per-process private
// sub-TOC mode.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	version uint16
	offset  int64
}

// CreateWriter creates path (must not already contain a TOC) and writes
// the INIT record. version pins the writer's serialisation format;
// pass LatestVersion unless interoperating with an older reader.
func CreateWriter(path string, version uint16, dbKey *key.Key, schemaHash, uid string) (*Writer, error) {
	if !versionSupported(version) {
		return nil, fdberr.Newf(fdberr.UsageError, "toc.CreateWriter", "unsupported TOC version %d", version)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fdberr.New(fdberr.Transport, "toc.CreateWriter", err).WithURI(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fdberr.New(fdberr.AlreadyExists, "toc.CreateWriter", err).WithURI(path)
	}
	w := &Writer{file: f, path: path, version: version}

	payload, err := encodeInitPayload(dbKey, schemaHash, uid)
	if err != nil {
		f.Close()
		return nil, fdberr.New(fdberr.Corruption, "toc.CreateWriter", err).WithURI(path)
	}
	if _, err := w.append(KindInit, payload); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// OpenWriter resumes appending to an existing TOC file at its current
// end of file.
func OpenWriter(path string, version uint16) (*Writer, error) {
	if !versionSupported(version) {
		return nil, fdberr.Newf(fdberr.UsageError, "toc.OpenWriter", "unsupported TOC version %d", version)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fdberr.New(fdberr.NotFound, "toc.OpenWriter", err).WithURI(path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fdberr.New(fdberr.Transport, "toc.OpenWriter", err).WithURI(path)
	}
	return &Writer{file: f, path: path, version: version, offset: info.Size()}, nil
}

func (w *Writer) append(kind Kind, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	recordOffset := w.offset
	n, err := writeRecord(w.file, recordOffset, w.version, kind, payload)
	if err != nil {
		return 0, fdberr.New(fdberr.Transport, "toc.Writer.append", err).WithURI(w.path)
	}
	w.offset += n
	metrics.TOCRecordsAppended.WithLabelValues(kind.String()).Inc()
	return uint64(recordOffset), nil
}

// AppendIndex records indexKey's current on-disk location plus an axes
// snapshot for sound over-approximation, and returns the record's
// offset for later use as a CLEAR target.
func (w *Writer) AppendIndex(indexKey *key.Key, relPath string, dataOffset uint64, axes Axes, ts time.Time) (uint64, error) {
	payload, err := encodeIndexPayload(indexKey, relPath, dataOffset, axes, ts)
	if err != nil {
		return 0, fdberr.New(fdberr.Corruption, "toc.Writer.AppendIndex", err)
	}
	return w.append(KindIndex, payload)
}

// AppendClear masks the INDEX record at targetOffset.
func (w *Writer) AppendClear(targetOffset uint64) (uint64, error) {
	return w.append(KindClear, encodeTargetPayload(targetOffset))
}

// AppendSubToc mounts the TOC at subPath, remapping its entries' keys
// through remap (nil if no remap is needed).
func (w *Writer) AppendSubToc(subPath string, remap *key.Key) (uint64, error) {
	payload, err := encodeSubTocPayload(subPath, remap)
	if err != nil {
		return 0, fdberr.New(fdberr.Corruption, "toc.Writer.AppendSubToc", err)
	}
	return w.append(KindSubToc, payload)
}

// AppendSubTocClear unmounts the SUB_TOC record at targetOffset.
func (w *Writer) AppendSubTocClear(targetOffset uint64) (uint64, error) {
	return w.append(KindSubTocClear, encodeTargetPayload(targetOffset))
}

// AppendClearAll masks every record strictly before the new record.
func (w *Writer) AppendClearAll() (uint64, error) {
	return w.append(KindClearAll, nil)
}

// Offset returns the next record's would-be offset, i.e. current EOF.
func (w *Writer) Offset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint64(w.offset)
}

// Close is idempotent: a second Close logs a warning rather than
// erroring, per the unified close contract.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		logging.Warn("toc writer closed twice: " + w.path)
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fdberr.New(fdberr.Transport, "toc.Writer.Close", err).WithURI(w.path)
	}
	return nil
}
