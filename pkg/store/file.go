package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/metrics"
	"github.com/rs/zerolog"
)

// FileStore archives bytes into one append-only file per Index-Key unit
// under root, named "<canonical-index-key>.data". Each unit has its own
// mutex so archives against different Index-Keys never contend; Flush
// fsyncs every unit touched since the last flush, making Flush the
// durability barrier Retrieve relies on.
type FileStore struct {
	root   string
	logger zerolog.Logger

	mu      sync.Mutex
	units   map[string]*fileUnit
	pending sync.WaitGroup

	closed bool
}

type fileUnit struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	dirty bool
}

// NewFileStore opens (creating if necessary) a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fdberr.New(fdberr.Transport, "store.NewFileStore", err).WithURI(dir)
	}
	return &FileStore{
		root:   dir,
		logger: logging.WithComponent("store.file"),
		units:  make(map[string]*fileUnit),
	}, nil
}

func (s *FileStore) unitPath(indexKey *key.Key) string {
	name := strings.NewReplacer("{", "", "}", "", "/", "_").Replace(indexKey.Canonical())
	return filepath.Join(s.root, name+".data")
}

func (s *FileStore) unit(indexKey *key.Key) (*fileUnit, error) {
	path := s.unitPath(indexKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.units[path]; ok {
		return u, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "store.FileStore.unit", err).WithURI(path)
	}
	u := &fileUnit{file: f, path: path}
	s.units[path] = u
	return u, nil
}

// Archive writes data to indexKey's unit immediately (the write lands in
// the OS page cache) and resolves the returned channel with the
// resulting FieldLocation. The bytes are not guaranteed durable, nor
// visible to a concurrent Retrieve via a separate Store handle, until
// Flush returns.
func (s *FileStore) Archive(ctx context.Context, indexKey *key.Key, data []byte) <-chan ArchiveResult {
	out := make(chan ArchiveResult, 1)
	s.pending.Add(1)

	u, err := s.unit(indexKey)
	if err != nil {
		s.pending.Done()
		out <- ArchiveResult{Err: err}
		close(out)
		return out
	}

	go func() {
		defer s.pending.Done()
		defer close(out)

		u.mu.Lock()
		defer u.mu.Unlock()

		offset, err := u.file.Seek(0, io.SeekEnd)
		if err != nil {
			out <- ArchiveResult{Err: fdberr.New(fdberr.Transport, "store.FileStore.Archive", err).WithURI(u.path)}
			return
		}
		n, err := u.file.Write(data)
		if err != nil || n != len(data) {
			out <- ArchiveResult{Err: fdberr.New(fdberr.Transport, "store.FileStore.Archive", err).WithURI(u.path)}
			return
		}
		u.dirty = true

		loc := location.NewFile(u.path, uint64(offset), uint64(len(data)))
		metrics.ArchiveBytesTotal.WithLabelValues(s.root).Add(float64(len(data)))
		out <- ArchiveResult{Location: loc}
	}()

	return out
}

// Flush waits for every Archive issued so far to have delivered its
// result, then fsyncs every dirty unit. This is the barrier: no Archive
// issued before Flush returns may be observed as unflushed afterward.
func (s *FileStore) Flush(ctx context.Context) error {
	s.pending.Wait()

	s.mu.Lock()
	units := make([]*fileUnit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	s.mu.Unlock()

	for _, u := range units {
		u.mu.Lock()
		if u.dirty {
			if err := u.file.Sync(); err != nil {
				u.mu.Unlock()
				return fdberr.New(fdberr.Transport, "store.FileStore.Flush", err).WithURI(u.path)
			}
			u.dirty = false
		}
		u.mu.Unlock()
	}
	return nil
}

func (s *FileStore) Retrieve(ctx context.Context, loc location.FieldLocation) (io.ReadCloser, error) {
	stable, err := loc.StableLocation(ctx)
	if err != nil {
		return nil, err
	}
	return stable.DataHandle(ctx)
}

func (s *FileStore) URIBelongs(uri string) bool {
	abs, err := filepath.Abs(s.root)
	if err != nil {
		return false
	}
	return strings.HasPrefix(uri, abs)
}

func (s *FileStore) StoreUnitURIs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "store.FileStore.StoreUnitURIs", err).WithURI(s.root)
	}
	var uris []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".data") {
			continue
		}
		uris = append(uris, filepath.Join(s.root, e.Name()))
	}
	return uris, nil
}

func (s *FileStore) Remove(ctx context.Context, uri string, doit bool) error {
	if !doit {
		s.logger.Info().Str("uri", uri).Msg("dry-run: would remove store unit")
		return nil
	}
	s.mu.Lock()
	if u, ok := s.units[uri]; ok {
		u.file.Close()
		delete(s.units, uri)
	}
	s.mu.Unlock()

	if err := os.Remove(uri); err != nil && !os.IsNotExist(err) {
		return fdberr.New(fdberr.Transport, "store.FileStore.Remove", err).WithURI(uri)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn().Str("root", s.root).Msg("FileStore closed twice")
		return nil
	}
	s.closed = true

	var firstErr error
	for _, u := range s.units {
		u.mu.Lock()
		if u.dirty {
			if err := u.file.Sync(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("store: sync %s: %w", u.path, err)
			}
		}
		if err := u.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: close %s: %w", u.path, err)
		}
		u.mu.Unlock()
	}
	return firstErr
}
