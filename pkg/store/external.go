package store

import (
	"context"
	"io"
	"net/url"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
)

// externalStore is the shared skeleton for the object-store back-ends
// that have no local SDK wired in this tree. Archive, Retrieve and
// Remove fail with a Transport "no <backend> backend registered" error;
// Flush and Close succeed doing nothing, and StoreUnitURIs reports no
// units. No manifest is kept. This matches the FieldLocation variants in
// pkg/location whose DataHandle reports "unavailable".
type externalStore struct {
	backend string
	root    string
}

func newExternalStore(backend, root string) *externalStore {
	return &externalStore{backend: backend, root: root}
}

func (s *externalStore) Archive(ctx context.Context, indexKey *key.Key, data []byte) <-chan ArchiveResult {
	out := make(chan ArchiveResult, 1)
	out <- ArchiveResult{Err: fdberr.Newf(fdberr.Transport, "store."+s.backend+".Archive",
		"no %s backend registered for %s", s.backend, s.root)}
	close(out)
	return out
}

func (s *externalStore) Flush(ctx context.Context) error { return nil }

func (s *externalStore) Retrieve(ctx context.Context, loc location.FieldLocation) (io.ReadCloser, error) {
	return nil, fdberr.Newf(fdberr.Transport, "store."+s.backend+".Retrieve",
		"no %s backend registered for %s", s.backend, loc.URI())
}

func (s *externalStore) URIBelongs(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Scheme == s.backend
}

func (s *externalStore) StoreUnitURIs(ctx context.Context) ([]string, error) { return nil, nil }

func (s *externalStore) Remove(ctx context.Context, uri string, doit bool) error {
	return fdberr.Newf(fdberr.Transport, "store."+s.backend+".Remove",
		"no %s backend registered for %s", s.backend, uri)
}

func (s *externalStore) Close() error { return nil }

// DaosStore is a placeholder for a DAOS-array-backed Store. Wiring a real
// one requires the DAOS client SDK, which is an external collaborator.
func DaosStore(root string) Store { return newExternalStore(location.TagDaos, root) }

// FamStore is a placeholder for a fabric-attached-memory-backed Store.
func FamStore(root string) Store { return newExternalStore(location.TagFam, root) }

// S3Store is a placeholder for an S3-compatible-backed Store.
func S3Store(root string) Store { return newExternalStore(location.TagS3, root) }

// RadosStore is a placeholder for a Ceph-RADOS-backed Store.
func RadosStore(root string) Store { return newExternalStore(location.TagRados, root) }

// Open dispatches on uri's scheme to construct the matching Store
// implementation.
func Open(uri string) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fdberr.New(fdberr.UsageError, "store.Open", err).WithURI(uri)
	}

	switch u.Scheme {
	case "", "file", "fdb":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return NewFileStore(path)
	case "daos":
		return DaosStore(uri), nil
	case "fam":
		return FamStore(uri), nil
	case "s3":
		return S3Store(uri), nil
	case "rados":
		return RadosStore(uri), nil
	default:
		return nil, fdberr.Newf(fdberr.UsageError, "store.Open", "unsupported store scheme %q", u.Scheme).WithURI(uri)
	}
}
