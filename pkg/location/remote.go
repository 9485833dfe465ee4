package location

import (
	"context"
	"io"

	"github.com/arkfield/fdb/pkg/key"
)

// RemoteLocation wraps another FieldLocation plus the server endpoint
// that can resolve it. Unlike the value-like variants above, it owns a
// shared pointer to its inner location so that resolving it once (via
// StableLocation) is visible to every copy of the RemoteLocation value,
// rather than each copy re-resolving independently.
type RemoteLocation struct {
	Endpoint string
	inner    *FieldLocation
	resolved *bool
	resolve  func(ctx context.Context, endpoint string, inner FieldLocation) (FieldLocation, error)
}

// NewRemote wraps inner with the endpoint of the server that produced it.
// resolve is supplied by the client transport layer (pkg/client) and is
// nil for a RemoteLocation that only needs to be inspected/forwarded,
// never actually read.
func NewRemote(endpoint string, inner FieldLocation, resolve func(context.Context, string, FieldLocation) (FieldLocation, error)) *RemoteLocation {
	in := inner
	return &RemoteLocation{Endpoint: endpoint, inner: &in, resolved: new(bool), resolve: resolve}
}

func (r *RemoteLocation) TypeTag() string { return TagRemote }

func (r *RemoteLocation) Length() uint64    { return (*r.inner).Length() }
func (r *RemoteLocation) URI() string       { return (*r.inner).URI() }
func (r *RemoteLocation) RemapKey() *key.Key { return (*r.inner).RemapKey() }

func (r *RemoteLocation) Encode(w io.Writer) error {
	if err := writeString(w, r.Endpoint); err != nil {
		return err
	}
	return Encode(w, *r.inner)
}

func decodeRemote(rd io.Reader) (*RemoteLocation, error) {
	endpoint, err := readString(rd)
	if err != nil {
		return nil, err
	}
	inner, err := Decode(rd)
	if err != nil {
		return nil, err
	}
	return &RemoteLocation{Endpoint: endpoint, inner: &inner}, nil
}

// StableLocation resolves the lazy remote reference to its real
// underlying location, triggering I/O (a round trip to Endpoint) the
// first time it is called; the result replaces the shared inner pointer
// so subsequent calls on any copy of this RemoteLocation are free.
func (r *RemoteLocation) StableLocation(ctx context.Context) (FieldLocation, error) {
	if r.resolve == nil || *r.resolved {
		return *r.inner, nil
	}
	resolved, err := r.resolve(ctx, r.Endpoint, *r.inner)
	if err != nil {
		return nil, err
	}
	*r.inner = resolved
	*r.resolved = true
	return resolved, nil
}

func (r *RemoteLocation) DataHandle(ctx context.Context) (io.ReadCloser, error) {
	stable, err := r.StableLocation(ctx)
	if err != nil {
		return nil, err
	}
	return stable.DataHandle(ctx)
}
