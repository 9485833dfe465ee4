package location

import (
	"context"
	"io"

	"github.com/arkfield/fdb/pkg/fdberr"
)

// The object-store variants below are fully serialisable FieldLocations
// — any peer can decode, inspect, and re-forward one — but their
// DataHandle is intentionally unimplemented. The specific object-store
// SDKs (DAOS, S3, FAM, Rados) are external collaborators; only the
// Store contract they would need to implement lives here. A process that actually owns one of these back-ends is
// expected to register a real Store (see pkg/store) and resolve the
// location through it rather than through DataHandle directly.

// DaosLocation addresses an object inside a DAOS array.
type DaosLocation struct {
	Common
	ArrayOID string
}

func (l *DaosLocation) TypeTag() string { return TagDaos }

func (l *DaosLocation) Encode(w io.Writer) error {
	if err := l.Common.encode(w); err != nil {
		return err
	}
	return writeString(w, l.ArrayOID)
}

func decodeDaos(r io.Reader) (*DaosLocation, error) {
	c, err := decodeCommon(r)
	if err != nil {
		return nil, err
	}
	oid, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &DaosLocation{Common: c, ArrayOID: oid}, nil
}

func (l *DaosLocation) StableLocation(ctx context.Context) (FieldLocation, error) { return l, nil }

func (l *DaosLocation) DataHandle(ctx context.Context) (io.ReadCloser, error) {
	return nil, unavailable("daos", l.Uri)
}

// FamLocation addresses an object in a fabric-attached-memory pool.
type FamLocation struct {
	Common
	PoolID string
}

func (l *FamLocation) TypeTag() string { return TagFam }

func (l *FamLocation) Encode(w io.Writer) error {
	if err := l.Common.encode(w); err != nil {
		return err
	}
	return writeString(w, l.PoolID)
}

func decodeFam(r io.Reader) (*FamLocation, error) {
	c, err := decodeCommon(r)
	if err != nil {
		return nil, err
	}
	pool, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &FamLocation{Common: c, PoolID: pool}, nil
}

func (l *FamLocation) StableLocation(ctx context.Context) (FieldLocation, error) { return l, nil }

func (l *FamLocation) DataHandle(ctx context.Context) (io.ReadCloser, error) {
	return nil, unavailable("fam", l.Uri)
}

// S3Location addresses an object in an S3-compatible bucket.
type S3Location struct {
	Common
	Bucket string
	Key    string
}

func (l *S3Location) TypeTag() string { return TagS3 }

func (l *S3Location) Encode(w io.Writer) error {
	if err := l.Common.encode(w); err != nil {
		return err
	}
	if err := writeString(w, l.Bucket); err != nil {
		return err
	}
	return writeString(w, l.Key)
}

func decodeS3(r io.Reader) (*S3Location, error) {
	c, err := decodeCommon(r)
	if err != nil {
		return nil, err
	}
	bucket, err := readString(r)
	if err != nil {
		return nil, err
	}
	k, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &S3Location{Common: c, Bucket: bucket, Key: k}, nil
}

func (l *S3Location) StableLocation(ctx context.Context) (FieldLocation, error) { return l, nil }

func (l *S3Location) DataHandle(ctx context.Context) (io.ReadCloser, error) {
	return nil, unavailable("s3", l.Uri)
}

// RadosLocation addresses an object in a Ceph RADOS pool.
type RadosLocation struct {
	Common
	Pool string
}

func (l *RadosLocation) TypeTag() string { return TagRados }

func (l *RadosLocation) Encode(w io.Writer) error {
	if err := l.Common.encode(w); err != nil {
		return err
	}
	return writeString(w, l.Pool)
}

func decodeRados(r io.Reader) (*RadosLocation, error) {
	c, err := decodeCommon(r)
	if err != nil {
		return nil, err
	}
	pool, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &RadosLocation{Common: c, Pool: pool}, nil
}

func (l *RadosLocation) StableLocation(ctx context.Context) (FieldLocation, error) { return l, nil }

func (l *RadosLocation) DataHandle(ctx context.Context) (io.ReadCloser, error) {
	return nil, unavailable("rados", l.Uri)
}

func unavailable(backend, uri string) error {
	return fdberr.Newf(fdberr.Transport, "location."+backend+".DataHandle",
		"no local %s backend registered for %s", backend, uri).WithURI(uri)
}
