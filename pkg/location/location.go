// Package location implements FieldLocation: a polymorphic, streamable
// reference to a byte range in some back-end. Every concrete variant is
// value-like (copyable, independently serialisable) and tagged on the
// wire so a peer that has never heard of a given back-end can still
// decode, inspect, and re-forward it.
package location

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
)

// FieldLocation is a reference to bytes [Offset, Offset+Length) in some
// URI, optionally tagged with a remap Key for sub-TOC mounting.
type FieldLocation interface {
	// DataHandle opens bytes [offset, offset+length) from the underlying
	// resource.
	DataHandle(ctx context.Context) (io.ReadCloser, error)

	Length() uint64
	URI() string
	RemapKey() *key.Key

	// StableLocation resolves a lazy/remote variant to its real
	// underlying location. May trigger I/O. For non-lazy variants it
	// returns the receiver unchanged.
	StableLocation(ctx context.Context) (FieldLocation, error)

	// TypeTag names the back-end for wire/file encoding.
	TypeTag() string

	// Encode writes the type-tagged wire form of the location.
	Encode(w io.Writer) error
}

// Common holds the attributes every concrete variant shares.
type Common struct {
	Uri    string
	Offset uint64
	Len    uint64
	Remap  *key.Key
}

func (c Common) Length() uint64      { return c.Len }
func (c Common) URI() string         { return c.Uri }
func (c Common) RemapKey() *key.Key  { return c.Remap }

func (c Common) encode(w io.Writer) error {
	if err := writeString(w, c.Uri); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.Offset); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.Len); err != nil {
		return err
	}
	hasRemap := c.Remap != nil
	if err := binary.Write(w, binary.BigEndian, hasRemap); err != nil {
		return err
	}
	if hasRemap {
		return c.Remap.Encode(w)
	}
	return nil
}

func decodeCommon(r io.Reader) (Common, error) {
	var c Common
	var err error
	if c.Uri, err = readString(r); err != nil {
		return c, err
	}
	if err = binary.Read(r, binary.BigEndian, &c.Offset); err != nil {
		return c, err
	}
	if err = binary.Read(r, binary.BigEndian, &c.Len); err != nil {
		return c, err
	}
	var hasRemap bool
	if err = binary.Read(r, binary.BigEndian, &hasRemap); err != nil {
		return c, err
	}
	if hasRemap {
		k, err := key.Decode(r)
		if err != nil {
			return c, err
		}
		c.Remap = k
	}
	return c, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Type tags, as carried on the wire and in TOC INDEX records.
const (
	TagFile   = "file"
	TagDaos   = "daos-array"
	TagFam    = "fam-object"
	TagS3     = "s3-object"
	TagRados  = "rados-object"
	TagRemote = "remote"
)

// Encode writes loc's type tag followed by its own wire form to w. Use
// this (rather than loc.Encode directly) whenever the reader side does
// not already know the concrete type, i.e. everywhere outside of a
// single-variant file like toc records for a homogeneous back-end.
func Encode(w io.Writer, loc FieldLocation) error {
	if err := writeString(w, loc.TypeTag()); err != nil {
		return err
	}
	return loc.Encode(w)
}

// Decode reads a type-tagged FieldLocation written by Encode. Unknown
// tags produce a Consistency error ("unknown field location type")
// rather than panicking, so a client built against an older set of
// back-ends degrades gracefully.
func Decode(r io.Reader) (FieldLocation, error) {
	tag, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("location: decode tag: %w", err)
	}
	switch tag {
	case TagFile:
		return decodeFile(r)
	case TagDaos:
		return decodeDaos(r)
	case TagFam:
		return decodeFam(r)
	case TagS3:
		return decodeS3(r)
	case TagRados:
		return decodeRados(r)
	case TagRemote:
		return decodeRemote(r)
	default:
		return nil, fdberr.Newf(fdberr.Consistency, "location.Decode", "unknown field location type %q", tag)
	}
}

// bufferedReader wraps r in a *bufio.Reader unless it already is one, so
// repeated small binary.Read calls during decode don't each hit the
// underlying transport.
func bufferedReader(r io.Reader) io.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}
