package wire

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/arkfield/fdb/pkg/fdberr"
)

// SessionID is a 128-bit opaque token: generated
// per connecting client, never derived from host state, compared only
// for equality.
type SessionID [16]byte

// NewSessionID generates a fresh random session identifier.
func NewSessionID() (SessionID, error) {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return SessionID{}, fdberr.New(fdberr.Transport, "wire.NewSessionID", err)
	}
	return id, nil
}

func (s SessionID) Equal(o SessionID) bool { return s == o }

func (s SessionID) String() string { return hex.EncodeToString(s[:]) }

func (s SessionID) IsZero() bool { return s == SessionID{} }

func (s SessionID) encode(w io.Writer) error {
	_, err := w.Write(s[:])
	return err
}

func decodeSessionID(r io.Reader) (SessionID, error) {
	var s SessionID
	if _, err := io.ReadFull(r, s[:]); err != nil {
		return SessionID{}, err
	}
	return s, nil
}
